package repository

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"github.com/pixellens/academy/internal/model"
)

// ErrConcurrentEnrollment is returned by MergeTx when another transaction
// created the student's enrollment, or added one of the same classes to
// it, first.  Retrying the transaction sees the committed rows and merges
// into them.
var ErrConcurrentEnrollment = errors.New("enrollment created concurrently")

// EnrollmentRepo stores one enrollment per student.  The class set lives
// in enrollment_classes whose primary key (enrollment_id, class_id) makes
// duplicate identifiers impossible.
type EnrollmentRepo struct {
	db *sql.DB
}

// NewEnrollmentRepo returns a new EnrollmentRepo bound to the given database.
func NewEnrollmentRepo(db *sql.DB) *EnrollmentRepo { return &EnrollmentRepo{db: db} }

// MergeTx unions classIDs into the student's enrollment, creating the
// enrollment when the student has none.  The result tells whether the
// record was created, which identifiers were new and the full set in
// ascending order.  The enrollment ID is stable across merges.
func (r *EnrollmentRepo) MergeTx(ctx context.Context, tx *sql.Tx, email string, classIDs []uint64) (model.EnrollmentResult, error) {
	email = NormalizeEmail(email)
	now := time.Now().UTC()
	var out model.EnrollmentResult

	err := tx.QueryRowContext(ctx, "SELECT id FROM enrollments WHERE student_email = ?", email).Scan(&out.EnrollmentID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx,
			"INSERT INTO enrollments (student_email, created_at, updated_at) VALUES (?, ?, ?)", email, now, now)
		if err != nil {
			if IsUniqueViolation(err) {
				return out, ErrConcurrentEnrollment
			}
			return out, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return out, err
		}
		out.EnrollmentID = uint64(id)
		out.Created = true
	case err != nil:
		return out, err
	}

	existing, err := enrolledClassesTx(ctx, tx, out.EnrollmentID)
	if err != nil {
		return out, err
	}
	set := make(map[uint64]struct{}, len(existing)+len(classIDs))
	for _, id := range existing {
		set[id] = struct{}{}
	}
	out.Added = []uint64{}
	for _, id := range classIDs {
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO enrollment_classes (enrollment_id, class_id, enrolled_at) VALUES (?, ?, ?)",
			out.EnrollmentID, id, now); err != nil {
			// A concurrent checkout enrolled the same class after our
			// snapshot was taken.
			if IsUniqueViolation(err) {
				return out, ErrConcurrentEnrollment
			}
			return out, err
		}
		out.Added = append(out.Added, id)
	}
	if !out.Created {
		if _, err := tx.ExecContext(ctx,
			"UPDATE enrollments SET updated_at = ? WHERE id = ?", now, out.EnrollmentID); err != nil {
			return out, err
		}
	}

	out.ClassIDs = make([]uint64, 0, len(set))
	for id := range set {
		out.ClassIDs = append(out.ClassIDs, id)
	}
	slices.Sort(out.ClassIDs)
	return out, nil
}

// GetByStudent returns the student's enrollment or ErrNotFound.
func (r *EnrollmentRepo) GetByStudent(ctx context.Context, email string) (*model.Enrollment, error) {
	var e model.Enrollment
	err := r.db.QueryRowContext(ctx,
		"SELECT id, student_email, created_at, updated_at FROM enrollments WHERE student_email = ?",
		NormalizeEmail(email)).Scan(&e.ID, &e.StudentEmail, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT class_id FROM enrollment_classes WHERE enrollment_id = ? ORDER BY class_id", e.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	e.ClassIDs = []uint64{}
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		e.ClassIDs = append(e.ClassIDs, id)
	}
	return &e, rows.Err()
}

func enrolledClassesTx(ctx context.Context, tx *sql.Tx, enrollmentID uint64) ([]uint64, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT class_id FROM enrollment_classes WHERE enrollment_id = ?", enrollmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
