package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pixellens/academy/internal/model"
)

// SeatPolicy decides what happens when a purchased class has no seat left.
type SeatPolicy string

const (
	// SeatPolicyReject fails the checkout with *SeatsExhaustedError.
	SeatPolicyReject SeatPolicy = "reject"
	// SeatPolicyClamp keeps available_seats at zero and still counts the
	// enrollment.
	SeatPolicyClamp SeatPolicy = "clamp"
)

// ClassRepo provides persistence for classes and owns the seat ledger.
type ClassRepo struct {
	db *sql.DB
}

// NewClassRepo returns a new ClassRepo bound to the given database.
func NewClassRepo(db *sql.DB) *ClassRepo { return &ClassRepo{db: db} }

// ClassContent holds the fields an instructor may edit.
type ClassContent struct {
	Name           string
	ImageURL       string
	PriceCents     int64
	AvailableSeats int
}

const classColumns = `id, instructor_id, name, image_url, price_cents, available_seats, enrolled, status, feedback, created_at, updated_at`

func scanClass(s rowScanner) (*model.Class, error) {
	var (
		c        model.Class
		feedback sql.NullString
	)
	err := s.Scan(&c.ID, &c.InstructorID, &c.Name, &c.ImageURL, &c.PriceCents,
		&c.AvailableSeats, &c.Enrolled, &c.Status, &feedback, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClassNotFound
	}
	if err != nil {
		return nil, err
	}
	if feedback.Valid {
		c.Feedback = &feedback.String
	}
	return &c, nil
}

// Create inserts a new class in pending state and populates its ID.
func (r *ClassRepo) Create(ctx context.Context, instructorID uint64, in ClassContent) (*model.Class, error) {
	now := time.Now().UTC()
	c := &model.Class{
		InstructorID:   instructorID,
		Name:           strings.TrimSpace(in.Name),
		ImageURL:       strings.TrimSpace(in.ImageURL),
		PriceCents:     in.PriceCents,
		AvailableSeats: in.AvailableSeats,
		Status:         model.ClassPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO classes (instructor_id, name, image_url, price_cents, available_seats, enrolled, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		c.InstructorID, c.Name, c.ImageURL, c.PriceCents, c.AvailableSeats, c.Status, now, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	c.ID = uint64(id)
	return c, nil
}

// GetByID returns a class or ErrClassNotFound.
func (r *ClassRepo) GetByID(ctx context.Context, id uint64) (*model.Class, error) {
	return scanClass(r.db.QueryRowContext(ctx, "SELECT "+classColumns+" FROM classes WHERE id = ?", id))
}

// UpdateContent replaces the editable fields of a class owned by
// instructorID.  Changing the image sends the class back to review:
// status becomes pending and previous feedback is cleared.
func (r *ClassRepo) UpdateContent(ctx context.Context, instructorID, id uint64, in ClassContent) (*model.Class, error) {
	cur, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.InstructorID != instructorID {
		return nil, ErrForbidden
	}
	image := strings.TrimSpace(in.ImageURL)
	status, feedback := cur.Status, cur.Feedback
	if image != cur.ImageURL {
		status, feedback = model.ClassPending, nil
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE classes SET name = ?, image_url = ?, price_cents = ?, available_seats = ?, status = ?, feedback = ?, updated_at = ?
WHERE id = ?`,
		strings.TrimSpace(in.Name), image, in.PriceCents, in.AvailableSeats, status, nullString(feedback), time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// SetStatus approves or denies a class.  Feedback is stored only when the
// class is denied.
func (r *ClassRepo) SetStatus(ctx context.Context, id uint64, status, feedback string) (*model.Class, error) {
	if status != model.ClassApproved && status != model.ClassDenied && status != model.ClassPending {
		return nil, fmt.Errorf("invalid class status %q", status)
	}
	var fb *string
	if status == model.ClassDenied {
		fb = &feedback
	}
	res, err := r.db.ExecContext(ctx,
		"UPDATE classes SET status = ?, feedback = ?, updated_at = ? WHERE id = ?",
		status, nullString(fb), time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrClassNotFound
	}
	return r.GetByID(ctx, id)
}

// ReserveSeatsTx takes one seat from every listed class inside tx.  Each
// class is decremented with a conditional UPDATE so the seat count can
// never drop below zero, even when concurrent checkouts race for the last
// seat.  Unknown classes yield ErrClassNotFound and classes that are not
// approved yield ErrClassNotOpen.  Classes without a free seat are
// rejected with *SeatsExhaustedError under SeatPolicyReject; under
// SeatPolicyClamp their enrolled counter still grows and they are listed
// in SeatResult.Clamped.  ids must not contain duplicates.
func (r *ClassRepo) ReserveSeatsTx(ctx context.Context, tx *sql.Tx, ids []uint64, policy SeatPolicy) (model.SeatResult, error) {
	out := model.SeatResult{Changes: make([]model.SeatChange, 0, len(ids))}
	var exhausted []uint64
	now := time.Now().UTC()
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE classes SET available_seats = available_seats - 1, enrolled = enrolled + 1, updated_at = ?
WHERE id = ? AND status = ? AND available_seats > 0`,
			now, id, model.ClassApproved)
		if err != nil {
			return out, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return out, err
		}
		if n == 0 {
			var status string
			err := tx.QueryRowContext(ctx, "SELECT status FROM classes WHERE id = ?", id).Scan(&status)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				return out, fmt.Errorf("class %d: %w", id, ErrClassNotFound)
			case err != nil:
				return out, err
			case status != model.ClassApproved:
				return out, fmt.Errorf("class %d: %w", id, ErrClassNotOpen)
			}
			if policy != SeatPolicyClamp {
				exhausted = append(exhausted, id)
				continue
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE classes SET enrolled = enrolled + 1, updated_at = ? WHERE id = ?", now, id); err != nil {
				return out, err
			}
			out.Clamped = append(out.Clamped, id)
		}
		ch := model.SeatChange{ClassID: id}
		if err := tx.QueryRowContext(ctx,
			"SELECT available_seats, enrolled FROM classes WHERE id = ?", id).Scan(&ch.AvailableSeats, &ch.Enrolled); err != nil {
			return out, err
		}
		out.Changes = append(out.Changes, ch)
	}
	if len(exhausted) > 0 {
		return out, &SeatsExhaustedError{ClassIDs: exhausted}
	}
	return out, nil
}
