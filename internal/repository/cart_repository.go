package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/pixellens/academy/internal/model"
)

// CartRepo manages pending cart items.  Items are keyed by the student's
// email and reference exactly one class.
type CartRepo struct {
	db *sql.DB
}

// NewCartRepo returns a new CartRepo bound to the given database.
func NewCartRepo(db *sql.DB) *CartRepo { return &CartRepo{db: db} }

// Add puts classID into the student's cart.  The class must exist and be
// approved; adding the same class twice returns ErrConflict.
func (r *CartRepo) Add(ctx context.Context, email string, classID uint64) (*model.CartItem, error) {
	var status string
	err := r.db.QueryRowContext(ctx, "SELECT status FROM classes WHERE id = ?", classID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClassNotFound
	}
	if err != nil {
		return nil, err
	}
	if status != model.ClassApproved {
		return nil, ErrClassNotOpen
	}
	item := &model.CartItem{StudentEmail: NormalizeEmail(email), ClassID: classID, CreatedAt: time.Now().UTC()}
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO cart_items (student_email, class_id, created_at) VALUES (?, ?, ?)",
		item.StudentEmail, item.ClassID, item.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	item.ID = uint64(id)
	return item, nil
}

// ListByStudent returns the student's cart in insertion order.
func (r *CartRepo) ListByStudent(ctx context.Context, email string) ([]model.CartItem, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, student_email, class_id, created_at FROM cart_items WHERE student_email = ? ORDER BY id",
		NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []model.CartItem{}
	for rows.Next() {
		var it model.CartItem
		if err := rows.Scan(&it.ID, &it.StudentEmail, &it.ClassID, &it.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Delete removes a single cart item owned by email.  ErrNotFound is
// returned for unknown ids and ErrForbidden for another student's item.
func (r *CartRepo) Delete(ctx context.Context, email string, id uint64) error {
	var owner string
	err := r.db.QueryRowContext(ctx, "SELECT student_email FROM cart_items WHERE id = ?", id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if owner != NormalizeEmail(email) {
		return ErrForbidden
	}
	_, err = r.db.ExecContext(ctx, "DELETE FROM cart_items WHERE id = ?", id)
	return err
}

// DeleteManyTx removes the listed cart items of one student in a single
// statement.  Identifiers that are already gone are not an error, so the
// returned count may be lower than len(ids).
func (r *CartRepo) DeleteManyTx(ctx context.Context, tx *sql.Tx, email string, ids []uint64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, NormalizeEmail(email))
	for _, id := range ids {
		args = append(args, id)
	}
	q := "DELETE FROM cart_items WHERE student_email = ? AND id IN (" + placeholders(len(ids)) + ")"
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// placeholders returns "?,?,...,?" with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
