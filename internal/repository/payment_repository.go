package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pixellens/academy/internal/model"
)

// PaymentRepo records completed checkouts.  Payments are append-only, so
// the repo deliberately has no update or delete method.  Class and cart
// identifier lists are stored as JSON arrays in TEXT columns.
type PaymentRepo struct {
	db *sql.DB
}

// NewPaymentRepo returns a new PaymentRepo bound to the given database.
func NewPaymentRepo(db *sql.DB) *PaymentRepo { return &PaymentRepo{db: db} }

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const paymentColumns = `id, reference, student_email, class_ids, cart_ids, amount_cents, currency, payment_intent_id, idempotency_key, created_at`

// CreateTx inserts p within the scope of an existing transaction and
// populates its generated ID and CreatedAt.  A reused idempotency key or
// payment intent yields ErrDuplicatePayment.  The caller must commit or
// rollback the transaction.
func (r *PaymentRepo) CreateTx(ctx context.Context, tx *sql.Tx, p *model.Payment) error {
	classIDs, err := encodeIDs(p.ClassIDs)
	if err != nil {
		return err
	}
	cartIDs, err := encodeIDs(p.CartIDs)
	if err != nil {
		return err
	}
	p.CreatedAt = time.Now().UTC()
	const q = `INSERT INTO payments (reference, student_email, class_ids, cart_ids, amount_cents, currency, payment_intent_id, idempotency_key, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, q, p.Reference, p.StudentEmail, classIDs, cartIDs,
		p.AmountCents, p.Currency, nullString(p.PaymentIntentID), nullString(p.IdempotencyKey), p.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicatePayment
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = uint64(id)
	return nil
}

// FindByIdempotencyKeyTx returns the payment recorded under key or
// ErrNotFound.
func (r *PaymentRepo) FindByIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, key string) (*model.Payment, error) {
	return scanPayment(tx.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE idempotency_key = ? LIMIT 1", key))
}

// FindByIntentIDTx returns the payment verified against the provider
// intent id or ErrNotFound.
func (r *PaymentRepo) FindByIntentIDTx(ctx context.Context, tx *sql.Tx, intentID string) (*model.Payment, error) {
	return scanPayment(tx.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE payment_intent_id = ? LIMIT 1", intentID))
}

// GetByID returns a payment by primary key or ErrNotFound.
func (r *PaymentRepo) GetByID(ctx context.Context, id uint64) (*model.Payment, error) {
	return scanPayment(r.db.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE id = ?", id))
}

// ListByStudent returns the student's payments, newest first.
func (r *PaymentRepo) ListByStudent(ctx context.Context, email string) ([]model.Payment, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE student_email = ? ORDER BY id DESC", NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPayment(s rowScanner) (*model.Payment, error) {
	var (
		p                 model.Payment
		classIDs, cartIDs string
		intentID, idemKey sql.NullString
	)
	err := s.Scan(&p.ID, &p.Reference, &p.StudentEmail, &classIDs, &cartIDs,
		&p.AmountCents, &p.Currency, &intentID, &idemKey, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if p.ClassIDs, err = decodeIDs(classIDs); err != nil {
		return nil, err
	}
	if p.CartIDs, err = decodeIDs(cartIDs); err != nil {
		return nil, err
	}
	if intentID.Valid {
		p.PaymentIntentID = &intentID.String
	}
	if idemKey.Valid {
		p.IdempotencyKey = &idemKey.String
	}
	return &p, nil
}

func encodeIDs(ids []uint64) (string, error) {
	if ids == nil {
		ids = []uint64{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode ids: %w", err)
	}
	return string(b), nil
}

func decodeIDs(s string) ([]uint64, error) {
	ids := []uint64{}
	if s == "" {
		return ids, nil
	}
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil, fmt.Errorf("decode ids: %w", err)
	}
	return ids, nil
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
