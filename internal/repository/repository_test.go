package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixellens/academy/internal/database"
	"github.com/pixellens/academy/internal/model"
)

type fixture struct {
	db          *sql.DB
	users       *UserRepo
	classes     *ClassRepo
	carts       *CartRepo
	payments    *PaymentRepo
	enrollments *EnrollmentRepo
	instructor  uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := database.OpenTestDB(t)
	f := &fixture{
		db:          db,
		users:       NewUserRepo(db),
		classes:     NewClassRepo(db),
		carts:       NewCartRepo(db),
		payments:    NewPaymentRepo(db),
		enrollments: NewEnrollmentRepo(db),
	}
	id, err := f.users.Create(context.Background(), "teach@example.com", "Teach", "password1", model.RoleInstructor, 4)
	require.NoError(t, err)
	f.instructor = id
	return f
}

func (f *fixture) class(t *testing.T, seats int, status string) uint64 {
	t.Helper()
	ctx := context.Background()
	c, err := f.classes.Create(ctx, f.instructor, ClassContent{Name: "Portraits", ImageURL: "a.png", PriceCents: 2500, AvailableSeats: seats})
	require.NoError(t, err)
	if status != model.ClassPending {
		_, err = f.classes.SetStatus(ctx, c.ID, status, "needs work")
		require.NoError(t, err)
	}
	return c.ID
}

// inTx runs fn in a transaction that is always rolled back.
func (f *fixture) inTx(t *testing.T, fn func(tx *sql.Tx)) {
	t.Helper()
	tx, err := f.db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()
	fn(tx)
}

func (f *fixture) commit(t *testing.T, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := f.db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func TestUserRepoDuplicateEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.users.Create(ctx, "  TEACH@example.com ", "Other", "password1", model.RoleStudent, 4)
	assert.ErrorIs(t, err, ErrEmailExists)

	u, err := f.users.GetByEmail(ctx, "Teach@Example.com")
	require.NoError(t, err)
	assert.Equal(t, f.instructor, u.ID)
	assert.Equal(t, model.RoleInstructor, u.Role)
	assert.True(t, u.IsActive)

	_, err = f.users.GetByID(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenRepoLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tokens := NewTokenRepo(f.db)

	require.NoError(t, tokens.StoreRefresh(ctx, f.instructor, "h1", time.Now().UTC().Add(time.Hour)))
	uid, err := tokens.ValidateRefresh(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, f.instructor, uid)

	require.NoError(t, tokens.RevokeByHash(ctx, "h1"))
	_, err = tokens.ValidateRefresh(ctx, "h1")
	assert.ErrorIs(t, err, sql.ErrNoRows)

	require.NoError(t, tokens.StoreRefresh(ctx, f.instructor, "h2", time.Now().UTC().Add(-time.Hour)))
	_, err = tokens.ValidateRefresh(ctx, "h2")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestCartRepo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	open := f.class(t, 3, model.ClassApproved)
	pending := f.class(t, 3, model.ClassPending)

	item, err := f.carts.Add(ctx, "S1@example.com", open)
	require.NoError(t, err)
	assert.Equal(t, "s1@example.com", item.StudentEmail)

	_, err = f.carts.Add(ctx, "s1@example.com", open)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = f.carts.Add(ctx, "s1@example.com", pending)
	assert.ErrorIs(t, err, ErrClassNotOpen)
	_, err = f.carts.Add(ctx, "s1@example.com", 404)
	assert.ErrorIs(t, err, ErrClassNotFound)

	assert.ErrorIs(t, f.carts.Delete(ctx, "s2@example.com", item.ID), ErrForbidden)
	assert.ErrorIs(t, f.carts.Delete(ctx, "s1@example.com", 999), ErrNotFound)
	require.NoError(t, f.carts.Delete(ctx, "s1@example.com", item.ID))

	items, err := f.carts.ListByStudent(ctx, "s1@example.com")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCartDeleteManyTxIgnoresAbsentAndForeignItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c1 := f.class(t, 3, model.ClassApproved)
	c2 := f.class(t, 3, model.ClassApproved)
	k1, err := f.carts.Add(ctx, "s1@example.com", c1)
	require.NoError(t, err)
	k2, err := f.carts.Add(ctx, "s1@example.com", c2)
	require.NoError(t, err)
	other, err := f.carts.Add(ctx, "s2@example.com", c1)
	require.NoError(t, err)

	var n int64
	require.NoError(t, f.commit(t, func(tx *sql.Tx) error {
		n, err = f.carts.DeleteManyTx(ctx, tx, "s1@example.com", []uint64{k1.ID, k2.ID, other.ID, 777})
		return err
	}))
	assert.Equal(t, int64(2), n)

	left, err := f.carts.ListByStudent(ctx, "s2@example.com")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, other.ID, left[0].ID)

	f.inTx(t, func(tx *sql.Tx) {
		n, err := f.carts.DeleteManyTx(ctx, tx, "s1@example.com", nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestClassUpdateContentResetsStatusOnImageChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.class(t, 3, model.ClassDenied)

	c, err := f.classes.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, c.Feedback)

	c, err = f.classes.SetStatus(ctx, id, model.ClassApproved, "ignored")
	require.NoError(t, err)
	assert.Nil(t, c.Feedback)

	c, err = f.classes.UpdateContent(ctx, f.instructor, id, ClassContent{Name: "Renamed", ImageURL: "a.png", AvailableSeats: 5})
	require.NoError(t, err)
	assert.Equal(t, model.ClassApproved, c.Status)
	assert.Equal(t, "Renamed", c.Name)

	c, err = f.classes.UpdateContent(ctx, f.instructor, id, ClassContent{Name: "Renamed", ImageURL: "b.png", AvailableSeats: 5})
	require.NoError(t, err)
	assert.Equal(t, model.ClassPending, c.Status)

	_, err = f.classes.UpdateContent(ctx, f.instructor+1, id, ClassContent{Name: "x"})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.classes.SetStatus(ctx, 999, model.ClassApproved, "")
	assert.ErrorIs(t, err, ErrClassNotFound)
}

func TestReserveSeatsTx(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c1 := f.class(t, 2, model.ClassApproved)
	c2 := f.class(t, 1, model.ClassApproved)

	var res model.SeatResult
	require.NoError(t, f.commit(t, func(tx *sql.Tx) (err error) {
		res, err = f.classes.ReserveSeatsTx(ctx, tx, []uint64{c1, c2}, SeatPolicyReject)
		return err
	}))
	assert.Equal(t, []model.SeatChange{
		{ClassID: c1, AvailableSeats: 1, Enrolled: 1},
		{ClassID: c2, AvailableSeats: 0, Enrolled: 1},
	}, res.Changes)
	assert.Empty(t, res.Clamped)
}

func TestReserveSeatsTxExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	full := f.class(t, 0, model.ClassApproved)
	open := f.class(t, 4, model.ClassApproved)

	t.Run("reject", func(t *testing.T) {
		f.inTx(t, func(tx *sql.Tx) {
			_, err := f.classes.ReserveSeatsTx(ctx, tx, []uint64{open, full}, SeatPolicyReject)
			var se *SeatsExhaustedError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, []uint64{full}, se.ClassIDs)
		})
	})
	t.Run("clamp", func(t *testing.T) {
		f.inTx(t, func(tx *sql.Tx) {
			res, err := f.classes.ReserveSeatsTx(ctx, tx, []uint64{full}, SeatPolicyClamp)
			require.NoError(t, err)
			assert.Equal(t, []uint64{full}, res.Clamped)
			assert.Equal(t, []model.SeatChange{{ClassID: full, AvailableSeats: 0, Enrolled: 1}}, res.Changes)
		})
	})
}

func TestReserveSeatsTxUnknownOrClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending := f.class(t, 5, model.ClassPending)

	f.inTx(t, func(tx *sql.Tx) {
		_, err := f.classes.ReserveSeatsTx(ctx, tx, []uint64{pending}, SeatPolicyClamp)
		assert.ErrorIs(t, err, ErrClassNotOpen)
		_, err = f.classes.ReserveSeatsTx(ctx, tx, []uint64{12345}, SeatPolicyClamp)
		assert.ErrorIs(t, err, ErrClassNotFound)
	})
}

func TestPaymentRepo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key, intent := "idem-1", "pi_1"
	p := &model.Payment{
		Reference: "ref-1", StudentEmail: "s1@example.com",
		ClassIDs: []uint64{3, 1}, CartIDs: []uint64{9},
		AmountCents: 5000, Currency: "usd",
		IdempotencyKey: &key, PaymentIntentID: &intent,
	}
	require.NoError(t, f.commit(t, func(tx *sql.Tx) error { return f.payments.CreateTx(ctx, tx, p) }))
	require.NotZero(t, p.ID)

	got, err := f.payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 1}, got.ClassIDs)
	assert.Equal(t, []uint64{9}, got.CartIDs)
	assert.Equal(t, int64(5000), got.AmountCents)
	require.NotNil(t, got.PaymentIntentID)
	assert.Equal(t, intent, *got.PaymentIntentID)

	f.inTx(t, func(tx *sql.Tx) {
		byKey, err := f.payments.FindByIdempotencyKeyTx(ctx, tx, key)
		require.NoError(t, err)
		assert.Equal(t, p.ID, byKey.ID)
		byIntent, err := f.payments.FindByIntentIDTx(ctx, tx, intent)
		require.NoError(t, err)
		assert.Equal(t, p.ID, byIntent.ID)
		_, err = f.payments.FindByIdempotencyKeyTx(ctx, tx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		dup := &model.Payment{Reference: "ref-2", StudentEmail: "s1@example.com", Currency: "usd", IdempotencyKey: &key}
		assert.ErrorIs(t, f.payments.CreateTx(ctx, tx, dup), ErrDuplicatePayment)
	})

	list, err := f.payments.ListByStudent(ctx, "S1@example.com")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)
}

func TestEnrollmentMergeTx(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c1 := f.class(t, 5, model.ClassApproved)
	c2 := f.class(t, 5, model.ClassApproved)
	c3 := f.class(t, 5, model.ClassApproved)

	var first, second model.EnrollmentResult
	require.NoError(t, f.commit(t, func(tx *sql.Tx) (err error) {
		first, err = f.enrollments.MergeTx(ctx, tx, "s1@example.com", []uint64{c2, c1})
		return err
	}))
	assert.True(t, first.Created)
	assert.Equal(t, []uint64{c2, c1}, first.Added)
	assert.Equal(t, []uint64{c1, c2}, first.ClassIDs)

	require.NoError(t, f.commit(t, func(tx *sql.Tx) (err error) {
		second, err = f.enrollments.MergeTx(ctx, tx, "s1@example.com", []uint64{c1, c3})
		return err
	}))
	assert.False(t, second.Created)
	assert.Equal(t, first.EnrollmentID, second.EnrollmentID)
	assert.Equal(t, []uint64{c3}, second.Added)
	assert.Equal(t, []uint64{c1, c2, c3}, second.ClassIDs)

	e, err := f.enrollments.GetByStudent(ctx, "s1@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.EnrollmentID, e.ID)
	assert.Equal(t, []uint64{c1, c2, c3}, e.ClassIDs)

	_, err = f.enrollments.GetByStudent(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnrollmentMergeTxConcurrentClass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c1 := f.class(t, 5, model.ClassApproved)
	c2 := f.class(t, 5, model.ClassApproved)
	require.NoError(t, f.commit(t, func(tx *sql.Tx) error {
		_, err := f.enrollments.MergeTx(ctx, tx, "s1@example.com", []uint64{c1})
		return err
	}))

	// Another writer slips (enrollment, c2) in between our read of the
	// class set and our insert.
	_, err := f.db.ExecContext(ctx, fmt.Sprintf(`CREATE TRIGGER late_enrollment BEFORE INSERT ON enrollment_classes
		WHEN NEW.class_id = %d AND NOT EXISTS (
			SELECT 1 FROM enrollment_classes WHERE enrollment_id = NEW.enrollment_id AND class_id = NEW.class_id)
		BEGIN
			INSERT INTO enrollment_classes (enrollment_id, class_id, enrolled_at) VALUES (NEW.enrollment_id, NEW.class_id, NEW.enrolled_at);
		END`, c2))
	require.NoError(t, err)

	err = f.commit(t, func(tx *sql.Tx) error {
		_, err := f.enrollments.MergeTx(ctx, tx, "s1@example.com", []uint64{c2})
		return err
	})
	require.ErrorIs(t, err, ErrConcurrentEnrollment)
	assert.True(t, IsRetryable(err))

	_, err = f.db.ExecContext(ctx, "DROP TRIGGER late_enrollment")
	require.NoError(t, err)
	var again model.EnrollmentResult
	require.NoError(t, f.commit(t, func(tx *sql.Tx) (err error) {
		again, err = f.enrollments.MergeTx(ctx, tx, "s1@example.com", []uint64{c2})
		return err
	}))
	assert.Equal(t, []uint64{c2}, again.Added)
	assert.Equal(t, []uint64{c1, c2}, again.ClassIDs)
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsUniqueViolation(&mysql.MySQLError{Number: 1062}))
	assert.False(t, IsUniqueViolation(&mysql.MySQLError{Number: 1213}))
	assert.True(t, IsUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}))
	assert.True(t, IsUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}))
	assert.False(t, IsUniqueViolation(errors.New("1062")))

	assert.True(t, IsRetryable(&mysql.MySQLError{Number: 1213}))
	assert.True(t, IsRetryable(&mysql.MySQLError{Number: 1205}))
	assert.True(t, IsRetryable(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(t, IsRetryable(sqlite3.Error{Code: sqlite3.ErrLocked}))
	assert.True(t, IsRetryable(ErrConcurrentEnrollment))
	assert.False(t, IsRetryable(ErrClassNotFound))

	err := &SeatsExhaustedError{ClassIDs: []uint64{4, 7}}
	assert.Equal(t, "no seats left for class 4,7", err.Error())
}
