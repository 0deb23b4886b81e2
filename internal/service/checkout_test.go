package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pixellens/academy/internal/database"
	"github.com/pixellens/academy/internal/metrics"
	"github.com/pixellens/academy/internal/model"
	"github.com/pixellens/academy/internal/payment"
	"github.com/pixellens/academy/internal/queue"
	"github.com/pixellens/academy/internal/repository"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.CheckoutCompletedEvent
}

func (p *recordingPublisher) PublishCheckoutCompleted(_ context.Context, ev queue.CheckoutCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fakeProvider struct {
	intent *payment.Intent
	err    error
}

func (f *fakeProvider) CreateIntent(_ context.Context, amount int64, currency string, _ []string) (*payment.Intent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &payment.Intent{ID: "pi_new", ClientSecret: "pi_new_secret", Amount: amount, Currency: currency}, nil
}

func (f *fakeProvider) GetIntent(context.Context, string) (*payment.Intent, error) {
	return f.intent, f.err
}

type env struct {
	db          *sql.DB
	svc         *CheckoutService
	pub         *recordingPublisher
	classes     *repository.ClassRepo
	carts       *repository.CartRepo
	payments    *repository.PaymentRepo
	enrollments *repository.EnrollmentRepo
	instructor  uint64
}

func newEnv(t *testing.T, opts Options, provider IntentProvider) *env {
	t.Helper()
	db := database.OpenTestDB(t)
	uid, err := repository.NewUserRepo(db).Create(context.Background(), "teach@example.com", "Teach", "password1", model.RoleInstructor, 4)
	require.NoError(t, err)
	pub := &recordingPublisher{}
	return &env{
		db:          db,
		svc:         NewCheckoutService(db, opts, provider, pub, metrics.NewServerMetrics("test")),
		pub:         pub,
		classes:     repository.NewClassRepo(db),
		carts:       repository.NewCartRepo(db),
		payments:    repository.NewPaymentRepo(db),
		enrollments: repository.NewEnrollmentRepo(db),
		instructor:  uid,
	}
}

func (e *env) class(t *testing.T, seats int) uint64 {
	t.Helper()
	ctx := context.Background()
	c, err := e.classes.Create(ctx, e.instructor, repository.ClassContent{Name: "Street photography", PriceCents: 2500, AvailableSeats: seats})
	require.NoError(t, err)
	_, err = e.classes.SetStatus(ctx, c.ID, model.ClassApproved, "")
	require.NoError(t, err)
	return c.ID
}

func (e *env) cart(t *testing.T, email string, classID uint64) uint64 {
	t.Helper()
	it, err := e.carts.Add(context.Background(), email, classID)
	require.NoError(t, err)
	return it.ID
}

func (e *env) seats(t *testing.T, id uint64) (int, int) {
	t.Helper()
	c, err := e.classes.GetByID(context.Background(), id)
	require.NoError(t, err)
	return c.AvailableSeats, c.Enrolled
}

func TestCheckoutScenarios(t *testing.T) {
	e := newEnv(t, Options{MaxAttempts: 3}, nil)
	ctx := context.Background()
	c1, c2, c3 := e.class(t, 10), e.class(t, 10), e.class(t, 10)
	k1, k2 := e.cart(t, "s1@example.com", c1), e.cart(t, "s1@example.com", c2)

	// Scenario A: two classes through two cart items.
	resA, err := e.svc.Complete(ctx, CheckoutRequest{
		StudentEmail: "s1@example.com", ClassIDs: []uint64{c1, c2}, CartIDs: []uint64{k1, k2}, AmountCents: 5000,
	})
	require.NoError(t, err)
	assert.False(t, resA.Payment.Replayed)
	assert.Equal(t, model.CartResult{Requested: 2, Deleted: 2}, resA.Cart)
	assert.True(t, resA.Enrollment.Created)
	assert.Equal(t, []uint64{c1, c2}, resA.Enrollment.ClassIDs)
	for _, id := range []uint64{c1, c2} {
		avail, enrolled := e.seats(t, id)
		assert.Equal(t, 9, avail)
		assert.Equal(t, 1, enrolled)
	}
	p, err := e.payments.GetByID(ctx, resA.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint64{c1, c2}, p.ClassIDs)
	assert.Equal(t, []uint64{k1, k2}, p.CartIDs)
	assert.Equal(t, int64(5000), p.AmountCents)
	items, err := e.carts.ListByStudent(ctx, "s1@example.com")
	require.NoError(t, err)
	assert.Empty(t, items)

	// Scenario B: a later checkout updates the same enrollment.
	k3 := e.cart(t, "s1@example.com", c3)
	resB, err := e.svc.Complete(ctx, CheckoutRequest{
		StudentEmail: "s1@example.com", ClassIDs: []uint64{c3}, CartIDs: []uint64{k3}, AmountCents: 2500,
	})
	require.NoError(t, err)
	assert.False(t, resB.Enrollment.Created)
	assert.Equal(t, resA.Enrollment.EnrollmentID, resB.Enrollment.EnrollmentID)
	assert.Equal(t, []uint64{c3}, resB.Enrollment.Added)

	en, err := e.enrollments.GetByStudent(ctx, "s1@example.com")
	require.NoError(t, err)
	assert.Equal(t, resA.Enrollment.EnrollmentID, en.ID)
	assert.Equal(t, []uint64{c1, c2, c3}, en.ClassIDs)

	assert.Equal(t, 2, e.pub.count())
	assert.Equal(t, "s1@example.com", e.pub.events[1].StudentEmail)
	assert.False(t, e.pub.events[1].EnrollmentCreated)
}

func TestCheckoutSameClassTwiceKeepsSingleEntry(t *testing.T) {
	e := newEnv(t, Options{}, nil)
	ctx := context.Background()
	c1 := e.class(t, 5)

	for i := 0; i < 2; i++ {
		res, err := e.svc.Complete(ctx, CheckoutRequest{StudentEmail: "s1@example.com", ClassIDs: []uint64{c1}, AmountCents: 100})
		require.NoError(t, err)
		assert.Equal(t, []uint64{c1}, res.Enrollment.ClassIDs)
		if i == 1 {
			assert.Empty(t, res.Enrollment.Added)
		}
	}
	en, err := e.enrollments.GetByStudent(ctx, "s1@example.com")
	require.NoError(t, err)
	assert.Equal(t, []uint64{c1}, en.ClassIDs)
	avail, enrolled := e.seats(t, c1)
	assert.Equal(t, 3, avail)
	assert.Equal(t, 2, enrolled)
}

func TestCheckoutDeduplicatesRequest(t *testing.T) {
	e := newEnv(t, Options{}, nil)
	c1 := e.class(t, 5)
	k1 := e.cart(t, "s1@example.com", c1)

	res, err := e.svc.Complete(context.Background(), CheckoutRequest{
		StudentEmail: " S1@Example.com ", ClassIDs: []uint64{c1, c1}, CartIDs: []uint64{k1, k1}, AmountCents: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, model.CartResult{Requested: 1, Deleted: 1}, res.Cart)
	require.Len(t, res.Seats.Changes, 1)
	assert.Equal(t, model.SeatChange{ClassID: c1, AvailableSeats: 4, Enrolled: 1}, res.Seats.Changes[0])
}

func TestCheckoutSeatBoundaryReject(t *testing.T) {
	e := newEnv(t, Options{SeatPolicy: repository.SeatPolicyReject}, nil)
	ctx := context.Background()
	open, full := e.class(t, 3), e.class(t, 0)
	k1 := e.cart(t, "s1@example.com", open)

	_, err := e.svc.Complete(ctx, CheckoutRequest{
		StudentEmail: "s1@example.com", ClassIDs: []uint64{open, full}, CartIDs: []uint64{k1}, AmountCents: 100,
	})
	var se *repository.SeatsExhaustedError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []uint64{full}, se.ClassIDs)
	var step *StepError
	require.ErrorAs(t, err, &step)
	assert.Equal(t, StepSeats, step.Step)
	assert.True(t, IsRejection(err))

	// Nothing from the earlier steps survived.
	avail, enrolled := e.seats(t, open)
	assert.Equal(t, 3, avail)
	assert.Zero(t, enrolled)
	list, err := e.payments.ListByStudent(ctx, "s1@example.com")
	require.NoError(t, err)
	assert.Empty(t, list)
	items, err := e.carts.ListByStudent(ctx, "s1@example.com")
	require.NoError(t, err)
	assert.Len(t, items, 1)
	_, err = e.enrollments.GetByStudent(ctx, "s1@example.com")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Zero(t, e.pub.count())
}

func TestCheckoutSeatBoundaryClamp(t *testing.T) {
	e := newEnv(t, Options{SeatPolicy: repository.SeatPolicyClamp}, nil)
	full := e.class(t, 0)

	res, err := e.svc.Complete(context.Background(), CheckoutRequest{StudentEmail: "s1@example.com", ClassIDs: []uint64{full}, AmountCents: 100})
	require.NoError(t, err)
	assert.Equal(t, []uint64{full}, res.Seats.Clamped)
	avail, enrolled := e.seats(t, full)
	assert.Zero(t, avail)
	assert.Equal(t, 1, enrolled)
	assert.Equal(t, []uint64{full}, e.pub.events[0].ClampedClassIDs)
}

func TestConcurrentCheckoutForLastSeat(t *testing.T) {
	e := newEnv(t, Options{MaxAttempts: 3}, nil)
	last := e.class(t, 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, email := range []string{"s1@example.com", "s2@example.com"} {
		wg.Add(1)
		go func(i int, email string) {
			defer wg.Done()
			_, errs[i] = e.svc.Complete(context.Background(), CheckoutRequest{StudentEmail: email, ClassIDs: []uint64{last}, AmountCents: 100})
		}(i, email)
	}
	wg.Wait()

	var ok, exhausted int
	for _, err := range errs {
		var se *repository.SeatsExhaustedError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &se):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, exhausted)
	avail, enrolled := e.seats(t, last)
	assert.Zero(t, avail)
	assert.Equal(t, 1, enrolled)
}

func TestCheckoutRollsBackWhenEnrollmentFails(t *testing.T) {
	e := newEnv(t, Options{}, nil)
	ctx := context.Background()
	c1 := e.class(t, 2)
	k1 := e.cart(t, "s1@example.com", c1)
	_, err := e.db.Exec("DROP TABLE enrollment_classes")
	require.NoError(t, err)

	_, err = e.svc.Complete(ctx, CheckoutRequest{StudentEmail: "s1@example.com", ClassIDs: []uint64{c1}, CartIDs: []uint64{k1}, AmountCents: 100})
	var step *StepError
	require.ErrorAs(t, err, &step)
	assert.Equal(t, StepEnrollment, step.Step)
	assert.False(t, IsRejection(err))

	avail, enrolled := e.seats(t, c1)
	assert.Equal(t, 2, avail)
	assert.Zero(t, enrolled)
	list, err := e.payments.ListByStudent(ctx, "s1@example.com")
	require.NoError(t, err)
	assert.Empty(t, list)
	items, err := e.carts.ListByStudent(ctx, "s1@example.com")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestCheckoutUnknownOrClosedClass(t *testing.T) {
	e := newEnv(t, Options{}, nil)
	ctx := context.Background()
	pending, err := e.classes.Create(ctx, e.instructor, repository.ClassContent{Name: "Draft", AvailableSeats: 3})
	require.NoError(t, err)

	_, err = e.svc.Complete(ctx, CheckoutRequest{StudentEmail: "s1@example.com", ClassIDs: []uint64{pending.ID}, AmountCents: 100})
	assert.ErrorIs(t, err, repository.ErrClassNotOpen)
	_, err = e.svc.Complete(ctx, CheckoutRequest{StudentEmail: "s1@example.com", ClassIDs: []uint64{9999}, AmountCents: 100})
	assert.ErrorIs(t, err, repository.ErrClassNotFound)
}

func TestCheckoutIdempotentReplay(t *testing.T) {
	e := newEnv(t, Options{}, nil)
	ctx := context.Background()
	c1 := e.class(t, 5)
	req := CheckoutRequest{StudentEmail: "s1@example.com", ClassIDs: []uint64{c1}, AmountCents: 100, IdempotencyKey: "attempt-1"}

	first, err := e.svc.Complete(ctx, req)
	require.NoError(t, err)
	second, err := e.svc.Complete(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Payment.Replayed)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	assert.Equal(t, first.Payment.Reference, second.Payment.Reference)
	assert.Equal(t, first.Enrollment.EnrollmentID, second.Enrollment.EnrollmentID)
	assert.Equal(t, []uint64{c1}, second.Enrollment.ClassIDs)
	avail, enrolled := e.seats(t, c1)
	assert.Equal(t, 4, avail)
	assert.Equal(t, 1, enrolled)
	assert.Equal(t, 1, e.pub.count())

	other := e.class(t, 5)
	req.ClassIDs = []uint64{other}
	_, err = e.svc.Complete(ctx, req)
	assert.ErrorIs(t, err, ErrIdempotencyConflict)

	req.ClassIDs = []uint64{c1}
	req.AmountCents = 1
	_, err = e.svc.Complete(ctx, req)
	assert.ErrorIs(t, err, ErrIdempotencyConflict, "same key, different amount")

	req.AmountCents = 100
	req.CartIDs = []uint64{42}
	_, err = e.svc.Complete(ctx, req)
	assert.ErrorIs(t, err, ErrIdempotencyConflict, "same key, different cart items")

	avail, enrolled = e.seats(t, c1)
	assert.Equal(t, 4, avail)
	assert.Equal(t, 1, enrolled)
}

func TestCheckoutValidation(t *testing.T) {
	e := newEnv(t, Options{}, nil)
	cases := map[string]CheckoutRequest{
		"email":      {ClassIDs: []uint64{1}, AmountCents: 1},
		"class_ids":  {StudentEmail: "s1@example.com", AmountCents: 1},
		"amount":     {StudentEmail: "s1@example.com", ClassIDs: []uint64{1}},
		"zero class": {StudentEmail: "s1@example.com", ClassIDs: []uint64{0}, AmountCents: 1},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.svc.Complete(context.Background(), req)
			var ve *ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestCheckoutVerifiesIntent(t *testing.T) {
	succeeded := &payment.Intent{ID: "pi_1", Status: payment.StatusSucceeded, Amount: 100, Currency: "usd"}
	cases := []struct {
		name     string
		provider *fakeProvider
		intentID string
		wantErr  error
	}{
		{"confirmed", &fakeProvider{intent: succeeded}, "pi_1", nil},
		{"missing intent id", &fakeProvider{intent: succeeded}, "", ErrPaymentNotConfirmed},
		{"not succeeded", &fakeProvider{intent: &payment.Intent{Status: payment.StatusProcessing, Amount: 100, Currency: "usd"}}, "pi_1", ErrPaymentNotConfirmed},
		{"amount mismatch", &fakeProvider{intent: &payment.Intent{Status: payment.StatusSucceeded, Amount: 99, Currency: "usd"}}, "pi_1", ErrPaymentNotConfirmed},
		{"unknown intent", &fakeProvider{err: &payment.APIError{StatusCode: 404, Message: "No such payment_intent"}}, "pi_1", ErrPaymentNotConfirmed},
		{"provider down", &fakeProvider{err: payment.ErrUnavailable}, "pi_1", payment.ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, Options{VerifyIntents: true, Currency: "usd"}, tc.provider)
			c1 := e.class(t, 5)
			res, err := e.svc.Complete(context.Background(), CheckoutRequest{
				StudentEmail: "s1@example.com", ClassIDs: []uint64{c1}, AmountCents: 100, PaymentIntentID: tc.intentID,
			})
			if tc.wantErr == nil {
				require.NoError(t, err)
				assert.NotZero(t, res.Payment.ID)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
			avail, _ := e.seats(t, c1)
			assert.Equal(t, 5, avail)
		})
	}
}

func TestCheckoutReplaysRecordedIntent(t *testing.T) {
	e := newEnv(t, Options{}, nil)
	c1 := e.class(t, 5)
	req := CheckoutRequest{StudentEmail: "s1@example.com", ClassIDs: []uint64{c1}, AmountCents: 100, PaymentIntentID: "pi_7"}

	first, err := e.svc.Complete(context.Background(), req)
	require.NoError(t, err)
	second, err := e.svc.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Payment.Replayed)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)
}

func TestCreateIntent(t *testing.T) {
	e := newEnv(t, Options{Currency: "eur"}, &fakeProvider{})
	in, err := e.svc.CreateIntent(context.Background(), 4200)
	require.NoError(t, err)
	assert.Equal(t, "eur", in.Currency)
	assert.Equal(t, int64(4200), in.Amount)

	_, err = e.svc.CreateIntent(context.Background(), 0)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)

	bare := newEnv(t, Options{}, nil)
	_, err = bare.svc.CreateIntent(context.Background(), 100)
	assert.ErrorIs(t, err, payment.ErrNotConfigured)
}
