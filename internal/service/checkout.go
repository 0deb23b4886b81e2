// Package service holds the checkout workflow: it records the payment,
// clears the purchased cart items, takes one seat per class and merges the
// classes into the student's enrollment, all inside one transaction.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pixellens/academy/internal/logging"
	"github.com/pixellens/academy/internal/metrics"
	"github.com/pixellens/academy/internal/model"
	"github.com/pixellens/academy/internal/payment"
	"github.com/pixellens/academy/internal/queue"
	"github.com/pixellens/academy/internal/repository"
)

const serviceName = "checkout"

// IntentProvider is the part of the payment provider checkout needs.
type IntentProvider interface {
	CreateIntent(ctx context.Context, amountCents int64, currency string, methodTypes []string) (*payment.Intent, error)
	GetIntent(ctx context.Context, id string) (*payment.Intent, error)
}

// Options tunes CheckoutService.
type Options struct {
	SeatPolicy    repository.SeatPolicy
	MaxAttempts   int
	Timeout       time.Duration
	Currency      string
	MethodTypes   []string
	VerifyIntents bool
}

// CheckoutRequest is one purchase as submitted by the student.
type CheckoutRequest struct {
	StudentEmail    string
	ClassIDs        []uint64
	CartIDs         []uint64
	AmountCents     int64
	PaymentIntentID string
	IdempotencyKey  string
	RequestID       string
}

// CheckoutService runs checkouts against the shared connection pool.
type CheckoutService struct {
	db          *sql.DB
	payments    *repository.PaymentRepo
	carts       *repository.CartRepo
	classes     *repository.ClassRepo
	enrollments *repository.EnrollmentRepo
	provider    IntentProvider
	publisher   queue.Publisher
	metrics     *metrics.ServerMetrics
	opts        Options
}

// NewCheckoutService wires the repositories on db.  provider, publisher
// and m may be nil.
func NewCheckoutService(db *sql.DB, opts Options, provider IntentProvider, publisher queue.Publisher, m *metrics.ServerMetrics) *CheckoutService {
	if db == nil {
		panic("nil db passed to NewCheckoutService")
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.SeatPolicy == "" {
		opts.SeatPolicy = repository.SeatPolicyReject
	}
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	if publisher == nil {
		publisher = queue.NopPublisher{}
	}
	return &CheckoutService{
		db:          db,
		payments:    repository.NewPaymentRepo(db),
		carts:       repository.NewCartRepo(db),
		classes:     repository.NewClassRepo(db),
		enrollments: repository.NewEnrollmentRepo(db),
		provider:    provider,
		publisher:   publisher,
		metrics:     m,
		opts:        opts,
	}
}

// CreateIntent opens a provider payment intent for amountCents in the
// configured currency.
func (s *CheckoutService) CreateIntent(ctx context.Context, amountCents int64) (*payment.Intent, error) {
	if amountCents <= 0 {
		return nil, &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	if s.provider == nil {
		return nil, payment.ErrNotConfigured
	}
	return s.provider.CreateIntent(ctx, amountCents, s.opts.Currency, s.opts.MethodTypes)
}

// Complete runs one checkout.  Either all four steps take effect or none
// does.  A request that repeats an earlier idempotency key or payment
// intent returns the recorded payment with Replayed set and changes
// nothing.  Transient store conflicts are retried up to MaxAttempts.
func (s *CheckoutService) Complete(ctx context.Context, req CheckoutRequest) (*model.CheckoutResult, error) {
	req, err := normalize(req)
	if err != nil {
		s.metrics.ObserveCheckout(metrics.OutcomeRejected)
		return nil, err
	}
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	if s.opts.VerifyIntents {
		if err := s.verifyIntent(ctx, req); err != nil {
			s.observeFailure(err)
			return nil, err
		}
	}

	var res *model.CheckoutResult
	for attempt := 1; ; attempt++ {
		res, err = s.attempt(ctx, req, attempt)
		if errors.Is(err, repository.ErrDuplicatePayment) {
			// A concurrent request with the same key or intent committed first.
			res, err = s.replay(ctx, req)
		}
		if err == nil || !repository.IsRetryable(err) || attempt >= s.opts.MaxAttempts {
			break
		}
		s.metrics.ObserveRetry()
		s.log(req, "retry", "retrying", attempt, 0, err.Error())
		if !sleepCtx(ctx, time.Duration(attempt)*25*time.Millisecond) {
			break
		}
	}
	if err != nil {
		s.observeFailure(err)
		return nil, err
	}

	if res.Payment.Replayed {
		if err := s.fillEnrollment(ctx, req.StudentEmail, res); err != nil {
			return nil, err
		}
		s.metrics.ObserveCheckout(metrics.OutcomeReplayed)
		s.log(req, StepPayment, "replayed", 0, 0, res.Payment.Reference)
		return res, nil
	}
	s.metrics.ObserveCheckout(metrics.OutcomeCompleted)
	s.publish(ctx, req, res)
	return res, nil
}

// attempt runs the four steps in one transaction.
func (s *CheckoutService) attempt(ctx context.Context, req CheckoutRequest, attempt int) (*model.CheckoutResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StepError{Step: StepPayment, Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	prev, err := s.findPrevious(ctx, tx, req)
	if err != nil {
		return nil, &StepError{Step: StepPayment, Err: err}
	}
	if prev != nil {
		return replayResult(prev, req)
	}

	res := &model.CheckoutResult{}
	p := &model.Payment{
		Reference:    uuid.NewString(),
		StudentEmail: req.StudentEmail,
		ClassIDs:     req.ClassIDs,
		CartIDs:      req.CartIDs,
		AmountCents:  req.AmountCents,
		Currency:     s.opts.Currency,
	}
	if req.PaymentIntentID != "" {
		p.PaymentIntentID = &req.PaymentIntentID
	}
	if req.IdempotencyKey != "" {
		p.IdempotencyKey = &req.IdempotencyKey
	}

	err = s.step(req, StepPayment, attempt, func() error {
		if err := s.payments.CreateTx(ctx, tx, p); err != nil {
			return err
		}
		res.Payment = model.PaymentResult{ID: p.ID, Reference: p.Reference}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicatePayment) {
			return nil, repository.ErrDuplicatePayment
		}
		return nil, err
	}
	err = s.step(req, StepCart, attempt, func() error {
		n, err := s.carts.DeleteManyTx(ctx, tx, req.StudentEmail, req.CartIDs)
		res.Cart = model.CartResult{Requested: len(req.CartIDs), Deleted: n}
		return err
	})
	if err != nil {
		return nil, err
	}
	err = s.step(req, StepSeats, attempt, func() error {
		var err error
		res.Seats, err = s.classes.ReserveSeatsTx(ctx, tx, req.ClassIDs, s.opts.SeatPolicy)
		return err
	})
	if err != nil {
		return nil, err
	}
	err = s.step(req, StepEnrollment, attempt, func() error {
		var err error
		res.Enrollment, err = s.enrollments.MergeTx(ctx, tx, req.StudentEmail, req.ClassIDs)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, &StepError{Step: StepCommit, Err: err}
	}
	committed = true
	s.log(req, StepCommit, "committed", attempt, 0, res.Payment.Reference)
	return res, nil
}

// step runs fn, logs its outcome and wraps a failure in *StepError.
func (s *CheckoutService) step(req CheckoutRequest, name string, attempt int, fn func() error) error {
	start := time.Now()
	err := fn()
	ms := time.Since(start).Milliseconds()
	if err != nil {
		s.log(req, name, "failed", attempt, ms, err.Error())
		return &StepError{Step: name, Err: err}
	}
	s.log(req, name, "ok", attempt, ms, "")
	return nil
}

// findPrevious returns the payment already recorded for the request's
// idempotency key or payment intent, or nil.
func (s *CheckoutService) findPrevious(ctx context.Context, tx *sql.Tx, req CheckoutRequest) (*model.Payment, error) {
	if req.IdempotencyKey != "" {
		p, err := s.payments.FindByIdempotencyKeyTx(ctx, tx, req.IdempotencyKey)
		if err == nil || !errors.Is(err, repository.ErrNotFound) {
			return p, err
		}
	}
	if req.PaymentIntentID != "" {
		p, err := s.payments.FindByIntentIDTx(ctx, tx, req.PaymentIntentID)
		if err == nil || !errors.Is(err, repository.ErrNotFound) {
			return p, err
		}
	}
	return nil, nil
}

// replay looks up the payment that won a duplicate race.
func (s *CheckoutService) replay(ctx context.Context, req CheckoutRequest) (*model.CheckoutResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StepError{Step: StepPayment, Err: err}
	}
	defer func() { _ = tx.Rollback() }()
	prev, err := s.findPrevious(ctx, tx, req)
	if err != nil {
		return nil, &StepError{Step: StepPayment, Err: err}
	}
	if prev == nil {
		return nil, &StepError{Step: StepPayment, Err: repository.ErrDuplicatePayment}
	}
	return replayResult(prev, req)
}

func replayResult(prev *model.Payment, req CheckoutRequest) (*model.CheckoutResult, error) {
	if prev.StudentEmail != req.StudentEmail || prev.AmountCents != req.AmountCents ||
		!sameIDs(prev.ClassIDs, req.ClassIDs) || !sameIDs(prev.CartIDs, req.CartIDs) {
		return nil, ErrIdempotencyConflict
	}
	return &model.CheckoutResult{
		Payment: model.PaymentResult{ID: prev.ID, Reference: prev.Reference, Replayed: true},
		Cart:    model.CartResult{Requested: len(prev.CartIDs)},
		Seats:   model.SeatResult{Changes: []model.SeatChange{}},
	}, nil
}

// fillEnrollment reports the student's current enrollment on a replay.
func (s *CheckoutService) fillEnrollment(ctx context.Context, email string, res *model.CheckoutResult) error {
	e, err := s.enrollments.GetByStudent(ctx, email)
	if err != nil {
		return &StepError{Step: StepEnrollment, Err: err}
	}
	res.Enrollment = model.EnrollmentResult{EnrollmentID: e.ID, Added: []uint64{}, ClassIDs: e.ClassIDs}
	return nil
}

func (s *CheckoutService) verifyIntent(ctx context.Context, req CheckoutRequest) error {
	if req.PaymentIntentID == "" {
		return fmt.Errorf("%w: payment_intent_id is required", ErrPaymentNotConfirmed)
	}
	if s.provider == nil {
		return payment.ErrNotConfigured
	}
	in, err := s.provider.GetIntent(ctx, req.PaymentIntentID)
	if err != nil {
		var apiErr *payment.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return fmt.Errorf("%w: %s", ErrPaymentNotConfirmed, apiErr.Message)
		}
		return err
	}
	switch {
	case in.Status != payment.StatusSucceeded:
		return fmt.Errorf("%w: intent status is %s", ErrPaymentNotConfirmed, in.Status)
	case in.Amount != req.AmountCents:
		return fmt.Errorf("%w: intent amount %d does not match %d", ErrPaymentNotConfirmed, in.Amount, req.AmountCents)
	case !strings.EqualFold(in.Currency, s.opts.Currency):
		return fmt.Errorf("%w: intent currency %s does not match %s", ErrPaymentNotConfirmed, in.Currency, s.opts.Currency)
	}
	return nil
}

// publish emits the checkout event.  The checkout is already committed,
// so a broker failure is only logged.
func (s *CheckoutService) publish(ctx context.Context, req CheckoutRequest, res *model.CheckoutResult) {
	ev := queue.CheckoutCompletedEvent{
		PaymentID:         res.Payment.ID,
		Reference:         res.Payment.Reference,
		StudentEmail:      req.StudentEmail,
		ClassIDs:          req.ClassIDs,
		CartIDs:           req.CartIDs,
		AmountCents:       req.AmountCents,
		Currency:          s.opts.Currency,
		EnrollmentID:      res.Enrollment.EnrollmentID,
		EnrollmentCreated: res.Enrollment.Created,
		ClampedClassIDs:   res.Seats.Clamped,
		CompletedAt:       time.Now().UTC().Format(time.RFC3339),
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.publisher.PublishCheckoutCompleted(pctx, ev); err != nil {
		log.Printf("checkout: publish event for payment %d failed: %v", res.Payment.ID, err)
	}
}

func (s *CheckoutService) observeFailure(err error) {
	outcome := metrics.OutcomeFailed
	if IsRejection(err) {
		outcome = metrics.OutcomeRejected
	}
	s.metrics.ObserveCheckout(outcome)
}

// IsRejection reports whether err is a business-rule refusal rather than
// an infrastructure failure.
func IsRejection(err error) bool {
	var ve *ValidationError
	var se *repository.SeatsExhaustedError
	return errors.As(err, &ve) || errors.As(err, &se) ||
		errors.Is(err, repository.ErrClassNotFound) ||
		errors.Is(err, repository.ErrClassNotOpen) ||
		errors.Is(err, ErrPaymentNotConfirmed) ||
		errors.Is(err, ErrIdempotencyConflict)
}

func (s *CheckoutService) log(req CheckoutRequest, step, status string, attempt int, ms int64, msg string) {
	logging.Log(logging.Fields{
		Service:    serviceName,
		RequestID:  req.RequestID,
		Student:    req.StudentEmail,
		Step:       step,
		Status:     status,
		Attempt:    attempt,
		DurationMS: ms,
		Message:    msg,
	})
}

// normalize trims the request and drops duplicate identifiers, keeping
// the first occurrence of each.
func normalize(req CheckoutRequest) (CheckoutRequest, error) {
	req.StudentEmail = repository.NormalizeEmail(req.StudentEmail)
	req.PaymentIntentID = strings.TrimSpace(req.PaymentIntentID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	switch {
	case req.StudentEmail == "":
		return req, &ValidationError{Field: "email", Message: "is required"}
	case len(req.ClassIDs) == 0:
		return req, &ValidationError{Field: "class_ids", Message: "must not be empty"}
	case req.AmountCents <= 0:
		return req, &ValidationError{Field: "amount", Message: "must be greater than zero"}
	case len(req.IdempotencyKey) > 255:
		return req, &ValidationError{Field: "Idempotency-Key", Message: "must be at most 255 characters"}
	}
	if slices.Contains(req.ClassIDs, 0) {
		return req, &ValidationError{Field: "class_ids", Message: "must contain positive ids"}
	}
	if slices.Contains(req.CartIDs, 0) {
		return req, &ValidationError{Field: "cart_ids", Message: "must contain positive ids"}
	}
	req.ClassIDs = dedupe(req.ClassIDs)
	req.CartIDs = dedupe(req.CartIDs)
	return req, nil
}

func dedupe(ids []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(ids))
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sameIDs(a, b []uint64) bool {
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
