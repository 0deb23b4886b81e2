package service

import (
	"errors"
	"fmt"
)

// Checkout steps, in execution order.
const (
	StepPayment    = "payment_recorder"
	StepCart       = "cart_reducer"
	StepSeats      = "seat_ledger"
	StepEnrollment = "enrollment_merger"
	StepCommit     = "commit"
)

// ErrPaymentNotConfirmed is returned when the provider does not report a
// succeeded intent matching the checkout amount and currency.
var ErrPaymentNotConfirmed = errors.New("payment not confirmed by provider")

// ErrIdempotencyConflict is returned when an idempotency key or payment
// intent is replayed with a different student, amount, class list or
// cart item list.
var ErrIdempotencyConflict = errors.New("idempotency key reused for a different checkout")

// ValidationError reports a malformed checkout request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Message
}

// StepError names the checkout step that failed.  The surrounding
// transaction was rolled back, so none of the steps left any effect.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("checkout %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
