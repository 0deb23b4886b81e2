// Package queue defines the checkout event exchanged over the message
// broker together with its publishers and the background consumer.
package queue

// CheckoutCompletedEvent is published after a checkout transaction has
// committed.  It carries enough information for downstream consumers to
// log, notify, or trigger analytics without querying the primary database.
type CheckoutCompletedEvent struct {
	PaymentID         uint64   `json:"payment_id"`
	Reference         string   `json:"reference"`
	StudentEmail      string   `json:"student_email"`
	ClassIDs          []uint64 `json:"class_ids"`
	CartIDs           []uint64 `json:"cart_ids"`
	AmountCents       int64    `json:"amount_cents"`
	Currency          string   `json:"currency"`
	EnrollmentID      uint64   `json:"enrollment_id"`
	EnrollmentCreated bool     `json:"enrollment_created"`
	ClampedClassIDs   []uint64 `json:"clamped_class_ids,omitempty"`
	CompletedAt       string   `json:"completed_at"`
}
