package model

import "time"

// Payment is the append-only record of a completed checkout.  Rows are
// never updated or deleted.
//
// Fields:
//
//	ID              – primary key identifier.
//	Reference       – generated UUID shown to the student.
//	StudentEmail    – who paid.
//	ClassIDs        – classes purchased, one seat each.
//	CartIDs         – cart items consumed by the checkout.
//	AmountCents     – charged amount in minor units.
//	Currency        – ISO currency code, lower case.
//	PaymentIntentID – provider intent the checkout was verified against (nullable).
//	IdempotencyKey  – client supplied retry key (nullable).
type Payment struct {
	ID              uint64    `json:"id"`
	Reference       string    `json:"reference"`
	StudentEmail    string    `json:"student_email"`
	ClassIDs        []uint64  `json:"class_ids"`
	CartIDs         []uint64  `json:"cart_ids"`
	AmountCents     int64     `json:"amount_cents"`
	Currency        string    `json:"currency"`
	PaymentIntentID *string   `json:"payment_intent_id,omitempty"`
	IdempotencyKey  *string   `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}
