package model

// CheckoutResult is the aggregate response of one checkout: one entry per
// workflow step.
type CheckoutResult struct {
	Payment    PaymentResult    `json:"payment"`
	Cart       CartResult       `json:"cart"`
	Seats      SeatResult       `json:"seats"`
	Enrollment EnrollmentResult `json:"enrollment"`
}

// PaymentResult identifies the recorded payment.  Replayed is true when the
// request matched an earlier checkout and nothing new was written.
type PaymentResult struct {
	ID        uint64 `json:"id"`
	Reference string `json:"reference"`
	Replayed  bool   `json:"replayed"`
}

// CartResult reports how many of the requested cart items were removed.
// Deleted can be lower than Requested when items were already gone.
type CartResult struct {
	Requested int   `json:"requested"`
	Deleted   int64 `json:"deleted"`
}

// SeatChange is the state of one class after its seat was taken.
type SeatChange struct {
	ClassID        uint64 `json:"class_id"`
	AvailableSeats int    `json:"available_seats"`
	Enrolled       int    `json:"enrolled"`
}

// SeatResult lists the updated classes.  Clamped names classes that were
// already at zero seats and were sold anyway under the clamp policy.
type SeatResult struct {
	Changes []SeatChange `json:"changes"`
	Clamped []uint64     `json:"clamped,omitempty"`
}

// EnrollmentResult tells the caller whether the student's enrollment was
// created or updated, which classes were new and the resulting set.
type EnrollmentResult struct {
	EnrollmentID uint64   `json:"enrollment_id"`
	Created      bool     `json:"created"`
	Added        []uint64 `json:"added"`
	ClassIDs     []uint64 `json:"class_ids"`
}
