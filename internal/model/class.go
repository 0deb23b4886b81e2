package model

import "time"

// Class lifecycle states.  New and edited classes wait for an admin.
const (
	ClassPending  = "pending"
	ClassApproved = "approved"
	ClassDenied   = "denied"
)

// Class is a course offered by an instructor.  AvailableSeats and Enrolled
// are only changed by checkout; Feedback is only set when an admin denies
// the class.
type Class struct {
	ID             uint64    `json:"id"`
	InstructorID   uint64    `json:"instructor_id"`
	Name           string    `json:"name"`
	ImageURL       string    `json:"image_url"`
	PriceCents     int64     `json:"price_cents"`
	AvailableSeats int       `json:"available_seats"`
	Enrolled       int       `json:"enrolled"`
	Status         string    `json:"status"`
	Feedback       *string   `json:"feedback,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
