package model

import "time"

// Enrollment holds every class a student has ever paid for.  There is one
// record per student and ClassIDs never contains duplicates.
type Enrollment struct {
	ID           uint64    `json:"id"`
	StudentEmail string    `json:"student_email"`
	ClassIDs     []uint64  `json:"class_ids"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
