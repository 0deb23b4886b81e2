package model

import "time"

// CartItem is a pending purchase intent of one class by one student.  It
// disappears when the student checks it out or removes it.
type CartItem struct {
	ID           uint64    `json:"id"`
	StudentEmail string    `json:"student_email"`
	ClassID      uint64    `json:"class_id"`
	CreatedAt    time.Time `json:"created_at"`
}
