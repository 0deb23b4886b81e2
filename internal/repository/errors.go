// Package repository defines the data-access layer and the error types
// that are reused across multiple repositories. These sentinel values
// allow higher layers such as the checkout service and the handlers to
// distinguish between different failure scenarios. For example,
// ErrForbidden indicates that the current user is not authorized to
// act on a resource owned by someone else, while ErrConflict signals
// that an operation cannot proceed because of existing records (e.g.
// adding the same class to a cart twice).
package repository

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

// ErrForbidden is returned when the caller attempts an operation
// on a resource they do not own. Handlers should translate this
// into an HTTP 403 response.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when an insert or update cannot be
// performed because of conflicting state, such as a class that is
// already in the student's cart. Handlers should translate this
// into an HTTP 409 response.
var ErrConflict = errors.New("conflict")

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

// ErrEmailExists is returned by UserRepo.Create on a duplicate email.
var ErrEmailExists = errors.New("email already exists")

// ErrClassNotFound is returned when a referenced class does not exist.
var ErrClassNotFound = errors.New("class not found")

// ErrClassNotOpen is returned when a class exists but is not approved,
// so it cannot be added to a cart or sold.
var ErrClassNotOpen = errors.New("class is not open for enrollment")

// ErrDuplicatePayment is returned by PaymentRepo.CreateTx when the
// idempotency key or payment intent was already recorded.
var ErrDuplicatePayment = errors.New("payment already recorded")

// SeatsExhaustedError lists the classes that had no seat left.
type SeatsExhaustedError struct {
	ClassIDs []uint64
}

func (e *SeatsExhaustedError) Error() string {
	ids := make([]string, len(e.ClassIDs))
	for i, id := range e.ClassIDs {
		ids[i] = fmt.Sprint(id)
	}
	return "no seats left for class " + strings.Join(ids, ",")
}

// MySQL server error numbers.
const (
	mysqlDupEntry        = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// IsUniqueViolation reports whether err was caused by a UNIQUE or
// PRIMARY KEY constraint on either supported driver.
func IsUniqueViolation(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlDupEntry
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// IsRetryable reports whether err is a transient lock conflict after
// which the whole transaction may simply be run again.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrConcurrentEnrollment) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlDeadlock || me.Number == mysqlLockWaitTimeout
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
