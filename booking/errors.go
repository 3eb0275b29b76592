/*
errors.go - Centralized error types for the booking core

PURPOSE:
  All error kinds in one place. Every public operation is total: it either
  succeeds or returns exactly one of these kinds (possibly wrapping a cause).

ERROR CATEGORIES:
  1. Session errors - Authentication state (NotAuthenticated, LoginFailed, ...)
  2. Business errors - Rule violations (SameDayConflict, InsufficientBalance, ...)
  3. Operation failures - Generic per-operation kinds wrapping persistence errors
  4. Store errors - Raised by Catalog / AccountStore / ReservationStore
     implementations and translated by the ledger

USAGE:
  rid, err := sess.Book(ctx, 0)
  switch {
  case errors.Is(err, booking.ErrSameDayConflict):
      ...
  case errors.Is(err, booking.ErrBookingFailed):
      ...
  }

SEE ALSO:
  - ledger.go: Maps store errors onto operation kinds
  - api/handlers.go: Maps kinds onto HTTP status codes
*/
package booking

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotAuthenticated is returned by any operation that needs a logged-in user.
	ErrNotAuthenticated = errors.New("not logged in")

	// ErrAlreadyAuthenticated is returned by Login on a session that already has a user.
	ErrAlreadyAuthenticated = errors.New("user already logged in")

	// ErrLoginFailed covers unknown users, wrong passwords and store failures.
	ErrLoginFailed = errors.New("login failed")

	// ErrCreateAccountFailed covers duplicates, negative balances and store failures.
	ErrCreateAccountFailed = errors.New("failed to create user")

	ErrSearchFailed = errors.New("failed to search")

	// ErrNoSuchItinerary is returned when booking an id outside the last search.
	ErrNoSuchItinerary = errors.New("no such itinerary")

	// ErrSameDayConflict is returned when the user already holds an active
	// reservation whose first flight is on the same day of month.
	ErrSameDayConflict = errors.New("you cannot book two flights in the same day")

	ErrBookingFailed = errors.New("booking failed")

	// ErrReservationNotFound is returned by Pay when the reservation is not an
	// unpaid, uncanceled reservation of the current user.
	ErrReservationNotFound = errors.New("cannot find unpaid reservation")

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPaymentFailed       = errors.New("failed to pay for reservation")
	ErrRetrievalFailed     = errors.New("failed to retrieve reservations")
	ErrCancelFailed        = errors.New("failed to cancel reservation")

	// ErrSerializationConflict is returned by stores when the database aborts a
	// transaction because it could not be serialized against a concurrent one.
	// The ledger retries Book on it; other operations surface it wrapped.
	ErrSerializationConflict = errors.New("serialization conflict")

	// ErrRetriesExhausted is returned when Book keeps conflicting.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// Store-level errors.
	ErrFlightNotFound = errors.New("flight not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrUserExists     = errors.New("user already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NoSuchItineraryError names the itinerary id that was not in the last search.
type NoSuchItineraryError struct {
	ID int
}

func (e *NoSuchItineraryError) Error() string {
	return fmt.Sprintf("no such itinerary %d", e.ID)
}

func (e *NoSuchItineraryError) Unwrap() error {
	return ErrNoSuchItinerary
}

// SameDayError names the existing reservation that blocks a booking.
type SameDayError struct {
	Day           int
	ReservationID int64
}

func (e *SameDayError) Error() string {
	return fmt.Sprintf("you cannot book two flights in the same day (day %d, reservation %d)",
		e.Day, e.ReservationID)
}

func (e *SameDayError) Unwrap() error {
	return ErrSameDayConflict
}

// CapacityError is a booking failure caused by a full flight.
type CapacityError struct {
	FlightID int64
	Capacity int
	Used     int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("booking failed: flight %d is full (%d/%d)", e.FlightID, e.Used, e.Capacity)
}

func (e *CapacityError) Unwrap() error {
	return ErrBookingFailed
}

// ReservationNotFoundError echoes the requested id and the current user.
type ReservationNotFoundError struct {
	ID       int64
	Username string
}

func (e *ReservationNotFoundError) Error() string {
	return fmt.Sprintf("cannot find unpaid reservation %d under user: %s", e.ID, e.Username)
}

func (e *ReservationNotFoundError) Unwrap() error {
	return ErrReservationNotFound
}

// InsufficientBalanceError echoes the balance read inside the payment
// transaction and the itinerary cost.
type InsufficientBalanceError struct {
	Balance decimal.Decimal
	Cost    decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("user has only %s in account but itinerary costs %s",
		e.Balance.String(), e.Cost.String())
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// RetriesExhaustedError is both a booking failure and a retry exhaustion, so
// callers can match either.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("booking failed: gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() []error {
	return []error{ErrBookingFailed, ErrRetriesExhausted, e.Last}
}

// DanglingTransactionError is the panic value raised when a session operation
// returns with a transaction still open. It signals a programming error.
type DanglingTransactionError struct {
	Operation string
	Open      int
}

func (e *DanglingTransactionError) Error() string {
	return fmt.Sprintf("transaction not fully committed/rolled back after %s (%d open)", e.Operation, e.Open)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSerializationConflict) && !errors.Is(err, ErrRetriesExhausted)
}

// IsClientError returns true if the error is due to the caller's request or
// session state rather than a server fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotAuthenticated) ||
		errors.Is(err, ErrAlreadyAuthenticated) ||
		errors.Is(err, ErrLoginFailed) ||
		errors.Is(err, ErrUserExists) ||
		errors.Is(err, ErrNoSuchItinerary) ||
		errors.Is(err, ErrSameDayConflict) ||
		errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, ErrInsufficientBalance)
}

// failure wraps cause under an operation kind unless it already carries one
// of the business kinds.
func failure(kind error, cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, kind) {
		return cause
	}
	return fmt.Errorf("%w: %w", kind, cause)
}
