// Package rideerr defines the error taxonomy shared by the lifecycle
// engine and its callers. Callers match with errors.Is / errors.As.
package rideerr

import "fmt"

// ErrConflict: the ride's status changed underfoot, either a concurrent
// accept won or a transition was attempted from a stale prior status.
var ErrConflict = &ConflictError{}

type ConflictError struct {
	RideID   string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	if e.RideID == "" {
		return "ride status conflict"
	}
	return fmt.Sprintf("ride %s: status conflict (expected %s, now %s)", e.RideID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool {
	_, ok := target.(*ConflictError)
	return ok
}

var ErrNotFound = &NotFoundError{}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return "not found"
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// ErrTimeout: the decision window elapsed with no driver answer.
var ErrTimeout = &TimeoutError{}

type TimeoutError struct{ RideID string }

func (e *TimeoutError) Error() string {
	if e.RideID == "" {
		return "decision window elapsed"
	}
	return fmt.Sprintf("ride %s: decision window elapsed", e.RideID)
}

func (e *TimeoutError) Is(target error) bool {
	_, ok := target.(*TimeoutError)
	return ok
}

// ErrPayment: the gateway rejected an authorization, or a capture exceeded
// the held amount.
var ErrPayment = &PaymentError{}

type PaymentError struct {
	RideID string
	Reason string
}

func (e *PaymentError) Error() string {
	if e.Reason == "" {
		return "payment error"
	}
	return fmt.Sprintf("ride %s: payment: %s", e.RideID, e.Reason)
}

func (e *PaymentError) Is(target error) bool {
	_, ok := target.(*PaymentError)
	return ok
}

// ErrLocationUnavailable: no position fix (no permission or no signal).
// Consumers degrade the ETA to unavailable rather than failing.
var ErrLocationUnavailable = &LocationUnavailableError{}

type LocationUnavailableError struct{ DriverID string }

func (e *LocationUnavailableError) Error() string {
	if e.DriverID == "" {
		return "location unavailable"
	}
	return fmt.Sprintf("driver %s: location unavailable", e.DriverID)
}

func (e *LocationUnavailableError) Is(target error) bool {
	_, ok := target.(*LocationUnavailableError)
	return ok
}
