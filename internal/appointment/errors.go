package appointment

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrResolution means the origin resolved to no facilities. Fatal to the watcher.
	ErrResolution = errors.New("location resolution failed")
	// ErrTransient covers timeouts, resets, 5xx and 429. Retried with backoff.
	ErrTransient = errors.New("transient failure")
	// ErrPermanent covers other 4xx and malformed responses. The pair is skipped.
	ErrPermanent = errors.New("permanent failure")
	// ErrSlotUnavailable means the hold was refused because someone else got the slot.
	ErrSlotUnavailable = errors.New("slot unavailable")
	// ErrConfirmationRejected means the confirm call failed; the hold is abandoned.
	ErrConfirmationRejected = errors.New("confirmation rejected")
	// ErrCancelled is returned when the operator stops the watcher.
	ErrCancelled = errors.New("cancellation requested")

	ErrAlreadyBooked     = errors.New("a booking was already confirmed in this run")
	ErrAttemptInProgress = errors.New("another booking attempt is in progress")
	ErrInvalidCriteria   = errors.New("invalid search criteria")
)

// CallError is a classified failure of one outbound call.
type CallError struct {
	Op     string
	Status int // HTTP status, 0 when the request never got a response
	Kind   error
	Err    error
}

func (e *CallError) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status=%d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CallError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Transient(op string, status int, err error) error {
	return &CallError{Op: op, Status: status, Kind: ErrTransient, Err: err}
}

func Permanent(op string, status int, err error) error {
	return &CallError{Op: op, Status: status, Kind: ErrPermanent, Err: err}
}

// Cancelled wraps a context error so callers can match either ErrCancelled
// or context.Canceled.
func Cancelled(err error) error {
	if err == nil {
		err = context.Canceled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// Reason maps an error onto a short label that is safe to show to the user.
// Raw transport errors never leave the process through it.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrSlotUnavailable):
		return "slot_unavailable"
	case errors.Is(err, ErrConfirmationRejected):
		return "confirmation_rejected"
	case errors.Is(err, ErrResolution):
		return "resolution_failed"
	case errors.Is(err, ErrTransient):
		return "service_unavailable"
	case errors.Is(err, ErrPermanent):
		return "request_rejected"
	case errors.Is(err, ErrAlreadyBooked):
		return "already_booked"
	default:
		return "internal_error"
	}
}
