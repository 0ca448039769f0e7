package appointment

import (
	"fmt"
	"time"
)

// AttemptState is the lifecycle of one booking attempt.
//
//	[pending] ---(hold ok)---> [held] ---(confirm ok)---> [confirmed]
//	[pending] ---(hold refused / retries spent)---> [failed]
//	[held] ---(confirm rejected)---> [failed]
type AttemptState string

const (
	AttemptPending   AttemptState = "pending"
	AttemptHeld      AttemptState = "held"
	AttemptConfirmed AttemptState = "confirmed"
	AttemptFailed    AttemptState = "failed"
)

// Hold is a temporary reservation returned by the hold call.
type Hold struct {
	Token     string
	ExpiresAt time.Time
}

type BookingAttempt struct {
	ID           string
	Slot         CandidateSlot
	State        AttemptState
	Retries      int
	Hold         Hold
	Confirmation string
	Err          error

	StartedAt time.Time
	UpdatedAt time.Time
}

func NewAttempt(id string, slot CandidateSlot, now time.Time) *BookingAttempt {
	return &BookingAttempt{ID: id, Slot: slot, State: AttemptPending, StartedAt: now, UpdatedAt: now}
}

func (a *BookingAttempt) Terminal() bool {
	return a.State == AttemptConfirmed || a.State == AttemptFailed
}

func (a *BookingAttempt) MarkHeld(h Hold, now time.Time) error {
	if a.State != AttemptPending {
		return fmt.Errorf("attempt %s: cannot hold from state %s", a.ID, a.State)
	}
	a.State = AttemptHeld
	a.Hold = h
	a.UpdatedAt = now
	return nil
}

func (a *BookingAttempt) MarkConfirmed(confirmation string, now time.Time) error {
	if a.State != AttemptHeld {
		return fmt.Errorf("attempt %s: cannot confirm from state %s", a.ID, a.State)
	}
	a.State = AttemptConfirmed
	a.Confirmation = confirmation
	a.UpdatedAt = now
	return nil
}

func (a *BookingAttempt) MarkFailed(reason error, now time.Time) error {
	if a.Terminal() {
		return fmt.Errorf("attempt %s: already %s", a.ID, a.State)
	}
	a.State = AttemptFailed
	a.Err = reason
	a.UpdatedAt = now
	return nil
}

// Reason is the user-facing failure label, empty unless failed.
func (a *BookingAttempt) Reason() string {
	if a.State != AttemptFailed {
		return ""
	}
	return Reason(a.Err)
}
