// Package booking drives one candidate slot through hold and confirm.
package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/appt-watcher/internal/appointment"
	"github.com/example/appt-watcher/internal/throttle"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Machine owns the single booking slot of a watcher run. At most one attempt
// is in flight at a time and at most one ever reaches confirmed.
type Machine struct {
	Booker      appointment.Booker
	Throttle    *throttle.Controller
	HoldRetries int
	Contact     appointment.Contact
	Party       appointment.Party
	Now         func() time.Time
	Log         *zap.Logger

	mu     sync.Mutex
	active *appointment.BookingAttempt
	booked *appointment.BookingAttempt
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Machine) logger() *zap.Logger {
	if m.Log == nil {
		return zap.NewNop()
	}
	return m.Log
}

func (m *Machine) begin(slot appointment.CandidateSlot) (*appointment.BookingAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.booked != nil {
		return nil, appointment.ErrAlreadyBooked
	}
	if m.active != nil {
		return nil, appointment.ErrAttemptInProgress
	}
	m.active = appointment.NewAttempt(uuid.NewString(), slot, m.now())
	return m.active, nil
}

func (m *Machine) end(a *appointment.BookingAttempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = nil
	if a.State == appointment.AttemptConfirmed {
		m.booked = a
	}
}

// Book runs hold then confirm for slot. The returned attempt is always
// terminal when err is not ErrAlreadyBooked/ErrAttemptInProgress; err is nil
// only when the slot was confirmed.
func (m *Machine) Book(ctx context.Context, slot appointment.CandidateSlot) (*appointment.BookingAttempt, error) {
	a, err := m.begin(slot)
	if err != nil {
		return nil, err
	}
	defer m.end(a)

	log := m.logger().With(zap.String("attempt", a.ID), zap.String("slot", slot.Key()))

	tries := 0
	var hold appointment.Hold
	err = m.Throttle.Do(ctx, "hold", m.HoldRetries, func(ctx context.Context) error {
		tries++
		var err error
		hold, err = m.Booker.Hold(ctx, slot, m.Party)
		return err
	})
	if tries > 0 {
		a.Retries = tries - 1
	}
	if err != nil {
		switch {
		case errors.Is(err, appointment.ErrCancelled), appointment.IsTransient(err):
		case !errors.Is(err, appointment.ErrSlotUnavailable):
			err = fmt.Errorf("%w: %w", appointment.ErrSlotUnavailable, err)
		}
		return m.fail(log, a, err)
	}
	if err := a.MarkHeld(hold, m.now()); err != nil {
		return a, err
	}
	log.Info("slot held", zap.String("state", string(a.State)), zap.Int("retries", a.Retries))

	var confirmation string
	err = m.Throttle.Do(ctx, "confirm", 0, func(ctx context.Context) error {
		var err error
		confirmation, err = m.Booker.Confirm(ctx, slot, hold, m.Contact)
		return err
	})
	if err != nil {
		if !errors.Is(err, appointment.ErrCancelled) {
			err = fmt.Errorf("%w: %w", appointment.ErrConfirmationRejected, err)
		}
		return m.fail(log, a, err)
	}
	if err := a.MarkConfirmed(confirmation, m.now()); err != nil {
		return a, err
	}
	log.Info("booking confirmed", zap.String("state", string(a.State)), zap.String("confirmation", confirmation))
	return a, nil
}

func (m *Machine) fail(log *zap.Logger, a *appointment.BookingAttempt, reason error) (*appointment.BookingAttempt, error) {
	from := a.State
	if err := a.MarkFailed(reason, m.now()); err != nil {
		return a, err
	}
	log.Warn("booking attempt failed",
		zap.String("from", string(from)),
		zap.String("reason", a.Reason()),
		zap.Error(reason))
	return a, reason
}

// Booked returns the confirmed attempt, if any.
func (m *Machine) Booked() (*appointment.BookingAttempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.booked, m.booked != nil
}

// Busy reports whether an attempt is between pending and a terminal state.
func (m *Machine) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}
