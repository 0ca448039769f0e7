// Package notify delivers watcher events to the operator.
package notify

import (
	"fmt"
	"time"

	"github.com/example/appt-watcher/internal/appointment"
	"github.com/google/uuid"
)

type Kind string

const (
	KindSlotFound        Kind = "slot_found"
	KindBookingSucceeded Kind = "booking_succeeded"
	KindBookingFailed    Kind = "booking_failed"
	KindWatcherError     Kind = "watcher_error"
	KindWatcherStopped   Kind = "watcher_stopped"
)

// Event is what the watcher reports. Reason is always a short label from
// appointment.Reason, never a raw transport error.
type Event struct {
	ID           string
	Kind         Kind
	Time         time.Time
	Slot         *appointment.CandidateSlot
	Confirmation string
	Contact      *appointment.Contact
	Reason       string
	Link         string // where the operator can book by hand
}

func NewEvent(kind Kind, now time.Time) Event {
	return Event{ID: uuid.NewString(), Kind: kind, Time: now}
}

// Content is the one-line human summary sent as the webhook "content" field.
func (e Event) Content() string {
	var s string
	switch e.Kind {
	case KindSlotFound:
		s = fmt.Sprintf("Found %s appointment %s", e.slotType(), e.slotText())
		if e.Link != "" {
			s += "; schedule it here: " + e.Link
		}
	case KindBookingSucceeded:
		s = fmt.Sprintf("Booked %s appointment %s, confirmation %s", e.slotType(), e.slotText(), e.Confirmation)
	case KindBookingFailed:
		s = fmt.Sprintf("Could not book %s appointment %s (%s)", e.slotType(), e.slotText(), e.Reason)
	case KindWatcherError:
		s = "Watcher error: " + e.Reason
	case KindWatcherStopped:
		s = "Watcher stopped: " + e.Reason
	default:
		s = string(e.Kind)
	}
	return s
}

func (e Event) slotType() string {
	if e.Slot == nil || e.Slot.Type == "" {
		return "an"
	}
	return e.Slot.Type
}

func (e Event) slotText() string {
	if e.Slot == nil {
		return ""
	}
	return "on " + e.Slot.String()
}

type slotPayload struct {
	FacilityID string    `json:"facility_id"`
	Facility   string    `json:"facility"`
	Address    string    `json:"address,omitempty"`
	Distance   float64   `json:"distance_mi"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Type       string    `json:"type"`
}

type contactPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type payload struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	Timestamp    time.Time       `json:"timestamp"`
	Content      string          `json:"content"`
	Slot         *slotPayload    `json:"slot,omitempty"`
	Confirmation string          `json:"confirmation,omitempty"`
	Contact      *contactPayload `json:"contact,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Link         string          `json:"link,omitempty"`
}

func (e Event) payload() payload {
	p := payload{
		ID:           e.ID,
		Kind:         e.Kind,
		Timestamp:    e.Time.UTC(),
		Content:      e.Content(),
		Confirmation: e.Confirmation,
		Reason:       e.Reason,
		Link:         e.Link,
	}
	if s := e.Slot; s != nil {
		p.Slot = &slotPayload{
			FacilityID: s.Facility.ID,
			Facility:   s.Facility.Name,
			Address:    s.Facility.Address.String(),
			Distance:   s.Facility.Distance,
			Start:      s.Start,
			End:        s.End,
			Type:       s.Type,
		}
	}
	if c := e.Contact; c != nil {
		p.Contact = &contactPayload{Name: c.FirstName + " " + c.LastName, Email: c.Email}
	}
	return p
}
