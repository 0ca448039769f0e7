package appointment

import (
	"context"
	"time"
)

// Locator turns an origin and radius into facilities.
type Locator interface {
	LookupFacilities(ctx context.Context, c SearchCriteria) ([]Facility, error)
}

// SlotSource issues one availability request for a facility and date. It
// must be safe to repeat.
type SlotSource interface {
	QuerySlots(ctx context.Context, f Facility, date time.Time, c SearchCriteria) ([]CandidateSlot, error)
}

// Booker reserves and finalizes a slot. Neither call is idempotent.
type Booker interface {
	Hold(ctx context.Context, slot CandidateSlot, party Party) (Hold, error)
	Confirm(ctx context.Context, slot CandidateSlot, hold Hold, contact Contact) (confirmation string, err error)
}

type Provider interface {
	Name() string
	Locator
	SlotSource
	Booker
}
