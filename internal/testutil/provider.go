package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/appt-watcher/internal/appointment"
)

type Call struct {
	Op  string // lookup, query, hold, confirm
	Key string
	At  time.Time
}

// Provider is a scripted appointment.Provider. Errors are consumed in order
// per key; once a script runs dry the call succeeds.
type Provider struct {
	Clock   *Clock
	Latency time.Duration

	FacilityList []appointment.Facility
	LookupErrs   []error

	Slots       map[string][]appointment.CandidateSlot // by QueryKey
	QueryErrs   map[string][]error                     // by QueryKey
	HoldErrs    map[string][]error                     // by slot Key
	ConfirmErrs map[string][]error                     // by slot Key

	// OnCall runs after every call has been recorded.
	OnCall func(Call)

	mu      sync.Mutex
	calls   []Call
	held    int
	maxHeld int
}

var _ appointment.Provider = (*Provider)(nil)

func QueryKey(facilityID string, date time.Time) string {
	return facilityID + "|" + date.Format(appointment.DateLayout)
}

func (p *Provider) Name() string { return "fake" }

func (p *Provider) record(op, key string) {
	var at time.Time
	if p.Clock != nil {
		at = p.Clock.Now()
		if p.Latency > 0 {
			p.Clock.Advance(p.Latency)
		}
	}
	c := Call{Op: op, Key: key, At: at}
	p.mu.Lock()
	p.calls = append(p.calls, c)
	p.mu.Unlock()
	if p.OnCall != nil {
		p.OnCall(c)
	}
}

func (p *Provider) pop(m map[string][]error, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	errs := m[key]
	if len(errs) == 0 {
		return nil
	}
	m[key] = errs[1:]
	return errs[0]
}

func (p *Provider) LookupFacilities(ctx context.Context, c appointment.SearchCriteria) ([]appointment.Facility, error) {
	p.record("lookup", c.Origin.String())
	p.mu.Lock()
	var err error
	if len(p.LookupErrs) > 0 {
		err, p.LookupErrs = p.LookupErrs[0], p.LookupErrs[1:]
	}
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return append([]appointment.Facility(nil), p.FacilityList...), nil
}

func (p *Provider) QuerySlots(ctx context.Context, f appointment.Facility, date time.Time, c appointment.SearchCriteria) ([]appointment.CandidateSlot, error) {
	key := QueryKey(f.ID, date)
	p.record("query", key)
	if err := p.pop(p.QueryErrs, key); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]appointment.CandidateSlot(nil), p.Slots[key]...), nil
}

func (p *Provider) Hold(ctx context.Context, slot appointment.CandidateSlot, party appointment.Party) (appointment.Hold, error) {
	p.record("hold", slot.Key())
	if err := p.pop(p.HoldErrs, slot.Key()); err != nil {
		return appointment.Hold{}, err
	}
	p.mu.Lock()
	p.held++
	if p.held > p.maxHeld {
		p.maxHeld = p.held
	}
	p.mu.Unlock()
	return appointment.Hold{Token: "hold-" + slot.Key()}, nil
}

func (p *Provider) Confirm(ctx context.Context, slot appointment.CandidateSlot, hold appointment.Hold, contact appointment.Contact) (string, error) {
	p.record("confirm", slot.Key())
	p.mu.Lock()
	p.held--
	p.mu.Unlock()
	if err := p.pop(p.ConfirmErrs, slot.Key()); err != nil {
		return "", err
	}
	return fmt.Sprintf("CONF-%s", slot.Key()), nil
}

func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Count returns how many calls of op were made.
func (p *Provider) Count(op string) int {
	n := 0
	for _, c := range p.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// MaxHeld is the largest number of holds that were outstanding at once.
func (p *Provider) MaxHeld() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxHeld
}

// Slot builds a candidate at facility f starting at the given wall time.
func Slot(f appointment.Facility, start string) appointment.CandidateSlot {
	t, err := time.Parse("2006-01-02 15:04", start)
	if err != nil {
		panic(err)
	}
	return appointment.CandidateSlot{
		Facility: f,
		Start:    t,
		End:      t.Add(15 * time.Minute),
		Type:     "PASSPORT",
		Token:    fmt.Sprintf("%s@%s", f.ID, t.Format("20060102T1504")),
	}
}
