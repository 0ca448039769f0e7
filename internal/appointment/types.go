package appointment

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar-date layout used on flags, in logs and in the ledger.
const DateLayout = "2006-01-02"

// Supported appointment types. Input is matched case-insensitively.
var ValidTypes = []string{"PASSPORT"}

// Origin is where the search is centred: a ZIP code or a city/state pair, never both.
type Origin struct {
	Zip   string
	City  string
	State string
}

func (o Origin) Validate() error {
	switch {
	case o.Zip == "" && o.City == "" && o.State == "":
		return fmt.Errorf("%w: one of zip or city/state must be set", ErrInvalidCriteria)
	case o.Zip != "" && (o.City != "" || o.State != ""):
		return fmt.Errorf("%w: only one of zip or city/state can be set", ErrInvalidCriteria)
	case o.Zip == "" && (o.City == "" || o.State == ""):
		return fmt.Errorf("%w: both city and state must be set", ErrInvalidCriteria)
	}
	return nil
}

func (o Origin) String() string {
	if o.Zip != "" {
		return "ZIP " + o.Zip
	}
	return o.City + ", " + o.State
}

// ParseCityState splits "Austin, TX" into its parts.
func ParseCityState(s string) (Origin, error) {
	city, state, ok := strings.Cut(s, ",")
	city, state = strings.TrimSpace(city), strings.TrimSpace(state)
	if !ok || city == "" || state == "" || strings.Contains(state, ",") {
		return Origin{}, fmt.Errorf("%w: city and state must look like \"Austin, TX\" (got %q)", ErrInvalidCriteria, s)
	}
	return Origin{City: city, State: state}, nil
}

type Party struct {
	Adults int
	Minors int
}

func (p Party) Size() int { return p.Adults + p.Minors }

// SearchCriteria is built once at startup and never mutated afterwards.
type SearchCriteria struct {
	Origin Origin
	Radius int // miles
	Start  time.Time
	End    time.Time // inclusive
	Type   string
	Party  Party
}

func (c SearchCriteria) Validate() error {
	if err := c.Origin.Validate(); err != nil {
		return err
	}
	if c.Radius < 1 {
		return fmt.Errorf("%w: radius must be >= 1", ErrInvalidCriteria)
	}
	if c.Start.IsZero() || c.End.IsZero() {
		return fmt.Errorf("%w: date range required", ErrInvalidCriteria)
	}
	if c.End.Before(c.Start) {
		return fmt.Errorf("%w: end date %s is before start date %s", ErrInvalidCriteria,
			c.End.Format(DateLayout), c.Start.Format(DateLayout))
	}
	if _, err := NormalizeType(c.Type); err != nil {
		return err
	}
	if c.Party.Adults < 0 || c.Party.Minors < 0 || c.Party.Size() < 1 {
		return fmt.Errorf("%w: party needs at least one person", ErrInvalidCriteria)
	}
	return nil
}

// Dates returns every calendar day in [Start, End], ascending.
func (c SearchCriteria) Dates() []time.Time {
	start, end := Day(c.Start), Day(c.End)
	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// Day truncates t to midnight of its calendar day, keeping the wall-clock date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func NormalizeType(t string) (string, error) {
	u := strings.ToUpper(strings.TrimSpace(t))
	for _, v := range ValidTypes {
		if u == v {
			return u, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported appointment type %q (want one of %s)", ErrInvalidCriteria, t, strings.Join(ValidTypes, ", "))
}

type Address struct {
	Street string
	City   string
	State  string
	Zip    string
}

func (a Address) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{a.Street, a.City, strings.TrimSpace(a.State + " " + a.Zip)} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

type Location struct {
	Latitude  float64
	Longitude float64
}

// Facility is a physical location offering appointments.
type Facility struct {
	ID       string
	Name     string
	Address  Address
	Location Location
	Distance float64 // miles from the origin

	// Days the lookup reported as having openings around the requested date.
	OpenDates []time.Time
}

// CandidateSlot is one bookable time at a facility. Token is assigned by the
// service and must be presented when holding the slot.
type CandidateSlot struct {
	Facility Facility
	Start    time.Time
	End      time.Time
	Type     string
	Token    string
}

// Key identifies the slot across sweeps.
func (s CandidateSlot) Key() string {
	return fmt.Sprintf("%s_%s_%s", s.Facility.ID, s.Type, s.Start.Format("20060102T1504"))
}

func (s CandidateSlot) String() string {
	name := s.Facility.Name
	if name == "" {
		name = s.Facility.ID
	}
	return fmt.Sprintf("%s at %s (%.1f mi)", s.Start.Format("2006-01-02 15:04"), name, s.Facility.Distance)
}

// PollCycleResult is what one full facility x date sweep produced.
type PollCycleResult struct {
	Sweep     int
	Slots     []CandidateSlot
	Queries   int
	Empty     int
	Transient int
	Permanent int
}
