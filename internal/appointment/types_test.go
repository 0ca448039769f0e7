package appointment

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestOriginValidate(t *testing.T) {
	tests := []struct {
		name    string
		origin  Origin
		wantErr bool
	}{
		{"zip only", Origin{Zip: "78701"}, false},
		{"city and state", Origin{City: "Austin", State: "TX"}, false},
		{"nothing", Origin{}, true},
		{"zip and city", Origin{Zip: "78701", City: "Austin", State: "TX"}, true},
		{"city without state", Origin{City: "Austin"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.origin.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err=%v, wantErr=%v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidCriteria) {
				t.Fatalf("expected ErrInvalidCriteria, got %v", err)
			}
		})
	}
}

func TestParseCityState(t *testing.T) {
	o, err := ParseCityState(" Austin ,  TX ")
	if err != nil {
		t.Fatal(err)
	}
	if o.City != "Austin" || o.State != "TX" {
		t.Fatalf("unexpected origin %+v", o)
	}
	if _, err := ParseCityState("Austin TX"); err == nil {
		t.Fatalf("expected error without comma")
	}
}

func TestCriteriaDatesInclusive(t *testing.T) {
	c := SearchCriteria{
		Start: time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
	}
	ds := c.Dates()
	if len(ds) != 3 {
		t.Fatalf("expected 3 dates, got %d", len(ds))
	}
	if ds[0].Format(DateLayout) != "2024-06-01" || ds[2].Format(DateLayout) != "2024-06-03" {
		t.Fatalf("unexpected range %v..%v", ds[0], ds[2])
	}
}

func TestCriteriaValidate(t *testing.T) {
	base := SearchCriteria{
		Origin: Origin{Zip: "78701"},
		Radius: 10,
		Start:  time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC),
		Type:   "passport",
		Party:  Party{Adults: 1},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid criteria, got %v", err)
	}

	bad := base
	bad.End = base.Start.AddDate(0, 0, -1)
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for reversed range")
	}

	bad = base
	bad.Type = "DRIVING"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for unsupported type")
	}

	bad = base
	bad.Party = Party{}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for empty party")
	}
}

func TestFormatPhone(t *testing.T) {
	tests := map[string]string{
		"5125551234":      "512-555-1234",
		"(512) 555-1234":  "512-555-1234",
		"+1 512 555 1234": "512-555-1234",
	}
	for in, want := range tests {
		got, err := FormatPhone(in)
		if err != nil {
			t.Fatalf("FormatPhone(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("FormatPhone(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := FormatPhone("555-1234"); err == nil {
		t.Fatalf("expected error for short number")
	}
}

func TestReasonHidesRawErrors(t *testing.T) {
	raw := fmt.Errorf("dial tcp 10.0.0.1:443: connection reset by peer")
	if got := Reason(Transient("query slots", 0, raw)); got != "service_unavailable" {
		t.Fatalf("unexpected reason %q", got)
	}
	if got := Reason(fmt.Errorf("hold: %w", ErrSlotUnavailable)); got != "slot_unavailable" {
		t.Fatalf("unexpected reason %q", got)
	}
	if got := Reason(Cancelled(nil)); got != "cancelled" {
		t.Fatalf("unexpected reason %q", got)
	}
}

func TestCallErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", Permanent("lookup", 400, cause))
	if !errors.Is(err, ErrPermanent) || !errors.Is(err, cause) {
		t.Fatalf("expected both kind and cause to match: %v", err)
	}
	if IsTransient(err) {
		t.Fatalf("permanent error reported as transient")
	}
}

func TestAttemptTransitions(t *testing.T) {
	now := time.Now()
	a := NewAttempt("a1", CandidateSlot{}, now)
	if err := a.MarkConfirmed("x", now); err == nil {
		t.Fatalf("confirm from pending must fail")
	}
	if err := a.MarkHeld(Hold{Token: "h"}, now); err != nil {
		t.Fatal(err)
	}
	if err := a.MarkFailed(ErrConfirmationRejected, now); err != nil {
		t.Fatal(err)
	}
	if !a.Terminal() || a.Reason() != "confirmation_rejected" {
		t.Fatalf("unexpected terminal state %s / %s", a.State, a.Reason())
	}
	if err := a.MarkFailed(ErrConfirmationRejected, now); err == nil {
		t.Fatalf("terminal attempt must not transition again")
	}
}
