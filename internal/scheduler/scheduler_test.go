package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/appt-watcher/internal/appointment"
	"github.com/example/appt-watcher/internal/booking"
	"github.com/example/appt-watcher/internal/locate"
	"github.com/example/appt-watcher/internal/notify"
	"github.com/example/appt-watcher/internal/testutil"
	"github.com/example/appt-watcher/internal/throttle"
	"go.uber.org/zap/zaptest"
)

const interval = 3 * time.Second

var (
	near = appointment.Facility{ID: "near", Name: "DOWNTOWN STATION", Distance: 1.5}
	far  = appointment.Facility{ID: "far", Name: "NORTH STATION", Distance: 6}
)

type harness struct {
	p      *testutil.Provider
	clock  *testutil.Clock
	events *testutil.Events
	ledger *ledger
	s      *Scheduler
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	clock := testutil.NewClock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	p := &testutil.Provider{
		Clock:        clock,
		Latency:      200 * time.Millisecond,
		FacilityList: []appointment.Facility{far, near},
		Slots:        map[string][]appointment.CandidateSlot{},
		QueryErrs:    map[string][]error{},
		HoldErrs:     map[string][]error{},
		ConfirmErrs:  map[string][]error{},
	}
	th := throttle.New(throttle.Config{Interval: interval, Jitter: 0.2},
		throttle.WithClock(clock), throttle.WithLogger(log))
	if cfg.SweepWait == 0 {
		cfg.SweepWait = time.Hour
	}
	h := &harness{p: p, clock: clock, events: &testutil.Events{}, ledger: &ledger{}}
	h.s = &Scheduler{
		Criteria: appointment.SearchCriteria{
			Origin: appointment.Origin{Zip: "78701"},
			Radius: 10,
			Start:  time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
			End:    time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC),
			Type:   "PASSPORT",
			Party:  appointment.Party{Adults: 1},
		},
		Resolver: &locate.Resolver{Locator: p, Throttle: th, Retries: 1, Log: log},
		Source:   p,
		Throttle: th,
		Booking: &booking.Machine{
			Booker:      p,
			Throttle:    th,
			HoldRetries: 2,
			Party:       appointment.Party{Adults: 1},
			Contact:     appointment.Contact{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", Phone: "512-555-0100"},
			Now:         clock.Now,
			Log:         log,
		},
		Notifier: h.events,
		Recorder: h.ledger,
		Clock:    clock,
		Log:      log,
		Config:   cfg,
	}
	return h
}

func (h *harness) slot(f appointment.Facility, at string) appointment.CandidateSlot {
	s := testutil.Slot(f, at)
	k := testutil.QueryKey(f.ID, appointment.Day(s.Start))
	h.p.Slots[k] = append(h.p.Slots[k], s)
	return s
}

// stopAfterSweeps cancels the run during the n-th inter-sweep wait.
func (h *harness) stopAfterSweeps(n int, cancel context.CancelFunc, between func(sweep int)) {
	waits := 0
	h.clock.OnAfter = func(d time.Duration) bool {
		if d != h.s.Config.SweepWait {
			return true
		}
		waits++
		if waits >= n {
			cancel()
			return false
		}
		if between != nil {
			between(waits)
		}
		return true
	}
}

type ledger struct {
	mu       sync.Mutex
	started  []string
	attempts []appointment.BookingAttempt
	finished []Result
}

func (l *ledger) StartRun(ctx context.Context, runID string, c appointment.SearchCriteria, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, runID)
	return nil
}

func (l *ledger) RecordAttempt(ctx context.Context, runID string, a *appointment.BookingAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, *a)
	return nil
}

func (l *ledger) FinishRun(ctx context.Context, res Result) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = append(l.finished, res)
	return nil
}

func queryKeys(calls []testutil.Call) []string {
	var out []string
	for _, c := range calls {
		if c.Op == "query" {
			out = append(out, c.Key)
		}
	}
	return out
}

func TestSweepQueriesEachPairOnceWithSpacing(t *testing.T) {
	h := newHarness(t, Config{})

	res, err := h.s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != OutcomeExhausted || res.Sweeps != 1 {
		t.Fatalf("expected one exhausted sweep, got %s after %d", res.Outcome, res.Sweeps)
	}

	want := []string{
		"near|2024-06-03", "far|2024-06-03",
		"near|2024-06-04", "far|2024-06-04",
		"near|2024-06-05", "far|2024-06-05",
	}
	got := queryKeys(h.p.Calls())
	if len(got) != len(want) {
		t.Fatalf("expected %d queries, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("query %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	calls := h.p.Calls()
	for i := 1; i < len(calls); i++ {
		gap := calls[i].At.Sub(calls[i-1].At)
		if gap < interval {
			t.Fatalf("calls %d and %d only %v apart", i-1, i, gap)
		}
	}
	if h.events.Count(notify.KindWatcherStopped) != 1 {
		t.Fatal("expected a watcher_stopped event")
	}
}

func TestNotifyOnlySinglePass(t *testing.T) {
	h := newHarness(t, Config{Link: "https://tools.usps.com/rcas.htm"})
	slot := h.slot(far, "2024-06-04 10:30")

	res, err := h.s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeExhausted || res.Sweeps != 1 {
		t.Fatalf("expected single pass, got %s after %d sweeps", res.Outcome, res.Sweeps)
	}
	if n := h.events.Count(notify.KindSlotFound); n != 1 {
		t.Fatalf("expected one slot_found, got %d", n)
	}
	e, _ := h.events.Last(notify.KindSlotFound)
	if e.Slot == nil || e.Slot.Key() != slot.Key() || e.Link == "" {
		t.Fatalf("unexpected event %+v", e)
	}
	if h.p.Count("hold") != 0 || h.p.Count("confirm") != 0 {
		t.Fatal("notify-only must not hold or confirm")
	}
}

func TestRepeatDoesNotRenotify(t *testing.T) {
	h := newHarness(t, Config{Repeat: true})
	h.slot(near, "2024-06-03 09:00")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.stopAfterSweeps(3, cancel, nil)

	res, err := h.s.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCancelled || res.Sweeps != 3 {
		t.Fatalf("expected cancel after 3 sweeps, got %s after %d", res.Outcome, res.Sweeps)
	}
	if got := h.p.Count("query"); got != 3*6 {
		t.Fatalf("expected 18 queries, got %d", got)
	}
	if n := h.events.Count(notify.KindSlotFound); n != 1 {
		t.Fatalf("expected exactly one slot_found across sweeps, got %d", n)
	}
}

func TestConfirmRejectedFallsBackToNextCandidate(t *testing.T) {
	h := newHarness(t, Config{Schedule: true, MaxBookingAttempts: 3})
	best := h.slot(near, "2024-06-03 09:00")
	next := h.slot(far, "2024-06-03 09:00")
	h.p.ConfirmErrs[best.Key()] = []error{appointment.Permanent("confirm", 400, nil)}

	res, err := h.s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeBooked || res.Booked == nil {
		t.Fatalf("expected booked, got %s", res.Outcome)
	}
	if res.Booked.Slot.Key() != next.Key() {
		t.Fatalf("expected %s booked, got %s", next.Key(), res.Booked.Slot.Key())
	}
	if n := h.events.Count(notify.KindBookingSucceeded); n != 1 {
		t.Fatalf("expected one booking_succeeded, got %d", n)
	}
	if h.p.MaxHeld() > 1 {
		t.Fatalf("two holds were outstanding at once")
	}
	calls := h.p.Calls()
	if last := calls[len(calls)-1]; last.Op != "confirm" || last.Key != next.Key() {
		t.Fatalf("expected the final call to be the winning confirm, got %+v", last)
	}
	if len(h.ledger.attempts) != 2 {
		t.Fatalf("expected two recorded attempts, got %d", len(h.ledger.attempts))
	}
	if a := h.ledger.attempts[0]; a.State != appointment.AttemptFailed || a.Reason() != "confirmation_rejected" {
		t.Fatalf("unexpected first attempt %s/%s", a.State, a.Reason())
	}
	if st := h.s.Status(); st.Phase != PhaseDone || st.Booked == "" || st.Confirmation == "" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestNoCallsAfterConfirmed(t *testing.T) {
	h := newHarness(t, Config{Schedule: true, Repeat: true})
	h.slot(near, "2024-06-03 09:00")
	confirmed := -1
	h.p.OnCall = func(c testutil.Call) {
		if c.Op == "confirm" {
			confirmed = len(h.p.Calls())
		}
	}

	res, err := h.s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeBooked {
		t.Fatalf("expected booked, got %s", res.Outcome)
	}
	if confirmed != len(h.p.Calls()) {
		t.Fatalf("calls continued after confirmation: %d then %d", confirmed, len(h.p.Calls()))
	}
	if _, err := h.s.Booking.Book(context.Background(), testutil.Slot(far, "2024-06-04 09:00")); !errors.Is(err, appointment.ErrAlreadyBooked) {
		t.Fatalf("expected later bookings to be refused, got %v", err)
	}
}

func TestSlotUnavailableReselects(t *testing.T) {
	h := newHarness(t, Config{Schedule: true})
	lost := h.slot(near, "2024-06-03 09:00")
	won := h.slot(near, "2024-06-03 09:15")
	h.p.HoldErrs[lost.Key()] = []error{appointment.Permanent("hold", 409, nil)}

	res, err := h.s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Booked == nil || res.Booked.Slot.Key() != won.Key() {
		t.Fatalf("expected %s to be booked", won.Key())
	}
	if h.p.Count("hold") != 2 || h.p.Count("confirm") != 1 {
		t.Fatalf("unexpected calls: %d holds, %d confirms", h.p.Count("hold"), h.p.Count("confirm"))
	}
}

func TestAttemptCapDegradesToNotifyOnly(t *testing.T) {
	h := newHarness(t, Config{Schedule: true, MaxBookingAttempts: 1})
	a := h.slot(near, "2024-06-03 09:00")
	h.slot(far, "2024-06-03 09:00")
	h.p.HoldErrs[a.Key()] = []error{appointment.Permanent("hold", 409, nil)}

	res, err := h.s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeExhausted || res.Attempts != 1 {
		t.Fatalf("expected exhausted after one attempt, got %s/%d", res.Outcome, res.Attempts)
	}
	if h.p.Count("hold") != 1 {
		t.Fatalf("expected no holds past the cap, got %d", h.p.Count("hold"))
	}
	e, ok := h.events.Last(notify.KindBookingFailed)
	if !ok || e.Reason != "slot_unavailable" {
		t.Fatalf("expected booking_failed with slot_unavailable, got %+v", e)
	}
	if n := h.events.Count(notify.KindSlotFound); n != 2 {
		t.Fatalf("expected both slots announced, got %d", n)
	}
	if !h.s.Status().Degraded {
		t.Fatal("expected status to report notify-only")
	}
}

func TestScheduleKeepsPollingUntilSlotAppears(t *testing.T) {
	h := newHarness(t, Config{Schedule: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.stopAfterSweeps(5, cancel, func(sweep int) {
		if sweep == 2 {
			h.slot(far, "2024-06-05 14:00")
		}
	})

	res, err := h.s.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeBooked || res.Sweeps != 3 {
		t.Fatalf("expected booking on sweep 3, got %s on %d", res.Outcome, res.Sweeps)
	}
}

func TestCancelDuringBackoff(t *testing.T) {
	h := newHarness(t, Config{QueryRetries: 3})
	h.p.QueryErrs["near|2024-06-03"] = []error{appointment.Transient("time search", 503, nil)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.clock.OnAfter = func(d time.Duration) bool {
		if d > interval {
			cancel()
			return false
		}
		return true
	}

	res, err := h.s.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %s", res.Outcome)
	}
	if got := h.p.Count("query"); got != 1 {
		t.Fatalf("expected no call after the cancelled backoff, got %d queries", got)
	}
	e, _ := h.events.Last(notify.KindWatcherStopped)
	if e.Reason != "cancelled" {
		t.Fatalf("expected stop reason cancelled, got %q", e.Reason)
	}
}

func TestCancelBetweenHoldAndConfirm(t *testing.T) {
	h := newHarness(t, Config{Schedule: true})
	h.slot(near, "2024-06-03 09:00")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.p.OnCall = func(c testutil.Call) {
		if c.Op == "hold" {
			cancel()
		}
	}

	res, err := h.s.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %s", res.Outcome)
	}
	if len(h.ledger.attempts) != 1 || !h.ledger.attempts[0].Terminal() {
		t.Fatal("held attempt must be resolved to a terminal state")
	}
	if h.p.Count("confirm") != 0 {
		t.Fatal("confirm must not run after cancellation")
	}
}

func TestResolutionFailureIsFatal(t *testing.T) {
	h := newHarness(t, Config{Repeat: true})
	h.p.FacilityList = nil

	res, err := h.s.Run(context.Background())
	if !errors.Is(err, appointment.ErrResolution) {
		t.Fatalf("expected ErrResolution, got %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", res.Outcome)
	}
	e, ok := h.events.Last(notify.KindWatcherError)
	if !ok || e.Reason != "resolution_failed" {
		t.Fatalf("expected watcher_error, got %+v", e)
	}
	if h.p.Count("query") != 0 {
		t.Fatal("no queries without facilities")
	}
	if len(h.ledger.finished) != 1 || h.ledger.finished[0].Outcome != OutcomeFailed {
		t.Fatal("expected the run to be closed in the ledger")
	}
}

func TestSkipsFailedPairsAndContinues(t *testing.T) {
	h := newHarness(t, Config{QueryRetries: 1})
	h.p.QueryErrs["near|2024-06-03"] = []error{appointment.Permanent("time search", 400, nil)}
	h.p.QueryErrs["far|2024-06-03"] = []error{
		appointment.Transient("time search", 503, nil),
		appointment.Transient("time search", 503, nil),
	}
	h.slot(near, "2024-06-04 11:00")

	res, err := h.s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeExhausted {
		t.Fatalf("expected exhausted, got %s", res.Outcome)
	}
	// one retry for the transient pair
	if got := h.p.Count("query"); got != 7 {
		t.Fatalf("expected 7 query calls, got %d", got)
	}
	if h.events.Count(notify.KindSlotFound) != 1 {
		t.Fatal("expected the later slot to be found")
	}
}

func TestFirstMatchStopsSweepEarly(t *testing.T) {
	h := newHarness(t, Config{FirstMatch: true})
	h.slot(near, "2024-06-03 16:00")
	h.slot(far, "2024-06-03 08:00")

	if _, err := h.s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := h.p.Count("query"); got != 1 {
		t.Fatalf("expected sweep to stop at the first hit, got %d queries", got)
	}
	if h.events.Count(notify.KindSlotFound) != 1 {
		t.Fatal("expected only the first facility's slot")
	}
}

func TestSlowNotifierDoesNotDelayShutdown(t *testing.T) {
	h := newHarness(t, Config{DrainTimeout: 200 * time.Millisecond})
	first := time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		h.slot(near, first.Add(time.Duration(i)*5*time.Minute).Format("2006-01-02 15:04"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var delivered atomic.Int32
	h.s.Notifier = notify.Func(func(ctx context.Context, e notify.Event) error {
		cancel()
		delivered.Add(1)
		time.Sleep(100 * time.Millisecond)
		return nil
	})

	began := time.Now()
	if _, err := h.s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if took := time.Since(began); took > 2*time.Second {
		t.Fatalf("run took %v to return after cancellation", took)
	}
	if n := delivered.Load(); n > 10 {
		t.Fatalf("expected queued events to be skipped after the drain deadline, %d delivered", n)
	}
}
