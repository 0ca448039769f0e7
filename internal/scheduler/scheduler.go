package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/appt-watcher/internal/appointment"
	"github.com/example/appt-watcher/internal/booking"
	"github.com/example/appt-watcher/internal/locate"
	"github.com/example/appt-watcher/internal/notify"
	"github.com/example/appt-watcher/internal/seen"
	"github.com/example/appt-watcher/internal/throttle"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Config struct {
	Schedule   bool // auto-book the best candidate
	FirstMatch bool // end a sweep at the first pair that returns slots
	Repeat     bool // keep sweeping after a pass that booked nothing

	SweepWait          time.Duration
	QueryRetries       int
	MaxBookingAttempts int // <= 0 means no cap

	// Link is where the operator can book a found slot by hand.
	Link string

	// DrainTimeout bounds how long queued events keep going out after
	// cancellation. Zero means two seconds.
	DrainTimeout time.Duration
}

// Recorder persists the run ledger. Errors are logged, never fatal.
type Recorder interface {
	StartRun(ctx context.Context, runID string, c appointment.SearchCriteria, at time.Time) error
	RecordAttempt(ctx context.Context, runID string, a *appointment.BookingAttempt) error
	FinishRun(ctx context.Context, res Result) error
}

type Outcome string

const (
	OutcomeBooked    Outcome = "booked"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

type Result struct {
	RunID      string
	Outcome    Outcome
	Sweeps     int
	Found      int // distinct slots announced
	Attempts   int
	Booked     *appointment.BookingAttempt
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// Scheduler is the poll loop. One goroutine drives it; every outbound call
// goes through the shared Throttle.
type Scheduler struct {
	Criteria appointment.SearchCriteria
	Resolver *locate.Resolver
	Source   appointment.SlotSource
	Throttle *throttle.Controller
	Booking  *booking.Machine
	Notifier notify.Notifier
	Seen     seen.Store
	Recorder Recorder
	Clock    throttle.Clock
	Log      *zap.Logger
	Config   Config

	mu     sync.Mutex
	status Status

	events    chan notify.Event
	wg        sync.WaitGroup
	stopDrain func()
}

func (s *Scheduler) init() error {
	if s.Resolver == nil || s.Source == nil || s.Throttle == nil {
		return errors.New("scheduler: resolver, source and throttle are required")
	}
	if s.Config.Schedule && s.Booking == nil {
		return errors.New("scheduler: scheduling needs a booking machine")
	}
	if s.Clock == nil {
		s.Clock = throttle.RealClock()
	}
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	if s.Seen == nil {
		s.Seen = seen.NewMemory()
	}
	return nil
}

// Run watches until a slot is booked, a single pass ends, the run fails to
// resolve facilities, or ctx is cancelled. Cancellation is not an error.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	if err := s.init(); err != nil {
		return Result{}, err
	}
	res := Result{RunID: uuid.NewString(), StartedAt: s.Clock.Now()}
	s.Log = s.Log.With(zap.String("run", res.RunID))
	s.setStatus(func(st *Status) { st.RunID = res.RunID; st.Phase = PhaseResolving })

	s.startDispatch(ctx)
	defer s.stopDispatch()

	if s.Recorder != nil {
		if err := s.Recorder.StartRun(ctx, res.RunID, s.Criteria, res.StartedAt); err != nil {
			s.Log.Warn("record run start", zap.Error(err))
		}
	}

	err := s.run(ctx, &res)
	res.FinishedAt = s.Clock.Now()
	res.Err = err

	s.setStatus(func(st *Status) { st.Phase = PhaseDone; st.Outcome = res.Outcome })
	stopped := notify.NewEvent(notify.KindWatcherStopped, res.FinishedAt)
	stopped.Reason = string(res.Outcome)
	if res.Booked != nil {
		stopped.Slot = &res.Booked.Slot
		stopped.Confirmation = res.Booked.Confirmation
	}
	s.emit(stopped)

	if s.Recorder != nil {
		if rerr := s.Recorder.FinishRun(context.WithoutCancel(ctx), res); rerr != nil {
			s.Log.Warn("record run finish", zap.Error(rerr))
		}
	}
	s.Log.Info("watcher stopped",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("sweeps", res.Sweeps),
		zap.Int("attempts", res.Attempts))
	return res, err
}

func (s *Scheduler) run(ctx context.Context, res *Result) error {
	facilities, err := s.Resolver.Resolve(ctx, s.Criteria)
	if err != nil {
		if errors.Is(err, appointment.ErrCancelled) {
			res.Outcome = OutcomeCancelled
			return nil
		}
		res.Outcome = OutcomeFailed
		e := notify.NewEvent(notify.KindWatcherError, s.Clock.Now())
		e.Reason = appointment.Reason(err)
		s.emit(e)
		return err
	}
	s.setStatus(func(st *Status) { st.Facilities = len(facilities) })

	selector := appointment.NewSelector()
	degraded := !s.Config.Schedule

	for sweep := 1; ; sweep++ {
		res.Sweeps = sweep
		cycle, err := s.sweep(ctx, sweep, facilities)
		if err != nil {
			res.Outcome = OutcomeCancelled
			return nil
		}
		if len(cycle.Slots) == 0 {
			s.Log.Warn(fmt.Sprintf("No %s appointments found between %s and %s within %d miles of %s",
				s.Criteria.Type,
				s.Criteria.Start.Format(appointment.DateLayout),
				s.Criteria.End.Format(appointment.DateLayout),
				s.Criteria.Radius,
				s.Criteria.Origin),
				zap.Int("sweep", sweep),
				zap.Int("transient", cycle.Transient),
				zap.Int("permanent", cycle.Permanent))
		}

		s.setStatus(func(st *Status) { st.Phase = PhaseSelecting })
		ranked := selector.Rank(cycle.Slots)
		s.announce(ctx, ranked, res)

		if !degraded && len(ranked) > 0 {
			booked, cancelled, capped := s.book(ctx, selector, cycle.Slots, res)
			switch {
			case booked:
				res.Outcome = OutcomeBooked
				return nil
			case cancelled:
				res.Outcome = OutcomeCancelled
				return nil
			case capped:
				degraded = true
				s.setStatus(func(st *Status) { st.Degraded = true })
				s.Log.Warn("booking attempt cap reached, continuing notify-only",
					zap.Int("attempts", res.Attempts))
			}
		}

		if !s.Config.Repeat && (degraded || !s.Config.Schedule) {
			res.Outcome = OutcomeExhausted
			return nil
		}

		s.setStatus(func(st *Status) { st.Phase = PhaseWaiting })
		if err := s.wait(ctx); err != nil {
			res.Outcome = OutcomeCancelled
			return nil
		}
	}
}

// sweep queries every (date, facility) pair once, dates ascending and
// facilities nearest first. The only error it returns is cancellation.
func (s *Scheduler) sweep(ctx context.Context, n int, facilities []appointment.Facility) (appointment.PollCycleResult, error) {
	s.setStatus(func(st *Status) { st.Phase = PhasePolling; st.Sweeps = n })
	cycle := appointment.PollCycleResult{Sweep: n}

	for _, date := range s.Criteria.Dates() {
		for _, f := range facilities {
			log := s.Log.With(
				zap.String("facility", f.ID),
				zap.String("date", date.Format(appointment.DateLayout)))

			var slots []appointment.CandidateSlot
			err := s.Throttle.Do(ctx, "time search", s.Config.QueryRetries, func(ctx context.Context) error {
				var err error
				slots, err = s.Source.QuerySlots(ctx, f, date, s.Criteria)
				return err
			})
			cycle.Queries++
			switch {
			case err == nil:
			case errors.Is(err, appointment.ErrCancelled):
				return cycle, err
			case appointment.IsTransient(err):
				cycle.Transient++
				log.Warn("query failed after retries, skipping", zap.Error(err))
				continue
			default:
				cycle.Permanent++
				log.Warn("query rejected, skipping", zap.Error(err))
				continue
			}

			if len(slots) == 0 {
				cycle.Empty++
				log.Debug("no slots")
				continue
			}
			log.Info("slots found", zap.Int("count", len(slots)))
			cycle.Slots = append(cycle.Slots, slots...)
			if s.Config.FirstMatch {
				s.setStatus(func(st *Status) { st.Candidates = len(cycle.Slots) })
				return cycle, nil
			}
		}
	}
	s.setStatus(func(st *Status) { st.Candidates = len(cycle.Slots) })
	return cycle, nil
}

// announce fires one slot_found per slot the run has not reported before.
func (s *Scheduler) announce(ctx context.Context, ranked []appointment.CandidateSlot, res *Result) {
	for i := range ranked {
		slot := ranked[i]
		fresh, err := s.Seen.MarkSeen(ctx, slot.Key())
		if err != nil {
			s.Log.Warn("seen store unavailable, notifying anyway", zap.String("slot", slot.Key()), zap.Error(err))
			fresh = true
		}
		if !fresh {
			continue
		}
		res.Found++
		e := notify.NewEvent(notify.KindSlotFound, s.Clock.Now())
		e.Slot = &slot
		e.Link = s.Config.Link
		s.emit(e)
	}
}

// book walks the candidates best first until one is confirmed, the attempt
// cap is hit, or nothing is left.
func (s *Scheduler) book(ctx context.Context, sel *appointment.Selector, slots []appointment.CandidateSlot, res *Result) (booked, cancelled, capped bool) {
	s.setStatus(func(st *Status) { st.Phase = PhaseBooking })
	var last *appointment.BookingAttempt
	for {
		slot, ok := sel.Select(slots)
		if !ok {
			break
		}
		res.Attempts++
		s.setStatus(func(st *Status) { st.Attempts = res.Attempts })
		a, err := s.Booking.Book(ctx, slot)
		if a == nil {
			// guard refused before any call was made
			s.Log.Error("booking refused", zap.String("slot", slot.Key()), zap.Error(err))
			if prev, ok := s.Booking.Booked(); ok {
				res.Booked = prev
				return true, false, false
			}
			return false, false, false
		}
		s.record(ctx, res.RunID, a)

		if err == nil {
			res.Booked = a
			s.setStatus(func(st *Status) { st.Booked = a.Slot.String(); st.Confirmation = a.Confirmation })
			e := notify.NewEvent(notify.KindBookingSucceeded, s.Clock.Now())
			e.Slot = &a.Slot
			e.Confirmation = a.Confirmation
			contact := s.Booking.Contact
			e.Contact = &contact
			s.emit(e)
			return true, false, false
		}

		sel.Exclude(slot)
		last = a
		if errors.Is(err, appointment.ErrCancelled) {
			s.failed(a, "cancelled")
			return false, true, false
		}
		if s.Config.MaxBookingAttempts > 0 && res.Attempts >= s.Config.MaxBookingAttempts {
			s.failed(a, "attempt cap reached")
			return false, false, true
		}
	}
	if last != nil {
		s.failed(last, "no candidates left this sweep")
	}
	return false, false, false
}

func (s *Scheduler) failed(a *appointment.BookingAttempt, why string) {
	s.Log.Warn("booking failed", zap.String("slot", a.Slot.Key()), zap.String("reason", a.Reason()), zap.String("why", why))
	e := notify.NewEvent(notify.KindBookingFailed, s.Clock.Now())
	slot := a.Slot
	e.Slot = &slot
	e.Reason = a.Reason()
	s.emit(e)
}

func (s *Scheduler) record(ctx context.Context, runID string, a *appointment.BookingAttempt) {
	if s.Recorder == nil {
		return
	}
	if err := s.Recorder.RecordAttempt(context.WithoutCancel(ctx), runID, a); err != nil {
		s.Log.Warn("record attempt", zap.String("attempt", a.ID), zap.Error(err))
	}
}

// wait is the inter-sweep suspension point.
func (s *Scheduler) wait(ctx context.Context) error {
	d := s.Config.SweepWait
	if d <= 0 {
		d = s.Throttle.Interval()
	}
	if err := ctx.Err(); err != nil {
		return appointment.Cancelled(err)
	}
	select {
	case <-ctx.Done():
		return appointment.Cancelled(ctx.Err())
	case <-s.Clock.After(d):
		return nil
	}
}
