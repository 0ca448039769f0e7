package scheduler

import (
	"context"
	"time"

	"github.com/example/appt-watcher/internal/notify"
	"go.uber.org/zap"
)

const (
	eventQueue          = 64
	defaultDrainTimeout = 2 * time.Second
)

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseResolving Phase = "resolving"
	PhasePolling   Phase = "polling"
	PhaseSelecting Phase = "selecting"
	PhaseBooking   Phase = "booking"
	PhaseWaiting   Phase = "waiting"
	PhaseDone      Phase = "done"
)

// Status is a point-in-time view of the loop for the status endpoint.
type Status struct {
	RunID        string        `json:"run_id"`
	Phase        Phase         `json:"phase"`
	Facilities   int           `json:"facilities"`
	Sweeps       int           `json:"sweeps"`
	Calls        int           `json:"calls"`
	Backoff      time.Duration `json:"backoff_ns"`
	Candidates   int           `json:"candidates_last_sweep"`
	Attempts     int           `json:"booking_attempts"`
	Degraded     bool          `json:"notify_only"`
	Booked       string        `json:"booked,omitempty"`
	Confirmation string        `json:"confirmation,omitempty"`
	Outcome      Outcome       `json:"outcome,omitempty"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	if st.Phase == "" {
		st.Phase = PhaseIdle
	}
	if s.Throttle != nil {
		st.Calls = s.Throttle.Calls()
		st.Backoff = s.Throttle.Backoff()
	}
	return st
}

func (s *Scheduler) setStatus(f func(*Status)) {
	s.mu.Lock()
	f(&s.status)
	s.mu.Unlock()
}

// Events go out in order on one goroutine. emit never blocks: when the
// queue is full the event is dropped and logged. Once ctx is cancelled the
// dispatcher gets DrainTimeout to deliver what is queued, then skips the rest.
func (s *Scheduler) startDispatch(ctx context.Context) {
	s.events = make(chan notify.Event, eventQueue)
	if s.Notifier == nil {
		s.Notifier = notify.Log{Logger: s.Log}
	}
	grace := s.Config.DrainTimeout
	if grace <= 0 {
		grace = defaultDrainTimeout
	}
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var timer *time.Timer
	stopWatch := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		timer = time.AfterFunc(grace, cancel)
		s.mu.Unlock()
	})
	s.stopDrain = func() {
		stopWatch()
		s.mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		s.mu.Unlock()
		cancel()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		skipped := 0
		for e := range s.events {
			if dctx.Err() != nil {
				skipped++
				continue
			}
			if err := s.Notifier.Notify(dctx, e); err != nil {
				s.Log.Warn("notification not delivered", zap.String("kind", string(e.Kind)), zap.Error(err))
			}
		}
		if skipped > 0 {
			s.Log.Warn("notifications skipped after shutdown", zap.Int("count", skipped))
		}
	}()
}

func (s *Scheduler) stopDispatch() {
	close(s.events)
	s.wg.Wait()
	s.stopDrain()
}

func (s *Scheduler) emit(e notify.Event) {
	select {
	case s.events <- e:
	default:
		s.Log.Warn("notification queue full, dropping event",
			zap.String("kind", string(e.Kind)), zap.String("event", e.ID))
	}
}
