// Package throttle paces every outbound call to the scheduling service.
//
// A Controller enforces a minimum gap between the end of one call and the
// start of the next, doubles that gap (with jitter) after transient
// failures up to a cap, and resets it after a success. A calls-per-minute
// ceiling sits on top of the spacing as a second guard.
package throttle

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/example/appt-watcher/internal/appointment"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Clock is the time source used for waits. Tests swap it for a fake.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

type Config struct {
	Interval   time.Duration
	MaxBackoff time.Duration // 0 means 5x Interval
	Jitter     float64       // fraction applied to backed-off waits, e.g. 0.2
	PerMinute  int           // 0 disables the ceiling
}

type Option func(*Controller)

func WithClock(c Clock) Option { return func(t *Controller) { t.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(t *Controller) { t.log = l } }

// WithRand replaces the jitter source; f must return values in [0, 1).
func WithRand(f func() float64) Option { return func(t *Controller) { t.rand = f } }

type Controller struct {
	cfg     Config
	clock   Clock
	limiter *rate.Limiter
	log     *zap.Logger
	rand    func() float64

	mu    sync.Mutex
	last  time.Time // when the previous call returned
	delay time.Duration
	calls int
}

func New(cfg Config, opts ...Option) *Controller {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * cfg.Interval
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = cfg.Interval
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.PerMinute > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), 1)
	}
	c := &Controller{
		cfg:     cfg,
		clock:   realClock{},
		limiter: lim,
		log:     zap.NewNop(),
		rand:    rand.Float64,
		delay:   cfg.Interval,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Acquire blocks until the next call may start. It is a suspension point:
// cancellation is honored here and only here.
func (c *Controller) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return appointment.Cancelled(err)
	}
	c.mu.Lock()
	wait := c.waitLocked()
	c.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return appointment.Cancelled(ctx.Err())
		case <-c.clock.After(wait):
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return appointment.Cancelled(ctx.Err())
		}
		return err
	}
	return nil
}

func (c *Controller) waitLocked() time.Duration {
	if c.last.IsZero() {
		return 0
	}
	d := c.delay
	if d > c.cfg.Interval && c.cfg.Jitter > 0 {
		f := 1 + (c.rand()*2-1)*c.cfg.Jitter
		d = time.Duration(float64(d) * f)
		if d < c.cfg.Interval {
			d = c.cfg.Interval
		}
	}
	return c.last.Add(d).Sub(c.clock.Now())
}

// Release records that a call returned with err and adjusts the backoff.
// Permanent failures leave the current gap unchanged.
func (c *Controller) Release(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = c.clock.Now()
	c.calls++
	switch {
	case err == nil:
		c.delay = c.cfg.Interval
	case appointment.IsTransient(err):
		c.delay *= 2
		if c.delay > c.cfg.MaxBackoff {
			c.delay = c.cfg.MaxBackoff
		}
	}
}

// Do runs fn under the throttle, retrying transient failures up to retries
// extra times. fn never sees the caller's cancellation so a call in flight
// always runs to completion.
func (c *Controller) Do(ctx context.Context, op string, retries int, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := c.Acquire(ctx); err != nil {
			return err
		}
		err := fn(context.WithoutCancel(ctx))
		c.Release(err)
		if err == nil || !appointment.IsTransient(err) || attempt >= retries {
			return err
		}
		c.log.Warn("transient failure, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", c.Backoff()),
			zap.Error(err))
	}
}

// Backoff is the current un-jittered gap between calls.
func (c *Controller) Backoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay
}

// Calls is how many calls have completed under this controller.
func (c *Controller) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *Controller) Interval() time.Duration { return c.cfg.Interval }
