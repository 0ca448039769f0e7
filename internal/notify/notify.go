package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Notifier is a sink for events. Delivery failures are returned for logging
// only; the watcher never stops because of them.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

type Func func(ctx context.Context, e Event) error

func (f Func) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Log writes every event to the logger.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Notify(ctx context.Context, e Event) error {
	log := l.Logger
	if log == nil {
		return nil
	}
	fields := []zap.Field{zap.String("event", e.ID), zap.String("kind", string(e.Kind))}
	if e.Slot != nil {
		fields = append(fields, zap.String("slot", e.Slot.Key()))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	switch e.Kind {
	case KindWatcherError, KindBookingFailed:
		log.Warn(e.Content(), fields...)
	default:
		log.Info(e.Content(), fields...)
	}
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
