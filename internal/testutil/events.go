package testutil

import (
	"context"
	"sync"

	"github.com/example/appt-watcher/internal/notify"
)

// Events records every notification it receives.
type Events struct {
	mu   sync.Mutex
	list []notify.Event
}

func (e *Events) Notify(ctx context.Context, ev notify.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, ev)
	return nil
}

func (e *Events) All() []notify.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]notify.Event(nil), e.list...)
}

func (e *Events) Count(k notify.Kind) int {
	n := 0
	for _, ev := range e.All() {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

// Last returns the most recent event of kind k.
func (e *Events) Last(k notify.Kind) (notify.Event, bool) {
	all := e.All()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Kind == k {
			return all[i], true
		}
	}
	return notify.Event{}, false
}
