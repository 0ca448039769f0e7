// Package seen remembers which slots have already been announced so a
// repeating watcher never notifies the same slot twice.
package seen

import (
	"context"
	"sync"
)

// Store records slot keys. MarkSeen reports true the first time a key is
// marked and false on every later call.
type Store interface {
	MarkSeen(ctx context.Context, key string) (bool, error)
}

type Memory struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewMemory() *Memory { return &Memory{keys: map[string]struct{}{}} }

func (m *Memory) MarkSeen(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = struct{}{}
	return true, nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
