package seen

import (
	"context"
	"sync"
	"testing"
)

func TestMemoryMarkSeen(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := m.MarkSeen(ctx, "1387221_PASSPORT_20240603T0900")
	if err != nil || !first {
		t.Fatalf("expected first mark to report new, got %v %v", first, err)
	}
	again, _ := m.MarkSeen(ctx, "1387221_PASSPORT_20240603T0900")
	if again {
		t.Fatal("expected repeat mark to report seen")
	}
	other, _ := m.MarkSeen(ctx, "1387221_PASSPORT_20240603T0915")
	if !other {
		t.Fatal("expected a different key to be new")
	}
}

func TestMemoryConcurrentMarksOnce(t *testing.T) {
	m := NewMemory()
	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.MarkSeen(context.Background(), "k"); ok {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if fresh != 1 {
		t.Fatalf("expected exactly one fresh mark, got %d", fresh)
	}
	if m.Len() != 1 {
		t.Fatalf("expected one key, got %d", m.Len())
	}
}
