package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSlotMap_AcquireRelease(t *testing.T) {
	m := newSlotMap()
	ctx := context.Background()

	if err := m.acquire(ctx, "METER-A"); err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	if m.size() != 1 {
		t.Errorf("size() = %d, want 1", m.size())
	}
	m.release("METER-A")

	// The slot is reusable after release
	if err := m.acquire(ctx, "METER-A"); err != nil {
		t.Fatalf("acquire() after release error = %v", err)
	}
	m.release("METER-A")

	// Slots persist per identifier
	if m.size() != 1 {
		t.Errorf("size() = %d, want 1", m.size())
	}
}

func TestSlotMap_SerialisesSameIdentifier(t *testing.T) {
	m := newSlotMap()
	ctx := context.Background()

	if err := m.acquire(ctx, "METER-A"); err != nil {
		t.Fatalf("acquire() error = %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := m.acquire(ctx, "METER-A"); err != nil {
			t.Errorf("second acquire() error = %v", err)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the slot is held")
	case <-time.After(50 * time.Millisecond):
	}

	m.release("METER-A")

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
	m.release("METER-A")
}

func TestSlotMap_IndependentIdentifiers(t *testing.T) {
	m := newSlotMap()
	ctx := context.Background()

	if err := m.acquire(ctx, "METER-A"); err != nil {
		t.Fatalf("acquire(METER-A) error = %v", err)
	}
	defer m.release("METER-A")

	// A held slot for one identifier never blocks another
	waitCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := m.acquire(waitCtx, "METER-B"); err != nil {
		t.Fatalf("acquire(METER-B) error = %v", err)
	}
	m.release("METER-B")

	if m.size() != 2 {
		t.Errorf("size() = %d, want 2", m.size())
	}
}

func TestSlotMap_AcquireHonoursContext(t *testing.T) {
	m := newSlotMap()

	if err := m.acquire(context.Background(), "METER-A"); err != nil {
		t.Fatalf("acquire() error = %v", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := m.acquire(waitCtx, "METER-A")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("acquire() error = %v, want context.DeadlineExceeded", err)
	}

	// An abandoned wait must not corrupt the slot
	m.release("METER-A")
	if err := m.acquire(context.Background(), "METER-A"); err != nil {
		t.Fatalf("acquire() after abandoned wait error = %v", err)
	}
	m.release("METER-A")
}

func TestSlotMap_ConcurrentAccess(t *testing.T) {
	m := newSlotMap()
	ctx := context.Background()

	// Many goroutines contending for a handful of identifiers: every
	// acquire must eventually succeed and the critical sections must
	// never overlap per identifier.
	identifiers := []string{"METER-A", "METER-B", "METER-C"}
	held := make(map[string]*int32, len(identifiers))
	for _, id := range identifiers {
		n := int32(0)
		held[id] = &n
	}

	var mu sync.Mutex
	overlaps := 0

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		identifier := identifiers[i%len(identifiers)]
		go func() {
			defer wg.Done()
			if err := m.acquire(ctx, identifier); err != nil {
				t.Errorf("acquire() error = %v", err)
				return
			}
			mu.Lock()
			*held[identifier]++
			if *held[identifier] > 1 {
				overlaps++
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			*held[identifier]--
			mu.Unlock()
			m.release(identifier)
		}()
	}
	wg.Wait()

	if overlaps != 0 {
		t.Errorf("observed %d overlapping holds, want 0", overlaps)
	}
	if m.size() != len(identifiers) {
		t.Errorf("size() = %d, want %d", m.size(), len(identifiers))
	}
}
