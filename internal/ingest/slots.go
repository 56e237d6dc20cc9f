package ingest

import (
	"context"
	"sync"
)

// slotMap hands out one exclusive slot per device identifier.
//
// A slot is a one-token channel: holding the token means owning the
// device. The mutex guards only the identifier-to-slot lookup, so
// distinct devices never contend beyond that map access. Slots are
// never removed; the map is bounded by the number of distinct
// identifiers that ever passed validation, which for a metering fleet
// is small and stable.
type slotMap struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newSlotMap() *slotMap {
	return &slotMap{slots: make(map[string]chan struct{})}
}

// acquire blocks until the identifier's slot is free or ctx is done.
// On a ctx error the slot is not held and release must not be called.
func (m *slotMap) acquire(ctx context.Context, identifier string) error {
	m.mu.Lock()
	s, ok := m.slots[identifier]
	if !ok {
		s = make(chan struct{}, 1)
		m.slots[identifier] = s
	}
	m.mu.Unlock()

	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release frees the identifier's slot. Must only be called after a
// successful acquire.
func (m *slotMap) release(identifier string) {
	m.mu.Lock()
	s, ok := m.slots[identifier]
	m.mu.Unlock()

	if ok {
		<-s
	}
}

// size reports how many distinct identifiers have slots.
func (m *slotMap) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
