package wallet

import (
	"fmt"
	"sync"
)

// CounterRange is a contiguous slice of the deterministic derivation
// counter for one keyset. Ranges handed out for the same keyset never
// overlap, even across process restarts with a durable source, since
// reusing a counter regenerates a previously issued secret.
type CounterRange struct {
	KeysetId string
	Start    uint32
	Count    uint32
}

// CounterSource reserves counter ranges for deterministic secret
// derivation. Reserve must be atomic: concurrent callers get disjoint
// contiguous ranges. A range is burned once reserved. Callers that
// end up not submitting the derived outputs must not return it.
type CounterSource interface {
	Reserve(keysetId string, count uint32) (CounterRange, error)
}

// InMemoryCounterSource keeps a cursor per keyset guarded by a single
// mutex. It is the default source for wallets that do not need the
// counters to survive a restart.
type InMemoryCounterSource struct {
	mu       sync.Mutex
	counters map[string]uint32
}

func NewInMemoryCounterSource() *InMemoryCounterSource {
	return &InMemoryCounterSource{counters: make(map[string]uint32)}
}

// SetCounter sets the starting cursor for a keyset. It fails if a
// range was already reserved for that keyset since moving the cursor
// backwards would reissue counters.
func (cs *InMemoryCounterSource) SetCounter(keysetId string, value uint32) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if current, ok := cs.counters[keysetId]; ok && value < current {
		return fmt.Errorf("cannot move counter for keyset '%v' back from %d to %d",
			keysetId, current, value)
	}
	cs.counters[keysetId] = value
	return nil
}

func (cs *InMemoryCounterSource) Reserve(keysetId string, count uint32) (CounterRange, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	start := cs.counters[keysetId]
	cs.counters[keysetId] = start + count

	return CounterRange{KeysetId: keysetId, Start: start, Count: count}, nil
}
