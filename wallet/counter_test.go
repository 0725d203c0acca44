package wallet

import (
	"sort"
	"sync"
	"testing"
)

func TestCounterSourceSequential(t *testing.T) {
	cs := NewInMemoryCounterSource()

	first, err := cs.Reserve("009a1f293253e41e", 5)
	if err != nil {
		t.Fatalf("error reserving range: %v", err)
	}
	if first.Start != 0 || first.Count != 5 {
		t.Errorf("expected range [0, 5) but got [%d, %d)", first.Start, first.Start+first.Count)
	}

	second, err := cs.Reserve("009a1f293253e41e", 3)
	if err != nil {
		t.Fatalf("error reserving range: %v", err)
	}
	if second.Start != 5 || second.Count != 3 {
		t.Errorf("expected range [5, 8) but got [%d, %d)", second.Start, second.Start+second.Count)
	}

	// different keyset has its own cursor
	other, err := cs.Reserve("00456a94ab4e1c46", 2)
	if err != nil {
		t.Fatalf("error reserving range: %v", err)
	}
	if other.Start != 0 {
		t.Errorf("expected range for new keyset to start at 0 but got %d", other.Start)
	}
}

func TestCounterSourceConcurrent(t *testing.T) {
	cs := NewInMemoryCounterSource()
	keysetId := "009a1f293253e41e"

	sizes := []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	ranges := make([]CounterRange, len(sizes))

	var wg sync.WaitGroup
	for i, size := range sizes {
		wg.Add(1)
		go func(i int, size uint32) {
			defer wg.Done()
			r, err := cs.Reserve(keysetId, size)
			if err != nil {
				t.Errorf("error reserving range: %v", err)
				return
			}
			ranges[i] = r
		}(i, size)
	}
	wg.Wait()

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })

	var next uint32 = 0
	for _, r := range ranges {
		if r.Start != next {
			t.Fatalf("ranges are not contiguous: expected start %d but got %d", next, r.Start)
		}
		next += r.Count
	}

	var total uint32 = 0
	for _, size := range sizes {
		total += size
	}
	if next != total {
		t.Errorf("union of ranges covers [0, %d) but expected [0, %d)", next, total)
	}
}

func TestCounterSourceSetCounter(t *testing.T) {
	cs := NewInMemoryCounterSource()
	keysetId := "009a1f293253e41e"

	if err := cs.SetCounter(keysetId, 21); err != nil {
		t.Fatalf("error setting counter: %v", err)
	}

	r, err := cs.Reserve(keysetId, 4)
	if err != nil {
		t.Fatalf("error reserving range: %v", err)
	}
	if r.Start != 21 {
		t.Errorf("expected range to start at 21 but got %d", r.Start)
	}

	// moving the cursor backwards would reissue counters
	if err := cs.SetCounter(keysetId, 10); err == nil {
		t.Error("expected error setting counter backwards but got nil")
	}
}
