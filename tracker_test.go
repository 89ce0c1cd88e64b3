package fleetagent

import (
	"sync"
	"testing"
)

func TestLivenessTrackerSequential(t *testing.T) {
	tracker := NewLivenessTracker(3)
	if got := tracker.Count(); got != 3 {
		t.Fatalf("initial count = %d, want 3", got)
	}
	remaining, last := tracker.Decrement()
	if remaining != 2 || last {
		t.Fatalf("first decrement = (%d, %v), want (2, false)", remaining, last)
	}
	remaining, last = tracker.Decrement()
	if remaining != 1 || last {
		t.Fatalf("second decrement = (%d, %v), want (1, false)", remaining, last)
	}
	remaining, last = tracker.Decrement()
	if remaining != 0 || !last {
		t.Fatalf("third decrement = (%d, %v), want (0, true)", remaining, last)
	}
	remaining, last = tracker.Decrement()
	if remaining != 0 || last {
		t.Fatalf("decrement below zero = (%d, %v), want (0, false)", remaining, last)
	}
}

func TestLivenessTrackerConcurrentSingleLastObserver(t *testing.T) {
	const workers = 64
	tracker := NewLivenessTracker(workers)

	var wg sync.WaitGroup
	var mu sync.Mutex
	lastSeen := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, last := tracker.Decrement(); last {
				mu.Lock()
				lastSeen++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if tracker.Count() != 0 {
		t.Fatalf("count after all decrements = %d, want 0", tracker.Count())
	}
	if lastSeen != 1 {
		t.Fatalf("last=true observed %d times, want exactly once", lastSeen)
	}
}
