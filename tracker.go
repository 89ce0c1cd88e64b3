package fleetagent

import "sync/atomic"

// LivenessTracker counts pool workers that have not yet permanently exited.
// Every worker decrements it exactly once over its lifetime; the transition
// to zero is observable exactly once even with many concurrent decrementers.
type LivenessTracker struct {
	count atomic.Int64
}

// NewLivenessTracker returns a tracker starting at n workers.
func NewLivenessTracker(n int) *LivenessTracker {
	t := &LivenessTracker{}
	t.count.Store(int64(n))
	return t
}

// Decrement removes one worker from the round and returns the remaining count
// plus whether this call was the one that reached zero. The count never goes
// below zero.
func (t *LivenessTracker) Decrement() (remaining int64, last bool) {
	for {
		cur := t.count.Load()
		if cur <= 0 {
			return 0, false
		}
		if t.count.CompareAndSwap(cur, cur-1) {
			return cur - 1, cur-1 == 0
		}
	}
}

// Count returns the current number of live workers.
func (t *LivenessTracker) Count() int64 {
	return t.count.Load()
}
