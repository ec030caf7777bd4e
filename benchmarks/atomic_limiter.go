package benchmarks

import "sync/atomic"

// AtomicLimiter is the comparison floor for the limiter benchmarks: one
// CAS-guarded budget with none of the per-user bucketing, refill math, or
// retry bookkeeping the real limiter carries. It answers the question
// "how much does the bookkeeping cost over a raw thread-safe counter".
type AtomicLimiter struct{ avail atomic.Int64 }

func NewAtomicLimiter(initial int64) *AtomicLimiter {
	var a AtomicLimiter
	a.avail.Store(initial)
	return &a
}

// TryAcquire spends cost from the budget if enough remains. The name
// mirrors the real limiter so the benchmark bodies read the same.
func (a *AtomicLimiter) TryAcquire(cost int64) bool {
	if cost <= 0 {
		return false
	}
	for {
		old := a.avail.Load()
		if old < cost {
			return false
		}
		if a.avail.CompareAndSwap(old, old-cost) {
			return true
		}
	}
}

func (a *AtomicLimiter) Available() int64 { return a.avail.Load() }
