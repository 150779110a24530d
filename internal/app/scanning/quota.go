package scanning

import "sync/atomic"

// Quota bounds the number of execution units in flight for the namespace.
// Acquire and release are atomic; the counter is the only cross-scan mutable
// state besides the collection markers.
type Quota struct {
	limit  int64
	active atomic.Int64
}

// NewQuota creates a quota allowing up to limit concurrent units. A limit of
// zero or less disables the quota.
func NewQuota(limit int) *Quota {
	return &Quota{limit: int64(limit)}
}

// TryAcquire reserves one unit slot. Returns false when the namespace is at
// its concurrency ceiling.
func (q *Quota) TryAcquire() bool {
	if q.limit <= 0 {
		return true
	}
	for {
		cur := q.active.Load()
		if cur >= q.limit {
			return false
		}
		if q.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release frees one unit slot.
func (q *Quota) Release() {
	if q.limit <= 0 {
		return
	}
	q.active.Add(-1)
}

// Active returns the number of reserved slots.
func (q *Quota) Active() int64 { return q.active.Load() }
