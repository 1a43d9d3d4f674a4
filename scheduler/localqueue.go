package scheduler

import (
	"sync"
	"sync/atomic"
)

// localQueueRingSlots is the default/fallback ring capacity (spec.md
// §6's spawns_per_local = 16), used when a queue is constructed
// without an explicit capacity (tests, and any caller that doesn't
// thread config through).
const localQueueRingSlots = 16

// localQueue is one worker's task queue: a lock-free ring mutated by
// its owner for push (spec.md §5: "mutated lock-free by its owner for
// push"), plus an overflow slice guarded by a monitor-equivalent
// mutex that peers extract from when stealing (spec.md: "peers
// extract under the queue's own monitor").
type localQueue struct {
	ring     []atomic.Pointer[Task]
	capacity uint64
	head     atomic.Uint64 // consumer index; advanced only by the owner (popOwner)
	tail     atomic.Uint64 // producer index; advanced only by the owner (pushOwner)

	// ringCount is the true number of live (unclaimed) ring entries.
	// head/tail alone can't answer "how many items are actually
	// present" once a peer's steal leaves a hole behind at an index
	// the owner hasn't walked past yet (see stealFrom) — ringCount is
	// the authoritative count, maintained by whichever side (owner or
	// thief) wins the CAS that claims a slot.
	ringCount atomic.Int64

	mu       sync.Mutex
	overflow []Task
}

func newLocalQueue() *localQueue {
	return newLocalQueueCap(localQueueRingSlots)
}

// newLocalQueueCap creates a queue with the given ring capacity
// (spec.md §6's spawns_per_local, wired from config.Config), falling
// back to the package default if n is not positive.
func newLocalQueueCap(n int) *localQueue {
	if n <= 0 {
		n = localQueueRingSlots
	}
	return &localQueue{ring: make([]atomic.Pointer[Task], n), capacity: uint64(n)}
}

// pushOwner is called only by the owning worker goroutine.
func (q *localQueue) pushOwner(t Task) {
	tail := q.tail.Load()
	head := q.head.Load()
	if tail-head < q.capacity {
		tc := t
		q.ring[tail%q.capacity].Store(&tc)
		q.tail.Store(tail + 1)
		q.ringCount.Add(1)
		return
	}

	// Ring full: overflow under the queue's own lock.
	q.mu.Lock()
	q.overflow = append(q.overflow, t)
	q.mu.Unlock()
}

// popOwner is called only by the owning worker goroutine. Claiming a
// ring slot is a CAS (not a plain Store/Swap) on the slot's own
// pointer, the same primitive stealFrom uses: whichever of the two
// wins the CAS on a given physical slot is the only one that ever
// observes its task, so a peer's concurrent steal can neither cause
// this task to run twice nor vanish. head itself is only ever written
// by popOwner (a peer steal never advances it — see stealFrom), so
// walking forward one slot at a time here is race-free; a slot found
// already nil simply means a peer claimed it first, and is skipped
// rather than treated as "queue empty".
func (q *localQueue) popOwner() (Task, bool) {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		if head == tail {
			break
		}

		slot := &q.ring[head%q.capacity]
		if tp := slot.Load(); tp != nil && slot.CompareAndSwap(tp, nil) {
			q.head.Store(head + 1)
			q.ringCount.Add(-1)
			return *tp, true
		}

		// Slot already claimed by a peer's steal (or not yet visible);
		// either way it's done, move past it and keep looking.
		q.head.Store(head + 1)
	}

	q.mu.Lock()
	if n := len(q.overflow); n > 0 {
		t := q.overflow[0]
		q.overflow = q.overflow[1:]
		q.mu.Unlock()
		return t, true
	}
	q.mu.Unlock()
	return nil, false
}

// stealFrom is called by a peer worker to extract one task. Per
// spec.md §4.5.4 step 4, it targets the ring's **second** element
// (head+1), not the first (head) — the slot the owner's own popOwner
// is most likely to be contending for — so a steal only ever races
// the owner for a slot the owner isn't actually about to touch next.
// A queue with fewer than two ring entries has no second element to
// offer, and falls straight through to the overflow fallback.
func (q *localQueue) stealFrom() (Task, bool) {
	head := q.head.Load()
	tail := q.tail.Load()
	if tail-head >= 2 {
		idx := (head + 1) % q.capacity
		slot := &q.ring[idx]
		if tp := slot.Load(); tp != nil && slot.CompareAndSwap(tp, nil) {
			q.ringCount.Add(-1)
			return *tp, true
		}
	}

	q.mu.Lock()
	if n := len(q.overflow); n > 0 {
		t := q.overflow[n-1]
		q.overflow = q.overflow[:n-1]
		q.mu.Unlock()
		return t, true
	}
	q.mu.Unlock()
	return nil, false
}

// queueAll pushes t into overflow unconditionally (used by spawn_all:
// "queue_all: a spawn_all task runs exactly once per worker").
func (q *localQueue) queueAll(t Task) {
	q.mu.Lock()
	q.overflow = append(q.overflow, t)
	q.mu.Unlock()
}

func (q *localQueue) len() int {
	q.mu.Lock()
	n := len(q.overflow)
	q.mu.Unlock()
	return int(q.ringCount.Load()) + n
}
