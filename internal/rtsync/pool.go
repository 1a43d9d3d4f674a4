package rtsync

import (
	"sync"
	"sync/atomic"
)

// poolSlots is the pooled-monitor table size, per spec.md §4.2: "a
// 4096-slot hash table keyed by owner-pointer hash" (sized to a
// "(2*cores)^2-class" constant in the source; this module follows the
// literal 4096 spec.md gives as the concrete default).
const poolSlots = 4096

// monitorPool is the process-wide pooled-monitor table: monitors are
// lazily constructed on the first Pooled call for a given owner key and
// stored in slot owner % poolSlots, with chaining for collisions.
// Grounded on spec.md §4.2's "pooled monitor" description; there is no
// teacher precedent for this specific structure (eventloop has no
// analogous owner-keyed monitor pool), so it is built directly from
// the spec.
type monitorPool struct {
	slots [poolSlots]atomic.Pointer[poolEntry]
}

type poolEntry struct {
	key  uint64
	m    *Monitor
	next *poolEntry
}

var sharedPool = &monitorPool{}

// Pooled returns (lazily constructing) the shared monitor registered
// for owner, per spec.md's monitor_pool_new(owner_ptr).
func Pooled(owner uint64) *Monitor {
	idx := owner % poolSlots
	for {
		head := sharedPool.slots[idx].Load()
		for e := head; e != nil; e = e.next {
			if e.key == owner {
				return e.m
			}
		}

		newEntry := &poolEntry{
			key:  owner,
			m:    New("pooled", 0, AllowPriorityInversion),
			next: head,
		}
		if sharedPool.slots[idx].CompareAndSwap(head, newEntry) {
			return newEntry.m
		}
		// lost the race; loop and re-scan (another goroutine may have
		// installed an entry for the same owner).
	}
}

// staticOnce is a small helper mirroring the teacher's once-init CAS
// pattern for lazily constructing a monitor the first time it's
// needed, without taking a lock on the hot path afterward.
type staticOnce struct {
	once sync.Once
	m    *Monitor
}

func (s *staticOnce) get(sample string, level Level, policy Policy) *Monitor {
	s.once.Do(func() {
		s.m = New(sample, level, policy)
	})
	return s.m
}
