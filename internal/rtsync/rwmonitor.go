package rtsync

import (
	"runtime"
	"sync"
)

// RwMonitor is a reader/writer monitor: one config monitor protects a
// readers registry, and each goroutine that ever enters shared mode
// gets its own per-goroutine reader monitor (spec.md §4.2). The
// registry itself is modeled on the teacher's eventloop/registry.go
// ring-buffer registration/scavenging pattern, reduced to what a
// reader-monitor table needs: register on first use, unregister
// (logically) when a goroutine is known to be done with it.
type RwMonitor struct {
	config  *Monitor
	mu      sync.Mutex
	readers map[uint64]*readerEntry // goroutine id -> reader
	order   []uint64                // registration order, for writer acquisition order
	policy  Policy
}

type readerEntry struct {
	id uint64
	m  *Monitor
}

// NewRw creates an RwMonitor under the given policy.
func NewRw(sample string, policy Policy) *RwMonitor {
	return &RwMonitor{
		config:  New(sample+":config", 0, policy),
		readers: make(map[uint64]*readerEntry),
		policy:  policy,
	}
}

// EnterShared acquires this goroutine's reader monitor, registering it
// under the config monitor on first use.
func (r *RwMonitor) EnterShared(tryOnly bool, realTime bool) (Guard, bool) {
	reader := r.readerFor(goroutineID())
	return reader.m.Enter(tryOnly, realTime)
}

// EnterExclusive acquires the config monitor, then every registered
// reader monitor in registration order, per spec.md §4.2. On a
// try-only acquisition, any step failing rolls back everything
// acquired so far.
func (r *RwMonitor) EnterExclusive(tryOnly bool, realTime bool) (*RwGuard, bool) {
	configGuard, ok := r.config.Enter(tryOnly, realTime)
	if !ok {
		return nil, false
	}

	r.mu.Lock()
	readers := make([]*readerEntry, 0, len(r.order))
	for _, id := range r.order {
		if re, ok := r.readers[id]; ok {
			readers = append(readers, re)
		}
	}
	r.mu.Unlock()

	held := make([]Guard, 0, len(readers))
	for _, re := range readers {
		g, ok := re.m.Enter(tryOnly, realTime)
		if !ok {
			// roll back everything acquired so far, in reverse order
			for i := len(held) - 1; i >= 0; i-- {
				held[i].Dispose()
			}
			configGuard.Dispose()
			return nil, false
		}
		held = append(held, g)
	}

	return &RwGuard{config: configGuard, readers: held}, true
}

func (r *RwMonitor) readerFor(id uint64) *readerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if re, ok := r.readers[id]; ok {
		return re
	}
	re := &readerEntry{id: id, m: New("rw:reader", 0, r.policy)}
	r.readers[id] = re
	r.order = append(r.order, id)
	return re
}

// Unregister removes the calling goroutine's reader registration. Call
// when a goroutine that used EnterShared is known to be finished
// (e.g. a scheduler worker shutting down), mirroring the Go-shaped
// teardown substitute described in SPEC_FULL.md's C3 section — there
// is no automatic "goroutine exit" callback, so cleanup is explicit.
func (r *RwMonitor) Unregister() {
	id := goroutineID()
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.readers, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// RwGuard disposes an exclusive (writer) acquisition: readers release
// in reverse order of acquisition, then config, per spec.md's
// "storing guards in reverse-dispose order".
type RwGuard struct {
	config  Guard
	readers []Guard
}

func (g *RwGuard) Dispose() {
	for i := len(g.readers) - 1; i >= 0; i-- {
		g.readers[i].Dispose()
	}
	g.config.Dispose()
	runtime.KeepAlive(g)
}
