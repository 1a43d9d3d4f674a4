package rtatomic

import "sync/atomic"

// Update loads the current value of addr, computes fn(old), and CASes
// it in, retrying until it succeeds; it returns the value observed
// immediately before the winning CAS (spec.md §4.1's `update`).
func Update[T ~uint64](addr *atomic.Uint64, fn func(old T) T) T {
	for {
		old := T(addr.Load())
		new := fn(old)
		if addr.CompareAndSwap(uint64(old), uint64(new)) {
			return old
		}
	}
}

// TryUpdate repeatedly loads addr and invokes fn on a mutable copy;
// fn returns false to abort without writing, true to attempt the CAS.
// Retries only while fn keeps returning true (spec.md §4.1's
// `try_update`). Returns whether a write ultimately landed.
func TryUpdate[T ~uint64](addr *atomic.Uint64, fn func(new *T) bool) bool {
	for {
		old := T(addr.Load())
		next := old
		if !fn(&next) {
			return false
		}
		if addr.CompareAndSwap(uint64(old), uint64(next)) {
			return true
		}
	}
}

// Packed32 is a helper for values that pack two uint32 counters into
// one atomic.Uint64 so they move together atomically. No other package
// in this module uses it: the scheduler's SpawnAll counts outstanding
// replicas with a single atomic.Int64.
type Packed32 struct {
	v atomic.Uint64
}

func pack(hi, lo uint32) uint64 { return uint64(hi)<<32 | uint64(lo) }
func unpack(v uint64) (hi, lo uint32) {
	return uint32(v >> 32), uint32(v)
}

func (p *Packed32) Load() (hi, lo uint32) { return unpack(p.v.Load()) }

func (p *Packed32) Store(hi, lo uint32) { p.v.Store(pack(hi, lo)) }

// AddLo atomically adds delta to the low 32 bits, returning the
// resulting (hi, lo) pair.
func (p *Packed32) AddLo(delta int32) (hi, lo uint32) {
	for {
		old := p.v.Load()
		oh, ol := unpack(old)
		nl := uint32(int32(ol) + delta)
		new := pack(oh, nl)
		if p.v.CompareAndSwap(old, new) {
			return oh, nl
		}
	}
}

// AddHi atomically adds delta to the high 32 bits, returning the
// resulting (hi, lo) pair.
func (p *Packed32) AddHi(delta int32) (hi, lo uint32) {
	for {
		old := p.v.Load()
		oh, ol := unpack(old)
		nh := uint32(int32(oh) + delta)
		new := pack(nh, ol)
		if p.v.CompareAndSwap(old, new) {
			return nh, ol
		}
	}
}
