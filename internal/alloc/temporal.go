package alloc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/runtimecore/internal/rtlocal"
	"github.com/joeycumines/runtimecore/rtlog"
)

// Temporal bucket sizes, per spec.md §4.6.4.
const (
	temporalSmallSlab  = 32 << 10
	temporalMediumSlab = 256 << 10
	temporalLargeSlab  = 2 << 20

	temporalSmallMax  = 256
	temporalMediumMax = 16 << 10
	temporalLargeMax  = 1 << 20
)

// skewLifetimeFloor/skewFactor are spec.md's "lifetime >= 1s and >= 8x
// the mean of its slab-peers" skew thresholds.
const (
	skewLifetimeFloor = time.Second
	skewFactor        = 8
)

// temporalHead is the per-slab allocation header: AllocHeadPlain
// points back to its slab head, and holds the synthetic fill-refcount
// machinery ("inner_refs trick") described in spec.md §4.6.4.
type temporalHead struct {
	slab    *Slab
	refs    atomic.Int64
	genesis time.Time

	// sampled lifetime-skew bookkeeping.
	mu          sync.Mutex
	allocMs     map[int]int64 // offset -> alloc-relative-ms
	lifetimeSum int64
	lifetimeN   int64
}

func newTemporalHead(s *Slab) *temporalHead {
	return &temporalHead{slab: s, genesis: time.Now(), allocMs: make(map[int]int64)}
}

func (h *temporalHead) relativeMs() int64 {
	return time.Since(h.genesis).Milliseconds()
}

// recordAlloc samples the allocation time for the skew diagnostic.
func (h *temporalHead) recordAlloc(offset int) {
	h.mu.Lock()
	h.allocMs[offset] = h.relativeMs()
	h.mu.Unlock()
}

// recordFree computes this allocation's lifetime and emits a skew
// event if it's an outlier relative to its slab peers.
func (h *temporalHead) recordFree(offset int) {
	now := h.relativeMs()
	h.mu.Lock()
	start, ok := h.allocMs[offset]
	if ok {
		delete(h.allocMs, offset)
	}
	var mean float64
	if h.lifetimeN > 0 {
		mean = float64(h.lifetimeSum) / float64(h.lifetimeN)
	}
	lifetime := now - start
	h.lifetimeSum += lifetime
	h.lifetimeN++
	h.mu.Unlock()

	if !ok {
		return
	}
	lifetimeDur := time.Duration(lifetime) * time.Millisecond
	if lifetimeDur >= skewLifetimeFloor && mean > 0 && float64(lifetime) >= skewFactor*mean {
		rtlog.Warn(rtlog.CategoryAllocator).
			Dur("lifetime", lifetimeDur).
			Float64("slabMeanMs", mean).
			Msg("temporal allocation lifetime skew detected; possible leak")
	}
}

// temporalBucket describes one of the three size classes.
type temporalBucket struct {
	slabSize int
	maxAlloc int
}

var temporalBuckets = [3]temporalBucket{
	{slabSize: temporalSmallSlab, maxAlloc: temporalSmallMax},
	{slabSize: temporalMediumSlab, maxAlloc: temporalMediumMax},
	{slabSize: temporalLargeSlab, maxAlloc: temporalLargeMax},
}

// temporalLocal is one (goroutine, bucket) TemporalBase.
type temporalLocal struct {
	bucket    int // index into temporalBuckets
	head      *temporalHead
	nextFresh int
	innerRefs int64
}

// Temporal is the C5.4 bump allocator. Allocations >= 1 MiB go
// directly to the large parent pool (spec.md: "Allocations >= 1 MiB
// and <= slab size go directly to the large parent pool").
type Temporal struct {
	parent ParentPool
	locals *rtlocal.Registry
	bucketH [3]rtlocal.Handle

	sampleRate int // emit skew diagnostics for 1-in-N allocations; 0 disables sampling entirely
	sampleTick atomic.Uint64

	// headOf recovers a temporalHead from the slab it lives in,
	// standing in for spec.md §9's "model the allocation prefix as an
	// offset to the slab head within the same slab (masking recovers
	// the head)" — Go's GC lets us just carry the mapping directly
	// instead of relying on power-of-two slab alignment and pointer
	// masking.
	headOfMu sync.Mutex
	headOf   map[*Slab]*temporalHead
}

// NewTemporal creates a bump allocator backed by parent for slab
// acquisition (the "large parent pool").
func NewTemporal(parent ParentPool) *Temporal {
	t := &Temporal{parent: parent, locals: rtlocal.New(), sampleRate: 16, headOf: make(map[*Slab]*temporalHead)}
	for i := range temporalBuckets {
		i := i
		t.bucketH[i] = t.locals.RegisterFactory(func() any {
			return &temporalLocal{bucket: i}
		})
	}
	return t
}

func bucketFor(size int) (int, bool) {
	switch {
	case size <= temporalSmallMax:
		return 0, true
	case size <= temporalMediumMax:
		return 1, true
	case size < temporalLargeMax:
		return 2, true
	default:
		return -1, false
	}
}

// Alloc hands out size bytes from the calling goroutine's bucket-local
// bump allocator, attaching or refilling the slab as needed.
func (t *Temporal) Alloc(size int) Block {
	idx, ok := bucketFor(size)
	if !ok {
		// >= 1 MiB: direct to parent.
		return t.parent.MapBlock(size)
	}

	loc := t.bucketH[idx].Get().(*temporalLocal)
	b := temporalBuckets[idx]

	if loc.head == nil {
		if !t.attach(loc, b) {
			return Block{}
		}
	}

	for loc.nextFresh+size > b.slabSize {
		if !t.refill(loc, b) {
			return Block{}
		}
	}

	off := loc.nextFresh
	loc.nextFresh += size
	loc.innerRefs--

	if t.sampleRate > 0 && t.sampleTick.Add(1)%uint64(t.sampleRate) == 0 {
		loc.head.recordAlloc(off)
	}

	return Block{Slab: loc.head.slab, Offset: off, Len: size}
}

// attach binds loc to a fresh slab, setting the synthetic fill
// refcount to the slab's byte size (spec.md's inner-refs trick).
func (t *Temporal) attach(loc *temporalLocal, b temporalBucket) bool {
	fresh := t.parent.MapBlock(b.slabSize)
	if !fresh.Valid() {
		return false
	}
	head := newTemporalHead(fresh.Slab)
	head.refs.Store(int64(b.slabSize))
	loc.head = head
	loc.nextFresh = cacheLine
	loc.innerRefs = int64(b.slabSize)

	t.headOfMu.Lock()
	t.headOf[fresh.Slab] = head
	t.headOfMu.Unlock()

	return true
}

// refill reconciles the synthetic over-count into the slab's real
// refcount in one atomic fetch-sub, then either reuses the slab in
// place (if it dropped to zero, i.e. every allocation already freed)
// or attaches a fresh one.
func (t *Temporal) refill(loc *temporalLocal, b temporalBucket) bool {
	remaining := loc.head.refs.Add(-loc.innerRefs)
	loc.innerRefs = 0
	if remaining == 0 {
		loc.nextFresh = cacheLine
		loc.head.refs.Store(int64(b.slabSize))
		loc.innerRefs = int64(b.slabSize)
		return true
	}
	return t.attach(loc, b)
}

// Free recovers the slab head from block's slab (the real
// implementation masks the power-of-two-aligned slab base per
// spec.md §9's "cyclic references ... model as an offset recoverable
// by masking"; this package instead keeps a slab->head side table,
// since Go's GC makes that safe to do without the alignment trick the
// original needs).
func (t *Temporal) Free(b Block) {
	t.headOfMu.Lock()
	head := t.headOf[b.Slab]
	t.headOfMu.Unlock()
	if head == nil {
		return
	}
	if t.sampleRate > 0 {
		head.recordFree(b.Offset)
	}
	remaining := head.refs.Add(-1)
	if remaining <= 0 {
		t.headOfMu.Lock()
		delete(t.headOf, head.slab)
		t.headOfMu.Unlock()
		t.parent.UnmapBlock(Block{Slab: head.slab, Offset: 0, Len: head.slab.Size})
	}
}
