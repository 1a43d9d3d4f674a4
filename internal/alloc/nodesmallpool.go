package alloc

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/runtimecore/internal/rtlocal"

	"golang.org/x/exp/slices"
)

// smallSlabState mirrors spec.md's SlabHeadSmall.state.
type smallSlabState int

const (
	smallAttached smallSlabState = iota
	smallLowFrag
	smallFree
)

// smallSlabHead is spec.md's SlabHeadSmall.
type smallSlabHead struct {
	slab    *Slab
	itemSize int

	state    smallSlabState
	refs     atomic.Int64
	lowFragRefs int64
	reuseRefs   int64

	freesHead atomic.Pointer[smallFreeNode]

	nextFresh int
	itemCount int
}

type smallFreeNode struct {
	offset int
	next   *smallFreeNode
}

func newSmallSlabHead(s *Slab, itemSize int) *smallSlabHead {
	h := &smallSlabHead{slab: s, itemSize: itemSize, nextFresh: cacheLine, state: smallAttached}
	h.itemCount = (s.Size - cacheLine) / itemSize
	// Synthetic upper-bound reference count, per spec.md: "a synthetic
	// reference count (an upper bound estimated as slab_size/8)".
	h.refs.Store(int64(s.Size / 8))
	return h
}

// pushFree atomically head-pushes offset onto this slab's frees list.
func (h *smallSlabHead) pushFree(offset int) {
	node := &smallFreeNode{offset: offset}
	for {
		head := h.freesHead.Load()
		node.next = head
		if h.freesHead.CompareAndSwap(head, node) {
			return
		}
	}
}

// stealFrees atomically takes the entire frees list.
func (h *smallSlabHead) stealFrees() *smallFreeNode {
	return h.freesHead.Swap(nil)
}

// nodeSmallLocal is the thread-local owner of an Attached slab, with a
// private currentFrees list consumed before touching the frontier.
type nodeSmallLocal struct {
	itemSize int
	pool     *NodeSmallPool

	owned        *smallSlabHead
	currentFrees []int
}

// NodeSmallPool is a lock-free small-object pool, per spec.md §4.6.3.
type NodeSmallPool struct {
	itemSize  int
	superSize int
	parent    ParentPool

	locals   *rtlocal.Registry
	localH   rtlocal.Handle

	mu         sync.Mutex // guards the sorted free_slabs vector only
	freeSlabs  []*smallSlabHead
	refillThreshold int

	freedQueueMu sync.Mutex
	freedQueue   []*smallSlabHead

	// registry tracks every smallSlabHead ever created, keyed by its
	// backing slab, so a free from a non-owner thread can locate the
	// owning head even while it's Attached on some other goroutine's
	// local record (ownership itself stays thread-local; only the
	// lookup is shared).
	registryMu sync.Mutex
	registry   map[*Slab]*smallSlabHead
}

// NewNodeSmallPool creates a small-object pool of itemSize items,
// formatting superSize slabs on demand from parent.
func NewNodeSmallPool(itemSize, superSize int, parent ParentPool) *NodeSmallPool {
	p := &NodeSmallPool{itemSize: itemSize, superSize: superSize, parent: parent, refillThreshold: 4, locals: rtlocal.New(), registry: make(map[*Slab]*smallSlabHead)}
	p.localH = p.locals.RegisterFactory(func() any {
		return &nodeSmallLocal{itemSize: itemSize, pool: p}
	})
	return p
}

func (p *NodeSmallPool) local() *nodeSmallLocal {
	return p.localH.Get().(*nodeSmallLocal)
}

// Map allocates one item, per spec.md's thread-local-first algorithm.
func (p *NodeSmallPool) Map() Block {
	loc := p.local()

	if loc.owned == nil {
		if !p.attachSlab(loc) {
			return Block{}
		}
	}

	for {
		if n := len(loc.currentFrees); n > 0 {
			off := loc.currentFrees[n-1]
			loc.currentFrees = loc.currentFrees[:n-1]
			return Block{Slab: loc.owned.slab, Offset: off, Len: p.itemSize}
		}
		if loc.owned.nextFresh+p.itemSize <= loc.owned.slab.Size {
			off := loc.owned.nextFresh
			loc.owned.nextFresh += p.itemSize
			return Block{Slab: loc.owned.slab, Offset: off, Len: p.itemSize}
		}

		// Frontier consumed: latch true refcounts, then try reuse.
		p.latchCounts(loc.owned)
		if p.reuse(loc) {
			continue
		}
		if !p.attachSlab(loc) {
			return Block{}
		}
	}
}

// latchCounts computes {low_frag_refs, reuse_refs} from the actual
// item count once the unformatted frontier is exhausted.
func (p *NodeSmallPool) latchCounts(h *smallSlabHead) {
	h.lowFragRefs = int64(h.itemCount) / 4
	h.reuseRefs = int64(h.itemCount) * 3 / 4
}

// reuse implements spec.md's "the owning thread, when its
// currentFrees is exhausted, calls reuse".
func (p *NodeSmallPool) reuse(loc *nodeSmallLocal) bool {
	h := loc.owned
	if h.refs.Load() <= h.reuseRefs {
		stolen := h.stealFrees()
		count := 0
		for n := stolen; n != nil; n = n.next {
			loc.currentFrees = append(loc.currentFrees, n.offset)
			count++
		}
		if count > 0 {
			h.refs.Add(int64(count))
			return true
		}
	}
	// Demote to LowFrag and release ownership.
	h.state = smallLowFrag
	loc.owned = nil
	return false
}

// attachSlab gives loc a fresh or recycled slab in Attached state.
func (p *NodeSmallPool) attachSlab(loc *nodeSmallLocal) bool {
	p.drainFreedQueue()

	p.mu.Lock()
	if len(p.freeSlabs) > 0 {
		// Emptiest (lowest refs) reused first.
		sort.Slice(p.freeSlabs, func(i, j int) bool {
			return p.freeSlabs[i].refs.Load() < p.freeSlabs[j].refs.Load()
		})
		h := p.freeSlabs[0]
		p.freeSlabs = p.freeSlabs[1:]
		p.mu.Unlock()
		h.state = smallAttached
		loc.owned = h
		return true
	}
	p.mu.Unlock()

	fresh := p.parent.MapBlock(p.superSize)
	if !fresh.Valid() {
		return false
	}
	h := newSmallSlabHead(fresh.Slab, p.itemSize)
	p.registryMu.Lock()
	p.registry[fresh.Slab] = h
	p.registryMu.Unlock()
	loc.owned = h
	return true
}

// Unmap implements the free path: push onto the owning slab's frees
// list from any thread; if LowFrag and refs drop to low_frag_refs,
// transition to Free and enqueue globally.
func (p *NodeSmallPool) Unmap(b Block) {
	h := p.slabHeadFor(b)
	if h == nil {
		return
	}
	h.pushFree(b.Offset)
	remaining := h.refs.Add(-1)
	if h.state == smallLowFrag && remaining <= h.lowFragRefs {
		h.state = smallFree
		p.freedQueueMu.Lock()
		p.freedQueue = append(p.freedQueue, h)
		n := len(p.freedQueue)
		p.freedQueueMu.Unlock()
		if n >= p.refillThreshold {
			p.drainFreedQueue()
		}
	}
}

// slabHeadFor finds the head owning b's slab: a linear scan of
// freeSlabs, then of freedQueue, then a lookup in the registry of
// every head ever created (which also covers Attached slabs owned by
// any goroutine, since Unmap can run on a non-owner thread).
func (p *NodeSmallPool) slabHeadFor(b Block) *smallSlabHead {
	p.mu.Lock()
	for _, h := range p.freeSlabs {
		if h.slab == b.Slab {
			p.mu.Unlock()
			return h
		}
	}
	p.mu.Unlock()

	p.freedQueueMu.Lock()
	for _, h := range p.freedQueue {
		if h.slab == b.Slab {
			p.freedQueueMu.Unlock()
			return h
		}
	}
	p.freedQueueMu.Unlock()

	p.registryMu.Lock()
	h := p.registry[b.Slab]
	p.registryMu.Unlock()
	return h
}

func (p *NodeSmallPool) drainFreedQueue() {
	p.freedQueueMu.Lock()
	drained := p.freedQueue
	p.freedQueue = nil
	p.freedQueueMu.Unlock()
	if len(drained) == 0 {
		return
	}

	p.mu.Lock()
	p.freeSlabs = append(p.freeSlabs, drained...)
	slices.SortFunc(p.freeSlabs, func(a, b *smallSlabHead) int {
		ra, rb := a.refs.Load(), b.refs.Load()
		switch {
		case ra < rb:
			return -1
		case ra > rb:
			return 1
		default:
			return 0
		}
	})
	// Keep at most one fully empty slab; return the rest to the
	// parent.
	emptyKept := false
	kept := p.freeSlabs[:0]
	for _, h := range p.freeSlabs {
		if h.refs.Load() == 0 {
			if emptyKept {
				p.parent.UnmapBlock(Block{Slab: h.slab, Offset: 0, Len: h.slab.Size})
				continue
			}
			emptyKept = true
		}
		kept = append(kept, h)
	}
	p.freeSlabs = kept
	p.mu.Unlock()
}

func (p *NodeSmallPool) Describe() AlignSpec {
	return AlignSpec{Size: p.itemSize, AllocBytes: p.itemSize, AlignBytes: wordSize, Scale: ScaleLine}
}

func (p *NodeSmallPool) MapBlock(size int) Block { return p.Map() }
func (p *NodeSmallPool) UnmapBlock(b Block)      { p.Unmap(b) }
