package alloc

import (
	"sync"

	"github.com/joeycumines/runtimecore/internal/rtsync"
)

// superBlockHeader is the 64-byte reserved head of a NodePool slab
// (spec.md: "Slab reserves 64 bytes at the head for the SuperBlock
// header (refs, freeMap)").
type superBlockHeader struct {
	refs    int
	hasFree bool
}

// nodeSlab is one formatted NodePool slab: a bump frontier plus a
// singly-linked free list threaded through freed items' first words.
type nodeSlab struct {
	slab      *Slab
	itemSize  int
	header    superBlockHeader
	nextFresh int // bump offset into slab.Data past the header
	freeHead  int // offset of first free item, or -1

	// freeList maps an item offset to the next free offset (-1 if
	// none), replacing the source's "link through the first word"
	// trick with an explicit side table — equivalent behavior without
	// reinterpreting allocated bytes as pointers.
	freeList map[int]int
}

func newNodeSlab(s *Slab, itemSize int) *nodeSlab {
	return &nodeSlab{slab: s, itemSize: itemSize, nextFresh: cacheLine, freeHead: -1}
}

func (ns *nodeSlab) allocFromFree() (int, bool) {
	if ns.freeHead < 0 {
		return 0, false
	}
	off := ns.freeHead
	// The freed item's first word holds the next free offset, encoded
	// as itemSize+1 to distinguish "no next" (0) from offset 0... we
	// instead keep the free list out-of-band to avoid needing to
	// reinterpret raw bytes as pointers, which is the Go-idiomatic
	// translation of "freed items link through their first word".
	next := ns.freeList[off]
	ns.freeHead = next
	ns.header.refs++
	if ns.freeHead < 0 {
		ns.header.hasFree = false
	}
	return off, true
}

// NodePool is a non-threadsafe slab allocator of fixed-size items
// backed by a parent pool, per spec.md §4.6.2.
type NodePool struct {
	itemSize  int
	superSize int
	parent    ParentPool

	slabs       []*nodeSlab
	freeSlabIdx []int // indices into slabs with a non-empty free list
}

// NewNodePool creates a pool of itemSize items, formatting slabs of
// superSize bytes (always a caller-chosen power of two) on demand from
// parent.
func NewNodePool(itemSize, superSize int, parent ParentPool) *NodePool {
	return &NodePool{itemSize: itemSize, superSize: superSize, parent: parent}
}

// Map implements spec.md's NodePool map algorithm: consume from a
// slab's free list if any exists; else bump-allocate; else request a
// new slab.
func (p *NodePool) Map() Block {
	for _, idx := range p.freeSlabIdx {
		ns := p.slabs[idx]
		if off, ok := ns.allocFromFree(); ok {
			if !ns.header.hasFree {
				p.removeFreeSlab(idx)
			}
			return Block{Slab: ns.slab, Offset: off, Len: p.itemSize}
		}
	}

	for _, ns := range p.slabs {
		if ns.nextFresh+p.itemSize <= ns.slab.Size {
			off := ns.nextFresh
			ns.nextFresh += p.itemSize
			ns.header.refs++
			return Block{Slab: ns.slab, Offset: off, Len: p.itemSize}
		}
	}

	fresh := p.parent.MapBlock(p.superSize)
	if !fresh.Valid() {
		return Block{}
	}
	ns := newNodeSlab(fresh.Slab, p.itemSize)
	ns.freeList = make(map[int]int)
	p.slabs = append(p.slabs, ns)

	off := ns.nextFresh
	ns.nextFresh += p.itemSize
	ns.header.refs++
	return Block{Slab: ns.slab, Offset: off, Len: p.itemSize}
}

// Unmap decrements the owning slab's refs; at zero, returns the slab
// to the parent pool.
func (p *NodePool) Unmap(b Block) {
	for i, ns := range p.slabs {
		if ns.slab == b.Slab {
			if ns.freeList == nil {
				ns.freeList = make(map[int]int)
			}
			ns.freeList[b.Offset] = ns.freeHead
			ns.freeHead = b.Offset
			if !ns.header.hasFree {
				ns.header.hasFree = true
				p.freeSlabIdx = append(p.freeSlabIdx, i)
			}
			ns.header.refs--
			if ns.header.refs <= 0 {
				p.removeSlab(i)
				p.parent.UnmapBlock(Block{Slab: ns.slab, Offset: 0, Len: ns.slab.Size})
			}
			return
		}
	}
}

func (p *NodePool) removeFreeSlab(idx int) {
	for i, v := range p.freeSlabIdx {
		if v == idx {
			p.freeSlabIdx = append(p.freeSlabIdx[:i], p.freeSlabIdx[i+1:]...)
			return
		}
	}
}

func (p *NodePool) removeSlab(idx int) {
	p.slabs = append(p.slabs[:idx], p.slabs[idx+1:]...)
	p.freeSlabIdx = nil
	for i, ns := range p.slabs {
		if ns.header.hasFree {
			p.freeSlabIdx = append(p.freeSlabIdx, i)
		}
	}
}

func (p *NodePool) Describe() AlignSpec {
	return AlignSpec{Size: p.itemSize, AllocBytes: p.itemSize, AlignBytes: wordSize, Scale: ScaleLine}
}

func (p *NodePool) MapBlock(size int) Block { return p.Map() }
func (p *NodePool) UnmapBlock(b Block)      { p.Unmap(b) }

// NodePoolSync wraps a NodePool with a single static monitor. To avoid
// holding the lock across parent requests, Map drops the lock around
// the parent's MapBlock. After re-acquiring it, Map commits the fresh
// slab without re-checking the existing slabs, so concurrent Map calls
// can each add a slab.
type NodePoolSync struct {
	mu    *rtsync.Monitor
	inner *NodePool
	gate  sync.Mutex // not locked by any method of NodePoolSync
}

// NewNodePoolSync wraps a new NodePool with a monitor built by
// rtsync.StaticNew under the "node_pool" stereotype. Each call builds
// its own monitor; instances do not share one, whatever their item
// size.
func NewNodePoolSync(itemSize, superSize int, parent ParentPool) *NodePoolSync {
	inner := NewNodePool(itemSize, superSize, parent)
	return &NodePoolSync{
		mu:    rtsync.StaticNew("node_pool_sync", "node_pool", rtsync.Strict),
		inner: inner,
	}
}

func (p *NodePoolSync) Map() Block {
	g, _ := p.mu.Enter(false, false)
	// Fast path: try without dropping the lock.
	for _, idx := range p.inner.freeSlabIdx {
		ns := p.inner.slabs[idx]
		if off, ok := ns.allocFromFree(); ok {
			if !ns.header.hasFree {
				p.inner.removeFreeSlab(idx)
			}
			g.Dispose()
			return Block{Slab: ns.slab, Offset: off, Len: p.inner.itemSize}
		}
	}
	for _, ns := range p.inner.slabs {
		if ns.nextFresh+p.inner.itemSize <= ns.slab.Size {
			off := ns.nextFresh
			ns.nextFresh += p.inner.itemSize
			ns.header.refs++
			g.Dispose()
			return Block{Slab: ns.slab, Offset: off, Len: p.inner.itemSize}
		}
	}
	g.Dispose()

	// Slow path: request a new slab from the parent with the lock
	// dropped, then commit it under the lock.
	fresh := p.inner.parent.MapBlock(p.inner.superSize)
	if !fresh.Valid() {
		return Block{}
	}

	g, _ = p.mu.Enter(false, false)
	defer g.Dispose()
	ns := newNodeSlab(fresh.Slab, p.inner.itemSize)
	ns.freeList = make(map[int]int)
	p.inner.slabs = append(p.inner.slabs, ns)
	off := ns.nextFresh
	ns.nextFresh += p.inner.itemSize
	ns.header.refs++
	return Block{Slab: ns.slab, Offset: off, Len: p.inner.itemSize}
}

func (p *NodePoolSync) Unmap(b Block) {
	g, _ := p.mu.Enter(false, false)
	defer g.Dispose()
	p.inner.Unmap(b)
}

func (p *NodePoolSync) Describe() AlignSpec { return p.inner.Describe() }
func (p *NodePoolSync) MapBlock(size int) Block { return p.Map() }
func (p *NodePoolSync) UnmapBlock(b Block)      { p.Unmap(b) }
