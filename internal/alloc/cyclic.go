package alloc

import (
	"sort"
	"sync"

	"github.com/joeycumines/runtimecore/internal/rtlocal"
)

// CyclicElementCaps/CyclicSlabSizes match the five-unit table in spec.md §6: element caps
// {32,160,896,3840,16384}, slab sizes {208,1088,5376,22912,98304}.
var (
	CyclicElementCaps = [5]int{32, 160, 896, 3840, 16384}
	CyclicSlabSizes   = [5]int{208, 1088, 5376, 22912, 98304}
)

// cyclicSlab is one slab in a CyclicPool root's chain.
type cyclicSlab struct {
	block     Block
	tier      int
	allocCount int
	freeList  []int // offsets available for reuse
}

func (s *cyclicSlab) freeCount() int { return len(s.freeList) }

// CyclicPoolDesc is spec.md's per-user descriptor: the element size
// and the platform pool backing its five slab tiers.
//
// Each tier hands out whole CyclicSlabSizes[tier]-byte chunks straight
// from platform, one chunk per Map/grow call — a NodePool (which
// reserves a 64-byte header and expects many items per internal slab)
// is the wrong shape here, since a tier's "item" IS an entire backing
// slab; wrapping one would overrun the slab on the very first
// allocation once the header is accounted for.
type CyclicPoolDesc struct {
	Name         string
	ElementBytes int
	PoolMin      int // smallest tier that fits ElementBytes

	platform ParentPool
}

// NewCyclicPoolDesc builds the descriptor for elementBytes-sized
// elements, with each tier's slabs sourced directly from platform.
func NewCyclicPoolDesc(name string, elementBytes int, platform ParentPool) *CyclicPoolDesc {
	d := &CyclicPoolDesc{Name: name, ElementBytes: elementBytes, platform: platform}
	d.PoolMin = 4
	for i, cap := range CyclicElementCaps {
		if elementBytes <= cap {
			d.PoolMin = i
			break
		}
	}
	return d
}

// cyclicRoot is the per-goroutine CyclicSlabRootPointer: either empty
// (sentinel) or pointing at a root slab plus its chain of additional
// saturated-tier slabs and a pending "returns" list.
type cyclicRoot struct {
	desc *CyclicPoolDesc

	root    *cyclicSlab
	chain   []*cyclicSlab
	returns []*cyclicSlab
}

// CyclicPool is the thread-local front end over a CyclicPoolDesc.
type CyclicPool struct {
	desc   *CyclicPoolDesc
	locals *rtlocal.Registry
	rootH  rtlocal.Handle

	mu sync.Mutex // protects nothing shared by default; reserved for future cross-goroutine stats
}

// NewCyclicPool creates the thread-local front end for desc.
func NewCyclicPool(desc *CyclicPoolDesc) *CyclicPool {
	p := &CyclicPool{desc: desc, locals: rtlocal.New()}
	p.rootH = p.locals.RegisterFactory(func() any {
		return &cyclicRoot{desc: desc}
	})
	return p
}

func (p *CyclicPool) local() *cyclicRoot {
	return p.rootH.Get().(*cyclicRoot)
}

func elementsPerSlab(tier int) int {
	return CyclicSlabSizes[tier] / CyclicElementCaps[tier]
}

// Map implements spec.md §4.6.5's growth algorithm.
func (p *CyclicPool) Map() Block {
	r := p.local()

	if r.root == nil {
		return p.growFirst(r)
	}

	if b, ok := p.allocFromSlab(r.root); ok {
		return b
	}

	// Root exhausted: consult the returns chain before growing.
	if p.refillFromReturns(r) {
		if b, ok := p.allocFromSlab(r.root); ok {
			return b
		}
	}

	return p.grow(r)
}

func (p *CyclicPool) growFirst(r *cyclicRoot) Block {
	tier := r.desc.PoolMin
	blk := r.desc.platform.MapBlock(CyclicSlabSizes[tier])
	if !blk.Valid() {
		return Block{}
	}
	s := &cyclicSlab{block: blk, tier: tier}
	r.root = s
	b, _ := p.allocFromSlab(s)
	return b
}

// grow implements "on subsequent misses, if root is still in an
// unsaturated tier (<4), detach it and allocate a larger root; if
// root is saturated (tier 4), allocate an additional slab and keep it
// on the root's chain".
func (p *CyclicPool) grow(r *cyclicRoot) Block {
	if r.root.tier < 4 {
		old := r.root
		r.chain = append(r.chain, old)
		nextTier := old.tier + 1
		blk := r.desc.platform.MapBlock(CyclicSlabSizes[nextTier])
		if !blk.Valid() {
			return Block{}
		}
		r.root = &cyclicSlab{block: blk, tier: nextTier}
		b, _ := p.allocFromSlab(r.root)
		return b
	}

	tier := r.root.tier
	blk := r.desc.platform.MapBlock(CyclicSlabSizes[tier])
	if !blk.Valid() {
		return Block{}
	}
	s := &cyclicSlab{block: blk, tier: tier}
	r.chain = append(r.chain, s)
	b, _ := p.allocFromSlab(s)
	return b
}

func (p *CyclicPool) allocFromSlab(s *cyclicSlab) (Block, bool) {
	elemSize := CyclicElementCaps[s.tier]
	if n := len(s.freeList); n > 0 {
		off := s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
		s.allocCount++
		return Block{Slab: s.block.Slab, Offset: s.block.Offset + off, Len: elemSize}, true
	}
	used := s.allocCount * elemSize
	if used+elemSize <= s.block.Len {
		off := used
		s.allocCount++
		return Block{Slab: s.block.Slab, Offset: s.block.Offset + off, Len: elemSize}, true
	}
	return Block{}, false
}

// refillFromReturns re-sorts returned slabs by free-count (emptiest
// first), keeps at most one fully-empty saturated slab, and releases
// the rest, then makes the emptiest returned slab the new root.
func (p *CyclicPool) refillFromReturns(r *cyclicRoot) bool {
	if len(r.returns) == 0 {
		return false
	}
	sort.Slice(r.returns, func(i, j int) bool {
		return r.returns[i].freeCount() > r.returns[j].freeCount()
	})

	emptyKept := false
	kept := r.returns[:0]
	for _, s := range r.returns {
		fullyEmpty := s.allocCount == 0
		if fullyEmpty && s.tier == 4 {
			if emptyKept {
				r.desc.platform.UnmapBlock(s.block)
				continue
			}
			emptyKept = true
		}
		kept = append(kept, s)
	}
	r.returns = kept
	if len(r.returns) == 0 {
		return false
	}

	next := r.returns[0]
	r.returns = r.returns[1:]
	r.chain = append(r.chain, r.root)
	r.root = next
	return true
}

// Unmap implements spec.md's free path.
func (p *CyclicPool) Unmap(b Block) {
	r := p.local()

	slab := p.findSlab(r, b.Slab, b.Offset)
	if slab == nil {
		return
	}

	if slab == r.root {
		slab.freeList = append(slab.freeList, b.Offset-slab.block.Offset)
		slab.allocCount--
		return
	}

	elemSize := CyclicElementCaps[slab.tier]
	slab.freeList = append(slab.freeList, b.Offset-slab.block.Offset)
	slab.allocCount--

	if slab.tier < 4 && slab.allocCount == 0 {
		p.removeFromChain(r, slab)
		r.desc.platform.UnmapBlock(slab.block)
		_ = elemSize
		return
	}

	p.removeFromChain(r, slab)
	r.returns = append(r.returns, slab)
}

func (p *CyclicPool) findSlab(r *cyclicRoot, s *Slab, offset int) *cyclicSlab {
	if r.root != nil && r.root.block.Slab == s && offset >= r.root.block.Offset && offset < r.root.block.Offset+r.root.block.Len {
		return r.root
	}
	for _, c := range r.chain {
		if c.block.Slab == s {
			return c
		}
	}
	for _, c := range r.returns {
		if c.block.Slab == s {
			return c
		}
	}
	return nil
}

func (p *CyclicPool) removeFromChain(r *cyclicRoot, target *cyclicSlab) {
	for i, c := range r.chain {
		if c == target {
			r.chain = append(r.chain[:i], r.chain[i+1:]...)
			return
		}
	}
}

// Finalize returns all slabs and the root to their tier pools, per
// spec.md's "on finalize (destructor) all slabs and the root are
// returned to their tier pools".
func (p *CyclicPool) Finalize() {
	r := p.local()
	if r.root != nil {
		r.desc.platform.UnmapBlock(r.root.block)
		r.root = nil
	}
	for _, c := range r.chain {
		r.desc.platform.UnmapBlock(c.block)
	}
	r.chain = nil
	for _, c := range r.returns {
		r.desc.platform.UnmapBlock(c.block)
	}
	r.returns = nil
}

func (p *CyclicPool) Describe() AlignSpec {
	return AlignSpec{Size: p.desc.ElementBytes, AllocBytes: CyclicElementCaps[p.desc.PoolMin], AlignBytes: wordSize, Scale: ScaleLine}
}

func (p *CyclicPool) MapBlock(size int) Block { return p.Map() }
func (p *CyclicPool) UnmapBlock(b Block)      { p.Unmap(b) }
