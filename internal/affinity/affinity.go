// Package affinity implements C6: the allocator-affinity graph of
// spec.md §4.7 — Inherent (process-wide sharded pools), Temporal
// (per-goroutine bump-scope), and Platform (pass-through) affinity
// variants, each parenting its allocations through internal/alloc.
package affinity

import (
	"sync"

	"github.com/joeycumines/runtimecore/internal/alloc"
	"github.com/joeycumines/runtimecore/internal/rtlocal"
)

// Affinity is spec.md §4.7's interface: pool/bind/fork/map/unmap.
type Affinity interface {
	Pool(size, phase int, sample string) alloc.Pool
	Map(size, phase int, sample string) alloc.Block
	Unmap(b alloc.Block)
	Bind() Affinity
	Fork(sample string) (child Affinity, dispose func())
}

// Inherent is the process-wide, sharded affinity variant.
type Inherent struct {
	platform *alloc.PlatformPool

	mu      sync.Mutex
	binary  map[int]*alloc.BinaryPoolMaster // keyed by BinaryMasterSize

	locals *rtlocal.Registry
	localH rtlocal.Handle

	masterSizes []int
}

// defaultBinaryMasterSizes matches spec.md §6's documented defaults.
var defaultBinaryMasterSizes = []int{32 << 10, 64 << 10, 128 << 10, 256 << 10, 512 << 10, 1 << 20}

const topBlockSize = 2 << 20 // 2 MiB, platform-backed top of the binary chain

// NewInherent creates the root Inherent affinity.
func NewInherent() *Inherent {
	in := &Inherent{
		platform:    alloc.NewPlatformPool(topBlockSize, 0),
		binary:      make(map[int]*alloc.BinaryPoolMaster),
		locals:      rtlocal.New(),
		masterSizes: defaultBinaryMasterSizes,
	}
	in.localH = in.locals.RegisterFactory(func() any {
		return newInherentLocal(in)
	})
	return in
}

// inherentLocal is AffinityInherentThreadLocal: per-goroutine unique
// pools for each binary size plus page/line pool tables.
type inherentLocal struct {
	root *Inherent

	uniquePools map[int]*alloc.NodeSmallPool // keyed by BinaryMasterSize, lazily created
	linePools   map[int]alloc.Pool           // 16-bucket table, keyed by size
	pagePools   map[int]alloc.Pool           // 32-bucket table, keyed by size
}

func newInherentLocal(root *Inherent) *inherentLocal {
	return &inherentLocal{
		root:        root,
		uniquePools: make(map[int]*alloc.NodeSmallPool),
		linePools:   make(map[int]alloc.Pool),
		pagePools:   make(map[int]alloc.Pool),
	}
}

// binaryMasterFor lazily creates (or fetches) the BinaryPoolMaster
// for blockSize, chained so each larger pool is the parent of the
// next smaller.
func (in *Inherent) binaryMasterFor(blockSize int) *alloc.BinaryPoolMaster {
	in.mu.Lock()
	m, ok := in.binary[blockSize]
	in.mu.Unlock()
	if ok {
		return m
	}

	// Find the chain position: parent is either the next larger
	// master size, or the 2MB platform-backed top block pool. The
	// recursion runs without in.mu held, since the mutex is not
	// reentrant.
	var parent alloc.ParentPool = in.platform
	for _, sz := range in.masterSizes {
		if sz > blockSize {
			parent = in.binaryMasterFor(sz)
			break
		}
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if m, ok := in.binary[blockSize]; ok {
		return m
	}
	m = alloc.NewBinaryPoolMaster(blockSize, parent)
	in.binary[blockSize] = m
	return m
}

// nearestMasterSize picks the smallest configured BinaryMasterSize
// that is >= allocBytes, per spec.md's size/phase matching.
func nearestMasterSize(sizes []int, allocBytes int) (int, bool) {
	for _, sz := range sizes {
		if allocBytes <= sz {
			return sz, true
		}
	}
	return 0, false
}

// Pool implements spec.md §4.7's `pool(size, phase)` matching: exact
// matches for Line scale in a thread-local table; Page scale
// normalized (non-pow2 rounded up for Unique); non-zero-phase page
// pools proxied via a sliding ProxyPool.
func (in *Inherent) Pool(size, phase int, sample string) alloc.Pool {
	spec := alloc.SpecOf(size, phase)
	loc := in.localH.Get().(*inherentLocal)

	switch spec.Scale {
	case alloc.ScaleLine:
		if p, ok := loc.linePools[spec.AllocBytes]; ok {
			return p
		}
		if masterSize, ok := nearestMasterSize(in.masterSizes, spec.AllocBytes); ok {
			parent := in.binaryMasterFor(masterSize)
			p := alloc.NewNodeSmallPool(spec.AllocBytes, masterSize, parent)
			loc.linePools[spec.AllocBytes] = p
			return p
		}
		p := alloc.NewNodePoolSync(spec.AllocBytes, defaultBinaryMasterSizes[0], in.platform)
		loc.linePools[spec.AllocBytes] = p
		return p

	case alloc.ScalePage:
		if p, ok := loc.pagePools[spec.AllocBytes]; ok {
			if phase != 0 {
				return newProxyPool(p, phase)
			}
			return p
		}
		masterSize, _ := nearestMasterSize(in.masterSizes, spec.AllocBytes)
		if masterSize == 0 {
			masterSize = topBlockSize
		}
		parent := in.binaryMasterFor(masterSize)
		p := alloc.NewNodePoolSync(spec.AllocBytes, masterSize, parent)
		loc.pagePools[spec.AllocBytes] = p
		if phase != 0 {
			return newProxyPool(p, phase)
		}
		return p

	default: // ScaleUnique
		if p, ok := loc.uniquePools[spec.AllocBytes]; ok {
			return p
		}
		p := alloc.NewNodeSmallPool(spec.AllocBytes, spec.AllocBytes, in.platform)
		loc.uniquePools[spec.AllocBytes] = p
		return p
	}
}

func (in *Inherent) Map(size, phase int, sample string) alloc.Block {
	return in.Pool(size, phase, sample).Map()
}

func (in *Inherent) Unmap(b alloc.Block) {
	// Unique-scale allocations are unmapped through their backing
	// pool's own bookkeeping: callers are expected to retain the Pool
	// returned by Pool() for long-lived allocations. For the common
	// immediate map/unmap case we can route back through the same
	// thread-local tables.
	loc := in.localH.Get().(*inherentLocal)
	for _, p := range loc.linePools {
		if owns(p, b) {
			p.Unmap(b)
			return
		}
	}
	for _, p := range loc.pagePools {
		if owns(p, b) {
			p.Unmap(b)
			return
		}
	}
	for _, p := range loc.uniquePools {
		if owns(p, b) {
			p.Unmap(b)
			return
		}
	}
}

func owns(p alloc.Pool, b alloc.Block) bool {
	return b.Slab != nil && b.Len <= p.Describe().AllocBytes
}

// Bind returns an affinity bound to the calling goroutine — for
// Inherent, this is a no-op identity since its pools are already
// thread-local-sharded.
func (in *Inherent) Bind() Affinity { return in }

// Fork creates an independent child scope. Inherent's pools are
// process-wide, so fork simply returns the same root with a no-op
// dispose (there's no per-fork lifetime to release).
func (in *Inherent) Fork(sample string) (Affinity, func()) {
	return in, func() {}
}

// proxyPool slides alignment for a non-zero phase over an underlying
// pool, per spec.md's "non-zero-phase page pools proxied via
// ProxyPool that slides alignment".
type proxyPool struct {
	inner alloc.Pool
	phase int
}

func newProxyPool(inner alloc.Pool, phase int) *proxyPool {
	return &proxyPool{inner: inner, phase: phase}
}

func (p *proxyPool) Map() alloc.Block {
	b := p.inner.Map()
	if !b.Valid() {
		return b
	}
	return alloc.Block{Slab: b.Slab, Offset: b.Offset + p.phase, Len: b.Len - p.phase}
}

func (p *proxyPool) Unmap(b alloc.Block) {
	p.inner.Unmap(alloc.Block{Slab: b.Slab, Offset: b.Offset - p.phase, Len: b.Len + p.phase})
}

func (p *proxyPool) Describe() alloc.AlignSpec {
	spec := p.inner.Describe()
	spec.Phase = p.phase
	return spec
}
