package affinity

import (
	"github.com/joeycumines/runtimecore/internal/alloc"
	"github.com/joeycumines/runtimecore/internal/rtlocal"
)

// Temporal is spec.md §4.7's temporal affinity variant: a root that
// creates a ThreadLocalTemporalAffinity per goroutine, bound to three
// bump allocators (small/medium/large) plus a map of small-size node
// pools.
type Temporal struct {
	platform *alloc.PlatformPool

	locals *rtlocal.Registry
	localH rtlocal.Handle
}

// NewTemporal creates a temporal affinity root backed directly by the
// platform (each TemporalBase acquires whole slabs from it).
func NewTemporal() *Temporal {
	t := &Temporal{platform: alloc.NewPlatformPool(2<<20, 0)}
	t.locals = rtlocal.New()
	t.localH = t.locals.RegisterFactory(func() any {
		return newTemporalLocal(t.platform)
	})
	return t
}

type temporalLocal struct {
	bump  *alloc.Temporal
	pools map[int]alloc.Pool
}

func newTemporalLocal(platform alloc.ParentPool) *temporalLocal {
	return &temporalLocal{
		bump:  alloc.NewTemporal(platform),
		pools: make(map[int]alloc.Pool),
	}
}

func (t *Temporal) Pool(size, phase int, sample string) alloc.Pool {
	loc := t.localH.Get().(*temporalLocal)
	spec := alloc.SpecOf(size, phase)
	if p, ok := loc.pools[spec.AllocBytes]; ok {
		return p
	}
	p := &temporalBumpPool{bump: loc.bump, size: spec.AllocBytes, phase: phase}
	loc.pools[spec.AllocBytes] = p
	return p
}

func (t *Temporal) Map(size, phase int, sample string) alloc.Block {
	return t.Pool(size, phase, sample).Map()
}

func (t *Temporal) Unmap(b alloc.Block) {
	loc := t.localH.Get().(*temporalLocal)
	loc.bump.Free(b)
}

func (t *Temporal) Bind() Affinity { return t }

// Fork creates an independent temporal scope with its own slab-set
// lifetime: a fresh Temporal root. The returned dispose does nothing;
// the child's slabs are released only as its allocations are unmapped.
func (t *Temporal) Fork(sample string) (Affinity, func()) {
	child := NewTemporal()
	return child, func() {}
}

// temporalBumpPool adapts alloc.Temporal's Alloc/Free pair to the
// Pool interface for a fixed (size, phase).
type temporalBumpPool struct {
	bump  *alloc.Temporal
	size  int
	phase int
}

func (p *temporalBumpPool) Map() alloc.Block   { return p.bump.Alloc(p.size) }
func (p *temporalBumpPool) Unmap(b alloc.Block) { p.bump.Free(b) }
func (p *temporalBumpPool) Describe() alloc.AlignSpec {
	return alloc.AlignSpec{Size: p.size, Phase: p.phase, AllocBytes: p.size}
}
