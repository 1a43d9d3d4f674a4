package affinity

import (
	"sync"

	"github.com/joeycumines/runtimecore/internal/alloc"
)

// Platform is spec.md §4.7's pass-through affinity: "pass-through to
// a system heap; its pool(size) returns a fixed-size
// AffinityMallocPool per size cache."
type Platform struct {
	capBytes int64

	mu    sync.Mutex
	pools map[int]*alloc.PlatformPool
}

// NewPlatform creates a platform affinity. capBytes bounds total
// outstanding bytes across every size cache (0 = unbounded), letting
// tests reproduce spec.md Scenario D's constrained-cap OOM path.
func NewPlatform(capBytes int64) *Platform {
	return &Platform{capBytes: capBytes, pools: make(map[int]*alloc.PlatformPool)}
}

func (p *Platform) Pool(size, phase int, sample string) alloc.Pool {
	spec := alloc.SpecOf(size, phase)
	p.mu.Lock()
	defer p.mu.Unlock()
	if pp, ok := p.pools[spec.AllocBytes]; ok {
		return pp
	}
	pp := alloc.NewPlatformPool(spec.AllocBytes, p.capBytes)
	p.pools[spec.AllocBytes] = pp
	return pp
}

func (p *Platform) Map(size, phase int, sample string) alloc.Block {
	return p.Pool(size, phase, sample).Map()
}

func (p *Platform) Unmap(b alloc.Block) {
	p.mu.Lock()
	pp, ok := p.pools[b.Len]
	p.mu.Unlock()
	if ok {
		pp.Unmap(b)
	}
}

func (p *Platform) Bind() Affinity { return p }

func (p *Platform) Fork(sample string) (Affinity, func()) {
	return p, func() {}
}
