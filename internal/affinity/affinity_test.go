package affinity

import (
	"testing"

	"github.com/joeycumines/runtimecore/internal/alloc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInherentPoolMapUnmapRoundTrip(t *testing.T) {
	in := NewInherent()
	b := in.Map(32, 0, "test")
	require.True(t, b.Valid())
	in.Unmap(b)
}

func TestInherentPoolReusesSamePoolForSameSizePhase(t *testing.T) {
	in := NewInherent()
	p1 := in.Pool(32, 0, "test")
	p2 := in.Pool(32, 0, "test")
	assert.Same(t, p1, p2, "repeated Pool calls for the same (size, phase) must share the thread-local pool")
}

func TestInherentBindIsIdentity(t *testing.T) {
	in := NewInherent()
	assert.Same(t, in, in.Bind())
}

func TestInherentForkReturnsSameRootWithNoopDispose(t *testing.T) {
	in := NewInherent()
	child, dispose := in.Fork("sample")
	assert.Same(t, in, child)
	assert.NotPanics(t, dispose)
}

func TestInherentPagePoolProxiedForNonZeroPhase(t *testing.T) {
	in := NewInherent()
	b := in.Map(16<<10, 8, "test")
	require.True(t, b.Valid())
	in.Unmap(b)
}

func TestTemporalPoolMapUnmapRoundTrip(t *testing.T) {
	tm := NewTemporal()
	b := tm.Map(32, 0, "test")
	require.True(t, b.Valid())
	tm.Unmap(b)
}

func TestTemporalPoolReusesSamePoolForSameAllocBytes(t *testing.T) {
	tm := NewTemporal()
	p1 := tm.Pool(32, 0, "test")
	p2 := tm.Pool(32, 0, "test")
	assert.Same(t, p1, p2)
}

func TestTemporalBindIsIdentity(t *testing.T) {
	tm := NewTemporal()
	assert.Same(t, tm, tm.Bind())
}

func TestTemporalForkCreatesIndependentChild(t *testing.T) {
	tm := NewTemporal()
	child, dispose := tm.Fork("sample")
	assert.NotSame(t, tm, child)
	assert.NotPanics(t, dispose)

	// The child's allocations must not be visible to, or interfere
	// with, the parent's bump state.
	b := child.Map(32, 0, "sample")
	require.True(t, b.Valid())
}

func TestPlatformAffinityMapUnmapRoundTrip(t *testing.T) {
	p := NewPlatform(0)
	b := p.Map(64, 0, "test")
	require.True(t, b.Valid())
	p.Unmap(b)
}

func TestPlatformAffinityCachesPoolPerAllocBytes(t *testing.T) {
	p := NewPlatform(0)
	p1 := p.Pool(64, 0, "test")
	p2 := p.Pool(64, 0, "test")
	assert.Same(t, p1, p2)
}

func TestPlatformAffinityCapTriggersOOM(t *testing.T) {
	origHook := alloc.DieHook.Load()
	defer alloc.DieHook.Store(origHook)

	var diedReason string
	hook := func(reason string) { diedReason = reason }
	alloc.DieHook.Store(&hook)

	// size=64 derives AllocBytes=128 (ModelLine rounds to a 64-byte
	// cache line plus an 8-byte locator word); cap to exactly one.
	p := NewPlatform(128)
	b1 := p.Map(64, 0, "test")
	require.True(t, b1.Valid())

	b2 := p.Map(64, 0, "test") // exceeds cap
	assert.False(t, b2.Valid())
	assert.NotEmpty(t, diedReason)
}

func TestPlatformAffinityBindAndForkAreIdentity(t *testing.T) {
	p := NewPlatform(0)
	assert.Same(t, p, p.Bind())
	child, dispose := p.Fork("sample")
	assert.Same(t, p, child)
	assert.NotPanics(t, dispose)
}
