package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinaryPoolMasterMapUnmapRoundTrip(t *testing.T) {
	parent := NewPlatformPool(256, 0)
	master := NewBinaryPoolMaster(128, parent)

	b := master.Map()
	require.True(t, b.Valid())
	assert.Equal(t, 128, b.Len)
	master.Unmap(b)
}

func TestBinaryPoolMasterSecondMapReusesOtherHalf(t *testing.T) {
	var splits int
	parent := &countingParentPool{mapFn: func() Block {
		splits++
		return Block{Slab: NewSlab(256), Offset: 0, Len: 256}
	}}
	master := NewBinaryPoolMaster(128, parent)

	top := master.Map()
	require.True(t, top.Valid())
	assert.Equal(t, 1, splits, "first Map splits a fresh parent block")

	bottom := master.Map()
	require.True(t, bottom.Valid())
	assert.Equal(t, 1, splits, "second Map must reuse the other half stored by the first split, not ask parent again")
	assert.NotEqual(t, top.Offset, bottom.Offset)
}

func TestBinaryPoolMasterReleasesParentOnlyWhenBothHalvesUnmapped(t *testing.T) {
	var outstanding int
	parent := &countingParentPool{
		mapFn: func() Block {
			outstanding++
			return Block{Slab: NewSlab(256), Offset: 0, Len: 256}
		},
		unmapFn: func(Block) { outstanding-- },
	}
	master := NewBinaryPoolMaster(128, parent)

	top := master.Map()
	bottom := master.Map()
	require.Equal(t, 1, outstanding)

	// Exercise the shared coalescing table directly (unmapToTable),
	// bypassing the per-goroutine retention ring so release ordering is
	// deterministic for this test.
	master.unmapToTable(top)
	assert.Equal(t, 1, outstanding, "parent must not be released after only one half is returned")

	master.unmapToTable(bottom)
	assert.Equal(t, 0, outstanding, "parent block must be released once both halves are accounted for")
}

type countingParentPool struct {
	mapFn   func() Block
	unmapFn func(Block)
}

func (p *countingParentPool) MapBlock(size int) Block { return p.mapFn() }
func (p *countingParentPool) UnmapBlock(b Block) {
	if p.unmapFn != nil {
		p.unmapFn(b)
	}
}

func TestBinaryPoolMasterDescribe(t *testing.T) {
	parent := NewPlatformPool(256, 0)
	master := NewBinaryPoolMaster(128, parent)
	spec := master.Describe()
	assert.Equal(t, 128, spec.Size)
	assert.Equal(t, 128, spec.AllocBytes)
}
