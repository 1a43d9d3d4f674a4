package rtatomic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaAllocGetFree(t *testing.T) {
	a := NewArena[string]()

	h1 := a.Alloc("one")
	h2 := a.Alloc("two")
	require.NotEqual(t, NoHandle, h1)
	require.NotEqual(t, NoHandle, h2)
	require.NotEqual(t, h1, h2)

	assert.Equal(t, "one", *a.Get(h1))
	assert.Equal(t, "two", *a.Get(h2))
}

func TestArenaFreeAndRecycle(t *testing.T) {
	a := NewArena[int]()
	h1 := a.Alloc(1)
	genBefore := a.Generation(h1)

	a.Free(h1)
	h2 := a.Alloc(2)

	assert.Equal(t, h1, h2, "freed slot should be recycled")
	assert.Equal(t, 2, *a.Get(h2))
	assert.NotEqual(t, genBefore, a.Generation(h2), "generation must bump across free/reuse")
}

func TestArenaLen(t *testing.T) {
	a := NewArena[int]()
	assert.Equal(t, 0, a.Len())
	a.Alloc(1)
	a.Alloc(2)
	assert.Equal(t, 2, a.Len())
}
