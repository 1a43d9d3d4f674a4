package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockBytesAndValid(t *testing.T) {
	var zero Block
	assert.False(t, zero.Valid())
	assert.Nil(t, zero.Bytes())

	slab := NewSlab(64)
	b := Block{Slab: slab, Offset: 8, Len: 16}
	assert.True(t, b.Valid())
	assert.Len(t, b.Bytes(), 16)

	b.Bytes()[0] = 0xFF
	assert.Equal(t, byte(0xFF), slab.Data[8])
}

func TestNewSlabZeroed(t *testing.T) {
	s := NewSlab(32)
	assert.Equal(t, 32, s.Size)
	assert.Len(t, s.Data, 32)
	for _, b := range s.Data {
		assert.Zero(t, b)
	}
}
