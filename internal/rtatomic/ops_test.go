package rtatomic

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdateConcurrentIncrements(t *testing.T) {
	var v atomic.Uint64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Update(&v, func(old uint64) uint64 { return old + 1 })
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 100, v.Load())
}

func TestTryUpdateAbort(t *testing.T) {
	var v atomic.Uint64
	v.Store(5)

	ok := TryUpdate(&v, func(n *uint64) bool {
		if *n >= 5 {
			return false
		}
		*n++
		return true
	})
	assert.False(t, ok)
	assert.EqualValues(t, 5, v.Load())

	ok = TryUpdate(&v, func(n *uint64) bool {
		*n = 10
		return true
	})
	assert.True(t, ok)
	assert.EqualValues(t, 10, v.Load())
}

func TestPacked32(t *testing.T) {
	var p Packed32
	p.Store(1, 2)
	hi, lo := p.Load()
	assert.EqualValues(t, 1, hi)
	assert.EqualValues(t, 2, lo)

	hi, lo = p.AddLo(5)
	assert.EqualValues(t, 1, hi)
	assert.EqualValues(t, 7, lo)

	hi, lo = p.AddHi(3)
	assert.EqualValues(t, 4, hi)
	assert.EqualValues(t, 7, lo)
}
