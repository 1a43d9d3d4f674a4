package alloc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/runtimecore/rtassert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackedPoolOutstandingReturnsToZero(t *testing.T) {
	parent := NewPlatformPool(4096, 0)
	inner := NewNodePool(32, 4096, parent)
	var tracked atomic.Int64
	tp := NewTrackedPool(inner, "t1", &tracked, false)

	b1 := tp.Map()
	b2 := tp.Map()
	require.True(t, b1.Valid())
	require.True(t, b2.Valid())
	assert.EqualValues(t, 2, tp.Outstanding())
	assert.EqualValues(t, 64, tracked.Load())

	tp.Unmap(b1)
	tp.Unmap(b2)
	assert.EqualValues(t, 0, tp.Outstanding())
	assert.EqualValues(t, 0, tracked.Load())
}

func TestTrackedPoolPoisonFillsOnMapAndFree(t *testing.T) {
	parent := NewPlatformPool(4096, 0)
	inner := NewNodePool(32, 4096, parent)
	var tracked atomic.Int64
	tp := NewTrackedPool(inner, "t1", &tracked, true)

	b := tp.Map()
	require.True(t, b.Valid())
	for _, v := range b.Bytes() {
		assert.Equal(t, byte(poisonFillByte), v)
	}

	tp.Unmap(b)
	for _, v := range b.Bytes() {
		assert.Equal(t, byte(poisonFreeByte), v)
	}
}

func TestTrackedPoolDoubleFreeDetection(t *testing.T) {
	rtassert.SetEnabled(true)
	defer rtassert.SetEnabled(false)

	parent := NewPlatformPool(4096, 0)
	inner := NewNodePool(32, 4096, parent)
	var tracked atomic.Int64
	tp := NewTrackedPool(inner, "t1", &tracked, true)

	b := tp.Map()
	require.True(t, b.Valid())
	tp.Unmap(b)

	assert.Panics(t, func() { tp.Unmap(b) }, "unmapping an already-poisoned block must be detected as a double free")
}

func TestTrackedPoolDescribeDelegatesToInner(t *testing.T) {
	parent := NewPlatformPool(4096, 0)
	inner := NewNodePool(40, 4096, parent)
	tp := NewTrackedPool(inner, "t1", nil, false)
	assert.Equal(t, 40, tp.Describe().Size)
}

func TestMemoryDumperFiresOnWatermark(t *testing.T) {
	var tracked atomic.Int64
	var reasons []string
	dumper := NewMemoryDumper(time.Hour, 0, 0.5, 100, &tracked, func(reason string) {
		reasons = append(reasons, reason)
	})

	tracked.Store(200)
	dumper.MaybeDump()
	require.Len(t, reasons, 1)
	assert.Equal(t, "watermark", reasons[0])
}

func TestMemoryDumperSkipsBelowMinInterval(t *testing.T) {
	var tracked atomic.Int64
	var calls int
	dumper := NewMemoryDumper(time.Hour, time.Hour, 0, 0, &tracked, func(string) { calls++ })

	tracked.Store(1000)
	dumper.MaybeDump()
	dumper.MaybeDump()
	assert.Equal(t, 1, calls, "a second dump within minInterval must be suppressed")
}

func TestMemoryDumperFiresOnInterval(t *testing.T) {
	var tracked atomic.Int64
	var calls int
	dumper := NewMemoryDumper(0, 0, 1<<20, 1<<30, &tracked, func(string) { calls++ })

	dumper.MaybeDump()
	assert.Equal(t, 1, calls, "an interval-only dumper with interval=0 must always fire once minInterval has elapsed")
}

func TestMemoryDumperReentryGuardedByNestingCounter(t *testing.T) {
	var tracked atomic.Int64
	var calls int
	var dumper *MemoryDumper
	dumper = NewMemoryDumper(0, 0, 0, 0, &tracked, func(string) {
		calls++
		dumper.MaybeDump() // reentrant call must be a no-op
	})

	dumper.MaybeDump()
	assert.Equal(t, 1, calls, "reentrant MaybeDump calls must be suppressed by the nesting counter")
}
