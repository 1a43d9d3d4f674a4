package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalQueuePushOwnerPopOwnerFIFO(t *testing.T) {
	q := newLocalQueue()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		q.pushOwner(func(ctx context.Context) { order = append(order, i) })
	}
	for i := 0; i < 3; i++ {
		task, ok := q.popOwner()
		require.True(t, ok)
		task(context.Background())
	}
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestLocalQueuePopOwnerEmptyReturnsFalse(t *testing.T) {
	q := newLocalQueue()
	_, ok := q.popOwner()
	assert.False(t, ok)
}

func TestLocalQueueOverflowsPastRingCapacity(t *testing.T) {
	q := newLocalQueue()
	for i := 0; i < localQueueRingSlots+5; i++ {
		q.pushOwner(func(ctx context.Context) {})
	}
	assert.Equal(t, localQueueRingSlots+5, q.len())

	count := 0
	for {
		_, ok := q.popOwner()
		if !ok {
			break
		}
		count++
	}
	assert.Equal(t, localQueueRingSlots+5, count, "overflowed tasks must still be poppable once the ring drains")
}

func TestLocalQueueStealFromTakesOneTask(t *testing.T) {
	q := newLocalQueue()
	q.pushOwner(func(ctx context.Context) {})
	q.pushOwner(func(ctx context.Context) {})

	_, ok := q.stealFrom()
	require.True(t, ok)
	assert.Equal(t, 1, q.len())
}

func TestLocalQueueStealFromEmptyReturnsFalse(t *testing.T) {
	q := newLocalQueue()
	_, ok := q.stealFrom()
	assert.False(t, ok)
}

func TestLocalQueueQueueAllBypassesRing(t *testing.T) {
	q := newLocalQueue()
	q.queueAll(func(ctx context.Context) {})
	assert.Equal(t, 1, q.len())
	_, ok := q.popOwner()
	assert.True(t, ok)
}

func TestLocalQueueStealFromTakesSecondElementNotFirst(t *testing.T) {
	q := newLocalQueue()
	var ran []int
	q.pushOwner(func(ctx context.Context) { ran = append(ran, 0) })
	q.pushOwner(func(ctx context.Context) { ran = append(ran, 1) })

	stolen, ok := q.stealFrom()
	require.True(t, ok)
	stolen(context.Background())
	assert.Equal(t, []int{1}, ran, "stealFrom must take the second-pushed element, leaving the first for the owner")

	owned, ok := q.popOwner()
	require.True(t, ok)
	owned(context.Background())
	assert.Equal(t, []int{1, 0}, ran)
}

func TestLocalQueuePopOwnerSkipsHoleLeftByConcurrentSteal(t *testing.T) {
	q := newLocalQueue()
	var ran []int
	for i := 0; i < 3; i++ {
		i := i
		q.pushOwner(func(ctx context.Context) { ran = append(ran, i) })
	}

	// Steal the second element (index 1) before the owner pops
	// anything, leaving a hole at that ring index.
	stolen, ok := q.stealFrom()
	require.True(t, ok)
	stolen(context.Background())
	assert.Equal(t, []int{1}, ran)

	// The owner must still see exactly the remaining two tasks, in
	// order, never re-observing the stolen one and never stalling on
	// the hole.
	for {
		task, ok := q.popOwner()
		if !ok {
			break
		}
		task(context.Background())
	}
	assert.Equal(t, []int{1, 0, 2}, ran, "owner must skip the hole and still return its other two tasks exactly once")
}
