package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOrderedBucketSerializesAndPreservesOrder is spec.md's Scenario A:
// four workers, one named bucket, ten tasks pushed in order, expect
// enqueue-order execution with no two bucket tasks ever overlapping.
func TestOrderedBucketSerializesAndPreservesOrder(t *testing.T) {
	s := newTestScheduler(t, 4)

	const n = 10
	var mu sync.Mutex
	var order []int
	var running atomic.Int32
	var overlapped atomic.Bool

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		s.Spawn(func(ctx context.Context) {
			defer wg.Done()
			if running.Add(1) > 1 {
				overlapped.Store(true)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			running.Add(-1)
		}, SpawnParam{Bucket: "log"})
	}
	wg.Wait()

	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order, "bucket tasks must observe enqueue order")
	assert.False(t, overlapped.Load(), "at most one bucket task may run at a time across all workers")
}

func TestOrderedBucketDistinctBucketsRunIndependently(t *testing.T) {
	s := newTestScheduler(t, 4)

	var wg sync.WaitGroup
	wg.Add(2)
	var aOrder, bOrder []int
	var mu sync.Mutex

	for i := 0; i < 2; i++ {
		i := i
		s.Spawn(func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			aOrder = append(aOrder, i)
			mu.Unlock()
		}, SpawnParam{Bucket: "a"})
	}
	s.Spawn(func(ctx context.Context) {
		defer wg.Done()
		mu.Lock()
		bOrder = append(bOrder, 0)
		mu.Unlock()
	}, SpawnParam{Bucket: "b"})
	wg.Wait()

	assert.Equal(t, []int{0, 1}, aOrder)
	assert.Equal(t, []int{0}, bOrder)
}

func TestOrderedBucketRunNextReturnsFalseWhenEmpty(t *testing.T) {
	b := newOrderedBucket("empty")
	w := newWorker(0, nil)
	ran := b.runNext(context.Background(), w)
	assert.False(t, ran)
}

func TestOrderedBucketSetReusesSameBucketForSameName(t *testing.T) {
	set := newOrderedBucketSet()
	b1 := set.bucketFor("x")
	b2 := set.bucketFor("x")
	require.Same(t, b1, b2)
}
