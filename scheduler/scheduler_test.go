package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/runtimecore/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, workers int) *Scheduler {
	t.Helper()
	s := New(config.Apply(config.WithWorkers(workers)))
	s.Start()
	t.Cleanup(func() {
		require.NoError(t, s.ServiceStop().Wait())
	})
	return s
}

func TestSpawnExistingWorkRunsOnCallersOwnWorkerQueue(t *testing.T) {
	s := newTestScheduler(t, 4)

	var outerWorker, innerWorker *worker
	done := make(chan struct{})

	// The inner spawn must not block waiting on the outer task (a
	// worker is single-threaded: the inner task can only run once the
	// outer task returns and the worker's loop pops its own queue
	// again), so outerWorker/innerWorker are only read after done
	// closes, relying on the channel close's happens-before guarantee.
	s.Spawn(func(ctx context.Context) {
		outerWorker = s.workerForGoroutine()

		s.Spawn(func(ctx context.Context) {
			innerWorker = s.workerForGoroutine()
			close(done)
		}, SpawnParam{Priority: ExistingWork})
	}, SpawnParam{Priority: ExistingWork})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("inner task never ran")
	}

	require.NotNil(t, outerWorker, "a task running inside a worker must be able to identify its own worker")
	assert.Same(t, outerWorker, innerWorker, "an ExistingWork spawn issued from inside a worker must land on that worker's own queue")
}

func TestSpawnNewWorkTasksAllComplete(t *testing.T) {
	s := newTestScheduler(t, 4)

	var wg sync.WaitGroup
	wg.Add(8)
	for i := 0; i < 8; i++ {
		s.Spawn(func(ctx context.Context) {
			wg.Done()
		}, SpawnParam{Priority: NewWork})
	}
	wg.Wait()
}

func TestSpawnAllRunsOncePerWorkerAndCompletesOnce(t *testing.T) {
	const n = 4
	s := newTestScheduler(t, n)

	var counter atomic.Int64
	fut := s.SpawnAll(func(ctx context.Context) { counter.Add(1) })

	require.NoError(t, fut.Wait())
	assert.EqualValues(t, n, counter.Load())

	select {
	case <-fut.Done():
	default:
		t.Fatal("future must already be done after Wait returns")
	}
}

func TestSpawnAllSurvivesReplicaPanic(t *testing.T) {
	s := newTestScheduler(t, 3)

	var counter atomic.Int64
	fut := s.SpawnAll(func(ctx context.Context) {
		counter.Add(1)
		panic("replica failure")
	})

	require.NoError(t, fut.Wait(), "a panicking replica must still count toward completion, not hang the future")
	assert.EqualValues(t, 3, counter.Load())
}

func TestForkGeneratorCompletesOnceRefsReachZeroAfterDispose(t *testing.T) {
	s := newTestScheduler(t, 2)

	var count atomic.Int64
	gen := s.Fork(func(ctx context.Context) { count.Add(1) })

	gen.Resume(s.DefaultParam())
	gen.Resume(s.DefaultParam())

	select {
	case <-gen.Done():
		t.Fatal("generator must not complete while resumable and refs outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	gen.Dispose()

	select {
	case <-gen.Done():
	case <-time.After(time.Second):
		t.Fatal("generator should complete once disposed and all resumes finish")
	}
	assert.NoError(t, gen.Err())
	assert.EqualValues(t, 2, count.Load())
}

func TestForkGeneratorCompletesImmediatelyWhenDisposedWithNoResumes(t *testing.T) {
	s := newTestScheduler(t, 2)
	gen := s.Fork(func(ctx context.Context) {})
	gen.Dispose()
	select {
	case <-gen.Done():
	default:
		t.Fatal("a generator disposed with zero outstanding resumes must complete synchronously")
	}
}

func TestSpawnAfterShutdownRunsInline(t *testing.T) {
	s := New(config.Apply(config.WithWorkers(2)))
	s.Start()
	require.NoError(t, s.ServiceStop().Wait())

	ran := false
	s.Spawn(func(ctx context.Context) { ran = true }, s.DefaultParam())
	assert.True(t, ran, "spawns after shutdown must run inline rather than being dropped")
}

func TestStatsReportsWorkerCount(t *testing.T) {
	s := newTestScheduler(t, 5)
	assert.Equal(t, 5, s.Stats().Workers)
}

// TestSpawnFromInsideOrderedBucketTaskRedirectsToOrderedSpawns exercises
// spec.md §4.5.4's ordered-flag effect: a plain (unbucketed) spawn made
// synchronously from inside a bucket task must land in ordered_spawns,
// not the spawning worker's own local queue.
func TestSpawnFromInsideOrderedBucketTaskRedirectsToOrderedSpawns(t *testing.T) {
	s := newTestScheduler(t, 2)

	done := make(chan struct{})
	var nestedRan bool

	s.Spawn(func(ctx context.Context) {
		w := s.workerForGoroutine()
		require.NotNil(t, w)
		require.True(t, w.runningOrdered, "a bucket task must run with the ordered flag set")

		before := w.queue.len()
		s.Spawn(func(ctx context.Context) {
			nestedRan = true
			close(done)
		}, SpawnParam{Priority: ExistingWork})
		assert.Equal(t, before, w.queue.len(), "a spawn made from inside an ordered task must not land on the local queue")
	}, SpawnParam{Bucket: "redirect"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested spawn made from inside an ordered task never ran")
	}
	assert.True(t, nestedRan)
}
