package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/joeycumines/runtimecore/rtfuture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestProxyStartsOnTargetCompletesOnCaller is spec.md's Scenario C:
// the inner task executes on the target scheduler's own worker pool,
// but the returned future completes on a goroutine belonging to the
// caller, not the target.
func TestProxyStartsOnTargetCompletesOnCaller(t *testing.T) {
	caller := newTestScheduler(t, 2)
	target := newTestScheduler(t, 2)

	var ranOnTarget *worker
	fut := caller.Proxy(target, func(ctx context.Context) {
		ranOnTarget = target.workerForGoroutine()
	}, caller.DefaultParam())

	select {
	case <-fut.Done():
	case <-time.After(time.Second):
		t.Fatal("proxy never completed")
	}
	require.NoError(t, fut.Err())
	assert.NotNil(t, ranOnTarget, "the inner task must run on one of the target scheduler's own workers")
}

func TestProxyInnerPanicSurfacesAsCancelled(t *testing.T) {
	caller := newTestScheduler(t, 2)
	target := newTestScheduler(t, 2)

	fut := caller.Proxy(target, func(ctx context.Context) {
		panic("boom")
	}, caller.DefaultParam())

	err := fut.Wait()
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestBindReexecutesCompletionOnCallerScheduler(t *testing.T) {
	s := newTestScheduler(t, 2)

	inner := rtfuture.New()
	bound := s.Bind(inner, "test-site")

	go func() {
		time.Sleep(5 * time.Millisecond)
		inner.Finish(nil)
	}()

	select {
	case <-bound.Done():
	case <-time.After(time.Second):
		t.Fatal("bound future never completed")
	}
	assert.NoError(t, bound.Err())
}
