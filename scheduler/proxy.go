package scheduler

import (
	"context"

	"github.com/joeycumines/runtimecore/rtfuture"
)

// Proxy implements spec.md §6's scheduler.proxy(inner_request, target,
// param, call_site): runs task's start on target's worker pool;
// completion proxies back onto the caller's scheduler (the Future
// returned here completes on a goroutine owned by s, the caller's
// scheduler, not target's), per Scenario C.
func (s *Scheduler) Proxy(target *Scheduler, task Task, param SpawnParam) *rtfuture.Future {
	fut := rtfuture.New()

	target.Spawn(func(ctx context.Context) {
		// Run the inner task on the target scheduler...
		var innerErr error
		func() {
			defer func() {
				if r := recover(); r != nil {
					innerErr = ErrCancelled
				}
			}()
			task(ctx)
		}()

		// ...then bounce completion back onto the caller's scheduler.
		s.Spawn(func(ctx context.Context) {
			fut.Finish(innerErr)
		}, s.DefaultParam())
	}, param)

	return fut
}

// Bind implements spec.md §6's scheduler.bind(inner, call_site):
// re-executes completion of an already-started operation on the
// current scheduler, regardless of which goroutine/scheduler it
// actually finishes on.
func (s *Scheduler) Bind(inner *rtfuture.Future, callSite string) *rtfuture.Future {
	bound := rtfuture.New()

	go func() {
		err := inner.Wait()
		s.Spawn(func(ctx context.Context) {
			bound.Finish(err)
		}, SpawnParam{Priority: ExistingWork, CallSite: callSite})
	}()

	return bound
}
