// Package scheduler implements C7: the work-stealing task scheduler
// of spec.md §4.5 — per-worker local queues, a CAS-based ordered
// bucket set, spawn/spawn_all/fork/proxy/bind, and a hang detector.
//
// Grounded on the teacher's eventloop.Loop for the general shape of a
// worker run-loop with an idle condition variable and a periodic kick
// (eventloop/loop.go's StateSleeping/signal dance and its
// createWakeFd-driven wake path), generalized from eventloop's single
// owning goroutine to N cooperating OS-thread-backed worker
// goroutines that steal from each other instead of one loop draining
// its own ingress queues.
package scheduler

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/runtimecore/config"
	"github.com/joeycumines/runtimecore/internal/rtlocal"
	"github.com/joeycumines/runtimecore/rtfuture"
	"github.com/joeycumines/runtimecore/rtlog"
)

// Standard errors, following the teacher's errors.New-var convention
// (eventloop/loop.go).
var (
	// ErrShutdown names the shut-down state. Spawn-family calls made
	// after shutdown run the task inline (spec.md §5: "future spawn
	// calls run inline") and do not return it; no function in this
	// package returns it.
	ErrShutdown = errors.New("scheduler: shut down")

	// ErrCancelled is the error a Proxy future completes with when the
	// proxied task panics on the target scheduler.
	ErrCancelled = errors.New("scheduler: cancelled")
)

// Priority is spec.md §5's spawn priority: "ExistingWork prefers
// local-queue; NewWork prefers external queue (favoring latency over
// locality)".
type Priority int

const (
	ExistingWork Priority = iota
	NewWork
)

// SpawnParam configures one spawn call.
type SpawnParam struct {
	Priority Priority
	Bucket   string // non-empty selects an ordered bucket
	CallSite string // diagnostic token
}

// Task is user work the scheduler runs to completion on one worker,
// never suspending the worker stack (spec.md §5: "no stackful
// coroutine suspension").
type Task func(ctx context.Context)

// testHooks provides injection points for deterministic race testing,
// mirroring eventloop's loopTestHooks.
type testHooks struct {
	OnWorkerIdle  func(workerIdx int)
	OnWorkerWake  func(workerIdx int)
	OnSpawn       func(p SpawnParam)
	OnHangWarn    func(callSite string, elapsed time.Duration)
}

// Scheduler is the C7 component.
type Scheduler struct {
	cfg config.Config

	workers []*worker
	buckets *orderedBucketSet

	// orderedSpawns is spec.md §4.5's "single thread-safe bucket for
	// spawns from an ordered task" (§4.5.4 step 8), distinct from the
	// named-bucket ordered_set (step 9): every worker checks it
	// directly each loop iteration rather than it self-scheduling a
	// pump task the way named buckets do.
	orderedSpawns *orderedBucket

	// external is spec.md §4.5's external_queue: the landing spot for
	// spawns made from outside any worker goroutine, or with NewWork
	// priority (§4.5.1's "Otherwise" branch).
	external *externalQueue

	locals *rtlocal.Registry

	nextWorker atomic.Uint64

	// awake is spec.md §4.5's global "awake" counter: how many
	// workers are not currently parked in idleWait. Spawns consult it
	// (via maybeSignal) against cfg.PeekThreshold before bothering to
	// wake anyone — redundant signals are wasted work once enough
	// workers are already running.
	awake atomic.Int32

	shutdown atomic.Bool
	wg       sync.WaitGroup

	hang *hangDetector

	testHooks *testHooks

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler with cfg.Workers workers (0 means
// runtime.GOMAXPROCS(0), per config.Default's documented default).
func New(cfg config.Config) *Scheduler {
	n := cfg.Workers
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cfg:           cfg,
		buckets:       newOrderedBucketSet(),
		orderedSpawns: newOrderedBucket(""),
		external:      newExternalQueue(),
		locals:        rtlocal.New(),
		ctx:           ctx,
		cancel:        cancel,
	}

	s.workers = make([]*worker, n)
	for i := 0; i < n; i++ {
		s.workers[i] = newWorker(i, s)
	}

	// spec.md §4.5's "vector of peer queues (allocated with fixed
	// capacity 48; actual used count atomic)": each worker's peer set
	// is capped at cfg.PeersCapacity entries (drawn from the full
	// worker set), not left unbounded at the total worker count.
	peerCap := cfg.PeersCapacity
	if peerCap <= 0 || peerCap > len(s.workers) {
		peerCap = len(s.workers)
	}
	for _, w := range s.workers {
		w.peers = s.workers[:peerCap]
	}

	s.hang = newHangDetector(cfg.Hang, cfg.RateInterval)

	return s
}

// Start launches every worker goroutine and the hang detector.
func (s *Scheduler) Start() {
	s.awake.Store(int32(len(s.workers)))
	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w *worker) {
			defer s.wg.Done()
			w.run(s.ctx)
		}(w)
	}
	go s.hang.run(s.ctx)
}

// maybeSignal wakes w only if fewer than cfg.PeekThreshold workers
// are currently awake (spec.md §4.5.1's threshold-gated signal).
func (s *Scheduler) maybeSignal(w *worker) {
	threshold := s.cfg.PeekThreshold
	if threshold <= 0 {
		threshold = len(s.workers)
	}
	if int(s.awake.Load()) < threshold {
		w.wake()
	}
}

// DefaultParam implements spec.md §6's scheduler.default_param().
func (s *Scheduler) DefaultParam() SpawnParam {
	return SpawnParam{Priority: ExistingWork}
}

// Spawn implements spec.md §4.5.1: enqueues task according to param,
// preferring the local queue for ExistingWork and the external
// (round-robin peer) path for NewWork. If an ordered bucket is named,
// the task is pushed there instead and serialized against its peers.
func (s *Scheduler) Spawn(task Task, param SpawnParam) {
	if s.testHooks != nil && s.testHooks.OnSpawn != nil {
		s.testHooks.OnSpawn(param)
	}

	if s.shutdown.Load() {
		// spec.md §5: "future spawn calls run inline".
		task(s.ctx)
		return
	}

	if param.Bucket != "" {
		s.buckets.push(param.Bucket, task, s)
		return
	}

	if w := s.workerForGoroutine(); w != nil && w.runningOrdered {
		// spec.md §4.5.4: "Ordered-flag effect on spawn inside an
		// ordered task: spawns are redirected to ordered_spawns
		// instead of the local queue, keeping them low priority."
		s.orderedSpawns.push(task)
		return
	}

	if param.Priority == ExistingWork {
		if w := s.workerForGoroutine(); w != nil {
			w.push(task)
			return
		}
	}

	// spec.md §4.5.1's "Otherwise" branch: NewWork, or a spawn from a
	// goroutine that isn't any worker's own run loop — lands in
	// external_queue rather than straight into one worker's local
	// ring, and wakes a worker only on the empty-to-non-empty
	// transition, same threshold-gated signal as a local push.
	idx := s.nextWorker.Add(1) % uint64(len(s.workers))
	target := s.workers[idx]
	if s.external.pushIfEmpty(task) {
		s.maybeSignal(target)
	}
}

// pickWorker selects a worker for internal scheduler plumbing (e.g.
// which worker runs an ordered bucket's drain-pump task) — not part
// of the user-facing Spawn routing above.
func (s *Scheduler) pickWorker(param SpawnParam) *worker {
	if param.Priority == ExistingWork {
		if gw := s.workerForGoroutine(); gw != nil {
			return gw
		}
	}
	idx := s.nextWorker.Add(1) % uint64(len(s.workers))
	return s.workers[idx]
}

// workerForGoroutine returns the worker whose run loop is executing
// the calling goroutine, if any (spawns from inside a task prefer
// their own worker's local queue). Computes the calling goroutine's id
// fresh on every call and matches it against each worker's own
// persistently-stored id, mirroring the teacher's isLoopThread check
// generalized from one loop goroutine to N.
func (s *Scheduler) workerForGoroutine() *worker {
	gid := goroutineID()
	for _, w := range s.workers {
		if w.goroutineID.Load() == gid {
			return w
		}
	}
	return nil
}

// SpawnAll implements spec.md §6's scheduler.spawn_all(task): runs one
// copy of task on every worker and completes when all copies finish.
func (s *Scheduler) SpawnAll(task Task) *rtfuture.Future {
	fut := rtfuture.New()
	if len(s.workers) == 0 {
		fut.Finish(nil)
		return fut
	}

	var remaining atomic.Int64
	remaining.Store(int64(len(s.workers)))

	replica := func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				rtlog.Error(rtlog.CategoryScheduler).Interface("panic", r).Msg("spawn_all replica panicked")
			}
			if remaining.Add(-1) == 0 {
				fut.Finish(nil)
			}
		}()
		task(ctx)
	}

	for _, w := range s.workers {
		w.pushAll(replica)
	}

	return fut
}

// Fork implements spec.md §6's scheduler.fork(&mut task_ref) ->
// Generator: a refcounted handle over repeated invocations of task,
// completing once its refcount returns to zero and the caller
// disposes it (testable property 8).
func (s *Scheduler) Fork(task Task) *Generator {
	return newGenerator(s, task)
}

// Generator is spec.md's fork() result: callers Resume() it to spawn
// another invocation, and Dispose() it when done; the generator's
// Future completes once refs hit zero and disposed is true.
type Generator struct {
	s    *Scheduler
	task Task

	mu       sync.Mutex
	refs     int64
	disposed bool
	fut      *rtfuture.Future
}

func newGenerator(s *Scheduler, task Task) *Generator {
	return &Generator{s: s, task: task, fut: rtfuture.New()}
}

// Resume spawns one more invocation of the generator's task.
func (g *Generator) Resume(param SpawnParam) {
	g.mu.Lock()
	g.refs++
	g.mu.Unlock()

	g.s.Spawn(func(ctx context.Context) {
		defer g.complete()
		g.task(ctx)
	}, param)
}

func (g *Generator) complete() {
	g.mu.Lock()
	g.refs--
	done := g.refs == 0 && g.disposed
	g.mu.Unlock()
	if done {
		g.fut.Finish(nil)
	}
}

// Dispose marks the generator as no longer resumable; it completes
// immediately if refcount is already zero.
func (g *Generator) Dispose() {
	g.mu.Lock()
	g.disposed = true
	done := g.refs == 0
	g.mu.Unlock()
	if done {
		g.fut.Finish(nil)
	}
}

func (g *Generator) Done() <-chan struct{} { return g.fut.Done() }
func (g *Generator) Err() error            { return g.fut.Err() }

// ServiceStart/ServiceStop implement spec.md §6's lifecycle requests.
func (s *Scheduler) ServiceStart() *rtfuture.Future {
	fut := rtfuture.New()
	s.Start()
	fut.Finish(nil)
	return fut
}

func (s *Scheduler) ServiceStop() *rtfuture.Future {
	fut := rtfuture.New()
	go func() {
		s.shutdown.Store(true)
		s.cancel()
		for _, w := range s.workers {
			w.wake()
		}
		s.wg.Wait()
		for _, w := range s.workers {
			w.drainOnShutdown()
		}
		fut.Finish(nil)
	}()
	return fut
}

// Stats is a supplemental accessor exposing basic scheduler load info
// for diagnostics/tests.
type Stats struct {
	Workers int
	Queued  int
}

func (s *Scheduler) Stats() Stats {
	q := 0
	for _, w := range s.workers {
		q += w.queuedLen()
	}
	return Stats{Workers: len(s.workers), Queued: q}
}
