package scheduler

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/joeycumines/runtimecore/rtlog"
)

// worker runs one OS-thread-backed cooperative loop: pop from its own
// local queue, else steal from a peer, else drain the external queue,
// else the ordered-spawn bucket, else check named ordered buckets,
// else idle-wait, per spec.md §4.5.4's drain order.
type worker struct {
	idx   int
	sched *Scheduler
	queue *localQueue
	peers []*worker

	goroutineID atomic.Uint64

	// runningOrdered is set for the duration of a task run from an
	// ordered bucket (named, or ordered_spawns itself). It is only
	// ever read/written by this worker's own run() goroutine — the
	// same goroutine that would make a nested Spawn call from inside
	// that task — so it needs no synchronization. spec.md §4.5.4:
	// "Ordered-flag effect on spawn inside an ordered task: spawns are
	// redirected to ordered_spawns instead of the local queue."
	runningOrdered bool

	// wakeCh is spec.md §5's idle_cvar, reduced to a single-slot
	// notification channel: a worker never needs to know how many
	// times it was signaled while idle, only that it was. Using a
	// channel instead of sync.Cond avoids needing a dedicated
	// goroutine per idle cycle just to turn a blocking Wait into a
	// select-able event.
	wakeCh chan struct{}
}

func newWorker(idx int, s *Scheduler) *worker {
	ringCap := 0
	if s != nil {
		ringCap = s.cfg.SpawnsPerLocal
	}
	return &worker{idx: idx, sched: s, queue: newLocalQueueCap(ringCap), wakeCh: make(chan struct{}, 1)}
}

// isPowerOfTwo reports whether n is one of 1, 2, 4, 8, ... — the
// "doubling event" spec.md §4.5.1 gates local-queue wake signals on.
func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

// push places t into the local ring/overflow and, if the resulting
// depth is a doubling-event size (which 1 — the empty-to-non-empty
// transition — is itself an instance of), asks the scheduler to
// signal this worker awake, subject to the awake/peek_threshold gate
// (spec.md §4.5.1: "if local stat indicates a doubling event and
// awake-count below peek_threshold, signal").
func (w *worker) push(t Task) {
	w.queue.pushOwner(t)
	if n := w.queue.len(); isPowerOfTwo(n) {
		w.sched.maybeSignal(w)
	}
}

// pushAll is spawn_all's entry point: every worker must run its own
// replica regardless of awake/threshold state, so this always wakes
// (no gating — spec.md §4.5.2 has no signal-suppression clause).
func (w *worker) pushAll(t Task) {
	w.queue.queueAll(t)
	w.wake()
}

func (w *worker) wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *worker) queuedLen() int { return w.queue.len() }

func (w *worker) drainOnShutdown() {
	// spec.md §5: "in-flight workers drain their queues partially
	// (local and peer) and then exit via the broadcast wake". Here
	// only this worker's own queue is drained, at most twice its ring
	// capacity in tasks, without blocking; peers are not drained.
	ctx := context.Background()
	limit := int(w.queue.capacity) * 2
	for i := 0; i < limit; i++ {
		t, ok := w.queue.popOwner()
		if !ok {
			break
		}
		w.runTask(ctx, t)
	}
}

// run is the worker's main loop, launched once per worker by
// Scheduler.Start.
func (w *worker) run(ctx context.Context) {
	w.goroutineID.Store(goroutineID())
	defer w.sched.locals.ReleaseCurrent()

	kickTimeout := w.sched.cfg.KickTimeout
	if kickTimeout <= 0 {
		kickTimeout = 628 * time.Millisecond
	}
	kick := time.NewTicker(kickTimeout)
	defer kick.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		if t, ok := w.queue.popOwner(); ok {
			w.runTask(ctx, t)
			continue
		}

		if t, ok := w.stealFromPeers(); ok {
			w.runTask(ctx, t)
			continue
		}

		if w.drainExternal(ctx) {
			continue
		}

		if w.sched.orderedSpawns.runNext(ctx, w) {
			continue
		}

		if w.sched.buckets.runAnyPending(ctx, w) {
			continue
		}

		if w.idleWait(ctx, kick.C) {
			continue
		}
		return
	}
}

// drainExternal takes up to spawnsPreCacheTarget/4 tasks off the
// scheduler's external_queue (spec.md §4.5.4 step 7), the landing
// spot for spawns made from outside any worker goroutine (or with
// NewWork priority), rather than a worker's own local ring.
func (w *worker) drainExternal(ctx context.Context) bool {
	batch := w.sched.cfg.SpawnsPreCacheTarget / 4
	if batch <= 0 {
		batch = 1
	}
	tasks := w.sched.external.popUpTo(batch)
	if len(tasks) == 0 {
		return false
	}
	for _, t := range tasks {
		w.runTask(ctx, t)
	}
	return true
}

func (w *worker) runTask(ctx context.Context, t Task) {
	done := w.sched.hang.begin(w.idx)
	defer func() {
		done()
		if r := recover(); r != nil {
			// spec.md §7: "Workers catch nothing; user tasks must not
			// propagate fatal failures" — recovered here only so one
			// bad task can't take down the whole worker loop; the
			// panic value itself is still surfaced via logging, not
			// swallowed silently.
			rtlog.Error(rtlog.CategoryScheduler).Interface("panic", r).Int("worker", w.idx).Msg("task panicked")
		}
	}()
	t(ctx)
}

// stealFromPeers tries every peer worker once, starting from an offset
// fixed per worker (its goroutine id modulo the peer count), so
// different workers start their scan at different peers.
func (w *worker) stealFromPeers() (Task, bool) {
	n := len(w.peers)
	if n <= 1 {
		return nil, false
	}
	start := int(w.goroutineID.Load() % uint64(n))
	for i := 0; i < n; i++ {
		p := w.peers[(start+i)%n]
		if p == w {
			continue
		}
		if t, ok := p.queue.stealFrom(); ok {
			return t, true
		}
	}
	return nil, false
}

// idleWait blocks on wakeCh until woken by a spawner, the kick
// ticker, or shutdown. Returns false if ctx is done.
func (w *worker) idleWait(ctx context.Context, kick <-chan time.Time) bool {
	if w.sched.testHooks != nil && w.sched.testHooks.OnWorkerIdle != nil {
		w.sched.testHooks.OnWorkerIdle(w.idx)
	}

	// spec.md §4.5.4 step 10: "decrement awake ... wait on idle_cvar,
	// then increment awake". The global awake counter is what gates
	// whether a spawn elsewhere bothers to signal at all.
	w.sched.awake.Add(-1)

	select {
	case <-w.wakeCh:
	case <-kick:
	case <-ctx.Done():
		return false
	}

	w.sched.awake.Add(1)

	if w.sched.testHooks != nil && w.sched.testHooks.OnWorkerWake != nil {
		w.sched.testHooks.OnWorkerWake(w.idx)
	}
	return true
}

// goroutineID parses the current goroutine's numeric id out of
// runtime.Stack, matching the technique used throughout this module
// (internal/rtsync, internal/rtlocal) and originating from the
// teacher's eventloop.getGoroutineID.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
