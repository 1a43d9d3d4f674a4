package scheduler

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/joeycumines/runtimecore/config"
	"github.com/joeycumines/runtimecore/internal/rtcatrate"
	"github.com/joeycumines/runtimecore/rtassert"
	"github.com/joeycumines/runtimecore/rtlog"
)

// hangDetector implements spec.md §4.8's hang detector: if a task's
// execute exceeds assert_duration it logs process-wide runtime stats
// and exits the process only when assertions are enabled or cfg.Fatal
// is set (see reportHang); at complain_duration it logs a warning.
type hangDetector struct {
	cfg config.HangConfig

	mu      sync.Mutex
	running map[int]*runningTask

	complainGate *rtcatrate.Gate
}

type runningTask struct {
	worker int
	start  time.Time
}

// newHangDetector builds a detector whose complain-log rate limiter is
// gated by rateInterval (config.Config.RateInterval — distinct from
// cfg.Check, which drives how often checkAll itself runs).
func newHangDetector(cfg config.HangConfig, rateInterval time.Duration) *hangDetector {
	if rateInterval <= 0 {
		rateInterval = time.Second
	}
	return &hangDetector{
		cfg:          cfg,
		running:      make(map[int]*runningTask),
		complainGate: rtcatrate.NewGate(rateInterval),
	}
}

// begin marks workerIdx as having started a task; the returned func
// must be called when the task finishes.
func (h *hangDetector) begin(workerIdx int) func() {
	h.mu.Lock()
	h.running[workerIdx] = &runningTask{worker: workerIdx, start: time.Now()}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.running, workerIdx)
		h.mu.Unlock()
	}
}

// run periodically checks every currently-running task against the
// configured check interval, per spec.md's "check 10s" default.
func (h *hangDetector) run(ctx context.Context) {
	interval := h.cfg.Check
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.checkAll()
		}
	}
}

func (h *hangDetector) checkAll() {
	h.mu.Lock()
	snapshot := make([]runningTask, 0, len(h.running))
	for _, t := range h.running {
		snapshot = append(snapshot, *t)
	}
	h.mu.Unlock()

	now := time.Now()
	for _, t := range snapshot {
		elapsed := now.Sub(t.start)

		if h.cfg.Complain > 0 && elapsed >= h.cfg.Complain {
			if h.complainGate.Allow(t.worker) {
				rtlog.Warn(rtlog.CategoryHang).Int("worker", t.worker).Dur("elapsed", elapsed).Msg("task running longer than complain threshold")
			}
		}

		assertDur := h.cfg.Assert
		if assertDur <= 0 {
			assertDur = 5 * time.Minute
		}
		if elapsed >= assertDur {
			h.reportHang(t.worker, elapsed)
		}
	}
}

// reportHang logs CPU/context-switch deltas (best-effort via
// runtime.ReadMemStats/NumGoroutine — Go exposes no per-goroutine CPU
// or voluntary/involuntary context-switch counters the way the
// source's platform layer does, so this substitutes process-wide
// runtime stats as the closest available diagnostic) then, if
// assertions are enabled or the config demands it, aborts — per
// SPEC_FULL.md's Open Question 1 resolution: fatality is gated on
// rtassert.Enabled() OR cfg.Fatal, never unconditional.
func (h *hangDetector) reportHang(worker int, elapsed time.Duration) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	rtlog.Error(rtlog.CategoryHang).
		Int("worker", worker).
		Dur("elapsed", elapsed).
		Int("goroutines", runtime.NumGoroutine()).
		Uint64("heapAllocBytes", mem.HeapAlloc).
		Msg("task exceeded hang-detector assert duration")

	if rtassert.Enabled() || h.cfg.Fatal {
		os.Exit(1)
	}
}
