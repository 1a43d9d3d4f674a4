// Package rtsync implements C2: monitors and condition variables with
// level-ordering verification, a shared pooled-monitor table, and a
// reader/writer monitor with per-reader sub-locks. Grounded on the
// teacher's eventloop/state.go (CAS-only concurrency discipline, no
// mutex in the hot state-machine path) generalized to the fuller
// monitor contract spec.md §4.2 describes, plus catrate-gated
// contention reporting (see contention.go).
package rtsync

import (
	"runtime"
	"sync"
	"time"

	"github.com/joeycumines/runtimecore/rtassert"
	"github.com/joeycumines/runtimecore/rtlog"
)

// Policy controls how a real-time-vs-non-real-time acquisition
// ordering is treated, per spec.md §4.2.
type Policy int

const (
	// Strict reports any acquisition by a real-time thread.
	Strict Policy = iota
	// AllowRt reports a non-real-time acquisition observed after a
	// real-time acquisition (possible inversion), but not the
	// real-time acquisition itself.
	AllowRt
	// AllowPriorityInversion suppresses all policy reporting.
	AllowPriorityInversion
)

// Level is the monitor's position in the level-ordering hierarchy:
// a monitor of level L may only be entered while every monitor
// currently held by this goroutine has level < L.
type Level int

// Guard is returned by Enter; Dispose releases the monitor. A nil
// Guard (zero value with ok=false from Enter with tryOnly set)
// indicates contention on a try-only acquisition.
type Guard struct {
	m *Monitor
}

// Dispose releases the monitor associated with this guard.
func (g Guard) Dispose() {
	if g.m == nil {
		return
	}
	g.m.exit()
}

// Monitor is mutual exclusion with level-ordering verification and
// policy-gated real-time inversion reporting. It subsumes spec.md's
// "platform", "verifying-debug" and "static" monitor variants: the
// verification bookkeeping is always compiled in, but whether a
// violation panics or only logs is controlled by rtassert.Enabled(),
// the Go-appropriate reading of "debug vs release" (see SPEC_FULL.md
// Open Question 1).
type Monitor struct {
	sample   string
	level    Level
	policy   Policy
	mu       sync.Mutex
	rtEver   bool // has ever been entered by a real-time goroutine
	gauge    *contentionGauge
}

// New creates a monitor at the given level and policy. sample is an
// opaque diagnostic token (spec.md's "sample"), used as the log/trace
// key.
func New(sample string, level Level, policy Policy) *Monitor {
	return &Monitor{
		sample: sample,
		level:  level,
		policy: policy,
		gauge:  newContentionGauge(sample),
	}
}

// StaticNew creates a process-lifetime monitor with a fixed
// "stereotype" (category) used purely for diagnostics, per spec.md's
// monitor_static_new.
func StaticNew(sample, stereotype string, policy Policy) *Monitor {
	m := New(sample+":"+stereotype, 0, policy)
	return m
}

// Level returns the monitor's configured level.
func (m *Monitor) Level() Level { return m.level }

// IsAcquired reports whether the calling goroutine currently holds
// this monitor (per spec.md's is_acquired).
func (m *Monitor) IsAcquired() bool {
	return heldStack.current().holds(m)
}

// Enter acquires the monitor, blocking unless tryOnly is set. It
// returns a Guard; on a failed try-only acquisition, Guard is the zero
// value and ok is false.
func (m *Monitor) Enter(tryOnly bool, realTime bool) (Guard, bool) {
	stack := heldStack.current()
	// Ordering check runs unconditionally; rtassert.Check itself is
	// what gates on rtassert.Enabled() for the failure mode.
	if top, ok := stack.top(); ok {
		rtassert.Check(top.level < m.level, "monitor: level violation",
			"entering", m.sample, "level", m.level,
			"holding", top.sample, "heldLevel", top.level)
	}

	start := time.Now()
	if tryOnly {
		if !m.mu.TryLock() {
			return Guard{}, false
		}
	} else {
		m.mu.Lock()
	}

	m.reportPolicy(realTime)
	waited := time.Since(start)
	m.gauge.observe(m.sample, waited, tryOnly)

	stack.push(heldEntry{m: m, level: m.level, sample: m.sample})
	return Guard{m: m}, true
}

func (m *Monitor) exit() {
	heldStack.current().pop(m)
	m.mu.Unlock()
}

func (m *Monitor) reportPolicy(realTime bool) {
	switch m.policy {
	case AllowPriorityInversion:
		return
	case Strict:
		if realTime {
			m.logPolicy("real-time thread entered monitor under Strict policy")
		}
	case AllowRt:
		if realTime {
			m.rtEver = true
			return
		}
		if m.rtEver {
			m.logPolicy("non real-time acquisition after real-time acquisition: possible priority inversion")
		}
	}
}

func (m *Monitor) logPolicy(msg string) {
	if !policyGate.Allow(m.sample) {
		return
	}
	rtlog.Warn(rtlog.CategoryMonitor).Str("sample", m.sample).Msg(msg)
}

// heldEntry is one frame of a goroutine's held-monitor stack.
type heldEntry struct {
	m      *Monitor
	level  Level
	sample string
}

// heldMonitors is the per-goroutine level-ordering verification
// stack, keyed by goroutine id the same way the teacher's
// eventloop.isLoopThread() keys its thread-affinity check.
type heldMonitors struct {
	mu      sync.Mutex
	entries []heldEntry
}

func (h *heldMonitors) top() (heldEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == 0 {
		return heldEntry{}, false
	}
	return h.entries[len(h.entries)-1], true
}

func (h *heldMonitors) push(e heldEntry) {
	h.mu.Lock()
	h.entries = append(h.entries, e)
	h.mu.Unlock()
}

func (h *heldMonitors) pop(m *Monitor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].m == m {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			return
		}
	}
}

func (h *heldMonitors) holds(m *Monitor) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.entries {
		if e.m == m {
			return true
		}
	}
	return false
}

// goroutineLocalStacks is the registry of per-goroutine held-monitor
// stacks, grounded on the same getGoroutineID technique the teacher
// uses for loop-thread affinity (eventloop.go).
type goroutineLocalStacks struct {
	mu sync.Mutex
	m  map[uint64]*heldMonitors
}

var heldStack = &goroutineLocalStacks{m: make(map[uint64]*heldMonitors)}

func (g *goroutineLocalStacks) current() *heldMonitors {
	id := goroutineID()
	g.mu.Lock()
	defer g.mu.Unlock()
	hm, ok := g.m[id]
	if !ok {
		hm = &heldMonitors{}
		g.m[id] = hm
	}
	return hm
}

// goroutineID parses the current goroutine's numeric id out of
// runtime.Stack, exactly as eventloop.getGoroutineID does.
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

// policyGate rate-limits repeated policy-violation log lines per
// monitor sample, so a hot contended monitor logs at most once per
// window instead of once per acquisition.
var policyGate = newGate(time.Second)
