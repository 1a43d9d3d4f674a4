package alloc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/runtimecore/rtassert"
	"github.com/joeycumines/runtimecore/rtlog"
)

// ResourceTrace aggregates count and size per logical allocation
// site, per spec.md's GLOSSARY ("Trace").
type ResourceTrace struct {
	Name  string
	Size  int
	Count atomic.Int64
}

// traceKey identifies a trace by (size, phase, trace_id).
type traceKey struct {
	size    int
	phase   int
	traceID string
}

const poisonFillByte = 0xC4
const poisonFreeByte = 0xD4
const poisonMaxBytes = 64 << 10

// TrackedPool wraps any Pool with resource-trace accounting and
// (debug-only) poison-fill double-free detection, per spec.md §4.6.6.
type TrackedPool struct {
	inner  Pool
	traceID string

	mu     sync.Mutex
	traces map[traceKey]*ResourceTrace

	trackedBytes *atomic.Int64 // shared global tracked-bytes total

	debugPoison bool
}

// NewTrackedPool wraps inner, accounting against the shared
// trackedBytes total (normally owned by one verify-affinity).
func NewTrackedPool(inner Pool, traceID string, trackedBytes *atomic.Int64, debugPoison bool) *TrackedPool {
	return &TrackedPool{
		inner:        inner,
		traceID:      traceID,
		traces:       make(map[traceKey]*ResourceTrace),
		trackedBytes: trackedBytes,
		debugPoison:  debugPoison,
	}
}

func (t *TrackedPool) key() traceKey {
	spec := t.inner.Describe()
	return traceKey{size: spec.Size, phase: spec.Phase, traceID: t.traceID}
}

func (t *TrackedPool) traceFor() *ResourceTrace {
	k := t.key()
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.traces[k]
	if !ok {
		tr = &ResourceTrace{Name: t.traceID, Size: k.size}
		t.traces[k] = tr
	}
	return tr
}

func (t *TrackedPool) Map() Block {
	b := t.inner.Map()
	if !b.Valid() {
		return b
	}
	tr := t.traceFor()
	tr.Count.Add(1)
	if t.trackedBytes != nil {
		t.trackedBytes.Add(int64(b.Len))
	}
	if t.debugPoison {
		fillPoison(b, poisonFillByte)
	}
	return b
}

func (t *TrackedPool) Unmap(b Block) {
	if t.debugPoison {
		checkAndFillPoison(b)
	}
	tr := t.traceFor()
	tr.Count.Add(-1)
	if t.trackedBytes != nil {
		t.trackedBytes.Add(-int64(b.Len))
	}
	t.inner.Unmap(b)
}

func (t *TrackedPool) Describe() AlignSpec { return t.inner.Describe() }

// Outstanding returns the current outstanding-count for this pool's
// trace (testable property 2: "resource-trace counter returns to zero
// after all outstanding unmaps").
func (t *TrackedPool) Outstanding() int64 {
	return t.traceFor().Count.Load()
}

func fillPoison(b Block, value byte) {
	data := b.Bytes()
	n := len(data)
	if n > poisonMaxBytes {
		n = poisonMaxBytes
	}
	for i := 0; i < n; i++ {
		data[i] = value
	}
}

func checkAndFillPoison(b Block) {
	data := b.Bytes()
	n := len(data)
	if n > poisonMaxBytes {
		n = poisonMaxBytes
	}
	isDoubleFree := n > 0
	for i := 0; i < n; i++ {
		if data[i] != poisonFreeByte {
			isDoubleFree = false
			break
		}
	}
	rtassert.Check(!isDoubleFree, "alloc: double free detected (poison byte pattern matched)")
	for i := 0; i < n; i++ {
		data[i] = poisonFreeByte
	}
}

// MemoryDumper periodically (or on watermark) snapshots every
// registered trace via an injected dump function, per spec.md
// §4.6.6's memory dump task.
type MemoryDumper struct {
	interval    time.Duration
	minInterval time.Duration
	watermark   float64
	floorBytes  int64

	trackedBytes *atomic.Int64
	lastDumpAt   time.Time
	lastDumpTotal int64

	nesting atomic.Int32
	mu      sync.Mutex

	dumpFn func(reason string)
}

// NewMemoryDumper wires a dumper against the shared trackedBytes
// counter.
func NewMemoryDumper(interval, minInterval time.Duration, watermark float64, floorBytes int64, trackedBytes *atomic.Int64, dumpFn func(reason string)) *MemoryDumper {
	return &MemoryDumper{
		interval:     interval,
		minInterval:  minInterval,
		watermark:    watermark,
		floorBytes:   floorBytes,
		trackedBytes: trackedBytes,
		dumpFn:       dumpFn,
	}
}

// MaybeDump checks watermark/interval conditions and dumps if due.
// Reentry-safe via a nesting counter, per spec.md ("reentry is
// prevented by a nesting counter").
func (d *MemoryDumper) MaybeDump() {
	if !d.nesting.CompareAndSwap(0, 1) {
		return
	}
	defer d.nesting.Store(0)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	total := int64(0)
	if d.trackedBytes != nil {
		total = d.trackedBytes.Load()
	}

	sinceLast := now.Sub(d.lastDumpAt)
	if sinceLast < d.minInterval {
		return
	}

	watermarkHit := total >= d.floorBytes && float64(total) >= float64(d.lastDumpTotal)*(1+d.watermark)
	intervalHit := sinceLast >= d.interval

	if !watermarkHit && !intervalHit {
		return
	}

	reason := "interval"
	if watermarkHit {
		reason = "watermark"
	}
	d.lastDumpAt = now
	d.lastDumpTotal = total

	rtlog.Info(rtlog.CategoryAllocator).Str("reason", reason).Int64("trackedBytes", total).Msg("memory dump")
	if d.dumpFn != nil {
		d.dumpFn(reason)
	}
}
