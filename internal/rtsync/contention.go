package rtsync

import (
	"time"

	"github.com/joeycumines/runtimecore/internal/rtcatrate"
	"github.com/joeycumines/runtimecore/rtlog"
)

// Contention thresholds, per spec.md §4.2: "10 ms debug / 10 ms-release
// Rt; 100 ms debug / 10 ms release non-Rt". This module uses the same
// threshold in both modes: observe measures every non-try acquisition
// against contentionThresholdNonRt (100 ms). observe is not told whether
// an acquisition was real-time, so no acquisition is measured against
// contentionThresholdRt. An over-threshold report is always a
// rate-limited log, never a panic, whatever rtassert.Enabled() says.
const (
	contentionThresholdRt    = 10 * time.Millisecond
	contentionThresholdNonRt = 100 * time.Millisecond
)

// contentionGauge tracks per-monitor acquisition wait times and emits
// a rate-limited structured log entry when a non-try acquisition
// exceeds the threshold, per spec.md §4.2's contention-measurement
// clause. Gated by go-catrate so a hot, contended monitor logs at
// most once per window rather than once per acquisition.
type contentionGauge struct {
	gate *rtcatrate.Gate
}

func newContentionGauge(sample string) *contentionGauge {
	return &contentionGauge{gate: sharedContentionGate}
}

var sharedContentionGate = newGate(time.Second)

func newGate(window time.Duration) *rtcatrate.Gate {
	return rtcatrate.NewGate(window)
}

func (c *contentionGauge) observe(sample string, waited time.Duration, tryOnly bool) {
	if tryOnly {
		return
	}
	threshold := contentionThresholdNonRt
	if waited < threshold {
		return
	}
	if !c.gate.Allow(sample) {
		return
	}
	rtlog.Warn(rtlog.CategoryMonitor).
		Str("sample", sample).
		Dur("waited", waited).
		Msg("monitor contention exceeded threshold")
}
