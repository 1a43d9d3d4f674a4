// Package rtcatrate adapts github.com/joeycumines/go-catrate's sliding
// window rate limiter to the core's diagnostic-gating needs: monitor
// contention reports (§4.2), hang-detector complaints (§4.8), and the
// memory-dump watermark scheduler (§4.6.6) all want "report this kind of
// thing at most once per window per key", which is exactly what catrate's
// Limiter.Allow provides.
package rtcatrate

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// Gate wraps a catrate.Limiter with a single named window, the shape
// every call site in this module needs (one rate, not a multi-window
// policy).
type Gate struct {
	limiter *catrate.Limiter
}

// NewGate builds a Gate allowing at most one event per key within
// window. window must be positive.
func NewGate(window time.Duration) *Gate {
	return &Gate{
		limiter: catrate.NewLimiter(map[time.Duration]int{window: 1}),
	}
}

// Allow reports whether an event for key should be emitted now,
// suppressing repeats within the configured window.
func (g *Gate) Allow(key any) bool {
	if g == nil || g.limiter == nil {
		return true
	}
	_, ok := g.limiter.Allow(key)
	return ok
}
