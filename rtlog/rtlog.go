// Package rtlog is the structured logging seam for the runtimecore
// packages (scheduler, allocator, affinity graph, concurrency
// primitives). It follows the teacher's (eventloop/logging.go)
// package-level logger pattern — SetLogger/Default, level filtering,
// category strings — rebound to github.com/rs/zerolog, the backend
// logiface-zerolog adapts elsewhere in the same source pack.
package rtlog

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Categories used across the core. Kept as a closed set, mirroring the
// teacher's LogEntry.Category comment ("timer", "promise", "microtask",
// "poll", "shutdown").
const (
	CategoryMonitor   = "monitor"
	CategoryScheduler = "scheduler"
	CategoryAllocator = "allocator"
	CategoryTimer     = "timer"
	CategoryHang      = "hang"
	CategoryAffinity  = "affinity"
)

var (
	globalMu     sync.RWMutex
	globalLogger zerolog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	noop                        = zerolog.Nop()
	// disabled short-circuits getGlobalLogger, avoiding a lock+interface
	// hop in the hot path when nobody configured a logger at all.
	disabled atomic.Bool
)

// SetLogger installs the process-wide structured logger and clears any
// earlier Disable. Passing the zero value installs a logger that writes
// nothing; it does not restore the default stderr logger.
func SetLogger(l zerolog.Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
	disabled.Store(false)
}

// Disable silences all runtimecore logging (tests use this to keep
// output quiet); mirrors the teacher's NewNoOpLogger().
func Disable() {
	disabled.Store(true)
}

// Enable reverses Disable.
func Enable() {
	disabled.Store(false)
}

// Default returns the currently configured logger.
func Default() zerolog.Logger {
	if disabled.Load() {
		return noop
	}
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Event starts a log event in the given category at the given level,
// the core's single entry point into the logger — every call site in
// scheduler/allocator/affinity/rtsync goes through this so category
// tagging is consistent.
func Event(level zerolog.Level, category string) *zerolog.Event {
	return Default().WithLevel(level).Str("category", category)
}

func Debug(category string) *zerolog.Event { return Event(zerolog.DebugLevel, category) }
func Info(category string) *zerolog.Event  { return Event(zerolog.InfoLevel, category) }
func Warn(category string) *zerolog.Event  { return Event(zerolog.WarnLevel, category) }
func Error(category string) *zerolog.Event { return Event(zerolog.ErrorLevel, category) }
