// Package rtassert provides the core's debug/release gated contract
// checks: level-ordering violations, double-free detection, alignment
// violations and other API misuse are asserted when enabled and merely
// logged otherwise, per spec.md §7 ("asserted in debug, undefined in
// release (conservative)") as resolved in SPEC_FULL.md's Open Question 1 —
// Go cannot express "undefined behavior" safely, so release mode logs and
// continues rather than crashing.
package rtassert

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

func init() {
	if v := os.Getenv("RUNTIMECORE_ASSERT"); v != "" && v != "0" && v != "false" {
		enabled.Store(true)
	}
}

// Enabled reports whether contract violations panic (true) or only log
// (false). Controlled by SetEnabled, or the RUNTIMECORE_ASSERT env var
// at process start.
func Enabled() bool {
	return enabled.Load()
}

// SetEnabled toggles assertion fatality. Intended for test setup and for
// host processes that want crash-on-violation semantics.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Reporter receives a formatted violation message when an assertion
// fails but Enabled() is false. Defaults to writing to stderr. It is a
// package variable so callers can replace it; within this module only
// tests do.
var Reporter func(msg string) = func(msg string) {
	fmt.Fprintln(os.Stderr, "runtimecore: assertion violation:", msg)
}

// Check verifies cond, panicking if Enabled() and cond is false, or
// invoking Reporter otherwise. args is an optional flat list of
// key/value pairs (as with zerolog's Fields) appended to msg for
// context, rather than printf-style verbs.
func Check(cond bool, msg string, args ...any) {
	if cond {
		return
	}
	formatted := formatMessage(msg, args)
	if enabled.Load() {
		panic("runtimecore: assertion violation: " + formatted)
	}
	Reporter(formatted)
}

func formatMessage(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		b.WriteByte(' ')
		fmt.Fprintf(&b, "%v=%v", args[i], args[i+1])
	}
	if len(args)%2 == 1 {
		fmt.Fprintf(&b, " %v", args[len(args)-1])
	}
	return b.String()
}
