package alloc

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/runtimecore/rtlog"
)

// DieHook lets tests intercept out_of_memory_die (spec.md Scenario D:
// "test harness intercepts abort") instead of actually terminating the
// process. nil means os.Exit.
var DieHook atomic.Pointer[func(reason string)]

// tracker is the resource-trace registry OutOfMemory dumps from, set
// via SetTracker (normally by the affinity/verification layer).
var trackerMu sync.Mutex
var tracker func(phase string)

// SetTracker installs the resource-trace dump callback used by the
// three-phase OOM escalation in OutOfMemory.
func SetTracker(fn func(phase string)) {
	trackerMu.Lock()
	tracker = fn
	trackerMu.Unlock()
}

// OutOfMemory implements spec.md §4.8's out_of_memory_die: fatal,
// dumping resource traces across three escalation phases ("uncap
// vsize -> release vmem pool pages -> give up on stats") before
// aborting. Never returns unless a DieHook is installed for tests.
func OutOfMemory(reason string) {
	rtlog.Error(rtlog.CategoryAllocator).Str("reason", reason).Msg("out of memory")

	for _, phase := range []string{"uncap_vsize", "release_vmem_pool_pages", "give_up_on_stats"} {
		trackerMu.Lock()
		fn := tracker
		trackerMu.Unlock()
		if fn != nil {
			func() {
				defer func() { _ = recover() }()
				fn(phase)
			}()
		}
	}

	if hook := DieHook.Load(); hook != nil {
		(*hook)(reason)
		return
	}

	os.Exit(1)
}
