package rtsync

import "sync"

// ConditionVar is a condition variable bound to a Monitor (spec.md's
// "CV-bound monitor"): Enter acquires the CV's own platform monitor,
// and Wait atomically releases that monitor and blocks until Signal
// or SignalAll, then re-acquires before returning — spec.md §4.2's
// "pushes a per-thread cookie (cvar, monitor, lock) so wait can
// atomically release-and-re-enter".
//
// Implemented directly over sync.Cond rather than hand-rolled
// park/wake, since sync.Cond already gives the exact
// release-and-reacquire semantics spec.md describes, and no example
// in the source pack implements a condition variable of its own to
// ground a bespoke one against.
type ConditionVar struct {
	monitor *Monitor
	cond    *sync.Cond
}

// NewConditionVar creates a condition variable bound to a fresh
// internal monitor (spec.md's condition_var_new).
func NewConditionVar(sample string) *ConditionVar {
	m := New(sample, 0, AllowPriorityInversion)
	return &ConditionVar{
		monitor: m,
		cond:    sync.NewCond(&m.mu),
	}
}

// Enter acquires the CV's bound monitor. Use Wait (not monitor.Enter)
// while holding the returned guard to block on this condition.
func (c *ConditionVar) Enter() Guard {
	g, _ := c.monitor.Enter(false, false)
	return g
}

// Wait releases the bound monitor and blocks until woken by Signal or
// SignalAll, then re-acquires the monitor before returning. Must be
// called while holding a Guard from Enter.
func (c *ConditionVar) Wait() {
	c.cond.Wait()
}

// Signal wakes one waiter, if any.
func (c *ConditionVar) Signal() {
	c.cond.Signal()
}

// SignalAll wakes every waiter, per spec.md's signal(all).
func (c *ConditionVar) SignalAll() {
	c.cond.Broadcast()
}

// Monitor exposes the CV's bound monitor, so callers can check
// IsAcquired or compose it into level-ordering verification.
func (c *ConditionVar) Monitor() *Monitor { return c.monitor }
