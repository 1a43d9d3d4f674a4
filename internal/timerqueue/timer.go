// Package timerqueue implements C4: a single dedicated-goroutine timer
// queue with a lock-free post list and a due-time-sorted vector,
// grounded on the teacher's eventloop/loop.go timerHeap (a
// container/heap min-heap consumed by a single owning goroutine) but
// generalized per spec.md §4.4 to a queue fed concurrently by many
// goroutines through a lock-free Treiber stack, drained by one
// dedicated eval goroutine rather than folded into a larger run loop.
package timerqueue

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/runtimecore/rtfuture"
	"github.com/joeycumines/runtimecore/rtlog"
)

// ErrCancelled is delivered to a Request's Future when it is disposed
// before firing, or when the queue itself is torn down (spec.md §4.4's
// destructor: "cancel all timers ... with a cancellation error").
var ErrCancelled = errors.New("runtimecore/timerqueue: cancelled")

// activationSlack matches spec.md §4.4's `activate_time = now + 50µs`.
const activationSlack = 50 * time.Microsecond

// retryDefault matches spec.md §4.4's `retry_default = 7s`.
const retryDefault = 7 * time.Second

// retryJitter matches the `+100ms` added to the computed retry.
const retryJitter = 100 * time.Millisecond

// postNode is one pending-post list node: a lock-free Treiber stack
// entry. Plain *postNode (not an arena handle) is the correct Go
// idiom here — unlike the allocator's manually-recycled slabs, these
// nodes are never reused after being drained, so there's no ABA
// hazard for the garbage collector to protect against.
type postNode struct {
	next *postNode
	req  *Request
}

// Request is a scheduled timer, returned by TimerQueue.Timer.
type Request struct {
	delay  time.Duration
	due    time.Time
	caller string
	future *rtfuture.Future
	fire   func()

	disposed atomic.Bool
}

// Dispose cancels the timer if it hasn't fired yet. Safe to call
// multiple times and after it has already fired (no-op in that case).
func (r *Request) Dispose() {
	if r.disposed.CompareAndSwap(false, true) {
		r.future.Finish(ErrCancelled)
	}
}

// Done/Err expose the underlying future for callers awaiting firing
// or cancellation.
func (r *Request) Done() <-chan struct{} { return r.future.Done() }
func (r *Request) Err() error            { return r.future.Err() }

// TimerQueue is the C4 component: lock-free posting, single-goroutine
// evaluation.
type TimerQueue struct {
	wake func()

	postHead atomic.Pointer[postNode]

	mu      sync.Mutex // protects the sorted-by-descending-due vector
	pending []*Request

	closed atomic.Bool

	wakeMu        sync.Mutex
	sleeperWoken  bool
}

// New creates a timer queue whose wake-thunk is invoked whenever the
// pending list transitions from empty to non-empty (spec.md's
// timer_queue_new(wake_thunk)).
func New(wakeThunk func()) *TimerQueue {
	return &TimerQueue{wake: wakeThunk}
}

// WakeSource is the platform wake primitive a dedicated timer
// goroutine selects on between Eval passes: an eventfd on Linux
// (grounded on the teacher's wakeup_linux.go), a plain channel
// elsewhere.
type WakeSource struct{ src *wakeSource }

// NewWakeSource creates a platform wake source.
func NewWakeSource() *WakeSource { return &WakeSource{src: newWakeSource()} }

// Chan is ready for receive whenever Signal has been called since the
// last receive.
func (w *WakeSource) Chan() <-chan struct{} { return w.src.Chan() }

// Signal wakes anything selecting on Chan.
func (w *WakeSource) Signal() { w.src.signal() }

// Close releases the underlying platform resource (the eventfd, on
// Linux).
func (w *WakeSource) Close() { w.src.Close() }

// NewWithWakeSource creates a timer queue whose wake-thunk signals ws,
// the usual pairing of a TimerQueue with its dedicated eval goroutine.
func NewWithWakeSource(ws *WakeSource) *TimerQueue {
	return New(ws.Signal)
}

// Timer creates and posts a timer descriptor that will fire fn after
// delay, stamping due = now + delay, per spec.md's
// `timer(delay, start_out, caller)`. caller is an opaque diagnostic
// token (spec.md's "caller").
func (q *TimerQueue) Timer(delay time.Duration, caller string, fn func()) *Request {
	req := &Request{
		delay:  delay,
		due:    time.Now().Add(delay),
		caller: caller,
		future: rtfuture.New(),
		fire:   fn,
	}

	node := &postNode{req: req}
	wasEmpty := true
	for {
		head := q.postHead.Load()
		node.next = head
		wasEmpty = wasEmpty && head == nil
		if q.postHead.CompareAndSwap(head, node) {
			break
		}
	}

	if wasEmpty && q.wake != nil {
		q.wake()
	}

	return req
}

// Eval is called repeatedly by the dedicated timer goroutine. It
// drains newly posted timers, fires everything due within the
// activation slack, and returns how long the caller should sleep
// before calling Eval again.
func (q *TimerQueue) Eval() time.Duration {
	for {
		// Atomically swap the pending-list with nil, claiming
		// ownership of this eval pass (spec.md: "atomically swap
		// pending-list with a sentinel").
		newlyPosted := q.postHead.Swap(nil)

		q.mu.Lock()
		for n := newlyPosted; n != nil; n = n.next {
			if !n.req.disposed.Load() {
				q.pending = append(q.pending, n.req)
			}
		}
		// Sort by descending due (tail = earliest), per spec.md §4.4.
		sort.Slice(q.pending, func(i, j int) bool {
			return q.pending[i].due.After(q.pending[j].due)
		})
		pending := q.pending
		q.mu.Unlock()

		now := time.Now()
		activateBy := now.Add(activationSlack)

		firedCount := 0
		deferredCount := 0
		var retry time.Duration

		q.mu.Lock()
		for len(q.pending) > 0 {
			tail := q.pending[len(q.pending)-1]
			if tail.disposed.Load() {
				q.pending = q.pending[:len(q.pending)-1]
				continue
			}
			if tail.due.After(activateBy) {
				wait := tail.due.Sub(activateBy) + retryJitter
				if wait > retryDefault {
					wait = retryDefault
				}
				retry = wait
				break
			}
			q.pending = q.pending[:len(q.pending)-1]
			q.mu.Unlock()

			firedCount++
			q.fireOne(tail)

			q.mu.Lock()
		}
		remaining := len(q.pending)
		q.mu.Unlock()
		deferredCount = remaining

		// Try to hand the eval loop back to "sleeping": if a new
		// timer raced in during this pass (post list non-nil again),
		// restart rather than returning a stale retry.
		if q.postHead.Load() != nil {
			continue
		}

		_ = pending
		rtlog.Debug(rtlog.CategoryTimer).
			Int("fired", firedCount).
			Int("deferred", deferredCount).
			Dur("retry", retryOrDefault(retry, deferredCount)).
			Msg("timer queue eval pass complete")

		return retryOrDefault(retry, deferredCount)
	}
}

func retryOrDefault(retry time.Duration, deferredCount int) time.Duration {
	if deferredCount == 0 {
		return retryDefault
	}
	if retry <= 0 {
		return retryDefault
	}
	return retry
}

func (q *TimerQueue) fireOne(req *Request) {
	if !req.disposed.CompareAndSwap(false, true) {
		return // already disposed concurrently
	}
	defer func() {
		if r := recover(); r != nil {
			rtlog.Error(rtlog.CategoryTimer).Interface("panic", r).Str("caller", req.caller).Msg("timer callback panicked")
		}
		req.future.Finish(nil)
	}()
	if req.fire != nil {
		req.fire()
	}
}

// Close cancels every pending timer (both newly posted and already
// sleeping) in soonest-first order with ErrCancelled, per spec.md
// §4.4's destructor.
func (q *TimerQueue) Close() {
	if !q.closed.CompareAndSwap(false, true) {
		return
	}

	leftover := q.postHead.Swap(nil)

	q.mu.Lock()
	all := q.pending
	q.pending = nil
	q.mu.Unlock()

	for n := leftover; n != nil; n = n.next {
		all = append(all, n.req)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].due.Before(all[j].due) })
	for _, r := range all {
		r.Dispose()
	}
}
