package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
)

// orderedBucketShards matches spec.md §9's "OrderedBucketSet (64
// buckets)" — the named-bucket table is sharded 64 ways by name hash
// to keep bucket lookup itself lock-free-ish under concurrent
// first-use from many workers.
const orderedBucketShards = 64

// orderedBucketNode is one queued task in a named bucket's FIFO,
// linked via a lock-free CAS push (spec.md §5: "Ordered bucket push
// is lock-free (CAS head)").
type orderedBucketNode struct {
	task Task
	next *orderedBucketNode
}

// orderedBucket is spec.md's named FIFO: "within a single bucket,
// tasks observe enqueue order and mutual exclusion (only one bucket
// task runs at once across all workers)".
type orderedBucket struct {
	name string

	pushHead atomic.Pointer[orderedBucketNode]

	// popMu is "pop is under the set's pop-lock": draining and
	// executing the next task in a bucket is fully serialized, which
	// is exactly the "only one task per bucket at a time" guarantee.
	popMu sync.Mutex
	// pending accumulates nodes popped off pushHead in FIFO order,
	// since pushHead is a LIFO stack; popMu's exclusivity plus this
	// reversal buffer gives the caller enqueue-order delivery.
	pending []Task

	// running is true while a task from this bucket is actually
	// executing (mutual-exclusion signal for observers/tests).
	running atomic.Bool
	// pumping is true while a drain loop has been scheduled to run
	// this bucket's pending tasks; it is the sole gate on spawning a
	// second concurrent drain loop.
	pumping atomic.Bool
}

func newOrderedBucket(name string) *orderedBucket {
	return &orderedBucket{name: name}
}

func (b *orderedBucket) push(t Task) {
	node := &orderedBucketNode{task: t}
	for {
		head := b.pushHead.Load()
		node.next = head
		if b.pushHead.CompareAndSwap(head, node) {
			return
		}
	}
}

// drainNewlyPushed moves everything CAS-pushed since the last drain
// into pending, preserving FIFO order (the push stack arrives
// newest-first, so it is reversed before being appended).
func (b *orderedBucket) drainNewlyPushed() {
	stack := b.pushHead.Swap(nil)
	if stack == nil {
		return
	}
	var inOrder []Task
	for n := stack; n != nil; n = n.next {
		inOrder = append(inOrder, n.task)
	}
	// inOrder is newest-first; reverse to oldest-first, then append
	// after anything already pending (pending is strictly older).
	for i, j := 0, len(inOrder)-1; i < j; i, j = i+1, j-1 {
		inOrder[i], inOrder[j] = inOrder[j], inOrder[i]
	}
	b.pending = append(b.pending, inOrder...)
}

// runNext executes exactly one pending task, under popMu, guaranteeing
// at most one task from this bucket runs concurrently and in enqueue
// order (testable property 6). Returns false if the bucket is
// currently empty. w is the worker goroutine actually running t; its
// ordered flag is set for the duration so a nested Spawn from inside
// t redirects to ordered_spawns instead of the local queue, per
// spec.md §4.5.4's "Ordered-flag effect on spawn".
func (b *orderedBucket) runNext(ctx context.Context, w *worker) bool {
	b.popMu.Lock()
	defer b.popMu.Unlock()

	if len(b.pending) == 0 {
		b.drainNewlyPushed()
	}
	if len(b.pending) == 0 {
		return false
	}

	t := b.pending[0]
	b.pending = b.pending[1:]

	b.running.Store(true)
	w.runningOrdered = true
	t(ctx)
	w.runningOrdered = false
	b.running.Store(false)
	return true
}

func (b *orderedBucket) empty() bool {
	return b.pushHead.Load() == nil && len(b.pending) == 0
}

// orderedBucketSet is spec.md's OrderedBucketSet: a sharded registry
// of named buckets, created lazily on first use.
type orderedBucketSet struct {
	shards [orderedBucketShards]struct {
		mu      sync.Mutex
		buckets map[string]*orderedBucket
	}
}

func newOrderedBucketSet() *orderedBucketSet {
	s := &orderedBucketSet{}
	for i := range s.shards {
		s.shards[i].buckets = make(map[string]*orderedBucket)
	}
	return s
}

// runAnyPending opportunistically runs one task from any bucket that
// isn't currently being pumped by another goroutine, used as the
// worker idle-loop's ordered-bucket drain step (spec.md §4.5.4 step
// 9). Each call scans the shards in index order from shard 0 (buckets
// within a shard in map order) and runs one task from the first
// non-empty bucket it can claim; no rotation position is kept between
// calls.
func (s *orderedBucketSet) runAnyPending(ctx context.Context, w *worker) bool {
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		var candidates []*orderedBucket
		for _, b := range shard.buckets {
			if !b.empty() {
				candidates = append(candidates, b)
			}
		}
		shard.mu.Unlock()

		for _, b := range candidates {
			if b.pumping.CompareAndSwap(false, true) {
				ran := b.runNext(ctx, w)
				b.pumping.Store(false)
				if ran {
					return true
				}
			}
		}
	}
	return false
}

func hashName(name string) int {
	h := 2166136261
	for i := 0; i < len(name); i++ {
		h ^= int(name[i])
		h *= 16777619
	}
	if h < 0 {
		h = -h
	}
	return h % orderedBucketShards
}

func (s *orderedBucketSet) bucketFor(name string) *orderedBucket {
	shard := &s.shards[hashName(name)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	b, ok := shard.buckets[name]
	if !ok {
		b = newOrderedBucket(name)
		shard.buckets[name] = b
	}
	return b
}

// push enqueues t into the named bucket and, if nothing is currently
// running that bucket, schedules a drain task onto the scheduler to
// pump it (the drain task itself re-enters runNext in a loop until
// the bucket is empty, then stops; a racing push that finds the
// bucket already being drained just appends and returns).
func (s *orderedBucketSet) push(name string, t Task, sched *Scheduler) {
	b := s.bucketFor(name)
	b.push(t)

	if b.pumping.CompareAndSwap(false, true) {
		pumpWorker := sched.pickWorker(SpawnParam{Priority: ExistingWork})
		pumpWorker.push(func(ctx context.Context) {
			// This closure can itself be stolen onto a different
			// worker's run loop before it executes, so runningOrdered
			// (single-goroutine-owned, unsynchronized) must be set on
			// whichever worker is actually running it now, not the
			// worker it was originally queued on.
			exec := sched.workerForGoroutine()
			if exec == nil {
				exec = pumpWorker
			}
			for b.runNext(ctx, exec) {
			}
			b.pumping.Store(false)
			// A task may have been pushed after our last runNext
			// returned false but before we cleared pumping; re-check
			// and re-claim to avoid stranding it.
			if !b.empty() && b.pumping.CompareAndSwap(false, true) {
				for b.runNext(ctx, exec) {
				}
				b.pumping.Store(false)
			}
		})
	}
}
