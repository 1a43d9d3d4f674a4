// Package rtfuture provides the minimal completion primitive the core
// needs from the external Request/Generator async machinery spec.md
// §1 and §6 assume as a given collaborator ("Request/Generator/Error
// async primitives ... are assumed given; §6 lists only the
// interfaces the core consumes"). The core only ever needs to start an
// operation and later observe its single completion (success or a
// cancellation/error), so this reduces the assumed contract to that
// subset, grounded on the shape of the teacher's own promise type
// (eventloop/promise.go: a Pending/Settled state machine with exactly
// one terminal transition).
package rtfuture

import "sync"

// Future is a single-assignment completion signal: Finish may be
// called exactly once (subsequent calls are no-ops), and Done closes
// when it has been.
type Future struct {
	mu   sync.Mutex
	done chan struct{}
	err  error
	once sync.Once
}

// New creates a pending Future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Finish completes the future with err (nil for success). Only the
// first call has an effect, mirroring spec.md's "completes exactly
// once" requirement for spawn_all/fork/timer requests.
func (f *Future) Finish(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}

// Done returns a channel closed when Finish has been called.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the completion error (nil on success); only meaningful
// after Done is closed.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until the future completes and returns its error.
func (f *Future) Wait() error {
	<-f.done
	return f.Err()
}
