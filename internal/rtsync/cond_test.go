package rtsync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConditionVarSignalWakesOneWaiter(t *testing.T) {
	cv := NewConditionVar("test:cv-signal")
	ready := false

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g := cv.Enter()
		defer g.Dispose()
		for !ready {
			cv.Wait()
		}
	}()

	time.Sleep(20 * time.Millisecond)
	g := cv.Enter()
	ready = true
	cv.Signal()
	g.Dispose()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by Signal")
	}
}

func TestConditionVarSignalAllWakesEveryWaiter(t *testing.T) {
	cv := NewConditionVar("test:cv-broadcast")
	ready := false
	const waiters = 5

	var wg sync.WaitGroup
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			g := cv.Enter()
			defer g.Dispose()
			for !ready {
				cv.Wait()
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	g := cv.Enter()
	ready = true
	cv.SignalAll()
	g.Dispose()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not every waiter was woken by SignalAll")
	}
}

func TestConditionVarMonitorAccessor(t *testing.T) {
	cv := NewConditionVar("test:cv-monitor")
	assert.NotNil(t, cv.Monitor())
}
