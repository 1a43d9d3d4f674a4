package rtlocal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetConstructsOncePerGoroutine(t *testing.T) {
	r := New()
	var calls int
	var mu sync.Mutex
	h := r.RegisterFactory(func() any {
		mu.Lock()
		calls++
		mu.Unlock()
		return "service"
	})

	v1 := h.Get()
	v2 := h.Get()
	assert.Equal(t, "service", v1)
	assert.Equal(t, "service", v2)
	assert.Equal(t, 1, calls, "factory must run once per goroutine, not once per Get")
}

func TestGetIsolatedPerGoroutine(t *testing.T) {
	r := New()
	var next int
	var mu sync.Mutex
	h := r.RegisterFactory(func() any {
		mu.Lock()
		defer mu.Unlock()
		next++
		return next
	})

	const n = 10
	results := make([]int, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i] = h.Get().(int)
		}()
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, v := range results {
		assert.False(t, seen[v], "each goroutine must get its own constructed instance")
		seen[v] = true
	}
	assert.Len(t, seen, n)
}

type disposeRecorder struct {
	name string
	log  *[]string
	mu   *sync.Mutex
}

func (d *disposeRecorder) Dispose() {
	d.mu.Lock()
	*d.log = append(*d.log, d.name)
	d.mu.Unlock()
}

func TestReleaseCurrentDisposesInReverseOrder(t *testing.T) {
	r := New()
	var log []string
	var mu sync.Mutex

	h1 := r.RegisterFactory(func() any { return &disposeRecorder{name: "first", log: &log, mu: &mu} })
	h2 := r.RegisterFactory(func() any { return &disposeRecorder{name: "second", log: &log, mu: &mu} })

	h1.Get()
	h2.Get()

	r.ReleaseCurrent()

	assert.Equal(t, []string{"second", "first"}, log)
}

func TestReleaseCurrentNoServicesIsNoop(t *testing.T) {
	r := New()
	assert.NotPanics(t, r.ReleaseCurrent)
}

func TestHandleDisposeRemovesAcrossGoroutines(t *testing.T) {
	r := New()
	var log []string
	var mu sync.Mutex

	h := r.RegisterFactory(func() any { return &disposeRecorder{name: "svc", log: &log, mu: &mu} })

	var wg sync.WaitGroup
	const n = 4
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			h.Get()
		}()
	}
	wg.Wait()

	h.Dispose()

	mu.Lock()
	count := len(log)
	mu.Unlock()
	assert.Equal(t, n, count, "disposing a handle must tear down every goroutine's instance")
}

func TestGetAfterHandleDisposeReconstructs(t *testing.T) {
	r := New()
	var calls int
	var mu sync.Mutex
	h := r.RegisterFactory(func() any {
		mu.Lock()
		calls++
		mu.Unlock()
		return calls
	})

	v1 := h.Get()
	h.Dispose()
	v2 := h.Get()

	require.NotNil(t, v1)
	require.NotNil(t, v2)
	assert.NotEqual(t, v1, v2, "after a handle is disposed, a fresh Get reconstructs via the factory again")
}
