// Package coalesce implements request coalescing ("single flight") keyed by
// a string: concurrent callers asking for the same key
// while a production is in flight all observe the same result, and exactly
// one producer runs per key.
package coalesce

import (
	"context"
	"sync"
	"weak"
)

// future is the in-flight promise for one key's result. The Coalescer's
// inFlight map holds a weak.Pointer to it and its keep map a strong one
// while the producer runs; beyond that, the strong references live on each
// waiter's stack (and inside the producer goroutine) for the duration of
// the call, and it is free to be collected once every waiter has observed
// the result. Waiters are not counted.
type future[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Coalescer deduplicates concurrent producers for the same key. The zero
// value is not usable; construct with New.
type Coalescer[V any] struct {
	mu      sync.Mutex
	inFlight map[string]weak.Pointer[future[V]]
	// keep holds a strong reference to every future currently being
	// produced, so the weak.Pointer above does not collect it out from
	// under late-arriving waiters before the producer finishes.
	keep map[string]*future[V]
}

// New returns an empty Coalescer.
func New[V any]() *Coalescer[V] {
	return &Coalescer[V]{
		inFlight: make(map[string]weak.Pointer[future[V]]),
		keep:     make(map[string]*future[V]),
	}
}

// Producer computes the value for a key. It is invoked at most once per
// concurrently-requested key.
type Producer[V any] func(ctx context.Context) (V, error)

// GetOrInsert runs producer for key if no production is currently in
// flight, otherwise waits on the existing one. All concurrent callers for
// the same key observe an identical (val, err) pair. A caller whose
// context is cancelled stops waiting and returns ctx.Err() without
// affecting other waiters or the producer, which runs to completion
// regardless so that its result can still be installed for them.
func (c *Coalescer[V]) GetOrInsert(ctx context.Context, key string, producer Producer[V]) (V, error) {
	c.mu.Lock()

	if ptr, ok := c.inFlight[key]; ok {
		if f := ptr.Value(); f != nil {
			c.mu.Unlock()

			return waitFor(ctx, f)
		}
	}

	f := &future[V]{done: make(chan struct{})}
	c.inFlight[key] = weak.Make(f)
	c.keep[key] = f
	c.mu.Unlock()

	go func() {
		f.val, f.err = producer(context.WithoutCancel(ctx))

		c.mu.Lock()
		delete(c.inFlight, key)
		delete(c.keep, key)
		c.mu.Unlock()

		close(f.done)
	}()

	return waitFor(ctx, f)
}

func waitFor[V any](ctx context.Context, f *future[V]) (V, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero V

		return zero, ctx.Err()
	}
}

// InFlightCount reports how many keys currently have a production running.
// Exposed for tests and diagnostics only.
func (c *Coalescer[V]) InFlightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.keep)
}

// InFlight reports whether key currently has a production running. Used to
// protect an entry from a concurrent cache sweep while it is being
// produced.
func (c *Coalescer[V]) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.keep[key]

	return ok
}
