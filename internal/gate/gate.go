// Package gate bounds the number of simultaneous in-flight exchanges per
// coordination key. Excess acquirers queue FIFO and either get a slot when
// one frees or fail with a TimeoutError after their deadline.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const defaultLimit = 1

// TimeoutError reports that an acquire gave up waiting. Callers should treat
// the exchange as blocked, not failed.
type TimeoutError struct {
	Key     string
	Active  int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("gate: timed out after %v waiting for %q (%d active)", e.Timeout, e.Key, e.Active)
}

// Gate caps concurrent holders per key. The zero value is not usable; build
// one with New and pass it by reference to every consumer.
type Gate struct {
	mu    sync.Mutex
	limit int
	keys  map[string]*keyState
}

type keyState struct {
	active  int
	waiters []*waiter
}

type waiter struct {
	ready chan struct{} // buffered 1; closed-over slot transfer
}

// New creates a Gate allowing up to limit concurrent holders per key.
func New(limit int) *Gate {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Gate{
		limit: limit,
		keys:  make(map[string]*keyState),
	}
}

// Acquire takes a slot for key, waiting up to timeout if the key is at its
// limit. On success it returns a release function that must be called exactly
// once, typically via defer, so error paths cannot leak slots.
func (g *Gate) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	g.mu.Lock()
	ks := g.keys[key]
	if ks == nil {
		ks = &keyState{}
		g.keys[key] = ks
	}
	if ks.active < g.limit {
		ks.active++
		g.mu.Unlock()
		return g.releaseFunc(key), nil
	}

	w := &waiter{ready: make(chan struct{}, 1)}
	ks.waiters = append(ks.waiters, w)
	active := ks.active
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		// Slot was transferred by a releaser; active count already accounts for us.
		return g.releaseFunc(key), nil

	case <-timer.C:
		if g.abandonWaiter(key, w) {
			return nil, &TimeoutError{Key: key, Active: active, Timeout: timeout}
		}
		// A grant raced the timer; the slot is ours.
		return g.releaseFunc(key), nil

	case <-ctx.Done():
		if g.abandonWaiter(key, w) {
			return nil, fmt.Errorf("gate: canceled waiting for %q: %w", key, ctx.Err())
		}
		return g.releaseFunc(key), nil
	}
}

// abandonWaiter removes w from the key's wait list. It returns false if w was
// already granted a slot, in which case the caller owns that slot.
func (g *Gate) abandonWaiter(key string, w *waiter) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	ks := g.keys[key]
	if ks == nil {
		return false
	}
	for i, cand := range ks.waiters {
		if cand == w {
			ks.waiters = append(ks.waiters[:i], ks.waiters[i+1:]...)
			g.maybeDropKey(key, ks)
			return true
		}
	}
	return false
}

// releaseFunc builds the paired release for a held slot. The sync.Once makes
// double release harmless.
func (g *Gate) releaseFunc(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { g.release(key) })
	}
}

// release hands the slot to the longest-waiting acquirer, or frees it.
func (g *Gate) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ks := g.keys[key]
	if ks == nil {
		return
	}
	if len(ks.waiters) > 0 {
		next := ks.waiters[0]
		ks.waiters = ks.waiters[1:]
		next.ready <- struct{}{}
		return
	}
	if ks.active > 0 {
		ks.active--
	}
	g.maybeDropKey(key, ks)
}

// maybeDropKey discards empty per-key state to bound memory. Must be called
// with g.mu held.
func (g *Gate) maybeDropKey(key string, ks *keyState) {
	if ks.active == 0 && len(ks.waiters) == 0 {
		delete(g.keys, key)
	}
}

// Active returns the current holder count for key.
func (g *Gate) Active(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ks := g.keys[key]; ks != nil {
		return ks.active
	}
	return 0
}

// Waiting returns the current wait-list length for key.
func (g *Gate) Waiting(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ks := g.keys[key]; ks != nil {
		return len(ks.waiters)
	}
	return 0
}
