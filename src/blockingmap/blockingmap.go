// Package blockingmap provides a concurrent string-keyed map whose readers
// can wait for a key to appear.
package blockingmap

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Forever makes Get wait until the key shows up.
const Forever time.Duration = -1

// Map is safe for concurrent use. Every Put closes the current change channel
// and installs a new one, waking all waiters. Waiters pick the channel up
// under the same lock they check the map with, so a Put that lands between
// the check and the wait is never missed.
type Map[V any] struct {
	mu      sync.Mutex
	items   map[string]V
	changed chan struct{}
}

func New[V any]() *Map[V] {
	return &Map[V]{
		items:   make(map[string]V),
		changed: make(chan struct{}),
	}
}

// notify must be called with mu held.
func (m *Map[V]) notify() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// Put inserts or replaces k and wakes every waiter.
func (m *Map[V]) Put(k string, v V) {
	m.mu.Lock()
	m.items[k] = v
	m.notify()
	m.mu.Unlock()
}

// Update runs fn atomically on the current value of k and stores the result.
// Concurrent updates of the same map are serialized. If fn fails nothing is
// stored and waiters are not woken.
func (m *Map[V]) Update(k string, fn func(cur V, ok bool) (V, error)) (V, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.items[k]
	next, err := fn(cur, ok)
	if err != nil {
		return cur, err
	}
	m.items[k] = next
	m.notify()
	return next, nil
}

// Get returns the value for k. A zero timeout does not block, Forever waits
// without limit, any other value waits at most that long.
func (m *Map[V]) Get(k string, timeout time.Duration) (V, bool) {
	if timeout == 0 {
		return m.TryGet(k)
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return m.GetContext(ctx, k)
}

// GetContext waits for k until ctx is done.
func (m *Map[V]) GetContext(ctx context.Context, k string) (V, bool) {
	for {
		m.mu.Lock()
		v, ok := m.items[k]
		ch := m.changed
		m.mu.Unlock()
		if ok {
			return v, true
		}

		select {
		case <-ch:
		case <-ctx.Done():
			// one last look, the key may have landed with the deadline
			return m.TryGet(k)
		}
	}
}

// TryGet never blocks.
func (m *Map[V]) TryGet(k string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[k]
	return v, ok
}

func (m *Map[V]) Delete(k string) {
	m.mu.Lock()
	delete(m.items, k)
	m.mu.Unlock()
}

func (m *Map[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Keys is a sorted snapshot taken at the time of the call.
func (m *Map[V]) Keys() []string {
	m.mu.Lock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Snapshot copies the whole map.
func (m *Map[V]) Snapshot() map[string]V {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]V, len(m.items))
	for k, v := range m.items {
		out[k] = v
	}
	return out
}

// Range calls fn over a snapshot in key order. Returning false stops early.
func (m *Map[V]) Range(fn func(k string, v V) bool) {
	snap := m.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn(k, snap[k]) {
			return
		}
	}
}
