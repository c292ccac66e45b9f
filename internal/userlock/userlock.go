// Package userlock serializes turn processing per user. Concurrent requests
// for different users proceed in parallel; requests for the same user queue.
package userlock

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Registry hands out per-key mutexes and discards them once unused.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// New creates an empty lock registry.
func New() *Registry {
	return &Registry{locks: make(map[string]*lockEntry)}
}

// Lock acquires the lock for key, blocking while another holder is active.
func (r *Registry) Lock(key string) {
	r.mu.Lock()
	e, ok := r.locks[key]
	if !ok {
		e = &lockEntry{}
		r.locks[key] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the lock for key. The entry is dropped when no goroutine
// is waiting on it.
func (r *Registry) Unlock(key string) {
	r.mu.Lock()
	e, ok := r.locks[key]
	if ok {
		e.refs--
		if e.refs == 0 {
			delete(r.locks, key)
		}
	}
	r.mu.Unlock()

	if ok {
		e.mu.Unlock()
	}
}
