// Package observer is an explicit listener registry with stable ids.
package observer

import (
	"sync"

	"github.com/google/uuid"
)

// Registry holds listener records in registration order.
type Registry[T any] struct {
	mu        sync.RWMutex
	listeners []listener[T]
}

type listener[T any] struct {
	id string
	fn func(T)
}

// Add registers fn and returns its id plus a function removing it. Removal is idempotent.
func (r *Registry[T]) Add(fn func(T)) (string, func()) {
	id := uuid.NewString()
	r.mu.Lock()
	r.listeners = append(r.listeners, listener[T]{id: id, fn: fn})
	r.mu.Unlock()
	return id, func() { r.Remove(id) }
}

// Remove deletes the listener with id; unknown ids are ignored.
func (r *Registry[T]) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l.id == id {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Notify calls every listener with v on the caller's goroutine.
// The listener list is copied first so listeners may add or remove others without deadlocking.
func (r *Registry[T]) Notify(v T) {
	r.mu.RLock()
	snapshot := make([]listener[T], len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.RUnlock()

	for _, l := range snapshot {
		l.fn(v)
	}
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
