// Package hotreload holds values that are swapped atomically at runtime and
// the file watcher that drives policy reloads.
package hotreload

import (
	"sync"
	"sync/atomic"
)

// Reloadable represents something that can be reloaded atomically.
// Readers call Get once and keep the snapshot for the rest of their work.
type Reloadable[T any] struct {
	value   atomic.Pointer[T]
	mu      sync.Mutex
	version atomic.Int64
}

// NewReloadable creates a new reloadable value.
func NewReloadable[T any](initial *T) *Reloadable[T] {
	r := &Reloadable[T]{}
	if initial != nil {
		r.value.Store(initial)
	}
	return r
}

// Get returns the current value.
func (r *Reloadable[T]) Get() *T {
	return r.value.Load()
}

// Swap atomically swaps the value and returns the old one.
func (r *Reloadable[T]) Swap(new *T) *T {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.value.Swap(new)
	r.version.Add(1)
	return old
}

// Update builds the next value from the version it will be stored under and
// swaps it in. Concurrent updates are serialized.
func (r *Reloadable[T]) Update(build func(version int64) *T) *T {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := build(r.version.Load() + 1)
	r.value.Store(next)
	r.version.Add(1)
	return next
}

// CompareAndSwap atomically swaps if current matches old.
func (r *Reloadable[T]) CompareAndSwap(old, new *T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.value.CompareAndSwap(old, new) {
		r.version.Add(1)
		return true
	}
	return false
}

// Version returns the current version number (incremented on each swap).
func (r *Reloadable[T]) Version() int64 {
	return r.version.Load()
}
