// Package registry interns shared immutable values so that equal values
// collapse to one instance across the process.
package registry

import (
	"runtime"
	"sync"
	"weak"
)

// Registry maps a key to the canonical instance for that key. Instances are
// held weakly: once no caller references the canonical instance, the garbage
// collector may reclaim it and the slot is dropped. A caller that still holds
// an instance keeps it alive, so its slot is never reclaimed underneath it.
//
// The zero value is not usable; create one with New.
type Registry[K comparable, T any] struct {
	key func(*T) K

	mu      sync.Mutex
	entries map[K]weak.Pointer[T]
}

// New creates a registry that derives the interning key with key.
func New[K comparable, T any](key func(*T) K) *Registry[K, T] {
	return &Registry[K, T]{
		key:     key,
		entries: make(map[K]weak.Pointer[T]),
	}
}

// Intern returns the canonical instance equal to v. If none is registered,
// v becomes the canonical instance and is returned. Concurrent calls with
// equal values all observe the same winner.
func (r *Registry[K, T]) Intern(v *T) *T {
	if v == nil {
		return nil
	}

	k := r.key(v)

	r.mu.Lock()
	defer r.mu.Unlock()

	if wp, ok := r.entries[k]; ok {
		if existing := wp.Value(); existing != nil {
			return existing
		}
	}

	r.entries[k] = weak.Make(v)
	runtime.AddCleanup(v, r.reclaim, k)

	return v
}

// Lookup returns the live canonical instance for k, or nil.
func (r *Registry[K, T]) Lookup(k K) *T {
	r.mu.Lock()
	defer r.mu.Unlock()

	wp, ok := r.entries[k]
	if !ok {
		return nil
	}

	return wp.Value()
}

// Len returns the number of live canonical instances.
func (r *Registry[K, T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, wp := range r.entries {
		if wp.Value() != nil {
			n++
		}
	}

	return n
}

// slots counts map entries including ones whose instance was collected but
// whose cleanup has not run yet.
func (r *Registry[K, T]) slots() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// reclaim runs after a canonical instance is collected. The slot may have
// been taken by a newer instance in the meantime; only a dead slot is
// removed.
func (r *Registry[K, T]) reclaim(k K) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if wp, ok := r.entries[k]; ok && wp.Value() == nil {
		delete(r.entries, k)
	}
}
