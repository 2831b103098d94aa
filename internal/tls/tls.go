// Package tls provides goroutine-affinity lookup, used internally by the
// scheduler to tell whether the calling goroutine is one of its own worker
// goroutines and, if so, which one, without exposing a user-visible
// "current task" global. Go has no public goroutine-ID API, so this package
// parses the ID out of runtime.Stack output.
package tls

import (
	"runtime"
	"sync"
)

// GoroutineID returns the calling goroutine's numeric ID, parsed out of the
// "goroutine N [...]" header that runtime.Stack prints. A 64-byte stack
// snapshot is more than enough to contain the header, so this never
// allocates beyond the fixed buffer.
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// Registry maps goroutine IDs to worker slots, letting the scheduler answer
// "is the calling goroutine one of my workers, and which one" in O(1)
// without thread-local storage (which Go does not have).
type Registry[T any] struct {
	// no locking beyond the map's own access pattern requirements: Bind and
	// Lookup/Unbind are only ever called by the owning worker goroutine
	// itself for its own ID, and by the scheduler from goroutines that do
	// not mutate concurrently with the same key, matching the single
	// writer per key contract of a plain map guarded by a mutex.
	mu sync.Mutex
	m  map[uint64]T
}

// NewRegistry returns an empty Registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{m: make(map[uint64]T)}
}

// Bind associates the given goroutine ID with v.
func (r *Registry[T]) Bind(id uint64, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[id] = v
}

// Unbind removes any association for id.
func (r *Registry[T]) Unbind(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
}

// Lookup returns the value bound to id, if any.
func (r *Registry[T]) Lookup(id uint64) (v T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok = r.m[id]
	return v, ok
}

// Self is a convenience wrapper combining GoroutineID with Lookup, answering
// "is the calling goroutine registered, and as what".
func (r *Registry[T]) Self() (v T, ok bool) {
	return r.Lookup(GoroutineID())
}
