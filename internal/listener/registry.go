// Package listener provides a token-keyed listener registry and observable
// values built on top of it.
package listener

import "sync"

// Token identifies a registration. The zero Token is never handed out.
type Token uint64

type entry[T any] struct {
	token Token
	value T
}

// Registry holds a set of listeners keyed by the Token returned from Add.
//
// Each dispatches over a snapshot taken when it starts, in registration
// order. A listener removed while a dispatch is running is not called for
// the rest of that dispatch; a listener added while a dispatch is running is
// first called by the next one.
type Registry[T any] struct {
	mu      sync.Mutex
	next    Token
	entries []entry[T]
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Add registers l and returns the token to remove it with.
func (r *Registry[T]) Add(l T) Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	r.entries = append(r.entries, entry[T]{token: r.next, value: l})
	return r.next
}

// Remove unregisters the listener behind t. Unknown tokens are ignored.
func (r *Registry[T]) Remove(t Token) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.token == t {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Each calls fn for every registered listener. fn runs without the registry
// lock held, so listeners may add or remove registrations, including their
// own.
func (r *Registry[T]) Each(fn func(T)) {
	r.mu.Lock()
	snapshot := make([]entry[T], len(r.entries))
	copy(snapshot, r.entries)
	r.mu.Unlock()

	for _, e := range snapshot {
		if !r.registered(e.token) {
			continue
		}
		fn(e.value)
	}
}

func (r *Registry[T]) registered(t Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.token == t {
			return true
		}
	}
	return false
}
