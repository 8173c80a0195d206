package listener

import "sync"

// Observable is the read side of a Value.
type Observable[T any] interface {
	Get() T
	Subscribe(fn func(T)) Token
	Unsubscribe(t Token)
}

// Value is an observable cell. Set notifies subscribers only when the
// stored value actually changes.
type Value[T comparable] struct {
	mu        sync.RWMutex
	value     T
	listeners *Registry[func(T)]
}

// NewValue creates a Value holding initial.
func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{
		value:     initial,
		listeners: NewRegistry[func(T)](),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Set stores value and reports whether it differed from the previous one.
// Subscribers are called after the value is stored, outside the lock.
func (v *Value[T]) Set(value T) bool {
	v.mu.Lock()
	if v.value == value {
		v.mu.Unlock()
		return false
	}
	v.value = value
	v.mu.Unlock()

	v.listeners.Each(func(fn func(T)) { fn(value) })
	return true
}

// Subscribe registers fn to be called with every new value.
func (v *Value[T]) Subscribe(fn func(T)) Token {
	return v.listeners.Add(fn)
}

// Unsubscribe removes a subscription. Unknown tokens are ignored.
func (v *Value[T]) Unsubscribe(t Token) {
	v.listeners.Remove(t)
}
