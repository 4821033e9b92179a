package connection

import (
	"reflect"
	"sync"
)

// Features is a registry of capabilities keyed by their Go type. Middleware
// publish values with Set and later stages retrieve them with Get.
type Features struct {
	mu     sync.RWMutex
	values map[reflect.Type]any
}

// NewFeatures returns an empty registry.
func NewFeatures() *Features {
	return &Features{values: make(map[reflect.Type]any)}
}

// Set registers value under type T, replacing any previous entry.
func Set[T any](f *Features, value T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values == nil {
		f.values = make(map[reflect.Type]any)
	}
	f.values[reflect.TypeFor[T]()] = value
}

// Get returns the value registered under type T.
func Get[T any](f *Features) (T, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[reflect.TypeFor[T]()]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Remove deletes the entry for type T. It is a no-op when none exists.
func Remove[T any](f *Features) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, reflect.TypeFor[T]())
}

// Len reports the number of registered features.
func (f *Features) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.values)
}
