// Package emitter fans cache change notifications out to listeners.
//
// Delivery is synchronous and in emission order. Each emission goes to the
// listeners registered at the moment it starts; a listener removed while an
// emission is running is not called for the rest of it. Listeners must be cheap:
// a slow listener delays the emitter.
package emitter

import (
	"sync"
	"sync/atomic"
)

// BatchUpdate lists the canonical keys whose cached value changed in one fetch batch.
type BatchUpdate struct {
	Keys map[string]struct{}
}

// Has reports whether key is part of the batch.
func (b BatchUpdate) Has(key string) bool {
	_, ok := b.Keys[key]
	return ok
}

type listener[T any] struct {
	fn      func(T)
	removed atomic.Bool
}

// topic is a copy-on-write listener list.
type topic[T any] struct {
	mu        sync.Mutex
	listeners []*listener[T]
}

func (t *topic[T]) add(fn func(T)) func() {
	l := &listener[T]{fn: fn}
	t.mu.Lock()
	next := make([]*listener[T], len(t.listeners), len(t.listeners)+1)
	copy(next, t.listeners)
	t.listeners = append(next, l)
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.removed.Store(true)
			t.mu.Lock()
			next := make([]*listener[T], 0, len(t.listeners))
			for _, x := range t.listeners {
				if x != l {
					next = append(next, x)
				}
			}
			t.listeners = next
			t.mu.Unlock()
		})
	}
}

func (t *topic[T]) emit(v T) {
	t.mu.Lock()
	snapshot := t.listeners
	t.mu.Unlock()
	for _, l := range snapshot {
		if l.removed.Load() {
			continue
		}
		l.fn(v)
	}
}

func (t *topic[T]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

// Emitter is safe for concurrent use. The zero value is ready to use.
type Emitter struct {
	batch   topic[BatchUpdate]
	deleted topic[string]
	cleared topic[struct{}]
}

func New() *Emitter { return &Emitter{} }

// OnBatchUpdate registers cb for batch updates and returns its unsubscribe func.
func (e *Emitter) OnBatchUpdate(cb func(BatchUpdate)) func() { return e.batch.add(cb) }

// OnDeleted registers cb for single-key deletions.
func (e *Emitter) OnDeleted(cb func(key string)) func() { return e.deleted.add(cb) }

// OnCleared registers cb for full cache clears.
func (e *Emitter) OnCleared(cb func()) func() {
	return e.cleared.add(func(struct{}) { cb() })
}

// EmitBatchUpdate notifies listeners; an empty set is not emitted.
func (e *Emitter) EmitBatchUpdate(keys map[string]struct{}) {
	if len(keys) == 0 {
		return
	}
	e.batch.emit(BatchUpdate{Keys: keys})
}

func (e *Emitter) EmitDeleted(key string) { e.deleted.emit(key) }

func (e *Emitter) EmitCleared() { e.cleared.emit(struct{}{}) }

// Listeners returns the number of registered listeners across all events.
func (e *Emitter) Listeners() int {
	return e.batch.len() + e.deleted.len() + e.cleared.len()
}
