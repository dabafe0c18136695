// Package clock provides logical version sources.
//
// A version is a monotonically advancing counter published by the remote source
// (a slot, a block height, a sequence number). The cache compares fetched
// versions against the current one to decide what is stale.
package clock

import (
	"context"
	"sync"
)

// Manual is a clock advanced by the caller. It notifies registered listeners
// synchronously on every change. Useful in tests and when the version arrives
// over a push channel the caller already consumes.
type Manual struct {
	mu        sync.Mutex
	version   uint64
	err       error
	nextID    uint64
	listeners map[uint64]func(uint64)
}

func NewManual(start uint64) *Manual {
	return &Manual{version: start, listeners: make(map[uint64]func(uint64))}
}

// CurrentVersion returns the current version, or the error set with SetError.
func (m *Manual) CurrentVersion(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.version, nil
}

// Set moves the clock to v. Moving backwards is ignored.
func (m *Manual) Set(v uint64) {
	m.mu.Lock()
	if v <= m.version {
		m.mu.Unlock()
		return
	}
	m.version = v
	fns := m.snapshotLocked()
	m.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Advance moves the clock forward by n and returns the new version.
func (m *Manual) Advance(n uint64) uint64 {
	m.mu.Lock()
	v := m.version + n
	m.mu.Unlock()
	m.Set(v)
	return v
}

// SetError makes CurrentVersion fail with err until it is reset with nil.
func (m *Manual) SetError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// OnVersionChange registers fn for version pushes and returns its remover.
func (m *Manual) OnVersionChange(fn func(uint64)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.listeners == nil {
		m.listeners = make(map[uint64]func(uint64))
	}
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manual) snapshotLocked() []func(uint64) {
	out := make([]func(uint64), 0, len(m.listeners))
	for _, fn := range m.listeners {
		out = append(out, fn)
	}
	return out
}
