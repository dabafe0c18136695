// Package asynchook moves hook calls off the cache's hot paths.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    EvictEvery: 10, // sample logs: ~every 10th eviction
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cl, _ := loadcache.New[string, Account](loadcache.Options[string, Account]{
//	    Reader: reader,
//	    Clock:  clock,
//	    Codec:  codec.JSON[Account]{},
//	    Hooks:  hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/loadcache"
)

type Hooks struct {
	inner   loadcache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ loadcache.Hooks = (*Hooks)(nil)

func New(inner loadcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events after Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped returns the number of events lost to a full queue or a closed hook.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) BatchDispatched(keys, chunks int) {
	h.try(func() { h.inner.BatchDispatched(keys, chunks) })
}
func (h *Hooks) ChunkFailed(id string, n int, err error) {
	h.try(func() { h.inner.ChunkFailed(id, n, err) })
}
func (h *Hooks) StaleWriteIgnored(k string, v uint64) {
	h.try(func() { h.inner.StaleWriteIgnored(k, v) })
}
func (h *Hooks) ValueEvicted(k, r string) { h.try(func() { h.inner.ValueEvicted(k, r) }) }
func (h *Hooks) ReconcileDispatched(n int, v uint64) {
	h.try(func() { h.inner.ReconcileDispatched(n, v) })
}
func (h *Hooks) WriteRefetched(n, failed int) { h.try(func() { h.inner.WriteRefetched(n, failed) }) }
