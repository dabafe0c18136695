package asynchook

import (
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/loadcache"
)

type countingHooks struct {
	loadcache.NopHooks
	mu      sync.Mutex
	evicted int
	block   chan struct{}
}

func (c *countingHooks) ValueEvicted(string, string) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.evicted++
	c.mu.Unlock()
}

func TestDeliversAndDrains(t *testing.T) {
	inner := &countingHooks{}
	h := New(inner, 2, 16)
	for i := 0; i < 10; i++ {
		h.ValueEvicted("k", "missing")
	}
	h.Close()
	if inner.evicted != 10 {
		t.Fatalf("delivered=%d want 10", inner.evicted)
	}
	h.ValueEvicted("k", "missing") // after Close
	if h.Dropped() != 1 {
		t.Fatalf("dropped=%d", h.Dropped())
	}
}

func TestDropsWhenFull(t *testing.T) {
	inner := &countingHooks{block: make(chan struct{})}
	h := New(inner, 1, 1)

	h.ValueEvicted("a", "missing") // taken by the worker, blocks
	time.Sleep(10 * time.Millisecond)
	h.ValueEvicted("b", "missing") // queued
	h.ValueEvicted("c", "missing") // dropped

	if h.Dropped() != 1 {
		t.Fatalf("dropped=%d want 1", h.Dropped())
	}
	close(inner.block)
	h.Close()
	if inner.evicted != 2 {
		t.Fatalf("delivered=%d want 2", inner.evicted)
	}
}
