package loadcache

import (
	"sync"

	"github.com/unkn0wn-root/loadcache/store"
)

// SubscribeOption tunes one subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	staleAfter uint64
}

// WithStaleAfter sets how many versions the cached value of the key may lag
// behind the clock before the reconciler refetches it. n=0 keeps the default.
func WithStaleAfter(n uint64) SubscribeOption {
	return func(c *subscribeConfig) {
		if n > 0 {
			c.staleAfter = n
		}
	}
}

type subscription[K any] struct {
	key     K
	handles map[uint64]uint64 // handle -> staleAfter
}

// staleAfter is the strictest policy among the active handles.
func (s *subscription[K]) staleAfter() uint64 {
	var least uint64
	first := true
	for _, n := range s.handles {
		if first || n < least {
			least, first = n, false
		}
	}
	return least
}

type subscriptions[K any] struct {
	mu     sync.Mutex
	byID   map[string]*subscription[K]
	nextID uint64
}

func newSubscriptions[K any]() *subscriptions[K] {
	return &subscriptions[K]{byID: make(map[string]*subscription[K])}
}

// add registers one handle for id and returns its idempotent remover.
func (s *subscriptions[K]) add(id string, key K, staleAfter uint64) func() {
	s.mu.Lock()
	sub := s.byID[id]
	if sub == nil {
		sub = &subscription[K]{key: key, handles: make(map[uint64]uint64, 1)}
		s.byID[id] = sub
	}
	h := s.nextID
	s.nextID++
	sub.handles[h] = staleAfter
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			// the entry may belong to a newer subscription after a clear
			if cur := s.byID[id]; cur == sub {
				delete(sub.handles, h)
				if len(sub.handles) == 0 {
					delete(s.byID, id)
				}
			}
		})
	}
}

func (s *subscriptions[K]) refs(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub := s.byID[id]; sub != nil {
		return len(sub.handles)
	}
	return 0
}

func (s *subscriptions[K]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

type subscribed[K any] struct {
	id         string
	key        K
	staleAfter uint64
}

func (s *subscriptions[K]) snapshot() []subscribed[K] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]subscribed[K], 0, len(s.byID))
	for id, sub := range s.byID {
		out = append(out, subscribed[K]{id: id, key: sub.key, staleAfter: sub.staleAfter()})
	}
	return out
}

func (s *subscriptions[K]) clear() {
	s.mu.Lock()
	s.byID = make(map[string]*subscription[K])
	s.mu.Unlock()
}

// isStale decides whether a subscribed entry needs a refetch at version current.
// A key is left alone while a refetch newer than the threshold is in flight;
// otherwise it is stale when never fetched or fetched at or below the threshold.
func isStale[V any](e store.Entry[V], current, staleAfter uint64) bool {
	if current < staleAfter {
		// nothing fetched can be old enough yet
		return !e.Fetched && !e.Fetching
	}
	threshold := current - staleAfter
	if e.Fetching && e.FetchingVersion > threshold {
		return false
	}
	return !e.Fetched || e.Version <= threshold
}
