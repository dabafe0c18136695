// Package store holds the last known state of every fetched record.
//
// Each entry tracks whether the record is unknown, confirmed absent or present,
// the logical version it was fetched at and the version of a refetch that is in
// flight. Present values are encoded with a codec, framed together with their
// version and kept in a provider.Provider; the per-key metadata stays in memory.
//
// Writes follow last-writer-by-version-wins: a result fetched at an older version
// never replaces one fetched at a newer version, regardless of completion order.
package store

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	c "github.com/unkn0wn-root/loadcache/codec"
	"github.com/unkn0wn-root/loadcache/internal/wire"
	pr "github.com/unkn0wn-root/loadcache/provider"
)

// State of a cached record.
type State uint8

const (
	StateUnknown  State = iota // never fetched (or value lost by the provider)
	StateNotFound              // fetched; remote confirmed absence
	StatePresent               // fetched; value available
)

func (s State) String() string {
	switch s {
	case StateNotFound:
		return "not_found"
	case StatePresent:
		return "present"
	default:
		return "unknown"
	}
}

// Entry is a snapshot of one key.
type Entry[V any] struct {
	State State
	Value V

	// Version is the logical clock value of the last applied fetch; valid iff Fetched.
	Version uint64
	Fetched bool

	// FetchingVersion is the version of a dispatched, unresolved refetch; valid iff Fetching.
	FetchingVersion uint64
	Fetching        bool

	// Err is the error of the most recent failed fetch, nil after a successful one.
	Err error
}

// Outcome of a Put.
type Outcome uint8

const (
	Applied   Outcome = iota // stored; state or value changed
	Unchanged                // stored; same state and bytes as before
	Ignored                  // dropped; the entry holds a strictly newer version
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Unchanged:
		return "unchanged"
	default:
		return "ignored"
	}
}

type meta struct {
	state    State
	version  uint64
	fetched  bool
	fetching uint64
	inFlight bool
	err      error
}

// Options configure a Store. Namespace, Provider and Codec are required.
type Options[V any] struct {
	Namespace string
	Provider  pr.Provider
	Codec     c.Codec[V]

	// OnEvict is called (outside the lock) with the key of an entry whose stored
	// value vanished or failed validation and was reverted to StateUnknown.
	OnEvict func(key string, reason string)
	// Cost computes the provider cost of a stored frame; default 1.
	Cost func(key string, frame []byte) int64
}

type Store[V any] struct {
	ns       string
	provider pr.Provider
	codec    c.Codec[V]
	onEvict  func(string, string)
	cost     func(string, []byte) int64

	mu   sync.Mutex
	meta map[string]*meta
}

func New[V any](opts Options[V]) (*Store[V], error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("store: provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("store: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("store: namespace is required")
	}
	s := &Store[V]{
		ns:       opts.Namespace,
		provider: opts.Provider,
		codec:    opts.Codec,
		onEvict:  opts.OnEvict,
		cost:     opts.Cost,
		meta:     make(map[string]*meta),
	}
	if s.onEvict == nil {
		s.onEvict = func(string, string) {}
	}
	if s.cost == nil {
		s.cost = func(string, []byte) int64 { return 1 }
	}
	return s, nil
}

func (s *Store[V]) storageKey(key string) string {
	return s.ns + ":" + key
}

// Get returns the entry for key. It never fails; unknown keys yield StateUnknown.
// A present entry whose stored bytes are missing, corrupt or carry a different
// version is reverted to StateUnknown (its version is dropped so it gets refetched).
func (s *Store[V]) Get(ctx context.Context, key string) Entry[V] {
	s.mu.Lock()
	m, ok := s.meta[key]
	if !ok {
		s.mu.Unlock()
		return Entry[V]{}
	}
	if m.state != StatePresent {
		e := entryOf[V](m)
		s.mu.Unlock()
		return e
	}

	v, reason := s.readValue(ctx, key, m.version)
	if reason != "" {
		s.evictLocked(ctx, key, m)
		e := entryOf[V](m)
		s.mu.Unlock()
		s.onEvict(key, reason)
		return e
	}
	e := entryOf[V](m)
	s.mu.Unlock()

	e.Value = v
	return e
}

// Put records a fetch result observed at version. found=false records confirmed absence.
// The write is Ignored if the entry already holds a strictly newer version.
// A finished fetch at version >= FetchingVersion also clears the in-flight marker.
func (s *Store[V]) Put(ctx context.Context, key string, value V, found bool, version uint64) (Outcome, error) {
	var payload []byte
	if found {
		p, err := s.codec.Encode(value)
		if err != nil {
			return Ignored, fmt.Errorf("store: encode %q: %w", key, err)
		}
		payload = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.meta[key]
	if m == nil {
		m = &meta{}
		s.meta[key] = m
	}
	if m.fetched && m.version > version {
		if m.inFlight && m.fetching <= version {
			m.inFlight = false
			m.fetching = 0
		}
		return Ignored, nil
	}

	changed := true
	if m.fetched {
		switch {
		case !found:
			changed = m.state != StateNotFound
		case m.state == StatePresent:
			if prev, ok := s.readPayload(ctx, key, m.version); ok {
				changed = !bytes.Equal(prev, payload)
			}
		}
	}

	sk := s.storageKey(key)
	if found {
		frame, err := wire.Encode(wire.Frame{Key: sk, Version: version, Payload: payload})
		if err != nil {
			return Ignored, err
		}
		ok, err := s.provider.Set(ctx, sk, frame, s.cost(sk, frame))
		if err != nil {
			return Ignored, fmt.Errorf("store: set %q: %w", key, err)
		}
		if !ok {
			// rejected under pressure; the next read treats it as evicted
			changed = true
		}
		m.state = StatePresent
	} else {
		if m.state == StatePresent {
			_ = s.provider.Del(ctx, sk)
		}
		m.state = StateNotFound
	}

	m.version = version
	m.fetched = true
	m.err = nil
	if m.inFlight && m.fetching <= version {
		m.inFlight = false
		m.fetching = 0
	}
	if changed {
		return Applied, nil
	}
	return Unchanged, nil
}

// Fail records a fetch of key at version that failed with err. State, value and
// version are kept; an in-flight marker not newer than version is cleared so the
// key can be retried.
func (s *Store[V]) Fail(key string, err error, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.meta[key]
	if m == nil {
		m = &meta{}
		s.meta[key] = m
	}
	m.err = err
	if m.inFlight && m.fetching <= version {
		m.inFlight = false
		m.fetching = 0
	}
}

// MarkFetching records that a refetch at version was dispatched for key.
// The marker only moves forward; an older version is a no-op.
func (s *Store[V]) MarkFetching(key string, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.meta[key]
	if m == nil {
		m = &meta{}
		s.meta[key] = m
	}
	if m.inFlight && m.fetching >= version {
		return
	}
	m.fetching = version
	m.inFlight = true
}

// ClearFetching drops the in-flight marker of key.
func (s *Store[V]) ClearFetching(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.meta[key]; m != nil {
		m.inFlight = false
		m.fetching = 0
	}
}

// SettleFetching drops the in-flight marker of key iff it is not newer than version.
// Used when a dispatched refetch finished without writing (e.g. it joined an
// older in-flight load).
func (s *Store[V]) SettleFetching(key string, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.meta[key]; m != nil && m.inFlight && m.fetching <= version {
		m.inFlight = false
		m.fetching = 0
	}
}

// Peek returns the metadata of key without reading the stored value.
func (s *Store[V]) Peek(key string) Entry[V] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.meta[key]; ok {
		return entryOf[V](m)
	}
	return Entry[V]{}
}

// ClearAll forgets every entry and deletes the stored values owned by this store.
func (s *Store[V]) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	old := s.meta
	s.meta = make(map[string]*meta)
	s.mu.Unlock()

	var firstErr error
	for k, m := range old {
		if m.state != StatePresent {
			continue
		}
		if err := s.provider.Del(ctx, s.storageKey(k)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("store: clear %q: %w", k, err)
		}
	}
	return firstErr
}

// Len returns the number of known keys (any state).
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.meta)
}

func entryOf[V any](m *meta) Entry[V] {
	return Entry[V]{
		State:           m.state,
		Version:         m.version,
		Fetched:         m.fetched,
		FetchingVersion: m.fetching,
		Fetching:        m.inFlight,
		Err:             m.err,
	}
}

// readPayload returns the stored payload for key iff its frame is valid for version.
// Caller holds s.mu.
func (s *Store[V]) readPayload(ctx context.Context, key string, version uint64) ([]byte, bool) {
	sk := s.storageKey(key)
	raw, ok, err := s.provider.Get(ctx, sk)
	if err != nil || !ok {
		return nil, false
	}
	f, err := wire.Decode(raw)
	if err != nil || f.Key != sk || f.Version != version {
		return nil, false
	}
	return f.Payload, true
}

// readValue decodes the stored value. A non-empty reason means the entry must be evicted.
// Caller holds s.mu.
func (s *Store[V]) readValue(ctx context.Context, key string, version uint64) (V, string) {
	var zero V
	sk := s.storageKey(key)
	raw, ok, err := s.provider.Get(ctx, sk)
	if err != nil {
		return zero, "provider_error"
	}
	if !ok {
		return zero, "missing"
	}
	f, err := wire.Decode(raw)
	if err != nil || f.Key != sk {
		return zero, "corrupt"
	}
	if f.Version != version {
		return zero, "version_mismatch"
	}
	v, err := s.codec.Decode(f.Payload)
	if err != nil {
		return zero, "value_decode"
	}
	return v, ""
}

// evictLocked reverts key to StateUnknown and drops its stored bytes.
func (s *Store[V]) evictLocked(ctx context.Context, key string, m *meta) {
	_ = s.provider.Del(ctx, s.storageKey(key)) // self-heal
	m.state = StateUnknown
	m.version = 0
	m.fetched = false
}
