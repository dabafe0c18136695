package loadcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	c "github.com/unkn0wn-root/loadcache/codec"
	"github.com/unkn0wn-root/loadcache/keycodec"
	pr "github.com/unkn0wn-root/loadcache/provider"
	"github.com/unkn0wn-root/loadcache/provider/memory"
	"github.com/unkn0wn-root/loadcache/store"
)

// Tuning holds the timing and sizing knobs. Zero values fall back to defaults.
type Tuning struct {
	BatchDuration       time.Duration `yaml:"batch_duration"`        // 0 => 500ms
	ChunkSize           int           `yaml:"chunk_size"`            // 0 => 99
	MaxConcurrentChunks int           `yaml:"max_concurrent_chunks"` // 0 => unbounded
	FetchTimeout        time.Duration `yaml:"fetch_timeout"`         // per bulk read; 0 => 30s
	ReconcileInterval   time.Duration `yaml:"reconcile_interval"`    // 0 => 1s
	ReconcileDebounce   time.Duration `yaml:"reconcile_debounce"`    // 0 => 100ms
	StaleAfterVersions  uint64        `yaml:"stale_after_versions"`  // default subscription policy; 0 => 1000
	RefetchDelay        time.Duration `yaml:"refetch_delay"`         // after a write confirms; 0 => 1s
	RefetchAttempts     int           `yaml:"refetch_attempts"`      // post-write attempts; 0 => 3
	ConfirmTimeout      time.Duration `yaml:"confirm_timeout"`       // 0 => 60s
}

// WithDefaults returns t with every unset field filled in.
func (t Tuning) WithDefaults() Tuning {
	t.BatchDuration = positive(t.BatchDuration, defaultBatchDuration)
	t.ChunkSize = positive(t.ChunkSize, defaultChunkSize)
	if t.MaxConcurrentChunks < 0 {
		t.MaxConcurrentChunks = 0
	}
	t.FetchTimeout = positive(t.FetchTimeout, defaultFetchTimeout)
	t.ReconcileInterval = positive(t.ReconcileInterval, defaultReconcileInterval)
	t.ReconcileDebounce = positive(t.ReconcileDebounce, defaultReconcileDebounce)
	t.StaleAfterVersions = coalesce[uint64](t.StaleAfterVersions, defaultStaleAfter)
	t.RefetchDelay = positive(t.RefetchDelay, defaultRefetchDelay)
	t.RefetchAttempts = positive(t.RefetchAttempts, defaultRefetchAttempts)
	t.ConfirmTimeout = positive(t.ConfirmTimeout, defaultConfirmTimeout)
	return t
}

// Options configure a Client.
// Reader, Clock and Codec are required; others have sensible defaults.
type Options[K any, V any] struct {
	// Required
	Reader BulkReader[K, V]
	Clock  Clock
	Codec  c.Codec[V]

	Keys      keycodec.Codec[K] // nil => keycodec.String when K is string
	Provider  pr.Provider       // nil => provider/memory
	Namespace string            // prefix of storage keys; "" => "loadcache"
	Logger    Logger            // if nil, NopLogger is used
	Hooks     Hooks             // if nil, NopHooks is used
	ErrorSink ErrorSink         // if nil, background failures are logged at error level
	Tuning    Tuning
	// Cost computes the provider cost of a stored frame; default 1.
	Cost func(storageKey string, frame []byte) int64
}

type resolved[K any] struct {
	keys  keycodec.Codec[K]
	log   Logger
	hooks Hooks
	sink  ErrorSink
	tun   Tuning
}

// Client owns the shared provider and the current Session. Switch replaces
// the session when the remote endpoint changes.
type Client[K any, V any] struct {
	common    resolved[K]
	provider  pr.Provider
	codec     c.Codec[V]
	namespace string
	cost      func(string, []byte) int64

	mu     sync.RWMutex
	cur    *Session[K, V]
	epoch  uint64
	closed bool
}

func New[K any, V any](opts Options[K, V]) (*Client[K, V], error) {
	if opts.Codec == nil {
		return nil, fmt.Errorf("loadcache: codec is required")
	}
	keys := opts.Keys
	if keys == nil {
		kc, ok := any(keycodec.String{}).(keycodec.Codec[K])
		if !ok {
			return nil, fmt.Errorf("loadcache: key codec is required for non-string keys")
		}
		keys = kc
	}

	cl := &Client[K, V]{
		provider:  opts.Provider,
		codec:     opts.Codec,
		namespace: coalesce(opts.Namespace, defaultNamespace),
		cost:      opts.Cost,
	}
	if cl.provider == nil {
		cl.provider = memory.New()
	}

	cl.common.keys = keys
	cl.common.log = coalesce[Logger](opts.Logger, NopLogger{})
	cl.common.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	cl.common.sink = coalesce[ErrorSink](opts.ErrorSink, logSink{log: cl.common.log})
	cl.common.tun = opts.Tuning.WithDefaults()

	s, err := cl.newSession(opts.Reader, opts.Clock)
	if err != nil {
		return nil, err
	}
	cl.cur = s
	return cl, nil
}

// Session returns the current session. After a Switch the previous session is
// closed; callers should fetch the session again rather than hold on to it.
func (c *Client[K, V]) Session() *Session[K, V] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

// Switch moves the client to another endpoint. A fresh session is installed
// first; the old one is then torn down: background work stops, its cached data
// and subscriptions are dropped and its emitter reports one cleared event.
func (c *Client[K, V]) Switch(ctx context.Context, reader BulkReader[K, V], clock Clock) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	next, err := c.newSession(reader, clock)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	old := c.cur
	c.cur = next
	c.mu.Unlock()

	c.common.log.Info("endpoint switched", Fields{"epoch": next.epoch})
	return old.close(ctx)
}

// Close tears down the current session and closes the provider.
func (c *Client[K, V]) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.cur
	c.mu.Unlock()

	err := s.close(ctx)
	return multierr.Append(err, c.provider.Close(ctx))
}

// newSession builds the next session; caller holds c.mu or owns c exclusively.
func (c *Client[K, V]) newSession(reader BulkReader[K, V], clock Clock) (*Session[K, V], error) {
	c.epoch++
	return newSession[K, V](sessionDeps[K, V]{
		epoch:  c.epoch,
		reader: reader,
		clock:  clock,
		store: store.Options[V]{
			// every session owns a distinct key space in the shared provider
			Namespace: fmt.Sprintf("%s:%d", c.namespace, c.epoch),
			Provider:  c.provider,
			Codec:     c.codec,
			Cost:      c.cost,
		},
		common: c.common,
	})
}
