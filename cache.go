package loadcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/unkn0wn-root/loadcache/emitter"
	"github.com/unkn0wn-root/loadcache/internal/debounce"
	"github.com/unkn0wn-root/loadcache/keycodec"
	"github.com/unkn0wn-root/loadcache/store"
)

const opReconcile = "reconcile"

// Session is the cache bound to one remote endpoint: its store, loader,
// subscriptions and emitter live and die together. A Client replaces the
// whole session when the endpoint changes.
type Session[K any, V any] struct {
	epoch uint64
	keys  keycodec.Codec[K]
	clock Clock
	log   Logger
	hooks Hooks
	sink  ErrorSink
	tun   Tuning

	store    *store.Store[V]
	emitter  *emitter.Emitter
	loader   *Loader[K, V]
	subs     *subscriptions[K]
	debounce *debounce.Debouncer

	ctx        context.Context
	cancel     context.CancelFunc
	kick       chan struct{}
	stopNotify func()

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type sessionDeps[K any, V any] struct {
	epoch  uint64
	reader BulkReader[K, V]
	clock  Clock
	store  store.Options[V]
	common resolved[K]
}

func newSession[K any, V any](d sessionDeps[K, V]) (*Session[K, V], error) {
	if d.reader == nil {
		return nil, fmt.Errorf("loadcache: reader is required")
	}
	if d.clock == nil {
		return nil, fmt.Errorf("loadcache: clock is required")
	}

	s := &Session[K, V]{
		epoch:   d.epoch,
		keys:    d.common.keys,
		clock:   d.clock,
		log:     d.common.log,
		hooks:   d.common.hooks,
		sink:    d.common.sink,
		tun:     d.common.tun,
		emitter: emitter.New(),
		subs:    newSubscriptions[K](),
		kick:    make(chan struct{}, 1),
	}
	// a clock pushing faster than the debounce must not postpone passes forever
	wait := d.common.tun.ReconcileDebounce
	s.debounce = debounce.New(wait, debounce.WithMaxWait(wait))

	so := d.store
	so.OnEvict = s.onEvict
	st, err := store.New[V](so)
	if err != nil {
		return nil, err
	}
	s.store = st

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.loader = newLoader[K, V](s.ctx, loaderDeps[K, V]{
		keys:   s.keys,
		reader: d.reader,
		clock:  d.clock,
		store:  st,
		emit:   s.emitter,
		log:    s.log,
		hooks:  s.hooks,
		cfg: loaderConfig{
			batch:        s.tun.BatchDuration,
			chunkSize:    s.tun.ChunkSize,
			maxChunks:    s.tun.MaxConcurrentChunks,
			fetchTimeout: s.tun.FetchTimeout,
		},
	})

	if n, ok := d.clock.(VersionNotifier); ok {
		s.stopNotify = n.OnVersionChange(func(uint64) { s.nudge() })
	}
	s.wg.Add(1)
	go s.reconcileLoop()
	return s, nil
}

// Get returns the cached value of key, loading it when nothing usable is cached.
// A cached NotFound is returned as found=false without a round trip.
func (s *Session[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	e := s.store.Get(ctx, s.keys.Canonical(key))
	switch {
	case e.State == store.StatePresent:
		return e.Value, true, nil
	case e.State == store.StateNotFound && e.Err == nil:
		var zero V
		return zero, false, nil
	}
	return s.loader.Load(ctx, key)
}

// Entry returns what is cached for key without loading.
func (s *Session[K, V]) Entry(ctx context.Context, key K) store.Entry[V] {
	return s.store.Get(ctx, s.keys.Canonical(key))
}

// Fetch loads keys through the batching loader, joining loads already pending.
func (s *Session[K, V]) Fetch(ctx context.Context, keys []K) []Result[V] {
	return s.loader.LoadMany(ctx, keys)
}

// Refetch forgets any pending load of key and loads it again.
func (s *Session[K, V]) Refetch(ctx context.Context, key K) (V, bool, error) {
	s.loader.Clear(key)
	return s.loader.Load(ctx, key)
}

func (s *Session[K, V]) RefetchMany(ctx context.Context, keys []K) []Result[V] {
	for _, k := range keys {
		s.loader.Clear(k)
	}
	return s.loader.LoadMany(ctx, keys)
}

// Loader exposes the batching loader of this session.
func (s *Session[K, V]) Loader() *Loader[K, V] { return s.loader }

// Subscribe keeps key fresh until the returned function is called.
// Subscriptions are refcounted per canonical key; calling the returned
// function more than once has no further effect.
func (s *Session[K, V]) Subscribe(key K, opts ...SubscribeOption) func() {
	cfg := subscribeConfig{staleAfter: s.tun.StaleAfterVersions}
	for _, o := range opts {
		o(&cfg)
	}
	off := s.subs.add(s.keys.Canonical(key), key, cfg.staleAfter)
	s.nudge()
	return func() {
		off()
		if s.subs.len() == 0 && s.debounce.Cancel() {
			s.log.Debug("pending reconcile dropped; no subscriptions left", nil)
		}
	}
}

// Listening reports whether key has at least one active subscription.
func (s *Session[K, V]) Listening(key K) bool {
	return s.subs.refs(s.keys.Canonical(key)) > 0
}

// RefreshAll reloads every subscribed key now and returns the combined failures.
func (s *Session[K, V]) RefreshAll(ctx context.Context) error {
	subs := s.subs.snapshot()
	keys := make([]K, len(subs))
	for i, sub := range subs {
		keys[i] = sub.key
		s.loader.Clear(sub.key)
	}
	var errs error
	for _, r := range s.loader.LoadMany(ctx, keys) {
		errs = multierr.Append(errs, r.Err)
	}
	return errs
}

func (s *Session[K, V]) OnBatchUpdate(fn func(emitter.BatchUpdate)) func() {
	return s.emitter.OnBatchUpdate(fn)
}

func (s *Session[K, V]) OnDeleted(fn func(key string)) func() { return s.emitter.OnDeleted(fn) }
func (s *Session[K, V]) OnCleared(fn func()) func()           { return s.emitter.OnCleared(fn) }

func (s *Session[K, V]) reconcileLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.tun.ReconcileInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
		case <-s.kick:
		}
		s.reconcile(s.ctx)
	}
}

// nudge requests a reconciliation pass without waiting for the ticker.
func (s *Session[K, V]) nudge() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// reconcile hands the stale subscribed keys to the debounced dispatcher.
func (s *Session[K, V]) reconcile(ctx context.Context) {
	subs := s.subs.snapshot()
	if len(subs) == 0 {
		return
	}
	current, err := s.loader.currentVersion(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.report(&RefreshError{Op: opReconcile, Cause: fmt.Errorf("read clock: %w", err)})
		}
		return
	}

	var (
		keys []K
		ids  []string
	)
	for _, sub := range subs {
		if isStale(s.store.Peek(sub.id), current, sub.staleAfter) {
			keys = append(keys, sub.key)
			ids = append(ids, sub.id)
		}
	}
	if len(keys) == 0 {
		return
	}
	s.debounce.Trigger(func() {
		s.track(func() { s.refreshStale(keys, ids, current) })
	})
}

func (s *Session[K, V]) refreshStale(keys []K, ids []string, version uint64) {
	for _, id := range ids {
		s.store.MarkFetching(id, version)
	}
	s.hooks.ReconcileDispatched(len(ids), version)

	res := s.loader.loadManyAt(s.ctx, keys, version)
	var (
		failed []string
		errs   error
	)
	for i, r := range res {
		// joined an older in-flight load; it will not clear our marker
		s.store.SettleFetching(ids[i], version)
		if r.Err != nil {
			failed = append(failed, ids[i])
			errs = multierr.Append(errs, r.Err)
		}
	}
	if errs != nil && s.ctx.Err() == nil {
		s.report(&RefreshError{Op: opReconcile, Keys: failed, Cause: errs})
	}
}

func (s *Session[K, V]) onEvict(key, reason string) {
	s.hooks.ValueEvicted(key, reason)
	s.log.Debug("stored value dropped", Fields{"key": key, "reason": reason})
	s.emitter.EmitDeleted(key)
}

func (s *Session[K, V]) report(err error) {
	s.sink.Report(err)
}

// track runs fn synchronously as tracked background work; false once closed.
func (s *Session[K, V]) track(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	fn()
	return true
}

// goBackground runs fn on a new tracked goroutine; false once closed.
func (s *Session[K, V]) goBackground(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// close stops background work, drops subscriptions and cached data and
// announces exactly one cleared event.
func (s *Session[K, V]) close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.stopNotify != nil {
		s.stopNotify()
	}
	s.debounce.Stop()
	s.cancel()
	s.loader.Close()
	s.wg.Wait()

	err := s.store.ClearAll(ctx)
	s.subs.clear()
	s.emitter.EmitCleared()
	return err
}
