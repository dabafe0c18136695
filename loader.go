package loadcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/loadcache/emitter"
	"github.com/unkn0wn-root/loadcache/internal/util"
	"github.com/unkn0wn-root/loadcache/keycodec"
	"github.com/unkn0wn-root/loadcache/store"
)

type pending[K any, V any] struct {
	id   string
	key  K
	at   uint64 // version to store the result at; 0 => the flush version
	done chan struct{}

	val   V
	found bool
	err   error
}

func (p *pending[K, V]) resolve(v V, found bool, err error) {
	p.val, p.found, p.err = v, found, err
	close(p.done)
}

func (p *pending[K, V]) wait(ctx context.Context) (V, bool, error) {
	select {
	case <-p.done:
		return p.val, p.found, p.err
	case <-ctx.Done():
		var zero V
		return zero, false, ctx.Err()
	}
}

type loaderConfig struct {
	batch        time.Duration
	chunkSize    int
	maxChunks    int
	fetchTimeout time.Duration
}

// Loader coalesces concurrent loads into batched bulk reads.
//
// Loads registered within one batch window share a single flush. A flush reads
// each distinct canonical key once, in chunks of at most ChunkSize keys issued
// concurrently, writes the results to the store at the version current when the
// flush was dispatched and announces the keys whose value changed.
//
// A pending load stays memoized from its first registration until its result is
// delivered, so every caller asking for the key meanwhile joins it.
type Loader[K any, V any] struct {
	keys   keycodec.Codec[K]
	reader BulkReader[K, V]
	clock  Clock
	store  *store.Store[V]
	emit   *emitter.Emitter
	log    Logger
	hooks  Hooks
	cfg    loaderConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	window []*pending[K, V]
	memo   map[string]*pending[K, V]
	timer  *time.Timer
	closed bool

	vmu         sync.Mutex
	lastVersion uint64
}

type loaderDeps[K any, V any] struct {
	keys   keycodec.Codec[K]
	reader BulkReader[K, V]
	clock  Clock
	store  *store.Store[V]
	emit   *emitter.Emitter
	log    Logger
	hooks  Hooks
	cfg    loaderConfig
}

func newLoader[K any, V any](parent context.Context, d loaderDeps[K, V]) *Loader[K, V] {
	ctx, cancel := context.WithCancel(parent)
	return &Loader[K, V]{
		keys:   d.keys,
		reader: d.reader,
		clock:  d.clock,
		store:  d.store,
		emit:   d.emit,
		log:    d.log,
		hooks:  d.hooks,
		cfg:    d.cfg,
		ctx:    ctx,
		cancel: cancel,
		memo:   make(map[string]*pending[K, V]),
	}
}

// Load returns the remote value of key. found=false with a nil error means the
// record is confirmed absent. A per-key failure is a *FetchError.
func (l *Loader[K, V]) Load(ctx context.Context, key K) (V, bool, error) {
	l.mu.Lock()
	p, err := l.enqueueLocked(key, 0)
	l.mu.Unlock()
	if err != nil {
		var zero V
		return zero, false, err
	}
	return p.wait(ctx)
}

// LoadMany loads keys in one batch window. The result is aligned with keys,
// duplicates included; each position fails or succeeds on its own.
func (l *Loader[K, V]) LoadMany(ctx context.Context, keys []K) []Result[V] {
	return l.loadManyAt(ctx, keys, 0)
}

// loadManyAt is LoadMany with new loads stored at version rather than at the
// version the flush reads. Keys joining a load already pending keep its version.
func (l *Loader[K, V]) loadManyAt(ctx context.Context, keys []K, version uint64) []Result[V] {
	out := make([]Result[V], len(keys))
	ps := make([]*pending[K, V], len(keys))

	l.mu.Lock()
	for i, k := range keys {
		p, err := l.enqueueLocked(k, version)
		if err != nil {
			out[i].Err = err
			continue
		}
		ps[i] = p
	}
	l.mu.Unlock()

	for i, p := range ps {
		if p == nil {
			continue
		}
		v, found, err := p.wait(ctx)
		out[i] = Result[V]{Value: v, Found: found, Err: err}
	}
	return out
}

// Clear forgets the pending load of key so the next Load starts a new one.
// A fetch already in flight is not cancelled and still writes its result.
func (l *Loader[K, V]) Clear(key K) {
	id := l.keys.Canonical(key)
	l.mu.Lock()
	delete(l.memo, id)
	l.mu.Unlock()
}

// ClearAll forgets every pending load.
func (l *Loader[K, V]) ClearAll() {
	l.mu.Lock()
	l.memo = make(map[string]*pending[K, V])
	l.mu.Unlock()
}

// Close fails loads still waiting for their window with ErrClosed, cancels
// in-flight reads and waits for their flushes to finish.
func (l *Loader[K, V]) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	waiting := l.window
	l.window = nil
	l.memo = make(map[string]*pending[K, V])
	l.mu.Unlock()

	var zero V
	for _, p := range waiting {
		p.resolve(zero, false, ErrClosed)
	}
	l.cancel()
	l.wg.Wait()
}

func (l *Loader[K, V]) enqueueLocked(key K, at uint64) (*pending[K, V], error) {
	if l.closed {
		return nil, ErrClosed
	}
	id := l.keys.Canonical(key)
	if p, ok := l.memo[id]; ok {
		return p, nil
	}
	p := &pending[K, V]{id: id, key: key, at: at, done: make(chan struct{})}
	l.memo[id] = p
	l.window = append(l.window, p)
	if l.timer == nil {
		l.timer = time.AfterFunc(l.cfg.batch, l.flush)
	}
	return p, nil
}

func (l *Loader[K, V]) flush() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	batch := l.window
	l.window = nil
	l.timer = nil
	l.wg.Add(1)
	l.mu.Unlock()

	defer l.wg.Done()
	if len(batch) > 0 {
		l.dispatch(batch)
	}
}

// currentVersion reads the clock, falling back to the last value read successfully.
func (l *Loader[K, V]) currentVersion(ctx context.Context) (uint64, error) {
	v, err := l.clock.CurrentVersion(ctx)
	l.vmu.Lock()
	defer l.vmu.Unlock()
	if err != nil {
		return l.lastVersion, err
	}
	if v > l.lastVersion {
		l.lastVersion = v
	}
	return l.lastVersion, nil
}

func (l *Loader[K, V]) dispatch(batch []*pending[K, V]) {
	// group by canonical key; a key cleared and re-requested in one window has two pendings
	var (
		ids    []string
		keys   []K
		groups = make(map[string][]*pending[K, V], len(batch))
	)
	for _, p := range batch {
		if _, ok := groups[p.id]; !ok {
			ids = append(ids, p.id)
			keys = append(keys, p.key)
		}
		groups[p.id] = append(groups[p.id], p)
	}

	version, err := l.currentVersion(l.ctx)
	if err != nil {
		l.log.Warn("clock read failed; using last known version", Fields{"version": version, "err": err})
	}

	// in-flight from here on; Put and Fail at the same version clear the marker
	versions := make([]uint64, len(ids))
	for i, id := range ids {
		versions[i] = version
		for _, p := range groups[id] {
			if p.at != 0 {
				versions[i] = p.at
				break
			}
		}
		l.store.MarkFetching(id, versions[i])
	}

	idChunks := util.Chunks(ids, l.cfg.chunkSize)
	keyChunks := util.Chunks(keys, l.cfg.chunkSize)
	versionChunks := util.Chunks(versions, l.cfg.chunkSize)
	l.hooks.BatchDispatched(len(ids), len(idChunks))
	l.log.Debug("flushing batch", Fields{"keys": len(ids), "chunks": len(idChunks), "version": version})

	var (
		g       errgroup.Group
		mu      sync.Mutex
		changed = make(map[string]struct{})
		out     = make([]delivery[V], 0, len(ids))
	)
	if l.cfg.maxChunks > 0 {
		g.SetLimit(l.cfg.maxChunks)
	}
	for i := range idChunks {
		cids, ckeys, cvers := idChunks[i], keyChunks[i], versionChunks[i]
		g.Go(func() error {
			ds := l.fetchChunk(cids, ckeys, cvers)
			mu.Lock()
			for _, d := range ds {
				if d.changed {
					changed[d.id] = struct{}{}
				}
			}
			out = append(out, ds...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // chunks never fail the group

	// listeners see the store already updated; callers resume after the announcement
	l.emit.EmitBatchUpdate(changed)
	for _, d := range out {
		l.deliver(d.id, groups[d.id], d.val, d.found, d.err)
	}
}

type delivery[V any] struct {
	id      string
	val     V
	found   bool
	changed bool
	err     error
}

// fetchChunk reads one chunk and stores each result at the version of its key.
func (l *Loader[K, V]) fetchChunk(ids []string, keys []K, versions []uint64) []delivery[V] {
	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.fetchTimeout)
	defer cancel()

	out := make([]delivery[V], len(ids))
	res, err := l.read(ctx, keys)
	if err != nil {
		ce := &ChunkError{ID: util.ChunkID("chunk", ids), Keys: ids, Cause: err}
		l.hooks.ChunkFailed(ce.ID, len(ids), err)
		l.log.Warn("bulk read failed", Fields{"chunk": ce.ID, "keys": len(ids), "err": err})
		for i, id := range ids {
			fe := &FetchError{Key: id, Cause: ce}
			l.store.Fail(id, fe, versions[i])
			out[i] = delivery[V]{id: id, err: fe}
		}
		return out
	}
	if len(res) > len(ids) {
		l.log.Warn("bulk read returned extra results; ignoring", Fields{"requested": len(ids), "got": len(res)})
	}

	for i, id := range ids {
		r := Result[V]{Err: ErrShortResponse}
		if i < len(res) {
			r = res[i]
		}
		v, found, ch, err := l.apply(ctx, id, r, versions[i])
		out[i] = delivery[V]{id: id, val: v, found: found, changed: ch, err: err}
	}
	return out
}

// read calls the bulk reader, turning a panic into an error for this chunk only.
func (l *Loader[K, V]) read(ctx context.Context, keys []K) (res []Result[V], err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("bulk reader panicked: %v", r)
		}
	}()
	return l.reader.ReadMany(ctx, keys)
}

// apply writes one result to the store and returns what the callers should see.
func (l *Loader[K, V]) apply(ctx context.Context, id string, r Result[V], version uint64) (v V, found, changed bool, err error) {
	var zero V
	if r.Err != nil {
		fe := &FetchError{Key: id, Cause: r.Err}
		l.store.Fail(id, fe, version)
		return zero, false, false, fe
	}
	if !r.Found {
		r.Value = zero
	}
	out, perr := l.store.Put(ctx, id, r.Value, r.Found, version)
	if perr != nil {
		fe := &FetchError{Key: id, Cause: perr}
		l.store.Fail(id, fe, version)
		return zero, false, false, fe
	}
	switch out {
	case store.Ignored:
		// a newer version landed first; hand out that one
		l.hooks.StaleWriteIgnored(id, version)
		l.log.Debug("stale fetch result ignored", Fields{"key": id, "version": version})
		e := l.store.Get(ctx, id)
		return e.Value, e.State == store.StatePresent, false, nil
	case store.Applied:
		return r.Value, r.Found, true, nil
	default:
		return r.Value, r.Found, false, nil
	}
}

func (l *Loader[K, V]) deliver(id string, ps []*pending[K, V], v V, found bool, err error) {
	l.mu.Lock()
	for _, p := range ps {
		if l.memo[id] == p {
			delete(l.memo, id)
		}
	}
	l.mu.Unlock()
	for _, p := range ps {
		p.resolve(v, found, err)
	}
}
