package loadcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/loadcache/clock"
	c "github.com/unkn0wn-root/loadcache/codec"
	"github.com/unkn0wn-root/loadcache/provider/memory"
)

// fakeReader serves string records from a map and records every bulk call.
type fakeReader struct {
	mu      sync.Mutex
	data    map[string]string // present records
	keyErr  map[string]error  // per-key failures
	failN   map[string]int    // fail the key this many more times, then serve it
	chunkFn func(keys []string) error
	panicOn string
	short   int // drop this many trailing results
	extra   int // append this many bogus results
	delay   time.Duration

	calls [][]string
	at    []time.Time
}

func newFakeReader(data map[string]string) *fakeReader {
	if data == nil {
		data = map[string]string{}
	}
	return &fakeReader{data: data, keyErr: map[string]error{}, failN: map[string]int{}}
}

func (r *fakeReader) ReadMany(ctx context.Context, keys []string) ([]Result[string], error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string(nil), keys...))
	r.at = append(r.at, time.Now())
	delay, chunkFn, panicOn := r.delay, r.chunkFn, r.panicOn
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for _, k := range keys {
		if panicOn != "" && k == panicOn {
			panic("reader exploded on " + k)
		}
	}
	if chunkFn != nil {
		if err := chunkFn(keys); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result[string], 0, len(keys)+r.extra)
	for _, k := range keys {
		if n := r.failN[k]; n > 0 {
			r.failN[k] = n - 1
			out = append(out, Result[string]{Err: errors.New("transient " + k)})
			continue
		}
		if err := r.keyErr[k]; err != nil {
			out = append(out, Result[string]{Err: err})
			continue
		}
		v, ok := r.data[k]
		out = append(out, Result[string]{Value: v, Found: ok})
	}
	out = out[:len(out)-min(r.short, len(out))]
	for i := 0; i < r.extra; i++ {
		out = append(out, Result[string]{Value: "bogus", Found: true})
	}
	return out, nil
}

func (r *fakeReader) set(k, v string) {
	r.mu.Lock()
	r.data[k] = v
	r.mu.Unlock()
}

func (r *fakeReader) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeReader) readsOf(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, call := range r.calls {
		for _, k := range call {
			if k == key {
				n++
			}
		}
	}
	return n
}

func (r *fakeReader) snapshotCalls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// recordingSink collects reported background errors.
type recordingSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *recordingSink) Report(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *recordingSink) all() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// recordingHooks counts hook calls.
type recordingHooks struct {
	NopHooks
	mu      sync.Mutex
	stale   []string
	evicted []string
	chunks  int
	batches int
	writes  [][2]int
}

func (h *recordingHooks) StaleWriteIgnored(key string, _ uint64) {
	h.mu.Lock()
	h.stale = append(h.stale, key)
	h.mu.Unlock()
}

func (h *recordingHooks) ValueEvicted(key, reason string) {
	h.mu.Lock()
	h.evicted = append(h.evicted, key+":"+reason)
	h.mu.Unlock()
}

func (h *recordingHooks) ChunkFailed(string, int, error) {
	h.mu.Lock()
	h.chunks++
	h.mu.Unlock()
}

func (h *recordingHooks) BatchDispatched(int, int) {
	h.mu.Lock()
	h.batches++
	h.mu.Unlock()
}

func (h *recordingHooks) WriteRefetched(keys, failed int) {
	h.mu.Lock()
	h.writes = append(h.writes, [2]int{keys, failed})
	h.mu.Unlock()
}

type testEnv struct {
	client   *Client[string, string]
	reader   *fakeReader
	clock    *clock.Manual
	sink     *recordingSink
	hooks    *recordingHooks
	provider *memory.Provider
}

func (e *testEnv) session() *Session[string, string] { return e.client.Session() }

// fastTuning keeps background loops quiet unless a test opts in.
func fastTuning() Tuning {
	return Tuning{
		BatchDuration:     5 * time.Millisecond,
		ReconcileInterval: time.Hour,
		ReconcileDebounce: 5 * time.Millisecond,
		RefetchDelay:      10 * time.Millisecond,
		ConfirmTimeout:    time.Second,
	}
}

func newTestEnv(t *testing.T, data map[string]string, tune func(*Options[string, string])) *testEnv {
	t.Helper()
	env := &testEnv{
		reader:   newFakeReader(data),
		clock:    clock.NewManual(100),
		sink:     &recordingSink{},
		hooks:    &recordingHooks{},
		provider: memory.New(),
	}
	opts := Options[string, string]{
		Reader:    env.reader,
		Clock:     env.clock,
		Codec:     c.String{},
		Provider:  env.provider,
		ErrorSink: env.sink,
		Hooks:     env.hooks,
		Tuning:    fastTuning(),
	}
	if tune != nil {
		tune(&opts)
	}
	cl, err := New[string, string](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.client = cl
	t.Cleanup(func() { _ = cl.Close(context.Background()) })
	return env
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, within time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", within, msg)
}
