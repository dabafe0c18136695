package loadcache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/loadcache/emitter"
	"github.com/unkn0wn-root/loadcache/store"
)

func TestLoadDedupsConcurrentCallers(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a": "A", "b": "B"}, func(o *Options[string, string]) {
		o.Tuning.BatchDuration = 30 * time.Millisecond
	})
	s := env.session()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			v, ok, err := s.Loader().Load(ctx, "a")
			if err != nil || !ok || v != "A" {
				errs <- errors.New("bad load of a: " + v)
			}
		}()
		go func() {
			defer wg.Done()
			res := s.Fetch(ctx, []string{"b", "a", "b"})
			if res[0].Value != "B" || res[1].Value != "A" || res[2].Value != "B" {
				errs <- errors.New("bad fetch")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	if got := env.reader.readsOf("a"); got != 1 {
		t.Fatalf("a read %d times, want 1 (calls=%v)", got, env.reader.snapshotCalls())
	}
	if got := env.reader.readsOf("b"); got != 1 {
		t.Fatalf("b read %d times, want 1", got)
	}
}

func TestLoadManyPreservesOrderAndMultiplicity(t *testing.T) {
	env := newTestEnv(t, map[string]string{"x": "X", "y": "Y"}, nil)
	res := env.session().Fetch(context.Background(), []string{"y", "x", "missing", "y"})
	if len(res) != 4 {
		t.Fatalf("len=%d", len(res))
	}
	want := []Result[string]{{Value: "Y", Found: true}, {Value: "X", Found: true}, {}, {Value: "Y", Found: true}}
	for i := range want {
		if res[i].Value != want[i].Value || res[i].Found != want[i].Found || res[i].Err != nil {
			t.Fatalf("res[%d]=%+v want %+v", i, res[i], want[i])
		}
	}
	calls := env.reader.snapshotCalls()
	if len(calls) != 1 || strings.Join(calls[0], ",") != "y,x,missing" {
		t.Fatalf("calls=%v, want one call [y x missing]", calls)
	}
}

func TestEndToEndValueNotFoundAndError(t *testing.T) {
	env := newTestEnv(t, map[string]string{"A": "alpha"}, nil)
	boom := errors.New("account decode failed")
	env.reader.keyErr["C"] = boom
	s := env.session()
	ctx := context.Background()

	var updates []emitter.BatchUpdate
	s.OnBatchUpdate(func(u emitter.BatchUpdate) { updates = append(updates, u) })

	res := s.Fetch(ctx, []string{"A", "B", "C"})
	if res[0].Value != "alpha" || !res[0].Found || res[0].Err != nil {
		t.Fatalf("A: %+v", res[0])
	}
	if res[1].Found || res[1].Err != nil {
		t.Fatalf("B should be NotFound: %+v", res[1])
	}
	var fe *FetchError
	if !errors.As(res[2].Err, &fe) || fe.Key != "C" || !errors.Is(res[2].Err, boom) {
		t.Fatalf("C should fail with FetchError wrapping cause: %v", res[2].Err)
	}

	if e := s.Entry(ctx, "A"); e.State != store.StatePresent || e.Version != 100 || e.Value != "alpha" {
		t.Fatalf("A entry: %+v", e)
	}
	if e := s.Entry(ctx, "B"); e.State != store.StateNotFound || e.Version != 100 {
		t.Fatalf("B entry: %+v", e)
	}
	if e := s.Entry(ctx, "C"); e.State != store.StateUnknown || !errors.Is(e.Err, boom) {
		t.Fatalf("C entry: %+v", e)
	}

	if len(updates) != 1 {
		t.Fatalf("want one batch update, got %d", len(updates))
	}
	if !updates[0].Has("A") || !updates[0].Has("B") || updates[0].Has("C") {
		t.Fatalf("batch keys=%v", updates[0].Keys)
	}

	// a cached NotFound answers without a round trip
	before := env.reader.callCount()
	if _, ok, err := s.Get(ctx, "B"); ok || err != nil {
		t.Fatalf("Get B: ok=%v err=%v", ok, err)
	}
	if env.reader.callCount() != before {
		t.Fatalf("cached NotFound must not hit the reader")
	}
	// a failed key is retried by Get
	delete(env.reader.keyErr, "C")
	env.reader.set("C", "gamma")
	if v, ok, err := s.Get(ctx, "C"); err != nil || !ok || v != "gamma" {
		t.Fatalf("Get C after recovery: %q %v %v", v, ok, err)
	}
}

func TestChunkFailureIsIsolated(t *testing.T) {
	data := map[string]string{"a": "1", "b": "2", "c": "3", "d": "4", "e": "5"}
	boom := errors.New("429 too many requests")
	env := newTestEnv(t, data, func(o *Options[string, string]) {
		o.Tuning.ChunkSize = 2
		o.Tuning.MaxConcurrentChunks = 2
	})
	env.reader.chunkFn = func(keys []string) error {
		for _, k := range keys {
			if k == "c" {
				return boom
			}
		}
		return nil
	}

	res := env.session().Fetch(context.Background(), []string{"a", "b", "c", "d", "e"})
	for i, k := range []string{"a", "b", "e"} {
		idx := map[string]int{"a": 0, "b": 1, "e": 4}[k]
		if res[idx].Err != nil || res[idx].Value != data[k] {
			t.Fatalf("%d: key %s should succeed: %+v", i, k, res[idx])
		}
	}
	for _, idx := range []int{2, 3} {
		var ce *ChunkError
		if !errors.As(res[idx].Err, &ce) || !errors.Is(res[idx].Err, boom) {
			t.Fatalf("res[%d] should carry the chunk error: %v", idx, res[idx].Err)
		}
		if strings.Join(ce.Keys, ",") != "c,d" {
			t.Fatalf("chunk keys=%v", ce.Keys)
		}
	}
	if env.reader.callCount() != 3 {
		t.Fatalf("want 3 chunk calls, got %d", env.reader.callCount())
	}
	if env.hooks.chunks != 1 {
		t.Fatalf("ChunkFailed hook calls=%d", env.hooks.chunks)
	}
}

func TestReaderPanicFailsOnlyItsChunk(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a": "1", "b": "2"}, func(o *Options[string, string]) {
		o.Tuning.ChunkSize = 1
	})
	env.reader.panicOn = "b"
	res := env.session().Fetch(context.Background(), []string{"a", "b"})
	if res[0].Err != nil || res[0].Value != "1" {
		t.Fatalf("a: %+v", res[0])
	}
	var ce *ChunkError
	if !errors.As(res[1].Err, &ce) || !strings.Contains(ce.Error(), "panicked") {
		t.Fatalf("b: %v", res[1].Err)
	}
}

func TestShortAndLongResponses(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a": "1", "b": "2", "c": "3"}, nil)
	env.reader.short = 1
	res := env.session().Fetch(context.Background(), []string{"a", "b", "c"})
	if res[0].Err != nil || res[1].Err != nil {
		t.Fatalf("leading keys should succeed: %+v", res)
	}
	if !errors.Is(res[2].Err, ErrShortResponse) {
		t.Fatalf("trailing key: %v", res[2].Err)
	}

	env2 := newTestEnv(t, map[string]string{"a": "1"}, nil)
	env2.reader.extra = 2
	res = env2.session().Fetch(context.Background(), []string{"a"})
	if len(res) != 1 || res[0].Value != "1" || res[0].Err != nil {
		t.Fatalf("extra results must be ignored: %+v", res)
	}
}

func TestStaleResultYieldsNewerValue(t *testing.T) {
	env := newTestEnv(t, map[string]string{"k": "old"}, nil)
	s := env.session()
	ctx := context.Background()

	// a newer fetch already landed
	if _, err := s.store.Put(ctx, "k", "new", true, 500); err != nil {
		t.Fatalf("seed: %v", err)
	}
	v, ok, err := s.Refetch(ctx, "k")
	if err != nil || !ok || v != "new" {
		t.Fatalf("Refetch=%q %v %v; want the newer cached value", v, ok, err)
	}
	if e := s.Entry(ctx, "k"); e.Version != 500 || e.Value != "new" || e.Fetching {
		t.Fatalf("entry regressed: %+v", e)
	}
	if len(env.hooks.stale) != 1 || env.hooks.stale[0] != "k" {
		t.Fatalf("StaleWriteIgnored hook=%v", env.hooks.stale)
	}
}

func TestVersionFallsBackOnClockError(t *testing.T) {
	env := newTestEnv(t, map[string]string{"k": "v"}, nil)
	s := env.session()
	ctx := context.Background()

	env.clock.Set(120)
	s.Fetch(ctx, []string{"k"})
	env.clock.SetError(errors.New("rpc unavailable"))
	if _, _, err := s.Refetch(ctx, "k"); err != nil {
		t.Fatalf("Refetch: %v", err)
	}
	if e := s.Entry(ctx, "k"); e.Version != 120 {
		t.Fatalf("version=%d want last known 120", e.Version)
	}
}

func TestClearStartsNewPending(t *testing.T) {
	env := newTestEnv(t, map[string]string{"k": "v1"}, nil)
	s := env.session()
	ctx := context.Background()

	s.Fetch(ctx, []string{"k"})
	env.reader.set("k", "v2")
	// the memo was released on delivery; a plain Load fetches fresh
	if v, _, _ := s.Loader().Load(ctx, "k"); v != "v2" {
		t.Fatalf("Load=%q want v2", v)
	}
	if env.reader.readsOf("k") != 2 {
		t.Fatalf("reads=%d", env.reader.readsOf("k"))
	}
}

func TestClearDuringWindowGroupsByKey(t *testing.T) {
	env := newTestEnv(t, map[string]string{"k": "v"}, func(o *Options[string, string]) {
		o.Tuning.BatchDuration = 40 * time.Millisecond
	})
	l := env.session().Loader()
	ctx := context.Background()

	var wg sync.WaitGroup
	got := make([]string, 2)
	wg.Add(1)
	go func() { defer wg.Done(); got[0], _, _ = l.Load(ctx, "k") }()
	time.Sleep(10 * time.Millisecond)
	l.Clear("k")
	wg.Add(1)
	go func() { defer wg.Done(); got[1], _, _ = l.Load(ctx, "k") }()
	wg.Wait()

	if got[0] != "v" || got[1] != "v" {
		t.Fatalf("got=%v", got)
	}
	if n := env.reader.readsOf("k"); n != 1 {
		t.Fatalf("one window must read k once, read %d times", n)
	}
}

func TestLoaderCloseFailsWaiting(t *testing.T) {
	env := newTestEnv(t, nil, func(o *Options[string, string]) {
		o.Tuning.BatchDuration = time.Hour
	})
	l := env.session().Loader()

	done := make(chan error, 1)
	go func() {
		_, _, err := l.Load(context.Background(), "k")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	l.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err=%v want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Load did not return after Close")
	}
	if _, _, err := l.Load(context.Background(), "k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Load after Close: %v", err)
	}
}

func TestLoadHonoursCallerContext(t *testing.T) {
	env := newTestEnv(t, map[string]string{"k": "v"}, func(o *Options[string, string]) {
		o.Tuning.BatchDuration = 200 * time.Millisecond
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, _, err := env.session().Loader().Load(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}

func TestFetchTimeoutBoundsChunk(t *testing.T) {
	env := newTestEnv(t, map[string]string{"k": "v"}, func(o *Options[string, string]) {
		o.Tuning.FetchTimeout = 20 * time.Millisecond
	})
	env.reader.delay = time.Second
	res := env.session().Fetch(context.Background(), []string{"k"})
	if !errors.Is(res[0].Err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", res[0].Err)
	}
}

func TestEntryShowsLoadInFlight(t *testing.T) {
	env := newTestEnv(t, map[string]string{"k": "v"}, nil)
	env.reader.delay = 100 * time.Millisecond
	env.reader.keyErr["bad"] = errors.New("account data too large")
	s := env.session()
	ctx := context.Background()

	if e := s.Entry(ctx, "k"); e.Fetching {
		t.Fatalf("nobody asked for k yet: %+v", e)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Fetch(ctx, []string{"k", "bad"})
	}()

	eventually(t, time.Second, func() bool { return s.Entry(ctx, "k").Fetching }, "k marked fetching")
	e := s.Entry(ctx, "k")
	if e.State != store.StateUnknown || e.Fetched || e.FetchingVersion != 100 {
		t.Fatalf("during load: %+v", e)
	}
	<-done

	if e := s.Entry(ctx, "k"); e.Fetching || !e.Fetched || e.State != store.StatePresent {
		t.Fatalf("after load: %+v", e)
	}
	// a failed load is distinguishable from one still running
	if e := s.Entry(ctx, "bad"); e.Fetching || e.Err == nil {
		t.Fatalf("after failure: %+v", e)
	}
}

func TestPinnedLoadStoresAtGivenVersion(t *testing.T) {
	env := newTestEnv(t, map[string]string{"k": "v"}, nil)
	s := env.session()
	ctx := context.Background()

	env.clock.Set(130)
	res := s.Loader().loadManyAt(ctx, []string{"k"}, 110)
	if res[0].Err != nil || !res[0].Found {
		t.Fatalf("res=%+v", res[0])
	}
	if e := s.Entry(ctx, "k"); e.Version != 110 || e.Fetching {
		t.Fatalf("entry=%+v want version 110", e)
	}

	// unpinned loads still use the clock at flush time
	if _, _, err := s.Refetch(ctx, "k"); err != nil {
		t.Fatalf("Refetch: %v", err)
	}
	if e := s.Entry(ctx, "k"); e.Version != 130 {
		t.Fatalf("entry=%+v want version 130", e)
	}
}
