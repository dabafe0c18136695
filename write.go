package loadcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/grafana/dskit/backoff"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const opRefetchAfterWrite = "refetch_after_write"

// WriteState is the progress of the post-write refetch of one write.
type WriteState uint8

const (
	WriteAwaitingConfirmation WriteState = iota
	WriteConfirmed
	WriteConfirmationTimedOut
	WriteConfirmationFailed
	WritePreconditionFailed
	WriteBroadcastFailed
	WriteRefetching
	WriteDone
)

func (s WriteState) String() string {
	switch s {
	case WriteAwaitingConfirmation:
		return "awaiting_confirmation"
	case WriteConfirmed:
		return "confirmed"
	case WriteConfirmationTimedOut:
		return "confirmation_timed_out"
	case WriteConfirmationFailed:
		return "confirmation_failed"
	case WritePreconditionFailed:
		return "precondition_failed"
	case WriteBroadcastFailed:
		return "broadcast_failed"
	case WriteRefetching:
		return "refetching"
	default:
		return "done"
	}
}

// Write describes a write submitted elsewhere whose keys must be refetched once
// it lands.
type Write[K any] struct {
	// Keys the write mutates. Duplicates are refetched once.
	Keys []K
	// Confirmations of the submitted write; all are awaited concurrently.
	Confirmations []Confirmation
	// BroadcastErr is set when the write never left the client; nothing is refetched.
	BroadcastErr error
	// Precondition is set when the write's own precondition failed (e.g. balance);
	// a *PreconditionError is reported and nothing is refetched.
	Precondition error
	// RefetchDelay overrides Tuning.RefetchDelay for this write; 0 => default.
	RefetchDelay time.Duration
}

// WriteTracker observes the post-write refetch of one write.
// It never reports on the write itself.
type WriteTracker struct {
	mu    sync.Mutex
	state WriteState
	err   error
	done  chan struct{}
}

func newWriteTracker() *WriteTracker {
	return &WriteTracker{state: WriteAwaitingConfirmation, done: make(chan struct{})}
}

func (t *WriteTracker) State() WriteState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once the tracker reached WriteDone.
func (t *WriteTracker) Done() <-chan struct{} { return t.done }

// Err is the failure reported for this write, if any. Valid after Done.
func (t *WriteTracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *WriteTracker) set(s WriteState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *WriteTracker) finish(err error) {
	t.mu.Lock()
	t.state = WriteDone
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

// AfterWrite schedules the refetch of the keys of w and returns immediately.
// Failures only reach the ErrorSink and the tracker.
func (s *Session[K, V]) AfterWrite(w Write[K]) *WriteTracker {
	t := newWriteTracker()
	if !s.goBackground(func() { s.runWrite(t, w) }) {
		t.finish(ErrClosed)
	}
	return t
}

func (s *Session[K, V]) runWrite(t *WriteTracker, w Write[K]) {
	keys, ids := s.dedupKeys(w.Keys)
	handles := make([]string, 0, len(w.Confirmations))
	for _, c := range w.Confirmations {
		handles = append(handles, c.ID())
	}

	if w.BroadcastErr != nil {
		t.set(WriteBroadcastFailed)
		s.log.Debug("write not broadcast; skipping refetch", Fields{"keys": len(ids), "err": w.BroadcastErr})
		t.finish(nil)
		return
	}
	if w.Precondition != nil {
		t.set(WritePreconditionFailed)
		err := &PreconditionError{Keys: ids, Handles: handles, Cause: w.Precondition}
		s.report(err)
		t.finish(err)
		return
	}

	switch err := s.awaitConfirmations(w.Confirmations); {
	case err == nil:
		t.set(WriteConfirmed)
	case errors.Is(err, ErrConfirmationTimeout) || errors.Is(err, context.DeadlineExceeded):
		// the write may have applied; refetch anyway
		t.set(WriteConfirmationTimedOut)
		s.log.Warn("write confirmation timed out; refetching", Fields{"handles": handles})
	case s.ctx.Err() != nil:
		t.finish(ErrClosed)
		return
	default:
		t.set(WriteConfirmationFailed)
		rerr := &RefreshError{Op: opRefetchAfterWrite, Keys: ids, Handles: handles,
			Cause: fmt.Errorf("confirmation failed: %w", err)}
		s.report(rerr)
		t.finish(rerr)
		return
	}

	delay := coalesce(w.RefetchDelay, s.tun.RefetchDelay)
	timer := time.NewTimer(delay)
	select {
	case <-s.ctx.Done():
		timer.Stop()
		t.finish(ErrClosed)
		return
	case <-timer.C:
	}

	t.set(WriteRefetching)
	failed, err := s.refetchWithRetry(keys, ids)
	s.hooks.WriteRefetched(len(ids), len(failed))
	if err != nil {
		if s.ctx.Err() != nil {
			t.finish(ErrClosed)
			return
		}
		rerr := &RefreshError{Op: opRefetchAfterWrite, Keys: failed, Handles: handles, Cause: err}
		s.report(rerr)
		t.finish(rerr)
		return
	}
	t.finish(nil)
}

// awaitConfirmations waits for every confirmation, bounded by ConfirmTimeout.
func (s *Session[K, V]) awaitConfirmations(cs []Confirmation) error {
	if len(cs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.tun.ConfirmTimeout)
	defer cancel()

	var g errgroup.Group
	var mu sync.Mutex
	var errs error
	for _, c := range cs {
		c := c
		g.Go(func() error {
			if err := c.Wait(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("confirmation %s: %w", c.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// refetchWithRetry clears and reloads keys, retrying the ones that keep failing.
// It returns the keys still failing after the last attempt.
func (s *Session[K, V]) refetchWithRetry(keys []K, ids []string) ([]string, error) {
	retry := backoff.New(s.ctx, backoff.Config{
		MinBackoff: defaultRefetchBackoff,
		MaxBackoff: 5 * defaultRefetchBackoff,
		MaxRetries: s.tun.RefetchAttempts,
	})
	var errs error
	for retry.Ongoing() {
		for _, k := range keys {
			s.loader.Clear(k)
		}
		res := s.loader.LoadMany(s.ctx, keys)

		var nextKeys []K
		var nextIDs []string
		errs = nil
		for i, r := range res {
			if r.Err != nil {
				nextKeys = append(nextKeys, keys[i])
				nextIDs = append(nextIDs, ids[i])
				errs = multierr.Append(errs, r.Err)
			}
		}
		if errs == nil {
			return nil, nil
		}
		keys, ids = nextKeys, nextIDs
		s.log.Debug("post-write refetch failed", Fields{"attempt": retry.NumRetries() + 1, "failed": len(ids)})
		retry.Wait()
	}

	// the refetch failure says more than the backoff running out
	if errs != nil {
		return ids, errs
	}
	return ids, retry.Err()
}

// dedupKeys drops repeated keys by canonical form, keeping first-seen order.
func (s *Session[K, V]) dedupKeys(in []K) ([]K, []string) {
	seen := make(map[string]struct{}, len(in))
	keys := make([]K, 0, len(in))
	ids := make([]string, 0, len(in))
	for _, k := range in {
		id := s.keys.Canonical(k)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		keys = append(keys, k)
		ids = append(ids, id)
	}
	return keys, ids
}
