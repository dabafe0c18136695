package loadcache

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrClosed = errors.New("loadcache: closed")

	// ErrShortResponse is the cause for keys a bulk read returned no result for.
	ErrShortResponse = errors.New("loadcache: bulk read returned fewer results than requested")

	// ErrConfirmationTimeout may be returned by a Confirmation that gave up waiting.
	// It is treated like a deadline: the write may have applied.
	ErrConfirmationTimeout = errors.New("loadcache: write confirmation timed out")

	ErrInsufficientPrecondition = errors.New("loadcache: write precondition not satisfied")
)

// FetchError is the per-key failure a caller receives from Load or LoadMany.
type FetchError struct {
	Key   string // canonical key
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %q: %v", e.Key, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// ChunkError is a transport failure of one bulk read. Every key of the chunk
// receives a FetchError wrapping the same ChunkError.
type ChunkError struct {
	ID    string
	Keys  []string
	Cause error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %s (%d keys): %v", e.ID, len(e.Keys), e.Cause)
}

func (e *ChunkError) Unwrap() error { return e.Cause }

// RefreshError is a failure of a background refresh. It only ever reaches the ErrorSink.
// Op is "reconcile" or "refetch_after_write".
type RefreshError struct {
	Op      string
	Keys    []string
	Handles []string
	Cause   error
}

func (e *RefreshError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d keys", e.Op, len(e.Keys))
	if len(e.Handles) > 0 {
		fmt.Fprintf(&b, " (write %s)", strings.Join(e.Handles, ","))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *RefreshError) Unwrap() error { return e.Cause }

// PreconditionError reports a write whose own precondition failed, so its keys
// were not refetched.
type PreconditionError struct {
	Keys    []string
	Handles []string
	Cause   error
}

func (e *PreconditionError) Error() string {
	msg := fmt.Sprintf("write %s: precondition failed for %d keys",
		strings.Join(e.Handles, ","), len(e.Keys))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PreconditionError) Unwrap() []error {
	errs := make([]error, 0, 2)
	errs = append(errs, ErrInsufficientPrecondition)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}
