package loadcache

import "context"

// Result is the outcome for one key of a bulk read.
// Found=false with Err=nil is an explicit confirmation that the record does not exist;
// anything else reported through Err is a failure for that key only.
type Result[V any] struct {
	Value V
	Found bool
	Err   error
}

// BulkReader reads many records in one round trip. The returned slice is
// positionally aligned with keys. An error fails the whole call.
type BulkReader[K any, V any] interface {
	ReadMany(ctx context.Context, keys []K) ([]Result[V], error)
}

// BulkReaderFunc adapts a function to BulkReader.
type BulkReaderFunc[K any, V any] func(ctx context.Context, keys []K) ([]Result[V], error)

func (f BulkReaderFunc[K, V]) ReadMany(ctx context.Context, keys []K) ([]Result[V], error) {
	return f(ctx, keys)
}

// Clock returns the current logical version of the remote source
// (ledger height, slot, sequence number). It must never move backwards.
type Clock interface {
	CurrentVersion(ctx context.Context) (uint64, error)
}

// VersionNotifier is optionally implemented by a Clock that pushes version changes.
// Each push triggers a reconciliation pass in addition to the periodic one.
type VersionNotifier interface {
	OnVersionChange(fn func(version uint64)) (remove func())
}

// Confirmation is the in-flight handle of a submitted write.
// Wait blocks until the write is confirmed, fails, or ctx ends.
type Confirmation interface {
	ID() string
	Wait(ctx context.Context) error
}

// ErrorSink receives failures of background work (reconciliation, post-write refetch).
// Report must not block.
type ErrorSink interface {
	Report(err error)
}

// ErrorSinkFunc adapts a function to ErrorSink.
type ErrorSinkFunc func(error)

func (f ErrorSinkFunc) Report(err error) { f(err) }

// logSink is the default sink; it logs and drops.
type logSink struct{ log Logger }

func (s logSink) Report(err error) {
	s.log.Error("background refresh failed", Fields{"err": err})
}
