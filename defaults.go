package loadcache

import "time"

const (
	defaultNamespace         = "loadcache"
	defaultBatchDuration     = 500 * time.Millisecond
	defaultChunkSize         = 99
	defaultFetchTimeout      = 30 * time.Second
	defaultReconcileInterval = time.Second
	defaultReconcileDebounce = 100 * time.Millisecond
	defaultStaleAfter        = 1000
	defaultRefetchDelay      = time.Second
	defaultRefetchAttempts   = 3
	defaultConfirmTimeout    = 60 * time.Second
	defaultRefetchBackoff    = 250 * time.Millisecond
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// positive returns def unless v > 0.
func positive[T ~int | ~int64](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}
