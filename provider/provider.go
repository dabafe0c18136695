// Package provider defines the byte store that backs cached record values.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly the
// same []byte that was previously passed to Set for a key (no prepended/appended
// metadata, no re-encoding, no mutation).
//
// Important: keys under "<namespace>:" prefixes are owned by loadcache sessions.
// Foreign writes under these prefixes are treated as corruption and deleted.
package provider

import "context"

// Provider is a minimal byte store. It must be safe for concurrent use.
// Entries never expire on their own from the cache's point of view; a store that
// evicts under pressure is fine, the cache treats a vanished value as never fetched.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value. May ignore cost if unsupported.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}
