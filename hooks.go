package loadcache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// A flush was dispatched: keys distinct keys split into chunks bulk reads.
	BatchDispatched(keys, chunks int)

	// A bulk read failed as a whole (error or panic); every key of it failed.
	ChunkFailed(chunkID string, keys int, err error)

	// A fetch result older than the cached version was dropped.
	StaleWriteIgnored(key string, version uint64)

	// A stored value went missing or failed validation and was dropped on read.
	// reason ∈ {"missing", "corrupt", "version_mismatch", "value_decode", "provider_error"}
	ValueEvicted(key, reason string)

	// The reconciler refetched stale subscribed keys at version.
	ReconcileDispatched(keys int, version uint64)

	// A post-write refetch finished; failed is the number of keys still failing.
	WriteRefetched(keys, failed int)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) BatchDispatched(int, int)         {}
func (NopHooks) ChunkFailed(string, int, error)   {}
func (NopHooks) StaleWriteIgnored(string, uint64) {}
func (NopHooks) ValueEvicted(string, string)      {}
func (NopHooks) ReconcileDispatched(int, uint64)  {}
func (NopHooks) WriteRefetched(int, int)          {}
