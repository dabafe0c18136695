// Package loadcache is a client-side read-through cache for remote, key-addressed
// records that are read through a rate limited bulk-read API (account state on a
// ledger, rows behind an RPC gateway).
//
// Components:
//   - Loader: coalesces concurrent loads into deduplicated, chunked bulk reads.
//   - store.Store: versioned entries (unknown, not found, present) whose values are
//     framed with their version and kept in a provider.Provider.
//   - Subscriptions: refcounted interest in keys; a reconciler refetches keys whose
//     cached version lags the logical clock by more than their policy allows.
//   - emitter.Emitter: tells listeners which keys changed, were dropped or cleared.
//   - AfterWrite: refetches the keys of a write once it is confirmed.
//
// Versions:
//
//	every fetch result is stamped with the Clock value read when its batch was
//	dispatched; a result stamped with an older version never replaces a newer one.
//
// Usage:
//
//	cl, _ := loadcache.New[string, Account](loadcache.Options[string, Account]{
//	    Reader: reader,        // BulkReader[string, Account]
//	    Clock:  slotClock,     // Clock, optionally a VersionNotifier
//	    Codec:  codec.JSON[Account]{},
//	})
//	defer cl.Close(ctx)
//
//	s := cl.Session()
//	acct, found, err := s.Get(ctx, "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
//	off := s.Subscribe("9xQe...", loadcache.WithStaleAfter(150))
//	defer off()
package loadcache
