package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/loadcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	EvictEvery uint64
	BatchEvery uint64
	StaleEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	evictCtr atomic.Uint64
	batchCtr atomic.Uint64
	staleCtr atomic.Uint64
}

var _ loadcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) BatchDispatched(keys, chunks int) {
	if h.l == nil || !sample(h.opts.BatchEvery, &h.batchCtr) {
		return
	}
	h.l.Debug("loadcache.batch_dispatched",
		"keys", keys,
		"chunks", chunks)
}

func (h *Hooks) ChunkFailed(chunkID string, keys int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("loadcache.chunk_failed",
		"chunk", chunkID,
		"keys", keys,
		"err", err)
}

func (h *Hooks) StaleWriteIgnored(key string, version uint64) {
	if h.l == nil || !sample(h.opts.StaleEvery, &h.staleCtr) {
		return
	}
	h.l.Debug("loadcache.stale_write_ignored",
		"key", h.redact(key),
		"version", version)
}

func (h *Hooks) ValueEvicted(key, reason string) {
	if h.l == nil || !sample(h.opts.EvictEvery, &h.evictCtr) {
		return
	}
	h.l.Debug("loadcache.value_evicted",
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) ReconcileDispatched(keys int, version uint64) {
	if h.l == nil {
		return
	}
	h.l.Debug("loadcache.reconcile_dispatched",
		"keys", keys,
		"version", version)
}

func (h *Hooks) WriteRefetched(keys, failed int) {
	if h.l == nil {
		return
	}
	if failed > 0 {
		h.l.Warn("loadcache.write_refetch_incomplete",
			"keys", keys,
			"failed", failed)
		return
	}
	h.l.Debug("loadcache.write_refetched", "keys", keys)
}
