// Package promhooks exports cache hook events as Prometheus metrics.
package promhooks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/unkn0wn-root/loadcache"
)

type Hooks struct {
	batches       prometheus.Counter
	batchKeys     prometheus.Histogram
	chunks        prometheus.Counter
	chunkFailures prometheus.Counter
	staleWrites   prometheus.Counter
	evictions     *prometheus.CounterVec
	reconciled    prometheus.Counter
	version       prometheus.Gauge
	writeKeys     *prometheus.CounterVec
}

var _ loadcache.Hooks = (*Hooks)(nil)

// New registers the metrics with reg under namespace (e.g. "app").
func New(reg prometheus.Registerer, namespace string) *Hooks {
	f := promauto.With(reg)
	const sub = "loadcache"
	return &Hooks{
		batches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: sub,
			Name: "batches_total",
			Help: "Total number of dispatched fetch batches.",
		}),
		batchKeys: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: sub,
			Name:    "batch_keys",
			Help:    "Distinct keys per dispatched batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		chunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: sub,
			Name: "chunks_total",
			Help: "Total number of bulk reads issued.",
		}),
		chunkFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: sub,
			Name: "chunk_failures_total",
			Help: "Total number of bulk reads that failed as a whole.",
		}),
		staleWrites: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: sub,
			Name: "stale_writes_ignored_total",
			Help: "Fetch results dropped because a newer version was cached.",
		}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: sub,
			Name: "evictions_total",
			Help: "Stored values dropped on read, by reason.",
		}, []string{"reason"}),
		reconciled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: sub,
			Name: "reconcile_keys_total",
			Help: "Subscribed keys refetched by the reconciler.",
		}),
		version: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: sub,
			Name: "reconcile_version",
			Help: "Clock version of the last reconciliation dispatch.",
		}),
		writeKeys: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: sub,
			Name: "write_refetch_keys_total",
			Help: "Keys refetched after writes, by result.",
		}, []string{"result"}),
	}
}

func (h *Hooks) BatchDispatched(keys, chunks int) {
	h.batches.Inc()
	h.batchKeys.Observe(float64(keys))
	h.chunks.Add(float64(chunks))
}

func (h *Hooks) ChunkFailed(string, int, error)   { h.chunkFailures.Inc() }
func (h *Hooks) StaleWriteIgnored(string, uint64) { h.staleWrites.Inc() }
func (h *Hooks) ValueEvicted(_, reason string)    { h.evictions.WithLabelValues(reason).Inc() }

func (h *Hooks) ReconcileDispatched(keys int, version uint64) {
	h.reconciled.Add(float64(keys))
	h.version.Set(float64(version))
}

func (h *Hooks) WriteRefetched(keys, failed int) {
	h.writeKeys.WithLabelValues("ok").Add(float64(keys - failed))
	h.writeKeys.WithLabelValues("failed").Add(float64(failed))
}
