// Package metrics collects the Prometheus instrumentation shared by the
// log manager, buffer pool, and recovery passes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set is one engine's worth of collectors. Each Engine owns its own Set so
// that multiple engines in one process (tests, mostly) don't collide on
// global metric names.
type Set struct {
	Registry *prometheus.Registry

	LogAppends     prometheus.Counter
	LogFlushes     prometheus.Counter
	DurableLSN     prometheus.Gauge

	BufFixes       prometheus.Counter
	BufEvictions   prometheus.Counter
	BufEvictMisses prometheus.Counter
	BufSwizzled    prometheus.Gauge
	BufSwizzleHits prometheus.Counter
	BufDirty       prometheus.Gauge
	BufOccupancy   prometheus.Gauge

	RecoveryRedo prometheus.Counter
	RecoveryUndo prometheus.Counter
	SPRRuns      prometheus.Counter
}

// New builds a fresh, unregistered-elsewhere collector set.
func New(namespace string) *Set {
	reg := prometheus.NewRegistry()
	mk := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	mkGauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}

	return &Set{
		Registry: reg,

		LogAppends: mk("log_appends_total", "log records appended"),
		LogFlushes: mk("log_flushes_total", "fsync calls issued by the log manager"),
		DurableLSN: mkGauge("log_durable_lsn", "highest LSN known durable"),

		BufFixes:       mk("buf_fixes_total", "buffer pool fix() calls"),
		BufEvictions:   mk("buf_evictions_total", "frames evicted"),
		BufEvictMisses: mk("buf_eviction_misses_total", "clock rounds that evicted nothing"),
		BufSwizzled:    mkGauge("buf_swizzled_pointers", "currently swizzled child pointers"),
		BufSwizzleHits: mk("buf_swizzle_hits_total", "FixChild calls short-circuited by a cached frame"),
		BufDirty:       mkGauge("buf_dirty_frames", "currently dirty frames"),
		BufOccupancy:   mkGauge("buf_occupied_frames", "frames holding a page"),

		RecoveryRedo: mk("recovery_redo_total", "REDO applications during restart"),
		RecoveryUndo: mk("recovery_undo_total", "UNDO applications during restart"),
		SPRRuns:      mk("single_page_recovery_total", "single-page recovery invocations"),
	}
}
