package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecache_hits_total",
		Help: "Embedding lookups served from a tier, by tier label.",
	}, []string{"tier"})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicecache_misses_total",
		Help: "Embedding lookups that found no entry in any tier.",
	})

	cacheFailovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecache_failovers_total",
		Help: "Tier demotions and promotions, by source and destination tier.",
	}, []string{"from", "to"})

	corruptPayloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecache_corrupt_payloads_total",
		Help: "Stored payloads that failed to decode and were removed.",
	}, []string{"tier"})

	sweptEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecache_swept_entries_total",
		Help: "Expired entries removed by eager sweeps, by tier label.",
	}, []string{"tier"})

	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicecache_operation_duration_seconds",
		Help:    "Latency of manager operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)
