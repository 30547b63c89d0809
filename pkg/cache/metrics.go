package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Layer labels used by the cache metrics.
const (
	LayerMemory = "memory"
	LayerRedis  = "redis"
)

var (
	// CacheHits tracks fresh cache hits by layer
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openfda_cache_hits_total",
			Help: "Total number of openFDA cache hits",
		},
		[]string{"layer"},
	)

	// CacheMisses tracks lookups that found nothing or a stale entry
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openfda_cache_misses_total",
			Help: "Total number of openFDA cache misses",
		},
		[]string{"layer"},
	)

	// CacheEvictions tracks entries removed because they went stale or the store was full
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openfda_cache_evictions_total",
			Help: "Total number of evicted openFDA cache entries",
		},
		[]string{"layer", "reason"}, // reason: "expired", "capacity"
	)

	// CacheEntries tracks the number of physically present entries
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openfda_cache_entries",
			Help: "Current number of entries in the openFDA cache",
		},
		[]string{"layer"},
	)

	// CacheErrors tracks backend operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openfda_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "clear", "len"
	)
)
