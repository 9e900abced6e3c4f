package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "feedsentinel"

var (
	RefreshCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_cycles_total",
			Help:      "Refresh cycles run, by trigger",
		},
		[]string{"trigger"},
	)

	RefreshCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_cycle_duration_seconds",
			Help:      "Duration of complete refresh cycles",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	SourceRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_refreshes_total",
			Help:      "Per-source refresh outcomes",
		},
		[]string{"source", "outcome"},
	)

	FetchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Fetch attempts retried after a transient failure",
		},
		[]string{"source"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of a complete fetch including retries",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"source"},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "refresh_active_workers",
			Help:      "Per-source refresh workers currently running",
		},
	)

	SnapshotVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_snapshot_version",
			Help:      "Version of the current cache snapshot",
		},
	)

	CachedItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_items",
			Help:      "Items held in the current snapshot per source",
		},
		[]string{"source"},
	)

	StaleCommits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_stale_commits_total",
			Help:      "Commits discarded because a newer attempt already committed",
		},
	)

	DegradedSources = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded_sources",
			Help:      "Sources whose consecutive failures crossed the threshold",
		},
	)

	CorrelationFilterHitRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "correlation_bloom_hit_ratio",
			Help:      "Share of n-grams that passed the bloom prefilter in the last correlation run",
		},
	)

	DiscoveryRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forum_discovery_runs_total",
			Help:      "Forum directory discovery runs, by outcome",
		},
		[]string{"outcome"},
	)

	KnownForums = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "forum_directory_entries",
			Help:      "Forum endpoints currently held by the directory",
		},
	)

	DirectoryEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forum_directory_evictions_total",
			Help:      "Forum directory cache evictions",
		},
		[]string{"reason"},
	)

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "HTTP API requests, by route and status code",
		},
		[]string{"route", "code"},
	)

	AdminCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_rpc_calls_total",
			Help:      "gRPC admin calls, by method and status code",
		},
		[]string{"method", "code"},
	)
)
