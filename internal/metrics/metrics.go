package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Throughput metrics - Track refresh volume
var (
	RefreshRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_refresh_runs_total",
			Help: "Total number of membership refresh runs by outcome",
		},
		[]string{"outcome"},
	)

	PagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_pages_processed_total",
		Help: "Total number of address pages processed",
	})

	AddressesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_addresses_processed_total",
		Help: "Total number of addresses visited by refresh runs",
	})

	MembershipsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_memberships_written_total",
			Help: "Total number of membership rows written by kind",
		},
		[]string{"kind"}, // created, updated
	)

	MembershipsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_memberships_skipped_total",
		Help: "Total number of memberships skipped because they were still fresh",
	})

	Verdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_verdicts_total",
			Help: "Total number of evaluations by verdict",
		},
		[]string{"verdict"}, // allowed, rejected
	)
)

// Performance metrics - Track refresh latency
var (
	RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatekeeper_refresh_duration_seconds",
		Help:    "Time taken by a full community refresh",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
	})

	PageDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatekeeper_page_duration_seconds",
		Help:    "Time taken to plan, fetch, evaluate and persist one page",
		Buckets: prometheus.DefBuckets,
	})

	BalanceFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_balance_fetch_duration_seconds",
			Help:    "Time taken to fetch balances for one source",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source_type"},
	)

	DatabaseUpsertDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatekeeper_db_upsert_duration_seconds",
		Help:    "Time taken to execute bulk membership upserts",
		Buckets: prometheus.DefBuckets,
	})

	UpsertBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatekeeper_upsert_batch_size",
		Help:    "Number of rows in each bulk membership upsert",
		Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
	})
)

// Cache metrics - Track balance cache effectiveness
var (
	BalanceCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_balance_cache_hits_total",
		Help: "Total number of address balances served from cache",
	})

	BalanceCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_balance_cache_misses_total",
		Help: "Total number of address balances fetched from chain",
	})
)

// State metrics
var (
	RefreshesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gatekeeper_refreshes_in_flight",
		Help: "Number of refresh runs currently executing",
	})
)

// Error metrics - Track failures
var (
	BalanceFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_balance_fetch_errors_total",
			Help: "Total number of failed balance requests by source type",
		},
		[]string{"source_type"},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_errors_total",
			Help: "Total number of errors by service",
		},
		[]string{"service"},
	)
)
