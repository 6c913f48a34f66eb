package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SourceFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iocwatch_source_fetches_total",
			Help: "Successful source fetches",
		},
		[]string{"source"},
	)

	SourceFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iocwatch_source_fetch_errors_total",
			Help: "Failed source fetches, including timeouts and panics",
		},
		[]string{"source"},
	)

	SourceItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iocwatch_source_items_total",
			Help: "Items returned by sources",
		},
		[]string{"source"},
	)

	SourceFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iocwatch_source_fetch_duration_seconds",
			Help:    "Source fetch latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	IOCsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iocwatch_iocs_extracted_total",
			Help: "IOCs produced by the extractor",
		},
		[]string{"type"},
	)

	IOCsStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iocwatch_iocs_stored_total",
			Help: "IOCs upserted into the store",
		},
	)

	Matches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iocwatch_matches_total",
			Help: "Correlation hits recorded",
		},
		[]string{"log_type", "ioc_type"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iocwatch_store_errors_total",
			Help: "Store operations that failed",
		},
		[]string{"op"},
	)

	PhaseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iocwatch_cycle_phase_failures_total",
			Help: "Cycle phases that failed",
		},
		[]string{"phase"},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "iocwatch_cycle_duration_seconds",
			Help:    "Duration of a full fetch/extract/store/correlate cycle",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	IOCsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iocwatch_iocs_removed_total",
			Help: "IOCs deleted by retention cleanup",
		},
	)

	BusPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iocwatch_bus_publish_errors_total",
			Help: "Match events that could not be published",
		},
	)

	APIRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iocwatch_api_rate_limited_total",
			Help: "API requests rejected by the per-client rate limit",
		},
	)
)
