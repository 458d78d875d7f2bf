// Package metrics holds the Prometheus collectors shared by the ledger,
// the identity registry and the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "evidence"

var (
	// FilesProcessed counts scanned files by outcome (new, duplicate, resumed, failed, skipped)
	FilesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "files_total",
			Help:      "Files processed by ingestion runs, by outcome.",
		},
		[]string{"outcome"},
	)

	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "runs_total",
			Help:      "Finalized ingestion runs, by kind and status.",
		},
		[]string{"kind", "status"},
	)

	// MintRequests counts outbound calls to the identity service by result (ok, retry, error)
	MintRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "mint_requests_total",
			Help:      "Outbound identity mint requests, by result.",
		},
		[]string{"result"},
	)

	MintDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "mint_duration_seconds",
			Help:      "Duration of a mint including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// RegistryCache counts registry cache lookups by result (hit, miss, recovered)
	RegistryCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "cache_lookups_total",
			Help:      "Identity cache lookups, by result.",
		},
		[]string{"result"},
	)

	LedgerOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations, by operation and result.",
		},
		[]string{"op", "result"},
	)

	MintClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "mint_claims_total",
			Help:      "Mint claim attempts, by result.",
		},
		[]string{"result"},
	)

	LedgerCompactions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "compactions_total",
			Help:      "Log store compactions.",
		},
	)

	RecordsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "records",
			Help:      "Ledger records by status, refreshed on status queries.",
		},
		[]string{"status"},
	)
)

var (
	// StreamClients is the number of connected event stream subscribers
	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "stream_clients",
			Help:      "Connected minted-event stream clients.",
		},
	)

	StreamDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "stream_dropped_clients_total",
			Help:      "Stream clients disconnected because their send buffer was full.",
		},
	)
)
