package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the pipeline's core metrics (token lifecycle, remote API
// traffic, bronze/silver row flow, replication)
type Metrics struct {
	// Token lifecycle
	TokenRefreshes     prometheus.Counter
	TokenRefreshErrors prometheus.Counter

	// Remote API
	APIRequests     *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Ingestion row flow
	RawAppended       *prometheus.CounterVec
	RecordsNormalized *prometheus.CounterVec
	RecordsSkipped    *prometheus.CounterVec
	SilverUpserted    *prometheus.CounterVec

	// Replication
	SyncCopied   *prometheus.CounterVec
	SyncFailures *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		TokenRefreshes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "s360",
				Subsystem: "auth",
				Name:      "token_refreshes_total",
				Help:      "Total number of bearer token refreshes performed",
			},
		),

		TokenRefreshErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "s360",
				Subsystem: "auth",
				Name:      "token_refresh_errors_total",
				Help:      "Total number of failed token refreshes",
			},
		),

		APIRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "s360",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total remote API requests by endpoint and status class",
			},
			[]string{"endpoint", "status"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "s360",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Remote API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),

		RawAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "s360",
				Subsystem: "bronze",
				Name:      "rows_appended_total",
				Help:      "Total raw payload rows appended to the bronze log",
			},
			[]string{"endpoint"},
		),

		RecordsNormalized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "s360",
				Subsystem: "silver",
				Name:      "records_normalized_total",
				Help:      "Total canonical records produced by normalization",
			},
			[]string{"endpoint"},
		),

		RecordsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "s360",
				Subsystem: "silver",
				Name:      "records_skipped_total",
				Help:      "Total raw records skipped during normalization",
			},
			[]string{"endpoint"},
		),

		SilverUpserted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "s360",
				Subsystem: "silver",
				Name:      "rows_upserted_total",
				Help:      "Total canonical rows inserted or updated",
			},
			[]string{"table"},
		),

		SyncCopied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "s360",
				Subsystem: "sync",
				Name:      "rows_copied_total",
				Help:      "Total rows replicated to the secondary store",
			},
			[]string{"table"},
		),

		SyncFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "s360",
				Subsystem: "sync",
				Name:      "table_failures_total",
				Help:      "Total per-table replication failures",
			},
			[]string{"table"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.TokenRefreshes,
		m.TokenRefreshErrors,
		m.APIRequests,
		m.RequestDuration,
		m.RawAppended,
		m.RecordsNormalized,
		m.RecordsSkipped,
		m.SilverUpserted,
		m.SyncCopied,
		m.SyncFailures,
	}
}
