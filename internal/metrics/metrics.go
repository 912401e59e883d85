package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	pendingScrapeTimeout = 2 * time.Second
)

var (
	SubmitRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imms_submit_requests_total",
			Help: "Total file submission requests by route and status.",
		},
		[]string{"route", "status"},
	)
	FilesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imms_files_processed_total",
			Help: "Total batch files by final status.",
		},
		[]string{"status"},
	)
	RowsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imms_rows_processed_total",
			Help: "Total batch rows by resolved action.",
		},
		[]string{"action"},
	)
	DispatchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "imms_dispatch_failures_total",
			Help: "Total rows the transport did not accept.",
		},
	)
	RegistryRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imms_registry_requests_total",
			Help: "Total registry requests by action and outcome.",
		},
		[]string{"action", "outcome"},
	)
	RegistryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imms_registry_request_seconds",
			Help:    "Registry request latency by action.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)
	PermissionReloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "imms_permission_config_reloads_total",
			Help: "Total reloads of the supplier permission config.",
		},
	)
	AcksPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imms_acks_pending",
			Help: "Acknowledgment lines still waiting for a registry outcome.",
		},
	)
	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imms_outbox_pending",
			Help: "Pending outbox events not yet published.",
		},
	)
	OutboxPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "imms_outbox_publish_failures_total",
			Help: "Total outbox publish failures.",
		},
	)
	MetricsScrapeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "imms_metrics_scrape_errors_total",
			Help: "Total metrics scrape errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SubmitRequests,
		FilesProcessed,
		RowsProcessed,
		DispatchFailures,
		RegistryRequests,
		RegistryLatency,
		PermissionReloads,
		AcksPending,
		OutboxPending,
		OutboxPublishFailures,
		MetricsScrapeErrors,
	)
}

type PendingCounter interface {
	PendingProvisional(ctx context.Context) (int64, error)
}

// Handler refreshes the pending gauges and serves the Prometheus registry.
// db may be nil in binaries that do not own an outbox.
func Handler(db *sql.DB, acks PendingCounter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			updateOutboxPending(db)
		}
		if acks != nil {
			updateAcksPending(acks)
		}
		promhttp.Handler().ServeHTTP(w, r)
	})
}

func updateOutboxPending(db *sql.DB) {
	ctx, cancel := context.WithTimeout(context.Background(), pendingScrapeTimeout)
	defer cancel()

	var pending int64
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM outbox_events WHERE published_at IS NULL").Scan(&pending); err != nil {
		MetricsScrapeErrors.Inc()
		return
	}

	OutboxPending.Set(float64(pending))
}

func updateAcksPending(acks PendingCounter) {
	ctx, cancel := context.WithTimeout(context.Background(), pendingScrapeTimeout)
	defer cancel()

	pending, err := acks.PendingProvisional(ctx)
	if err != nil {
		MetricsScrapeErrors.Inc()
		return
	}
	AcksPending.Set(float64(pending))
}
