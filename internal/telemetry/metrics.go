package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"cdcflow/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RecordsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcflow_records_delivered_total",
			Help: "Records delivered to every configured sink",
		},
		[]string{"topic", "partition"},
	)

	RecordsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcflow_records_skipped_total",
			Help: "Fetched records dropped because their partition was revoked",
		},
		[]string{"topic"},
	)

	SinkRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcflow_sink_retries_total",
			Help: "Transient sink failures that led to a retry",
		},
		[]string{"sink"},
	)

	SinkFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcflow_sink_failures_total",
			Help: "Sink failures by class",
		},
		[]string{"sink", "class"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cdcflow_delivery_duration_seconds",
			Help:    "Time to deliver one record to one sink, retries included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	Commits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcflow_commits_total",
			Help: "Offset commits by outcome",
		},
		[]string{"reason", "outcome"},
	)

	CommittedOffset = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdcflow_committed_offset",
			Help: "Last committed record offset per partition",
		},
		[]string{"topic", "partition"},
	)

	Rebalances = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcflow_rebalances_total",
			Help: "Partition assignment changes seen by the pipeline",
		},
		[]string{"kind"},
	)

	PipelineState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cdcflow_pipeline_state",
			Help: "Current pipeline state (0=idle … 7=failed)",
		},
	)
)

func PartitionLabel(p int32) string { return strconv.FormatInt(int64(p), 10) }

// Expose serves /metrics on addr until ctx ends. An empty addr disables it.
func Expose(ctx context.Context, addr string) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.L().Warn("metrics server shutdown", "err", err)
		}
	}()

	logging.L().Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
