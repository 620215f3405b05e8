package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every anonymizer collector. It is separate from the default
// registry so tests can gather it without process collectors leaking in.
var Registry = prometheus.NewRegistry()

var (
	RecordsAnonymized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anonymizer_records_anonymized_total",
			Help: "Records transformed and written to the anonymized collection, by path",
		},
		[]string{"path"},
	)

	Flushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anonymizer_flushes_total",
			Help: "Successful live batch flushes, by trigger",
		},
		[]string{"trigger"},
	)

	FlushFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anonymizer_flush_failures_total",
			Help: "Live batch flushes that failed and left the batch queued",
		},
	)

	CatchUpRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anonymizer_catchup_runs_total",
			Help: "Catch-up passes, by result",
		},
		[]string{"result"},
	)

	CheckpointSkips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "anonymizer_checkpoint_skips_total",
			Help: "Catch-up checkpoint writes skipped because the checkpoint had already moved",
		},
	)

	BatchSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anonymizer_batch_size",
			Help: "Change events currently queued for the next flush",
		},
	)

	UndecodableChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anonymizer_undecodable_changes_total",
			Help: "Change feed entries that could not be decoded, by feed",
		},
		[]string{"feed"},
	)

	CheckpointTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anonymizer_checkpoint_timestamp_seconds",
			Help: "Unix time of the last checkpoint written by this process",
		},
	)
)

// Path label values
const (
	PathCatchUp = "catchup"
	PathLive    = "live"
	PathReindex = "reindex"
)

// Flush trigger label values
const (
	TriggerSize     = "size"
	TriggerTimer    = "timer"
	TriggerShutdown = "shutdown"
)

func init() {
	Registry.MustRegister(
		RecordsAnonymized,
		Flushes,
		FlushFailures,
		CatchUpRuns,
		CheckpointSkips,
		BatchSize,
		UndecodableChanges,
		CheckpointTimestamp,
		collectors.NewGoCollector(),
	)
}

// ObserveCheckpoint records a checkpoint value that was just persisted
func ObserveCheckpoint(ts time.Time) {
	CheckpointTimestamp.Set(float64(ts.UnixNano()) / 1e9)
}

// Serve exposes Registry on addr at /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger hclog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Prometheus metrics available", "addr", addr, "path", "/metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
