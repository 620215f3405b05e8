package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/katasec/dstream-anonymizer/internal/anonymize"
	"github.com/katasec/dstream-anonymizer/internal/cdc/utils"
	"github.com/katasec/dstream-anonymizer/internal/metrics"
	"github.com/katasec/dstream-anonymizer/internal/tracing"
	"github.com/katasec/dstream-anonymizer/pkg/types"
)

// AccumulatorConfig tunes batching and flush retries
type AccumulatorConfig struct {
	BatchSize int
	// MaxFlushRetries is the number of consecutive failed flushes tolerated; 0 means unlimited
	MaxFlushRetries  int
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	// ShutdownTimeout bounds the final flush after cancellation
	ShutdownTimeout time.Duration
}

// Accumulator owns the live batch. All batch state is confined to the goroutine
// running Run, so a flush can never overlap another flush.
type Accumulator struct {
	target      TargetWriter
	checkpoints CheckpointStore
	transformer *anonymize.Transformer
	logger      hclog.Logger
	cfg         AccumulatorConfig
	backoff     *utils.BackoffManager
	now         func() time.Time

	batch    []types.CustomerRecord
	failures int
	retryAt  time.Time
}

// NewAccumulator builds an accumulator writing through target and checkpoints
func NewAccumulator(target TargetWriter, checkpoints CheckpointStore, transformer *anonymize.Transformer, cfg AccumulatorConfig, logger hclog.Logger) *Accumulator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Accumulator{
		target:      target,
		checkpoints: checkpoints,
		transformer: transformer,
		logger:      logger,
		cfg:         cfg,
		backoff:     utils.NewBackoffManager(cfg.RetryInterval, cfg.MaxRetryInterval),
		now:         time.Now,
	}
}

// Run consumes events until ctx is cancelled or events is closed, flushing when the
// batch reaches the configured size and on every tick. It then flushes whatever is
// left and returns. A non-nil error is fatal for the live path.
func (a *Accumulator) Run(ctx context.Context, events <-chan types.ChangeEvent, ticks <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return a.drain(ctx, events)

		case ev, ok := <-events:
			if !ok {
				return a.drain(ctx, nil)
			}
			a.add(ev)
			if len(a.batch) >= a.cfg.BatchSize {
				if err := a.flush(ctx, metrics.TriggerSize, false); err != nil {
					return err
				}
			}

		case <-ticks:
			if err := a.flush(ctx, metrics.TriggerTimer, false); err != nil {
				return err
			}
		}
	}
}

// Pending returns the number of queued records
func (a *Accumulator) Pending() int {
	return len(a.batch)
}

func (a *Accumulator) add(ev types.ChangeEvent) {
	if !ev.Syncable() {
		a.logger.Debug("Ignoring change", "operation", ev.Operation, "position", ev.Position)
		return
	}
	a.batch = append(a.batch, ev.Record)
	metrics.BatchSize.Set(float64(len(a.batch)))
}

// drain picks up anything already buffered in events and performs a final flush
// on a context detached from the cancelled one.
func (a *Accumulator) drain(ctx context.Context, events <-chan types.ChangeEvent) error {
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			a.add(ev)
		default:
			events = nil
		}
	}

	if len(a.batch) == 0 {
		return nil
	}

	flushCtx := context.WithoutCancel(ctx)
	if a.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(flushCtx, a.cfg.ShutdownTimeout)
		defer cancel()
	}

	a.logger.Info("Flushing remaining batch before shutdown", "records", len(a.batch))
	return a.flush(flushCtx, metrics.TriggerShutdown, true)
}

// flush writes the batch and advances the checkpoint, clearing the batch only when
// both succeed. Write failures keep the batch queued and return nil until the
// retry budget is spent. final makes any write failure fatal.
func (a *Accumulator) flush(ctx context.Context, trigger string, final bool) error {
	if len(a.batch) == 0 {
		return nil
	}
	if !final && a.failures > 0 && a.now().Before(a.retryAt) {
		a.logger.Debug("Flush deferred by backoff", "records", len(a.batch), "retryAt", a.retryAt)
		return nil
	}

	ctx, span := tracing.Tracer().Start(ctx, "flush")
	defer span.End()
	span.SetAttributes(attribute.String("trigger", trigger), attribute.Int("records", len(a.batch)))

	candidate := a.batch[len(a.batch)-1].CreatedAt

	docs, err := a.transformer.Customers(a.batch)
	if err != nil {
		recordSpanError(span, err)
		a.logger.Error("Batch contains a record that cannot be anonymized", "records", len(a.batch), "error", err)
		return fmt.Errorf("transforming batch: %w", err)
	}

	if err := a.target.InsertMany(ctx, docs); err != nil {
		recordSpanError(span, err)
		return a.failed(&WriteError{Op: "insert", Err: err}, final)
	}
	if err := a.checkpoints.Write(ctx, candidate); err != nil {
		recordSpanError(span, err)
		return a.failed(&WriteError{Op: "checkpoint", Err: err}, final)
	}

	a.logger.Debug("Flushed batch", "trigger", trigger, "records", len(docs), "checkpoint", candidate)
	metrics.RecordsAnonymized.WithLabelValues(metrics.PathLive).Add(float64(len(docs)))
	metrics.Flushes.WithLabelValues(trigger).Inc()
	metrics.ObserveCheckpoint(candidate)
	metrics.BatchSize.Set(0)

	a.batch = nil
	a.failures = 0
	a.retryAt = time.Time{}
	a.backoff.ResetInterval()
	return nil
}

func (a *Accumulator) failed(err error, final bool) error {
	a.failures++
	metrics.FlushFailures.Inc()

	if final {
		a.logger.Error("Final flush failed, queued records will be rescanned on next start", "records", len(a.batch), "error", err)
		return err
	}
	if a.cfg.MaxFlushRetries > 0 && a.failures >= a.cfg.MaxFlushRetries {
		a.logger.Error("Giving up on flush", "attempts", a.failures, "records", len(a.batch), "error", err)
		return fmt.Errorf("flush failed %d consecutive times: %w", a.failures, err)
	}

	a.retryAt = a.now().Add(a.backoff.GetInterval())
	a.logger.Error("Flush failed, keeping batch for retry", "attempt", a.failures, "records", len(a.batch), "retryIn", a.backoff.GetInterval(), "error", err)
	a.backoff.IncreaseInterval()
	return nil
}
