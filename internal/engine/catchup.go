package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/katasec/dstream-anonymizer/internal/anonymize"
	"github.com/katasec/dstream-anonymizer/internal/metrics"
	"github.com/katasec/dstream-anonymizer/internal/tracing"
	"github.com/katasec/dstream-anonymizer/pkg/types"
)

// CatchUpResult describes one catch-up pass
type CatchUpResult struct {
	RunID   string
	From    time.Time
	To      time.Time
	Records int
	// Covered counts records at exactly From that an earlier sync already wrote
	Covered int
	// Checkpoint is the value written, zero when nothing was written
	Checkpoint time.Time
	// Skipped is set when the checkpoint had moved past From before the pass finished
	Skipped bool
}

// CatchUp copies records created between the checkpoint and now into the target,
// one insert per record.
type CatchUp struct {
	source      SourceReader
	target      TargetWriter
	checkpoints CheckpointStore
	transformer *anonymize.Transformer
	logger      hclog.Logger
	now         func() time.Time
}

// NewCatchUp builds a catch-up scanner
func NewCatchUp(source SourceReader, target TargetWriter, checkpoints CheckpointStore, transformer *anonymize.Transformer, logger hclog.Logger) *CatchUp {
	return &CatchUp{
		source:      source,
		target:      target,
		checkpoints: checkpoints,
		transformer: transformer,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run performs a single pass. Any failure aborts the pass without touching the checkpoint.
func (c *CatchUp) Run(ctx context.Context) (CatchUpResult, error) {
	result := CatchUpResult{RunID: uuid.NewString()}

	ctx, span := tracing.Tracer().Start(ctx, "catchup")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", result.RunID))

	from, err := c.checkpoints.Read(ctx)
	if err != nil {
		return c.fail(span, result, fmt.Errorf("reading checkpoint: %w", err))
	}
	result.From = from
	result.To = c.now()
	log := c.logger.With("run", result.RunID)
	log.Info("Starting catch-up scan", "from", from, "to", result.To)

	var last time.Time
	err = c.source.ScanCreatedBetween(ctx, from, result.To, func(rec types.CustomerRecord) error {
		if alreadySynced(from, rec) {
			result.Covered++
			return nil
		}
		doc, err := c.transformer.Customer(rec)
		if err != nil {
			return err
		}
		if err := c.target.InsertOne(ctx, doc); err != nil {
			return &WriteError{Op: "insert", Err: fmt.Errorf("customer %d: %w", rec.ID, err)}
		}
		metrics.RecordsAnonymized.WithLabelValues(metrics.PathCatchUp).Inc()
		last = rec.CreatedAt
		result.Records++
		if result.Records%1000 == 0 {
			log.Debug("Catch-up progress", "records", result.Records, "createdAt", last)
		}
		return nil
	})
	if err != nil {
		return c.fail(span, result, fmt.Errorf("catch-up scan after %d records: %w", result.Records, err))
	}
	span.SetAttributes(attribute.Int("records", result.Records))

	if result.Records == 0 {
		log.Info("Catch-up found nothing to sync", "checkpoint", from, "covered", result.Covered)
		metrics.CatchUpRuns.WithLabelValues("empty").Inc()
		return result, nil
	}

	written, err := c.checkpoints.CompareAndWrite(ctx, from, last)
	if err != nil {
		return c.fail(span, result, &WriteError{Op: "checkpoint", Err: err})
	}
	if !written {
		result.Skipped = true
		metrics.CheckpointSkips.Inc()
		metrics.CatchUpRuns.WithLabelValues("skipped").Inc()
		log.Info("Checkpoint already advanced by live sync, leaving it", "records", result.Records)
		return result, nil
	}

	result.Checkpoint = last
	metrics.ObserveCheckpoint(last)
	metrics.CatchUpRuns.WithLabelValues("ok").Inc()
	log.Info("Catch-up complete", "records", result.Records, "checkpoint", last)
	return result, nil
}

// alreadySynced reports whether rec sits exactly on a stored checkpoint. Both the
// catch-up pass and the live flush checkpoint the createdAt of the last record
// they wrote, so that record is in the target already.
func alreadySynced(checkpoint time.Time, rec types.CustomerRecord) bool {
	return !checkpoint.Equal(EpochStart) && rec.CreatedAt.Equal(checkpoint)
}

func (c *CatchUp) fail(span trace.Span, result CatchUpResult, err error) (CatchUpResult, error) {
	recordSpanError(span, err)
	metrics.CatchUpRuns.WithLabelValues("failed").Inc()
	return result, err
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
