package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/katasec/dstream-anonymizer/internal/anonymize"
	"github.com/katasec/dstream-anonymizer/internal/metrics"
	"github.com/katasec/dstream-anonymizer/internal/tracing"
	"github.com/katasec/dstream-anonymizer/pkg/types"
)

// ReindexResult describes a completed full reindex
type ReindexResult struct {
	RunID    string
	Deleted  int64
	Records  int
	Snapshot time.Time
}

// Reindex rebuilds the target from the whole source. It never touches the checkpoint.
type Reindex struct {
	source      SourceReader
	target      TargetWriter
	transformer *anonymize.Transformer
	logger      hclog.Logger
	now         func() time.Time
}

// NewReindex builds a full-reindex runner
func NewReindex(source SourceReader, target TargetWriter, transformer *anonymize.Transformer, logger hclog.Logger) *Reindex {
	return &Reindex{
		source:      source,
		target:      target,
		transformer: transformer,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run deletes every target document, then inserts the transform of every source
// record created up to the moment the scan starts.
func (r *Reindex) Run(ctx context.Context) (ReindexResult, error) {
	result := ReindexResult{RunID: uuid.NewString()}

	ctx, span := tracing.Tracer().Start(ctx, "reindex")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", result.RunID))
	log := r.logger.With("run", result.RunID)

	deleted, err := r.target.DeleteAll(ctx)
	if err != nil {
		recordSpanError(span, err)
		return result, &WriteError{Op: "delete", Err: err}
	}
	result.Deleted = deleted
	log.Info("Cleared anonymized collection", "deleted", deleted)

	result.Snapshot = r.now()
	err = r.source.ScanCreatedBetween(ctx, EpochStart, result.Snapshot, func(rec types.CustomerRecord) error {
		doc, err := r.transformer.Customer(rec)
		if err != nil {
			return err
		}
		if err := r.target.InsertOne(ctx, doc); err != nil {
			return &WriteError{Op: "insert", Err: fmt.Errorf("customer %d: %w", rec.ID, err)}
		}
		metrics.RecordsAnonymized.WithLabelValues(metrics.PathReindex).Inc()
		result.Records++
		if result.Records%1000 == 0 {
			log.Info("Reindex progress", "records", result.Records)
		}
		return nil
	})
	if err != nil {
		recordSpanError(span, err)
		return result, fmt.Errorf("reindex scan after %d records: %w", result.Records, err)
	}

	span.SetAttributes(attribute.Int("records", result.Records))
	log.Info("Full reindex complete", "records", result.Records, "snapshot", result.Snapshot)
	return result, nil
}
