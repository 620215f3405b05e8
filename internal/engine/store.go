package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/katasec/dstream-anonymizer/pkg/types"
)

// EpochStart is the checkpoint value reported when no checkpoint has been persisted
var EpochStart = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// ErrConnection marks failures to reach a store or change feed at startup
var ErrConnection = errors.New("store connection failed")

// WriteError is returned when a target insert or checkpoint write fails
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// SourceReader reads the producer-owned customers collection
type SourceReader interface {
	// ScanCreatedBetween calls fn for every record with from <= CreatedAt <= to,
	// in (CreatedAt, ID) order. An error from fn stops the scan and is returned.
	ScanCreatedBetween(ctx context.Context, from, to time.Time, fn func(types.CustomerRecord) error) error
}

// TargetWriter writes the anonymized customers collection
type TargetWriter interface {
	InsertOne(ctx context.Context, doc types.AnonymizedCustomer) error
	InsertMany(ctx context.Context, docs []types.AnonymizedCustomer) error
	DeleteAll(ctx context.Context) (int64, error)
}

// CheckpointStore persists the single sync high-water mark
type CheckpointStore interface {
	// Read returns the checkpoint, or EpochStart when none exists
	Read(ctx context.Context) (time.Time, error)
	// Write replaces the checkpoint unconditionally
	Write(ctx context.Context, ts time.Time) error
	// CompareAndWrite sets the checkpoint to next only if it still equals expected.
	// It reports whether the write happened.
	CompareAndWrite(ctx context.Context, expected, next time.Time) (bool, error)
}
