package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveCheckpoint(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 500_000_000, time.UTC)
	ObserveCheckpoint(ts)
	got := testutil.ToFloat64(CheckpointTimestamp)
	want := float64(ts.Unix()) + 0.5
	if got != want {
		t.Fatalf("checkpoint gauge = %v, want %v", got, want)
	}
}

func TestCollectorsRegistered(t *testing.T) {
	RecordsAnonymized.WithLabelValues(PathLive).Add(0)
	Flushes.WithLabelValues(TriggerSize).Add(0)
	CatchUpRuns.WithLabelValues("ok").Add(0)
	UndecodableChanges.WithLabelValues("sqlite").Add(0)

	n, err := testutil.GatherAndCount(Registry,
		"anonymizer_records_anonymized_total",
		"anonymizer_flushes_total",
		"anonymizer_flush_failures_total",
		"anonymizer_catchup_runs_total",
		"anonymizer_checkpoint_skips_total",
		"anonymizer_batch_size",
		"anonymizer_undecodable_changes_total",
		"anonymizer_checkpoint_timestamp_seconds",
	)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n < 8 {
		t.Fatalf("gathered %d series, want at least 8", n)
	}
}
