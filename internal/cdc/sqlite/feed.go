package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jmoiron/sqlx"

	"github.com/katasec/dstream-anonymizer/internal/cdc/utils"
	"github.com/katasec/dstream-anonymizer/internal/metrics"
	"github.com/katasec/dstream-anonymizer/pkg/types"
)

const defaultPollBatch = 1000

// FeedConfig tunes change log polling
type FeedConfig struct {
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	PollBatch       int
}

// Feed streams customers changes recorded in the trigger-populated change log
type Feed struct {
	db      *sqlx.DB
	cfg     FeedConfig
	logger  hclog.Logger
	lastSeq int64
	opened  bool
}

type logEntry struct {
	Seq     int64  `db:"seq"`
	Op      string `db:"op"`
	Payload string `db:"payload"`
}

// NewFeed returns a change log feed
func NewFeed(conn *sqlx.DB, cfg FeedConfig, logger hclog.Logger) *Feed {
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = defaultPollBatch
	}
	return &Feed{db: conn, cfg: cfg, logger: logger}
}

// Open positions the feed after the newest change log entry
func (f *Feed) Open(ctx context.Context) error {
	if err := f.db.GetContext(ctx, &f.lastSeq, "SELECT COALESCE(MAX(seq), 0) FROM "+ChangeLogTable); err != nil {
		return fmt.Errorf("failed to read %s position: %w", ChangeLogTable, err)
	}
	f.opened = true
	f.logger.Info("Change feed positioned", "table", ChangeLogTable, "seq", f.lastSeq)
	return nil
}

// Watch polls the change log until ctx is cancelled. An entry that cannot be
// decoded stops the feed with an error and is not consumed.
func (f *Feed) Watch(ctx context.Context, out chan<- types.ChangeEvent) error {
	if !f.opened {
		return errors.New("feed is not open")
	}
	backoff := utils.NewBackoffManager(f.cfg.PollInterval, f.cfg.MaxPollInterval)
	query := fmt.Sprintf("SELECT seq, op, payload FROM %s WHERE seq > ? ORDER BY seq LIMIT %d", ChangeLogTable, f.cfg.PollBatch)

	for {
		var entries []logEntry
		if err := f.db.SelectContext(ctx, &entries, query, f.lastSeq); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.logger.Warn("Error fetching changes", "table", ChangeLogTable, "error", err)
			backoff.IncreaseInterval()
			if err := backoff.Wait(ctx); err != nil {
				return nil
			}
			continue
		}

		for _, e := range entries {
			ev, err := e.event()
			if err != nil {
				metrics.UndecodableChanges.WithLabelValues("sqlite").Inc()
				return fmt.Errorf("change log entry %d: %w", e.Seq, err)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
			f.lastSeq = e.Seq
		}

		switch {
		case len(entries) == f.cfg.PollBatch:
			backoff.ResetInterval()
			continue
		case len(entries) > 0:
			backoff.ResetInterval()
		default:
			backoff.IncreaseInterval()
		}
		if err := backoff.Wait(ctx); err != nil {
			return nil
		}
	}
}

// Close is a no-op; the connection is owned by the caller
func (f *Feed) Close() error {
	return nil
}

func (e logEntry) event() (types.ChangeEvent, error) {
	var row customerRow
	if err := json.Unmarshal([]byte(e.Payload), &row); err != nil {
		return types.ChangeEvent{}, fmt.Errorf("decoding payload: %w", err)
	}
	var op types.OperationType
	switch e.Op {
	case "insert":
		op = types.Insert
	case "update":
		op = types.Update
	default:
		return types.ChangeEvent{}, fmt.Errorf("unknown op %q", e.Op)
	}
	return types.ChangeEvent{
		Operation: op,
		Record:    row.record(),
		Position:  strconv.FormatInt(e.Seq, 10),
	}, nil
}
