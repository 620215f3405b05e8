package sqlserver

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jmoiron/sqlx"

	"github.com/katasec/dstream-anonymizer/internal/cdc/utils"
	"github.com/katasec/dstream-anonymizer/pkg/types"
)

// CDC __$operation values
const (
	opDelete       = 1
	opInsert       = 2
	opUpdateBefore = 3
	opUpdateAfter  = 4
)

const defaultPollBatch = 1000

var (
	zeroLSN = make([]byte, 10)
	// maxSeq places the start position after every change already committed at the start LSN
	maxSeq = bytes.Repeat([]byte{0xFF}, 10)
)

// MonitorConfig tunes change table polling
type MonitorConfig struct {
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// PollBatch caps the rows fetched per poll
	PollBatch int
}

// Monitor streams inserts and updates on dbo.customers from its CDC change table
type Monitor struct {
	db          *sqlx.DB
	changeTable string
	cfg         MonitorConfig
	logger      hclog.Logger

	lastLSN []byte
	lastSeq []byte
}

type changeRow struct {
	StartLSN  []byte `db:"start_lsn"`
	SeqVal    []byte `db:"seqval"`
	Operation int    `db:"operation"`
	customerRow
}

// NewMonitor creates a change feed over cdc.dbo_customers_CT
func NewMonitor(conn *sqlx.DB, cfg MonitorConfig, logger hclog.Logger) *Monitor {
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = defaultPollBatch
	}
	return &Monitor{
		db:          conn,
		changeTable: fmt.Sprintf("cdc.%s_CT", CaptureInstance),
		cfg:         cfg,
		logger:      logger,
	}
}

// Open positions the monitor at the current maximum LSN so only changes committed
// afterwards are delivered.
func (m *Monitor) Open(ctx context.Context) error {
	var maxLSN []byte
	if err := m.db.QueryRowxContext(ctx, "SELECT sys.fn_cdc_get_max_lsn()").Scan(&maxLSN); err != nil {
		return fmt.Errorf("failed to read max LSN: %w", err)
	}
	if maxLSN == nil {
		// the capture job has not harvested anything yet
		maxLSN = zeroLSN
	}
	m.lastLSN = maxLSN
	m.lastSeq = maxSeq
	m.logger.Info("Change feed positioned", "table", m.changeTable, "lsn", hex.EncodeToString(m.lastLSN))
	return nil
}

// Watch polls the change table until ctx is cancelled
func (m *Monitor) Watch(ctx context.Context, out chan<- types.ChangeEvent) error {
	if m.lastLSN == nil {
		return errors.New("monitor is not open")
	}

	backoff := utils.NewBackoffManager(m.cfg.PollInterval, m.cfg.MaxPollInterval)

	for {
		m.logger.Debug("Polling changes", "table", m.changeTable, "lsn", hex.EncodeToString(m.lastLSN), "seq", hex.EncodeToString(m.lastSeq))
		changes, err := m.fetchChanges(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Warn("Error fetching changes", "table", m.changeTable, "error", err)
			backoff.IncreaseInterval()
			if err := backoff.Wait(ctx); err != nil {
				return nil
			}
			continue
		}

		for _, row := range changes {
			ev, ok := toChangeEvent(row)
			if ok {
				select {
				case out <- ev:
				case <-ctx.Done():
					return nil
				}
			}
			m.lastLSN, m.lastSeq = row.StartLSN, row.SeqVal
		}

		switch {
		case len(changes) == m.cfg.PollBatch:
			// more rows are waiting
			backoff.ResetInterval()
			continue
		case len(changes) > 0:
			m.logger.Debug("Changes delivered", "table", m.changeTable, "changeCount", len(changes))
			backoff.ResetInterval()
		default:
			backoff.IncreaseInterval()
			m.logger.Trace("No changes found", "table", m.changeTable, "nextPollIn", backoff.GetInterval())
		}

		if err := backoff.Wait(ctx); err != nil {
			return nil
		}
	}
}

// Close is a no-op; the connection pool is owned by the caller
func (m *Monitor) Close() error {
	return nil
}

// fetchChanges reads the next page of insert and update after-image rows.
// The WHERE clause resumes after (lastLSN, lastSeq) without skipping or repeating rows.
func (m *Monitor) fetchChanges(ctx context.Context) ([]changeRow, error) {
	query := fmt.Sprintf(`
		SELECT TOP(%d) ct.__$start_lsn AS start_lsn, ct.__$seqval AS seqval, ct.__$operation AS operation, %s
		FROM %s AS ct WITH (NOLOCK)
		WHERE (
			ct.__$start_lsn > @lastLSN
			OR (ct.__$start_lsn = @lastLSN AND ct.__$seqval > @lastSeq)
		)
		AND ct.__$operation IN (%d, %d)
		ORDER BY ct.__$start_lsn, ct.__$seqval`,
		m.cfg.PollBatch, selectCustomerColumns, m.changeTable, opInsert, opUpdateAfter)

	var rows []changeRow
	err := m.db.SelectContext(ctx, &rows, query, sql.Named("lastLSN", m.lastLSN), sql.Named("lastSeq", m.lastSeq))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", m.changeTable, err)
	}
	return rows, nil
}

func toChangeEvent(row changeRow) (types.ChangeEvent, bool) {
	var op types.OperationType
	switch row.Operation {
	case opInsert:
		op = types.Insert
	case opUpdateAfter:
		op = types.Update
	case opDelete:
		op = types.Delete
	default:
		return types.ChangeEvent{}, false
	}
	return types.ChangeEvent{
		Operation: op,
		Record:    row.record(),
		Position:  hex.EncodeToString(row.StartLSN) + ":" + hex.EncodeToString(row.SeqVal),
	}, true
}
