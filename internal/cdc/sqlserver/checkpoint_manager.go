package sqlserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jmoiron/sqlx"

	"github.com/katasec/dstream-anonymizer/internal/engine"
)

// checkpointRowID is the only row the state table may hold
const checkpointRowID = 1

// datetime2Precision is the resolution of DATETIME2(7)
const datetime2Precision = 100 * time.Nanosecond

// CheckpointManager persists the sync checkpoint in dbo.customers_anonymization_state
type CheckpointManager struct {
	db         *sqlx.DB
	stateTable string
	logger     hclog.Logger
}

// NewCheckpointManager initializes a new CheckpointManager
func NewCheckpointManager(conn *sqlx.DB, logger hclog.Logger) *CheckpointManager {
	return &CheckpointManager{
		db:         conn,
		stateTable: "dbo." + StateTable,
		logger:     logger,
	}
}

// Read returns the last synced createdAt, or the epoch when no checkpoint exists
func (c *CheckpointManager) Read(ctx context.Context) (time.Time, error) {
	var syncedAt time.Time
	query := fmt.Sprintf("SELECT synced_at FROM %s WHERE id = @id", c.stateTable)
	err := c.db.QueryRowxContext(ctx, query, sql.Named("id", checkpointRowID)).Scan(&syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		c.logger.Info("No previous checkpoint, starting from epoch", "table", c.stateTable)
		return engine.EpochStart, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load checkpoint from %s: %w", c.stateTable, err)
	}
	return syncedAt.UTC(), nil
}

// Write replaces the checkpoint with ts
func (c *CheckpointManager) Write(ctx context.Context, ts time.Time) error {
	ts = normalize(ts)

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", c.stateTable)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", c.stateTable, err)
	}
	insert := fmt.Sprintf("INSERT INTO %s (id, synced_at, updated_at) VALUES (@id, @syncedAt, SYSUTCDATETIME())", c.stateTable)
	if _, err := tx.ExecContext(ctx, insert, sql.Named("id", checkpointRowID), sql.Named("syncedAt", ts)); err != nil {
		return fmt.Errorf("failed to save checkpoint to %s: %w", c.stateTable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	c.logger.Debug("Saved checkpoint", "table", c.stateTable, "syncedAt", ts)
	return nil
}

// CompareAndWrite moves the checkpoint from expected to next in a single statement.
// An absent row counts as the epoch.
func (c *CheckpointManager) CompareAndWrite(ctx context.Context, expected, next time.Time) (bool, error) {
	expected, next = normalize(expected), normalize(next)

	update := fmt.Sprintf(`
	UPDATE %s SET synced_at = @next, updated_at = SYSUTCDATETIME()
	WHERE id = @id AND synced_at = @expected`, c.stateTable)
	res, err := c.db.ExecContext(ctx, update,
		sql.Named("id", checkpointRowID),
		sql.Named("next", next),
		sql.Named("expected", expected),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update checkpoint in %s: %w", c.stateTable, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 1 {
		c.logger.Debug("Advanced checkpoint", "table", c.stateTable, "from", expected, "to", next)
		return true, nil
	}

	if !expected.Equal(engine.EpochStart) {
		return false, nil
	}

	insert := fmt.Sprintf(`
	INSERT INTO %[1]s (id, synced_at, updated_at)
	SELECT @id, @next, SYSUTCDATETIME()
	WHERE NOT EXISTS (SELECT 1 FROM %[1]s WITH (UPDLOCK, HOLDLOCK) WHERE id = @id)`, c.stateTable)
	res, err = c.db.ExecContext(ctx, insert, sql.Named("id", checkpointRowID), sql.Named("next", next))
	if err != nil {
		return false, fmt.Errorf("failed to insert checkpoint into %s: %w", c.stateTable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		c.logger.Debug("Created checkpoint", "table", c.stateTable, "syncedAt", next)
	}
	return n == 1, nil
}

func normalize(ts time.Time) time.Time {
	return ts.UTC().Truncate(datetime2Precision)
}
