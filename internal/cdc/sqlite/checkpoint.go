package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/katasec/dstream-anonymizer/internal/engine"
)

// Checkpoints stores the sync checkpoint in customers_anonymization_state
type Checkpoints struct {
	db *sqlx.DB
}

// NewCheckpoints returns a checkpoint store
func NewCheckpoints(conn *sqlx.DB) *Checkpoints {
	return &Checkpoints{db: conn}
}

// Read returns the checkpoint or the epoch when none is stored
func (c *Checkpoints) Read(ctx context.Context) (time.Time, error) {
	var syncedAt int64
	err := c.db.GetContext(ctx, &syncedAt, "SELECT synced_at FROM "+StateTable+" WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return engine.EpochStart, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return fromNanos(syncedAt), nil
}

// Write replaces the checkpoint
func (c *Checkpoints) Write(ctx context.Context, ts time.Time) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+StateTable); err != nil {
		return fmt.Errorf("failed to clear %s: %w", StateTable, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO "+StateTable+" (id, synced_at, updated_at) VALUES (1, ?, ?)",
		toNanos(ts), toNanos(time.Now())); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return tx.Commit()
}

// CompareAndWrite sets the checkpoint to next only if it still equals expected.
// An absent row counts as the epoch.
func (c *Checkpoints) CompareAndWrite(ctx context.Context, expected, next time.Time) (bool, error) {
	now := toNanos(time.Now())
	res, err := c.db.ExecContext(ctx,
		"UPDATE "+StateTable+" SET synced_at = ?, updated_at = ? WHERE id = 1 AND synced_at = ?",
		toNanos(next), now, toNanos(expected))
	if err != nil {
		return false, fmt.Errorf("failed to update checkpoint: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 1 {
		return true, nil
	}

	if !expected.Equal(engine.EpochStart) {
		return false, nil
	}
	res, err = c.db.ExecContext(ctx,
		"INSERT INTO "+StateTable+" (id, synced_at, updated_at) SELECT 1, ?, ? WHERE NOT EXISTS (SELECT 1 FROM "+StateTable+" WHERE id = 1)",
		toNanos(next), now)
	if err != nil {
		return false, fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
