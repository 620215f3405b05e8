package cmd

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/jmoiron/sqlx"

	"github.com/katasec/dstream-anonymizer/internal/cdc/kafka"
	"github.com/katasec/dstream-anonymizer/internal/cdc/sqlite"
	"github.com/katasec/dstream-anonymizer/internal/cdc/sqlserver"
	"github.com/katasec/dstream-anonymizer/internal/config"
	"github.com/katasec/dstream-anonymizer/internal/db"
	"github.com/katasec/dstream-anonymizer/internal/engine"
)

// newDeps prepares the schema and wires the stores for the configured driver.
// The change feed is only built for normal mode.
func newDeps(ctx context.Context, cfg *config.Config, conn *sqlx.DB, reindex bool, logger hclog.Logger) (engine.Deps, error) {
	var deps engine.Deps

	switch cfg.DBDriver {
	case db.DriverSQLServer:
		if err := sqlserver.VerifySource(ctx, conn); err != nil {
			return deps, fmt.Errorf("%w: %w", engine.ErrConnection, err)
		}
		if !reindex && cfg.Feed == "native" {
			if err := sqlserver.VerifyCDC(ctx, conn); err != nil {
				return deps, fmt.Errorf("%w: %w", engine.ErrConnection, err)
			}
		}
		if err := sqlserver.EnsureSchema(ctx, conn); err != nil {
			return deps, fmt.Errorf("%w: %w", engine.ErrConnection, err)
		}
		deps = engine.Deps{
			Source:      sqlserver.NewCustomers(conn, logger.Named("source")),
			Target:      sqlserver.NewAnonymisedCustomers(conn),
			Checkpoints: sqlserver.NewCheckpointManager(conn, logger.Named("checkpoint")),
		}
		if !reindex && cfg.Feed == "native" {
			deps.Feed = sqlserver.NewMonitor(conn, sqlserver.MonitorConfig{
				PollInterval:    cfg.PollInterval,
				MaxPollInterval: cfg.MaxPollInterval,
				PollBatch:       cfg.BatchSize,
			}, logger.Named("cdc"))
		}

	case db.DriverSQLite:
		if err := sqlite.EnsureSchema(ctx, conn); err != nil {
			return deps, fmt.Errorf("%w: %w", engine.ErrConnection, err)
		}
		deps = engine.Deps{
			Source:      sqlite.NewCustomers(conn, logger.Named("source")),
			Target:      sqlite.NewAnonymisedCustomers(conn),
			Checkpoints: sqlite.NewCheckpoints(conn),
		}
		if !reindex && cfg.Feed == "native" {
			deps.Feed = sqlite.NewFeed(conn, sqlite.FeedConfig{
				PollInterval:    cfg.PollInterval,
				MaxPollInterval: cfg.MaxPollInterval,
				PollBatch:       cfg.BatchSize,
			}, logger.Named("changelog"))
		}

	default:
		return deps, fmt.Errorf("unsupported driver %q", cfg.DBDriver)
	}

	if !reindex && cfg.Feed == "kafka" {
		deps.Feed = kafka.NewFeed(kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, logger.Named("kafka"))
	}
	return deps, nil
}

func stateTableName(driver string) string {
	if driver == db.DriverSQLite {
		return sqlite.StateTable
	}
	return sqlserver.StateTable
}
