package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	lockfactory "github.com/katasec/dstream-anonymizer/internal/cdc/locking"
	"github.com/katasec/dstream-anonymizer/internal/config"
	"github.com/katasec/dstream-anonymizer/internal/db"
	"github.com/katasec/dstream-anonymizer/internal/engine"
	"github.com/katasec/dstream-anonymizer/internal/logging"
	"github.com/katasec/dstream-anonymizer/internal/metrics"
	"github.com/katasec/dstream-anonymizer/internal/tracing"
	"github.com/katasec/dstream-anonymizer/internal/utils"
)

var fullReindex bool

var rootCmd = &cobra.Command{
	Use:   "dstream-anonymizer",
	Short: "Keep an anonymized copy of the customers collection in sync",
	Long: `dstream-anonymizer copies every customer into customers_anonymised with names,
street lines, postcode and email local part replaced by short SHA-1 digests.

Normal mode catches up from the stored checkpoint and then follows live changes
until interrupted. --full-reindex rebuilds the anonymized collection from scratch and exits.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), fullReindex)
	},
}

// Execute runs the root command and exits with status 1 on failure
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		logging.GetLogger().Error("Anonymizer failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().BoolVar(&fullReindex, "full-reindex", false, "delete all anonymized customers and rebuild them from the source, then exit")
}

func run(ctx context.Context, reindex bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logging.SetLogger(logger)

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	if cfg.OTLPEndpoint != "" {
		shutdown, err := tracing.Init(ctx, logging.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("Error shutting down tracer", "error", err)
			}
		}()
		logger.Info("OpenTelemetry tracing initialized", "endpoint", cfg.OTLPEndpoint)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, logger.Named("metrics")); err != nil {
				logger.Error("Metrics endpoint stopped", "error", err)
			}
		}()
	}

	logger.Info("Connecting to database", "driver", cfg.DBDriver, "dsn", utils.RedactConnectionString(cfg.DBURI))
	conn, err := db.Connect(ctx, cfg.DBDriver, cfg.DBURI)
	if err != nil {
		return fmt.Errorf("%w: %w", engine.ErrConnection, err)
	}
	defer conn.Close()

	factory := lockfactory.NewLockerFactory(cfg.Lock.Type, cfg.Lock.ConnectionString, cfg.Lock.ContainerName, cfg.DBURI, logger.Named("lock"))
	locker, err := factory.CreateLocker(ctx, stateTableName(cfg.DBDriver))
	if err != nil {
		return err
	}
	leaseID, err := locker.AcquireLock(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := locker.ReleaseLock(context.WithoutCancel(ctx), leaseID); err != nil {
			logger.Warn("Failed to release lock", "error", err)
		}
	}()
	renewCtx, stopRenewal := context.WithCancel(ctx)
	defer stopRenewal()
	locker.StartLockRenewal(renewCtx)

	deps, err := newDeps(ctx, cfg, conn, reindex, logger)
	if err != nil {
		return err
	}
	if deps.Feed != nil {
		defer deps.Feed.Close()
	}

	settings := engine.DefaultSettings()
	settings.Policy = policy
	settings.FlushInterval = cfg.FlushInterval
	settings.Accumulator.BatchSize = cfg.BatchSize
	settings.Accumulator.MaxFlushRetries = cfg.MaxFlushRetries
	settings.Accumulator.RetryInterval = cfg.PollInterval
	settings.Accumulator.MaxRetryInterval = cfg.MaxPollInterval

	e := engine.New(deps, settings, logger)

	if reindex {
		logger.Info("Starting full reindex")
		return e.Reindex(ctx)
	}

	logger.Info("Starting sync", "feed", cfg.Feed, "batchSize", cfg.BatchSize, "flushInterval", cfg.FlushInterval)
	return e.Run(ctx)
}
