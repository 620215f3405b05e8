package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/katasec/dstream-anonymizer/internal/anonymize"
	"github.com/katasec/dstream-anonymizer/pkg/cdc"
)

// Deps are the stores and feed the engine runs against
type Deps struct {
	Source      SourceReader
	Target      TargetWriter
	Checkpoints CheckpointStore
	// Feed may be nil when only Reindex is used
	Feed cdc.ChangeFeed
}

// Settings tune the engine
type Settings struct {
	Policy        anonymize.Policy
	FlushInterval time.Duration
	Accumulator   AccumulatorConfig
}

// DefaultSettings flushes every 1000 records or every second
func DefaultSettings() Settings {
	return Settings{
		FlushInterval: time.Second,
		Accumulator: AccumulatorConfig{
			BatchSize:        1000,
			MaxFlushRetries:  10,
			RetryInterval:    time.Second,
			MaxRetryInterval: 30 * time.Second,
			ShutdownTimeout:  30 * time.Second,
		},
	}
}

// Engine chooses between the normal sync mode and a full reindex
type Engine struct {
	deps        Deps
	settings    Settings
	transformer *anonymize.Transformer
	logger      hclog.Logger
}

// New builds an engine
func New(deps Deps, settings Settings, logger hclog.Logger) *Engine {
	if settings.FlushInterval <= 0 {
		settings.FlushInterval = time.Second
	}
	return &Engine{
		deps:        deps,
		settings:    settings,
		transformer: anonymize.New(settings.Policy),
		logger:      logger,
	}
}

// Run executes normal mode: a one-off catch-up pass running alongside the live
// consumer. It returns nil when ctx is cancelled and an error when either task fails.
func (e *Engine) Run(ctx context.Context) error {
	if e.deps.Feed == nil {
		return errors.New("normal mode requires a change feed")
	}

	// Subscribe before scanning so no change lands between the scan window and the feed.
	if err := e.deps.Feed.Open(ctx); err != nil {
		return fmt.Errorf("%w: opening change feed: %w", ErrConnection, err)
	}
	e.logger.Info("Change feed opened", "retainFields", e.settings.Policy.Fields())

	catchUp := NewCatchUp(e.deps.Source, e.deps.Target, e.deps.Checkpoints, e.transformer, e.logger.Named("catchup"))
	acc := NewAccumulator(e.deps.Target, e.deps.Checkpoints, e.transformer, e.settings.Accumulator, e.logger.Named("flusher"))
	live := NewLive(e.deps.Feed, acc, e.settings.FlushInterval, e.logger.Named("live"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := catchUp.Run(gctx); err != nil {
			return fmt.Errorf("catch-up: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := live.Run(gctx); err != nil {
			return fmt.Errorf("live sync: %w", err)
		}
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		e.logger.Info("Sync stopped")
		return nil
	}
	if err == nil {
		return errors.New("live sync ended unexpectedly")
	}
	return err
}

// Reindex executes full-reindex mode
func (e *Engine) Reindex(ctx context.Context) error {
	_, err := NewReindex(e.deps.Source, e.deps.Target, e.transformer, e.logger.Named("reindex")).Run(ctx)
	return err
}
