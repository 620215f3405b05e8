package engine

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/katasec/dstream-anonymizer/pkg/cdc"
	"github.com/katasec/dstream-anonymizer/pkg/types"
)

// Live connects a change feed to an accumulator and a flush ticker
type Live struct {
	feed          cdc.ChangeFeed
	acc           *Accumulator
	flushInterval time.Duration
	buffer        int
	logger        hclog.Logger
}

// NewLive builds the live consumer. The feed must already be open.
func NewLive(feed cdc.ChangeFeed, acc *Accumulator, flushInterval time.Duration, logger hclog.Logger) *Live {
	return &Live{
		feed:          feed,
		acc:           acc,
		flushInterval: flushInterval,
		buffer:        acc.cfg.BatchSize,
		logger:        logger,
	}
}

// Run blocks until ctx is cancelled or either side fails
func (l *Live) Run(ctx context.Context) error {
	events := make(chan types.ChangeEvent, l.buffer)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	l.logger.Info("Watching for changes", "flushInterval", l.flushInterval, "batchSize", l.acc.cfg.BatchSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.feed.Watch(gctx, events)
	})
	g.Go(func() error {
		return l.acc.Run(gctx, events, ticker.C)
	})
	return g.Wait()
}
