package utils

import (
	"context"
	"time"
)

// BackoffManager manages exponential backoff for polling and retry intervals.
// It is not safe for concurrent use; each poller or flusher owns its own.
type BackoffManager struct {
	currentInterval time.Duration
	maxInterval     time.Duration
	initialInterval time.Duration
}

// NewBackoffManager initializes a new BackoffManager with the given intervals.
// maxInterval below initialInterval is raised to initialInterval.
func NewBackoffManager(initialInterval, maxInterval time.Duration) *BackoffManager {
	if maxInterval < initialInterval {
		maxInterval = initialInterval
	}
	return &BackoffManager{
		currentInterval: initialInterval,
		maxInterval:     maxInterval,
		initialInterval: initialInterval,
	}
}

// GetInterval returns the current interval
func (b *BackoffManager) GetInterval() time.Duration {
	return b.currentInterval
}

// IncreaseInterval doubles the current interval up to maxInterval
func (b *BackoffManager) IncreaseInterval() {
	newInterval := b.currentInterval * 2
	if newInterval > b.maxInterval || newInterval <= 0 {
		newInterval = b.maxInterval
	}
	b.currentInterval = newInterval
}

// ResetInterval resets the interval back to the initial value
func (b *BackoffManager) ResetInterval() {
	b.currentInterval = b.initialInterval
}

// Wait sleeps for the current interval. It returns ctx.Err() if ctx ends first.
func (b *BackoffManager) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.currentInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
