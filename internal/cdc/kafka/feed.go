package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/katasec/dstream-anonymizer/internal/metrics"
	"github.com/katasec/dstream-anonymizer/pkg/types"
)

// Config selects the Debezium topic carrying dbo.customers changes
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Feed reads Debezium change events for customers from Kafka
type Feed struct {
	cfg    Config
	reader *kafkago.Reader
	logger hclog.Logger
}

// NewFeed returns a feed; no connection is made until Open
func NewFeed(cfg Config, logger hclog.Logger) *Feed {
	return &Feed{cfg: cfg, logger: logger}
}

// Open checks that the topic exists and joins the consumer group. A group without
// committed offsets starts at the end of the topic.
func (f *Feed) Open(ctx context.Context) error {
	if len(f.cfg.Brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}

	dialer := &kafkago.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", f.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka broker %s: %w", f.cfg.Brokers[0], err)
	}
	partitions, err := conn.ReadPartitions(f.cfg.Topic)
	conn.Close()
	if err != nil {
		return fmt.Errorf("failed to read partitions of %s: %w", f.cfg.Topic, err)
	}

	f.reader = kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     f.cfg.Brokers,
		Topic:       f.cfg.Topic,
		GroupID:     f.cfg.GroupID,
		Dialer:      dialer,
		StartOffset: kafkago.LastOffset,
		MinBytes:    1,
		MaxBytes:    10 << 20,
	})

	f.logger.Info("Change feed subscribed", "brokers", f.cfg.Brokers, "topic", f.cfg.Topic, "group", f.cfg.GroupID, "partitions", len(partitions))
	return nil
}

// Watch reads messages until ctx is cancelled. Tombstones and deletes are
// skipped; any other message that cannot be decoded stops the feed with an error.
func (f *Feed) Watch(ctx context.Context, out chan<- types.ChangeEvent) error {
	if f.reader == nil {
		return errors.New("feed is not open")
	}

	for {
		msg, err := f.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to read from %s: %w", f.cfg.Topic, err)
		}

		position := strconv.Itoa(msg.Partition) + ":" + strconv.FormatInt(msg.Offset, 10)
		ev, err := decodeChange(msg.Value)
		if errors.Is(err, errSkip) {
			f.logger.Trace("Skipping message", "position", position)
			continue
		}
		if err != nil {
			metrics.UndecodableChanges.WithLabelValues("kafka").Inc()
			return fmt.Errorf("message %s on %s: %w", position, f.cfg.Topic, err)
		}
		ev.Position = position

		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// Close leaves the consumer group
func (f *Feed) Close() error {
	if f.reader == nil {
		return nil
	}
	return f.reader.Close()
}
