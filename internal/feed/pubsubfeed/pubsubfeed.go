// Package pubsubfeed runs the event feed over a pubsub transport: the event
// store publishes each insert and the processor consumes them in batches.
package pubsubfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/syntrixbase/broker/internal/feed"
	"github.com/syntrixbase/broker/internal/pubsub"
	"github.com/syntrixbase/broker/pkg/model"
)

const (
	DefaultStream    = "EVENTS"
	DefaultConsumer  = "processor"
	DefaultBatchSize = 100
	DefaultMaxWait   = 50 * time.Millisecond
)

// PublisherOptions are the options the Notifier's publisher must be built with.
func PublisherOptions(stream string, storage pubsub.StorageType) pubsub.PublisherOptions {
	if stream == "" {
		stream = DefaultStream
	}
	return pubsub.PublisherOptions{
		StreamName:    stream,
		SubjectPrefix: feed.SubjectRoot,
		RetryAttempts: 3,
		Storage:       storage,
	}
}

// ConsumerOptions are the options the Source's consumer must be built with.
func ConsumerOptions(stream, consumer string, storage pubsub.StorageType) pubsub.ConsumerOptions {
	if stream == "" {
		stream = DefaultStream
	}
	if consumer == "" {
		consumer = DefaultConsumer
	}
	return pubsub.ConsumerOptions{
		StreamName:    stream,
		ConsumerName:  consumer,
		FilterSubject: feed.SubjectPattern(),
		Storage:       storage,
	}
}

// Notifier publishes each change on the subject of its event name.
type Notifier struct {
	pub   pubsub.Publisher
	codec feed.Codec
}

var _ feed.Notifier = (*Notifier)(nil)

func NewNotifier(pub pubsub.Publisher, codec feed.Codec) *Notifier {
	if codec == nil {
		codec = feed.JSONCodec{}
	}
	return &Notifier{pub: pub, codec: codec}
}

func (n *Notifier) Notify(ctx context.Context, c feed.Change) error {
	name, _ := c.NewImage[model.EventFieldName].(string)
	data, err := n.codec.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode change: %w", err)
	}
	return n.pub.Publish(ctx, feed.Token(name), data)
}

type SourceOptions struct {
	BatchSize int
	MaxWait   time.Duration
	Codec     feed.Codec
	Logger    *slog.Logger
}

// Source batches consumer deliveries. A batch is handed over once it is
// full or MaxWait has passed since its first message. Every message in a
// batch is acked when the handler succeeds and nak'd when it fails.
type Source struct {
	consumer pubsub.Consumer
	opts     SourceOptions
	logger   *slog.Logger
}

var _ feed.Source = (*Source)(nil)

func NewSource(consumer pubsub.Consumer, opts SourceOptions) *Source {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	if opts.Codec == nil {
		opts.Codec = feed.JSONCodec{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{consumer: consumer, opts: opts, logger: logger.With("component", "pubsubfeed")}
}

// Run blocks until ctx is cancelled or the consumer channel closes.
func (s *Source) Run(ctx context.Context, h feed.Handler) error {
	msgs, err := s.consumer.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to event feed: %w", err)
	}
	for {
		batch, open := s.collect(ctx, msgs)
		if len(batch) > 0 {
			s.dispatch(ctx, h, batch)
		}
		if !open {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		}
	}
}

// collect blocks for the first message, then gathers more until the batch
// is full or the wait window closes. open is false once msgs is closed.
func (s *Source) collect(ctx context.Context, msgs <-chan pubsub.Message) (batch []pubsub.Message, open bool) {
	first, ok := <-msgs
	if !ok {
		return nil, false
	}
	batch = append(batch, first)

	timer := time.NewTimer(s.opts.MaxWait)
	defer timer.Stop()
	for len(batch) < s.opts.BatchSize {
		select {
		case m, ok := <-msgs:
			if !ok {
				return batch, false
			}
			batch = append(batch, m)
		case <-timer.C:
			return batch, true
		case <-ctx.Done():
			return batch, true
		}
	}
	return batch, true
}

func (s *Source) dispatch(ctx context.Context, h feed.Handler, batch []pubsub.Message) {
	changes := make([]feed.Change, 0, len(batch))
	decoded := make([]pubsub.Message, 0, len(batch))
	for _, m := range batch {
		var c feed.Change
		if err := s.opts.Codec.Unmarshal(m.Data(), &c); err != nil {
			s.logger.Warn("Dropping undecodable feed message", "subject", m.Subject(), "error", err)
			_ = m.Term()
			continue
		}
		changes = append(changes, c)
		decoded = append(decoded, m)
	}
	if len(changes) == 0 {
		return
	}

	if err := h(ctx, changes); err != nil {
		s.logger.Error("Feed handler failed, requesting redelivery", "batch", len(changes), "error", err)
		for _, m := range decoded {
			_ = m.Nak()
		}
		return
	}
	for _, m := range decoded {
		if err := m.Ack(); err != nil {
			s.logger.Warn("Failed to ack feed message", "subject", m.Subject(), "error", err)
		}
	}
}
