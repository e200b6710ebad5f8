package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/syntrixbase/broker/internal/pubsub"
)

type consumer struct {
	js     JetStream
	opts   pubsub.ConsumerOptions
	logger *slog.Logger
}

func NewConsumer(js JetStream, opts pubsub.ConsumerOptions, logger *slog.Logger) (pubsub.Consumer, error) {
	if js == nil {
		return nil, errors.New("jetstream cannot be nil")
	}
	if opts.StreamName == "" {
		return nil, errors.New("stream name is required")
	}
	if opts.ConsumerName == "" {
		opts.ConsumerName = "consumer"
	}
	if opts.ChannelBufSize <= 0 {
		opts.ChannelBufSize = pubsub.DefaultChannelBufSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &consumer{js: js, opts: opts, logger: logger}, nil
}

// Subscribe creates the durable consumer and forwards deliveries until ctx
// is cancelled. Deliveries arriving during shutdown are Nak'd.
func (c *consumer) Subscribe(ctx context.Context) (<-chan pubsub.Message, error) {
	filter := c.opts.Pattern()
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     c.opts.StreamName,
		Subjects: []string{filter},
		Storage:  storageType(c.opts.Storage),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure stream %s: %w", c.opts.StreamName, err)
	}

	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.opts.StreamName, jetstream.ConsumerConfig{
		Durable:       c.opts.ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: filter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", c.opts.ConsumerName, err)
	}

	out := make(chan pubsub.Message, c.opts.ChannelBufSize)
	var closing atomic.Bool

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		if closing.Load() {
			_ = msg.Nak()
			return
		}
		select {
		case out <- WrapMessage(msg):
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		close(out)
		return nil, fmt.Errorf("failed to start consumer %s: %w", c.opts.ConsumerName, err)
	}

	c.logger.Info("Consumer subscribed", "stream", c.opts.StreamName, "consumer", c.opts.ConsumerName)

	go func() {
		<-ctx.Done()
		closing.Store(true)
		cc.Stop()
		close(out)
		c.logger.Info("Consumer stopped", "consumer", c.opts.ConsumerName)
	}()

	return out, nil
}
