package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/syntrixbase/broker/internal/pubsub"
)

type publisher struct {
	js   JetStream
	opts pubsub.PublisherOptions
}

// NewPublisher ensures the stream named in opts exists and returns a
// publisher bound to it.
func NewPublisher(ctx context.Context, js JetStream, opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	if js == nil {
		return nil, errors.New("jetstream cannot be nil")
	}
	if opts.StreamName != "" {
		root := opts.StreamName
		if opts.SubjectPrefix != "" {
			root = opts.SubjectPrefix
		}
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     opts.StreamName,
			Subjects: []string{root + ".>"},
			Storage:  storageType(opts.Storage),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to ensure stream %s: %w", opts.StreamName, err)
		}
	}
	return &publisher{js: js, opts: opts}, nil
}

func (p *publisher) Publish(ctx context.Context, subject string, data []byte) error {
	full := p.opts.FullSubject(subject)
	var popts []jetstream.PublishOpt
	if p.opts.RetryAttempts > 0 {
		popts = append(popts, jetstream.WithRetryAttempts(p.opts.RetryAttempts))
	}
	if _, err := p.js.Publish(ctx, full, data, popts...); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", full, err)
	}
	return nil
}

func (p *publisher) Close() error { return nil }
