package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/syntrixbase/broker/internal/pubsub"
)

// ErrNotConnected is returned when a publisher or consumer is requested
// before Connect succeeds.
var ErrNotConnected = errors.New("nats: not connected, call Connect first")

type connectFunc func(url string, opts ...nats.Option) (*nats.Conn, error)

type jetStreamFactory func(nc *nats.Conn) (JetStream, error)

// Provider owns one NATS connection and its JetStream context.
type Provider struct {
	url    string
	name   string
	logger *slog.Logger

	mu sync.Mutex
	nc *nats.Conn
	js JetStream

	connect   connectFunc
	jetStream jetStreamFactory
}

var (
	_ pubsub.Provider    = (*Provider)(nil)
	_ pubsub.Connectable = (*Provider)(nil)
)

// NewProvider creates an unconnected provider. name is reported to the
// server as the client name.
func NewProvider(url, name string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		url:       url,
		name:      name,
		logger:    logger.With("component", "nats"),
		connect:   nats.Connect,
		jetStream: NewJetStream,
	}
}

// NewProviderWithJetStream wraps an existing JetStream context. Close is a no-op.
func NewProviderWithJetStream(js JetStream, logger *slog.Logger) *Provider {
	p := NewProvider("", "", logger)
	p.js = js
	return p
}

func (p *Provider) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := []nats.Option{
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				p.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if p.name != "" {
		opts = append(opts, nats.Name(p.name))
	}

	nc, err := p.connect(p.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", p.url, err)
	}
	js, err := p.jetStream(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream: %w", err)
	}

	p.mu.Lock()
	p.nc, p.js = nc, js
	p.mu.Unlock()
	p.logger.Info("Connected to NATS", "url", p.url)
	return nil
}

func (p *Provider) jetStreamContext() (JetStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.js == nil {
		return nil, ErrNotConnected
	}
	return p.js, nil
}

func (p *Provider) NewPublisher(opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	js, err := p.jetStreamContext()
	if err != nil {
		return nil, err
	}
	return NewPublisher(context.Background(), js, opts)
}

func (p *Provider) NewConsumer(opts pubsub.ConsumerOptions) (pubsub.Consumer, error) {
	js, err := p.jetStreamContext()
	if err != nil {
		return nil, err
	}
	return NewConsumer(js, opts, p.logger)
}

// Close drains nothing; in-flight messages are redelivered by the server.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nc != nil {
		p.logger.Info("Closing NATS connection")
		p.nc.Close()
		p.nc = nil
	}
	p.js = nil
	return nil
}
