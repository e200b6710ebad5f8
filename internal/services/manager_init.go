package services

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/syntrixbase/broker/internal/api"
	"github.com/syntrixbase/broker/internal/config"
	"github.com/syntrixbase/broker/internal/connection"
	"github.com/syntrixbase/broker/internal/event"
	"github.com/syntrixbase/broker/internal/executor/celexec"
	"github.com/syntrixbase/broker/internal/feed"
	"github.com/syntrixbase/broker/internal/feed/mongofeed"
	"github.com/syntrixbase/broker/internal/feed/pubsubfeed"
	"github.com/syntrixbase/broker/internal/gateway/httpgw"
	"github.com/syntrixbase/broker/internal/gateway/websocket"
	"github.com/syntrixbase/broker/internal/processor"
	"github.com/syntrixbase/broker/internal/pubsub"
	pubsubmemory "github.com/syntrixbase/broker/internal/pubsub/memory"
	pubsubnats "github.com/syntrixbase/broker/internal/pubsub/nats"
	"github.com/syntrixbase/broker/internal/session"
	"github.com/syntrixbase/broker/internal/store/memory"
	mongostore "github.com/syntrixbase/broker/internal/store/mongo"
	"github.com/syntrixbase/broker/internal/store/sqlite"
	"github.com/syntrixbase/broker/internal/subscription"
)

// Replaced in tests.
var (
	newMongoProvider = mongostore.NewProvider
	newNATSProvider  = func(url string, m *Manager) pubsub.Provider {
		return pubsubnats.NewProvider(url, "broker", m.logger)
	}
)

// sessionHydrate absorbs the gap between a connect and the first frame
// on stores with eventually consistent reads.
var sessionHydrate = connection.HydrateOptions{RetryCount: 3, Timeout: 50 * time.Millisecond}

// Init builds every component. On error, whatever was opened is closed.
func (m *Manager) Init(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			m.closeAll(context.WithoutCancel(ctx))
		}
	}()

	if err := m.initStore(ctx); err != nil {
		return err
	}
	m.initIndex()
	m.initGateway()

	m.conns = connection.NewManager(m.store, m.gateway, m.index, connection.Config{
		Table:  m.cfg.Subscriptions.ConnectionsTable,
		TTL:    m.cfg.TTL.Connections,
		Logger: m.logger,
	})
	if m.hub != nil {
		m.hub.SetLifecycle(session.New(m.conns, m.index, session.Options{Hydrate: sessionHydrate, Logger: m.logger}))
	}

	notifier, err := m.initFeed(ctx)
	if err != nil {
		return err
	}
	m.events = event.NewStore(m.store, event.Config{
		Table:    m.cfg.Subscriptions.EventsTable,
		TTL:      m.cfg.TTL.Events,
		Notifier: notifier,
		Logger:   m.logger,
	})
	if m.cfg.Feed.Transport == config.FeedMongo {
		coll, err := m.mongoStore.Collection(ctx, m.events.Table())
		if err != nil {
			return fmt.Errorf("failed to open events collection: %w", err)
		}
		m.source = mongofeed.NewSource(coll, mongofeed.Options{BatchSize: m.cfg.Feed.BatchSize, Logger: m.logger})
	}

	if m.opts.PublishOnly {
		return nil
	}

	ex, err := celexec.New(m.logger)
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}
	m.processor = processor.New(m.index, ex, m.conns, processor.Config{
		Concurrency: m.cfg.Processor.Concurrency,
		Logger:      m.logger,
	})

	m.initServer()
	return nil
}

func (m *Manager) initStore(ctx context.Context) error {
	cfg := m.cfg.Store
	switch cfg.Backend {
	case config.StoreMemory:
		var opts []memory.Option
		if cfg.MaxBatchItems > 0 {
			opts = append(opts, memory.WithMaxBatchItems(cfg.MaxBatchItems))
		}
		s := memory.New(opts...)
		m.store, m.sweeper = s, s

	case config.StoreSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create sqlite directory: %w", err)
		}
		var opts []sqlite.Option
		if cfg.MaxBatchItems > 0 {
			opts = append(opts, sqlite.WithMaxBatchItems(cfg.MaxBatchItems))
		}
		s, err := sqlite.Open(cfg.SQLite.Path, opts...)
		if err != nil {
			return err
		}
		m.store, m.sweeper, m.health = s, s, s.Ping
		m.closers = append(m.closers, s.Close)

	case config.StoreMongo:
		provider, err := newMongoProvider(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to mongo: %w", err)
		}
		m.closers = append(m.closers, provider.Close)
		opts := []mongostore.Option{mongostore.WithTransactions(cfg.Mongo.Transactions)}
		if cfg.MaxBatchItems > 0 {
			opts = append(opts, mongostore.WithMaxBatchItems(cfg.MaxBatchItems))
		}
		s := mongostore.NewStore(provider.Database(), opts...)
		m.store, m.mongoStore, m.health = s, s, provider.Ping

	default:
		return fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	m.logger.Info("Store initialized", "backend", cfg.Backend)
	return nil
}

func (m *Manager) initIndex() {
	cfg := m.cfg.Subscriptions
	opts := []subscription.Option{
		subscription.WithTables(cfg.Tables),
		subscription.WithTTL(m.cfg.TTL.Subscriptions),
		subscription.WithPageSize(cfg.PageSize),
		subscription.WithLogger(m.logger),
	}
	if cfg.Strategy == config.StrategyRange {
		m.index = subscription.NewRange(m.store, opts...)
	} else {
		m.index = subscription.NewSimple(m.store, opts...)
	}
}

func (m *Manager) initGateway() {
	cfg := m.cfg.Gateway
	if cfg.Kind == config.GatewayHTTP {
		m.gateway = httpgw.New(httpgw.Options{Timeout: cfg.Timeout, Secret: cfg.Secret, Issuer: cfg.Issuer})
		return
	}
	m.hub = websocket.NewHub(nil, websocket.Options{
		Endpoint:       cfg.Endpoint,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         m.logger,
	})
	m.gateway = m.hub
}

// initFeed opens the pubsub transport and returns the notifier the event
// store publishes through. The mongo transport needs no notifier: the
// change stream on the events collection is the feed.
func (m *Manager) initFeed(ctx context.Context) (feed.Notifier, error) {
	cfg := m.cfg.Feed
	switch cfg.Transport {
	case config.FeedMongo:
		return nil, nil
	case config.FeedMemory:
		m.provider = pubsubmemory.New()
	case config.FeedNATS:
		p := newNATSProvider(cfg.NatsURL, m)
		if c, ok := p.(pubsub.Connectable); ok {
			if err := c.Connect(ctx); err != nil {
				return nil, err
			}
		}
		m.provider = p
	default:
		return nil, fmt.Errorf("unknown feed transport %q", cfg.Transport)
	}

	codec, err := feed.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	storage := pubsub.FileStorage
	if cfg.Storage == "memory" {
		storage = pubsub.MemoryStorage
	}

	pub, err := m.provider.NewPublisher(pubsubfeed.PublisherOptions(cfg.Stream, storage))
	if err != nil {
		return nil, fmt.Errorf("failed to create feed publisher: %w", err)
	}
	if !m.opts.PublishOnly {
		consumer, err := m.provider.NewConsumer(pubsubfeed.ConsumerOptions(cfg.Stream, cfg.Consumer, storage))
		if err != nil {
			return nil, fmt.Errorf("failed to create feed consumer: %w", err)
		}
		m.source = pubsubfeed.NewSource(consumer, pubsubfeed.SourceOptions{
			BatchSize: cfg.BatchSize,
			MaxWait:   cfg.MaxWait,
			Codec:     codec,
			Logger:    m.logger,
		})
	}
	m.logger.Info("Event feed initialized", "transport", cfg.Transport, "codec", codec.Name())
	return pubsubfeed.NewNotifier(pub, codec), nil
}

func (m *Manager) initServer() {
	mux := http.NewServeMux()
	if m.hub != nil {
		mux.Handle("GET "+m.cfg.Server.WebsocketPath, m.hub)
	}
	if m.cfg.API.Enabled {
		var auth *api.Authenticator
		if m.cfg.API.Secret != "" {
			auth = api.NewAuthenticator(m.cfg.API.Secret, m.cfg.API.Issuer)
		} else {
			m.logger.Warn("Admin API has no secret configured and accepts unauthenticated requests")
		}
		api.NewHandler(m.conns, m.index, m.events, api.Options{
			Auth:   auth,
			Health: m.health,
			Logger: m.logger,
		}).RegisterRoutes(mux)
	}
	m.server = &http.Server{
		Addr:              m.cfg.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
