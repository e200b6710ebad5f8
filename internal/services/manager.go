// Package services assembles the broker from configuration and runs it.
package services

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/syntrixbase/broker/internal/config"
	"github.com/syntrixbase/broker/internal/connection"
	"github.com/syntrixbase/broker/internal/event"
	"github.com/syntrixbase/broker/internal/feed"
	"github.com/syntrixbase/broker/internal/gateway"
	"github.com/syntrixbase/broker/internal/gateway/websocket"
	"github.com/syntrixbase/broker/internal/processor"
	"github.com/syntrixbase/broker/internal/pubsub"
	"github.com/syntrixbase/broker/internal/store"
	mongostore "github.com/syntrixbase/broker/internal/store/mongo"
	"github.com/syntrixbase/broker/internal/subscription"
)

// Options selects which parts of the broker run in this process.
type Options struct {
	// PublishOnly skips the HTTP server, feed consumption and sweeping.
	// Used by one-shot commands that only write events.
	PublishOnly bool
}

type Manager struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store      store.Store
	mongoStore *mongostore.Store
	sweeper    store.Sweeper
	health     func(ctx context.Context) error
	closers    []func(ctx context.Context) error

	index     subscription.Index
	gateway   gateway.Gateway
	hub       *websocket.Hub
	conns     *connection.Manager
	events    *event.Store
	provider  pubsub.Provider
	source    feed.Source
	processor *processor.Processor

	server   *http.Server
	listener net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg *config.Config, opts Options) *Manager {
	return &Manager{
		cfg:    cfg,
		opts:   opts,
		logger: slog.Default().With("component", "services"),
	}
}

// Events is the event store, available after Init.
func (m *Manager) Events() *event.Store {
	return m.events
}

// Addr is the address the HTTP server listens on, available after Start.
func (m *Manager) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}
