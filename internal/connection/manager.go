// Package connection manages connection records and delivery to them.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syntrixbase/broker/internal/gateway"
	"github.com/syntrixbase/broker/internal/store"
	"github.com/syntrixbase/broker/internal/ttl"
	"github.com/syntrixbase/broker/pkg/model"
)

// DefaultHydrateTimeout is the pause between hydrate attempts.
const DefaultHydrateTimeout = 50 * time.Millisecond

// ErrConnectionNotFound is returned by Hydrate for missing or expired connections.
var ErrConnectionNotFound = fmt.Errorf("connection %w", model.ErrNotFound)

// SubscriptionPurger removes every subscription owned by a connection.
type SubscriptionPurger interface {
	UnsubscribeAllByConnectionID(ctx context.Context, connectionID string) error
}

// HydrateOptions controls read-after-write tolerance. RetryCount extra
// reads are made, Timeout apart.
type HydrateOptions struct {
	RetryCount int
	Timeout    time.Duration
}

type Config struct {
	Table  string
	TTL    ttl.Policy
	Clock  ttl.Clock
	Logger *slog.Logger
}

// Manager is the connection store.
type Manager struct {
	store         store.Store
	gateway       gateway.Gateway
	subscriptions SubscriptionPurger
	table         store.Table
	ttl           ttl.Policy
	clock         ttl.Clock
	sleep         func(ctx context.Context, d time.Duration) error
	logger        *slog.Logger
}

func NewManager(s store.Store, gw gateway.Gateway, subs SubscriptionPurger, cfg Config) *Manager {
	table := cfg.Table
	if table == "" {
		table = "Connections"
	}
	policy := cfg.TTL
	if policy.IsZero() {
		policy = ttl.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:         s,
		gateway:       gw,
		subscriptions: subs,
		table:         store.Table{Name: table, PartitionKey: "id"},
		ttl:           policy,
		clock:         clock,
		sleep:         sleepContext,
		logger:        logger.With("component", "connection"),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register stores a fresh connection, overwriting any record with the same id.
func (m *Manager) Register(ctx context.Context, evt model.ConnectEvent) (model.Connection, error) {
	now := m.clock()
	conn := model.Connection{
		ID: evt.ConnectionID,
		Data: model.ConnectionData{
			Endpoint: evt.Endpoint,
			Context:  map[string]interface{}{},
		},
		CreatedAt: now.UTC(),
		TTL:       m.ttl.ExpiryPtr(now),
	}
	rec, err := store.ToRecord(conn)
	if err != nil {
		return model.Connection{}, err
	}
	if err := m.store.Put(ctx, m.table, rec); err != nil {
		return model.Connection{}, fmt.Errorf("failed to register connection %s: %w", conn.ID, err)
	}
	m.logger.Debug("Connection registered", "connectionId", conn.ID)
	return conn, nil
}

// Hydrate reads the connection, retrying up to opts.RetryCount more times.
func (m *Manager) Hydrate(ctx context.Context, connectionID string, opts HydrateOptions) (model.Connection, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultHydrateTimeout
	}
	attempts := opts.RetryCount + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		conn, err := m.get(ctx, connectionID)
		if err == nil {
			return conn, nil
		}
		if !errors.Is(err, ErrConnectionNotFound) || attempt >= attempts {
			return model.Connection{}, err
		}
		if err := m.sleep(ctx, timeout); err != nil {
			return model.Connection{}, model.WrapError(err)
		}
	}
}

func (m *Manager) get(ctx context.Context, connectionID string) (model.Connection, error) {
	rec, err := m.store.Get(ctx, m.table, store.Key{Partition: connectionID})
	if errors.Is(err, store.ErrNotFound) {
		return model.Connection{}, fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID)
	}
	if err != nil {
		return model.Connection{}, err
	}
	var conn model.Connection
	if err := store.FromRecord(rec, &conn); err != nil {
		return model.Connection{}, err
	}
	if ttl.IsExpired(conn.TTL, m.clock()) {
		return model.Connection{}, fmt.Errorf("%w: %s expired", ErrConnectionNotFound, connectionID)
	}
	return conn, nil
}

// SetData replaces the connection's data wholesale.
func (m *Manager) SetData(ctx context.Context, data model.ConnectionData, conn model.Connection) error {
	rec, err := store.ToRecord(data)
	if err != nil {
		return err
	}
	if err := m.store.Update(ctx, m.table, store.Key{Partition: conn.ID}, store.Record{"data": map[string]interface{}(rec)}); err != nil {
		return fmt.Errorf("failed to set data for connection %s: %w", conn.ID, err)
	}
	return nil
}

// Send pushes data to the connection. A Gone connection is unregistered
// and the Gone itself is not reported.
func (m *Manager) Send(ctx context.Context, conn model.Connection, data []byte) error {
	err := m.gateway.Push(ctx, conn.Endpoint(), conn.ID, data)
	if err == nil {
		return nil
	}
	if errors.Is(err, gateway.ErrGone) {
		m.logger.Info("Connection gone, unregistering", "connectionId", conn.ID)
		return m.Unregister(ctx, conn)
	}
	return fmt.Errorf("failed to send to connection %s: %w", conn.ID, err)
}

// Unregister deletes the connection record and all of its subscriptions in
// parallel, waiting for both.
func (m *Manager) Unregister(ctx context.Context, conn model.Connection) error {
	var g errgroup.Group
	g.Go(func() error {
		if err := m.store.Delete(ctx, m.table, store.Key{Partition: conn.ID}); err != nil {
			return fmt.Errorf("failed to delete connection %s: %w", conn.ID, err)
		}
		return nil
	})
	g.Go(func() error {
		return m.subscriptions.UnsubscribeAllByConnectionID(ctx, conn.ID)
	})
	return g.Wait()
}

// Close asks the gateway to terminate the physical channel.
func (m *Manager) Close(ctx context.Context, conn model.Connection) error {
	if err := m.gateway.Terminate(ctx, conn.Endpoint(), conn.ID); err != nil {
		return fmt.Errorf("failed to close connection %s: %w", conn.ID, err)
	}
	return nil
}
