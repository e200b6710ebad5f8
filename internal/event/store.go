// Package event is the durable event store.
package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/syntrixbase/broker/internal/feed"
	"github.com/syntrixbase/broker/internal/store"
	"github.com/syntrixbase/broker/internal/ttl"
	"github.com/syntrixbase/broker/pkg/model"
)

const DefaultTable = "Events"

type Config struct {
	Table string
	TTL   ttl.Policy
	Clock ttl.Clock
	// Notifier, when set, announces every stored event on the feed.
	Notifier feed.Notifier
	Logger   *slog.Logger
}

type Store struct {
	store    store.Store
	table    store.Table
	ttl      ttl.Policy
	clock    ttl.Clock
	notifier feed.Notifier
	newID    func() (uuid.UUID, error)
	logger   *slog.Logger
}

func NewStore(s store.Store, cfg Config) *Store {
	table := cfg.Table
	if table == "" {
		table = DefaultTable
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
	return &Store{
		store:    s,
		table:    store.Table{Name: table, PartitionKey: model.EventFieldID},
		ttl:      policy,
		clock:    clock,
		notifier: cfg.Notifier,
		newID:    uuid.NewV7,
		logger:   logger.With("component", "event"),
	}
}

// Table is the table events are written to.
func (s *Store) Table() store.Table {
	return s.table
}

// Publish assigns a fresh id and expiry and writes the event once. Any id
// or ttl already on evt is replaced. The stored event is returned.
func (s *Store) Publish(ctx context.Context, evt model.Event) (model.Event, error) {
	if evt.Name == "" {
		return model.Event{}, fmt.Errorf("%w: event name is required", model.ErrInvalidArgument)
	}
	id, err := s.newID()
	if err != nil {
		return model.Event{}, fmt.Errorf("failed to generate event id: %w", err)
	}
	evt.ID = id.String()
	evt.TTL = s.ttl.ExpiryPtr(s.clock())

	if err := s.store.Put(ctx, s.table, store.Record(evt.Fields())); err != nil {
		return model.Event{}, fmt.Errorf("failed to publish event %s: %w", evt.Name, err)
	}
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, feed.Insert(evt)); err != nil {
			return evt, fmt.Errorf("event %s stored but not announced: %w", evt.ID, err)
		}
	}
	s.logger.Debug("Event published", "event", evt.Name, "id", evt.ID)
	return evt, nil
}
