// Package subscription maintains the dual index from event name to
// subscribers and from subscription id to subscribed event names.
//
// Every mutation writes or deletes both halves in the same store call:
//
//	Subscriptions           (event, subscriptionId) -> full Subscriber snapshot
//	SubscriptionOperations  subscriptionId[, event] -> {subscriptionId, event, ttl}
//
// Two strategies share this contract. Simple allows exactly one event name
// per operation and keys the mirror by subscriptionId alone. Range allows
// many event names per operation and adds event as the mirror's sort key.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/syntrixbase/broker/internal/store"
	"github.com/syntrixbase/broker/internal/ttl"
	"github.com/syntrixbase/broker/pkg/model"
)

// DefaultPageSize is the subscriber page size used by SubscribersByEvent.
const DefaultPageSize = 50

// Index is the subscription index contract shared by both strategies.
type Index interface {
	Subscribe(ctx context.Context, events []string, conn model.Connection, op model.Operation) error
	Unsubscribe(ctx context.Context, sub model.Subscriber) error
	UnsubscribeOperation(ctx context.Context, connectionID, operationID string) error
	UnsubscribeAllByConnectionID(ctx context.Context, connectionID string) error
	// SubscribersByEvent starts a fresh paginated scan of the event's
	// subscribers. The returned iterator is not restartable.
	SubscribersByEvent(evt model.Event) *Iterator
}

// ErrMultipleEvents is returned by the Simple strategy for anything but one event name.
var ErrMultipleEvents = fmt.Errorf("%w: only one active operation per event name is allowed", model.ErrInvalidArgument)

// ErrNoEvents is returned when subscribing to an empty event list.
var ErrNoEvents = fmt.Errorf("%w: at least one event name is required", model.ErrInvalidArgument)

// Tables names the two halves of the index.
type Tables struct {
	Subscriptions          string `yaml:"subscriptions"`
	SubscriptionOperations string `yaml:"subscription_operations"`
}

func DefaultTables() Tables {
	return Tables{
		Subscriptions:          "Subscriptions",
		SubscriptionOperations: "SubscriptionOperations",
	}
}

// SubscriptionID derives the id shared by all index entries of one operation.
func SubscriptionID(connectionID, operationID string) string {
	return connectionID + ":" + operationID
}

// ConnectionPrefix is the subscriptionId prefix owned by a connection.
func ConnectionPrefix(connectionID string) string {
	return connectionID + ":"
}

type Option func(*options)

type options struct {
	tables         Tables
	ttl            ttl.Policy
	pageSize       int
	clock          ttl.Clock
	eventName      func(model.Event) string
	connectionName func(event string, conn model.Connection) string
	logger         *slog.Logger
}

func WithTables(t Tables) Option {
	return func(o *options) {
		if t.Subscriptions != "" {
			o.tables.Subscriptions = t.Subscriptions
		}
		if t.SubscriptionOperations != "" {
			o.tables.SubscriptionOperations = t.SubscriptionOperations
		}
	}
}

func WithTTL(p ttl.Policy) Option {
	return func(o *options) { o.ttl = p }
}

func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

func WithClock(c ttl.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithEventName maps a published event to the index partition it is looked
// up under. Defaults to the event's name.
func WithEventName(fn func(model.Event) string) Option {
	return func(o *options) { o.eventName = fn }
}

// WithConnectionEventName rewrites the subscribed event name per connection,
// e.g. to namespace tenants. Only the Simple strategy applies it.
func WithConnectionEventName(fn func(event string, conn model.Connection) string) Option {
	return func(o *options) { o.connectionName = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// base holds what both strategies share: the store, the two table
// definitions and the paging and cleanup loops.
type base struct {
	store  store.Store
	subs   store.Table
	ops    store.Table
	opts   options
	logger *slog.Logger
}

func newBase(s store.Store, mirrorSorted bool, strategy string, opts []Option) base {
	o := options{
		tables:   DefaultTables(),
		ttl:      ttl.Default(),
		pageSize: DefaultPageSize,
		clock:    time.Now,
		eventName: func(e model.Event) string {
			return e.Name
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	ops := store.Table{Name: o.tables.SubscriptionOperations, PartitionKey: "subscriptionId"}
	if mirrorSorted {
		ops.SortKey = "event"
	}
	return base{
		store:  s,
		subs:   store.Table{Name: o.tables.Subscriptions, PartitionKey: "event", SortKey: "subscriptionId"},
		ops:    ops,
		opts:   o,
		logger: o.logger.With("component", "subscription", "strategy", strategy),
	}
}

// pairsPerBatch is how many (subscription, mirror) deletions fit in one batch.
func (b *base) pairsPerBatch() int {
	n := b.store.MaxBatchItems() / 2
	if n < 1 {
		n = 1
	}
	return n
}

func (b *base) mirrorKey(subscriptionID, event string) store.Key {
	k := store.Key{Partition: subscriptionID}
	if b.ops.SortKey != "" {
		k.Sort = event
	}
	return k
}

// putRequests builds both halves of the index for one event name.
func (b *base) putRequests(event string, conn model.Connection, op model.Operation) ([]store.WriteRequest, error) {
	subID := SubscriptionID(conn.ID, op.OperationID)
	exp := b.opts.ttl.ExpiryPtr(b.opts.clock())

	sub, err := store.ToRecord(model.Subscriber{
		Event:          event,
		SubscriptionID: subID,
		Connection:     conn,
		Operation:      op,
		OperationID:    op.OperationID,
		TTL:            exp,
	})
	if err != nil {
		return nil, err
	}
	mirror, err := store.ToRecord(model.SubscriptionOperation{
		SubscriptionID: subID,
		Event:          event,
		TTL:            exp,
	})
	if err != nil {
		return nil, err
	}
	return []store.WriteRequest{
		store.PutRequest(b.subs, sub),
		store.PutRequest(b.ops, mirror),
	}, nil
}

func (b *base) deleteRequests(subscriptionID, event string) []store.WriteRequest {
	return []store.WriteRequest{
		store.DeleteRequest(b.subs, store.Key{Partition: event, Sort: subscriptionID}),
		store.DeleteRequest(b.ops, b.mirrorKey(subscriptionID, event)),
	}
}

func (b *base) Unsubscribe(ctx context.Context, sub model.Subscriber) error {
	if err := b.store.TransactWrite(ctx, b.deleteRequests(sub.SubscriptionID, sub.Event)); err != nil {
		return fmt.Errorf("failed to unsubscribe %s from %s: %w", sub.SubscriptionID, sub.Event, err)
	}
	return nil
}

// deletePairs removes (subscriptionId, event) pairs in store-sized batches.
func (b *base) deletePairs(ctx context.Context, pairs [][2]string) error {
	per := b.pairsPerBatch()
	for start := 0; start < len(pairs); start += per {
		end := start + per
		if end > len(pairs) {
			end = len(pairs)
		}
		reqs := make([]store.WriteRequest, 0, 2*(end-start))
		for _, p := range pairs[start:end] {
			reqs = append(reqs, b.deleteRequests(p[0], p[1])...)
		}
		if err := b.store.BatchWrite(ctx, reqs); err != nil {
			return err
		}
	}
	return nil
}

// UnsubscribeAllByConnectionID scans the whole event-keyed table for the
// connection's prefix, deleting both halves page by page.
func (b *base) UnsubscribeAllByConnectionID(ctx context.Context, connectionID string) error {
	prefix := ConnectionPrefix(connectionID)
	var cursor *store.Key
	removed := 0
	for {
		page, err := b.store.Scan(ctx, store.ScanInput{
			Table:       b.subs,
			PrefixField: "subscriptionId",
			Prefix:      prefix,
			Limit:       b.pairsPerBatch(),
			StartAfter:  cursor,
		})
		if err != nil {
			return fmt.Errorf("failed to scan subscriptions of %s: %w", connectionID, err)
		}

		pairs := make([][2]string, 0, len(page.Records))
		for _, rec := range page.Records {
			subID, _ := rec["subscriptionId"].(string)
			event, _ := rec["event"].(string)
			pairs = append(pairs, [2]string{subID, event})
		}
		if err := b.deletePairs(ctx, pairs); err != nil {
			return fmt.Errorf("failed to delete subscriptions of %s: %w", connectionID, err)
		}
		removed += len(pairs)

		if page.LastKey == nil {
			break
		}
		cursor = page.LastKey
	}
	b.logger.Debug("Removed connection subscriptions", "connectionId", connectionID, "count", removed)
	return nil
}

func (b *base) SubscribersByEvent(evt model.Event) *Iterator {
	name := b.opts.eventName(evt)
	now := b.opts.clock()
	return newIterator(func(ctx context.Context, after *store.Key) (store.Page, error) {
		return b.store.Query(ctx, store.QueryInput{
			Table:      b.subs,
			Partition:  name,
			ActiveAt:   &now,
			Limit:      b.opts.pageSize,
			StartAfter: after,
		})
	}, now)
}
