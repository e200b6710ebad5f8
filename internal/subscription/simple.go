package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/syntrixbase/broker/internal/store"
	"github.com/syntrixbase/broker/pkg/model"
)

// Simple allows one event name per operation, so an operation's mirror
// record is a direct point lookup.
type Simple struct {
	base
}

var _ Index = (*Simple)(nil)

func NewSimple(s store.Store, opts ...Option) *Simple {
	return &Simple{base: newBase(s, false, "simple", opts)}
}

func (i *Simple) Subscribe(ctx context.Context, events []string, conn model.Connection, op model.Operation) error {
	if len(events) == 0 {
		return ErrNoEvents
	}
	if len(events) > 1 {
		return ErrMultipleEvents
	}
	name := events[0]
	if i.opts.connectionName != nil {
		name = i.opts.connectionName(name, conn)
	}
	if name == "" {
		return ErrNoEvents
	}

	reqs, err := i.putRequests(name, conn, op)
	if err != nil {
		return err
	}
	if err := i.store.BatchWrite(ctx, reqs); err != nil {
		return fmt.Errorf("failed to subscribe %s to %s: %w", SubscriptionID(conn.ID, op.OperationID), name, err)
	}
	return nil
}

func (i *Simple) UnsubscribeOperation(ctx context.Context, connectionID, operationID string) error {
	subID := SubscriptionID(connectionID, operationID)
	rec, err := i.store.Get(ctx, i.ops, store.Key{Partition: subID})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up operation %s: %w", subID, err)
	}
	event, _ := rec["event"].(string)
	if err := i.store.TransactWrite(ctx, i.deleteRequests(subID, event)); err != nil {
		return fmt.Errorf("failed to unsubscribe operation %s: %w", subID, err)
	}
	return nil
}
