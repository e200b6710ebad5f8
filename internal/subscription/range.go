package subscription

import (
	"context"
	"fmt"

	"github.com/syntrixbase/broker/internal/store"
	"github.com/syntrixbase/broker/pkg/model"
)

// Range lets one operation listen to several event names. Each name is a
// separate index entry sharing the operation's subscriptionId.
type Range struct {
	base
}

var _ Index = (*Range)(nil)

func NewRange(s store.Store, opts ...Option) *Range {
	return &Range{base: newBase(s, true, "range", opts)}
}

func (i *Range) Subscribe(ctx context.Context, events []string, conn model.Connection, op model.Operation) error {
	names := dedupe(events)
	if len(names) == 0 {
		return ErrNoEvents
	}
	if 2*len(names) > i.store.MaxBatchItems() {
		return fmt.Errorf("%w: %d event names exceed one batch of %d writes",
			model.ErrInvalidArgument, len(names), i.store.MaxBatchItems())
	}

	reqs := make([]store.WriteRequest, 0, 2*len(names))
	for _, name := range names {
		pair, err := i.putRequests(name, conn, op)
		if err != nil {
			return err
		}
		reqs = append(reqs, pair...)
	}
	if err := i.store.BatchWrite(ctx, reqs); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", SubscriptionID(conn.ID, op.OperationID), err)
	}
	return nil
}

// UnsubscribeOperation range-reads the operation's mirror partition and
// deletes every pair found, including expired ones.
func (i *Range) UnsubscribeOperation(ctx context.Context, connectionID, operationID string) error {
	subID := SubscriptionID(connectionID, operationID)
	var pairs [][2]string
	var cursor *store.Key
	for {
		page, err := i.store.Query(ctx, store.QueryInput{
			Table:      i.ops,
			Partition:  subID,
			Limit:      i.pairsPerBatch(),
			StartAfter: cursor,
		})
		if err != nil {
			return fmt.Errorf("failed to look up operation %s: %w", subID, err)
		}
		for _, rec := range page.Records {
			event, _ := rec["event"].(string)
			pairs = append(pairs, [2]string{subID, event})
		}
		if page.LastKey == nil {
			break
		}
		cursor = page.LastKey
	}
	if err := i.deletePairs(ctx, pairs); err != nil {
		return fmt.Errorf("failed to unsubscribe operation %s: %w", subID, err)
	}
	return nil
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
