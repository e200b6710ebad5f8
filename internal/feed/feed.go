// Package feed carries insert notifications for the Events table from the
// store to the event processor.
package feed

import (
	"context"

	"github.com/syntrixbase/broker/pkg/model"
)

// ChangeKind tags one change notification.
type ChangeKind string

const (
	KindInsert ChangeKind = "insert"
	KindModify ChangeKind = "modify"
	KindRemove ChangeKind = "remove"
)

// Change is one notification. NewImage holds the full field set of the
// record after the change and is empty for removals.
type Change struct {
	Kind     ChangeKind             `json:"kind" cbor:"kind"`
	NewImage map[string]interface{} `json:"newImage,omitempty" cbor:"newImage,omitempty"`
}

// Insert builds the insert notification for a freshly published event.
func Insert(evt model.Event) Change {
	return Change{Kind: KindInsert, NewImage: evt.Fields()}
}

// Handler processes one ordered batch. A non-nil error asks the source to
// redeliver the batch.
type Handler func(ctx context.Context, changes []Change) error

// Source delivers batches to a handler until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, h Handler) error
}

// Notifier announces changes on a feed for stores without a native change
// stream.
type Notifier interface {
	Notify(ctx context.Context, c Change) error
}
