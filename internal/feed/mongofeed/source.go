// Package mongofeed reads the event feed from a MongoDB change stream on
// the events collection.
package mongofeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/syntrixbase/broker/internal/feed"
	mongostore "github.com/syntrixbase/broker/internal/store/mongo"
)

const (
	DefaultBatchSize    = 100
	DefaultRetryBackoff = time.Second
)

// changeStream is the part of *mongo.ChangeStream the source reads.
type changeStream interface {
	Next(ctx context.Context) bool
	TryNext(ctx context.Context) bool
	Decode(v interface{}) error
	ResumeToken() bson.Raw
	Err() error
	Close(ctx context.Context) error
}

type openFunc func(ctx context.Context, resumeAfter bson.Raw) (changeStream, error)

type Options struct {
	BatchSize    int
	RetryBackoff time.Duration
	Logger       *slog.Logger
}

// Source batches change stream events. The resume token only advances
// after the handler accepts a batch, so a failed batch is read again when
// the stream is reopened.
type Source struct {
	open   openFunc
	opts   Options
	logger *slog.Logger
	token  bson.Raw
}

var _ feed.Source = (*Source)(nil)

// NewSource watches coll for every change kind.
func NewSource(coll *mongo.Collection, opts Options) *Source {
	return newSource(func(ctx context.Context, resumeAfter bson.Raw) (changeStream, error) {
		csOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
		if resumeAfter != nil {
			csOpts.SetResumeAfter(resumeAfter)
		}
		pipeline := mongo.Pipeline{
			bson.D{{Key: "$match", Value: bson.D{
				{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace", "delete"}}}},
			}}},
		}
		return coll.Watch(ctx, pipeline, csOpts)
	}, opts)
}

func newSource(open openFunc, opts Options) *Source {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{open: open, opts: opts, logger: logger.With("component", "mongofeed")}
}

// Run reopens the stream after failures until ctx is cancelled.
func (s *Source) Run(ctx context.Context, h feed.Handler) error {
	for {
		err := s.consume(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("Change stream interrupted, reopening", "error", err, "backoff", s.opts.RetryBackoff)
		select {
		case <-time.After(s.opts.RetryBackoff):
		case <-ctx.Done():
			return nil
		}
	}
}

var errHandlerFailed = errors.New("handler rejected batch")

func (s *Source) consume(ctx context.Context, h feed.Handler) error {
	stream, err := s.open(ctx, s.token)
	if err != nil {
		return fmt.Errorf("failed to open change stream: %w", err)
	}
	defer stream.Close(context.Background())

	for stream.Next(ctx) {
		changes := make([]feed.Change, 0, s.opts.BatchSize)
		if c, ok := s.decode(stream); ok {
			changes = append(changes, c)
		}
		for len(changes) < s.opts.BatchSize && stream.TryNext(ctx) {
			if c, ok := s.decode(stream); ok {
				changes = append(changes, c)
			}
		}
		if len(changes) > 0 {
			if err := h(ctx, changes); err != nil {
				return fmt.Errorf("%w: %v", errHandlerFailed, err)
			}
		}
		s.token = stream.ResumeToken()
	}
	return stream.Err()
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	FullDocument  bson.M `bson:"fullDocument"`
}

func (s *Source) decode(stream changeStream) (feed.Change, bool) {
	var ev changeEvent
	if err := stream.Decode(&ev); err != nil {
		s.logger.Warn("Skipping undecodable change", "error", err)
		return feed.Change{}, false
	}
	var kind feed.ChangeKind
	switch ev.OperationType {
	case "insert":
		kind = feed.KindInsert
	case "update", "replace":
		kind = feed.KindModify
	case "delete":
		kind = feed.KindRemove
	default:
		return feed.Change{}, false
	}
	c := feed.Change{Kind: kind}
	if ev.FullDocument != nil {
		c.NewImage = map[string]interface{}(mongostore.RecordFromDocument(ev.FullDocument))
	}
	return c, true
}
