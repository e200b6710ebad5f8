// Package processor fans published events out to their subscribers.
//
// Handle never fails. The upstream feed redelivers a batch whose handler
// reports an error, and redelivery would push already delivered results
// to clients a second time. Every failure is instead recorded in the
// Report and passed to the error callback.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syntrixbase/broker/internal/executor"
	"github.com/syntrixbase/broker/internal/feed"
	"github.com/syntrixbase/broker/internal/protocol"
	"github.com/syntrixbase/broker/internal/subscription"
	"github.com/syntrixbase/broker/internal/ttl"
	"github.com/syntrixbase/broker/pkg/model"
)

// Subscribers looks up the subscriber pages of an event.
type Subscribers interface {
	SubscribersByEvent(evt model.Event) *subscription.Iterator
}

// Sender delivers bytes to a connection.
type Sender interface {
	Send(ctx context.Context, conn model.Connection, data []byte) error
}

// ErrorFunc receives every failure. sub is nil for event-level failures.
type ErrorFunc func(ctx context.Context, err error, evt model.Event, sub *model.Subscriber)

type Config struct {
	Clock   ttl.Clock
	OnError ErrorFunc
	// Concurrency caps in-flight deliveries within a page. 0 means the
	// whole page at once.
	Concurrency int
	Logger      *slog.Logger
}

type Processor struct {
	subs     Subscribers
	executor executor.Executor
	sender   Sender
	clock    ttl.Clock
	onError  ErrorFunc
	limit    int
	logger   *slog.Logger
}

func New(subs Subscribers, ex executor.Executor, sender Sender, cfg Config) *Processor {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		subs:     subs,
		executor: ex,
		sender:   sender,
		clock:    clock,
		onError:  cfg.OnError,
		limit:    cfg.Concurrency,
		logger:   logger.With("component", "processor"),
	}
	if p.onError == nil {
		p.onError = p.logError
	}
	return p
}

func (p *Processor) logError(ctx context.Context, err error, evt model.Event, sub *model.Subscriber) {
	attrs := []any{"event", evt.Name, "eventId", evt.ID, "error", err}
	if sub != nil {
		attrs = append(attrs, "subscriptionId", sub.SubscriptionID)
	}
	p.logger.ErrorContext(ctx, "Event delivery failed", attrs...)
}

// Handler adapts the processor to a feed source. It always returns nil.
func (p *Processor) Handler() feed.Handler {
	return func(ctx context.Context, changes []feed.Change) error {
		p.Handle(ctx, changes)
		return nil
	}
}

// Handle processes one batch in feed order.
func (p *Processor) Handle(ctx context.Context, changes []feed.Change) Report {
	report := Report{Events: make([]EventReport, 0, len(changes))}
	for _, c := range changes {
		report.Events = append(report.Events, p.handleChange(ctx, c))
	}
	return report
}

func (p *Processor) handleChange(ctx context.Context, c feed.Change) (rep EventReport) {
	if c.Kind != feed.KindInsert {
		return EventReport{Outcome: OutcomeIgnored}
	}

	evt, err := model.EventFromFields(c.NewImage)
	if err != nil {
		p.onError(ctx, err, evt, nil)
		return EventReport{Outcome: OutcomeInvalid, Err: err}
	}
	rep = EventReport{EventID: evt.ID, Name: evt.Name}

	if ttl.IsExpired(evt.TTL, p.clock()) {
		p.logger.DebugContext(ctx, "Skipping expired event", "event", evt.Name, "eventId", evt.ID, "ttl", *evt.TTL)
		rep.Outcome = OutcomeSkippedExpired
		return rep
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic while processing event: %v", r)
			p.onError(ctx, err, evt, nil)
			rep.Outcome, rep.Err = OutcomeFailed, err
		}
	}()

	it := p.subs.SubscribersByEvent(evt)
	for it.Next(ctx) {
		rep.Subscribers = append(rep.Subscribers, p.deliverPage(ctx, evt, it.Page())...)
	}
	rep.Pages = it.Pages()
	if err := it.Err(); err != nil {
		err = fmt.Errorf("failed to list subscribers of %s: %w", evt.Name, err)
		p.onError(ctx, err, evt, nil)
		rep.Outcome, rep.Err = OutcomeFailed, err
		return rep
	}

	rep.Outcome = OutcomeProcessed
	p.logger.InfoContext(ctx, "Event processed", "event", evt.Name, "eventId", evt.ID,
		"subscribers", len(rep.Subscribers), "pages", rep.Pages)
	return rep
}

// deliverPage fans one page out and waits for every delivery to settle.
func (p *Processor) deliverPage(ctx context.Context, evt model.Event, page []model.Subscriber) []SubscriberReport {
	out := make([]SubscriberReport, len(page))
	var g errgroup.Group
	if p.limit > 0 {
		g.SetLimit(p.limit)
	}
	for i := range page {
		g.Go(func() error {
			out[i] = p.deliver(ctx, evt, &page[i])
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (p *Processor) deliver(ctx context.Context, evt model.Event, sub *model.Subscriber) (rep SubscriberReport) {
	rep = SubscriberReport{
		SubscriptionID: sub.SubscriptionID,
		ConnectionID:   sub.Connection.ID,
		OperationID:    sub.OperationID,
	}
	defer func() {
		if r := recover(); r != nil {
			rep.Outcome, rep.Err = OutcomeFailed, fmt.Errorf("panic during delivery: %v", r)
		}
		if rep.Outcome == OutcomeFailed {
			p.onError(ctx, rep.Err, evt, sub)
		}
	}()

	stream, err := p.executor.Execute(ctx, executor.Request{
		Connection: sub.Connection,
		Operation:  sub.Operation,
		Event:      evt,
	})
	if errors.Is(err, executor.ErrNotIterable) {
		p.logger.DebugContext(ctx, "Operation is not iterable, skipping", "subscriptionId", sub.SubscriptionID, "error", err)
		rep.Outcome = OutcomeNotIterable
		return rep
	}
	if err != nil {
		rep.Outcome, rep.Err = OutcomeFailed, err
		return rep
	}
	defer stream.Close()

	result, ok, err := stream.Next(ctx)
	if err != nil {
		rep.Outcome, rep.Err = OutcomeFailed, err
		return rep
	}
	if !ok {
		rep.Outcome = OutcomeNoResult
		return rep
	}

	msg, err := protocol.Data(sub.OperationID, result)
	if err != nil {
		rep.Outcome, rep.Err = OutcomeFailed, err
		return rep
	}
	if err := p.sender.Send(ctx, sub.Connection, msg); err != nil {
		rep.Outcome, rep.Err = OutcomeFailed, err
		return rep
	}
	rep.Outcome = OutcomeDelivered
	return rep
}
