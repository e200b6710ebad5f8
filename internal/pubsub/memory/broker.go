// Package memory is an in-process pubsub.Provider with JetStream-like
// semantics: durable consumer groups, subject wildcards and Nak redelivery.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/syntrixbase/broker/internal/pubsub"
)

var (
	ErrClosed = errors.New("memory pubsub: closed")
	// ErrConsumerActive is returned when a durable consumer already has a subscriber.
	ErrConsumerActive = errors.New("memory pubsub: consumer already subscribed")
)

// Broker routes published messages to every durable group whose pattern
// matches. Messages published while a group has no subscriber wait in its queue.
type Broker struct {
	mu     sync.Mutex
	groups map[string]*group
	closed bool
}

type group struct {
	name    string
	pattern string

	mu     sync.Mutex
	queue  []*message
	notify chan struct{}
	active bool
}

var _ pubsub.Provider = (*Broker)(nil)

func New() *Broker {
	return &Broker{groups: make(map[string]*group)}
}

func (b *Broker) NewPublisher(opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return &publisher{broker: b, opts: opts}, nil
}

// NewConsumer registers the durable group immediately so that messages
// published before Subscribe are retained.
func (b *Broker) NewConsumer(opts pubsub.ConsumerOptions) (pubsub.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	name := opts.ConsumerName
	if name == "" {
		name = opts.Pattern()
	}
	g, ok := b.groups[name]
	if !ok {
		g = &group{name: name, pattern: opts.Pattern(), notify: make(chan struct{}, 1)}
		b.groups[name] = g
	}
	bufSize := opts.ChannelBufSize
	if bufSize <= 0 {
		bufSize = pubsub.DefaultChannelBufSize
	}
	return &consumer{broker: b, group: g, bufSize: bufSize}, nil
}

func (b *Broker) publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	now := time.Now()
	for _, g := range b.groups {
		if !matchSubject(g.pattern, subject) {
			continue
		}
		g.enqueue(&message{
			data:         append([]byte(nil), data...),
			subject:      subject,
			timestamp:    now,
			numDelivered: 1,
			group:        g,
		})
	}
	return nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, g := range b.groups {
		g.wake()
	}
	return nil
}

func (g *group) enqueue(m *message) {
	g.mu.Lock()
	g.queue = append(g.queue, m)
	g.mu.Unlock()
	g.wake()
}

func (g *group) wake() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

func (g *group) dequeue() (*message, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.queue) == 0 {
		return nil, false
	}
	m := g.queue[0]
	g.queue[0] = nil
	g.queue = g.queue[1:]
	return m, true
}

// Pending returns the number of queued messages for a durable consumer.
func (b *Broker) Pending(consumerName string) int {
	b.mu.Lock()
	g, ok := b.groups[consumerName]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

type publisher struct {
	broker *Broker
	opts   pubsub.PublisherOptions
}

func (p *publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.broker.publish(ctx, p.opts.FullSubject(subject), data)
}

func (p *publisher) Close() error { return nil }

type consumer struct {
	broker  *Broker
	group   *group
	bufSize int
}

// Subscribe pumps the group's queue into a channel until ctx ends.
func (c *consumer) Subscribe(ctx context.Context) (<-chan pubsub.Message, error) {
	if c.broker.isClosed() {
		return nil, ErrClosed
	}
	g := c.group
	g.mu.Lock()
	if g.active {
		g.mu.Unlock()
		return nil, ErrConsumerActive
	}
	g.active = true
	g.mu.Unlock()

	out := make(chan pubsub.Message, c.bufSize)
	go func() {
		defer func() {
			g.mu.Lock()
			g.active = false
			g.mu.Unlock()
			close(out)
		}()
		for {
			if c.broker.isClosed() {
				return
			}
			m, ok := g.dequeue()
			if !ok {
				select {
				case <-g.notify:
					continue
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- m:
			case <-ctx.Done():
				g.requeue(m)
				return
			}
		}
	}()
	return out, nil
}

// requeue puts an undelivered message back at the head of the queue.
func (g *group) requeue(m *message) {
	g.mu.Lock()
	g.queue = append([]*message{m}, g.queue...)
	g.mu.Unlock()
}
