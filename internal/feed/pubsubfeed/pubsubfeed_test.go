package pubsubfeed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/broker/internal/feed"
	"github.com/syntrixbase/broker/internal/pubsub"
	"github.com/syntrixbase/broker/internal/pubsub/memory"
	"github.com/syntrixbase/broker/pkg/model"
)

type harness struct {
	broker   *memory.Broker
	notifier *Notifier
	source   *Source
}

func newHarness(t *testing.T, codec feed.Codec, batch int) *harness {
	t.Helper()
	b := memory.New()
	t.Cleanup(func() { b.Close() })

	cons, err := b.NewConsumer(ConsumerOptions("", "", pubsub.MemoryStorage))
	require.NoError(t, err)
	pub, err := b.NewPublisher(PublisherOptions("", pubsub.MemoryStorage))
	require.NoError(t, err)

	return &harness{
		broker:   b,
		notifier: NewNotifier(pub, codec),
		source:   NewSource(cons, SourceOptions{BatchSize: batch, MaxWait: 20 * time.Millisecond, Codec: codec}),
	}
}

type collector struct {
	mu      sync.Mutex
	batches [][]feed.Change
	fail    int
	calls   int
	got     chan struct{}
}

func (c *collector) handle(ctx context.Context, changes []feed.Change) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.fail {
		return errors.New("transient")
	}
	c.batches = append(c.batches, changes)
	c.got <- struct{}{}
	return nil
}

func (c *collector) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, b := range c.batches {
		for _, ch := range b {
			out = append(out, ch.NewImage["event"].(string))
		}
	}
	return out
}

func runSource(t *testing.T, s *Source, h feed.Handler) (cancel func()) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, h) }()
	return func() {
		cancelFn()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("source did not stop")
		}
	}
}

func wait(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
	}
}

func TestSource_DeliversInOrderInBatches(t *testing.T) {
	for _, codec := range []feed.Codec{feed.JSONCodec{}, feed.CBORCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			h := newHarness(t, codec, 10)
			ctx := context.Background()
			for _, name := range []string{"a", "b", "c"} {
				require.NoError(t, h.notifier.Notify(ctx, feed.Insert(model.Event{ID: name, Name: name})))
			}

			c := &collector{got: make(chan struct{}, 4)}
			stop := runSource(t, h.source, c.handle)
			wait(t, c.got)
			stop()

			assert.Equal(t, []string{"a", "b", "c"}, c.names())
			assert.Len(t, c.batches, 1)
			assert.Equal(t, 0, h.broker.Pending(DefaultConsumer))
		})
	}
}

func TestSource_BatchSizeBound(t *testing.T) {
	h := newHarness(t, nil, 2)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, h.notifier.Notify(ctx, feed.Insert(model.Event{Name: name})))
	}

	c := &collector{got: make(chan struct{}, 4)}
	stop := runSource(t, h.source, c.handle)
	wait(t, c.got)
	wait(t, c.got)
	stop()

	require.Len(t, c.batches, 2)
	assert.Len(t, c.batches[0], 2)
	assert.Len(t, c.batches[1], 1)
}

func TestSource_HandlerFailureRedelivers(t *testing.T) {
	h := newHarness(t, nil, 10)
	require.NoError(t, h.notifier.Notify(context.Background(), feed.Insert(model.Event{Name: "a"})))

	c := &collector{fail: 1, got: make(chan struct{}, 4)}
	stop := runSource(t, h.source, c.handle)
	wait(t, c.got)
	stop()

	assert.Equal(t, 2, c.calls)
	assert.Equal(t, []string{"a"}, c.names())
}

func TestSource_DropsUndecodable(t *testing.T) {
	h := newHarness(t, nil, 10)
	pub, err := h.broker.NewPublisher(pubsub.PublisherOptions{})
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), "events.a", []byte("not json")))
	require.NoError(t, h.notifier.Notify(context.Background(), feed.Insert(model.Event{Name: "b"})))

	c := &collector{got: make(chan struct{}, 4)}
	stop := runSource(t, h.source, c.handle)
	wait(t, c.got)
	stop()

	assert.Equal(t, []string{"b"}, c.names())
	assert.Equal(t, 0, h.broker.Pending(DefaultConsumer))
}

func TestNotifier_HashesUnsafeNames(t *testing.T) {
	b := memory.New()
	defer b.Close()
	cons, err := b.NewConsumer(pubsub.ConsumerOptions{ConsumerName: "raw", FilterSubject: "events.*"})
	require.NoError(t, err)
	pub, err := b.NewPublisher(PublisherOptions("", pubsub.MemoryStorage))
	require.NoError(t, err)

	n := NewNotifier(pub, nil)
	require.NoError(t, n.Notify(context.Background(), feed.Insert(model.Event{Name: "tenant.msgAdded"})))
	assert.Equal(t, 1, b.Pending("raw"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := cons.Subscribe(ctx)
	require.NoError(t, err)
	msg := <-ch
	assert.Equal(t, feed.Subject("tenant.msgAdded"), msg.Subject())
}

func TestSource_SubscribeError(t *testing.T) {
	b := memory.New()
	cons, err := b.NewConsumer(ConsumerOptions("", "", pubsub.MemoryStorage))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	err = NewSource(cons, SourceOptions{}).Run(context.Background(), func(context.Context, []feed.Change) error { return nil })
	assert.ErrorIs(t, err, memory.ErrClosed)
}
