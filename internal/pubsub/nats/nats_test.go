package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/broker/internal/pubsub"
)

func TestProvider_NotConnected(t *testing.T) {
	p := NewProvider("nats://localhost:4222", "broker", nil)
	_, err := p.NewPublisher(pubsub.PublisherOptions{})
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = p.NewConsumer(pubsub.ConsumerOptions{StreamName: "EVENTS"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, p.Close())
}

func TestProvider_ConnectFailure(t *testing.T) {
	p := NewProvider("nats://nowhere:4222", "broker", nil)
	dialErr := errors.New("dial refused")
	p.connect = func(url string, opts ...nats.Option) (*nats.Conn, error) {
		assert.Equal(t, "nats://nowhere:4222", url)
		assert.NotEmpty(t, opts)
		return nil, dialErr
	}
	err := p.Connect(context.Background())
	assert.ErrorIs(t, err, dialErr)

	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Connect(cctx), context.Canceled)
}

func TestPublisher_EnsuresStreamAndPrefixes(t *testing.T) {
	js := new(MockJetStream)
	js.On("CreateOrUpdateStream", mock.Anything, jetstream.StreamConfig{
		Name:     "EVENTS",
		Subjects: []string{"events.>"},
		Storage:  jetstream.FileStorage,
	}).Return(nil, nil).Once()
	js.On("Publish", mock.Anything, "events.order", []byte("x"), 1).Return(&jetstream.PubAck{Stream: "EVENTS"}, nil).Once()

	p := NewProviderWithJetStream(js, nil)
	pub, err := p.NewPublisher(pubsub.PublisherOptions{
		StreamName:    "EVENTS",
		SubjectPrefix: "events",
		RetryAttempts: 3,
		Storage:       pubsub.FileStorage,
	})
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), "order", []byte("x")))
	require.NoError(t, pub.Close())
	js.AssertExpectations(t)
}

func TestPublisher_Errors(t *testing.T) {
	_, err := NewPublisher(context.Background(), nil, pubsub.PublisherOptions{})
	assert.Error(t, err)

	js := new(MockJetStream)
	js.On("CreateOrUpdateStream", mock.Anything, mock.Anything).Return(nil, errors.New("no quota")).Once()
	_, err = NewPublisher(context.Background(), js, pubsub.PublisherOptions{StreamName: "EVENTS"})
	assert.ErrorContains(t, err, "no quota")

	js = new(MockJetStream)
	js.On("Publish", mock.Anything, "a.b", mock.Anything, 0).Return(nil, errors.New("timeout"))
	pub, err := NewPublisher(context.Background(), js, pubsub.PublisherOptions{})
	require.NoError(t, err)
	assert.ErrorContains(t, pub.Publish(context.Background(), "a.b", nil), "a.b")
}

func TestConsumer_ForwardsAndStops(t *testing.T) {
	js := new(MockJetStream)
	cons := newStubConsumer(nil)

	js.On("CreateOrUpdateStream", mock.Anything, mock.MatchedBy(func(cfg jetstream.StreamConfig) bool {
		return cfg.Name == "EVENTS" && cfg.Subjects[0] == "events.>"
	})).Return(nil, nil)
	js.On("CreateOrUpdateConsumer", mock.Anything, "EVENTS", mock.MatchedBy(func(cfg jetstream.ConsumerConfig) bool {
		return cfg.Durable == "processor" && cfg.AckPolicy == jetstream.AckExplicitPolicy
	})).Return(cons, nil)

	c, err := NewConsumer(js, pubsub.ConsumerOptions{StreamName: "EVENTS", ConsumerName: "processor", FilterSubject: "events.>"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Subscribe(ctx)
	require.NoError(t, err)

	handler := <-cons.handlers
	raw := newMockMsg("events.order", []byte(`{"id":"1"}`))
	raw.On("Ack").Return(nil).Once()
	raw.On("Metadata").Return(&jetstream.MsgMetadata{NumDelivered: 2, Stream: "EVENTS", Consumer: "processor"}, nil)
	handler(raw)

	msg := <-ch
	assert.Equal(t, "events.order", msg.Subject())
	assert.Equal(t, `{"id":"1"}`, string(msg.Data()))
	md, err := msg.Metadata()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), md.NumDelivered)
	assert.Equal(t, "events.order", md.Subject)
	require.NoError(t, msg.Ack())

	cancel()
	select {
	case <-cons.running.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("consume context not stopped")
	}
	for range ch {
	}

	late := newMockMsg("events.order", nil)
	late.On("Nak").Return(nil).Once()
	handler(late)
	late.AssertExpectations(t)
	raw.AssertExpectations(t)
}

func TestConsumer_SetupErrors(t *testing.T) {
	_, err := NewConsumer(nil, pubsub.ConsumerOptions{StreamName: "S"}, nil)
	assert.Error(t, err)
	_, err = NewConsumer(new(MockJetStream), pubsub.ConsumerOptions{}, nil)
	assert.Error(t, err)

	js := new(MockJetStream)
	js.On("CreateOrUpdateStream", mock.Anything, mock.Anything).Return(nil, nil)
	js.On("CreateOrUpdateConsumer", mock.Anything, "S", mock.Anything).Return(nil, errors.New("denied"))
	c, err := NewConsumer(js, pubsub.ConsumerOptions{StreamName: "S"}, nil)
	require.NoError(t, err)
	_, err = c.Subscribe(context.Background())
	assert.ErrorContains(t, err, "denied")

	js = new(MockJetStream)
	cons := newStubConsumer(errors.New("closed"))
	js.On("CreateOrUpdateStream", mock.Anything, mock.Anything).Return(nil, nil)
	js.On("CreateOrUpdateConsumer", mock.Anything, "S", mock.Anything).Return(cons, nil)
	c, err = NewConsumer(js, pubsub.ConsumerOptions{StreamName: "S"}, nil)
	require.NoError(t, err)
	_, err = c.Subscribe(context.Background())
	assert.ErrorContains(t, err, "closed")
}
