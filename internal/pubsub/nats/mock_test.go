package nats

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/mock"
)

type MockJetStream struct {
	mock.Mock
}

func (m *MockJetStream) CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	args := m.Called(ctx, cfg)
	stream, _ := args.Get(0).(jetstream.Stream)
	return stream, args.Error(1)
}

func (m *MockJetStream) CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	args := m.Called(ctx, stream, cfg)
	cons, _ := args.Get(0).(jetstream.Consumer)
	return cons, args.Error(1)
}

// Publish records the option count rather than the opaque options.
func (m *MockJetStream) Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	args := m.Called(ctx, subject, data, len(opts))
	ack, _ := args.Get(0).(*jetstream.PubAck)
	return ack, args.Error(1)
}

// stubConsumer passes the handler given to Consume back to the test.
type stubConsumer struct {
	jetstream.Consumer
	handlers chan jetstream.MessageHandler
	running  *stubConsumeContext
	err      error
}

func newStubConsumer(err error) *stubConsumer {
	return &stubConsumer{
		handlers: make(chan jetstream.MessageHandler, 1),
		running:  &stubConsumeContext{stopped: make(chan struct{})},
		err:      err,
	}
}

func (c *stubConsumer) Consume(h jetstream.MessageHandler, _ ...jetstream.PullConsumeOpt) (jetstream.ConsumeContext, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.handlers <- h
	return c.running, nil
}

type stubConsumeContext struct {
	jetstream.ConsumeContext
	once    sync.Once
	stopped chan struct{}
}

func (c *stubConsumeContext) Stop() {
	c.once.Do(func() { close(c.stopped) })
}

// MockMsg serves a fixed subject and body; acknowledgments go through the mock.
type MockMsg struct {
	mock.Mock
	jetstream.Msg
	subject string
	body    []byte
}

func newMockMsg(subject string, body []byte) *MockMsg {
	return &MockMsg{subject: subject, body: body}
}

func (m *MockMsg) Subject() string { return m.subject }
func (m *MockMsg) Data() []byte    { return m.body }
func (m *MockMsg) Ack() error      { return m.Called().Error(0) }
func (m *MockMsg) Nak() error      { return m.Called().Error(0) }

func (m *MockMsg) Metadata() (*jetstream.MsgMetadata, error) {
	args := m.Called()
	md, _ := args.Get(0).(*jetstream.MsgMetadata)
	return md, args.Error(1)
}
