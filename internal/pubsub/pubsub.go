// Package pubsub is the message transport abstraction used by the event feed.
package pubsub

import (
	"context"
	"io"
	"time"
)

// Message is a received message with acknowledgment controls.
type Message interface {
	Data() []byte
	Subject() string

	// Ack acknowledges successful processing.
	Ack() error

	// Nak signals processing failure, requesting redelivery.
	Nak() error

	// NakWithDelay requests redelivery after a delay.
	NakWithDelay(delay time.Duration) error

	// Term terminates the message (no redelivery).
	Term() error

	Metadata() (MessageMetadata, error)
}

// MessageMetadata contains delivery information about a message.
type MessageMetadata struct {
	NumDelivered uint64
	Timestamp    time.Time
	Subject      string
	Stream       string
	Consumer     string
}

type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

type Consumer interface {
	// Subscribe starts consuming and returns a channel that is closed when
	// ctx is cancelled. The caller must Ack, Nak or Term every message.
	Subscribe(ctx context.Context) (<-chan Message, error)
}

// Provider creates publishers and consumers over one broker connection.
type Provider interface {
	io.Closer
	NewPublisher(opts PublisherOptions) (Publisher, error)
	NewConsumer(opts ConsumerOptions) (Consumer, error)
}

// Connectable is implemented by providers that dial a remote broker.
type Connectable interface {
	Connect(ctx context.Context) error
}

// StorageType selects stream persistence.
type StorageType int

const (
	MemoryStorage StorageType = iota
	FileStorage
)

type PublisherOptions struct {
	StreamName string

	// SubjectPrefix is prepended to all subjects.
	SubjectPrefix string

	// RetryAttempts is the number of publish retries. 0 disables retry.
	RetryAttempts int

	Storage StorageType
}

type ConsumerOptions struct {
	StreamName string

	// ConsumerName is the durable consumer name. Consumers sharing a name
	// share a queue.
	ConsumerName string

	// FilterSubject filters messages by subject pattern.
	FilterSubject string

	ChannelBufSize int

	Storage StorageType
}

// DefaultChannelBufSize is used when ConsumerOptions.ChannelBufSize is unset.
const DefaultChannelBufSize = 100

// Pattern returns the subject pattern a consumer listens on.
func (o ConsumerOptions) Pattern() string {
	if o.FilterSubject != "" {
		return o.FilterSubject
	}
	if o.StreamName != "" {
		return o.StreamName + ".>"
	}
	return ">"
}

// FullSubject applies the publisher's prefix to subject.
func (o PublisherOptions) FullSubject(subject string) string {
	if o.SubjectPrefix == "" {
		return subject
	}
	return o.SubjectPrefix + "." + subject
}
