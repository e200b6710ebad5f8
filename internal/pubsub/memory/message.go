package memory

import (
	"sync"
	"time"

	"github.com/syntrixbase/broker/internal/pubsub"
)

// message is a delivery from a durable group. Nak puts a copy back on the
// group's queue with an incremented delivery count.
type message struct {
	data         []byte
	subject      string
	timestamp    time.Time
	numDelivered uint64
	group        *group

	mu      sync.Mutex
	settled bool
}

var _ pubsub.Message = (*message)(nil)

func (m *message) Data() []byte    { return m.data }
func (m *message) Subject() string { return m.subject }

// settle marks the message as handled. Only the first call wins.
func (m *message) settle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return false
	}
	m.settled = true
	return true
}

func (m *message) Ack() error {
	m.settle()
	return nil
}

func (m *message) Term() error {
	m.settle()
	return nil
}

func (m *message) Nak() error {
	if m.settle() {
		m.group.enqueue(m.redelivery())
	}
	return nil
}

func (m *message) NakWithDelay(delay time.Duration) error {
	if !m.settle() {
		return nil
	}
	next := m.redelivery()
	time.AfterFunc(delay, func() { m.group.enqueue(next) })
	return nil
}

func (m *message) redelivery() *message {
	return &message{
		data:         m.data,
		subject:      m.subject,
		timestamp:    m.timestamp,
		numDelivered: m.numDelivered + 1,
		group:        m.group,
	}
}

func (m *message) Metadata() (pubsub.MessageMetadata, error) {
	return pubsub.MessageMetadata{
		NumDelivered: m.numDelivered,
		Timestamp:    m.timestamp,
		Subject:      m.subject,
		Consumer:     m.group.name,
	}, nil
}
