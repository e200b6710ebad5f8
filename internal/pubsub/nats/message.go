package nats

import (
	"github.com/nats-io/nats.go/jetstream"

	"github.com/syntrixbase/broker/internal/pubsub"
)

type message struct {
	jetstream.Msg
}

// WrapMessage adapts a JetStream delivery to pubsub.Message.
func WrapMessage(msg jetstream.Msg) pubsub.Message {
	return message{Msg: msg}
}

func (m message) Metadata() (pubsub.MessageMetadata, error) {
	md, err := m.Msg.Metadata()
	if err != nil {
		return pubsub.MessageMetadata{}, err
	}
	return pubsub.MessageMetadata{
		NumDelivered: md.NumDelivered,
		Timestamp:    md.Timestamp,
		Subject:      m.Msg.Subject(),
		Stream:       md.Stream,
		Consumer:     md.Consumer,
	}, nil
}
