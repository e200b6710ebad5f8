// Package protocol frames messages exchanged with subscribed clients.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/syntrixbase/broker/pkg/model"
)

type MessageType string

// Client to server.
const (
	TypeConnectionInit MessageType = "connection_init"
	TypeStart          MessageType = "start"
	TypeStop           MessageType = "stop"
	TypeTerminate      MessageType = "connection_terminate"
)

// Server to client.
const (
	TypeConnectionAck   MessageType = "connection_ack"
	TypeConnectionError MessageType = "connection_error"
	TypeData            MessageType = "data"
	TypeError           MessageType = "error"
	TypeComplete        MessageType = "complete"
)

// ServerMessage is the envelope pushed to clients.
type ServerMessage struct {
	ID      string      `json:"id,omitempty"`
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Format encodes a server message.
func Format(msg ServerMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to format %s message: %w", msg.Type, err)
	}
	return data, nil
}

// Data formats an execution result addressed to an operation.
func Data(operationID string, payload interface{}) ([]byte, error) {
	return Format(ServerMessage{ID: operationID, Type: TypeData, Payload: payload})
}

// Error formats an operation-scoped error.
func Error(operationID string, err error) ([]byte, error) {
	return Format(ServerMessage{ID: operationID, Type: TypeError, Payload: map[string]string{"message": err.Error()}})
}

// ClientMessage is a message received from a client.
type ClientMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StartPayload is the payload of a start message. Events lists the event
// names the operation listens to.
type StartPayload struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	OperationName string                 `json:"operationName,omitempty"`
	Events        []string               `json:"events"`
}

// Operation builds the stored operation for a start message.
func (p StartPayload) Operation(id string) model.Operation {
	return model.Operation{
		OperationID:   id,
		Query:         p.Query,
		Variables:     p.Variables,
		OperationName: p.OperationName,
	}
}

// Parse decodes a client message. Malformed input is an ErrInvalidArgument.
func Parse(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: malformed message: %v", model.ErrInvalidArgument, err)
	}
	switch msg.Type {
	case TypeConnectionInit, TypeTerminate:
	case TypeStart, TypeStop:
		if msg.ID == "" {
			return msg, fmt.Errorf("%w: %s message requires an id", model.ErrInvalidArgument, msg.Type)
		}
	default:
		return msg, fmt.Errorf("%w: unknown message type %q", model.ErrInvalidArgument, msg.Type)
	}
	return msg, nil
}

// Start decodes the payload of a start message.
func (m ClientMessage) Start() (StartPayload, error) {
	var p StartPayload
	if len(m.Payload) == 0 {
		return p, fmt.Errorf("%w: start message without payload", model.ErrInvalidArgument)
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: malformed start payload: %v", model.ErrInvalidArgument, err)
	}
	return p, nil
}

// InitContext decodes the connection_init payload as connection context.
func (m ClientMessage) InitContext() (map[string]interface{}, error) {
	ctx := map[string]interface{}{}
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return ctx, nil
	}
	if err := json.Unmarshal(m.Payload, &ctx); err != nil {
		return nil, fmt.Errorf("%w: connection_init payload must be an object: %v", model.ErrInvalidArgument, err)
	}
	return ctx, nil
}
