// Package session runs the client protocol over gateway connections:
// connection_init stores the client context, start and stop manage
// subscriptions, and connection_terminate closes the channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/syntrixbase/broker/internal/connection"
	"github.com/syntrixbase/broker/internal/protocol"
	"github.com/syntrixbase/broker/pkg/model"
)

// ErrNotInitialized is sent to clients that start an operation before connection_init.
var ErrNotInitialized = fmt.Errorf("%w: connection not initialized", model.ErrInvalidArgument)

type Connections interface {
	Register(ctx context.Context, evt model.ConnectEvent) (model.Connection, error)
	Hydrate(ctx context.Context, connectionID string, opts connection.HydrateOptions) (model.Connection, error)
	SetData(ctx context.Context, data model.ConnectionData, conn model.Connection) error
	Send(ctx context.Context, conn model.Connection, data []byte) error
	Unregister(ctx context.Context, conn model.Connection) error
	Close(ctx context.Context, conn model.Connection) error
}

type Subscriptions interface {
	Subscribe(ctx context.Context, events []string, conn model.Connection, op model.Operation) error
	UnsubscribeOperation(ctx context.Context, connectionID, operationID string) error
}

type Options struct {
	// Hydrate tolerates a store that is not yet consistent with Register.
	Hydrate connection.HydrateOptions
	Logger  *slog.Logger
}

// Handler implements the websocket gateway lifecycle.
type Handler struct {
	conns   Connections
	subs    Subscriptions
	hydrate connection.HydrateOptions
	logger  *slog.Logger
}

func New(conns Connections, subs Subscriptions, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		conns:   conns,
		subs:    subs,
		hydrate: opts.Hydrate,
		logger:  logger.With("component", "session"),
	}
}

func (h *Handler) Connected(ctx context.Context, evt model.ConnectEvent) error {
	_, err := h.conns.Register(ctx, evt)
	return err
}

func (h *Handler) Disconnected(ctx context.Context, connectionID string) error {
	if err := h.conns.Unregister(ctx, model.Connection{ID: connectionID}); err != nil {
		h.logger.Error("Failed to unregister connection", "connectionId", connectionID, "error", err)
		return err
	}
	h.logger.Debug("Connection unregistered", "connectionId", connectionID)
	return nil
}

// Received handles one client frame. Protocol errors are answered on the
// connection; only store and gateway failures are returned.
func (h *Handler) Received(ctx context.Context, connectionID string, data []byte) error {
	conn, err := h.conns.Hydrate(ctx, connectionID, h.hydrate)
	if err != nil {
		return err
	}

	msg, err := protocol.Parse(data)
	if err != nil {
		return h.reply(ctx, conn, protocol.ServerMessage{Type: protocol.TypeConnectionError, Payload: errorPayload(err)})
	}

	switch msg.Type {
	case protocol.TypeConnectionInit:
		return h.init(ctx, conn, msg)
	case protocol.TypeStart:
		return h.start(ctx, conn, msg)
	case protocol.TypeStop:
		if err := h.subs.UnsubscribeOperation(ctx, conn.ID, msg.ID); err != nil {
			return err
		}
		return h.reply(ctx, conn, protocol.ServerMessage{ID: msg.ID, Type: protocol.TypeComplete})
	case protocol.TypeTerminate:
		return h.conns.Close(ctx, conn)
	}
	return nil
}

func (h *Handler) init(ctx context.Context, conn model.Connection, msg protocol.ClientMessage) error {
	values, err := msg.InitContext()
	if err != nil {
		return h.reply(ctx, conn, protocol.ServerMessage{Type: protocol.TypeConnectionError, Payload: errorPayload(err)})
	}
	data := model.ConnectionData{Endpoint: conn.Endpoint(), Context: values, IsInitialized: true}
	if err := h.conns.SetData(ctx, data, conn); err != nil {
		return err
	}
	return h.reply(ctx, conn, protocol.ServerMessage{Type: protocol.TypeConnectionAck})
}

func (h *Handler) start(ctx context.Context, conn model.Connection, msg protocol.ClientMessage) error {
	if !conn.Data.IsInitialized {
		return h.replyError(ctx, conn, msg.ID, ErrNotInitialized)
	}
	payload, err := msg.Start()
	if err != nil {
		return h.replyError(ctx, conn, msg.ID, err)
	}
	err = h.subs.Subscribe(ctx, payload.Events, conn, payload.Operation(msg.ID))
	if errors.Is(err, model.ErrInvalidArgument) {
		return h.replyError(ctx, conn, msg.ID, err)
	}
	if err != nil {
		return err
	}
	h.logger.Debug("Operation started", "connectionId", conn.ID, "operationId", msg.ID, "events", payload.Events)
	return nil
}

func (h *Handler) replyError(ctx context.Context, conn model.Connection, opID string, err error) error {
	return h.reply(ctx, conn, protocol.ServerMessage{ID: opID, Type: protocol.TypeError, Payload: errorPayload(err)})
}

func (h *Handler) reply(ctx context.Context, conn model.Connection, msg protocol.ServerMessage) error {
	data, err := protocol.Format(msg)
	if err != nil {
		return err
	}
	return h.conns.Send(ctx, conn, data)
}

func errorPayload(err error) map[string]string {
	return map[string]string{"message": err.Error()}
}
