package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/schema"

	"github.com/syntrixbase/broker/internal/connection"
	"github.com/syntrixbase/broker/internal/gateway"
	"github.com/syntrixbase/broker/internal/subscription"
	"github.com/syntrixbase/broker/pkg/model"
)

var queryDecoder = newQueryDecoder()

func newQueryDecoder() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}

func decodeHydrateQuery(r *http.Request) (connection.HydrateOptions, error) {
	var q HydrateQuery
	if err := queryDecoder.Decode(&q, r.URL.Query()); err != nil {
		return connection.HydrateOptions{}, err
	}
	if q.RetryCount < 0 || q.RetryCount > MaxHydrateRetries {
		return connection.HydrateOptions{}, fmt.Errorf("retry_count must be between 0 and %d", MaxHydrateRetries)
	}
	timeout := time.Duration(q.TimeoutMS) * time.Millisecond
	if q.TimeoutMS < 0 || timeout > MaxHydrateTimeout {
		return connection.HydrateOptions{}, fmt.Errorf("timeout_ms must be between 0 and %d", MaxHydrateTimeout.Milliseconds())
	}
	return connection.HydrateOptions{RetryCount: q.RetryCount, Timeout: timeout}, nil
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return
	}
	if req.ConnectionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "connectionId is required")
		return
	}
	endpoint := req.Endpoint
	if endpoint == "" && req.Domain != "" {
		endpoint = gateway.Endpoint(req.Domain, req.Stage)
	}
	if endpoint == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "endpoint or domain is required")
		return
	}

	conn, err := h.conns.Register(r.Context(), model.ConnectEvent{ConnectionID: req.ConnectionID, Endpoint: endpoint})
	if err != nil {
		h.writeModelError(w, r, err, "Failed to register connection")
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

func (h *Handler) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	opts, err := decodeHydrateQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid query parameters: "+err.Error())
		return
	}
	conn, err := h.conns.Hydrate(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		h.writeModelError(w, r, err, "Connection")
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (h *Handler) handleSetData(w http.ResponseWriter, r *http.Request) {
	var req SetDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return
	}
	conn, err := h.conns.Hydrate(r.Context(), r.PathValue("id"), connection.HydrateOptions{})
	if err != nil {
		h.writeModelError(w, r, err, "Connection")
		return
	}

	data := model.ConnectionData{
		Endpoint:      req.Endpoint,
		Context:       req.Context,
		IsInitialized: req.IsInitialized,
	}
	if data.Endpoint == "" {
		data.Endpoint = conn.Endpoint()
	}
	if data.Context == nil {
		data.Context = map[string]interface{}{}
	}
	if err := h.conns.SetData(r.Context(), data, conn); err != nil {
		h.writeModelError(w, r, err, "Connection")
		return
	}
	conn.Data = data
	writeJSON(w, http.StatusOK, conn)
}

// handleDeleteConnection terminates the channel at the gateway and then
// removes the connection with all of its subscriptions.
func (h *Handler) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.conns.Hydrate(r.Context(), r.PathValue("id"), connection.HydrateOptions{})
	if err != nil {
		h.writeModelError(w, r, err, "Connection")
		return
	}
	if err := h.conns.Close(r.Context(), conn); err != nil && !errors.Is(err, gateway.ErrGone) {
		h.logger.WarnContext(r.Context(), "Failed to terminate connection", "connectionId", conn.ID, "error", err)
	}
	if err := h.conns.Unregister(r.Context(), conn); err != nil {
		h.writeModelError(w, r, err, "Failed to unregister connection")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return
	}
	if req.Operation.OperationID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "operation.operationId is required")
		return
	}
	conn, err := h.conns.Hydrate(r.Context(), r.PathValue("id"), connection.HydrateOptions{})
	if err != nil {
		h.writeModelError(w, r, err, "Connection")
		return
	}
	if err := h.subs.Subscribe(r.Context(), req.Events, conn, req.Operation); err != nil {
		h.writeModelError(w, r, err, "Failed to subscribe")
		return
	}
	writeJSON(w, http.StatusCreated, SubscribeResponse{
		SubscriptionID: subscription.SubscriptionID(conn.ID, req.Operation.OperationID),
		Events:         req.Events,
	})
}

func (h *Handler) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := h.subs.UnsubscribeOperation(r.Context(), r.PathValue("id"), r.PathValue("operationId")); err != nil {
		h.writeModelError(w, r, err, "Failed to unsubscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
