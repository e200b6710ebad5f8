// Package api is the JWT-protected admin HTTP surface of the broker.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/syntrixbase/broker/internal/connection"
	"github.com/syntrixbase/broker/pkg/model"
)

// Connections is the part of the connection store the API drives.
type Connections interface {
	Register(ctx context.Context, evt model.ConnectEvent) (model.Connection, error)
	Hydrate(ctx context.Context, connectionID string, opts connection.HydrateOptions) (model.Connection, error)
	SetData(ctx context.Context, data model.ConnectionData, conn model.Connection) error
	Close(ctx context.Context, conn model.Connection) error
	Unregister(ctx context.Context, conn model.Connection) error
}

type Subscriptions interface {
	Subscribe(ctx context.Context, events []string, conn model.Connection, op model.Operation) error
	UnsubscribeOperation(ctx context.Context, connectionID, operationID string) error
}

type Events interface {
	Publish(ctx context.Context, evt model.Event) (model.Event, error)
}

const (
	DefaultMaxBodySize    = 1 << 20
	DefaultRequestTimeout = 30 * time.Second

	// MaxHydrateRetries bounds retry_count so one request cannot pin a handler.
	MaxHydrateRetries = 20
	MaxHydrateTimeout = 5 * time.Second
)

// APIError is the body of every non-2xx response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeUnavailable     = "UNAVAILABLE"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeRequestCanceled = "REQUEST_CANCELED"
)

type Options struct {
	// Auth protects every route but /healthz. Nil leaves the API open.
	Auth *Authenticator
	// Health reports readiness of the backing store.
	Health func(ctx context.Context) error
	Logger *slog.Logger
}

type Handler struct {
	conns  Connections
	subs   Subscriptions
	events Events
	auth   *Authenticator
	health func(ctx context.Context) error
	logger *slog.Logger
}

func NewHandler(conns Connections, subs Subscriptions, events Events, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		conns:  conns,
		subs:   subs,
		events: events,
		auth:   opts.Auth,
		health: opts.Health,
		logger: logger.With("component", "api"),
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/events", h.wrap(h.handlePublish))
	mux.HandleFunc("POST /v1/connections", h.wrap(h.handleRegister))
	mux.HandleFunc("GET /v1/connections/{id}", h.wrap(h.handleGetConnection))
	mux.HandleFunc("PUT /v1/connections/{id}/data", h.wrap(h.handleSetData))
	mux.HandleFunc("DELETE /v1/connections/{id}", h.wrap(h.handleDeleteConnection))
	mux.HandleFunc("POST /v1/connections/{id}/subscriptions", h.wrap(h.handleSubscribe))
	mux.HandleFunc("DELETE /v1/connections/{id}/subscriptions/{operationId}", h.wrap(h.handleUnsubscribe))

	mux.HandleFunc("GET /healthz", h.withRequestID(h.withRecover(withTimeout(h.handleHealth, 5*time.Second))))
}

func (h *Handler) wrap(fn http.HandlerFunc) http.HandlerFunc {
	return h.withRequestID(h.withRecover(withTimeout(maxBodySize(h.protected(fn), DefaultMaxBodySize), DefaultRequestTimeout)))
}

func (h *Handler) protected(fn http.HandlerFunc) http.HandlerFunc {
	if h.auth == nil {
		return fn
	}
	return h.auth.Middleware(fn)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Failed to encode JSON response", "error", err)
	}
}

// writeModelError maps the model sentinel errors onto HTTP statuses.
func (h *Handler) writeModelError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, msg+": not found")
	case errors.Is(err, model.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case model.IsCanceled(err):
		writeError(w, http.StatusServiceUnavailable, ErrCodeRequestCanceled, "Request canceled")
	default:
		h.logger.ErrorContext(r.Context(), msg, "error", err, "request_id", getRequestID(r.Context()))
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Internal server error")
	}
}

type requestIDKey struct{}

func (h *Handler) withRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	}
}

func getRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (h *Handler) withRecover(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				h.logger.Error("Panic recovered",
					"method", r.Method,
					"path", r.URL.Path,
					"error", p,
					"stack", string(debug.Stack()),
					"request_id", getRequestID(r.Context()),
				)
				writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Internal server error")
			}
		}()
		next(w, r)
	}
}

func withTimeout(next http.HandlerFunc, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}

func maxBodySize(next http.HandlerFunc, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next(w, r)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
