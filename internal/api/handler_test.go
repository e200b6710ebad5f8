package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/broker/internal/connection"
	"github.com/syntrixbase/broker/internal/gateway"
	"github.com/syntrixbase/broker/pkg/model"
)

type fixture struct {
	mux    *http.ServeMux
	conns  *MockConnections
	subs   *MockSubscriptions
	events *MockEvents
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		mux:    http.NewServeMux(),
		conns:  new(MockConnections),
		subs:   new(MockSubscriptions),
		events: new(MockEvents),
	}
	NewHandler(f.conns, f.subs, f.events, opts).RegisterRoutes(f.mux)
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) APIError {
	t.Helper()
	var e APIError
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &e))
	return e
}

var testConn = model.Connection{
	ID:   "c1",
	Data: model.ConnectionData{Endpoint: "local", Context: map[string]interface{}{}},
}

func TestHandler_Publish(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		f := newFixture(Options{})
		ttl := int64(99)
		f.events.On("Publish", mock.Anything, mock.MatchedBy(func(e model.Event) bool {
			return e.Name == "order.created" && e.Payload["total"] == float64(12)
		})).Return(model.Event{ID: "e1", Name: "order.created", TTL: &ttl, Payload: map[string]interface{}{"total": 12}}, nil)

		rr := f.do(http.MethodPost, "/v1/events", `{"event":"order.created","total":12}`)

		assert.Equal(t, http.StatusCreated, rr.Code)
		assert.JSONEq(t, `{"id":"e1","event":"order.created","ttl":99,"total":12}`, rr.Body.String())
		assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	})

	t.Run("missing name", func(t *testing.T) {
		f := newFixture(Options{})
		rr := f.do(http.MethodPost, "/v1/events", `{"total":12}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, ErrCodeBadRequest, decodeError(t, rr).Code)
		f.events.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	})

	t.Run("stored but not announced", func(t *testing.T) {
		f := newFixture(Options{})
		f.events.On("Publish", mock.Anything, mock.Anything).
			Return(model.Event{ID: "e1", Name: "x"}, errors.New("nats down"))
		rr := f.do(http.MethodPost, "/v1/events", `{"event":"x"}`)
		assert.Equal(t, http.StatusAccepted, rr.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		f := newFixture(Options{})
		f.events.On("Publish", mock.Anything, mock.Anything).Return(model.Event{}, errors.New("disk"))
		rr := f.do(http.MethodPost, "/v1/events", `{"event":"x"}`)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.Equal(t, "Internal server error", decodeError(t, rr).Message)
	})
}

func TestHandler_Register(t *testing.T) {
	t.Run("domain and stage", func(t *testing.T) {
		f := newFixture(Options{})
		f.conns.On("Register", mock.Anything, model.ConnectEvent{ConnectionID: "c1", Endpoint: "https://abc.example.com/prod"}).
			Return(model.Connection{ID: "c1", Data: model.ConnectionData{Endpoint: "https://abc.example.com/prod"}}, nil)

		rr := f.do(http.MethodPost, "/v1/connections", `{"connectionId":"c1","domain":"abc.example.com","stage":"prod"}`)
		assert.Equal(t, http.StatusCreated, rr.Code)
		assert.Contains(t, rr.Body.String(), `"endpoint":"https://abc.example.com/prod"`)
	})

	t.Run("explicit endpoint wins", func(t *testing.T) {
		f := newFixture(Options{})
		f.conns.On("Register", mock.Anything, model.ConnectEvent{ConnectionID: "c1", Endpoint: "http://gw:9000"}).
			Return(model.Connection{ID: "c1"}, nil)

		rr := f.do(http.MethodPost, "/v1/connections", `{"connectionId":"c1","endpoint":"http://gw:9000","domain":"ignored"}`)
		assert.Equal(t, http.StatusCreated, rr.Code)
		f.conns.AssertExpectations(t)
	})

	for name, body := range map[string]string{
		"missing id":       `{"endpoint":"e"}`,
		"missing endpoint": `{"connectionId":"c1"}`,
		"malformed":        `{`,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(Options{})
			rr := f.do(http.MethodPost, "/v1/connections", body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			f.conns.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)
		})
	}
}

func TestHandler_GetConnection(t *testing.T) {
	t.Run("query options", func(t *testing.T) {
		f := newFixture(Options{})
		f.conns.On("Hydrate", mock.Anything, "c1", connection.HydrateOptions{RetryCount: 3, Timeout: 20 * time.Millisecond}).
			Return(testConn, nil)

		rr := f.do(http.MethodGet, "/v1/connections/c1?retry_count=3&timeout_ms=20&unknown=1", "")

		require.Equal(t, http.StatusOK, rr.Code)
		var got model.Connection
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
		assert.Equal(t, "c1", got.ID)
		assert.Equal(t, "local", got.Endpoint())
	})

	t.Run("not found", func(t *testing.T) {
		f := newFixture(Options{})
		f.conns.On("Hydrate", mock.Anything, "gone", connection.HydrateOptions{}).
			Return(model.Connection{}, fmt.Errorf("%w: gone", connection.ErrConnectionNotFound))
		rr := f.do(http.MethodGet, "/v1/connections/gone", "")
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, ErrCodeNotFound, decodeError(t, rr).Code)
	})

	for _, q := range []string{"retry_count=abc", "retry_count=-1", "retry_count=21", "timeout_ms=-5", "timeout_ms=60000"} {
		t.Run("bad "+q, func(t *testing.T) {
			f := newFixture(Options{})
			rr := f.do(http.MethodGet, "/v1/connections/c1?"+q, "")
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			f.conns.AssertNotCalled(t, "Hydrate", mock.Anything, mock.Anything, mock.Anything)
		})
	}

	t.Run("canceled", func(t *testing.T) {
		f := newFixture(Options{})
		f.conns.On("Hydrate", mock.Anything, "c1", mock.Anything).Return(model.Connection{}, context.DeadlineExceeded)
		rr := f.do(http.MethodGet, "/v1/connections/c1", "")
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestHandler_SetData(t *testing.T) {
	f := newFixture(Options{})
	f.conns.On("Hydrate", mock.Anything, "c1", connection.HydrateOptions{}).Return(testConn, nil)
	want := model.ConnectionData{Endpoint: "local", Context: map[string]interface{}{"user": "u1"}, IsInitialized: true}
	f.conns.On("SetData", mock.Anything, want, testConn).Return(nil)

	rr := f.do(http.MethodPut, "/v1/connections/c1/data", `{"context":{"user":"u1"},"isInitialized":true}`)

	require.Equal(t, http.StatusOK, rr.Code)
	var got model.Connection
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, want, got.Data)
	f.conns.AssertExpectations(t)

	rr = f.do(http.MethodPut, "/v1/connections/c1/data", `{`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandler_DeleteConnection(t *testing.T) {
	t.Run("terminates then unregisters", func(t *testing.T) {
		f := newFixture(Options{})
		f.conns.On("Hydrate", mock.Anything, "c1", connection.HydrateOptions{}).Return(testConn, nil)
		f.conns.On("Close", mock.Anything, testConn).Return(gateway.ErrGone)
		f.conns.On("Unregister", mock.Anything, testConn).Return(nil)

		rr := f.do(http.MethodDelete, "/v1/connections/c1", "")
		assert.Equal(t, http.StatusNoContent, rr.Code)
		f.conns.AssertExpectations(t)
	})

	t.Run("unregister failure", func(t *testing.T) {
		f := newFixture(Options{})
		f.conns.On("Hydrate", mock.Anything, "c1", mock.Anything).Return(testConn, nil)
		f.conns.On("Close", mock.Anything, testConn).Return(errors.New("timeout"))
		f.conns.On("Unregister", mock.Anything, testConn).Return(errors.New("scan failed"))

		rr := f.do(http.MethodDelete, "/v1/connections/c1", "")
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}

func TestHandler_Subscribe(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		f := newFixture(Options{})
		op := model.Operation{OperationID: "1", Query: "event.total > 10"}
		f.conns.On("Hydrate", mock.Anything, "c1", connection.HydrateOptions{}).Return(testConn, nil)
		f.subs.On("Subscribe", mock.Anything, []string{"order.created"}, testConn, op).Return(nil)

		rr := f.do(http.MethodPost, "/v1/connections/c1/subscriptions",
			`{"events":["order.created"],"operation":{"operationId":"1","query":"event.total > 10"}}`)

		require.Equal(t, http.StatusCreated, rr.Code)
		var resp SubscribeResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "c1:1", resp.SubscriptionID)
	})

	t.Run("missing operation id", func(t *testing.T) {
		f := newFixture(Options{})
		rr := f.do(http.MethodPost, "/v1/connections/c1/subscriptions", `{"events":["a"],"operation":{}}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("strategy rejects", func(t *testing.T) {
		f := newFixture(Options{})
		f.conns.On("Hydrate", mock.Anything, "c1", mock.Anything).Return(testConn, nil)
		f.subs.On("Subscribe", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(fmt.Errorf("%w: only one", model.ErrInvalidArgument))
		rr := f.do(http.MethodPost, "/v1/connections/c1/subscriptions", `{"events":["a","b"],"operation":{"operationId":"1"}}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, decodeError(t, rr).Message, "only one")
	})
}

func TestHandler_Unsubscribe(t *testing.T) {
	f := newFixture(Options{})
	f.subs.On("UnsubscribeOperation", mock.Anything, "c1", "op 1").Return(nil)

	rr := f.do(http.MethodDelete, "/v1/connections/c1/subscriptions/op%201", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	f.subs.AssertExpectations(t)
}

func TestHandler_Health(t *testing.T) {
	healthy := newFixture(Options{})
	rr := healthy.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	down := newFixture(Options{
		Auth:   NewAuthenticator(testSecret, ""),
		Health: func(context.Context) error { return errors.New("mongo unreachable") },
	})
	rr = down.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "mongo unreachable")
}

func TestHandler_AuthRequired(t *testing.T) {
	auth := NewAuthenticator(testSecret, "")
	f := newFixture(Options{Auth: auth})
	f.subs.On("UnsubscribeOperation", mock.Anything, "c1", "1").Return(nil)

	rr := f.do(http.MethodDelete, "/v1/connections/c1/subscriptions/1", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	token, err := auth.IssueToken("ops", []string{RoleAdmin}, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodDelete, "/v1/connections/c1/subscriptions/1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestHandler_RecoversPanics(t *testing.T) {
	f := newFixture(Options{})
	f.conns.On("Hydrate", mock.Anything, "c1", mock.Anything).Run(func(mock.Arguments) { panic("boom") })

	rr := f.do(http.MethodGet, "/v1/connections/c1", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, ErrCodeInternalError, decodeError(t, rr).Code)
}

func TestHandler_BodyLimit(t *testing.T) {
	f := newFixture(Options{})
	big := `{"event":"x","blob":"` + strings.Repeat("a", DefaultMaxBodySize) + `"}`
	rr := f.do(http.MethodPost, "/v1/events", big)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
