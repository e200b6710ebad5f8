package api

import "github.com/syntrixbase/broker/pkg/model"

// HydrateQuery is the query string of GET /v1/connections/{id}.
type HydrateQuery struct {
	RetryCount int `schema:"retry_count"`
	TimeoutMS  int `schema:"timeout_ms"`
}

// RegisterRequest is sent by a remote gateway when a client connects. The
// endpoint is either given outright or derived from domain and stage.
type RegisterRequest struct {
	ConnectionID string `json:"connectionId"`
	Endpoint     string `json:"endpoint,omitempty"`
	Domain       string `json:"domain,omitempty"`
	Stage        string `json:"stage,omitempty"`
}

// SetDataRequest replaces a connection's data. An empty endpoint keeps the
// current one.
type SetDataRequest struct {
	Endpoint      string                 `json:"endpoint,omitempty"`
	Context       map[string]interface{} `json:"context"`
	IsInitialized bool                   `json:"isInitialized"`
}

type SubscribeRequest struct {
	Events    []string        `json:"events"`
	Operation model.Operation `json:"operation"`
}

type SubscribeResponse struct {
	SubscriptionID string   `json:"subscriptionId"`
	Events         []string `json:"events"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
