package model

import "time"

// ConnectionData is the mutable bag attached to a connection.
// Endpoint is kept inside data so the persisted layout is {id, data: {endpoint, ...}}.
type ConnectionData struct {
	Endpoint      string                 `json:"endpoint"`
	Context       map[string]interface{} `json:"context"`
	IsInitialized bool                   `json:"isInitialized"`
}

// Connection is one persistent client channel.
type Connection struct {
	ID        string         `json:"id"`
	Data      ConnectionData `json:"data"`
	CreatedAt time.Time      `json:"createdAt"`
	TTL       *int64         `json:"ttl,omitempty"`
}

func (c Connection) Endpoint() string {
	return c.Data.Endpoint
}

// ConnectEvent is what a gateway reports when a new channel opens.
type ConnectEvent struct {
	ConnectionID string `json:"connectionId"`
	Endpoint     string `json:"endpoint"`
}
