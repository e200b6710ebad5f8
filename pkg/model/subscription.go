package model

// Operation is one client-submitted subscription request.
// Query and Variables are opaque here and only interpreted by an executor.
type Operation struct {
	OperationID   string                 `json:"operationId"`
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	OperationName string                 `json:"operationName,omitempty"`
}

// Subscriber is the Subscription record: a (connection, operation) pair
// registered against one event name. Connection is a snapshot taken at
// subscribe time.
type Subscriber struct {
	Event          string     `json:"event"`
	SubscriptionID string     `json:"subscriptionId"`
	Connection     Connection `json:"connection"`
	Operation      Operation  `json:"operation"`
	OperationID    string     `json:"operationId"`
	TTL            *int64     `json:"ttl,omitempty"`
}

// SubscriptionOperation is the mirror record keyed by subscription id.
type SubscriptionOperation struct {
	SubscriptionID string `json:"subscriptionId"`
	Event          string `json:"event"`
	TTL            *int64 `json:"ttl,omitempty"`
}
