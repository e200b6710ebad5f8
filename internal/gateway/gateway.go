// Package gateway defines the push channel used to reach connected clients.
package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/syntrixbase/broker/pkg/model"
)

// ErrGone reports that the target connection no longer exists. It is a
// permanent failure: retrying will never succeed.
var ErrGone = fmt.Errorf("gateway: %w", model.ErrGone)

// Gateway pushes bytes to a connection and can force it closed.
type Gateway interface {
	Push(ctx context.Context, endpoint, connectionID string, data []byte) error
	Terminate(ctx context.Context, endpoint, connectionID string) error
}

// Endpoint builds the management endpoint for a gateway deployment from its
// domain and stage, e.g. ("abc.example.com", "prod") -> https://abc.example.com/prod.
// A domain that already carries a scheme is kept as is.
func Endpoint(domain, stage string) string {
	base := strings.TrimRight(domain, "/")
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	if stage == "" {
		return base
	}
	return base + "/" + strings.Trim(stage, "/")
}
