package transport

import (
	"context"
	"encoding/json"

	"github.com/sap-alerte/fieldsync/internal/config"
	"github.com/sap-alerte/fieldsync/internal/events"
)

// Transport is the agent's view of the backend.
type Transport interface {
	// Submit delivers one collecte payload.
	Submit(ctx context.Context, payload json.RawMessage) error

	// CheckHealth returns the status of one health probe.
	CheckHealth(ctx context.Context) (int, error)

	// Authentication
	SetToken(token string)
	GetToken() string

	// Lifecycle
	Close() error
}

// NewTransport creates the HTTP transport for a backend.
func NewTransport(cfg *config.BackendConfig, logger *events.Logger) Transport {
	return NewHTTPClient(cfg, logger)
}
