// Package contracts defines the cross-package interfaces of the gateway.
// Concrete implementations live in internal/; consumers depend only on
// these abstractions, which keeps the facade testable with fakes.
package contracts

import (
	"context"

	"github.com/grimoirelabs/grimoire/pkg/models"
)

// EmbeddingDriver produces vector embeddings for spell indexing and
// query resolution.
type EmbeddingDriver interface {
	// Kind returns the driver kind ("openai", "ollama", ...).
	Kind() string

	// Dimensions returns the vector dimensionality this driver produces.
	Dimensions() int

	// MaxBatchSize returns the max texts per Embed call.
	MaxBatchSize() int

	// Embed generates one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// HealthCheck verifies the backing service is reachable.
	HealthCheck(ctx context.Context) error
}

// SpellClient is an open connection to one downstream tool server.
type SpellClient interface {
	// Initialize performs the MCP handshake.
	Initialize(ctx context.Context) error

	// ListTools returns the downstream server's advertised tools.
	ListTools(ctx context.Context) ([]models.Tool, error)

	// CallTool forwards a tool invocation and returns the raw result.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*models.MCPToolResult, error)

	// PID returns the child process id for stdio transports, 0 otherwise.
	PID() int

	// Close tears the connection down and releases the child process.
	Close() error
}

// ClientFactory dials a downstream server described by an
// already-secret-expanded spell config.
type ClientFactory func(ctx context.Context, cfg *models.SpellConfig) (SpellClient, error)

// WatchEventType enumerates spell-file watcher events.
type WatchEventType string

const (
	WatchAdd    WatchEventType = "add"
	WatchUpdate WatchEventType = "update"
	WatchRemove WatchEventType = "remove"
)

// WatchEvent is one spell-file change observed by the directory watcher.
type WatchEvent struct {
	Type WatchEventType
	Name string // spell name derived from the filename
	Path string
}
