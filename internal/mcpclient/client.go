// Package mcpclient dials downstream tool servers over the three supported
// transports (stdio child process, http, sse) and speaks MCP JSON-RPC to
// them: initialize handshake, tools/list and tools/call.
//
// Dial receives a spell config whose secret placeholders have already been
// expanded by the lifecycle manager. Transport selection is a switch over
// the config's tagged union.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/grimoirelabs/grimoire/pkg/contracts"
	"github.com/grimoirelabs/grimoire/pkg/models"
)

// protocolVersion is the MCP protocol revision the gateway negotiates with
// downstream servers.
const protocolVersion = "2024-11-05"

// clientInfo identifies the gateway in the initialize handshake.
var clientInfo = map[string]string{
	"name":    "grimoire-gateway",
	"version": "0.3.0",
}

// Dial opens a connection to the downstream server described by cfg.
// The returned client is not yet initialized; callers run Initialize under
// their own probe deadline.
func Dial(ctx context.Context, cfg *models.SpellConfig) (contracts.SpellClient, error) {
	switch cfg.Server.Transport {
	case models.TransportStdio:
		return dialStdio(ctx, cfg)
	case models.TransportHTTP, models.TransportSSE:
		return dialRemote(ctx, cfg)
	default:
		return nil, &ProtocolError{Err: fmt.Errorf("unknown transport %q", cfg.Server.Transport)}
	}
}

// initializeParams builds the MCP initialize request params.
func initializeParams() map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      clientInfo,
	}
}

// parseToolsList extracts the tool records from a tools/list result.
func parseToolsList(result json.RawMessage) ([]models.Tool, error) {
	var payload struct {
		Tools []models.Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("malformed tools/list result: %w", err)}
	}
	return payload.Tools, nil
}

// parseToolResult extracts a tool result, wrapping non-conforming payloads
// as stringified JSON inside a text content entry.
func parseToolResult(result json.RawMessage) (*models.MCPToolResult, error) {
	var out models.MCPToolResult
	if err := json.Unmarshal(result, &out); err == nil && len(out.Content) > 0 {
		return &out, nil
	}
	return models.TextResult(string(result)), nil
}
