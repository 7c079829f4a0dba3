// Package models defines the shared wire and domain types for the Grimoire
// gateway: spell configurations (with tagged unions for transport and auth),
// the advertised tool record, and the MCP JSON-RPC envelope types.
package models

import "encoding/json"

// ── Spell configuration ─────────────────────────────────────

// Transport identifies how the gateway reaches a downstream server.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportSSE   Transport = "sse"
	TransportHTTP  Transport = "http"
)

// AuthKind identifies the authentication scheme for remote transports.
type AuthKind string

const (
	AuthNone              AuthKind = "none"
	AuthBearer            AuthKind = "bearer"
	AuthBasic             AuthKind = "basic"
	AuthClientCredentials AuthKind = "client_credentials"
	AuthOAuth2            AuthKind = "oauth2"
)

// SpellConfig is the immutable snapshot of one spell file.
// Secret fields may contain ${VAR} placeholders; expansion happens only at
// connection time, so a SpellConfig held in the catalog never carries
// resolved secrets.
type SpellConfig struct {
	Name        string       `yaml:"name" json:"name"`
	Version     string       `yaml:"version" json:"version"`
	Description string       `yaml:"description" json:"description,omitempty"`
	Keywords    []string     `yaml:"keywords" json:"keywords"`
	Steering    string       `yaml:"steering" json:"steering,omitempty"`
	Server      ServerConfig `yaml:"server" json:"server"`
}

// ServerConfig is a tagged union over Transport. Exactly one variant's
// fields are meaningful; all reads go through a switch on Transport.
type ServerConfig struct {
	Transport Transport `yaml:"transport" json:"transport"`

	// stdio
	Command string            `yaml:"command" json:"command,omitempty"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`

	// sse / http
	URL     string            `yaml:"url" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`

	Auth *AuthConfig `yaml:"auth" json:"auth,omitempty"`
}

// AuthConfig is a tagged union over AuthKind.
type AuthConfig struct {
	Kind AuthKind `yaml:"type" json:"type"`

	// bearer
	Token string `yaml:"token" json:"token,omitempty"`

	// basic
	Username string `yaml:"username" json:"username,omitempty"`
	Password string `yaml:"password" json:"password,omitempty"`

	// client_credentials / oauth2
	ClientID       string            `yaml:"client_id" json:"client_id,omitempty"`
	ClientSecret   string            `yaml:"client_secret" json:"client_secret,omitempty"`
	TokenURL       string            `yaml:"token_url" json:"token_url,omitempty"`
	Scope          string            `yaml:"scope" json:"scope,omitempty"`
	EndpointParams map[string]string `yaml:"endpoint_params" json:"endpoint_params,omitempty"`
}

// Clone returns a deep copy of the config. The lifecycle manager clones
// before expanding secret placeholders so the catalog copy stays pristine.
func (c *SpellConfig) Clone() *SpellConfig {
	cp := *c
	cp.Keywords = append([]string(nil), c.Keywords...)
	cp.Server.Args = append([]string(nil), c.Server.Args...)
	cp.Server.Env = cloneMap(c.Server.Env)
	cp.Server.Headers = cloneMap(c.Server.Headers)
	if c.Server.Auth != nil {
		auth := *c.Server.Auth
		auth.EndpointParams = cloneMap(c.Server.Auth.EndpointParams)
		cp.Server.Auth = &auth
	}
	return &cp
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// ── Tools ───────────────────────────────────────────────────

// Tool is one advertised tool record as seen by the client.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// Candidate is one ranked resolution result.
type Candidate struct {
	SpellName  string  `json:"name"`
	Confidence float64 `json:"confidence"`
	MatchType  string  `json:"matchType"`
}

// ── MCP JSON-RPC envelope ───────────────────────────────────

// MCPRequest is an inbound JSON-RPC 2.0 request or notification.
type MCPRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *MCPRequest) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// MCPResponse is an outbound JSON-RPC 2.0 response.
type MCPResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *MCPError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// MCPNotification is an outbound JSON-RPC 2.0 notification (no id).
type MCPNotification struct {
	Jsonrpc string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// MCPError is the JSON-RPC error object.
type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// MCPToolCallParams are the params of a tools/call request.
type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// MCPToolResult is the result of a tools/call.
type MCPToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// MCPContent is one content entry in a tool result.
type MCPContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextResult wraps a plain string as a single-entry text tool result.
func TextResult(text string) *MCPToolResult {
	return &MCPToolResult{Content: []MCPContent{{Type: "text", Text: text}}}
}

// ErrorResult wraps a message as a single-entry text error payload.
func ErrorResult(text string) *MCPToolResult {
	return &MCPToolResult{Content: []MCPContent{{Type: "text", Text: text}}, IsError: true}
}

// ── Resolution responses (meta-tool payloads) ───────────────

// ResolveStatus enumerates the resolve_intent outcome states.
type ResolveStatus string

const (
	StatusActivated       ResolveStatus = "activated"
	StatusMultipleMatches ResolveStatus = "multiple_matches"
	StatusWeakMatches     ResolveStatus = "weak_matches"
	StatusNotFound        ResolveStatus = "not_found"
)

// ActivatedSpell describes the spell chosen by a high-confidence resolution.
type ActivatedSpell struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	MatchType  string  `json:"matchType"`
}

// MatchAlternative is one candidate offered back to the client when the top
// confidence is medium or low.
type MatchAlternative struct {
	Name        string   `json:"name"`
	Confidence  float64  `json:"confidence"`
	MatchType   string   `json:"matchType"`
	Description string   `json:"description,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}

// SpellSummary is the name+description pair listed in not_found responses.
type SpellSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ResolveResult is the resolve_intent / activate_spell response payload.
type ResolveResult struct {
	Status          ResolveStatus      `json:"status"`
	Query           string             `json:"query,omitempty"`
	Message         string             `json:"message,omitempty"`
	Spell           *ActivatedSpell    `json:"spell,omitempty"`
	Tools           []string           `json:"tools,omitempty"`
	Matches         []MatchAlternative `json:"matches,omitempty"`
	AvailableSpells []SpellSummary     `json:"availableSpells,omitempty"`
}
