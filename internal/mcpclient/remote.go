package mcpclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/grimoirelabs/grimoire/pkg/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// remoteClient speaks MCP JSON-RPC over http or sse. Each call is one POST;
// sse servers answer with a text/event-stream body that carries the
// response as a data event.
type remoteClient struct {
	url       string
	transport models.Transport
	headers   map[string]string
	auth      *models.AuthConfig
	client    *http.Client
}

func dialRemote(ctx context.Context, cfg *models.SpellConfig) (*remoteClient, error) {
	c := &remoteClient{
		url:       cfg.Server.URL,
		transport: cfg.Server.Transport,
		headers:   cfg.Server.Headers,
		auth:      cfg.Server.Auth,
		client:    &http.Client{Timeout: 60 * time.Second},
	}

	if auth := cfg.Server.Auth; auth != nil {
		switch auth.Kind {
		case models.AuthClientCredentials, models.AuthOAuth2:
			// The oauth2 client caches and refreshes the token itself; the
			// base client bounds the token fetch.
			ccfg := &clientcredentials.Config{
				ClientID:     auth.ClientID,
				ClientSecret: auth.ClientSecret,
				TokenURL:     auth.TokenURL,
			}
			if auth.Scope != "" {
				ccfg.Scopes = strings.Fields(auth.Scope)
			}
			if len(auth.EndpointParams) > 0 {
				ccfg.EndpointParams = make(map[string][]string, len(auth.EndpointParams))
				for k, v := range auth.EndpointParams {
					ccfg.EndpointParams[k] = []string{v}
				}
			}
			base := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: 30 * time.Second})
			if _, err := ccfg.Token(base); err != nil {
				return nil, &AuthError{Err: err}
			}
			c.client = ccfg.Client(base)
		}
	}

	return c, nil
}

// call sends one JSON-RPC request. Failures other than auth and protocol
// errors (connection errors, non-2xx statuses) are retried up to twice with
// exponential backoff.
func (c *remoteClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := uuid.New().String()
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"id":      id,
	}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}

	var result json.RawMessage
	op := func() error {
		var opErr error
		result, opErr = c.post(ctx, body, id)
		switch opErr.(type) {
		case *AuthError, *ProtocolError:
			return backoff.Permanent(opErr)
		}
		return opErr
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *remoteClient) post(ctx context.Context, body []byte, id string) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.transport == models.TransportSSE {
		httpReq.Header.Set("Accept", "application/json, text/event-stream")
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	c.applyAuth(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Err: fmt.Errorf("HTTP %d from %s", resp.StatusCode, c.url)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, c.url)
	}

	var msg *rpcMessage
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		msg, err = readSSEResponse(resp.Body, id)
	} else {
		msg, err = readJSONResponse(resp.Body, id)
	}
	if err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("downstream error %d: %s", msg.Error.Code, msg.Error.Message)}
	}
	return msg.Result, nil
}

// applyAuth sets static auth headers for bearer and basic kinds. OAuth kinds
// are handled by the token-refreshing http client.
func (c *remoteClient) applyAuth(req *http.Request) {
	if c.auth == nil {
		return
	}
	switch c.auth.Kind {
	case models.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+c.auth.Token)
	case models.AuthBasic:
		req.SetBasicAuth(c.auth.Username, c.auth.Password)
	}
}

func readJSONResponse(body io.Reader, id string) (*rpcMessage, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("malformed response: %w", err)}
	}
	return &msg, nil
}

// readSSEResponse scans the event stream for the JSON-RPC response matching
// our request id, ignoring interleaved server notifications.
func readSSEResponse(body io.Reader, id string) (*rpcMessage, error) {
	wantID, _ := json.Marshal(id)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			continue
		}
		if len(msg.ID) == 0 || !bytes.Equal(msg.ID, wantID) {
			continue
		}
		return &msg, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, &ProtocolError{Err: fmt.Errorf("event stream ended without a response")}
}

func (c *remoteClient) Initialize(ctx context.Context) error {
	result, err := c.call(ctx, "initialize", initializeParams())
	if err != nil {
		return err
	}
	var info struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(result, &info); err != nil || info.ProtocolVersion == "" {
		return &ProtocolError{Err: fmt.Errorf("malformed initialize result")}
	}
	return nil
}

func (c *remoteClient) ListTools(ctx context.Context) ([]models.Tool, error) {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	return parseToolsList(result)
}

func (c *remoteClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*models.MCPToolResult, error) {
	result, err := c.call(ctx, "tools/call", models.MCPToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	return parseToolResult(result)
}

// PID returns 0: remote transports own no child process.
func (c *remoteClient) PID() int { return 0 }

func (c *remoteClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
