package mcpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/grimoirelabs/grimoire/pkg/models"
)

// rpcHandler is a minimal downstream MCP server over HTTP.
func rpcHandler(t *testing.T, authHeader string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if authHeader != "" && r.Header.Get("Authorization") != authHeader {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			Method string          `json:"method"`
			ID     json.RawMessage `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("server: bad request body: %v", err)
			return
		}
		var result interface{}
		switch req.Method {
		case "initialize":
			result = map[string]interface{}{
				"protocolVersion": "2024-11-05",
				"serverInfo":      map[string]string{"name": "fake-downstream"},
			}
		case "tools/list":
			result = map[string]interface{}{
				"tools": []models.Tool{{Name: "echo", Description: "Echoes input"}},
			}
		case "tools/call":
			result = models.MCPToolResult{
				Content: []models.MCPContent{{Type: "text", Text: "echoed"}},
			}
		default:
			t.Errorf("server: unexpected method %q", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"result":  result,
			"id":      req.ID,
		})
	}
}

func httpSpell(url string, auth *models.AuthConfig) *models.SpellConfig {
	return &models.SpellConfig{
		Name: "remote-spell", Version: "1", Keywords: []string{"a", "b", "c"},
		Server: models.ServerConfig{
			Transport: models.TransportHTTP,
			URL:       url,
			Auth:      auth,
		},
	}
}

func TestRemoteClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, ""))
	defer srv.Close()

	ctx := context.Background()
	client, err := Dial(ctx, httpSpell(srv.URL, nil))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Errorf("tools = %v", tools)
	}
	result, err := client.CallTool(ctx, "echo", map[string]interface{}{"text": "hi"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "echoed" {
		t.Errorf("result = %+v", result)
	}
	if client.PID() != 0 {
		t.Errorf("remote PID = %d, want 0", client.PID())
	}
}

func TestRemoteClientBearerAuth(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, "Bearer sekrit"))
	defer srv.Close()

	ctx := context.Background()
	client, err := Dial(ctx, httpSpell(srv.URL, &models.AuthConfig{Kind: models.AuthBearer, Token: "sekrit"}))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() with correct bearer token failed: %v", err)
	}
}

func TestRemoteClientAuthFailure(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, "Bearer sekrit"))
	defer srv.Close()

	ctx := context.Background()
	client, err := Dial(ctx, httpSpell(srv.URL, &models.AuthConfig{Kind: models.AuthBearer, Token: "wrong"}))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	err = client.Initialize(ctx)
	if err == nil {
		t.Fatal("Initialize() with wrong token should fail")
	}
	if got := Classify(err); got != ReasonAuthFailed {
		t.Errorf("Classify() = %q, want %q", got, ReasonAuthFailed)
	}
}

func TestClassifyTimeout(t *testing.T) {
	if got := Classify(context.DeadlineExceeded); got != ReasonTimeout {
		t.Errorf("Classify(DeadlineExceeded) = %q, want %q", got, ReasonTimeout)
	}
}

func TestSSEResponseParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "text/event-stream")
		resp, _ := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"result": map[string]interface{}{
				"protocolVersion": "2024-11-05",
			},
			"id": req.ID,
		})
		// A keep-alive comment and an unrelated event precede the response.
		_, _ = w.Write([]byte(": keep-alive\n\n"))
		_, _ = w.Write([]byte("data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n"))
		_, _ = w.Write([]byte("data: " + string(resp) + "\n\n"))
	}))
	defer srv.Close()

	cfg := httpSpell(srv.URL, nil)
	cfg.Server.Transport = models.TransportSSE

	ctx := context.Background()
	client, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() over SSE failed: %v", err)
	}
}
