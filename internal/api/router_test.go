package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/grimoirelabs/grimoire/internal/api"
	"github.com/grimoirelabs/grimoire/internal/catalog"
	"github.com/grimoirelabs/grimoire/internal/gateway"
	"github.com/grimoirelabs/grimoire/internal/lifecycle"
	"github.com/grimoirelabs/grimoire/internal/resolver"
	"github.com/grimoirelabs/grimoire/internal/router"
	"github.com/grimoirelabs/grimoire/internal/store"
)

func newTestHandler(t *testing.T, apiKey string) http.Handler {
	t.Helper()
	st := store.New(t.TempDir(), "test", 4)
	gw := gateway.New(catalog.New(), resolver.New(st, nil), lifecycle.NewManager(st), router.New(), 5)
	ctx, cancel := context.WithCancel(context.Background())
	go gw.Run(ctx, nil)
	t.Cleanup(cancel)
	return api.NewRouter(gw, apiKey)
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t, "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", rec.Code)
	}
}

func TestRPCToolsList(t *testing.T) {
	h := newTestHandler(t, "")
	body := strings.NewReader(`{"jsonrpc":"2.0","method":"tools/list","id":1}`)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/mcp", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("POST /mcp = %d, want 200", rec.Code)
	}
	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if len(resp.Result.Tools) != 2 {
		t.Errorf("tools = %d, want the two meta-tools", len(resp.Result.Tools))
	}
}

func TestRPCParseError(t *testing.T) {
	h := newTestHandler(t, "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/mcp", strings.NewReader("{broken")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", rec.Code)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	h := newTestHandler(t, "sekrit")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"ping","id":1}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"ping","id":1}`))
	req.Header.Set("X-API-Key", "sekrit")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with key = %d, want 200", rec.Code)
	}

	// Health stays public.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz with auth enabled = %d, want 200", rec.Code)
	}
}
