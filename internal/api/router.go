// Package api exposes the gateway over HTTP: the same MCP JSON-RPC handled
// on POST /mcp, a GET /mcp/sse stream that carries tools/list_changed
// notifications, and a health endpoint. The surface is optional, mounted
// only when GRIMOIRE_HTTP_PORT is set, and every request funnels
// through the gateway's single request serializer, exactly like stdio
// requests.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/grimoirelabs/grimoire/internal/api/middleware"
	"github.com/grimoirelabs/grimoire/internal/gateway"
	"github.com/grimoirelabs/grimoire/pkg/models"
	"github.com/rs/zerolog/log"
)

// Handler serves the HTTP gateway surface.
type Handler struct {
	gw *gateway.Gateway

	subsMu sync.Mutex
	subs   []chan struct{}
}

// NewRouter builds the chi router for the HTTP surface and registers the
// SSE broadcaster on the gateway's list-changed hook.
func NewRouter(gw *gateway.Gateway, apiKey string) http.Handler {
	h := &Handler{gw: gw}
	gw.OnListChanged(h.broadcast)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))
	r.Use(middleware.NewAPIKeyAuth(apiKey).Handler)

	r.Get("/healthz", h.health)
	r.Post("/mcp", h.rpc)
	r.Get("/mcp/sse", h.sse)
	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// rpc handles one MCP JSON-RPC request per POST.
func (h *Handler) rpc(w http.ResponseWriter, r *http.Request) {
	var req models.MCPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(&models.MCPResponse{
			Jsonrpc: "2.0",
			Error:   &models.MCPError{Code: -32700, Message: "Parse error", Data: err.Error()},
		})
		return
	}

	resp := h.gw.Handle(r.Context(), &req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted) // notification: no response body
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// sse streams tools/list_changed notifications until the client goes away.
func (h *Handler) sse(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan struct{}, 8)
	h.subsMu.Lock()
	h.subs = append(h.subs, ch)
	h.subsMu.Unlock()
	defer h.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	notif, _ := json.Marshal(models.MCPNotification{
		Jsonrpc: "2.0",
		Method:  "notifications/tools/list_changed",
	})

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ch:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", notif); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) unsubscribe(ch chan struct{}) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for i, s := range h.subs {
		if s == ch {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			break
		}
	}
}

// broadcast fans a surface change out to every SSE subscriber. Slow
// subscribers are skipped rather than blocking the serializer.
func (h *Handler) broadcast() {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
			log.Debug().Msg("SSE subscriber too slow, dropping notification")
		}
	}
}
