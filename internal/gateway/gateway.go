// Package gateway implements the client-facing facade: the two meta-tools
// (resolve_intent, activate_spell), passthrough tool routing, steering
// injection and tool-list-changed notifications.
//
// All state-mutating work (catalog updates, spawns, reaping, router
// changes) runs on a single request serializer: one inbound request is
// processed to completion before the next is dequeued, and watcher events
// are consumed on the same serializer so a catalog mutation can never race
// a spawn in progress.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grimoirelabs/grimoire/internal/catalog"
	"github.com/grimoirelabs/grimoire/internal/lifecycle"
	"github.com/grimoirelabs/grimoire/internal/resolver"
	"github.com/grimoirelabs/grimoire/internal/router"
	"github.com/grimoirelabs/grimoire/pkg/contracts"
	"github.com/grimoirelabs/grimoire/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Meta-tool names.
const (
	ToolResolveIntent = "resolve_intent"
	ToolActivateSpell = "activate_spell"
)

// steeringMarker separates a tool's own description from the spell's
// steering suffix.
const steeringMarker = "\n\n--- EXPERT GUIDANCE ---\n"

var tracer = otel.Tracer("grimoire/gateway")

// Gateway wires the resolver, lifecycle manager and tool router behind the
// MCP surface.
type Gateway struct {
	catalog   *catalog.Catalog
	resolver  *resolver.Resolver
	lifecycle *lifecycle.Manager
	router    *router.Router

	reapThreshold uint64
	callTimeout   time.Duration

	tasks chan func()

	lmu       sync.Mutex
	listeners []func()
}

// Option configures the gateway.
type Option func(*Gateway)

// WithCallTimeout bounds a single passthrough tool invocation.
func WithCallTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.callTimeout = d }
}

// New creates a gateway facade over the given components.
func New(cat *catalog.Catalog, res *resolver.Resolver, lm *lifecycle.Manager, rt *router.Router, reapThreshold uint64, opts ...Option) *Gateway {
	if reapThreshold == 0 {
		reapThreshold = lifecycle.DefaultReapThreshold
	}
	g := &Gateway{
		catalog:       cat,
		resolver:      res,
		lifecycle:     lm,
		router:        rt,
		reapThreshold: reapThreshold,
		callTimeout:   60 * time.Second,
		tasks:         make(chan func()),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnListChanged registers a callback fired after each surface change. Client
// transports use this to push notifications/tools/list_changed.
func (g *Gateway) OnListChanged(fn func()) {
	g.lmu.Lock()
	g.listeners = append(g.listeners, fn)
	g.lmu.Unlock()
}

// Run consumes the request serializer until ctx is cancelled. Watcher events
// arrive on watch (may be nil) and are serialized with client requests.
func (g *Gateway) Run(ctx context.Context, watch <-chan contracts.WatchEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-g.tasks:
			task()
		case ev, ok := <-watch:
			if !ok {
				watch = nil
				continue
			}
			g.applyWatchEvent(ctx, ev)
		}
	}
}

// Handle processes one inbound client request on the serializer and returns
// the response. Notifications return nil.
func (g *Gateway) Handle(ctx context.Context, req *models.MCPRequest) *models.MCPResponse {
	resultCh := make(chan *models.MCPResponse, 1)
	select {
	case g.tasks <- func() { resultCh <- g.dispatch(ctx, req) }:
	case <-ctx.Done():
		return nil
	}
	select {
	case resp := <-resultCh:
		return resp
	case <-ctx.Done():
		return nil
	}
}

// dispatch runs on the serializer.
func (g *Gateway) dispatch(ctx context.Context, req *models.MCPRequest) *models.MCPResponse {
	switch req.Method {
	case "initialize":
		return g.handleInitialize(req)

	case "tools/list":
		return &models.MCPResponse{
			Jsonrpc: "2.0",
			Result:  map[string]interface{}{"tools": g.listTools()},
			ID:      req.ID,
		}

	case "tools/call":
		return g.handleToolsCall(ctx, req)

	case "notifications/initialized":
		log.Debug().Msg("Client initialized")
		return nil

	case "ping":
		return &models.MCPResponse{
			Jsonrpc: "2.0",
			Result:  map[string]string{"status": "pong"},
			ID:      req.ID,
		}

	default:
		if req.IsNotification() {
			return nil
		}
		return &models.MCPResponse{
			Jsonrpc: "2.0",
			Error: &models.MCPError{
				Code:    -32601,
				Message: "Method not found",
				Data:    fmt.Sprintf("Method '%s' is not supported by the gateway", req.Method),
			},
			ID: req.ID,
		}
	}
}

func (g *Gateway) handleInitialize(req *models.MCPRequest) *models.MCPResponse {
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result: map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]interface{}{
				"tools": map[string]bool{
					"listChanged": true,
				},
			},
			"serverInfo": map[string]string{
				"name":    "grimoire-gateway",
				"version": "0.3.0",
			},
		},
		ID: req.ID,
	}
}

func (g *Gateway) handleToolsCall(ctx context.Context, req *models.MCPRequest) *models.MCPResponse {
	var params models.MCPToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &models.MCPResponse{
			Jsonrpc: "2.0",
			Error:   &models.MCPError{Code: -32602, Message: "Invalid params", Data: err.Error()},
			ID:      req.ID,
		}
	}

	ctx, span := tracer.Start(ctx, "tools/call")
	span.SetAttributes(attribute.String("tool", params.Name))
	defer span.End()

	var result *models.MCPToolResult
	switch params.Name {
	case ToolResolveIntent:
		query, _ := params.Arguments["query"].(string)
		result = g.resolveIntent(ctx, query)
	case ToolActivateSpell:
		name, _ := params.Arguments["name"].(string)
		result = g.activateSpellTool(ctx, name)
	default:
		result = g.passthrough(ctx, &params)
	}

	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result:  result,
		ID:      req.ID,
	}
}

// ── resolve_intent ──────────────────────────────────────────

func (g *Gateway) resolveIntent(ctx context.Context, query string) *models.MCPToolResult {
	if strings.TrimSpace(query) == "" {
		g.finishTurn(false)
		return jsonResult(&models.ResolveResult{
			Status:          models.StatusNotFound,
			Query:           query,
			Message:         "Query cannot be empty",
			AvailableSpells: g.spellSummaries(),
		})
	}

	candidates := g.resolver.ResolveTopN(ctx, query, 5, resolver.ConfidenceLow)
	if len(candidates) == 0 {
		g.finishTurn(false)
		return jsonResult(&models.ResolveResult{
			Status:          models.StatusNotFound,
			Query:           query,
			Message:         fmt.Sprintf("No spell matched %q. Ask again with different wording or pick from the available spells.", query),
			AvailableSpells: g.spellSummaries(),
		})
	}

	top := candidates[0]
	switch {
	case top.Confidence >= resolver.ConfidenceHigh:
		res, err := g.activate(ctx, top.SpellName, top.Confidence, top.MatchType)
		if err != nil {
			log.Warn().Err(err).Str("spell", top.SpellName).Msg("Activation failed")
			g.finishTurn(false)
			return jsonResult(&models.ResolveResult{
				Status:          models.StatusNotFound,
				Query:           query,
				Message:         fmt.Sprintf("Spell %s matched but could not be started: %v", top.SpellName, err),
				AvailableSpells: g.spellSummaries(),
			})
		}
		return jsonResult(res)

	case top.Confidence >= resolver.ConfidenceMedium:
		g.finishTurn(false)
		return jsonResult(&models.ResolveResult{
			Status:  models.StatusMultipleMatches,
			Query:   query,
			Message: "Several spells may fit. Call activate_spell with one of the matches.",
			Matches: g.alternatives(candidates, 3),
		})

	default:
		g.finishTurn(false)
		return jsonResult(&models.ResolveResult{
			Status:  models.StatusWeakMatches,
			Query:   query,
			Message: "Only weak matches were found. Call activate_spell if one of them fits.",
			Matches: g.alternatives(candidates, 5),
		})
	}
}

// ── activate_spell ──────────────────────────────────────────

func (g *Gateway) activateSpellTool(ctx context.Context, name string) *models.MCPToolResult {
	if g.catalog.Get(name) == nil {
		g.finishTurn(false)
		payload, _ := json.MarshalIndent(map[string]interface{}{
			"error":           "SpellNotFound",
			"message":         fmt.Sprintf("No spell named %q is configured", name),
			"availableSpells": g.spellSummaries(),
		}, "", "  ")
		return &models.MCPToolResult{
			Content: []models.MCPContent{{Type: "text", Text: string(payload)}},
			IsError: true,
		}
	}

	res, err := g.activate(ctx, name, 1.0, "explicit")
	if err != nil {
		log.Warn().Err(err).Str("spell", name).Msg("Explicit activation failed")
		g.finishTurn(false)
		return jsonResult(&models.ResolveResult{
			Status:          models.StatusNotFound,
			Message:         fmt.Sprintf("Spell %s could not be started: %v", name, err),
			AvailableSpells: g.spellSummaries(),
		})
	}
	return jsonResult(res)
}

// activate runs the shared HIGH-confidence path: spawn, steer, register,
// bump the turn, reap, notify once.
func (g *Gateway) activate(ctx context.Context, name string, confidence float64, matchType string) (*models.ResolveResult, error) {
	cfg := g.catalog.Get(name)
	if cfg == nil {
		return nil, fmt.Errorf("spell %q not in catalog", name)
	}

	tools, err := g.lifecycle.Spawn(ctx, name, cfg)
	if err != nil {
		return nil, err
	}

	enhanced := decorateTools(tools, cfg.Steering)
	g.router.RegisterTools(name, enhanced)

	g.lifecycle.IncrementTurn()
	g.lifecycle.MarkUsed(name)
	g.reap()

	// One notification covers both the newly-registered surface and any
	// reaped removals.
	g.notifyListChanged()

	names := make([]string, 0, len(enhanced))
	for _, t := range enhanced {
		names = append(names, t.Name)
	}
	return &models.ResolveResult{
		Status: models.StatusActivated,
		Spell:  &models.ActivatedSpell{Name: name, Confidence: confidence, MatchType: matchType},
		Tools:  names,
	}, nil
}

// ── Passthrough ─────────────────────────────────────────────

func (g *Gateway) passthrough(ctx context.Context, params *models.MCPToolCallParams) *models.MCPToolResult {
	spellName := g.router.FindSpellForTool(params.Name)
	if spellName == "" {
		g.finishTurn(false)
		return models.ErrorResult(fmt.Sprintf(
			"Unknown tool %q. Use resolve_intent to discover and activate the spell that provides it.", params.Name))
	}

	client, err := g.lifecycle.GetClient(spellName)
	if err != nil {
		// Router and lifecycle disagree; drop the stale routes and tell the
		// client to re-activate.
		g.router.UnregisterTools(spellName)
		g.finishTurn(true)
		return models.ErrorResult(fmt.Sprintf(
			"Spell %s is no longer active. Call activate_spell(%q) to restart it.", spellName, spellName))
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	result, callErr := client.CallTool(callCtx, params.Name, params.Arguments)

	if callErr != nil {
		g.finishTurn(false)
		return models.ErrorResult(fmt.Sprintf("Tool execution error: %v", callErr))
	}

	g.lifecycle.MarkUsed(spellName)
	g.finishTurn(false)
	return result
}

// ── Surface maintenance ─────────────────────────────────────

// finishTurn bumps the turn counter, runs a reaping pass and emits a single
// notification when the surface changed (or when forced).
func (g *Gateway) finishTurn(surfaceChanged bool) {
	g.lifecycle.IncrementTurn()
	if len(g.reap()) > 0 {
		surfaceChanged = true
	}
	if surfaceChanged {
		g.notifyListChanged()
	}
}

// reap closes idle spells and removes their tools from the surface.
func (g *Gateway) reap() []string {
	reaped := g.lifecycle.CleanupInactive(g.reapThreshold)
	for _, name := range reaped {
		g.router.UnregisterTools(name)
	}
	return reaped
}

// listTools returns the advertised surface: the two meta-tools plus the
// union of every active spell's tools.
func (g *Gateway) listTools() []models.Tool {
	tools := []models.Tool{g.resolveIntentTool(), g.activateSpellToolDef()}
	for _, name := range g.router.GetActiveSpellNames() {
		tools = append(tools, g.router.GetToolsForSpell(name)...)
	}
	return tools
}

func (g *Gateway) notifyListChanged() {
	g.lmu.Lock()
	listeners := append([]func(){}, g.listeners...)
	g.lmu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// applyWatchEvent applies one spell-file change on the serializer.
func (g *Gateway) applyWatchEvent(ctx context.Context, ev contracts.WatchEvent) {
	switch ev.Type {
	case contracts.WatchAdd, contracts.WatchUpdate:
		cfg, err := catalog.LoadFile(ev.Path)
		if err != nil {
			log.Warn().Err(err).Str("file", ev.Path).Msg("Ignoring malformed spell file")
			return
		}
		if cfg.Name != ev.Name {
			log.Warn().Str("file", ev.Path).Str("name", cfg.Name).Msg("Spell name does not match filename, skipping")
			return
		}
		// An updated config invalidates any running instance; the next use
		// re-spawns with the fresh definition.
		changed := g.lifecycle.Close(cfg.Name)
		if changed {
			g.router.UnregisterTools(cfg.Name)
		}
		g.catalog.Set(cfg)
		g.resolver.IndexSpell(ctx, cfg)
		if changed {
			g.notifyListChanged()
		}
		log.Info().Str("spell", cfg.Name).Str("event", string(ev.Type)).Msg("Catalog updated")

	case contracts.WatchRemove:
		changed := g.lifecycle.Close(ev.Name)
		if changed {
			g.router.UnregisterTools(ev.Name)
		}
		g.catalog.Remove(ev.Name)
		g.resolver.RemoveSpell(ev.Name)
		if changed {
			g.notifyListChanged()
		}
		log.Info().Str("spell", ev.Name).Msg("Spell removed from catalog")
	}
}

// ── Helpers ─────────────────────────────────────────────────

func (g *Gateway) spellSummaries() []models.SpellSummary {
	configs := g.catalog.List()
	out := make([]models.SpellSummary, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, models.SpellSummary{Name: cfg.Name, Description: cfg.Description})
	}
	return out
}

func (g *Gateway) alternatives(candidates []models.Candidate, n int) []models.MatchAlternative {
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]models.MatchAlternative, 0, len(candidates))
	for _, c := range candidates {
		alt := models.MatchAlternative{
			Name:       c.SpellName,
			Confidence: c.Confidence,
			MatchType:  c.MatchType,
		}
		if cfg := g.catalog.Get(c.SpellName); cfg != nil {
			alt.Description = cfg.Description
			if len(cfg.Keywords) > 5 {
				alt.Keywords = cfg.Keywords[:5]
			} else {
				alt.Keywords = cfg.Keywords
			}
		}
		out = append(out, alt)
	}
	return out
}

// decorateTools appends the spell's steering suffix to each tool
// description. Empty steering leaves the tools unchanged.
func decorateTools(tools []models.Tool, steering string) []models.Tool {
	if strings.TrimSpace(steering) == "" {
		return tools
	}
	out := make([]models.Tool, len(tools))
	for i, t := range tools {
		t.Description = t.Description + steeringMarker + steering
		out[i] = t
	}
	return out
}

func jsonResult(res *models.ResolveResult) *models.MCPToolResult {
	payload, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("encode response: %v", err))
	}
	return models.TextResult(string(payload))
}
