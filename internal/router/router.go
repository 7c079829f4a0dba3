// Package router maintains the active tool surface: a bijection between
// advertised tool names and the spell that owns them, plus per-spell tool
// arrays. Every passthrough tool call resolves its owning spell here.
package router

import (
	"sort"
	"sync"

	"github.com/grimoirelabs/grimoire/pkg/models"
	"github.com/rs/zerolog/log"
)

// Router is the in-memory tool-to-spell index. Thread-safe.
type Router struct {
	mu          sync.RWMutex
	toolToSpell map[string]string
	spellTools  map[string][]models.Tool
}

// New creates an empty router.
func New() *Router {
	return &Router{
		toolToSpell: make(map[string]string),
		spellTools:  make(map[string][]models.Tool),
	}
}

// RegisterTools replaces the spell's tool set. Idempotent. If another spell
// already exposes a tool with the same name, the most recent registration
// wins and the conflict is logged.
func (r *Router) RegisterTools(spellName string, tools []models.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Drop previous registrations for this spell first so a shrunken tool
	// set doesn't leave stale routes behind.
	for _, old := range r.spellTools[spellName] {
		if r.toolToSpell[old.Name] == spellName {
			delete(r.toolToSpell, old.Name)
		}
	}

	stored := make([]models.Tool, len(tools))
	copy(stored, tools)
	r.spellTools[spellName] = stored

	for _, t := range tools {
		if owner, taken := r.toolToSpell[t.Name]; taken && owner != spellName {
			log.Warn().
				Str("tool", t.Name).
				Str("previous", owner).
				Str("winner", spellName).
				Msg("Tool name conflict: most recent registration wins")
		}
		r.toolToSpell[t.Name] = spellName
	}
}

// UnregisterTools removes the spell and its tools from the surface.
func (r *Router) UnregisterTools(spellName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.spellTools[spellName] {
		if r.toolToSpell[t.Name] == spellName {
			delete(r.toolToSpell, t.Name)
		}
	}
	delete(r.spellTools, spellName)
}

// FindSpellForTool returns the owning spell for a tool name, or "".
func (r *Router) FindSpellForTool(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.toolToSpell[name]
}

// GetActiveSpellNames returns all registered spell names, sorted.
func (r *Router) GetActiveSpellNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.spellTools))
	for name := range r.spellTools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetToolsForSpell returns the spell's registered tools.
func (r *Router) GetToolsForSpell(name string) []models.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.spellTools[name]
}
