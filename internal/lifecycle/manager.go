// Package lifecycle owns every downstream connection and child process.
//
// Architecture:
//
//	gateway facade
//	    └─► Manager.Spawn(name, config)
//	            ├─► secret expansion (${VAR} from process env)
//	            ├─► mcpclient.Dial    (child process / http / sse)
//	            ├─► initialize + tools/list probe
//	            └─► active record + persisted PID (stdio)
//
// Lifecycle time is measured in turns: one inbound client request is one
// turn. A spell used at turn t is reaped once currentTurn-t reaches the
// threshold. Spells spawned but never used have no usage entry and are
// never reaped; their eviction is a deferred decision.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grimoirelabs/grimoire/internal/mcpclient"
	"github.com/grimoirelabs/grimoire/internal/store"
	"github.com/grimoirelabs/grimoire/pkg/contracts"
	"github.com/grimoirelabs/grimoire/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultReapThreshold is the idle-turn count after which a used spell is
// closed.
const DefaultReapThreshold = 5

// SpawnError reports a failed downstream spawn with a classified reason.
type SpawnError struct {
	Spell  string
	Reason mcpclient.FailureReason
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.Spell, e.Reason, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ErrNotActive is returned by GetClient for spells with no live connection.
type ErrNotActive struct {
	Spell string
}

func (e *ErrNotActive) Error() string { return "spell not active: " + e.Spell }

// activeSpell pairs a live connection with its advertised tool snapshot.
type activeSpell struct {
	name   string
	client contracts.SpellClient
	tools  []models.Tool
	pid    int
}

// Manager supervises downstream connections, tracks per-spell usage turns
// and reaps idle spells. Entirely in-process; the persisted lifecycle
// metadata in the store is its only disk state.
type Manager struct {
	mu     sync.Mutex
	active map[string]*activeSpell
	store  *store.Store
	dial   contracts.ClientFactory

	probeStdio  time.Duration
	probeRemote time.Duration
}

// Option configures the manager.
type Option func(*Manager)

// WithClientFactory replaces the dialer. Tests inject fakes here.
func WithClientFactory(dial contracts.ClientFactory) Option {
	return func(m *Manager) { m.dial = dial }
}

// WithProbeTimeouts sets the spawn probe deadlines for stdio and remote
// transports.
func WithProbeTimeouts(stdio, remote time.Duration) Option {
	return func(m *Manager) {
		m.probeStdio = stdio
		m.probeRemote = remote
	}
}

// NewManager creates a lifecycle manager persisting through s.
func NewManager(s *store.Store, opts ...Option) *Manager {
	m := &Manager{
		active:      make(map[string]*activeSpell),
		store:       s,
		dial:        mcpclient.Dial,
		probeStdio:  30 * time.Second,
		probeRemote: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Spawn opens a connection to the spell's downstream server and returns its
// tool list. Idempotent: an already-active spell returns the cached tools
// without re-spawning. On failure every partially-acquired resource is
// released and no active record is left behind.
//
// Spawn does not create a usage entry; only MarkUsed does.
func (m *Manager) Spawn(ctx context.Context, name string, cfg *models.SpellConfig) ([]models.Tool, error) {
	m.mu.Lock()
	if existing, ok := m.active[name]; ok {
		tools := existing.tools
		m.mu.Unlock()
		return tools, nil
	}
	m.mu.Unlock()

	expanded := ExpandSecrets(cfg)

	probe := m.probeRemote
	if expanded.Server.Transport == models.TransportStdio {
		probe = m.probeStdio
	}
	probeCtx, cancel := context.WithTimeout(ctx, probe)
	defer cancel()

	client, err := m.dial(probeCtx, expanded)
	if err != nil {
		return nil, &SpawnError{Spell: name, Reason: mcpclient.Classify(err), Err: err}
	}
	if err := client.Initialize(probeCtx); err != nil {
		_ = client.Close()
		return nil, &SpawnError{Spell: name, Reason: mcpclient.Classify(err), Err: err}
	}
	tools, err := client.ListTools(probeCtx)
	if err != nil {
		_ = client.Close()
		return nil, &SpawnError{Spell: name, Reason: mcpclient.Classify(err), Err: err}
	}

	rec := &activeSpell{name: name, client: client, tools: tools, pid: client.PID()}

	m.mu.Lock()
	if racing, ok := m.active[name]; ok {
		// Lost a race with a concurrent spawn of the same spell; keep the
		// winner and discard ours.
		m.mu.Unlock()
		_ = client.Close()
		return racing.tools, nil
	}
	m.active[name] = rec
	m.mu.Unlock()

	if rec.pid > 0 {
		m.store.UpdateLifecycle(func(lc *store.Lifecycle) {
			lc.ActivePIDs[name] = rec.pid
		})
	}

	log.Info().Str("spell", name).Int("tools", len(tools)).Int("pid", rec.pid).Msg("Spell spawned")
	return tools, nil
}

// MarkUsed records that the spell served a request this turn, creating the
// usage entry if this was its first use.
func (m *Manager) MarkUsed(name string) {
	m.store.UpdateLifecycle(func(lc *store.Lifecycle) {
		lc.UsageTracking[name] = store.UsageEntry{LastUsedTurn: lc.CurrentTurn}
	})
}

// IncrementTurn advances the turn counter. Called exactly once per client
// request, whether or not anything was spawned.
func (m *Manager) IncrementTurn() {
	m.store.UpdateLifecycle(func(lc *store.Lifecycle) {
		lc.CurrentTurn++
	})
}

// CurrentTurn returns the turn counter.
func (m *Manager) CurrentTurn() uint64 {
	return m.store.GetLifecycle().CurrentTurn
}

// GetInactiveSpells returns the active spells idle for at least threshold
// turns. Spells with no usage entry are excluded: they were never used after
// spawning in this session.
func (m *Manager) GetInactiveSpells(threshold uint64) []string {
	lc := m.store.GetLifecycle()

	m.mu.Lock()
	defer m.mu.Unlock()

	var inactive []string
	for name := range m.active {
		entry, used := lc.UsageTracking[name]
		if !used {
			continue
		}
		if lc.CurrentTurn-entry.LastUsedTurn >= threshold {
			inactive = append(inactive, name)
		}
	}
	return inactive
}

// CleanupInactive closes every inactive spell's connection, kills its child,
// removes the active record and deletes its usage and PID entries. Returns
// the reaped names.
func (m *Manager) CleanupInactive(threshold uint64) []string {
	reaped := m.GetInactiveSpells(threshold)
	for _, name := range reaped {
		m.closeSpell(name)
		log.Info().Str("spell", name).Msg("Reaped idle spell")
	}
	return reaped
}

// Close tears down one spell regardless of idle state (watcher update/remove
// path).
func (m *Manager) Close(name string) bool {
	m.mu.Lock()
	_, ok := m.active[name]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.closeSpell(name)
	return true
}

// closeSpell tears down one active spell and scrubs its lifecycle entries.
func (m *Manager) closeSpell(name string) {
	m.mu.Lock()
	rec, ok := m.active[name]
	delete(m.active, name)
	m.mu.Unlock()

	if ok {
		if err := rec.client.Close(); err != nil {
			log.Warn().Err(err).Str("spell", name).Msg("Error closing downstream connection")
		}
	}
	m.store.UpdateLifecycle(func(lc *store.Lifecycle) {
		delete(lc.UsageTracking, name)
		delete(lc.ActivePIDs, name)
	})
}

// KillAll gracefully closes every active connection. Invoked at shutdown.
func (m *Manager) KillAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.active))
	for name := range m.active {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.closeSpell(name)
	}
	if len(names) > 0 {
		log.Info().Int("count", len(names)).Msg("All downstream servers stopped")
	}
}

// GetClient returns the live connection for an active spell.
func (m *Manager) GetClient(name string) (contracts.SpellClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.active[name]
	if !ok {
		return nil, &ErrNotActive{Spell: name}
	}
	return rec.client, nil
}

// IsActive reports whether the spell has a live connection.
func (m *Manager) IsActive(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[name]
	return ok
}

// ActiveNames returns the names of all active spells.
func (m *Manager) ActiveNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.active))
	for name := range m.active {
		names = append(names, name)
	}
	return names
}

// LoadFromStorage reconciles persisted lifecycle state at startup: every
// persisted PID from a previous run is probed and, if still alive, killed,
// so no orphan child survives a crashed gateway. ActivePIDs is then reset;
// this session starts fresh. The turn counter and usage tracking carry over
// untouched, keeping currentTurn monotone across runs.
func (m *Manager) LoadFromStorage() {
	lc := m.store.GetLifecycle()
	for name, pid := range lc.ActivePIDs {
		st := probePID(pid)
		switch st {
		case pidAlive:
			log.Warn().Str("spell", name).Int("pid", pid).Msg("Killing orphan from previous run")
			killPID(pid)
		case pidGone:
			log.Debug().Str("spell", name).Int("pid", pid).Msg("Orphan already gone")
		case pidUnknown:
			// No signal-zero semantics on this platform; do nothing.
		}
	}
	if len(lc.ActivePIDs) > 0 {
		m.store.UpdateLifecycle(func(lc *store.Lifecycle) {
			lc.ActivePIDs = make(map[string]int)
		})
	}
	log.Debug().Uint64("turn", lc.CurrentTurn).Int("tracked", len(lc.UsageTracking)).Msg("Lifecycle state restored")
}
