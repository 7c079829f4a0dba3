// Package store persists per-spell embedding vectors and the gateway's
// lifecycle metadata (turn counter, usage tracking, active child PIDs) in a
// single versioned msgpack file inside the spell directory.
//
// The file is loaded once at startup, held in memory, and written back with
// an atomic replace (owner-only temp file + rename). Writes are debounced by
// ~5s to coalesce bursts; Close performs a final synchronous flush.
//
// Load never fails the caller: a missing file, an unsupported version or a
// corrupted payload reinitializes the store. A corrupted lifecycle subrecord
// is reinitialized on its own while embeddings are preserved. v1 records are
// migrated in place by attaching an empty lifecycle block.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// FileName is the store's filename inside the spell directory.
	FileName = "grimoire-store.msgpack"

	versionV1 = 1
	versionV2 = 2

	// saveDebounce coalesces bursts of mutations into one write.
	saveDebounce = 5 * time.Second
)

// HashSize is the digest length of a spell's indexable-text hash.
const HashSize = 32

// EmbeddingMeta is the persisted per-spell embedding record.
type EmbeddingMeta struct {
	Vector    []float32 `msgpack:"vector"`
	Hash      []byte    `msgpack:"hash"`
	Timestamp int64     `msgpack:"timestamp"` // ms since epoch
}

// UsageEntry tracks when a spell was last used. Entries are created only on
// first MarkUsed; absence means "never used since spawn".
type UsageEntry struct {
	LastUsedTurn uint64 `msgpack:"last_used_turn"`
}

// Lifecycle is the persisted global lifecycle metadata.
type Lifecycle struct {
	CurrentTurn   uint64                `msgpack:"current_turn"`
	UsageTracking map[string]UsageEntry `msgpack:"usage_tracking"`
	ActivePIDs    map[string]int        `msgpack:"active_pids"`
	LastSaved     int64                 `msgpack:"last_saved"` // ms since epoch
}

func emptyLifecycle() Lifecycle {
	return Lifecycle{
		UsageTracking: make(map[string]UsageEntry),
		ActivePIDs:    make(map[string]int),
	}
}

// record is the on-disk layout. Lifecycle is stored as an opaque byte string
// holding its own msgpack encoding, so a corrupted subrecord can be dropped
// without losing the embeddings around it.
type record struct {
	Version   int                       `msgpack:"version"`
	ModelName string                    `msgpack:"model_name"`
	Dimension int                       `msgpack:"dimension"`
	Spells    map[string]*EmbeddingMeta `msgpack:"spells"`
	Lifecycle []byte                    `msgpack:"lifecycle,omitempty"`
}

// IOError reports a failed store write. Read-side problems are recovered by
// reinitialization and never surface as errors.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return "store " + e.Op + ": " + e.Err.Error() }
func (e *IOError) Unwrap() error { return e.Err }

// Store is the in-memory image of the persisted file. Safe for concurrent
// use, though in practice all mutation happens on the gateway's request
// serializer.
type Store struct {
	mu        sync.Mutex
	path      string
	modelName string
	dimension int
	spells    map[string]*EmbeddingMeta
	lifecycle Lifecycle

	saveTimer *time.Timer
	closed    bool
}

// New creates a store backed by dir/FileName for the given embedding model.
func New(dir, modelName string, dimension int) *Store {
	return &Store{
		path:      filepath.Join(dir, FileName),
		modelName: modelName,
		dimension: dimension,
		spells:    make(map[string]*EmbeddingMeta),
		lifecycle: emptyLifecycle(),
	}
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the store file if present. It never returns an error: anything
// unreadable reinitializes the affected part and logs a warning.
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", s.path).Msg("Store unreadable, starting empty")
		}
		return
	}

	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Store corrupted, starting empty")
		return
	}

	switch rec.Version {
	case versionV1, versionV2:
	default:
		log.Warn().Int("version", rec.Version).Msg("Unsupported store version, starting empty")
		return
	}

	if rec.ModelName != "" && rec.ModelName != s.modelName {
		// A model switch invalidates every vector; hashes no longer describe
		// vectors from the active model.
		log.Info().
			Str("stored", rec.ModelName).
			Str("active", s.modelName).
			Msg("Embedding model changed, discarding cached vectors")
	} else if rec.Spells != nil {
		s.spells = rec.Spells
	}

	// v1 records carry no lifecycle block; v2 may carry a corrupted one.
	s.lifecycle = emptyLifecycle()
	if rec.Version == versionV2 && len(rec.Lifecycle) > 0 {
		var lc Lifecycle
		if err := msgpack.Unmarshal(rec.Lifecycle, &lc); err != nil {
			log.Warn().Err(err).Msg("Lifecycle subrecord corrupted, reinitializing")
		} else {
			if lc.UsageTracking == nil {
				lc.UsageTracking = make(map[string]UsageEntry)
			}
			if lc.ActivePIDs == nil {
				lc.ActivePIDs = make(map[string]int)
			}
			s.lifecycle = lc
		}
	}

	log.Debug().
		Int("spells", len(s.spells)).
		Uint64("turn", s.lifecycle.CurrentTurn).
		Msg("Store loaded")
}

// Get returns the embedding record for a spell, or nil.
func (s *Store) Get(name string) *EmbeddingMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spells[name]
}

// Has reports whether the spell has a persisted embedding.
func (s *Store) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.spells[name]
	return ok
}

// Set stores the embedding record for a spell and schedules a save.
func (s *Store) Set(name string, meta *EmbeddingMeta) {
	s.mu.Lock()
	s.spells[name] = meta
	s.scheduleSaveLocked()
	s.mu.Unlock()
}

// Delete removes a spell's embedding record and schedules a save.
func (s *Store) Delete(name string) {
	s.mu.Lock()
	delete(s.spells, name)
	s.scheduleSaveLocked()
	s.mu.Unlock()
}

// NeedsUpdate reports whether the spell's embedding is missing or stale for
// the given content hash.
func (s *Store) NeedsUpdate(name string, hash []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.spells[name]
	if !ok {
		return true
	}
	if len(meta.Hash) != len(hash) {
		return true
	}
	for i := range hash {
		if meta.Hash[i] != hash[i] {
			return true
		}
	}
	return false
}

// GetLifecycle returns a copy of the lifecycle metadata with safe defaults.
func (s *Store) GetLifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyLifecycle(s.lifecycle)
}

// UpdateLifecycle applies fn to the lifecycle metadata under lock and
// schedules a save. fn receives a pointer to the live record.
func (s *Store) UpdateLifecycle(fn func(*Lifecycle)) {
	s.mu.Lock()
	fn(&s.lifecycle)
	if s.lifecycle.UsageTracking == nil {
		s.lifecycle.UsageTracking = make(map[string]UsageEntry)
	}
	if s.lifecycle.ActivePIDs == nil {
		s.lifecycle.ActivePIDs = make(map[string]int)
	}
	s.scheduleSaveLocked()
	s.mu.Unlock()
}

// Save writes the store synchronously with an atomic replace.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// Close flushes pending changes and stops the debounce timer. Further
// mutations still work but no longer schedule background saves.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	return s.saveLocked()
}

// scheduleSaveLocked arms (or re-arms) the debounced flush.
func (s *Store) scheduleSaveLocked() {
	if s.closed {
		return
	}
	if s.saveTimer != nil {
		s.saveTimer.Reset(saveDebounce)
		return
	}
	s.saveTimer = time.AfterFunc(saveDebounce, func() {
		s.mu.Lock()
		s.saveTimer = nil
		err := s.saveLocked()
		if err != nil && !s.closed {
			// Never fatal: log and retry after another debounce window.
			log.Warn().Err(err).Msg("Debounced store save failed, rescheduling")
			s.scheduleSaveLocked()
		}
		s.mu.Unlock()
	})
}

func (s *Store) saveLocked() error {
	s.lifecycle.LastSaved = time.Now().UnixMilli()

	lcRaw, err := msgpack.Marshal(&s.lifecycle)
	if err != nil {
		return &IOError{Op: "encode", Err: err}
	}
	rec := record{
		Version:   versionV2,
		ModelName: s.modelName,
		Dimension: s.dimension,
		Spells:    s.spells,
		Lifecycle: lcRaw,
	}
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return &IOError{Op: "encode", Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &IOError{Op: "mkdir", Err: err}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return &IOError{Op: "write", Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return &IOError{Op: "rename", Err: err}
	}
	return nil
}

func copyLifecycle(lc Lifecycle) Lifecycle {
	cp := Lifecycle{
		CurrentTurn:   lc.CurrentTurn,
		UsageTracking: make(map[string]UsageEntry, len(lc.UsageTracking)),
		ActivePIDs:    make(map[string]int, len(lc.ActivePIDs)),
		LastSaved:     lc.LastSaved,
	}
	for k, v := range lc.UsageTracking {
		cp.UsageTracking[k] = v
	}
	for k, v := range lc.ActivePIDs {
		cp.ActivePIDs[k] = v
	}
	return cp
}

// String implements fmt.Stringer for debug logging.
func (s *Store) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("store{spells=%d turn=%d path=%s}", len(s.spells), s.lifecycle.CurrentTurn, s.path)
}
