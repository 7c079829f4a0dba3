// Package catalog holds the in-memory spell catalog: the mapping from spell
// name to its configuration, loaded from <name>.spell.yaml files in the
// spell directory.
//
// The catalog is exclusively owned by the gateway and mutated only by
// watcher-driven add/update/remove events, all of which run on the gateway's
// request serializer.
package catalog

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/grimoirelabs/grimoire/pkg/models"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// SpellFileSuffix is the required suffix of a spell file.
const SpellFileSuffix = ".spell.yaml"

var nameRe = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ConfigError reports a malformed spell file. At runtime the offending file
// is skipped with a warning; the validator CLI surfaces it directly.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string { return e.Path + ": " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// Catalog maps spell name to configuration. Thread-safe.
type Catalog struct {
	mu     sync.RWMutex
	spells map[string]*models.SpellConfig
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{spells: make(map[string]*models.SpellConfig)}
}

// Set inserts or replaces a spell.
func (c *Catalog) Set(cfg *models.SpellConfig) {
	c.mu.Lock()
	c.spells[cfg.Name] = cfg
	c.mu.Unlock()
}

// Remove deletes a spell by name.
func (c *Catalog) Remove(name string) {
	c.mu.Lock()
	delete(c.spells, name)
	c.mu.Unlock()
}

// Get returns the spell config, or nil if unknown.
func (c *Catalog) Get(name string) *models.SpellConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.spells[name]
}

// Names returns all spell names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.spells))
	for name := range c.spells {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all configs ordered by name.
func (c *Catalog) List() []*models.SpellConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.spells))
	for name := range c.spells {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*models.SpellConfig, 0, len(names))
	for _, name := range names {
		out = append(out, c.spells[name])
	}
	return out
}

// Len returns the catalog size.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.spells)
}

// ── Spell file loading ──────────────────────────────────────

// LoadFile parses and validates one spell file.
func LoadFile(path string) (*models.SpellConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	var cfg models.SpellConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("parse yaml: %w", err)}
	}
	if err := Validate(&cfg); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return &cfg, nil
}

// LoadDir loads every spell file in dir. Malformed files are skipped with a
// warning and collected into errs; duplicate names keep the first file seen.
func LoadDir(dir string) (configs []*models.SpellConfig, errs []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{err}
	}
	seen := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), SpellFileSuffix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		cfg, err := LoadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name()).Msg("Skipping malformed spell file")
			errs = append(errs, err)
			continue
		}
		if prev, dup := seen[cfg.Name]; dup {
			err := &ConfigError{Path: path, Err: fmt.Errorf("spell name %q already defined in %s", cfg.Name, prev)}
			log.Warn().Err(err).Msg("Skipping duplicate spell")
			errs = append(errs, err)
			continue
		}
		seen[cfg.Name] = path
		configs = append(configs, cfg)
	}
	return configs, errs
}

// SpellNameFromPath derives the spell name from a spell file path, or ""
// when the file is not a spell file.
func SpellNameFromPath(path string) string {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, SpellFileSuffix) {
		return ""
	}
	return strings.TrimSuffix(base, SpellFileSuffix)
}

// Validate checks the required fields and formats of a spell config.
func Validate(cfg *models.SpellConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("missing required field: name")
	}
	if !nameRe.MatchString(cfg.Name) {
		return fmt.Errorf("invalid name %q: must be lowercase-dash-alphanumeric", cfg.Name)
	}
	if cfg.Version == "" {
		return fmt.Errorf("missing required field: version")
	}
	if len(cfg.Keywords) < 3 {
		return fmt.Errorf("at least 3 keywords required, got %d", len(cfg.Keywords))
	}
	if len(cfg.Keywords) > 20 {
		log.Warn().Str("spell", cfg.Name).Int("keywords", len(cfg.Keywords)).Msg("More than 20 keywords; consider trimming")
	}

	switch cfg.Server.Transport {
	case models.TransportStdio:
		if cfg.Server.Command == "" {
			return fmt.Errorf("stdio transport requires server.command")
		}
	case models.TransportSSE, models.TransportHTTP:
		if cfg.Server.URL == "" {
			return fmt.Errorf("%s transport requires server.url", cfg.Server.Transport)
		}
	case "":
		return fmt.Errorf("missing required field: server.transport")
	default:
		return fmt.Errorf("unknown transport %q (want stdio, sse or http)", cfg.Server.Transport)
	}

	if auth := cfg.Server.Auth; auth != nil {
		switch auth.Kind {
		case models.AuthNone:
		case models.AuthBearer:
			if auth.Token == "" {
				return fmt.Errorf("bearer auth requires token")
			}
		case models.AuthBasic:
			if auth.Username == "" || auth.Password == "" {
				return fmt.Errorf("basic auth requires username and password")
			}
		case models.AuthClientCredentials, models.AuthOAuth2:
			if auth.ClientID == "" || auth.ClientSecret == "" || auth.TokenURL == "" {
				return fmt.Errorf("%s auth requires client_id, client_secret and token_url", auth.Kind)
			}
		default:
			return fmt.Errorf("unknown auth type %q", auth.Kind)
		}
	}
	return nil
}

// ── Indexable text & hashing ────────────────────────────────

// IndexableText returns the text the resolver embeds for a spell:
// keywords, description and steering joined in a stable order.
func IndexableText(cfg *models.SpellConfig) string {
	parts := make([]string, 0, 3)
	if len(cfg.Keywords) > 0 {
		parts = append(parts, strings.Join(cfg.Keywords, " "))
	}
	if cfg.Description != "" {
		parts = append(parts, cfg.Description)
	}
	if cfg.Steering != "" {
		parts = append(parts, cfg.Steering)
	}
	return strings.Join(parts, "\n")
}

// Hash returns the 32-byte digest of the spell's indexable text. An
// embedding is stale iff its stored hash differs from this.
func Hash(cfg *models.SpellConfig) []byte {
	sum := sha256.Sum256([]byte(IndexableText(cfg)))
	return sum[:]
}
