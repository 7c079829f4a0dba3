// Package resolver matches a client's natural-language intent against the
// spell catalog with a hybrid keyword + semantic-embedding scorer.
//
// Each indexed spell carries a keyword set (lowercased alphanumeric tokens
// drawn from its name, keywords and top description tokens) and a
// unit-normalized embedding vector. A query is scored against both; the
// hybrid confidence is the max of the two branch scores. Scoring is
// deterministic given the same catalog, embeddings and query.
package resolver

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grimoirelabs/grimoire/internal/catalog"
	"github.com/grimoirelabs/grimoire/internal/embeddings"
	"github.com/grimoirelabs/grimoire/internal/store"
	"github.com/grimoirelabs/grimoire/pkg/contracts"
	"github.com/grimoirelabs/grimoire/pkg/models"
	"github.com/rs/zerolog/log"
)

// Confidence tiers consumed by the gateway facade. Defined here so there is
// a single source of truth for the thresholds.
const (
	ConfidenceHigh   = 0.85
	ConfidenceMedium = 0.50
	ConfidenceLow    = 0.30
)

// Match types reported on candidates.
const (
	MatchKeyword  = "keyword"
	MatchSemantic = "semantic"
	MatchHybrid   = "hybrid"
)

// descriptionTokenCap bounds how many description tokens join the keyword set.
const descriptionTokenCap = 10

// stopwords are filler tokens excluded from "meaningful" query words.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "about": {},
	"into": {}, "over": {}, "under": {}, "this": {}, "that": {}, "these": {},
	"those": {}, "what": {}, "when": {}, "where": {}, "which": {}, "who": {},
	"how": {}, "why": {}, "can": {}, "could": {}, "would": {}, "should": {},
	"will": {}, "may": {}, "might": {}, "must": {}, "not": {}, "but": {},
	"are": {}, "was": {}, "were": {}, "been": {}, "being": {}, "have": {},
	"has": {}, "had": {}, "does": {}, "did": {}, "its": {}, "our": {},
	"your": {}, "their": {}, "them": {}, "they": {}, "you": {}, "all": {},
	"any": {}, "some": {}, "get": {}, "show": {}, "give": {}, "find": {},
	"make": {}, "need": {}, "want": {}, "like": {}, "please": {}, "help": {},
	"use": {}, "using": {}, "via": {}, "let": {}, "lets": {},
}

type indexEntry struct {
	keywords map[string]struct{}
	vector   []float32 // unit-normalized, nil when embedding unavailable
}

// Resolver indexes spells and scores queries against them.
type Resolver struct {
	mu    sync.RWMutex
	store *store.Store
	embed contracts.EmbeddingDriver // may be nil (keyword-only mode)
	index map[string]*indexEntry
}

// New creates a resolver over the given embedding store and driver. A nil
// driver puts the resolver in keyword-only mode.
func New(s *store.Store, driver contracts.EmbeddingDriver) *Resolver {
	return &Resolver{
		store: s,
		embed: driver,
		index: make(map[string]*indexEntry),
	}
}

// IndexSpell (re)indexes one spell: recomputes the keyword set and, when the
// persisted embedding is missing or stale for the config's content hash,
// asks the provider for a fresh vector and persists it.
//
// Embedding provider failures are not fatal: the spell stays indexed with
// keywords only and any result it produces is forced to MatchKeyword.
func (r *Resolver) IndexSpell(ctx context.Context, cfg *models.SpellConfig) {
	hash := catalog.Hash(cfg)

	var vector []float32
	if meta := r.store.Get(cfg.Name); meta != nil && !r.store.NeedsUpdate(cfg.Name, hash) {
		vector = meta.Vector
	} else if r.embed != nil {
		vecs, err := r.embed.Embed(ctx, []string{catalog.IndexableText(cfg)})
		if err != nil || len(vecs) != 1 {
			log.Warn().Err(err).Str("spell", cfg.Name).Msg("Embedding provider failed, indexing keywords only")
		} else {
			vector = embeddings.Normalize(vecs[0])
			r.store.Set(cfg.Name, &store.EmbeddingMeta{
				Vector:    vector,
				Hash:      hash,
				Timestamp: nowMillis(),
			})
		}
	}

	entry := &indexEntry{
		keywords: keywordSet(cfg),
		vector:   vector,
	}

	r.mu.Lock()
	r.index[cfg.Name] = entry
	r.mu.Unlock()

	log.Debug().Str("spell", cfg.Name).Int("keywords", len(entry.keywords)).Bool("embedded", vector != nil).Msg("Spell indexed")
}

// RemoveSpell drops a spell from the index and deletes its persisted
// embedding.
func (r *Resolver) RemoveSpell(name string) {
	r.mu.Lock()
	delete(r.index, name)
	r.mu.Unlock()
	r.store.Delete(name)
}

// ResolveTopN scores the query against every indexed spell and returns up to
// n candidates at or above minConfidence, ranked by descending confidence
// (ties broken by name for determinism).
func (r *Resolver) ResolveTopN(ctx context.Context, query string, n int, minConfidence float64) []models.Candidate {
	tokens := Tokenize(query)

	// Query embedding is computed once and shared across all spells.
	var queryVec []float32
	if r.embed != nil {
		vecs, err := r.embed.Embed(ctx, []string{query})
		if err != nil || len(vecs) != 1 {
			log.Debug().Err(err).Msg("Query embedding failed, keyword-only resolution")
		} else {
			queryVec = embeddings.Normalize(vecs[0])
		}
	}

	r.mu.RLock()
	names := make([]string, 0, len(r.index))
	for name := range r.index {
		names = append(names, name)
	}
	sort.Strings(names)

	var candidates []models.Candidate
	for _, name := range names {
		entry := r.index[name]

		kw := keywordScore(tokens, entry.keywords)

		sem := 0.0
		if queryVec != nil && entry.vector != nil {
			// Cosine similarity mapped from [-1,1] to [0,1].
			sem = (cosine(queryVec, entry.vector) + 1) / 2
		}

		confidence := kw
		matchType := MatchKeyword
		switch {
		case sem > kw:
			confidence = sem
			matchType = MatchSemantic
		case sem == kw && kw > 0:
			matchType = MatchHybrid
		}
		if queryVec == nil {
			// Provider unavailable: results are keyword matches by definition.
			matchType = MatchKeyword
		}

		if confidence < minConfidence || confidence == 0 {
			continue
		}
		candidates = append(candidates, models.Candidate{
			SpellName:  name,
			Confidence: confidence,
			MatchType:  matchType,
		})
	}
	r.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].SpellName < candidates[j].SpellName
	})
	if n > 0 && len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// ── Scoring ─────────────────────────────────────────────────

// keywordScore implements the tiered keyword formula: base 0.9 plus a
// coverage bonus of up to 0.1, with a 0.1 penalty when fewer than half the
// meaningful query tokens hit the spell's keyword set. No hits scores zero.
func keywordScore(queryTokens []string, keywords map[string]struct{}) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	m := 0
	for _, tok := range queryTokens {
		if _, ok := keywords[tok]; ok {
			m++
		}
	}
	if m == 0 {
		return 0
	}
	q := len(queryTokens)
	coverage := float64(m) / float64(max(1, q))
	score := 0.9 + coverage*0.1
	if coverage < 0.5 {
		score -= 0.1
	}
	return score
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	// Both vectors are unit-normalized, so the dot product is the cosine.
	if dot > 1 {
		dot = 1
	}
	if dot < -1 {
		dot = -1
	}
	return dot
}

// Tokenize splits a query into meaningful words: lowercased alphanumeric
// runs of at least 3 characters, with filler stopwords removed. Duplicates
// are kept; coverage counts repeated mentions.
func Tokenize(text string) []string {
	var tokens []string
	for _, raw := range splitAlnum(text) {
		if len(raw) < 3 {
			continue
		}
		if _, stop := stopwords[raw]; stop {
			continue
		}
		tokens = append(tokens, raw)
	}
	return tokens
}

// keywordSet builds a spell's keyword set from its name, declared keywords
// and the leading description tokens.
func keywordSet(cfg *models.SpellConfig) map[string]struct{} {
	set := make(map[string]struct{})
	add := func(text string) int {
		n := 0
		for _, tok := range splitAlnum(text) {
			if len(tok) < 3 {
				continue
			}
			if _, stop := stopwords[tok]; stop {
				continue
			}
			set[tok] = struct{}{}
			n++
		}
		return n
	}

	add(cfg.Name)
	for _, kw := range cfg.Keywords {
		add(kw)
	}

	// Only the top description tokens join the set, so long descriptions
	// don't dilute keyword precision.
	taken := 0
	for _, tok := range splitAlnum(cfg.Description) {
		if taken >= descriptionTokenCap {
			break
		}
		if len(tok) < 3 {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		if _, dup := set[tok]; dup {
			continue
		}
		set[tok] = struct{}{}
		taken++
	}
	return set
}

// splitAlnum lowercases text and splits it into alphanumeric runs.
func splitAlnum(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
