package resolver

import (
	"context"
	"fmt"
	"testing"

	"github.com/grimoirelabs/grimoire/internal/catalog"
	"github.com/grimoirelabs/grimoire/internal/store"
	"github.com/grimoirelabs/grimoire/pkg/models"
)

func hashFor(cfg *models.SpellConfig) []byte {
	return catalog.Hash(cfg)
}

// fakeEmbedder returns canned unit vectors keyed by text, and a fixed
// fallback for unknown texts.
type fakeEmbedder struct {
	vectors map[string][]float32
	fail    bool
	calls   int
}

func (f *fakeEmbedder) Kind() string      { return "fake" }
func (f *fakeEmbedder) Dimensions() int   { return 4 }
func (f *fakeEmbedder) MaxBatchSize() int { return 16 }
func (f *fakeEmbedder) HealthCheck(context.Context) error {
	if f.fail {
		return fmt.Errorf("fake provider down")
	}
	return nil
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, fmt.Errorf("fake provider down")
	}
	f.calls++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := f.vectors[text]; ok {
			out[i] = append([]float32(nil), v...)
		} else {
			out[i] = []float32{0, 0, 0, 1}
		}
	}
	return out, nil
}

func spell(name string, keywords ...string) *models.SpellConfig {
	return &models.SpellConfig{
		Name:     name,
		Version:  "1.0.0",
		Keywords: keywords,
		Server:   models.ServerConfig{Transport: models.TransportStdio, Command: "true"},
	}
}

func newTestResolver(t *testing.T, emb *fakeEmbedder) (*Resolver, *store.Store) {
	t.Helper()
	st := store.New(t.TempDir(), "fake-4d", 4)
	if emb == nil {
		return New(st, nil), st
	}
	return New(st, emb), st
}

func TestHighConfidenceKeywordMatch(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	r.IndexSpell(context.Background(), spell("weather-api", "weather", "forecast", "alerts"))

	got := r.ResolveTopN(context.Background(), "get current weather forecast and weather alerts for my city", 5, ConfidenceLow)
	if len(got) != 1 {
		t.Fatalf("ResolveTopN() returned %d candidates, want 1", len(got))
	}
	top := got[0]
	if top.SpellName != "weather-api" {
		t.Errorf("top spell = %q, want weather-api", top.SpellName)
	}
	if top.Confidence < ConfidenceHigh {
		t.Errorf("confidence = %v, want >= %v", top.Confidence, ConfidenceHigh)
	}
	if top.MatchType != MatchKeyword {
		t.Errorf("matchType = %q, want keyword (no embedding provider)", top.MatchType)
	}
}

func TestWeakMatchPenalty(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	r.IndexSpell(context.Background(), spell("weather-data", "weather", "forecast", "data"))

	// One of three meaningful tokens hits → coverage 1/3 < 0.5 → penalty.
	got := r.ResolveTopN(context.Background(), "data information reports", 5, ConfidenceLow)
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1", len(got))
	}
	c := got[0].Confidence
	if c < ConfidenceMedium || c >= ConfidenceHigh {
		t.Errorf("penalized confidence = %v, want within [%v, %v)", c, ConfidenceMedium, ConfidenceHigh)
	}
}

func TestNoKeywordHitsScoresZero(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	r.IndexSpell(context.Background(), spell("weather-api", "weather", "forecast", "alerts"))

	got := r.ResolveTopN(context.Background(), "launch spaceship mars warp drive", 5, ConfidenceLow)
	if len(got) != 0 {
		t.Errorf("unrelated query should yield no candidates, got %v", got)
	}
}

func TestSemanticBranchWins(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"weather forecast alerts": {1, 0, 0, 0}, // indexable text of the spell
		"meteorological outlook":  {1, 0, 0, 0}, // query, identical direction
	}}
	r, _ := newTestResolver(t, emb)
	r.IndexSpell(context.Background(), spell("weather-api", "weather", "forecast", "alerts"))

	got := r.ResolveTopN(context.Background(), "meteorological outlook", 5, ConfidenceLow)
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1", len(got))
	}
	if got[0].MatchType != MatchSemantic {
		t.Errorf("matchType = %q, want semantic", got[0].MatchType)
	}
	// cos=1 maps to (1+1)/2 = 1.0
	if got[0].Confidence < ConfidenceHigh {
		t.Errorf("confidence = %v, want >= %v", got[0].Confidence, ConfidenceHigh)
	}
}

func TestProviderFailureForcesKeywordMatchType(t *testing.T) {
	emb := &fakeEmbedder{fail: true}
	r, _ := newTestResolver(t, emb)
	r.IndexSpell(context.Background(), spell("weather-api", "weather", "forecast", "alerts"))

	got := r.ResolveTopN(context.Background(), "weather forecast", 5, ConfidenceLow)
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1", len(got))
	}
	if got[0].MatchType != MatchKeyword {
		t.Errorf("matchType = %q, want keyword when provider is down", got[0].MatchType)
	}
}

func TestEmbeddingCachedByHash(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{}}
	r, st := newTestResolver(t, emb)
	cfg := spell("weather-api", "weather", "forecast", "alerts")

	r.IndexSpell(context.Background(), cfg)
	first := emb.calls
	r.IndexSpell(context.Background(), cfg)
	if emb.calls != first {
		t.Errorf("re-indexing an unchanged spell re-embedded (calls %d → %d)", first, emb.calls)
	}

	// Hash law: needsUpdate is false right after indexing.
	if st.NeedsUpdate("weather-api", hashFor(cfg)) {
		t.Error("NeedsUpdate = true immediately after IndexSpell")
	}

	// A keyword change flips the hash and re-embeds.
	cfg2 := spell("weather-api", "weather", "forecast", "alerts", "radar")
	r.IndexSpell(context.Background(), cfg2)
	if emb.calls != first+1 {
		t.Errorf("changed spell should re-embed once, calls = %d want %d", emb.calls, first+1)
	}
}

func TestDeterminismAndOrdering(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	r.IndexSpell(context.Background(), spell("weather-data", "weather", "forecast", "data"))
	r.IndexSpell(context.Background(), spell("news-data", "news", "trending", "data"))
	r.IndexSpell(context.Background(), spell("analytics-data", "analytics", "report", "data"))

	first := r.ResolveTopN(context.Background(), "data information reports", 5, ConfidenceLow)
	for i := 0; i < 10; i++ {
		again := r.ResolveTopN(context.Background(), "data information reports", 5, ConfidenceLow)
		if len(again) != len(first) {
			t.Fatalf("candidate count changed between runs: %d vs %d", len(again), len(first))
		}
		for j := range again {
			if again[j] != first[j] {
				t.Fatalf("run %d candidate %d = %+v, want %+v", i, j, again[j], first[j])
			}
		}
	}
	for i := 1; i < len(first); i++ {
		if first[i].Confidence > first[i-1].Confidence {
			t.Errorf("candidates not sorted descending at %d: %v then %v", i, first[i-1].Confidence, first[i].Confidence)
		}
	}
}

func TestConfidenceMonotonicity(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	ctx := context.Background()
	r.IndexSpell(ctx, spell("weather-api", "weather", "forecast", "alerts"))

	query := "weather forecast today"
	before := r.ResolveTopN(ctx, query, 5, ConfidenceLow)

	// Adding an unrelated spell cannot decrease existing confidences.
	r.IndexSpell(ctx, spell("news-api", "news", "trending", "headlines"))
	after := r.ResolveTopN(ctx, query, 5, ConfidenceLow)
	if confidenceOf(after, "weather-api") < confidenceOf(before, "weather-api") {
		t.Error("adding a spell decreased an existing spell's confidence")
	}

	// Removing a spell cannot change the remaining confidences.
	r.RemoveSpell("news-api")
	final := r.ResolveTopN(ctx, query, 5, ConfidenceLow)
	if confidenceOf(final, "weather-api") != confidenceOf(before, "weather-api") {
		t.Error("removing a spell changed a remaining spell's confidence")
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Get current weather, forecast & alerts for my city!")
	want := []string{"current", "weather", "forecast", "alerts", "city"}
	if len(got) != len(want) {
		t.Fatalf("Tokenize() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func confidenceOf(candidates []models.Candidate, name string) float64 {
	for _, c := range candidates {
		if c.SpellName == name {
			return c.Confidence
		}
	}
	return -1
}
