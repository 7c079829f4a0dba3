package catalog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/grimoirelabs/grimoire/pkg/models"
)

const weatherSpell = `name: weather-api
version: 1.2.0
description: Weather conditions, forecasts and alerts
keywords:
  - weather
  - forecast
  - alerts
steering: Prefer get_forecast for multi-day questions.
server:
  transport: stdio
  command: weather-mcp
  args: ["--city-db", "/var/lib/cities"]
  env:
    WEATHER_API_KEY: "${WEATHER_API_KEY}"
`

func writeSpell(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeSpell(t, dir, "weather-api.spell.yaml", weatherSpell)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Name != "weather-api" || cfg.Version != "1.2.0" {
		t.Errorf("parsed name/version = %q/%q", cfg.Name, cfg.Version)
	}
	if len(cfg.Keywords) != 3 {
		t.Errorf("keywords = %v", cfg.Keywords)
	}
	if cfg.Server.Transport != models.TransportStdio || cfg.Server.Command != "weather-mcp" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.Env["WEATHER_API_KEY"] != "${WEATHER_API_KEY}" {
		t.Error("placeholder must survive parsing unexpanded")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		cfg  models.SpellConfig
	}{
		{"missing name", models.SpellConfig{Version: "1", Keywords: []string{"a", "b", "c"},
			Server: models.ServerConfig{Transport: models.TransportStdio, Command: "x"}}},
		{"bad name format", models.SpellConfig{Name: "Weather_API", Version: "1", Keywords: []string{"a", "b", "c"},
			Server: models.ServerConfig{Transport: models.TransportStdio, Command: "x"}}},
		{"missing version", models.SpellConfig{Name: "w", Keywords: []string{"a", "b", "c"},
			Server: models.ServerConfig{Transport: models.TransportStdio, Command: "x"}}},
		{"too few keywords", models.SpellConfig{Name: "w", Version: "1", Keywords: []string{"a", "b"},
			Server: models.ServerConfig{Transport: models.TransportStdio, Command: "x"}}},
		{"stdio without command", models.SpellConfig{Name: "w", Version: "1", Keywords: []string{"a", "b", "c"},
			Server: models.ServerConfig{Transport: models.TransportStdio}}},
		{"http without url", models.SpellConfig{Name: "w", Version: "1", Keywords: []string{"a", "b", "c"},
			Server: models.ServerConfig{Transport: models.TransportHTTP}}},
		{"unknown transport", models.SpellConfig{Name: "w", Version: "1", Keywords: []string{"a", "b", "c"},
			Server: models.ServerConfig{Transport: "grpc"}}},
		{"bearer without token", models.SpellConfig{Name: "w", Version: "1", Keywords: []string{"a", "b", "c"},
			Server: models.ServerConfig{Transport: models.TransportHTTP, URL: "https://x",
				Auth: &models.AuthConfig{Kind: models.AuthBearer}}}},
		{"client_credentials incomplete", models.SpellConfig{Name: "w", Version: "1", Keywords: []string{"a", "b", "c"},
			Server: models.ServerConfig{Transport: models.TransportHTTP, URL: "https://x",
				Auth: &models.AuthConfig{Kind: models.AuthClientCredentials, ClientID: "id"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := Validate(&tc.cfg); err == nil {
				t.Errorf("Validate() accepted invalid config: %s", tc.name)
			}
		})
	}
}

func TestLoadDirSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	writeSpell(t, dir, "weather-api.spell.yaml", weatherSpell)
	writeSpell(t, dir, "broken.spell.yaml", "name: [not a string\n")
	writeSpell(t, dir, "ignored.yaml", weatherSpell) // wrong suffix

	configs, errs := LoadDir(dir)
	if len(configs) != 1 {
		t.Fatalf("LoadDir() loaded %d configs, want 1", len(configs))
	}
	if configs[0].Name != "weather-api" {
		t.Errorf("loaded %q", configs[0].Name)
	}
	if len(errs) != 1 {
		t.Errorf("LoadDir() errs = %v, want exactly the broken file", errs)
	}
}

func TestHashTracksIndexableText(t *testing.T) {
	cfg, err := LoadFile(writeSpell(t, t.TempDir(), "weather-api.spell.yaml", weatherSpell))
	if err != nil {
		t.Fatal(err)
	}

	h1 := Hash(cfg)
	if len(h1) != 32 {
		t.Fatalf("Hash() length = %d, want 32", len(h1))
	}
	if !bytes.Equal(h1, Hash(cfg)) {
		t.Error("Hash() not stable for identical config")
	}

	changed := cfg.Clone()
	changed.Description = "something else entirely"
	if bytes.Equal(h1, Hash(changed)) {
		t.Error("description change must change the hash")
	}

	// Fields outside the indexable text leave the hash alone.
	rewired := cfg.Clone()
	rewired.Server.Command = "other-binary"
	if !bytes.Equal(h1, Hash(rewired)) {
		t.Error("server changes must not change the indexable-text hash")
	}
}

func TestSpellNameFromPath(t *testing.T) {
	if got := SpellNameFromPath("/some/dir/weather-api.spell.yaml"); got != "weather-api" {
		t.Errorf("SpellNameFromPath() = %q, want weather-api", got)
	}
	if got := SpellNameFromPath("/some/dir/notes.yaml"); got != "" {
		t.Errorf("SpellNameFromPath(non-spell) = %q, want empty", got)
	}
}

func TestCatalogSetGetRemove(t *testing.T) {
	c := New()
	cfg := &models.SpellConfig{Name: "weather-api", Version: "1", Keywords: []string{"a", "b", "c"},
		Server: models.ServerConfig{Transport: models.TransportStdio, Command: "x"}}

	c.Set(cfg)
	if c.Get("weather-api") == nil {
		t.Fatal("Get() after Set() = nil")
	}
	if got := c.Names(); len(got) != 1 || got[0] != "weather-api" {
		t.Errorf("Names() = %v", got)
	}

	c.Remove("weather-api")
	if c.Get("weather-api") != nil {
		t.Error("Get() after Remove() should be nil")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}
