package server

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grimoirelabs/grimoire/internal/catalog"
	"github.com/grimoirelabs/grimoire/internal/gateway"
	"github.com/grimoirelabs/grimoire/internal/lifecycle"
	"github.com/grimoirelabs/grimoire/internal/resolver"
	"github.com/grimoirelabs/grimoire/internal/router"
	"github.com/grimoirelabs/grimoire/internal/store"
)

func newTestGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	st := store.New(t.TempDir(), "test", 4)
	gw := gateway.New(catalog.New(), resolver.New(st, nil), lifecycle.NewManager(st), router.New(), 5)
	ctx, cancel := context.WithCancel(context.Background())
	go gw.Run(ctx, nil)
	t.Cleanup(cancel)
	return gw
}

func TestStdioRequestResponse(t *testing.T) {
	gw := newTestGateway(t)

	input := strings.Join([]string{
		`{"jsonrpc":"2.0","method":"initialize","id":1}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"tools/list","id":2}`,
		`this is not json`,
		`{"jsonrpc":"2.0","method":"ping","id":3}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	transport := NewStdioTransport(gw, strings.NewReader(input), &out)
	if err := transport.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	// initialize, tools/list, parse error, ping; the notification gets none.
	if len(lines) != 4 {
		t.Fatalf("got %d response lines, want 4: %v", len(lines), lines)
	}

	var initResp struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
			ServerInfo      struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
		ID int `json:"id"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &initResp); err != nil {
		t.Fatalf("initialize response not JSON: %v", err)
	}
	if initResp.Result.ServerInfo.Name != "grimoire-gateway" || initResp.ID != 1 {
		t.Errorf("initialize response = %+v", initResp)
	}

	var listResp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &listResp); err != nil {
		t.Fatalf("tools/list response not JSON: %v", err)
	}
	names := make([]string, 0, 2)
	for _, tool := range listResp.Result.Tools {
		names = append(names, tool.Name)
	}
	if len(names) != 2 {
		t.Errorf("empty-catalog surface = %v, want the two meta-tools", names)
	}

	var errResp struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(lines[2]), &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Error == nil || errResp.Error.Code != -32700 {
		t.Errorf("parse error response = %s", lines[2])
	}
}

func TestStdioNotification(t *testing.T) {
	gw := newTestGateway(t)
	var out bytes.Buffer
	transport := NewStdioTransport(gw, strings.NewReader(""), &out)
	// Run drains the empty input immediately.
	if err := transport.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	transport.notifyListChanged()
	got := strings.TrimSpace(out.String())
	want := `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`
	if got != want {
		t.Errorf("notification = %s, want %s", got, want)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	content := "# comment\nGRIMOIRE_TEST_ALPHA=one\nGRIMOIRE_TEST_QUOTED=\"two words\"\n\nBROKEN-LINE\n"
	if err := writeFile(dir, ".env", content); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GRIMOIRE_TEST_ALPHA", "")
	t.Setenv("GRIMOIRE_TEST_QUOTED", "")
	t.Setenv("GRIMOIRE_TEST_PRESET", "keep-me")
	if err := writeFile(dir, ".env", content+"GRIMOIRE_TEST_PRESET=overwritten\n"); err != nil {
		t.Fatal(err)
	}

	loadDotEnv(dir)

	if got := envValue("GRIMOIRE_TEST_ALPHA"); got != "one" {
		t.Errorf("ALPHA = %q, want one", got)
	}
	if got := envValue("GRIMOIRE_TEST_QUOTED"); got != "two words" {
		t.Errorf("QUOTED = %q, want two words", got)
	}
	if got := envValue("GRIMOIRE_TEST_PRESET"); got != "keep-me" {
		t.Errorf("PRESET = %q: environment must win over .env", got)
	}
}

func writeFile(dir, name, content string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600)
}

func envValue(key string) string {
	return os.Getenv(key)
}
