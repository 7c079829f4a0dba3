package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the Grimoire gateway.
type Config struct {
	// Home is the spell directory. Spell files (<name>.spell.yaml), the
	// embedding store and the optional .env file all live here.
	Home string

	Debug bool
	Trace bool

	// HTTPPort, when > 0, enables the HTTP/SSE gateway surface.
	HTTPPort int

	// APIKey, when set, is required on HTTP surface requests.
	APIKey string

	Lifecycle LifecycleConfig
	Embedding EmbeddingConfig
	Telemetry TelemetryConfig
}

type LifecycleConfig struct {
	// ReapThreshold is the number of idle turns before a used spell is reaped.
	ReapThreshold uint64

	// ProbeTimeoutStdio bounds stdio spawn+handshake (may include a package
	// download on first run, hence the generous default).
	ProbeTimeoutStdio time.Duration

	// ProbeTimeoutRemote bounds http/sse connection establishment.
	ProbeTimeoutRemote time.Duration

	// CallTimeout bounds a single downstream tool invocation.
	CallTimeout time.Duration
}

type EmbeddingConfig struct {
	// Provider selects the embedding driver: "ollama", "openai" or "" (auto).
	Provider string
	Endpoint string
	Model    string
	APIKey   string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Home:     resolveHome(),
		Debug:    envBool("GRIMOIRE_DEBUG", false),
		Trace:    envBool("GRIMOIRE_TRACE", false),
		HTTPPort: envInt("GRIMOIRE_HTTP_PORT", 0),
		APIKey:   envStr("GRIMOIRE_API_KEY", ""),
		Lifecycle: LifecycleConfig{
			ReapThreshold:      uint64(envInt("GRIMOIRE_REAP_THRESHOLD", 5)),
			ProbeTimeoutStdio:  envDur("GRIMOIRE_PROBE_TIMEOUT_STDIO", 30*time.Second),
			ProbeTimeoutRemote: envDur("GRIMOIRE_PROBE_TIMEOUT_REMOTE", 10*time.Second),
			CallTimeout:        envDur("GRIMOIRE_CALL_TIMEOUT", 60*time.Second),
		},
		Embedding: EmbeddingConfig{
			Provider: envStr("GRIMOIRE_EMBEDDING_PROVIDER", ""),
			Endpoint: envStr("GRIMOIRE_EMBEDDING_ENDPOINT", ""),
			Model:    envStr("GRIMOIRE_EMBEDDING_MODEL", ""),
			APIKey:   envStr("OPENAI_API_KEY", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "grimoire-gateway"),
		},
	}
}

// resolveHome returns the spell directory: GRIMOIRE_HOME if set (relative
// paths resolve against the current working directory), else $HOME/.grimoire.
func resolveHome() string {
	if dir := os.Getenv("GRIMOIRE_HOME"); dir != "" {
		if abs, err := filepath.Abs(dir); err == nil {
			return abs
		}
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".grimoire"
	}
	return filepath.Join(home, ".grimoire")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
