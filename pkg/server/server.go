// Package server is the composition root for the Grimoire gateway: it wires
// the store, embedding driver, resolver, lifecycle manager, router and
// facade, and runs the client transports (stdio always; HTTP/SSE when
// configured).
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/grimoirelabs/grimoire/internal/api"
	"github.com/grimoirelabs/grimoire/internal/catalog"
	"github.com/grimoirelabs/grimoire/internal/config"
	"github.com/grimoirelabs/grimoire/internal/embeddings"
	"github.com/grimoirelabs/grimoire/internal/gateway"
	"github.com/grimoirelabs/grimoire/internal/lifecycle"
	"github.com/grimoirelabs/grimoire/internal/resolver"
	"github.com/grimoirelabs/grimoire/internal/router"
	"github.com/grimoirelabs/grimoire/internal/store"
	"github.com/grimoirelabs/grimoire/internal/telemetry"
	"github.com/grimoirelabs/grimoire/internal/watcher"
	"github.com/grimoirelabs/grimoire/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// defaultDimension is the index dimensionality used when no embedding
// driver is reachable.
const defaultDimension = 384

// Server holds the initialized gateway and its transports.
type Server struct {
	Config    *config.Config
	Gateway   *gateway.Gateway
	Store     *store.Store
	Lifecycle *lifecycle.Manager
	Catalog   *catalog.Catalog

	watch       *watcher.Watcher
	httpHandler http.Handler

	shutdownTelemetry func(context.Context) error
}

// New initializes all components. Startup failures here are fatal to the
// process; per-request failures later are not.
func New(ctx context.Context) (*Server, error) {
	cfg := config.Load()

	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return nil, fmt.Errorf("create spell directory %s: %w", cfg.Home, err)
	}
	loadDotEnv(cfg.Home)

	shutdownTel, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	driver := buildEmbeddingDriver(ctx, cfg.Embedding)

	modelName := "keyword-only"
	dimension := defaultDimension
	if driver != nil {
		modelName = fmt.Sprintf("%s-%dd", driver.Kind(), driver.Dimensions())
		if cfg.Embedding.Model != "" {
			modelName = fmt.Sprintf("%s:%s-%dd", driver.Kind(), cfg.Embedding.Model, driver.Dimensions())
		}
		dimension = driver.Dimensions()
	}

	st := store.New(cfg.Home, modelName, dimension)
	st.Load()

	lm := lifecycle.NewManager(st,
		lifecycle.WithProbeTimeouts(cfg.Lifecycle.ProbeTimeoutStdio, cfg.Lifecycle.ProbeTimeoutRemote),
	)
	lm.LoadFromStorage()

	res := resolver.New(st, driver)
	cat := catalog.New()

	configs, errs := catalog.LoadDir(cfg.Home)
	for _, sc := range configs {
		cat.Set(sc)
		res.IndexSpell(ctx, sc)
	}
	log.Info().Int("spells", cat.Len()).Int("skipped", len(errs)).Str("dir", cfg.Home).Msg("Spell catalog loaded")

	rt := router.New()
	gw := gateway.New(cat, res, lm, rt, cfg.Lifecycle.ReapThreshold,
		gateway.WithCallTimeout(cfg.Lifecycle.CallTimeout))

	w, err := watcher.New(cfg.Home)
	if err != nil {
		return nil, fmt.Errorf("watch spell directory: %w", err)
	}

	srv := &Server{
		Config:            cfg,
		Gateway:           gw,
		Store:             st,
		Lifecycle:         lm,
		Catalog:           cat,
		watch:             w,
		shutdownTelemetry: shutdownTel,
	}

	if cfg.HTTPPort > 0 {
		srv.httpHandler = api.NewRouter(gw, cfg.APIKey)
	}

	return srv, nil
}

// Run starts the serializer, the watcher and the client transports. It
// returns when the stdio client disconnects, or when the next stdio line
// arrives after ctx has been cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.watch.Run(ctx)
	go s.Gateway.Run(ctx, s.watch.Events())

	var httpServer *http.Server
	if s.httpHandler != nil {
		httpServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", s.Config.HTTPPort),
			Handler:      s.httpHandler,
			ReadTimeout:  30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			log.Info().Int("port", s.Config.HTTPPort).Msg("HTTP gateway surface listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("HTTP surface failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	stdio := NewStdioTransport(s.Gateway, os.Stdin, os.Stdout)
	return stdio.Run(ctx)
}

// Shutdown tears down downstream servers, flushes the store and telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Lifecycle.KillAll()
	if err := s.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("Final store flush failed")
	}
	if s.shutdownTelemetry != nil {
		return s.shutdownTelemetry(ctx)
	}
	return nil
}

// buildEmbeddingDriver registers the available embedding drivers and selects
// the configured one. A provider that cannot be reached at startup leaves the
// gateway in keyword-only mode; resolution still works, with match types
// forced to keyword.
func buildEmbeddingDriver(ctx context.Context, cfg config.EmbeddingConfig) contracts.EmbeddingDriver {
	reg := embeddings.NewRegistry()

	if cfg.APIKey != "" {
		model := cfg.Model
		if model == "" {
			model = "text-embedding-3-small"
		}
		var opts []embeddings.OpenAIOption
		if cfg.Endpoint != "" {
			opts = append(opts, embeddings.WithOpenAIEndpoint(cfg.Endpoint))
		}
		reg.Register("openai", embeddings.NewOpenAIDriver(cfg.APIKey, model, defaultDimension, opts...))
	}

	ollamaModel := cfg.Model
	if ollamaModel == "" {
		ollamaModel = "all-minilm"
	}
	reg.Register("ollama", embeddings.NewOllamaDriver(cfg.Endpoint, ollamaModel))

	provider := cfg.Provider
	if provider == "" {
		if cfg.APIKey != "" {
			provider = "openai"
		} else {
			provider = "ollama"
		}
	}

	driver, err := reg.Get(provider)
	if err != nil {
		log.Warn().Str("provider", provider).Strs("registered", reg.List()).Msg("Unknown embedding provider, running keyword-only")
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := driver.HealthCheck(probeCtx); err != nil {
		log.Warn().Err(err).Str("provider", provider).Msg("Embedding provider unreachable, running keyword-only")
		return nil
	}

	log.Info().Str("provider", provider).Int("dims", driver.Dimensions()).Msg("Embedding provider ready")
	return driver
}
