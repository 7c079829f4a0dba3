// Grimoire is a lazy-loading MCP gateway.
//
// The gateway advertises a tiny stable tool surface (resolve_intent,
// activate_spell) to the client, resolves natural-language intent against a
// catalog of configured downstream tool servers, and spawns only the servers
// the client actually needs. Idle servers are reaped on a turn-based clock.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grimoirelabs/grimoire/internal/config"
	"github.com/grimoirelabs/grimoire/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Stdout belongs to the MCP transport; all logging goes to stderr.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()
	switch {
	case cfg.Trace:
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case cfg.Debug:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("home", cfg.Home).Msg("Grimoire gateway starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize gateway")
		os.Exit(1)
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info().Msg("Shutting down gracefully")
		cancel()
	}()

	runErr := srv.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Shutdown finished with errors")
	}

	if runErr != nil && runErr != context.Canceled {
		log.Error().Err(runErr).Msg("Gateway terminated with error")
		os.Exit(1)
	}
}
