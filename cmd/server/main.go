// OpenRelay — an OpenAI-compatible gateway in front of multiple LLM
// providers.
//
// This is the main entry point for the gateway server. It provides:
//   - OpenAI-compatible /v1/chat/completions with provider failover
//   - Smart routing (/v1/smart) that picks the model per request
//   - Two-tier response caching (Redis hot tier, Postgres cold tier)
//   - Calendar-window rate limiting per tenant
//   - A usage ledger with analytics and cost alerts

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openrelay/openrelay/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("OpenRelay gateway starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}
	defer srv.Store.Close()
	defer srv.ShutdownFunc(context.Background())

	// Background workers: usage writer and alert evaluator.
	go srv.Run(ctx)

	// Start HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully...")
		cancel()
		shutdownCtx, scancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer scancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().
		Int("port", srv.Port).
		Msg("OpenRelay is listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
