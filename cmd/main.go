/*
Package main is the entry point for the pairup signaling broker.

It is responsible for loading configuration, initializing the global logging system,
opening the state backend, wiring the pairing, relay and session components to the
WebSocket Hub, serving HTTP, and gracefully handling operating system interrupt
signals (SIGINT, SIGTERM) so open connections are closed before the process exits.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pairup/internal/app/ice"
	"pairup/internal/app/metrics"
	"pairup/internal/app/pairing"
	"pairup/internal/app/relay"
	"pairup/internal/app/session"
	"pairup/internal/app/state"
	"pairup/internal/app/transport"
	"pairup/internal/configs"
	"pairup/internal/handler"
	"pairup/internal/pkg/logx"
	"pairup/internal/pkg/pow"
)

const (
	backendOpenTimeout = 15 * time.Second
	shutdownTimeout    = 10 * time.Second
)

func main() {
	// Load configuration from environment variables
	cfg, err := configs.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize global logger
	logx.InitGlobalLogger(cfg.IsDevelopment())
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Int("pow_difficulty", cfg.PowDifficulty).
		Str("state_backend", cfg.StateBackend).
		Dur("profile_ttl", cfg.ProfileTTL).
		Int("match_max_attempts", cfg.MatchMaxAttempts).
		Msg("Configuration loaded successfully")

	// Create a context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancelOpen := context.WithTimeout(ctx, backendOpenTimeout)
	backend, err := state.Open(openCtx, cfg)
	cancelOpen()
	if err != nil {
		logx.Fatal(err, "Failed to open state backend", "backend", cfg.StateBackend)
	}

	iceProvider, err := ice.NewProvider(cfg)
	if err != nil {
		logx.Fatal(err, "Invalid ICE configuration")
	}

	m := metrics.New()
	hub := transport.NewHub(m)
	engine := pairing.NewEngine(backend, hub,
		pairing.WithMaxAttempts(cfg.MatchMaxAttempts),
		pairing.WithMetrics(m),
	)
	router := relay.NewRouter(backend, hub, m)
	sessions := session.NewCoordinator(backend, hub, engine, router, cfg.ProfileTTL)
	powManager := pow.NewManager(cfg.PowDifficulty)

	// Setup HTTP server and routes
	deps := &handler.AppDeps{
		Config:   cfg,
		Hub:      hub,
		Sessions: sessions,
		Backend:  backend,
		ICE:      iceProvider,
		Pow:      powManager,
		Metrics:  m,
	}

	serverAddr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           handler.Router(deps),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logx.Info(fmt.Sprintf("pairup broker starting on http://localhost%s", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Fatal(err, "Server failed to start")
		}
	}()

	<-ctx.Done()
	logx.Info("Received shutdown signal. Starting graceful shutdown...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logx.Error(err, "HTTP server did not shut down cleanly")
	}

	// Hijacked websocket connections are not covered by server.Shutdown.
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logx.Error(err, "Timed out waiting for clients to disconnect")
	}

	powManager.Stop()

	if err := backend.Close(); err != nil {
		logx.Error(err, "Failed to close state backend")
	}

	logx.Info("Server gracefully stopped.")
}
