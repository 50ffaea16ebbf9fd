package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chatrelay/chathub/internal/auth"
	"github.com/chatrelay/chathub/internal/broker"
	"github.com/chatrelay/chathub/internal/config"
	"github.com/chatrelay/chathub/internal/httpapi"
	"github.com/chatrelay/chathub/internal/hub"
	"github.com/chatrelay/chathub/internal/presence"
	"github.com/chatrelay/chathub/internal/registry"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	log.Info().Str("version", version).Str("commit", commit).Str("env", cfg.ServerEnv).Msg("Starting chathub")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := broker.Connect(ctx, cfg.BrokerURL, cfg.BrokerDialTimeout, cfg.BrokerConnectRetries, cfg.BrokerConnectDelay, cfg.BrokerRequired, log.Logger)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer func() { _ = b.Close() }()

	if b.Configured() {
		log.Info().Msg("Broker connected")
	} else {
		log.Warn().Msg("Running in single-node mode; presence and message fan-out are local only")
	}

	nodeID := uuid.NewString()
	verifier := auth.NewVerifier(cfg.JWTSecret)
	reg := registry.New()
	presenceCounter := presence.NewCounter(b.Client())

	h := hub.New(nodeID, verifier, reg, presenceCounter, b, cfg.AuthWaitTimeout, log.Logger)

	go runWithBackoff(ctx, "broker-subscriber", h.Run)

	app := httpapi.New(cfg, h, b, log.Logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down")
		cancel()
		h.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort)
	log.Info().Str("addr", addr).Str("node_id", nodeID).Msg("Listening")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// runWithBackoff runs fn in a loop, restarting with exponential backoff when it returns a non-nil, non-cancelled
// error. If fn returns nil or context.Canceled the goroutine exits. The delay starts at 1 second and doubles on each
// consecutive failure up to a 1-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("Background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}
