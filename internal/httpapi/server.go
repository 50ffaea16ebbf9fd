// Package httpapi wires the HTTP surface: the WebSocket upgrade endpoint and a liveness check, behind the same
// middleware stack the rest of the ecosystem uses for Fiber services.
package httpapi

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"

	"github.com/chatrelay/chathub/internal/broker"
	"github.com/chatrelay/chathub/internal/config"
	"github.com/chatrelay/chathub/internal/hub"
	"github.com/chatrelay/chathub/internal/transport"
)

// New builds the Fiber app: middleware stack, health check, and the WebSocket upgrade route.
func New(cfg *config.Config, h *hub.Hub, b *broker.Broker, log zerolog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "chathub",
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "internal error"
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
				message = e.Message
			} else {
				log.Error().Err(err).Str("method", c.Method()).Str("path", c.Path()).Msg("Unhandled request error")
			}
			return c.Status(status).JSON(fiber.Map{"error": message})
		},
	})

	app.Use(requestid.New())
	app.Use(RequestLogger(log, "/healthz"))
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin"},
	}))

	app.Get("/healthz", healthHandler(b))

	wsLimiter := limiter.New(limiter.Config{
		Max:        cfg.RateLimitWSUpgrades,
		Expiration: time.Duration(cfg.RateLimitWSWindowSeconds) * time.Second,
	})
	app.Get("/ws", wsLimiter, upgradeHandler(cfg, h, log))

	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})

	return app
}

// healthHandler reports ok unless a broker is configured and unreachable.
func healthHandler(b *broker.Broker) fiber.Handler {
	return func(c fiber.Ctx) error {
		if !b.Configured() {
			return c.JSON(fiber.Map{"status": "ok", "broker": "unconfigured"})
		}

		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		if err := b.Client().Ping(ctx).Err(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "broker": "unreachable"})
		}
		return c.JSON(fiber.Map{"status": "ok", "broker": "ok"})
	}
}

// upgradeHandler negotiates the WebSocket handshake and hands the connection to the Hub. The token may arrive as a
// ?token= query parameter; if absent, the Hub waits for the first inbound auth frame.
func upgradeHandler(cfg *config.Config, h *hub.Hub, log zerolog.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		token := c.Query("token")
		return websocket.New(func(conn *websocket.Conn) {
			wrapped := transport.Wrap(conn.Conn, cfg.MaxFrameBytes)
			h.ServeConn(context.Background(), wrapped, token)
		})(c)
	}
}
