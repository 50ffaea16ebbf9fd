// Package config loads ChatHub's process configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds application configuration populated from environment variables.
type Config struct {
	// Core
	BindHost string
	BindPort int
	ServerEnv string // "development" or "production"

	// Auth
	JWTSecret string

	// Broker (Redis/Valkey). BrokerURL empty means single-node mode.
	BrokerURL              string
	BrokerRequired         bool
	BrokerDialTimeout      time.Duration
	BrokerConnectRetries   int
	BrokerConnectDelay     time.Duration

	// Gateway
	AuthWaitTimeout time.Duration
	MaxFrameBytes   int64
	MaxConnections  int

	// Rate limiting of the /ws upgrade endpoint itself (ambient abuse protection,
	// not chat-message rate limiting, which is out of scope).
	RateLimitWSUpgrades      int
	RateLimitWSWindowSeconds int

	CORSAllowOrigins string
}

// Load reads configuration from environment variables with sane development defaults. It returns an error if any
// variable is set but cannot be parsed, or if a required security value is missing.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		BindHost:  envStr("BIND_HOST", "0.0.0.0"),
		BindPort:  p.int("BIND_PORT", 8080),
		ServerEnv: envStr("SERVER_ENV", "production"),

		JWTSecret: envStr("JWT_SECRET", ""),

		BrokerURL:            envStr("BROKER_URL", ""),
		BrokerRequired:       p.bool("BROKER_REQUIRED", false),
		BrokerDialTimeout:    p.duration("BROKER_DIAL_TIMEOUT", 5*time.Second),
		BrokerConnectRetries: p.int("BROKER_CONNECT_RETRIES", 3),
		BrokerConnectDelay:   p.duration("BROKER_CONNECT_DELAY", 2*time.Second),

		AuthWaitTimeout: p.duration("AUTH_WAIT_TIMEOUT", 5*time.Second),
		MaxFrameBytes:   p.int64("MAX_FRAME_BYTES", 1<<20),
		MaxConnections:  p.int("MAX_CONNECTIONS", 10000),

		RateLimitWSUpgrades:      p.int("RATE_LIMIT_WS_UPGRADES", 30),
		RateLimitWSWindowSeconds: p.int("RATE_LIMIT_WS_WINDOW_SECONDS", 60),

		CORSAllowOrigins: envStr("CORS_ALLOW_ORIGINS", "*"),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.ServerEnv == "development"
}

// BrokerConfigured returns true when a broker URL has been set.
func (c *Config) BrokerConfigured() bool {
	return c.BrokerURL != ""
}

func (c *Config) validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	} else if len(c.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least 32 characters"))
	}

	if c.BindPort < 1 || c.BindPort > 65535 {
		errs = append(errs, fmt.Errorf("BIND_PORT must be between 1 and 65535"))
	}

	if c.BrokerRequired && c.BrokerURL == "" {
		errs = append(errs, fmt.Errorf("BROKER_URL is required when BROKER_REQUIRED is set"))
	}

	if c.BrokerConnectRetries < 1 {
		errs = append(errs, fmt.Errorf("BROKER_CONNECT_RETRIES must be at least 1"))
	}

	if c.AuthWaitTimeout < time.Second {
		errs = append(errs, fmt.Errorf("AUTH_WAIT_TIMEOUT must be at least 1s"))
	}

	if c.MaxFrameBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_FRAME_BYTES must be greater than 0"))
	}

	if c.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONNECTIONS must be at least 1"))
	}

	if c.RateLimitWSUpgrades < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WS_UPGRADES must be at least 1"))
	}
	if c.RateLimitWSWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WS_WINDOW_SECONDS must be at least 1"))
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) int64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected boolean)", key, v))
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected duration like \"5s\" or \"1m\")", key, v))
		return fallback
	}
	return d
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
