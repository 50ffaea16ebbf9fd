package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"BIND_HOST", "BIND_PORT", "SERVER_ENV", "JWT_SECRET",
		"BROKER_URL", "BROKER_REQUIRED", "BROKER_DIAL_TIMEOUT",
		"BROKER_CONNECT_RETRIES", "BROKER_CONNECT_DELAY",
		"AUTH_WAIT_TIMEOUT", "MAX_FRAME_BYTES", "MAX_CONNECTIONS",
		"RATE_LIMIT_WS_UPGRADES", "RATE_LIMIT_WS_WINDOW_SECONDS",
		"CORS_ALLOW_ORIGINS",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "a-secret-that-is-at-least-32-characters-long")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindPort != 8080 {
		t.Errorf("BindPort = %d, want 8080", cfg.BindPort)
	}
	if cfg.BrokerConfigured() {
		t.Errorf("BrokerConfigured() = true, want false with no BROKER_URL")
	}
	if cfg.AuthWaitTimeout != 5*time.Second {
		t.Errorf("AuthWaitTimeout = %v, want 5s", cfg.AuthWaitTimeout)
	}
	if cfg.MaxFrameBytes != 1<<20 {
		t.Errorf("MaxFrameBytes = %d, want %d", cfg.MaxFrameBytes, 1<<20)
	}
}

func TestLoad_MissingSecret(t *testing.T) {
	clearEnv(t)

	if _, err := Load(); err == nil {
		t.Fatal("Load() expected error for missing JWT_SECRET, got nil")
	}
}

func TestLoad_ShortSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "too-short")

	if _, err := Load(); err == nil {
		t.Fatal("Load() expected error for short JWT_SECRET, got nil")
	}
}

func TestLoad_BrokerRequiredWithoutURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "a-secret-that-is-at-least-32-characters-long")
	t.Setenv("BROKER_REQUIRED", "true")

	if _, err := Load(); err == nil {
		t.Fatal("Load() expected error when BROKER_REQUIRED is set without BROKER_URL, got nil")
	}
}

func TestLoad_InvalidInt(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "a-secret-that-is-at-least-32-characters-long")
	t.Setenv("BIND_PORT", "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("Load() expected error for invalid BIND_PORT, got nil")
	}
}

func TestIsDevelopment(t *testing.T) {
	cfg := &Config{ServerEnv: "development"}
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment() = false, want true")
	}
	cfg.ServerEnv = "production"
	if cfg.IsDevelopment() {
		t.Error("IsDevelopment() = true, want false")
	}
}
