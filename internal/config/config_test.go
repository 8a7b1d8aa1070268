package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	configContent := `
server:
  port: 9090
  environment: production
  jwt_secret: "${CARELINK_TEST_SECRET}"
store:
  backend: sqlite
  sqlite_path: /var/lib/carelink
  key_prefix: "test:"
  retry_attempts: 5
  retry_backoff: 10ms
responder:
  reply_delay: 500ms
  callback_delay: 1s
  typing_indicator: false
calls:
  max_sessions: 4
log:
  level: debug
`
	t.Setenv("CARELINK_TEST_SECRET", "from-env")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(configContent), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.JWTSecret != "from-env" {
		t.Errorf("expected expanded secret, got %q", cfg.Server.JWTSecret)
	}
	if cfg.Store.Backend != BackendSQLite {
		t.Errorf("expected sqlite backend, got %s", cfg.Store.Backend)
	}
	if cfg.Store.RetryBackoff != 10*time.Millisecond {
		t.Errorf("expected 10ms backoff, got %v", cfg.Store.RetryBackoff)
	}
	if cfg.Responder.ReplyDelay != 500*time.Millisecond {
		t.Errorf("expected 500ms reply delay, got %v", cfg.Responder.ReplyDelay)
	}
	if cfg.Responder.TypingIndicator {
		t.Error("typing indicator should be disabled")
	}
	if cfg.Calls.MaxSessions != 4 {
		t.Errorf("expected 4 max sessions, got %d", cfg.Calls.MaxSessions)
	}
	// Not in the file: default survives.
	if !cfg.Responder.CancelOnAppointmentEnd {
		t.Error("cancel on appointment change should keep its default")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg := LoadFromEnv()

	if cfg.Store.Backend != BackendMemory {
		t.Errorf("expected memory backend, got %s", cfg.Store.Backend)
	}
	if cfg.Responder.ReplyDelay != 2*time.Second {
		t.Errorf("expected 2s reply delay, got %v", cfg.Responder.ReplyDelay)
	}
	if cfg.Responder.CallbackDelay != 3*time.Second {
		t.Errorf("expected 3s callback delay, got %v", cfg.Responder.CallbackDelay)
	}
	if cfg.Calls.MaxSessions != 1 {
		t.Errorf("expected single call session, got %d", cfg.Calls.MaxSessions)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("REPLY_DELAY", "250ms")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("TYPING_INDICATOR", "false")

	cfg := LoadFromEnv()
	if cfg.Server.Port != 7000 {
		t.Errorf("expected port 7000, got %d", cfg.Server.Port)
	}
	if cfg.Responder.ReplyDelay != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", cfg.Responder.ReplyDelay)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("unexpected origins %v", cfg.Server.CORSOrigins)
	}
	if cfg.Responder.TypingIndicator {
		t.Error("expected typing indicator off")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "dynamo" }, "unknown store backend"},
		{"postgres without url", func(c *Config) { c.Store.Backend = BackendPostgres; c.Store.PostgresURL = "" }, "postgres_url"},
		{"zero sessions", func(c *Config) { c.Calls.MaxSessions = 0 }, "max_sessions"},
		{"negative delay", func(c *Config) { c.Responder.ReplyDelay = -time.Second }, "delays"},
		{"empty secret", func(c *Config) { c.Server.JWTSecret = "" }, "jwt_secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadFromEnv()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
