package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Credentials.Backend != BackendService || cfg.Watch.Interval != time.Minute || cfg.Watch.Margin != 5*time.Minute {
		t.Fatalf("defaults = %+v", cfg)
	}
	if !cfg.Store.Outbox || cfg.NATS.Stream != "NERVE_EVENTS" {
		t.Fatalf("sink defaults = %+v %+v", cfg.Store, cfg.NATS)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if !errors.Is(cfg.RequireSink(), ErrNoSink) {
		t.Fatalf("expected ErrNoSink without sinks")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
credentials:
  backend: keyring
nats:
  url: nats://file:4222
store:
  path: /tmp/events.db
  outbox: false
watch:
  interval: 30s
log:
  level: debug
`)
	t.Setenv("NERVE_NATS_URL", "nats://env:4222")
	t.Setenv("INSILICA_AUTH_URL", "http://auth.internal:8000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NATS.URL != "nats://env:4222" {
		t.Fatalf("env must override file, got %q", cfg.NATS.URL)
	}
	if cfg.Auth.URL != "http://auth.internal:8000" {
		t.Fatalf("legacy auth env ignored: %q", cfg.Auth.URL)
	}
	if cfg.Credentials.Backend != BackendKeyring || cfg.Store.Path != "/tmp/events.db" || cfg.Store.Outbox {
		t.Fatalf("file values = %+v", cfg)
	}
	if cfg.Watch.Interval != 30*time.Second {
		t.Fatalf("interval = %s", cfg.Watch.Interval)
	}
	level, err := cfg.LogLevel()
	if err != nil || level != slog.LevelDebug {
		t.Fatalf("level = %v err=%v", level, err)
	}
	if err := cfg.RequireSink(); err != nil {
		t.Fatalf("sink configured: %v", err)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfig(t, "nats: [unclosed\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Auth:        AuthConfig{URL: "http://localhost:8000"},
			Credentials: CredentialsConfig{Backend: BackendService},
			Log:         LogConfig{Level: "info"},
			Watch:       WatchConfig{Interval: time.Minute, Margin: 5 * time.Minute},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "valid", mutate: func(*Config) {}, ok: true},
		{name: "keyring without auth url", mutate: func(c *Config) { c.Credentials.Backend = BackendKeyring; c.Auth.URL = "" }, ok: true},
		{name: "service without auth url", mutate: func(c *Config) { c.Auth.URL = "" }},
		{name: "unknown backend", mutate: func(c *Config) { c.Credentials.Backend = "vault" }},
		{name: "zero interval", mutate: func(c *Config) { c.Watch.Interval = 0 }},
		{name: "negative margin", mutate: func(c *Config) { c.Watch.Margin = -time.Second }},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(c)
			err := c.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
