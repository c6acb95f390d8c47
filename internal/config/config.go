// Package config loads connector settings from an optional YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendService = "service"
	BackendKeyring = "keyring"
)

// ErrNoSink means neither NATS nor a local store is configured.
var ErrNoSink = errors.New("no event sink configured: set nats.url or store.path")

// AuthConfig points at the credential service.
type AuthConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// CredentialsConfig selects where Google credentials come from.
type CredentialsConfig struct {
	Backend    string `mapstructure:"backend"`
	KeyringDir string `mapstructure:"keyring_dir"`
}

// NATSConfig configures the JetStream sink.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// StoreConfig configures the SQLite sink.
type StoreConfig struct {
	Path   string `mapstructure:"path"`
	Outbox bool   `mapstructure:"outbox"`
}

// APIConfig configures the status API served while watching.
type APIConfig struct {
	Listen  string `mapstructure:"listen"`
	JWKSURL string `mapstructure:"jwks_url"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type WatchConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Margin   time.Duration `mapstructure:"margin"`
}

// Config is the full connector configuration.
type Config struct {
	Auth        AuthConfig        `mapstructure:"auth"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Store       StoreConfig       `mapstructure:"store"`
	API         APIConfig         `mapstructure:"api"`
	Log         LogConfig         `mapstructure:"log"`
	Watch       WatchConfig       `mapstructure:"watch"`
}

// DefaultPath returns ~/.config/nerve-gmail/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "nerve-gmail", "config.yaml")
}

func defaultKeyringDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "keyring")
	}
	return filepath.Join(home, ".config", "nerve-gmail", "keyring")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("auth.url", "http://localhost:8000")
	v.SetDefault("auth.token", "")
	v.SetDefault("credentials.backend", BackendService)
	v.SetDefault("credentials.keyring_dir", defaultKeyringDir())
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "NERVE_EVENTS")
	v.SetDefault("nats.subject_prefix", "nerve.events")
	v.SetDefault("store.path", "")
	v.SetDefault("store.outbox", true)
	v.SetDefault("api.listen", "")
	v.SetDefault("api.jwks_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("watch.interval", 60*time.Second)
	v.SetDefault("watch.margin", 5*time.Minute)
}

// Load reads path (a missing file is not an error) and overlays NERVE_*
// environment variables, e.g. NERVE_NATS_URL. INSILICA_AUTH_URL is honored
// for auth.url.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NERVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("auth.url", "NERVE_AUTH_URL", "INSILICA_AUTH_URL"); err != nil {
		return nil, fmt.Errorf("binding env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Credentials.Backend {
	case BackendService:
		if c.Auth.URL == "" {
			return errors.New("auth.url is required for the service credential backend")
		}
	case BackendKeyring:
	default:
		return fmt.Errorf("unknown credentials.backend %q", c.Credentials.Backend)
	}
	if c.Watch.Interval <= 0 {
		return fmt.Errorf("watch.interval must be positive, got %s", c.Watch.Interval)
	}
	if c.Watch.Margin < 0 {
		return fmt.Errorf("watch.margin must not be negative, got %s", c.Watch.Margin)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// RequireSink fails unless at least one publish sink is configured.
func (c *Config) RequireSink() error {
	if c.NATS.URL == "" && c.Store.Path == "" {
		return ErrNoSink
	}
	return nil
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q: %w", c.Log.Level, err)
	}
	return level, nil
}
