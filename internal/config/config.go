package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
)

// EnvPrefix namespaces the environment overrides.
const EnvPrefix = "CHATSYNC_"

// Duration is a time.Duration written as "30s" in TOML and the environment.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	UserID      string `toml:"user_id" env:"USER_ID"`
	DefaultMode string `toml:"default_mode" env:"DEFAULT_MODE"`
	ProfileID   string `toml:"profile_id" env:"PROFILE_ID"`
	LogLevel    string `toml:"log_level" env:"LOG_LEVEL"`
	MetricsAddr string `toml:"metrics_addr" env:"METRICS_ADDR"`

	Remote Remote `toml:"remote" envPrefix:"REMOTE_"`
	Sync   Sync   `toml:"sync" envPrefix:"SYNC_"`
}

// Remote configures the remote chat service client.
type Remote struct {
	BaseURL        string   `toml:"base_url" env:"BASE_URL"`
	Token          string   `toml:"token" env:"TOKEN"`
	RequestTimeout Duration `toml:"request_timeout" env:"REQUEST_TIMEOUT"`
	FetchTimeout   Duration `toml:"fetch_timeout" env:"FETCH_TIMEOUT"`
}

// Sync configures the upload queue. An Interval of zero disables the
// periodic pass.
type Sync struct {
	Interval    Duration `toml:"interval" env:"INTERVAL"`
	OutboxLimit int      `toml:"outbox_limit" env:"OUTBOX_LIMIT"`
}

// Default returns a config with every default filled in.
func Default() *Config {
	return &Config{
		DefaultMode: "chat",
		LogLevel:    "info",
		Remote: Remote{
			RequestTimeout: Duration(8 * time.Second),
			FetchTimeout:   Duration(5 * time.Second),
		},
		Sync: Sync{
			Interval:    Duration(30 * time.Second),
			OutboxLimit: 500,
		},
	}
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: want debug, info, warn or error", c.LogLevel)
	}
	if c.Remote.RequestTimeout < 0 || c.Remote.FetchTimeout < 0 {
		return errors.New("remote timeouts must not be negative")
	}
	if c.Sync.Interval < 0 {
		return errors.New("sync.interval must not be negative")
	}
	if c.Sync.OutboxLimit < 0 {
		return errors.New("sync.outbox_limit must not be negative")
	}
	return nil
}

// Load reads config from the given path on top of the defaults, then
// applies CHATSYNC_* environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
