// Package config loads lipu settings from a TOML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Log contains logging configuration.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text or json
}

// Storage selects the persistence backend.
type Storage struct {
	Backend string `toml:"backend"` // json or sqlite
}

// HTTP contains settings for outgoing requests.
type HTTP struct {
	TimeoutSeconds int    `toml:"timeout_seconds"`
	UserAgent      string `toml:"user_agent"`
}

// Refresh controls how feeds are fetched.
type Refresh struct {
	Concurrency     int  `toml:"concurrency"`
	IsolateFailures bool `toml:"isolate_failures"`
	DomainDelayMS   int  `toml:"domain_delay_ms"`
}

// Server contains settings for `lipu serve`.
type Server struct {
	Bind string `toml:"bind"`
	// PollIntervalMinutes refreshes the library in the background. Zero disables it.
	PollIntervalMinutes int `toml:"poll_interval_minutes"`
}

// Config is the full lipu configuration.
type Config struct {
	DataDir string  `toml:"data_dir"`
	Log     Log     `toml:"log"`
	Storage Storage `toml:"storage"`
	HTTP    HTTP    `toml:"http"`
	Refresh Refresh `toml:"refresh"`
	Server  Server  `toml:"server"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		DataDir: defaultDataDir(),
		Log:     Log{Level: "info", Format: "text"},
		Storage: Storage{Backend: "json"},
		HTTP:    HTTP{TimeoutSeconds: 30},
		Refresh: Refresh{Concurrency: 1, DomainDelayMS: 500},
		Server:  Server{Bind: "127.0.0.1:8080"},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "lipu")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "lipu-data"
	}
	return filepath.Join(home, ".local", "share", "lipu")
}

// DefaultPath returns the config file location used when none is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "lipu.toml"
	}
	return filepath.Join(dir, "lipu", "config.toml")
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LIPU_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("LIPU_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LIPU_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if strings.HasPrefix(c.DataDir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, c.DataDir[2:])
		}
	}
	if c.Refresh.Concurrency < 1 {
		c.Refresh.Concurrency = 1
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir cannot be empty")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json', got %q", c.Log.Format)
	}
	switch c.Storage.Backend {
	case "json", "sqlite":
	default:
		return fmt.Errorf("storage.backend must be 'json' or 'sqlite', got %q", c.Storage.Backend)
	}
	if c.HTTP.TimeoutSeconds < 0 {
		return errors.New("http.timeout_seconds cannot be negative")
	}
	if c.Server.PollIntervalMinutes < 0 {
		return errors.New("server.poll_interval_minutes cannot be negative")
	}
	if c.Refresh.DomainDelayMS < 0 {
		return errors.New("refresh.domain_delay_ms cannot be negative")
	}
	return nil
}

// HTTPTimeout returns the request timeout as a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// DomainDelay returns the per-host request spacing as a duration.
func (c Config) DomainDelay() time.Duration {
	return time.Duration(c.Refresh.DomainDelayMS) * time.Millisecond
}

// PollInterval returns the background refresh interval, or zero when disabled.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Server.PollIntervalMinutes) * time.Minute
}

// Encode renders cfg as TOML.
func Encode(cfg Config) ([]byte, error) {
	return toml.Marshal(cfg)
}
