// Package config loads the attendsync daemon configuration from YAML with
// environment overrides, builds the process logger, and watches the config
// file for endpoint changes.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ATTENDSYNC_"

// StorageConfig selects the durable key-value backend.
type StorageConfig struct {
	DSN       string `yaml:"dsn"`
	Namespace string `yaml:"namespace"`
}

// RemoteConfig holds the remote records service settings.
type RemoteConfig struct {
	Endpoint       string `yaml:"endpoint"`
	RequestTimeout string `yaml:"request_timeout"`
}

// SyncConfig tunes the delivery and reconciliation loops.
type SyncConfig struct {
	ProcessInterval string  `yaml:"process_interval"`
	PollInterval    string  `yaml:"poll_interval"`
	PollJitter      float64 `yaml:"poll_jitter"`
	BackoffMin      string  `yaml:"backoff_min"`
	BackoffMax      string  `yaml:"backoff_max"`
}

// APIConfig holds the local HTTP API settings.
type APIConfig struct {
	Listen          string `yaml:"listen"`
	Token           string `yaml:"token"`
	RateLimitMax    int    `yaml:"rate_limit_max"`
	RateLimitWindow string `yaml:"rate_limit_window"`
	MaxBodyBytes    int64  `yaml:"max_body_bytes"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config is the top-level configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Remote  RemoteConfig  `yaml:"remote"`
	Sync    SyncConfig    `yaml:"sync"`
	API     APIConfig     `yaml:"api"`
	Logging LoggingConfig `yaml:"logging"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			DSN:       "file://./attendsync-data",
			Namespace: "default",
		},
		Remote: RemoteConfig{
			RequestTimeout: "30s",
		},
		Sync: SyncConfig{
			ProcessInterval: "2s",
			PollInterval:    "15s",
			PollJitter:      0,
			BackoffMin:      "5s",
			BackoffMax:      "30s",
		},
		API: APIConfig{
			Listen:          "127.0.0.1:8787",
			RateLimitMax:    0,
			RateLimitWindow: "1m",
			MaxBodyBytes:    1 << 20,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stderr",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// ParseDuration parses a duration string, returning defaultDuration when the
// input is empty, "0", or malformed.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil || d < 0 {
		if logger != nil {
			logger.Warn("invalid duration, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from r on top of Defaults. A nil reader or empty
// input yields the defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := Defaults()
	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file. A missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return Load(nil)
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// ApplyEnv overlays ATTENDSYNC_* variables read through lookup onto cfg.
// Passing nil uses os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("STORAGE_DSN", &c.Storage.DSN)
	str("NAMESPACE", &c.Storage.Namespace)
	str("REMOTE_ENDPOINT", &c.Remote.Endpoint)
	str("REQUEST_TIMEOUT", &c.Remote.RequestTimeout)
	str("PROCESS_INTERVAL", &c.Sync.ProcessInterval)
	str("POLL_INTERVAL", &c.Sync.PollInterval)
	str("BACKOFF_MIN", &c.Sync.BackoffMin)
	str("BACKOFF_MAX", &c.Sync.BackoffMax)
	str("LISTEN", &c.API.Listen)
	str("TOKEN", &c.API.Token)
	str("RATE_LIMIT_WINDOW", &c.API.RateLimitWindow)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_OUTPUT", &c.Logging.Output)
	str("LOG_FILE", &c.Logging.File)

	if v, ok := lookup(EnvPrefix + "POLL_JITTER"); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("invalid %sPOLL_JITTER %q: %w", EnvPrefix, v, err)
		}
		c.Sync.PollJitter = f
	}
	if v, ok := lookup(EnvPrefix + "RATE_LIMIT_MAX"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %sRATE_LIMIT_MAX %q: %w", EnvPrefix, v, err)
		}
		c.API.RateLimitMax = n
	}
	if v, ok := lookup(EnvPrefix + "MAX_BODY_BYTES"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_BODY_BYTES %q: %w", EnvPrefix, v, err)
		}
		c.API.MaxBodyBytes = n
	}
	return nil
}
