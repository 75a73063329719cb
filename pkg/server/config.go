package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Addr     string `yaml:"addr" toml:"addr"`           // chat TCP bind address (e.g. ":1500")
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"` // /metrics, /healthz, /ws (empty = disabled)
	DBPath   string `yaml:"db_path" toml:"db_path"`     // SQLite audit log path (empty = in-memory)

	WebSocket     bool `yaml:"websocket" toml:"websocket"`           // serve /ws on HTTPAddr
	AnnounceLeave bool `yaml:"announce_leave" toml:"announce_leave"` // broadcast a notice when a client logs out

	HandshakeTimeout   time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`       // bound on waiting for REGISTER (0 = none)
	WriteTimeout       time.Duration `yaml:"write_timeout" toml:"write_timeout"`               // bound on each send (0 = none)
	ReapInterval       time.Duration `yaml:"reap_interval" toml:"reap_interval"`               // broken-session sweep (0 = off)
	MetricsLogInterval time.Duration `yaml:"metrics_log_interval" toml:"metrics_log_interval"` // periodic metrics log (0 = off)

	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:               ":1500",
		HTTPAddr:           ":9602",
		DBPath:             "gorelay.db",
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       10 * time.Second,
		ReapInterval:       30 * time.Second,
		MetricsLogInterval: 60 * time.Second,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("server: config: addr must not be empty")
	}
	if c.WebSocket && c.HTTPAddr == "" {
		return errors.New("server: config: websocket requires http_addr")
	}
	for name, d := range map[string]time.Duration{
		"handshake_timeout":    c.HandshakeTimeout,
		"write_timeout":        c.WriteTimeout,
		"reap_interval":        c.ReapInterval,
		"metrics_log_interval": c.MetricsLogInterval,
	} {
		if d < 0 {
			return fmt.Errorf("server: config: %s must not be negative", name)
		}
	}
	return nil
}

// LoadConfig starts from DefaultConfig, overlays the file at path (YAML
// or TOML, chosen by extension; empty path skips the file) and then
// GORELAY_* environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := decodeConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg = ApplyEnvOverrides(cfg)
	return cfg, nil
}

func decodeConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from operator CLI flag
	if err != nil {
		return fmt.Errorf("server: read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("server: parse config %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("server: parse config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("server: config %s: unsupported extension %q (want .yaml, .yml or .toml)", path, ext)
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the config.
// Variables follow the pattern GORELAY_KEY, e.g. GORELAY_ADDR=:1600.
// Unparseable values are logged and ignored.
func ApplyEnvOverrides(cfg Config) Config {
	str := func(key string, dst *string) {
		if val, ok := os.LookupEnv(key); ok {
			*dst = val
		}
	}
	boolean := func(key string, dst *bool) {
		if val := os.Getenv(key); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				slog.Warn("ignoring invalid environment override", "var", key, "value", val)
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if val := os.Getenv(key); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				slog.Warn("ignoring invalid environment override", "var", key, "value", val)
				return
			}
			*dst = d
		}
	}

	str("GORELAY_ADDR", &cfg.Addr)
	str("GORELAY_HTTP_ADDR", &cfg.HTTPAddr)
	str("GORELAY_DB_PATH", &cfg.DBPath)
	boolean("GORELAY_WEBSOCKET", &cfg.WebSocket)
	boolean("GORELAY_ANNOUNCE_LEAVE", &cfg.AnnounceLeave)
	duration("GORELAY_HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout)
	duration("GORELAY_WRITE_TIMEOUT", &cfg.WriteTimeout)
	duration("GORELAY_REAP_INTERVAL", &cfg.ReapInterval)
	duration("GORELAY_METRICS_LOG_INTERVAL", &cfg.MetricsLogInterval)
	str("GORELAY_LOG_LEVEL", &cfg.LogLevel)
	str("GORELAY_LOG_FORMAT", &cfg.LogFormat)
	return cfg
}
