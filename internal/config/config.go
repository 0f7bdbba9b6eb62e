// Package config loads hub configuration from defaults, an optional
// config file and environment variables, in that order of precedence.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the parsed hub configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr" toml:"addr" json:"addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" toml:"log_level" json:"log_level"`

	Redis Redis `yaml:"redis" toml:"redis" json:"redis"`
	Sweep Sweep `yaml:"sweep" toml:"sweep" json:"sweep"`

	// StatsPeriod is the stats broadcaster tick.
	StatsPeriod Duration `yaml:"stats_period" toml:"stats_period" json:"stats_period"`

	// IdleFreshness is the maximum heartbeat age for a worker to receive
	// job notifications.
	IdleFreshness Duration `yaml:"idle_freshness" toml:"idle_freshness" json:"idle_freshness"`
}

// Redis is the connection configuration for the shared store.
type Redis struct {
	Host     string `yaml:"host" toml:"host" json:"host"`
	Port     int    `yaml:"port" toml:"port" json:"port"`
	DB       int    `yaml:"db" toml:"db" json:"db"`
	Password string `yaml:"password" toml:"password" json:"password"`
}

// Addr returns host:port.
func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Sweep holds the reclamation periods and age thresholds.
type Sweep struct {
	// ClaimPeriod is how often expired claims revert to pending.
	ClaimPeriod Duration `yaml:"claim_period" toml:"claim_period" json:"claim_period"`

	// WorkerPeriod is how often worker heartbeats are checked;
	// OutOfServiceAge is the heartbeat age that marks a worker
	// out_of_service.
	WorkerPeriod    Duration `yaml:"worker_period" toml:"worker_period" json:"worker_period"`
	OutOfServiceAge Duration `yaml:"out_of_service_age" toml:"out_of_service_age" json:"out_of_service_age"`

	// DeepPeriod is how often abandoned processing jobs are requeued;
	// MaxHeartbeatAge is the heartbeat age that counts as abandonment.
	DeepPeriod      Duration `yaml:"deep_period" toml:"deep_period" json:"deep_period"`
	MaxHeartbeatAge Duration `yaml:"max_heartbeat_age" toml:"max_heartbeat_age" json:"max_heartbeat_age"`
}

// Duration wraps time.Duration for custom parsing.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalText(text []byte) error {
	return d.parse(string(text))
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.parse(s)
}

// parse accepts Go duration syntax ("90s", "5m") or a bare number of
// seconds, which is the form existing deployment env files use.
func (d *Duration) parse(s string) error {
	if dur, err := time.ParseDuration(s); err == nil {
		*d = Duration(dur)
		return nil
	}
	secs, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:     ":8000",
		LogLevel: "info",
		Redis: Redis{
			Host: "localhost",
			Port: 6379,
		},
		Sweep: Sweep{
			ClaimPeriod:     Duration(15 * time.Second),
			WorkerPeriod:    Duration(30 * time.Second),
			OutOfServiceAge: Duration(120 * time.Second),
			DeepPeriod:      Duration(300 * time.Second),
			MaxHeartbeatAge: Duration(600 * time.Second),
		},
		StatsPeriod:   Duration(time.Second),
		IdleFreshness: Duration(30 * time.Second),
	}
}

// Load builds the configuration: defaults, then the first config file
// found in dir (gpuhub.yaml|yml|toml|json), then environment overrides.
// The returned string names the config file used, empty if none.
func Load(dir string) (*Config, string, error) {
	cfg := Default()

	candidates := []struct {
		name   string
		parser func([]byte, *Config) error
	}{
		{"gpuhub.yaml", parseYAML},
		{"gpuhub.yml", parseYAML},
		{"gpuhub.toml", parseTOML},
		{"gpuhub.json", parseJSON},
	}

	fileUsed := ""
	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // File doesn't exist, try next
		}
		if err := c.parser(data, cfg); err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}
		fileUsed = c.name
		break
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fileUsed, err
	}
	return cfg, fileUsed, nil
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Strict: error on unknown fields
	return decoder.Decode(cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func parseJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

// applyEnv overlays environment variables. The Redis and sweep names
// are kept compatible with existing deployments.
func (c *Config) applyEnv() {
	if v := os.Getenv("GPUHUB_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = port
		}
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	envDuration("JOB_CLEANUP_INTERVAL", &c.Sweep.DeepPeriod)
	envDuration("MAX_WORKER_HEARTBEAT_AGE", &c.Sweep.MaxHeartbeatAge)
	envDuration("WORKER_OUT_OF_SERVICE_AGE", &c.Sweep.OutOfServiceAge)
	envDuration("WORKER_IDLE_FRESHNESS", &c.IdleFreshness)
}

func envDuration(key string, dst *Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var d Duration
	if err := d.parse(v); err == nil {
		*dst = d
	}
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.Redis.Host == "" {
		return errors.New("redis host is required")
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		return fmt.Errorf("invalid redis port %d", c.Redis.Port)
	}
	for name, d := range map[string]Duration{
		"sweep claim_period":       c.Sweep.ClaimPeriod,
		"sweep worker_period":      c.Sweep.WorkerPeriod,
		"sweep out_of_service_age": c.Sweep.OutOfServiceAge,
		"sweep deep_period":        c.Sweep.DeepPeriod,
		"sweep max_heartbeat_age":  c.Sweep.MaxHeartbeatAge,
		"stats_period":             c.StatsPeriod,
		"idle_freshness":           c.IdleFreshness,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return nil
}

// SlogLevel maps the configured level to slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
