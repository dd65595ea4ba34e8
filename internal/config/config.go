package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/notmainstreet/ivi-engine/internal/domain"
)

// EnvPath names the environment variable consulted by ResolvePath.
const EnvPath = "IVI_CONFIG"

// DefaultPath is used when neither a flag nor EnvPath names a file.
const DefaultPath = "ivi.toml"

// Sink kinds.
const (
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
	SinkNone     = "none"
)

// ContinuityConfig holds the cycle smoothness bounds.
type ContinuityConfig struct {
	EpsilonX float64 `toml:"epsilon_x"`
	EpsilonY float64 `toml:"epsilon_y"`
}

// SinkConfig selects where spine events are persisted.
type SinkConfig struct {
	Kind        string `toml:"kind"`
	PostgresURL string `toml:"postgres_url"`
	Async       bool   `toml:"async"`
	QueueSize   int    `toml:"queue_size"`
}

// Config holds the engine's runtime configuration.
type Config struct {
	DBPath             string           `toml:"db_path"`
	ListenAddr         string           `toml:"listen_addr"`
	LogLevel           string           `toml:"log_level"`
	LogDevelopment     bool             `toml:"log_development"`
	EngineVersion      string           `toml:"engine_version"`
	PolicyVersion      string           `toml:"policy_version"`
	RateLimitPerMinute int              `toml:"rate_limit_per_minute"`
	ContentRoot        string           `toml:"content_root"`
	IndexRoot          string           `toml:"index_root"`
	AssetRoot          string           `toml:"asset_root"`
	Continuity         ContinuityConfig `toml:"continuity"`
	Sink               SinkConfig       `toml:"sink"`
}

// ResolvePath picks the config file: the flag value, then EnvPath, then
// DefaultPath.
func ResolvePath(flag string) string {
	if p := strings.TrimSpace(flag); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads a TOML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrConfigInvalid, fmt.Errorf("parse %s: %w", path, err))
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, domain.Detail(domain.ErrConfigInvalid, "unknown keys: %s", strings.Join(keys, ", "))
	}

	cfg.applyDefaults(meta)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when every key is left unset.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(toml.MetaData{})
	return &cfg
}

func (c *Config) applyDefaults(meta toml.MetaData) {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8765"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.EngineVersion == "" {
		c.EngineVersion = "ivi-engine/v1"
	}
	if c.PolicyVersion == "" {
		c.PolicyVersion = "policy/v1"
	}
	if !meta.IsDefined("rate_limit_per_minute") {
		c.RateLimitPerMinute = 60
	}
	if c.ContentRoot == "" {
		c.ContentRoot = "content/docs"
	}
	if c.IndexRoot == "" {
		c.IndexRoot = "index/documents"
	}
	if c.AssetRoot == "" {
		c.AssetRoot = "assets"
	}
	// Explicit zeros must reach validate.
	if !meta.IsDefined("continuity", "epsilon_x") {
		c.Continuity.EpsilonX = 0.3
	}
	if !meta.IsDefined("continuity", "epsilon_y") {
		c.Continuity.EpsilonY = 0.3
	}
	if c.Sink.Kind == "" {
		c.Sink.Kind = SinkSQLite
	}
	if c.Sink.QueueSize == 0 {
		c.Sink.QueueSize = 256
	}
	if c.DBPath == "" {
		c.DBPath = "ivi.db"
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.Continuity.EpsilonX <= 0 {
		problems = append(problems, "continuity.epsilon_x must be positive")
	}
	if c.Continuity.EpsilonY <= 0 {
		problems = append(problems, "continuity.epsilon_y must be positive")
	}
	if c.RateLimitPerMinute < 0 {
		problems = append(problems, "rate_limit_per_minute must not be negative")
	}
	if c.Sink.QueueSize < 0 {
		problems = append(problems, "sink.queue_size must not be negative")
	}
	switch c.Sink.Kind {
	case SinkSQLite, SinkNone:
	case SinkPostgres:
		if strings.TrimSpace(c.Sink.PostgresURL) == "" {
			problems = append(problems, "sink.postgres_url is required when sink.kind is postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("sink.kind %q is not one of sqlite, postgres, none", c.Sink.Kind))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}

	if len(problems) > 0 {
		return domain.Detail(domain.ErrConfigInvalid, "%s", strings.Join(problems, "; "))
	}
	return nil
}
