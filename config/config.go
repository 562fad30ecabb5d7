package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// FieldError reports a missing or invalid configuration field.
type FieldError struct {
	Field   string
	Reason  string
	Missing bool
}

func (e *FieldError) Error() string {
	if e.Missing {
		return fmt.Sprintf("config field %s is missing", e.Field)
	}
	return fmt.Sprintf("config field %s is invalid: %s", e.Field, e.Reason)
}

func missingField(field string) *FieldError {
	return &FieldError{Field: field, Missing: true}
}

func invalidField(field, reason string) *FieldError {
	return &FieldError{Field: field, Reason: reason}
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels,omitempty"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level,omitempty"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki,omitempty"`
}

// TelemetryConfig enables metric collection.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// DatabaseConfig sizes the connection pool and points it at the datastore.
type DatabaseConfig struct {
	DSN              string   `yaml:"dsn"`
	MinPoolSize      int      `yaml:"min_pool_size"`
	MaxPoolSize      int      `yaml:"max_pool_size"`
	AcquireTimeout   Duration `yaml:"acquire_timeout,omitempty"`
	WarmupTimeout    Duration `yaml:"warmup_timeout,omitempty"`
	SuspectThreshold int      `yaml:"suspect_threshold,omitempty"`
}

// RateConfig describes a token bucket.
type RateConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// RouteOverride carries per-route settings keyed by method and path pattern.
type RouteOverride struct {
	Method  string      `yaml:"method"`
	Path    string      `yaml:"path"`
	Timeout Duration    `yaml:"timeout,omitempty"`
	Rate    *RateConfig `yaml:"rate,omitempty"`
}

// PlayerConfig bounds player-supplied data.
type PlayerConfig struct {
	NicknameMaxLength int  `yaml:"nickname_maxlength"`
	AllowNonASCII     bool `yaml:"allow_non_ascii"`
}

// GameServerConfig describes the game server that connect tokens point at.
type GameServerConfig struct {
	Address       string   `yaml:"address"`
	Port          uint16   `yaml:"port"`
	APIURL        string   `yaml:"api_url"`
	APIToken      string   `yaml:"api_token"`
	TokenKey      string   `yaml:"token_key"`
	TokenDuration Duration `yaml:"token_duration,omitempty"`
}

// RepositoryConfig points the release fetcher at the distribution repositories.
type RepositoryConfig struct {
	Owner           string `yaml:"owner"`
	Game            string `yaml:"game"`
	Updater         string `yaml:"updater"`
	UpdaterFilename string `yaml:"updater_filename"`
	GithubPAT       string `yaml:"github_pat,omitempty"`
}

// Config is the root configuration structure for the service.
type Config struct {
	ListenAddress   string           `yaml:"listen_address"`
	RequestDeadline Duration         `yaml:"request_deadline,omitempty"`
	ShutdownGrace   Duration         `yaml:"shutdown_grace,omitempty"`
	CacheLifespan   Duration         `yaml:"cache_lifespan,omitempty"`
	Logging         LoggingConfig    `yaml:"logging,omitempty"`
	Telemetry       TelemetryConfig  `yaml:"telemetry,omitempty"`
	Database        DatabaseConfig   `yaml:"database"`
	RateLimit       *RateConfig      `yaml:"rate_limit,omitempty"`
	Routes          []RouteOverride  `yaml:"routes,omitempty"`
	Player          PlayerConfig     `yaml:"player,omitempty"`
	GameServer      GameServerConfig `yaml:"game_server"`
	Repositories    RepositoryConfig `yaml:"repositories"`
}

// TokenKeyLength is the required size of the decoded connect token key.
const TokenKeyLength = 32

// Load reads, decodes and validates the configuration file from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = "0.0.0.0:14770"
	}
	if c.RequestDeadline.Duration == 0 {
		c.RequestDeadline.Duration = 10 * time.Second
	}
	if c.ShutdownGrace.Duration == 0 {
		c.ShutdownGrace.Duration = 10 * time.Second
	}
	if c.CacheLifespan.Duration == 0 {
		c.CacheLifespan.Duration = 5 * time.Minute
	}
	if c.Database.MinPoolSize == 0 {
		c.Database.MinPoolSize = 2
	}
	if c.Database.MaxPoolSize == 0 {
		c.Database.MaxPoolSize = 8
	}
	if c.Database.AcquireTimeout.Duration == 0 {
		c.Database.AcquireTimeout.Duration = 3 * time.Second
	}
	if c.Database.WarmupTimeout.Duration == 0 {
		c.Database.WarmupTimeout.Duration = 30 * time.Second
	}
	if c.Database.SuspectThreshold == 0 {
		c.Database.SuspectThreshold = 3
	}
	if c.Player.NicknameMaxLength == 0 {
		c.Player.NicknameMaxLength = 16
	}
	if c.GameServer.TokenDuration.Duration == 0 {
		c.GameServer.TokenDuration.Duration = 60 * time.Second
	}
	if c.Repositories.UpdaterFilename == "" {
		c.Repositories.UpdaterFilename = "game_updater"
	}
}

// Validate checks field invariants. Defaults must already be applied.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return missingField("listen_address")
	}
	if c.RequestDeadline.Duration <= 0 {
		return invalidField("request_deadline", "must be positive")
	}
	if c.ShutdownGrace.Duration <= 0 {
		return invalidField("shutdown_grace", "must be positive")
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return missingField("database.dsn")
	}
	if c.Database.MinPoolSize < 0 {
		return invalidField("database.min_pool_size", "must not be negative")
	}
	if c.Database.MaxPoolSize < 1 {
		return invalidField("database.max_pool_size", "must be at least 1")
	}
	if c.Database.MinPoolSize > c.Database.MaxPoolSize {
		return invalidField("database.min_pool_size", fmt.Sprintf(
			"must not exceed max_pool_size (%d > %d)", c.Database.MinPoolSize, c.Database.MaxPoolSize))
	}
	if c.Database.AcquireTimeout.Duration <= 0 {
		return invalidField("database.acquire_timeout", "must be positive")
	}
	if c.Database.WarmupTimeout.Duration <= 0 {
		return invalidField("database.warmup_timeout", "must be positive")
	}
	if c.Database.SuspectThreshold < 1 {
		return invalidField("database.suspect_threshold", "must be at least 1")
	}
	if c.RateLimit != nil {
		if err := validateRate("rate_limit", c.RateLimit); err != nil {
			return err
		}
	}
	seen := make(map[string]struct{}, len(c.Routes))
	for i, route := range c.Routes {
		field := fmt.Sprintf("routes[%d]", i)
		if route.Method == "" {
			return missingField(field + ".method")
		}
		if route.Path == "" {
			return missingField(field + ".path")
		}
		if !strings.HasPrefix(route.Path, "/") {
			return invalidField(field+".path", "must start with /")
		}
		if route.Timeout.Duration < 0 {
			return invalidField(field+".timeout", "must not be negative")
		}
		if route.Rate != nil {
			if err := validateRate(field+".rate", route.Rate); err != nil {
				return err
			}
		}
		key := strings.ToUpper(route.Method) + " " + route.Path
		if _, dup := seen[key]; dup {
			return invalidField(field, fmt.Sprintf("duplicate override for %s", key))
		}
		seen[key] = struct{}{}
	}
	if c.Player.NicknameMaxLength < 1 {
		return invalidField("player.nickname_maxlength", "must be at least 1")
	}
	if c.GameServer.Address == "" {
		return missingField("game_server.address")
	}
	if c.GameServer.Port == 0 {
		return missingField("game_server.port")
	}
	if c.GameServer.TokenKey == "" {
		return missingField("game_server.token_key")
	}
	if _, err := c.TokenKey(); err != nil {
		return invalidField("game_server.token_key", err.Error())
	}
	if c.GameServer.TokenDuration.Duration <= 0 {
		return invalidField("game_server.token_duration", "must be positive")
	}
	if c.Repositories.Owner == "" {
		return missingField("repositories.owner")
	}
	if c.Repositories.Game == "" {
		return missingField("repositories.game")
	}
	if c.Repositories.Updater == "" {
		return missingField("repositories.updater")
	}
	return nil
}

func validateRate(field string, rate *RateConfig) error {
	if rate.PerSecond <= 0 {
		return invalidField(field+".per_second", "must be positive")
	}
	if rate.Burst < 1 {
		return invalidField(field+".burst", "must be at least 1")
	}
	return nil
}

// TokenKey decodes the configured connect token key.
func (c *Config) TokenKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.GameServer.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("decode token key: %w", err)
	}
	if len(key) != TokenKeyLength {
		return nil, fmt.Errorf("token key must be %d bytes, got %d", TokenKeyLength, len(key))
	}
	return key, nil
}

// Override returns the per-route settings for the given method and path
// pattern, or nil when none is configured.
func (c *Config) Override(method, path string) *RouteOverride {
	for i := range c.Routes {
		route := &c.Routes[i]
		if strings.EqualFold(route.Method, method) && route.Path == path {
			return route
		}
	}
	return nil
}
