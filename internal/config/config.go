// ABOUTME: Configuration loading and parsing for weave-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete weave-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Feed      FeedConfig      `yaml:"feed" toml:"feed"`
	Engine    EngineConfig    `yaml:"engine" toml:"engine"`
	Bridge    BridgeConfig    `yaml:"bridge" toml:"bridge"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Limits    LimitsConfig    `yaml:"limits" toml:"limits"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener addresses. GRPCAddr may be empty to disable
// the gRPC health listener.
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // implies HTTPS
}

// DatabaseConfig selects the persistence backend
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite or postgres
	Path   string `yaml:"path" toml:"path"`     // sqlite file
	DSN    string `yaml:"dsn" toml:"dsn"`       // postgres connection string
}

// FeedConfig selects the change-feed driver and tunes the listener
type FeedConfig struct {
	Driver    string `yaml:"driver" toml:"driver"` // poll, jetstream, or redis
	BatchSize int    `yaml:"batch_size" toml:"batch_size"`

	NATSURL string `yaml:"nats_url" toml:"nats_url"`
	Stream  string `yaml:"stream" toml:"stream"`
	Subject string `yaml:"subject" toml:"subject"`

	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisStream   string `yaml:"redis_stream" toml:"redis_stream"`
	RedisMaxLen   int64  `yaml:"redis_max_len" toml:"redis_max_len"`

	DedupeSize int `yaml:"dedupe_size" toml:"dedupe_size"`

	PollInterval time.Duration `yaml:"-" toml:"-"`
	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	RetryMin     time.Duration `yaml:"-" toml:"-"`
	RetryMax     time.Duration `yaml:"-" toml:"-"`
	MaxAge       time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
	DedupeTTLRaw    string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
	RetryMinRaw     string `yaml:"retry_min" toml:"retry_min"`
	RetryMaxRaw     string `yaml:"retry_max" toml:"retry_max"`
	MaxAgeRaw       string `yaml:"max_age" toml:"max_age"`
}

// EngineConfig points at the workflow engine
type EngineConfig struct {
	Mode    string `yaml:"mode" toml:"mode"` // http or echo
	BaseURL string `yaml:"base_url" toml:"base_url"`
	Token   string `yaml:"token" toml:"token"`

	Timeout   time.Duration `yaml:"-" toml:"-"`
	EchoDelay time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw   string `yaml:"timeout" toml:"timeout"`
	EchoDelayRaw string `yaml:"echo_delay" toml:"echo_delay"`
}

// BridgeConfig bounds synchronous waits
type BridgeConfig struct {
	MinTimeout     time.Duration `yaml:"-" toml:"-"`
	MaxTimeout     time.Duration `yaml:"-" toml:"-"`
	DefaultTimeout time.Duration `yaml:"-" toml:"-"`

	MinTimeoutRaw     string `yaml:"min_timeout" toml:"min_timeout"`
	MaxTimeoutRaw     string `yaml:"max_timeout" toml:"max_timeout"`
	DefaultTimeoutRaw string `yaml:"default_timeout" toml:"default_timeout"`
}

// EventsConfig tunes the live event transports
type EventsConfig struct {
	Buffer int `yaml:"buffer" toml:"buffer"` // per-subscriber queue size

	Heartbeat    time.Duration `yaml:"-" toml:"-"`
	MinHeartbeat time.Duration `yaml:"-" toml:"-"`
	MaxHeartbeat time.Duration `yaml:"-" toml:"-"`

	HeartbeatRaw    string `yaml:"heartbeat" toml:"heartbeat"`
	MinHeartbeatRaw string `yaml:"min_heartbeat" toml:"min_heartbeat"`
	MaxHeartbeatRaw string `yaml:"max_heartbeat" toml:"max_heartbeat"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret      string         `yaml:"jwt_secret" toml:"jwt_secret"`
	APIKeys        []APIKeyConfig `yaml:"api_keys" toml:"api_keys"`
	AllowAnonymous bool           `yaml:"allow_anonymous" toml:"allow_anonymous"`
	ReplyToken     string         `yaml:"reply_token" toml:"reply_token"`
}

// APIKeyConfig binds a bcrypt-hashed key to a tenant and participant
type APIKeyConfig struct {
	TenantID      string `yaml:"tenant_id" toml:"tenant_id"`
	ParticipantID string `yaml:"participant_id" toml:"participant_id"`
	Hash          string `yaml:"hash" toml:"hash"`
}

// LimitsConfig holds per-tenant send limits. SendRPS of zero disables limiting.
type LimitsConfig struct {
	SendRPS   float64 `yaml:"send_rps" toml:"send_rps"`
	SendBurst int     `yaml:"send_burst" toml:"send_burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	setDefault(&c.Database.Driver, "sqlite")
	setDefault(&c.Feed.Driver, "poll")
	setDefault(&c.Feed.Stream, "WEAVE_MESSAGES")
	setDefault(&c.Feed.Subject, "weave.messages")
	setDefault(&c.Feed.RedisStream, "weave:messages")
	setDefault(&c.Engine.Mode, "http")
	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "text")
	setDefault(&c.Metrics.Path, "/metrics")

	setDefault(&c.Feed.BatchSize, 100)
	setDefault(&c.Feed.DedupeSize, 10000)
	setDefault(&c.Events.Buffer, 64)

	setDefault(&c.Feed.PollInterval, 250*time.Millisecond)
	setDefault(&c.Feed.DedupeTTL, 5*time.Minute)
	setDefault(&c.Feed.RetryMin, 250*time.Millisecond)
	setDefault(&c.Feed.RetryMax, 30*time.Second)
	setDefault(&c.Engine.Timeout, 10*time.Second)
	setDefault(&c.Engine.EchoDelay, 100*time.Millisecond)
	setDefault(&c.Bridge.MinTimeout, time.Second)
	setDefault(&c.Bridge.MaxTimeout, 300*time.Second)
	setDefault(&c.Bridge.DefaultTimeout, 30*time.Second)
	setDefault(&c.Events.Heartbeat, 15*time.Second)
	setDefault(&c.Events.MinHeartbeat, 5*time.Second)
	setDefault(&c.Events.MaxHeartbeat, 2*time.Minute)

	if c.Limits.SendRPS > 0 && c.Limits.SendBurst <= 0 {
		c.Limits.SendBurst = max(1, int(c.Limits.SendRPS))
	}
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale serves the API
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	switch c.Feed.Driver {
	case "poll":
	case "jetstream":
		if c.Feed.NATSURL == "" {
			return fmt.Errorf("feed.nats_url is required for the jetstream driver")
		}
	case "redis":
		if c.Feed.RedisAddr == "" {
			return fmt.Errorf("feed.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("feed.driver must be poll, jetstream, or redis, got %q", c.Feed.Driver)
	}

	switch c.Engine.Mode {
	case "http":
		if c.Engine.BaseURL == "" {
			return fmt.Errorf("engine.base_url is required in http mode")
		}
	case "echo":
	default:
		return fmt.Errorf("engine.mode must be http or echo, got %q", c.Engine.Mode)
	}

	if c.Bridge.MinTimeout > c.Bridge.MaxTimeout {
		return fmt.Errorf("bridge.min_timeout (%s) exceeds bridge.max_timeout (%s)", c.Bridge.MinTimeout, c.Bridge.MaxTimeout)
	}
	if c.Events.MinHeartbeat > c.Events.MaxHeartbeat {
		return fmt.Errorf("events.min_heartbeat (%s) exceeds events.max_heartbeat (%s)", c.Events.MinHeartbeat, c.Events.MaxHeartbeat)
	}
	if c.Feed.RetryMin > c.Feed.RetryMax {
		return fmt.Errorf("feed.retry_min (%s) exceeds feed.retry_max (%s)", c.Feed.RetryMin, c.Feed.RetryMax)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	for i, k := range c.Auth.APIKeys {
		if k.TenantID == "" || k.Hash == "" {
			return fmt.Errorf("auth.api_keys[%d] needs tenant_id and hash", i)
		}
		if strings.Contains(k.TenantID, ":") {
			return fmt.Errorf("auth.api_keys[%d].tenant_id must not contain ':'", i)
		}
	}
	if c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 && !c.Auth.AllowAnonymous {
		return fmt.Errorf("configure auth.jwt_secret, auth.api_keys, or set auth.allow_anonymous")
	}

	if c.Limits.SendRPS < 0 {
		return fmt.Errorf("limits.send_rps must not be negative")
	}

	return nil
}

// durationField ties a raw config string to its parsed destination.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"feed.poll_interval", cfg.Feed.PollIntervalRaw, &cfg.Feed.PollInterval},
		{"feed.dedupe_ttl", cfg.Feed.DedupeTTLRaw, &cfg.Feed.DedupeTTL},
		{"feed.retry_min", cfg.Feed.RetryMinRaw, &cfg.Feed.RetryMin},
		{"feed.retry_max", cfg.Feed.RetryMaxRaw, &cfg.Feed.RetryMax},
		{"feed.max_age", cfg.Feed.MaxAgeRaw, &cfg.Feed.MaxAge},
		{"engine.timeout", cfg.Engine.TimeoutRaw, &cfg.Engine.Timeout},
		{"engine.echo_delay", cfg.Engine.EchoDelayRaw, &cfg.Engine.EchoDelay},
		{"bridge.min_timeout", cfg.Bridge.MinTimeoutRaw, &cfg.Bridge.MinTimeout},
		{"bridge.max_timeout", cfg.Bridge.MaxTimeoutRaw, &cfg.Bridge.MaxTimeout},
		{"bridge.default_timeout", cfg.Bridge.DefaultTimeoutRaw, &cfg.Bridge.DefaultTimeout},
		{"events.heartbeat", cfg.Events.HeartbeatRaw, &cfg.Events.Heartbeat},
		{"events.min_heartbeat", cfg.Events.MinHeartbeatRaw, &cfg.Events.MinHeartbeat},
		{"events.max_heartbeat", cfg.Events.MaxHeartbeatRaw, &cfg.Events.MaxHeartbeat},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
