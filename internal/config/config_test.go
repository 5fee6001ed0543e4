// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"

database:
  driver: postgres
  dsn: "postgres://weave@localhost/weave"

feed:
  driver: jetstream
  nats_url: "nats://localhost:4222"
  stream: "MSGS"
  subject: "msgs.stored"
  poll_interval: "1s"
  retry_min: "100ms"
  retry_max: "10s"

engine:
  mode: http
  base_url: "http://engine:7233"
  timeout: "5s"

bridge:
  min_timeout: "2s"
  max_timeout: "60s"
  default_timeout: "20s"

events:
  heartbeat: "10s"
  buffer: 128

auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
  api_keys:
    - tenant_id: acme
      participant_id: ops-bot
      hash: "$2a$10$abcdefghijklmnopqrstuv"

limits:
  send_rps: 5

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %q, want postgres", cfg.Database.Driver)
	}
	if cfg.Feed.Subject != "msgs.stored" {
		t.Errorf("Feed.Subject = %q, want msgs.stored", cfg.Feed.Subject)
	}
	if cfg.Feed.PollInterval != time.Second {
		t.Errorf("Feed.PollInterval = %v, want 1s", cfg.Feed.PollInterval)
	}
	if cfg.Feed.RetryMin != 100*time.Millisecond {
		t.Errorf("Feed.RetryMin = %v, want 100ms", cfg.Feed.RetryMin)
	}
	if cfg.Engine.Timeout != 5*time.Second {
		t.Errorf("Engine.Timeout = %v, want 5s", cfg.Engine.Timeout)
	}
	if cfg.Bridge.MaxTimeout != time.Minute {
		t.Errorf("Bridge.MaxTimeout = %v, want 1m", cfg.Bridge.MaxTimeout)
	}
	if cfg.Events.Heartbeat != 10*time.Second {
		t.Errorf("Events.Heartbeat = %v, want 10s", cfg.Events.Heartbeat)
	}
	if cfg.Events.Buffer != 128 {
		t.Errorf("Events.Buffer = %d, want 128", cfg.Events.Buffer)
	}
	if len(cfg.Auth.APIKeys) != 1 || cfg.Auth.APIKeys[0].ParticipantID != "ops-bot" {
		t.Errorf("Auth.APIKeys = %+v, want one key for ops-bot", cfg.Auth.APIKeys)
	}
	if cfg.Limits.SendBurst != 5 {
		t.Errorf("Limits.SendBurst = %d, want default of 5", cfg.Limits.SendBurst)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default /metrics", cfg.Metrics.Path)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: ":8080"
database:
  path: "./weave.db"
engine:
  mode: echo
auth:
  allow_anonymous: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"Database.Driver", cfg.Database.Driver, "sqlite"},
		{"Feed.Driver", cfg.Feed.Driver, "poll"},
		{"Feed.BatchSize", cfg.Feed.BatchSize, 100},
		{"Feed.PollInterval", cfg.Feed.PollInterval, 250 * time.Millisecond},
		{"Feed.DedupeTTL", cfg.Feed.DedupeTTL, 5 * time.Minute},
		{"Bridge.MinTimeout", cfg.Bridge.MinTimeout, time.Second},
		{"Bridge.MaxTimeout", cfg.Bridge.MaxTimeout, 300 * time.Second},
		{"Events.Heartbeat", cfg.Events.Heartbeat, 15 * time.Second},
		{"Events.Buffer", cfg.Events.Buffer, 64},
		{"Logging.Level", cfg.Logging.Level, "info"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
http_addr = ":9090"

[database]
path = "/tmp/weave.db"

[feed]
driver = "redis"
redis_addr = "localhost:6379"
redis_stream = "weave:test"
dedupe_ttl = "1m"

[engine]
mode = "echo"
echo_delay = "50ms"

[auth]
allow_anonymous = true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("Server.HTTPAddr = %q, want :9090", cfg.Server.HTTPAddr)
	}
	if cfg.Feed.Driver != "redis" || cfg.Feed.RedisStream != "weave:test" {
		t.Errorf("Feed = %+v, want redis driver on weave:test", cfg.Feed)
	}
	if cfg.Feed.DedupeTTL != time.Minute {
		t.Errorf("Feed.DedupeTTL = %v, want 1m", cfg.Feed.DedupeTTL)
	}
	if cfg.Engine.EchoDelay != 50*time.Millisecond {
		t.Errorf("Engine.EchoDelay = %v, want 50ms", cfg.Engine.EchoDelay)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("WEAVE_TEST_SECRET", "abcdefghijklmnopqrstuvwxyz012345")
	t.Setenv("WEAVE_TEST_DB", "/data/weave.db")

	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: ":8080"
database:
  path: "${WEAVE_TEST_DB}"
engine:
  mode: echo
auth:
  jwt_secret: "${WEAVE_TEST_SECRET}"
  reply_token: "${WEAVE_TEST_UNSET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/data/weave.db" {
		t.Errorf("Database.Path = %q, want /data/weave.db", cfg.Database.Path)
	}
	if cfg.Auth.JWTSecret != "abcdefghijklmnopqrstuvwxyz012345" {
		t.Errorf("Auth.JWTSecret was not expanded: %q", cfg.Auth.JWTSecret)
	}
	if cfg.Auth.ReplyToken != "" {
		t.Errorf("unset variable should expand to empty, got %q", cfg.Auth.ReplyToken)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: ":8080"
database:
  path: "./weave.db"
engine:
  mode: echo
bridge:
  max_timeout: "forever"
auth:
  allow_anonymous: true
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() should fail on an unparseable duration")
	}
	if !strings.Contains(err.Error(), "bridge.max_timeout") {
		t.Errorf("error %q should name the field", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
}

func validConfig() *Config {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: ":8080"},
		Database: DatabaseConfig{Path: "./weave.db"},
		Engine:   EngineConfig{Mode: "echo"},
		Auth:     AuthConfig{AllowAnonymous: true},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale replaces http addr", func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "weave"}
		}, ""},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"unknown database driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "database.dsn"},
		{"jetstream without url", func(c *Config) { c.Feed.Driver = "jetstream" }, "feed.nats_url"},
		{"redis without addr", func(c *Config) { c.Feed.Driver = "redis" }, "feed.redis_addr"},
		{"unknown feed driver", func(c *Config) { c.Feed.Driver = "kafka" }, "feed.driver"},
		{"http engine without url", func(c *Config) { c.Engine.Mode = "http" }, "engine.base_url"},
		{"inverted bridge bounds", func(c *Config) { c.Bridge.MinTimeout = time.Hour }, "bridge.min_timeout"},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"api key without hash", func(c *Config) {
			c.Auth.APIKeys = []APIKeyConfig{{TenantID: "acme"}}
		}, "api_keys[0]"},
		{"api key tenant with separator", func(c *Config) {
			c.Auth.APIKeys = []APIKeyConfig{{TenantID: "ac:me", Hash: "x"}}
		}, "must not contain"},
		{"no auth at all", func(c *Config) { c.Auth.AllowAnonymous = false }, "allow_anonymous"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want one mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("WEAVE_A", "alpha")
	got := expandEnvVars("x=${WEAVE_A} y=${WEAVE_MISSING} z=$WEAVE_A")
	want := "x=alpha y= z=$WEAVE_A"
	if got != want {
		t.Errorf("expandEnvVars() = %q, want %q", got, want)
	}
}
