// ABOUTME: Entry point for the weave-gateway message server
// ABOUTME: Serves the gateway and provides setup helpers for config, tokens, and API keys

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/weave-gateway/internal/auth"
	"github.com/2389/weave-gateway/internal/config"
	"github.com/2389/weave-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                 _
 __      _____  __ ___   _____        __ _  __ _| |_ _____      ____ _ _   _
 \ \ /\ / / _ \/ _' \ \ / / _ \_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
  \ V  V /  __/ (_| |\ V /  __/_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
   \_/\_/ \___|\__,_| \_/ \___|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                     |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: WEAVE_CONFIG env var > XDG_CONFIG_HOME/weave/gateway.yaml > ~/.config/weave/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WEAVE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "weave", "gateway.yaml")
}

// getDataPath returns the weave data directory.
// Priority: XDG_DATA_HOME/weave > ~/.local/share/weave
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "weave")
}

func usage() {
	fmt.Println("Usage: weave-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                   Start the gateway server")
	fmt.Println("  init                                    Write a default config with fresh secrets")
	fmt.Println("  token --tenant T [--participant P]      Issue a JWT for a tenant")
	fmt.Println("  hash-key                                Generate an API key and its bcrypt hash")
	fmt.Println("  health                                  Check gateway liveness")
	fmt.Println("  ready                                   Check gateway readiness")
	fmt.Println("  version                                 Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "hash-key":
		err = runHashKey()
	case "health":
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Feed:      %s\n", cfg.Feed.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Engine:    ")
	if cfg.Engine.Mode == "echo" {
		yellow.Println("echo (replies locally)")
	} else {
		fmt.Println(cfg.Engine.BaseURL)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting weave-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{mu: &sync.Mutex{}, out: os.Stdout, level: level}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// colorHandler writes one colorized line per record. Handlers derived via
// WithAttrs and WithGroup share the parent's mutex and writer.
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &colorHandler{mu: h.mu, out: h.out, level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{mu: h.mu, out: h.out, level: h.level, attrs: h.attrs, groups: newGroups}
}

// runProbe requests a health path on the configured HTTP address.
func runProbe(ctx context.Context, path string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// randomSecret returns 32 random bytes, base64 encoded.
func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// runInit writes a config file with a fresh JWT secret and reply token.
// An existing file is left alone.
func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking config: %w", err)
	}

	jwtSecret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	replyToken, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating reply token: %w", err)
	}

	dataPath := getDataPath()
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	content := fmt.Sprintf(`# weave-gateway configuration
# Generated by weave-gateway init

server:
  http_addr: "localhost:8080"
  grpc_addr: "localhost:50051"

database:
  driver: "sqlite"
  path: "%s"

feed:
  driver: "poll"
  poll_interval: "250ms"

engine:
  mode: "echo"
  # mode: "http"
  # base_url: "http://localhost:7233"
  # token: "${WEAVE_ENGINE_TOKEN}"

bridge:
  default_timeout: "30s"
  min_timeout: "1s"
  max_timeout: "300s"

events:
  heartbeat: "15s"

auth:
  jwt_secret: "%s"
  reply_token: "%s"
  allow_anonymous: false

limits:
  send_rps: 0

metrics:
  enabled: true
  path: "/metrics"

logging:
  level: "info"
  format: "text"
`, filepath.Join(dataPath, "gateway.db"), jwtSecret, replyToken)

	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	yellow.Println("  Next steps:")
	fmt.Println("    weave-gateway token --tenant acme --participant alice")
	fmt.Println("    weave-gateway serve")
	fmt.Println()
	return nil
}

// parseFlags reads --name value or --name=value from args.
func parseFlags(args []string, names ...string) (map[string]string, error) {
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}

	out := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		out[name] = value
	}
	return out, nil
}

// runToken issues a JWT signed with the configured secret.
func runToken(args []string) error {
	flags, err := parseFlags(args, "tenant", "participant", "ttl")
	if err != nil {
		return err
	}

	tenant := strings.TrimSpace(flags["tenant"])
	if tenant == "" {
		return errors.New("--tenant flag is required")
	}

	ttl := 30 * 24 * time.Hour
	if raw := flags["ttl"]; raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return fmt.Errorf("invalid --ttl %q", raw)
		}
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(tenant, flags["participant"], ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// runHashKey prints a new API key and the config entry that accepts it.
func runHashKey() error {
	key, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating API key: %w", err)
	}

	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Println("  API key (shown once):")
	fmt.Printf("    %s\n\n", key)
	cyan.Println("  Add to auth.api_keys:")
	fmt.Printf("    - tenant_id: \"<tenant>\"\n      participant_id: \"\"\n      hash: %q\n\n", hash)
	yellow.Println("  The key cannot be recovered from the hash.")
	return nil
}
