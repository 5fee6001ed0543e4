// ABOUTME: Gateway orchestrator that wires persistence, feed, delivery, and transports
// ABOUTME: Manages the HTTP and gRPC health servers, the feed listener, and shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/weave-gateway/internal/auth"
	"github.com/2389/weave-gateway/internal/bridge"
	"github.com/2389/weave-gateway/internal/config"
	"github.com/2389/weave-gateway/internal/delivery"
	"github.com/2389/weave-gateway/internal/engine"
	"github.com/2389/weave-gateway/internal/envelope"
	"github.com/2389/weave-gateway/internal/fanout"
	"github.com/2389/weave-gateway/internal/feed"
	"github.com/2389/weave-gateway/internal/listener"
	"github.com/2389/weave-gateway/internal/metrics"
	"github.com/2389/weave-gateway/internal/pending"
	"github.com/2389/weave-gateway/internal/store"
)

// readinessInterval is how often the gRPC health status is refreshed.
var readinessInterval = 5 * time.Second

// Gateway owns every long-lived component of one gateway process.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store    store.Store
	feed     feed.Feed
	engine   engine.Client
	delivery *delivery.Service
	pending  *pending.Registry
	bridge   *bridge.Bridge
	router   *fanout.Router
	listener *listener.Listener
	metrics  *metrics.Metrics
	auth     *auth.Authenticator
	limiter  *tenantLimiter

	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// closing is closed when shutdown starts so streaming handlers return
	closing   chan struct{}
	closeOnce sync.Once
}

// components are the pluggable backends. New builds them from config;
// tests supply their own.
type components struct {
	store  store.Store
	feed   feed.Feed
	engine engine.Client
}

// New creates a gateway from configuration. It connects to the configured
// store and feed backends but starts no listeners.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	s, f, err := initFeed(ctx, cfg, s, m, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	c := components{store: s, feed: f, engine: initEngine(cfg, logger)}
	gw, err := assemble(cfg, c, m, logger)
	if err != nil {
		_ = f.Close()
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// initStore opens the configured persistence backend.
func initStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		dsn := cfg.Database.DSN
		if envDSN := os.Getenv("WEAVE_DATABASE_DSN"); envDSN != "" {
			dsn = envDSN
		}
		s, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("WEAVE_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// initFeed builds the change feed. Broker-backed feeds wrap the store so
// every committed message is also published to the broker.
func initFeed(ctx context.Context, cfg *config.Config, s store.Store, m *metrics.Metrics, logger *slog.Logger) (store.Store, feed.Feed, error) {
	fc := cfg.Feed
	switch fc.Driver {
	case "jetstream":
		js, err := feed.NewJetStream(ctx, feed.JetStreamConfig{
			URL:     fc.NATSURL,
			Stream:  fc.Stream,
			Subject: fc.Subject,
			MaxAge:  fc.MaxAge,
		}, logger)
		if err != nil {
			return s, nil, fmt.Errorf("initializing feed: %w", err)
		}
		ps := feed.NewPublishingStore(s, js, logger)
		ps.OnPublishError = m.ObservePublishError
		return ps, js, nil

	case "redis":
		rs, err := feed.NewRedis(ctx, feed.RedisConfig{
			Addr:      fc.RedisAddr,
			Password:  fc.RedisPassword,
			Stream:    fc.RedisStream,
			MaxLen:    fc.RedisMaxLen,
			BatchSize: int64(fc.BatchSize),
		}, logger)
		if err != nil {
			return s, nil, fmt.Errorf("initializing feed: %w", err)
		}
		ps := feed.NewPublishingStore(s, rs, logger)
		ps.OnPublishError = m.ObservePublishError
		return ps, rs, nil

	default:
		var opts []feed.PollOption
		if n, ok := s.(feed.Notifier); ok {
			opts = append(opts, feed.WithNotifier(n))
		}
		return s, feed.NewPollFeed(s, fc.PollInterval, fc.BatchSize, logger, opts...), nil
	}
}

// initEngine creates the workflow engine client. The echo engine's reply
// path is wired in assemble once the delivery service exists.
func initEngine(cfg *config.Config, logger *slog.Logger) engine.Client {
	if cfg.Engine.Mode == "echo" {
		logger.Warn("echo engine enabled - every message is answered locally")
		return engine.NewEcho(cfg.Engine.EchoDelay, logger)
	}
	return engine.NewHTTPClient(cfg.Engine.BaseURL, cfg.Engine.Token, cfg.Engine.Timeout, logger)
}

// initAuthenticator builds the HTTP tenant-context provider from config.
func initAuthenticator(cfg *config.Config, logger *slog.Logger) *auth.Authenticator {
	var jwtVerifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		jwtVerifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	var keyVerifier *auth.APIKeyVerifier
	if len(cfg.Auth.APIKeys) > 0 {
		keys := make([]auth.APIKey, len(cfg.Auth.APIKeys))
		for i, k := range cfg.Auth.APIKeys {
			keys[i] = auth.APIKey{TenantID: k.TenantID, ParticipantID: k.ParticipantID, Hash: k.Hash}
		}
		keyVerifier = auth.NewAPIKeyVerifier(keys)
	}

	if cfg.Auth.AllowAnonymous {
		logger.Warn("anonymous access enabled - tenant is taken from the X-Tenant-ID header")
	}
	return auth.NewAuthenticator(jwtVerifier, keyVerifier, cfg.Auth.AllowAnonymous, logger)
}

// assemble wires the core components around the given backends.
func assemble(cfg *config.Config, c components, m *metrics.Metrics, logger *slog.Logger) (*Gateway, error) {
	if c.store == nil || c.feed == nil || c.engine == nil {
		return nil, errors.New("store, feed, and engine are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}

	registry := pending.New(logger, pending.WithObserver(m.ObservePending))
	m.TrackPending(registry.Len)

	svc := delivery.New(c.store, c.engine, logger, delivery.WithObserver(m.ObserveDelivery))
	if echo, ok := c.engine.(*engine.Echo); ok {
		echo.SetReplyFunc(func(ctx context.Context, reply *envelope.Envelope) error {
			_, err := svc.RecordReply(ctx, reply)
			return err
		})
	}

	router := fanout.NewRouter(logger, fanout.WithObserver(m))

	gw := &Gateway{
		config:   cfg,
		logger:   logger.With("component", "gateway"),
		store:    c.store,
		feed:     c.feed,
		engine:   c.engine,
		delivery: svc,
		pending:  registry,
		bridge: bridge.New(svc, registry, bridge.Config{
			MinTimeout:     cfg.Bridge.MinTimeout,
			MaxTimeout:     cfg.Bridge.MaxTimeout,
			DefaultTimeout: cfg.Bridge.DefaultTimeout,
		}, logger),
		router: router,
		listener: listener.New(c.feed, registry, router, listener.Config{
			RetryMin:   cfg.Feed.RetryMin,
			RetryMax:   cfg.Feed.RetryMax,
			DedupeTTL:  cfg.Feed.DedupeTTL,
			DedupeSize: cfg.Feed.DedupeSize,
		}, logger, listener.WithObserver(m)),
		metrics: m,
		auth:    initAuthenticator(cfg, logger),
		limiter: newTenantLimiter(cfg.Limits.SendRPS, cfg.Limits.SendBurst, m),
		closing: make(chan struct{}),
	}

	gw.grpcServer, gw.health = newGRPCServer()

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// routes builds the HTTP mux.
func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	authMiddleware := g.auth.Middleware()
	mux.Handle("/api/v1/messages", authMiddleware(http.HandlerFunc(g.handleSend)))
	mux.Handle("/api/v1/messages/sync", authMiddleware(http.HandlerFunc(g.handleSendSync)))
	mux.Handle("/api/v1/history", authMiddleware(http.HandlerFunc(g.handleHistory)))
	mux.Handle("/api/v1/events", authMiddleware(http.HandlerFunc(g.handleEvents)))
	mux.Handle("/api/v1/socket", authMiddleware(http.HandlerFunc(g.handleSocket)))

	// Engine reply ingress: shared secret when configured, tenant auth otherwise
	if token := g.config.Auth.ReplyToken; token != "" {
		mux.Handle("/api/v1/replies", auth.RequireReplyToken(token, g.logger)(http.HandlerFunc(g.handleReply)))
	} else {
		mux.Handle("/api/v1/replies", authMiddleware(http.HandlerFunc(g.handleReply)))
	}

	if g.config.Metrics.Enabled {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
		g.logger.Info("metrics endpoint enabled", "path", g.config.Metrics.Path)
	}
	return mux
}

// setupTCPListeners creates standard TCP listeners. The gRPC listener is nil
// when no gRPC address is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run starts the feed listener and servers and blocks until ctx is
// cancelled or a server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return g.listener.Run(egCtx)
	})

	eg.Go(func() error {
		g.reportReadiness(egCtx)
		return nil
	})

	if grpcLn != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	err = eg.Wait()
	if err != nil {
		g.logger.Error("server error", "error", err)
	}
	return err
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "weave-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener(grpcLn)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, cancels outstanding waits, and releases the
// feed and store. It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	g.closeOnce.Do(func() {
		g.logger.Info("shutting down gateway")
		close(g.closing)

		// Sync handlers block on their waits; release them before the HTTP
		// server waits for active handlers to return.
		g.pending.Close()

		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		g.shutdownGRPCServer(ctx)

		if echo, ok := g.engine.(*engine.Echo); ok {
			echo.Wait()
		}

		errs = appendCloseError(errs, "feed close", g.feed.Close())
		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "store close", g.store.Close())
	})

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// checkReady reports why the gateway cannot serve traffic, or nil.
func (g *Gateway) checkReady(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := g.store.Ping(pingCtx); err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}
	if !g.listener.Healthy() {
		return errors.New("change feed detached")
	}
	return nil
}

// reportReadiness mirrors checkReady into the gRPC health service until ctx ends.
func (g *Gateway) reportReadiness(ctx context.Context) {
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if err := g.checkReady(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if status != last {
			g.health.SetServingStatus("", status)
			g.logger.Debug("readiness changed", "status", status.String())
			last = status
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers and the feed listener is attached.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.checkReady(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d groups, %d pending)", g.router.Groups(), g.pending.Len())
}
