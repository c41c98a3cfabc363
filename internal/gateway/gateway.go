// ABOUTME: Gateway orchestrator that wires store, bot, conversation service and HTTP server
// ABOUTME: Manages listeners (TCP or Tailscale), health endpoints and shutdown ordering

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
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-support/internal/analytics"
	"github.com/2389/coven-support/internal/assets"
	"github.com/2389/coven-support/internal/bot"
	"github.com/2389/coven-support/internal/config"
	"github.com/2389/coven-support/internal/conversation"
	"github.com/2389/coven-support/internal/dedupe"
	"github.com/2389/coven-support/internal/metrics"
	"github.com/2389/coven-support/internal/store"
)

// dedupeMaxEntries bounds the idempotency cache.
const dedupeMaxEntries = 100_000

// Gateway owns the coven-support server components.
type Gateway struct {
	config       *config.Config
	store        store.Store
	resolver     *bot.Resolver
	conversation *conversation.Service
	analytics    *analytics.Analyzer
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// metrics is nil when metrics are disabled
	metrics *metrics.Collector

	// dedupe remembers message sends by idempotency key
	dedupe *dedupe.Cache[*SendMessageResponse]

	// keepalive is the idle interval between SSE comment lines
	keepalive time.Duration
}

// initStore creates the configured store backend and loads its seed data.
func initStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	seed, err := loadSeed(cfg.Store.Seed)
	if err != nil {
		return nil, err
	}

	var s store.Store
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		s, err = store.NewSQLiteStore(seed)
	default:
		s, err = store.NewMemoryStore(seed)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	seeded := 0
	if seed != nil {
		seeded = len(seed.Conversations)
	}
	logger.Info("store ready", "backend", cfg.Store.Backend, "seed", cfg.Store.Seed, "conversations", seeded)
	return s, nil
}

// loadSeed resolves store.seed: "demo", "none" (or empty), or a file path.
func loadSeed(name string) (*store.Seed, error) {
	switch name {
	case "", config.SeedNone:
		return nil, nil
	case config.SeedDemo:
		seed, err := store.ParseSeed(assets.DemoSeed)
		if err != nil {
			return nil, fmt.Errorf("loading demo seed: %w", err)
		}
		return seed, nil
	}
	seed, err := store.LoadSeed(name)
	if err != nil {
		return nil, fmt.Errorf("loading seed %s: %w", name, err)
	}
	return seed, nil
}

// initResolver builds the bot resolver from the configured rule table.
func initResolver(cfg *config.Config, logger *slog.Logger) (*bot.Resolver, error) {
	rules := bot.DefaultRules()
	if cfg.Bot.Rules != "" {
		loaded, err := bot.LoadRules(cfg.Bot.Rules)
		if err != nil {
			return nil, fmt.Errorf("loading bot rules: %w", err)
		}
		rules = loaded
	}

	opts := []bot.Option{bot.WithLogger(logger)}
	if cfg.Bot.Seed != 0 {
		opts = append(opts, bot.WithSeed(cfg.Bot.Seed))
	}
	if cfg.Bot.TriggerScan {
		opts = append(opts, bot.WithTriggerScan())
	}
	resolver, err := bot.NewResolver(rules, opts...)
	if err != nil {
		return nil, fmt.Errorf("building bot resolver: %w", err)
	}
	return resolver, nil
}

// timingFromConfig maps turn delays and handoff wording onto the service.
func timingFromConfig(cfg *config.Config) conversation.Timing {
	return conversation.Timing{
		BotDelayMin:      cfg.Bot.DelayMin,
		BotDelayMax:      cfg.Bot.DelayMax,
		AgentPickupDelay: cfg.Turns.AgentPickupDelay,
		AgentTypingDelay: cfg.Turns.AgentTypingDelay,
		AgentID:          cfg.Turns.AgentID,
		HandoffText:      cfg.Turns.HandoffText,
	}
}

// New creates a Gateway from configuration. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	resolver, err := initResolver(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	gw := &Gateway{
		config:    cfg,
		store:     s,
		resolver:  resolver,
		analytics: analytics.New(s, analytics.WithLogger(logger)),
		logger:    logger.With("component", "gateway"),
		dedupe:    dedupe.New[*SendMessageResponse](cfg.Idempotency.TTL, dedupeMaxEntries),
		keepalive: sseKeepalive,
	}

	convOpts := []conversation.Option{
		conversation.WithLogger(logger),
		conversation.WithTiming(timingFromConfig(cfg)),
	}
	if cfg.Metrics.Enabled {
		gw.metrics = metrics.New(metrics.WithRuntimeCollectors())
		convOpts = append(convOpts, conversation.WithRecorder(gw.metrics))
	}
	gw.conversation = conversation.New(s, resolver, convOpts...)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Conversation exposes the conversation service, e.g. for the terminal chat.
func (g *Gateway) Conversation() *conversation.Service {
	return g.conversation
}

// setupTCPListener creates the standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// warnIgnoredAddress logs a warning if a server address is configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddress() {
	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddress()
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run serves HTTP and blocks until ctx is canceled or the server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}
	return g.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is canceled, then shuts everything down.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout,
// since the run context is already canceled.
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
	return filepath.Join(homeDir, ".local", "share", "coven-support", "tailscale"), nil
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

// setupTailscaleListener starts a tsnet node and listens on it for HTTP.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
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
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
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

// createTailscaleHTTPListener picks Funnel, tailnet HTTPS or plain tailnet HTTP.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, cancels pending bot turns and releases
// resources. SSE streams end when the broadcaster closes.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	g.conversation.Broadcaster().Close()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "conversation shutdown", g.conversation.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.dedupe.Close()

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	convs, err := g.store.ListConversations(ctx, store.ListFilter{})
	if err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d conversations, %d pending turns)", len(convs), g.conversation.PendingTurns())
}
