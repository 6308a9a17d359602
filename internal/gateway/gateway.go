// ABOUTME: Gateway orchestrator that wires the store, registry, ledger and broker to HTTP
// ABOUTME: Manages the HTTP server, optional gRPC health server and tailscale listener lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/bundle"
	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/deploy"
	"github.com/2389/coven-dispatch/internal/ledger"
	"github.com/2389/coven-dispatch/internal/notify"
	"github.com/2389/coven-dispatch/internal/registry"
	"github.com/2389/coven-dispatch/internal/store"
)

// HealthService is the gRPC health service name reported by the gateway.
const HealthService = "coven.dispatch"

// Gateway serves the coordination protocol.
type Gateway struct {
	config      *config.Config
	store       *store.Store
	registry    *registry.Registry
	ledger      *ledger.Ledger
	broker      *bundle.Broker
	runner      *deploy.Runner
	events      notify.Publisher
	admin       *auth.Admin
	mux         *http.ServeMux
	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// New creates a Gateway, opening the configured store and event publisher.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	events, err := initPublisher(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	gw, err := newGateway(cfg, s, events, logger)
	if err != nil {
		_ = events.Close()
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// initStore opens the document store selected by storage.backend.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	var (
		backend store.Backend
		err     error
	)
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		backend, err = store.NewSQLiteBackend(cfg.Storage.Path)
	default:
		backend, err = store.NewFileBackend(cfg.Storage.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s store at %s: %w", cfg.Storage.Backend, cfg.Storage.Path, err)
	}
	return store.New(backend, logger), nil
}

// initPublisher connects to NATS when enabled.
func initPublisher(cfg *config.Config, logger *slog.Logger) (notify.Publisher, error) {
	if !cfg.NATS.Enabled {
		return notify.Nop{}, nil
	}
	pub, err := notify.DialNATS(notify.NATSConfig{
		URL:            cfg.NATS.URL,
		Token:          cfg.NATS.Token,
		SubjectPrefix:  cfg.NATS.SubjectPrefix,
		ConnectionName: "coven-dispatch",
		MaxReconnect:   -1,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting job event publisher: %w", err)
	}
	return pub, nil
}

// newGateway wires the components over an open store.
func newGateway(cfg *config.Config, s *store.Store, events notify.Publisher, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = notify.Nop{}
	}

	adminCfg := auth.AdminConfig{
		Token:    cfg.Auth.AdminToken,
		Insecure: cfg.Auth.InsecureAdmin,
	}
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating admin JWT verifier: %w", err)
		}
		adminCfg.Verifier = verifier
	}

	reg := registry.New(s, logger)
	led := ledger.New(s, reg, logger, ledger.WithPublisher(events))

	gw := &Gateway{
		config:   cfg,
		store:    s,
		registry: reg,
		ledger:   led,
		broker:   bundle.New(s, led, logger),
		runner: deploy.NewRunner(deploy.Config{
			CertScript: cfg.Deploy.CertScript,
			SPAScript:  cfg.Deploy.SPAScript,
			Timeout:    cfg.Deploy.Timeout,
		}, logger),
		events: events,
		admin:  auth.NewAdmin(adminCfg, logger),
		mux:    http.NewServeMux(),
		health: health.NewServer(),
		logger: logger.With("component", "gateway"),
	}

	if adminCfg.Open() {
		gw.logger.Warn("admin endpoints are UNAUTHENTICATED (auth.insecure_admin is set)")
	}

	gw.registerRoutes(gw.mux, logger)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if gw.grpcEnabled() {
		gw.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(gw.grpcServer, gw.health)
		gw.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	}

	return gw, nil
}

// Handler returns the HTTP handler serving the protocol.
func (g *Gateway) Handler() http.Handler {
	return g.mux
}

func (g *Gateway) grpcEnabled() bool {
	return g.config.Server.GRPCAddr != ""
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when no gRPC address is configured.
func (g *Gateway) setupTCPListeners() (httpLn, grpcLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcEnabled() {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return httpLn, grpcLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning the error channel.
func (g *Gateway) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, grpcLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(httpLn, grpcLn)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// the caller's context is already done, so shut down on a fresh one
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
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
	return filepath.Join(homeDir, ".local", "share", "coven-dispatch", "tailscale"), nil
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

// setupTailscaleListeners joins the tailnet and listens on :80, plus :50051 for gRPC health.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
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

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}

	if g.grpcEnabled() {
		grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
		if err != nil {
			_ = httpLn.Close()
			_ = g.tsnetServer.Close()
			return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}
	return httpLn, grpcLn, nil
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

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
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

// Shutdown gracefully stops all servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "event publisher close", g.events.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the agent and job documents are readable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	agents, err := g.registry.List(r.Context())
	if err == nil {
		_, err = g.ledger.List(r.Context())
	}
	if err != nil {
		g.logger.Error("readiness check failed", "error", err)
		g.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	g.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", agents.Len())
}
