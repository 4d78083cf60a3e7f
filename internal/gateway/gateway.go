// ABOUTME: Gateway orchestrator that coordinates the gRPC and HTTP servers
// ABOUTME: Owns the connection manager, registry, message registry, state store and metrics

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
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-runtime/internal/auth"
	"github.com/2389/coven-runtime/internal/config"
	"github.com/2389/coven-runtime/internal/messages"
	"github.com/2389/coven-runtime/internal/metrics"
	"github.com/2389/coven-runtime/internal/registry"
	"github.com/2389/coven-runtime/internal/store"
	"github.com/2389/coven-runtime/internal/worker"
	pb "github.com/2389/coven-runtime/proto/runtime"
)

// Tailnet ports used when tailscale is enabled.
const (
	tailnetGRPCPort = ":50061"
	tailnetHTTPPort = ":80"
)

// Gateway orchestrates the coven-runtime server components.
type Gateway struct {
	config      *config.Config
	workers     *worker.Manager
	registry    *registry.Registry
	messages    *messages.Registry
	store       store.StateStore
	metrics     *metrics.Metrics
	forwarder   *forwarder
	verifier    *auth.JWTVerifier
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// serverID identifies this gateway instance in Welcome messages
	serverID string

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithStateStore uses s instead of opening the configured backend.
func WithStateStore(s store.StateStore) Option {
	return func(g *Gateway) { g.store = s }
}

// WithMetrics uses m instead of a fresh metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithMessageRegistry uses m instead of building one from config.
func WithMessageRegistry(m *messages.Registry) Option {
	return func(g *Gateway) { g.messages = m }
}

// stateOptions translates the state section of the config for store.Open.
func stateOptions(cfg config.StateConfig) store.Options {
	return store.Options{
		Backend:       cfg.Backend,
		SQLitePath:    cfg.SQLitePath,
		RedisAddr:     cfg.Redis.Addr,
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
		RedisPrefix:   cfg.Redis.Prefix,
		PostgresURL:   cfg.PostgresURL,
	}
}

// createGRPCServer creates a gRPC server with or without auth based on config.
func createGRPCServer(cfg *config.Config, verifier *auth.JWTVerifier, logger *slog.Logger) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.Workers.KeepaliveTime,
			Timeout: cfg.Workers.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if verifier != nil {
		opts = append(opts, grpc.ChainStreamInterceptor(auth.StreamInterceptor(verifier, logger.With("component", "auth"))))
		logger.Info("auth interceptor enabled (JWT)")
	} else {
		opts = append(opts, grpc.ChainStreamInterceptor(auth.NoAuthStreamInterceptor()))
		logger.Warn("auth disabled - workers connect anonymously")
	}
	return grpc.NewServer(opts...)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		config:   cfg,
		logger:   logger.With("component", "gateway"),
		serverID: cfg.Server.ServerID,
	}
	for _, o := range opts {
		o(gw)
	}
	if gw.serverID == "" {
		gw.serverID = generateServerID()
	}

	selector, err := registry.NewSelector(cfg.Registry.Placement)
	if err != nil {
		return nil, fmt.Errorf("creating placement selector: %w", err)
	}

	if cfg.Auth.Enabled {
		gw.verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	}

	if gw.store == nil {
		gw.store, err = store.Open(context.Background(), stateOptions(cfg.State), logger.With("component", "store"))
		if err != nil {
			return nil, err
		}
	}
	if gw.metrics == nil {
		gw.metrics = metrics.New()
	}
	if gw.messages == nil {
		gw.messages = messages.New(messages.Options{
			ReplayWindow:       cfg.Messages.ReplayWindow,
			DeadLetterCapacity: cfg.Messages.DeadLetterCapacity,
			DedupeTTL:          cfg.Messages.DedupeTTL,
			DedupeSize:         cfg.Messages.DedupeSize,
		}, logger)
	}

	gw.workers = worker.NewManager(logger.With("component", "worker-manager"))
	gw.registry = registry.New(logger,
		registry.WithSelector(selector),
		registry.WithShards(cfg.Registry.Shards),
		registry.WithSubscribeHook(gw.onSubscribe),
	)
	gw.forwarder = newForwarder(forwarderConfig{
		Registry:       gw.registry,
		Workers:        gw.workers,
		Metrics:        gw.metrics,
		DefaultTimeout: cfg.RPC.DefaultTimeout,
		MaxTimeout:     cfg.RPC.MaxTimeout,
		Logger:         logger.With("component", "rpc"),
	})
	gw.registerGauges()

	gw.grpcServer = createGRPCServer(cfg, gw.verifier, logger)
	pb.RegisterAgentRuntimeServer(gw.grpcServer, newRuntimeServer(gw, logger.With("component", "grpc")))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerGauges exposes live counts that are cheaper to read at scrape time.
func (g *Gateway) registerGauges() {
	g.metrics.Gauge("pending_rpcs", "RPC requests waiting for a response", func() float64 {
		return float64(g.forwarder.pendingCount())
	})
	g.metrics.Gauge("dead_letters", "Dead-lettered events across all topics", func() float64 {
		total := 0
		for _, s := range g.messages.AllStats() {
			total += s.DeadLetters
		}
		return float64(total)
	})
	g.metrics.Gauge("agent_types", "Agent types with at least one registered worker", func() float64 {
		return float64(len(g.registry.ListAgentTypes()))
	})
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
		"server_id", g.serverID,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}
	return g.Serve(ctx, grpcLn, httpLn)
}

// Serve runs the servers on the given listeners until ctx is canceled or one
// of them fails, then shuts everything down. httpLn may be nil.
func (g *Gateway) Serve(ctx context.Context, grpcLn, httpLn net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})

	if httpLn != nil {
		eg.Go(func() error {
			g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
			if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
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
	return filepath.Join(homeDir, ".local", "share", "coven-runtime", "tailscale"), nil
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

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
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

	grpcLn, err = g.tsnetServer.Listen("tcp", tailnetGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.tsnetServer.Listen("tcp", tailnetHTTPPort)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
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

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
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

// Shutdown gracefully stops all gateway servers and releases resources.
// Only the first call does any work.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "workers", g.workers.Count())

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Closing every connection ends the stream handlers, which lets
	// GracefulStop return without waiting for workers to hang up.
	g.workers.CloseAll()
	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	g.forwarder.close()
	g.messages.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("coven-runtime-%d", time.Now().UnixNano()%1000000)
}
