// ABOUTME: Gateway orchestrator wiring the streaming core to its HTTP, websocket, and gRPC health listeners
// ABOUTME: Owns the registry, subscription table, dispatcher, runner, and session ledger lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/coven-stream/internal/config"
	"github.com/2389/coven-stream/internal/dedupe"
	"github.com/2389/coven-stream/internal/dispatch"
	"github.com/2389/coven-stream/internal/metrics"
	"github.com/2389/coven-stream/internal/runner"
	"github.com/2389/coven-stream/internal/session"
	"github.com/2389/coven-stream/internal/store"
	"github.com/2389/coven-stream/internal/subscription"
)

// HealthService is the service name reported by the gRPC health server.
const HealthService = "coven.stream.Gateway"

// pruneInterval is how often the ledger drops sessions past retention.
const pruneInterval = time.Hour

// Gateway orchestrates the coven-stream server components.
type Gateway struct {
	config *config.Config
	logger *slog.Logger
	now    func() time.Time

	registry   *session.Registry
	table      *subscription.Table
	seen       *dedupe.Cache
	dispatcher *dispatch.Dispatcher
	hub        *Hub
	runner     runner.Runner
	store      store.Store
	metrics    *metrics.Metrics

	upgrader   websocket.Upgrader
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	// ready is false once shutdown begins.
	ready atomic.Bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithRunner replaces the runner built from configuration.
func WithRunner(r runner.Runner) Option {
	return func(g *Gateway) { g.runner = r }
}

// WithStore replaces the session ledger built from configuration.
func WithStore(s store.Store) Option {
	return func(g *Gateway) { g.store = s }
}

// WithMetrics replaces the metrics chosen by configuration.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithClock overrides the wall clock used for timestamps and session timing.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New creates a gateway from configuration. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		config: cfg,
		logger: logger.With("component", "gateway"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	if err := g.initCollaborators(logger); err != nil {
		return nil, err
	}

	s := cfg.Streaming
	g.registry = session.New(session.Options{
		IdleTimeout:   s.IdleTimeout,
		GracePeriod:   s.GracePeriod,
		SweepInterval: s.SweepInterval,
		Logger:        logger,
		Now:           g.now,
	})
	g.table = subscription.New(g.registry, logger)
	// A terminal claim must outlive the session's grace period so a slow
	// joiner can never be replayed the terminal twice.
	g.seen = dedupe.New(dedupe.Options{TTL: s.GracePeriod + s.LateDeliveryDelay + time.Minute})
	g.hub = newHub()

	d, err := dispatch.New(dispatch.Options{
		Registry:    g.registry,
		Table:       g.table,
		Deliverer:   g.hub,
		Seen:        g.seen,
		LateDelay:   s.LateDeliveryDelay,
		SendTimeout: s.SendTimeout,
		Metrics:     g.metrics,
		Logger:      logger,
		OnTerminal:  g.recordEnd,
		Now:         g.now,
	})
	if err != nil {
		g.seen.Close()
		_ = g.store.Close()
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}
	g.dispatcher = d

	g.upgrader = newUpgrader(cfg.Server.AllowedOrigins)
	mux := http.NewServeMux()
	g.routes(mux)
	g.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" {
		g.grpcServer = newGRPCServer()
		g.health = health.NewServer()
		g.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(g.grpcServer, g.health)
	}

	g.ready.Store(true)
	return g, nil
}

// initCollaborators builds whatever the options did not supply.
func (g *Gateway) initCollaborators(logger *slog.Logger) error {
	cfg := g.config

	if g.metrics == nil {
		if cfg.Metrics.Enabled {
			m, err := metrics.Global()
			if err != nil {
				return fmt.Errorf("creating metrics: %w", err)
			}
			g.metrics = m
		} else {
			g.metrics = metrics.Noop()
		}
	}

	if g.runner == nil {
		r, err := runner.New(runner.Options{
			Kind:    cfg.Runner.Kind,
			URL:     cfg.Runner.URL,
			Timeout: cfg.Runner.Timeout,
			Headers: cfg.Runner.Headers,
		})
		if err != nil {
			return fmt.Errorf("creating runner: %w", err)
		}
		g.runner = r
		logger.Info("agent flow runner configured", "kind", cfg.Runner.Kind)
	}

	if g.store == nil {
		s, err := initStore(cfg)
		if err != nil {
			return err
		}
		g.store = s
	}
	return nil
}

// initStore opens the SQLite ledger, or an in-memory one when no path is set.
func initStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.Path == "" {
		return store.NewMemoryStore(0), nil
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening session ledger: %w", err)
	}
	return s, nil
}

func newGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// Handler returns the HTTP handler serving the websocket endpoint, health
// probes, and session API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Registry exposes the session registry.
func (g *Gateway) Registry() *session.Registry { return g.registry }

// Dispatcher exposes the fan-out dispatcher.
func (g *Gateway) Dispatcher() *dispatch.Dispatcher { return g.dispatcher }

func (g *Gateway) setupListeners() (httpLn, grpcLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if g.grpcServer == nil {
		return httpLn, nil, nil
	}

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return httpLn, grpcLn, nil
}

// Run starts the listeners and the session sweeper, and blocks until ctx is
// canceled or a server fails. Either way the gateway is shut down before Run
// returns. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, grpcLn, err := g.setupListeners()
	if err != nil {
		return err
	}
	g.registry.Start()

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String(), "ws_path", g.config.Server.WSPath)
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil {
		grp.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	if g.config.Database.Retention > 0 {
		grp.Go(func() error {
			g.pruneLoop(gctx)
			return nil
		})
	}

	grp.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return grp.Wait()
}

// pruneLoop drops ledger entries past retention until ctx is done.
func (g *Gateway) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		g.prune(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (g *Gateway) prune(ctx context.Context) {
	cutoff := g.now().Add(-g.config.Database.Retention)
	n, err := g.store.PruneSessions(ctx, cutoff)
	switch {
	case err != nil && ctx.Err() == nil:
		g.logger.Error("failed to prune session ledger", "error", err)
	case n > 0:
		g.logger.Info("pruned session ledger", "removed", n, "before", cutoff)
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

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

// Shutdown stops accepting connections, ends every active session with a
// shutdown error, closes all connections, and releases the ledger. Only the
// first call does any work; later calls return its result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.ready.Store(false)
	if g.health != nil {
		g.health.Shutdown()
	}

	var errs []error
	errs = appendCloseError(errs, "dispatcher close", g.dispatcher.Close(ctx))
	g.hub.CloseAll(websocket.CloseGoingAway, "server shutting down")
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	if g.grpcServer != nil {
		g.shutdownGRPCServer(ctx)
	}
	errs = appendCloseError(errs, "waiting for connections", g.hub.wait(ctx))

	g.registry.Stop()
	g.seen.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
