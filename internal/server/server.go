// ABOUTME: Server wires the store, bus, conversation service, sessions and HTTP API together
// ABOUTME: Runs the HTTP server and an optional gRPC health server until the context ends

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/coven-chat/internal/api"
	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/metrics"
	"github.com/2389/coven-chat/internal/notify"
	"github.com/2389/coven-chat/internal/session"
	"github.com/2389/coven-chat/internal/store"
)

// HealthServiceName is the gRPC health service name reported alongside the
// overall server status.
const HealthServiceName = "coven.chat"

// shutdownTimeout bounds graceful shutdown once the context is canceled.
const shutdownTimeout = 5 * time.Second

// Server orchestrates the coven-chat components.
type Server struct {
	config     *config.Config
	store      store.Store
	bus        *conversation.GroupBus
	convs      *conversation.Service
	dedupe     *dedupe.Cache
	metrics    *metrics.Collector
	handler    http.Handler
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger
}

// New builds a server from cfg. The database is opened here; Run serves.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	return newServer(cfg, st, logger), nil
}

// initStore opens the SQLite store described by cfg.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	opts := []store.Option{store.WithLogger(logger)}
	if cfg.Messaging.StrictParticipantSets {
		opts = append(opts, store.WithStrictParticipantSets())
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path, opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newSink builds the notification sink chain from config.
func newSink(cfg config.NotificationsConfig, st store.NotificationStore, logger *slog.Logger) notify.Sink {
	var sinks notify.MultiSink
	if cfg.Store {
		sinks = append(sinks, notify.NewStoreSink(st))
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL, nil, cfg.Timeout, notify.DefaultBreakerConfig(), logger))
	}

	switch len(sinks) {
	case 0:
		logger.Warn("notifications disabled: no store and no webhook configured")
		return notify.DiscardSink{}
	case 1:
		return sinks[0]
	default:
		return sinks
	}
}

func newServer(cfg *config.Config, st store.Store, logger *slog.Logger) *Server {
	collector := metrics.NewCollector(metrics.DefaultNamespace)

	bus := conversation.NewGroupBus(cfg.Messaging.SessionBuffer, logger)
	bus.SetMetrics(collector)

	fanout := notify.NewFanout(newSink(cfg.Notifications, st, logger), cfg.Notifications.Timeout, logger)
	fanout.SetMetrics(collector)

	convs := conversation.New(st, bus, logger,
		conversation.WithNotifier(fanout),
		conversation.WithMetrics(collector),
		conversation.WithHistoryLimit(cfg.Messaging.HistoryLimit))

	frames := dedupe.New(cfg.Messaging.DedupeTTL, 0)

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	sessions := session.NewHandler(convs, bus, session.HandlerOptions{
		Config: session.Config{
			WriteTimeout: cfg.Messaging.WriteTimeout,
			PingInterval: cfg.Messaging.PingInterval,
		},
		Dedupe:  frames,
		Metrics: collector,
		Reject:  api.RejectUpgrade(logger),
		Logger:  logger,
	})

	var notifications store.NotificationStore
	if cfg.Notifications.Store {
		notifications = st
	}

	routerOpts := api.RouterOptions{
		Handlers: api.NewHandlers(convs, notifications, logger),
		Identity: auth.NewJWTProvider(verifier),
		Sessions: sessions,
		Ready:    st,
		Logger:   logger,
	}
	if cfg.Metrics.Enabled {
		routerOpts.Metrics = collector
		routerOpts.MetricsPath = cfg.Metrics.Path
	}
	handler := api.NewRouter(routerOpts)

	s := &Server{
		config:  cfg,
		store:   st,
		bus:     bus,
		convs:   convs,
		dedupe:  frames,
		metrics: collector,
		handler: handler,
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "server"),
	}

	if cfg.Server.GRPCAddr != "" {
		s.grpcServer, s.health = newGRPCServer()
	}

	return s
}

// newGRPCServer creates a gRPC server exposing only grpc.health.v1.
func newGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// Handler returns the HTTP handler serving the API, WebSocket, health and metrics.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Metrics returns the server's collector.
func (s *Server) Metrics() *metrics.Collector {
	return s.metrics
}

// Conversations returns the conversation service.
func (s *Server) Conversations() *conversation.Service {
	return s.convs
}

// setupListeners opens the configured TCP listeners. grpcLn is nil when no
// gRPC address is configured.
func (s *Server) setupListeners() (httpLn, grpcLn net.Listener, err error) {
	httpLn, err = net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if s.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", s.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return httpLn, grpcLn, nil
}

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	httpLn, grpcLn, err := s.setupListeners()
	if err != nil {
		_ = s.gracefulShutdown()
		return err
	}
	return s.Serve(ctx, httpLn, grpcLn)
}

// Serve runs on the given listeners. grpcLn may be nil. The server is shut
// down and the store closed before Serve returns.
func (s *Server) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil && s.grpcServer != nil {
		g.Go(func() error {
			s.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("initiating shutdown")
		return s.gracefulShutdown()
	})

	return g.Wait()
}

// gracefulShutdown uses a fresh context since the serving context is
// already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops accepting requests, ends every chat session and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	// Hijacked WebSocket connections are not tracked by http.Server;
	// closing the bus ends their sessions.
	s.bus.Close()

	if s.grpcServer != nil {
		s.health.Shutdown()
		s.shutdownGRPCServer(ctx)
	}

	s.dedupe.Close()

	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	return errors.Join(errs...)
}

func (s *Server) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}
