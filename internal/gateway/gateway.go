// ABOUTME: Gateway orchestrator that coordinates the HTTP, WebSocket and gRPC servers
// ABOUTME: Wires store, real-time fan-out, presence and the conversation service together

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/presence"
	"github.com/2389/coven-chat/internal/realtime"
	"github.com/2389/coven-chat/internal/store"
)

// Gateway orchestrates the coven-chat server components.
type Gateway struct {
	config       *config.Config
	store        store.Store
	conversation *conversation.Service
	presence     *presence.Signaler
	verifier     *auth.JWTVerifier
	logger       *slog.Logger

	// broadcaster delivers events to sessions connected to this instance
	broadcaster *realtime.Broadcaster

	// publisher fans events out to the broadcaster, the relay and the exporter
	publisher realtime.Publisher

	// relay and exporter are nil unless enabled in config
	relay    *realtime.RedisRelay
	exporter *realtime.KafkaExporter
	redis    *redis.Client

	dedupe   *dedupe.Cache
	sessions *sessionRegistry
	upgrader websocket.Upgrader

	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
}

// initStore opens the store selected by database.driver.
func initStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := store.NewMongoStore(ctx, cfg.Database.MongoURI, cfg.Database.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("initializing mongo store: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// needsRedis reports whether any component is configured to use Redis.
func needsRedis(cfg *config.Config) bool {
	return cfg.Presence.Backend == "redis" || cfg.Redis.Relay
}

// createGRPCServer creates the gRPC server carrying the standard health service.
func createGRPCServer() (*grpc.Server, *health.Server) {
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
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// New creates a new Gateway instance with the given configuration.
// Pass nil logger for default.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:      cfg,
		store:       s,
		verifier:    verifier,
		logger:      logger.With("component", "gateway"),
		broadcaster: realtime.NewBroadcaster(logger),
		dedupe:      dedupe.New(cfg.Messages.IdempotencyTTL, cfg.Messages.IdempotencyMaxKeys),
		sessions:    newSessionRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	if needsRedis(cfg) {
		gw.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	if cfg.Redis.Relay {
		gw.relay = realtime.NewRedisRelay(gw.redis, cfg.Redis.Channel, gw.broadcaster, logger)
		gw.logger.Info("redis relay enabled", "channel", cfg.Redis.Channel, "origin", gw.relay.Origin())
	}
	if cfg.Kafka.Enabled {
		gw.exporter = realtime.NewKafkaExporter(realtime.ExportConfig{
			Brokers:         cfg.Kafka.Brokers,
			Topic:           cfg.Kafka.Topic,
			BreakerFailures: cfg.Kafka.BreakerFailures,
			BreakerTimeout:  cfg.Kafka.BreakerTimeout,
			QueueSize:       cfg.Kafka.QueueSize,
		}, logger)
		gw.logger.Info("kafka export enabled", "topic", cfg.Kafka.Topic)
	}

	// Only configured publishers join the fan-out.
	publishers := []realtime.Publisher{gw.broadcaster}
	if gw.relay != nil {
		publishers = append(publishers, gw.relay)
	}
	if gw.exporter != nil {
		publishers = append(publishers, gw.exporter)
	}
	gw.publisher = realtime.NewFanout(publishers...)

	var state presence.State = presence.NewMemoryState()
	if cfg.Presence.Backend == "redis" {
		state = presence.NewRedisState(gw.redis, cfg.Redis.Prefix)
	}
	gw.presence = presence.NewSignaler(state, gw.publisher, logger)

	gw.conversation = conversation.New(s, gw.publisher, gw.presence, gw.dedupe, conversation.Options{
		MaxContentLength: cfg.Messages.MaxLength,
		DefaultPageSize:  cfg.Messages.DefaultPageSize,
		MaxPageSize:      cfg.Messages.MaxPageSize,
	}, logger)

	gw.grpcServer, gw.health = createGRPCServer()

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Conversation exposes the service, for the CLI's user management.
func (g *Gateway) Conversation() *conversation.Service {
	return g.conversation
}

// setupListeners creates TCP listeners. grpcLn is nil when gRPC is disabled.
func (g *Gateway) setupListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// startServers starts every server in its own goroutine, returning the error channel.
func (g *Gateway) startServers(ctx context.Context, grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 3)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if g.relay != nil {
		go func() {
			if err := g.relay.Run(ctx); err != nil {
				errCh <- fmt.Errorf("redis relay: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	errCh := g.startServers(runCtx, grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(runCtx, errCh)
	cancel()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
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
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Hijacked WebSocket connections are not closed by http.Server.Shutdown.
	g.sessions.closeAll()

	g.shutdownGRPCServer(ctx)

	if g.exporter != nil {
		errs = appendCloseError(errs, "kafka close", g.exporter.Close())
	}
	if g.redis != nil {
		errs = appendCloseError(errs, "redis close", g.redis.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.dedupe.Close()
	g.broadcaster.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
