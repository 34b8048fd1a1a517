// ABOUTME: Gateway orchestrator that coordinates gRPC and HTTP servers
// ABOUTME: Assembles the chat service from configuration and manages its lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/chorus-gateway/internal/agents"
	"github.com/2389/chorus-gateway/internal/chat"
	"github.com/2389/chorus-gateway/internal/client"
	"github.com/2389/chorus-gateway/internal/config"
	"github.com/2389/chorus-gateway/internal/conversation"
	"github.com/2389/chorus-gateway/internal/fanout"
	"github.com/2389/chorus-gateway/internal/model"
	"github.com/2389/chorus-gateway/internal/model/anthropic"
	"github.com/2389/chorus-gateway/internal/model/openai"
	"github.com/2389/chorus-gateway/internal/model/scripted"
	"github.com/2389/chorus-gateway/internal/store"
	"github.com/2389/chorus-gateway/internal/telemetry"
	"github.com/2389/chorus-gateway/internal/tools"
	"github.com/2389/chorus-gateway/internal/workflow"
)

// redisDialTimeout bounds the startup PING to Redis.
const redisDialTimeout = 5 * time.Second

// Gateway orchestrates the chorus-gateway server components.
// It serves chorus.v1.Chat over gRPC and the JSON/SSE API over HTTP.
type Gateway struct {
	config     *config.Config
	store      store.TranscriptStore
	redis      *redis.Client
	fragments  *conversation.Store
	agents     *agents.Registry
	workflows  *workflow.Orchestrator
	chat       *chat.Service
	rpc        *client.ChatService
	grpcServer *grpc.Server
	httpServer *http.Server
	logger     *slog.Logger

	// streams is the base context of HTTP requests; cancelling it ends open SSE streams
	streams      context.Context
	closeStreams context.CancelFunc

	// draining is set once shutdown starts; /health/ready reports 503 from then on
	draining atomic.Bool
}

// Components are the externally backed parts of a gateway. Nil fields are
// optional except Generator.
type Components struct {
	Generator   model.Generator
	Transcripts store.TranscriptStore
	Mirror      conversation.Mirror
	Telemetry   *telemetry.Recorder
}

// New creates a Gateway from configuration: the model provider, the SQLite
// archive and, when enabled, the Redis mirror.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	var (
		rdb    *redis.Client
		mirror conversation.Mirror
	)
	if cfg.Fanout.Redis.Enabled {
		rdb, err = dialRedis(cfg.Fanout.Redis)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		mirror = fanout.NewRedisMirror(rdb, fanout.Options{
			MaxLen: cfg.Fanout.Redis.StreamMaxLen,
			TTL:    cfg.Fanout.Redis.TTL,
			Logger: logger,
		})
		logger.Info("redis fan-out enabled", "addr", cfg.Fanout.Redis.Addr)
	}

	gw, err := Assemble(cfg, Components{
		Generator:   buildGenerator(cfg.Model),
		Transcripts: s,
		Mirror:      mirror,
		Telemetry:   telemetry.NewGlobal(),
	}, logger)
	if err != nil {
		_ = s.Close()
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, err
	}
	gw.redis = rdb
	return gw, nil
}

// Assemble wires a Gateway around the given components. Agents and
// workflows from cfg are applied on top of the built-in catalog.
func Assemble(cfg *config.Config, c Components, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if c.Generator == nil {
		return nil, errors.New("gateway requires a model generator")
	}

	registry, err := buildAgents(cfg.Agents, logger)
	if err != nil {
		return nil, err
	}

	gen := model.NewRateLimited(c.Generator, cfg.Model.RequestsPerSecond, 1)
	runner := agents.NewRunner(registry, gen, tools.NewDefaultRegistry(), agents.RunnerOptions{
		Model:         cfg.Model.Model,
		MaxTokens:     cfg.Model.MaxTokens,
		Temperature:   cfg.Model.Temperature,
		MaxToolRounds: cfg.Model.MaxToolRounds,
		Logger:        logger,
	})

	orch := workflow.NewOrchestrator(runner, workflow.Options{
		MaxHops: cfg.Streaming.MaxHops,
		Logger:  logger,
	})
	if err := defineWorkflows(orch, cfg.Workflows); err != nil {
		return nil, err
	}

	fragments := conversation.NewStore(logger)
	if c.Mirror != nil {
		fragments.SetMirror(c.Mirror)
	}

	svc := chat.New(chat.Deps{
		Fragments:   fragments,
		Runner:      runner,
		Workflows:   orch,
		Transcripts: c.Transcripts,
		Telemetry:   c.Telemetry,
		Logger:      logger,
	}, chatOptions(cfg.Streaming))

	streams, closeStreams := context.WithCancel(context.Background())
	gw := &Gateway{
		config:       cfg,
		store:        c.Transcripts,
		fragments:    fragments,
		agents:       registry,
		workflows:    orch,
		chat:         svc,
		rpc:          client.NewChatService(svc, logger),
		grpcServer:   createGRPCServer(),
		logger:       logger.With("component", "gateway"),
		streams:      streams,
		closeStreams: closeStreams,
	}

	client.Register(gw.grpcServer, gw.rpc)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return streams },
	}

	return gw, nil
}

// initStore opens the SQLite transcript archive. An empty path keeps the
// archive in memory.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = ":memory:"
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func dialRedis(cfg config.RedisConfig) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	return fanout.Dial(ctx, cfg.Addr, cfg.Password, cfg.DB)
}

// buildGenerator selects the model provider. Config validation has already
// rejected unknown providers.
func buildGenerator(cfg config.ModelConfig) model.Generator {
	switch cfg.Provider {
	case "openai":
		return openai.New(openai.Options{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
	case "anthropic":
		return anthropic.New(anthropic.Options{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
	default:
		return scripted.Echo(0)
	}
}

func buildAgents(defs []config.AgentConfig, logger *slog.Logger) (*agents.Registry, error) {
	registry := agents.NewDefaultRegistry(logger)
	for _, d := range defs {
		err := registry.Override(agents.Definition{
			Name:           d.Name,
			Description:    d.Description,
			Instructions:   d.Instructions,
			HandoffTargets: d.HandoffTargets,
			Tools:          d.Tools,
			Model:          d.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", d.Name, err)
		}
	}
	return registry, nil
}

func defineWorkflows(orch *workflow.Orchestrator, defs []config.WorkflowConfig) error {
	for _, spec := range workflow.DefaultWorkflows() {
		if err := orch.Define(spec); err != nil {
			return fmt.Errorf("built-in workflow %q: %w", spec.Name, err)
		}
	}
	for _, d := range defs {
		spec := workflow.WorkflowSpec{
			Name:        d.Name,
			Description: d.Description,
			Mode:        workflow.Mode(d.Mode),
			Steps:       d.Steps,
			Entry:       d.Entry,
		}
		for _, e := range d.Edges {
			spec.Edges = append(spec.Edges, workflow.Edge{From: e.From, To: e.To, Condition: e.Condition})
		}
		if err := orch.Define(spec); err != nil {
			return fmt.Errorf("workflow %q: %w", d.Name, err)
		}
	}
	return nil
}

func chatOptions(s config.StreamingConfig) chat.Options {
	return chat.Options{
		PlaceholderText:    s.PlaceholderText,
		ErrorText:          s.ErrorText,
		StallTimeout:       s.StallTimeout,
		MaxHistoryMessages: s.MaxHistoryMessages,
		ConversationTTL:    s.ConversationTTL,
		MaxConversations:   s.MaxConversations,
		IdempotencyTTL:     s.IdempotencyTTL,
	}
}

// createGRPCServer creates the gRPC server with keepalive tuned for
// long-lived Subscribe streams.
func createGRPCServer() *grpc.Server {
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

// Chat returns the chat service.
func (g *Gateway) Chat() *chat.Service {
	return g.chat
}

// Handler returns the HTTP API handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
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

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

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
	grpcListener, httpListener, err := g.setupTCPListeners()
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
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

// Shutdown cancels running turns, stops both servers and releases the
// archive and Redis connections. Subscriber streams end when their
// conversations are released.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !g.draining.CompareAndSwap(false, true) {
		return nil
	}
	g.logger.Info("shutting down gateway", "active_turns", g.chat.ActiveTurns())

	var errs []error
	// turns are cancelled first so their final fragments reach open streams
	errs = appendCloseError(errs, "chat shutdown", g.chat.Shutdown(ctx))
	g.closeStreams()
	g.rpc.Drain()

	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	if g.redis != nil {
		errs = appendCloseError(errs, "mirror flush", g.fragments.FlushMirror(ctx))
		errs = appendCloseError(errs, "redis close", g.redis.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the gateway accepts turns.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d active turns)", g.chat.ActiveTurns())
}
