// Package main is the entry point for the rollout server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply migrations.
//  3. Build the in-memory registry, exposure recorder, and service.
//  4. Wire up the API key token validator.
//  5. Start the HTTP server (:8080) and gRPC health server (:9090).
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down both servers.
//
// Invoked with a subcommand (create-api-key, list-api-keys,
// revoke-api-key) the binary performs that administrative action against
// the configured database and exits instead of serving.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/seamly/rollout/internal/config"
	"github.com/seamly/rollout/internal/logging"
	"github.com/seamly/rollout/internal/metrics"
	"github.com/seamly/rollout/internal/middleware"
	"github.com/seamly/rollout/internal/recorder"
	"github.com/seamly/rollout/internal/registry"
	"github.com/seamly/rollout/internal/repository"
	"github.com/seamly/rollout/internal/server"
	"github.com/seamly/rollout/internal/service"
	"github.com/seamly/rollout/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	registryStatsInterval = 5 * time.Second
)

func main() {
	if len(os.Args) > 1 {
		if err := runCommand(os.Args[1], os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool, repository.WithEventBatchSize(cfg.EventBatchSize))
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	rec := recorder.New(repo, recorder.Options{
		BufferSize:    cfg.ExposureBufferSize,
		FlushInterval: cfg.ExposureFlushInterval,
		Logger:        log,
		OnDrop:        m.IncExposureDrops,
	})
	go rec.Run(ctx)

	reg := registry.New()
	svc, err := service.New(ctx, repo, reg, rec, service.Options{
		ResyncInterval: cfg.CacheResyncInterval,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	go observeRegistry(ctx, svc, m)

	rateLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer rateLimiter.Stop()

	authOpts := []middleware.AuthOption{
		middleware.WithOnAuthFailure(func() { m.AuthFailuresTotal.Inc() }),
		middleware.WithRateLimiter(rateLimiter),
	}
	tokenValidator := &middleware.APIKeyValidator{Store: repo}

	apiHandler := server.NewHTTPHandlerWithOptions(svc, server.Options{
		StreamPollInterval: cfg.StreamPollInterval,
		MaxJSONBodyBytes:   cfg.MaxJSONBodySize,
		Metrics:            m,
	})
	httpHandler := middleware.HTTPRequestLogging(log)(newHTTPHandler(apiHandler, tokenValidator, authOpts...))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "rollout-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			middleware.UnaryRequestLoggingInterceptor(log),
			m.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			middleware.StreamRequestLoggingInterceptor(log),
			m.StreamServerInterceptor(),
		),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr, "grpc_addr", cfg.GRPCAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	return serveErr
}

// observeRegistry keeps the registry gauges current. Reload counts come from
// the service's resync counter.
func observeRegistry(ctx context.Context, svc *service.Service, m *metrics.Metrics) {
	ticker := time.NewTicker(registryStatsInterval)
	defer ticker.Stop()

	var lastResyncs int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetRegistrySize("flag", float64(len(svc.ListFlags())))
			m.SetRegistrySize("segment", float64(len(svc.ListSegments())))
			m.SetRegistrySize("experiment", float64(len(svc.ListExperiments())))

			resyncs := svc.Resyncs()
			for ; lastResyncs < resyncs; lastResyncs++ {
				m.IncRegistryReloads()
			}
		}
	}
}

// newHTTPHandler wraps the /v1 API in bearer-token auth while leaving health
// and metrics endpoints public.
func newHTTPHandler(apiHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}
