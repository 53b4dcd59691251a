// Package main is the entry point for the flightz server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and run embedded migrations.
//  3. Load the tenant configuration file.
//  4. Build the repository, downstream store client, webhook event bus,
//     optimizer, and the flight service.
//  5. Wire up the API key token validator and start the HTTP server.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down.
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
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flightz/internal/config"
	"github.com/matt-riley/flightz/internal/logging"
	"github.com/matt-riley/flightz/internal/metrics"
	"github.com/matt-riley/flightz/internal/middleware"
	"github.com/matt-riley/flightz/internal/optimizer"
	"github.com/matt-riley/flightz/internal/repository"
	"github.com/matt-riley/flightz/internal/server"
	"github.com/matt-riley/flightz/internal/service"
	"github.com/matt-riley/flightz/internal/store"
	"github.com/matt-riley/flightz/internal/tenant"
	"github.com/matt-riley/flightz/internal/tracing"
	"github.com/matt-riley/flightz/internal/webhook"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
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

	tenants, err := tenant.NewFileProvider(cfg.TenantsFile)
	if err != nil {
		return fmt.Errorf("load tenants: %w", err)
	}
	log.Info("tenant configuration loaded", "tenants", tenants.Names())

	repo := repository.NewPostgresRepository(pool)
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)
	flagStore := store.New(cfg.FlagStoreURL, cfg.FlagStoreToken)
	bus := webhook.New(log, repo, tenants)

	svc, err := service.New(tenants, repo, flagStore,
		optimizer.New(log), bus, middleware.ContextIdentity{},
		service.WithLogger(log),
		service.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	tokenValidator := &apiKeyTokenValidator{lookup: repo}
	rateLimiter := middleware.NewRateLimiter(ctx, 0)
	defer rateLimiter.Stop()

	handler := server.NewHTTPHandler(svc, repo, server.Options{
		MaxJSONBodyBytes: cfg.MaxJSONBodySize,
		MetricsHandler:   m.Handler(),
		AuthMiddleware: middleware.HTTPBearerAuthMiddleware(tokenValidator,
			middleware.WithOnAuthFailure(func() { m.AuthFailuresTotal.Inc() }),
			middleware.WithRateLimiter(rateLimiter),
		),
	})
	handler = middleware.HTTPRequestLogging(log, middleware.WithRequestObserver(m))(handler)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(handler, "flightz-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

type apiKeyHashLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, string, error)
}

type apiKeyTokenValidator struct {
	lookup apiKeyHashLookup
}

func (v *apiKeyTokenValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if v == nil || v.lookup == nil {
		return "", errors.New("api key validator is nil")
	}

	keyID, rawSecret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || rawSecret == "" {
		return "", errors.New("invalid token format")
	}

	keyHash, tenantName, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("lookup key hash: %w", err)
	}
	if !middleware.APIKeyMatchesHash(keyHash, rawSecret) {
		return "", errors.New("invalid token")
	}

	return tenantName, nil
}
