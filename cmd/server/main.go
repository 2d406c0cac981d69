// Package main boots the gradual server: configuration, database pool,
// schema migrations, the flag service with its in-memory cache, and the
// HTTP API with optional bearer-token authentication.
package main

import (
	"context"
	"crypto/subtle"
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

	"github.com/gradualhq/gradual/internal/config"
	"github.com/gradualhq/gradual/internal/logging"
	"github.com/gradualhq/gradual/internal/metrics"
	"github.com/gradualhq/gradual/internal/middleware"
	"github.com/gradualhq/gradual/internal/repository"
	"github.com/gradualhq/gradual/internal/server"
	"github.com/gradualhq/gradual/internal/service"
	"github.com/gradualhq/gradual/internal/tracing"
)

const shutdownGrace = 10 * time.Second

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
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

	flushTraces, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := flushTraces(flushCtx); err != nil {
			log.Error("flush traces", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database pool: %w", err)
	}
	defer pool.Close()

	if err := applyMigrations(pool); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool, repository.WithEventBatchSize(cfg.EventBatchSize))

	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	svc, err := service.New(ctx, repo,
		service.WithCacheMetrics(m.IncCacheLoads, m.IncCacheInvalidations, m.SetCacheSize),
		service.WithCacheResyncInterval(cfg.CacheResyncInterval),
	)
	if err != nil {
		return fmt.Errorf("start flag service: %w", err)
	}

	api := server.NewHTTPHandler(svc,
		server.WithStreamPollInterval(cfg.StreamPollInterval),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithMetrics(m),
		server.WithAPIKeyStore(repo),
		server.WithAuditStore(repo),
		server.WithVersion(version),
	)

	handler := http.Handler(api)
	if cfg.AdminToken == "" {
		log.Warn("ADMIN_TOKEN is not set; API authentication is disabled")
	} else {
		limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
		defer limiter.Stop()

		handler = newProtectedHandler(api,
			&bearerTokenValidator{adminToken: cfg.AdminToken, lookup: repo},
			middleware.WithOnAuthFailure(m.AuthFailuresTotal.Inc),
			middleware.WithRateLimiter(limiter),
		)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(middleware.RequestLogging(log)(handler), "gradual-http"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}
	defer ln.Close()

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http serve: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr, "version", version)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	stop()
	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) && serveErr == nil {
		serveErr = fmt.Errorf("http shutdown: %w", err)
	}
	return serveErr
}

// newProtectedHandler puts the API behind bearer auth while leaving the
// health and metrics endpoints reachable without credentials.
func newProtectedHandler(api http.Handler, v middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	authed := middleware.BearerAuth(v, opts...)(api)

	mux := http.NewServeMux()
	mux.Handle("/v1/", authed)
	mux.Handle("GET /healthz", api)
	mux.Handle("GET /metrics", api)
	return mux
}

var (
	errValidatorNotConfigured = errors.New("token validator is not configured")
	errMalformedToken         = errors.New("token is neither the admin token nor an api key")
	errKeyMismatch            = errors.New("api key secret mismatch")
)

type apiKeyHashLookup interface {
	GetAPIKeyHash(ctx context.Context, id string) (string, error)
}

// bearerTokenValidator accepts the static admin token or an API key in
// "keyID.secret" form, resolving the stored hash through the repository.
type bearerTokenValidator struct {
	adminToken string
	lookup     apiKeyHashLookup
}

func (v *bearerTokenValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if v == nil || v.lookup == nil {
		return "", errValidatorNotConfigured
	}
	if v.adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(v.adminToken)) == 1 {
		return "admin", nil
	}
	return v.validateAPIKey(ctx, token)
}

func (v *bearerTokenValidator) validateAPIKey(ctx context.Context, token string) (string, error) {
	keyID, secret, ok := strings.Cut(token, ".")
	if !ok || strings.TrimSpace(keyID) == "" || secret == "" {
		return "", errMalformedToken
	}
	hash, err := v.lookup.GetAPIKeyHash(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("resolve api key %q: %w", keyID, err)
	}
	if !middleware.APIKeyMatchesHash(hash, secret) {
		return "", errKeyMismatch
	}
	return keyID, nil
}
