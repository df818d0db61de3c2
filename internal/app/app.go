// Package app wires the relay, mirror, identity and audit components together
// and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"predictgate/config"
	"predictgate/internal/auditlog"
	"predictgate/internal/cache"
	"predictgate/internal/httpclient"
	"predictgate/internal/identity"
	"predictgate/internal/mirror"
	"predictgate/internal/observability"
	"predictgate/internal/server"
	"predictgate/internal/upstream"
)

// App represents the main application with all its dependencies.
type App struct {
	config   *config.Config
	audit    *auditlog.Result
	tracker  *identity.Tracker
	upstream *upstream.Client
	server   *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// New builds every component from cfg. The caller must call Shutdown.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	app := &App{config: cfg}

	clientCfg := httpclient.FromConfig(cfg.HTTP)
	// the upstream client negotiates and decodes compression itself
	clientCfg.DisableCompression = cfg.Upstream.AcceptCompressed
	httpClient := httpclient.NewHTTPClient(&clientCfg)

	var metrics *observability.Metrics
	var observer upstream.Observer
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
		observer = metrics
	}

	app.upstream = upstream.New(httpClient, upstream.ConfigFrom(cfg.Upstream), observer)

	store, err := newMirror(ctx, cfg.Mirror)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize upload mirror: %w", err)
	}

	auditResult, err := auditlog.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit logging: %w", err)
	}
	app.audit = auditResult

	var identityHandler *identity.Handler
	if cfg.Identity.Enabled() {
		identityHandler, err = app.initIdentity(ctx, httpClient)
		if err != nil {
			if closeErr := app.audit.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to initialize identity: %w (also: audit close error: %v)", err, closeErr)
			}
			return nil, fmt.Errorf("failed to initialize identity: %w", err)
		}
	}

	app.logStartupInfo(store)

	app.server = server.New(app.upstream, &server.Config{
		MasterKey:        cfg.Server.MasterKey,
		BodySizeLimit:    cfg.Server.BodySizeLimit,
		CORSOrigins:      cfg.Server.CORSOrigins,
		Metrics:          metrics,
		MetricsEndpoint:  cfg.Metrics.Endpoint,
		AuditLogger:      auditResult.Logger,
		Mirror:           store,
		Identity:         identityHandler,
		IdentityRequired: cfg.Identity.Required,
	})

	return app, nil
}

// newMirror returns nil when the mirror is disabled.
func newMirror(ctx context.Context, cfg config.MirrorConfig) (mirror.Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Backend {
	case config.MirrorBackendMinIO:
		store, err := mirror.NewMinIOStore(ctx, cfg.MinIO)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.MirrorBackendLocal, "":
		return mirror.NewLocalStore(cfg.Dir), nil
	default:
		return nil, fmt.Errorf("unknown mirror backend: %s", cfg.Backend)
	}
}

func (a *App) initIdentity(ctx context.Context, httpClient *http.Client) (*identity.Handler, error) {
	cfg := a.config

	var sessions cache.Store
	switch cfg.Sessions.Store {
	case config.SessionStoreRedis:
		redisStore, err := cache.NewRedisStore(cache.RedisConfig{URL: cfg.Sessions.RedisURL})
		if err != nil {
			return nil, err
		}
		sessions = redisStore
	default:
		sessions = cache.NewLocalStore(time.Minute)
	}

	provider, err := identity.NewOIDCProvider(ctx, cfg.Identity, httpClient)
	if err != nil {
		_ = sessions.Close()
		return nil, err
	}

	ttl := time.Duration(cfg.Sessions.TTLMinutes) * time.Minute
	a.tracker = identity.NewTracker(sessions, ttl)
	cookies := identity.NewCookieManager(cfg.Sessions.Secret, cfg.Sessions.CookieName, ttl)

	return identity.NewHandler(provider, a.tracker, cookies), nil
}

// Server returns the HTTP server, e.g. for httptest.
func (a *App) Server() *server.Server {
	return a.server
}

// AuditLogger returns the audit logger interface.
func (a *App) AuditLogger() auditlog.LoggerInterface {
	if a.audit == nil {
		return nil
	}
	return a.audit.Logger
}

// Start serves on addr until Shutdown. It blocks.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return errors.New("server is not initialized")
	}
	slog.Info("starting server", "address", addr, "upstream", a.upstream.Endpoint())
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown tears components down in dependency order:
// 1. HTTP server, honoring ctx
// 2. identity tracker and its session store
// 3. audit logger, which flushes pending entries before closing storage
//
// Every step is attempted and failures are joined. Repeated calls are no-ops.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if a.tracker != nil {
		if err := a.tracker.Close(); err != nil {
			slog.Error("session tracker close error", "error", err)
			errs = append(errs, fmt.Errorf("tracker close: %w", err))
		}
	}

	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			slog.Error("audit logger close error", "error", err)
			errs = append(errs, fmt.Errorf("audit close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

func (a *App) logStartupInfo(store mirror.Store) {
	cfg := a.config

	if cfg.Server.MasterKey == "" && !cfg.Identity.Required {
		slog.Warn("SECURITY WARNING: MASTER_KEY not set and identity not required - relay open to anyone",
			"security_risk", "unauthenticated access allowed",
			"recommendation", "set MASTER_KEY or IDENTITY_REQUIRED=true")
	} else {
		modes := []string{}
		if cfg.Server.MasterKey != "" {
			modes = append(modes, "master_key")
		}
		if cfg.Identity.Required {
			modes = append(modes, "oidc_session")
		}
		slog.Info("authentication enabled", "mode", strings.Join(modes, ","))
	}

	slog.Info("upstream configured",
		"endpoint", a.upstream.Endpoint(),
		"timeout_ms", cfg.Upstream.TimeoutMs,
		"max_retries", cfg.Upstream.MaxRetries,
		"circuit_breaker", a.upstream.BreakerState(),
	)

	if store != nil {
		slog.Info("upload mirror enabled", "backend", store.Backend())
	} else {
		slog.Info("upload mirror disabled")
	}

	if cfg.Identity.Enabled() {
		slog.Info("identity enabled", "issuer", cfg.Identity.IssuerURL, "session_store", cfg.Sessions.Store, "required", cfg.Identity.Required)
	} else {
		slog.Info("identity disabled")
	}

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	if cfg.Audit.Enabled {
		slog.Info("audit logging enabled",
			"storage_type", cfg.Storage.Type,
			"log_bodies", cfg.Audit.LogBodies,
			"log_headers", cfg.Audit.LogHeaders,
			"retention_days", cfg.Audit.RetentionDays,
		)
	} else {
		slog.Info("audit logging disabled")
	}
}
