package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"predictgate/config"
	"predictgate/internal/auditlog"
	"predictgate/internal/core"
	"predictgate/internal/identity"
	"predictgate/internal/mirror"
	"predictgate/internal/observability"
)

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options
type Config struct {
	MasterKey     string // Optional bearer token accepted on the API routes
	BodySizeLimit int64  // Max request body size in bytes (default: 32MB)
	CORSOrigins   string // Comma-separated browser origins, empty disables CORS

	// Metrics is nil when metrics are disabled.
	Metrics         *observability.Metrics
	MetricsEndpoint string

	AuditLogger auditlog.LoggerInterface

	// Mirror is nil when the upload mirror is disabled.
	Mirror mirror.Store

	// Identity is nil when no issuer is configured.
	Identity         *identity.Handler
	IdentityRequired bool
}

// New creates the HTTP server around relay.
func New(relay Relay, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	handler := NewHandler(relay, cfg.Mirror)

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(core.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(requestLogger())
	e.Use(middleware.Recover())
	if origins := splitOrigins(cfg.CORSOrigins); len(origins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     origins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID},
			ExposeHeaders:    []string{echo.HeaderXRequestID},
			AllowCredentials: true,
		}))
	}

	bodySizeLimit := config.DefaultBodySizeLimit
	if cfg.BodySizeLimit > 0 {
		bodySizeLimit = cfg.BodySizeLimit
	}
	e.Use(middleware.BodyLimit(strconv.FormatInt(bodySizeLimit, 10)))

	if cfg.Metrics != nil {
		e.Use(cfg.Metrics.Middleware())
	}
	if cfg.AuditLogger != nil {
		e.Use(auditlog.Middleware(cfg.AuditLogger))
	}

	// Public routes
	e.GET("/health", handler.Health)
	if cfg.Metrics != nil {
		e.GET(metricsPath(cfg.MetricsEndpoint), echo.WrapHandler(cfg.Metrics.Handler()))
	}
	e.GET("/api/trains/sample", handler.SampleTrains)

	var sessions SessionReader
	if cfg.Identity != nil {
		sessions = cfg.Identity
		e.GET("/auth/login", cfg.Identity.Login)
		e.GET("/auth/callback", cfg.Identity.Callback)
		e.GET("/auth/logout", cfg.Identity.Logout)
		e.GET("/auth/session", cfg.Identity.Session)
	} else {
		e.GET("/auth/session", handler.SignedOutSession)
	}

	// Relay routes
	api := e.Group("/api", AuthMiddleware(cfg.MasterKey, sessions, cfg.IdentityRequired))
	api.POST("/predict", handler.Predict)
	if cfg.Mirror != nil {
		api.POST("/upload", handler.Upload)
		e.GET(mirror.PublicPrefix+"*", handler.ServeUpload)
	}

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// metricsPath cleans the configured path. Paths under /api/ or /auth/ fall
// back to /metrics so the endpoint cannot shadow an application route.
func metricsPath(endpoint string) string {
	if endpoint == "" {
		return "/metrics"
	}
	p := path.Clean("/" + endpoint)
	for _, reserved := range []string{"/api", "/auth", strings.TrimSuffix(mirror.PublicPrefix, "/")} {
		if p == reserved || strings.HasPrefix(p, reserved+"/") {
			slog.Warn("metrics endpoint overlaps application routes, using /metrics", "endpoint", endpoint)
			return "/metrics"
		}
	}
	if p == "/" || p == "/health" {
		return "/metrics"
	}
	return p
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
				"request_id", v.RequestID,
			}
			ctx := c.Request().Context()
			switch {
			case v.Error != nil:
				slog.ErrorContext(ctx, "request failed", append(attrs, "error", v.Error)...)
			case v.Status >= http.StatusInternalServerError:
				slog.WarnContext(ctx, "request", attrs...)
			default:
				slog.InfoContext(ctx, "request", attrs...)
			}
			return nil
		},
	})
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
