// Package config provides configuration management for the application.
//
// Values are resolved in this order, later sources winning:
// built-in defaults, the YAML config file (with ${VAR} and ${VAR:-default}
// expansion), then environment variables. A .env file in the working
// directory is loaded into the environment first when present.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultBodySizeLimit is the default maximum request body size (32MB).
const DefaultBodySizeLimit int64 = 32 * 1024 * 1024

// DefaultUpstreamPath is appended to the upstream base URL for predictions.
const DefaultUpstreamPath = "/predict_csv/"

// DefaultUpstreamTimeoutMs bounds the upstream round trip including the body read.
const DefaultUpstreamTimeoutMs = 60_000

// Mirror backends.
const (
	MirrorBackendLocal = "local"
	MirrorBackendMinIO = "minio"
)

// Session store backends.
const (
	SessionStoreLocal = "local"
	SessionStoreRedis = "redis"
)

// Config holds the application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Mirror   MirrorConfig   `yaml:"mirror"`
	Identity IdentityConfig `yaml:"identity"`
	Sessions SessionsConfig `yaml:"sessions"`
	Storage  StorageConfig  `yaml:"storage"`
	Audit    AuditConfig    `yaml:"audit"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port          string `yaml:"port"`
	MasterKey     string `yaml:"master_key"`
	BodySizeLimit int64  `yaml:"body_size_limit"`
	// CORSOrigins is a comma-separated list of allowed browser origins.
	CORSOrigins string `yaml:"cors_origins"`
}

// UpstreamConfig describes the prediction service the relay forwards to.
type UpstreamConfig struct {
	URL       string            `yaml:"url"`
	Path      string            `yaml:"path"`
	Headers   map[string]string `yaml:"headers"`
	TimeoutMs int               `yaml:"timeout_ms"`
	// MaxRetries applies to connection-level failures only.
	MaxRetries       int           `yaml:"max_retries"`
	AcceptCompressed bool          `yaml:"accept_compressed"`
	Breaker          BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds the upstream circuit breaker settings.
type BreakerConfig struct {
	Enabled          bool `yaml:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold"`
	SuccessThreshold int  `yaml:"success_threshold"`
	// TimeoutSeconds is how long the breaker stays open.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// MirrorConfig configures the upload mirror endpoint.
type MirrorConfig struct {
	Enabled bool        `yaml:"enabled"`
	Backend string      `yaml:"backend"`
	Dir     string      `yaml:"dir"`
	MinIO   MinIOConfig `yaml:"minio"`
}

// MinIOConfig holds S3-compatible object storage settings for the mirror.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// IdentityConfig holds OIDC sign-in settings. Identity is disabled when IssuerURL is empty.
type IdentityConfig struct {
	IssuerURL    string `yaml:"issuer_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	// Required gates the relay and mirror routes behind a signed-in session
	// or the master key.
	Required bool `yaml:"required"`
}

// Enabled reports whether an identity provider is configured.
func (c IdentityConfig) Enabled() bool {
	return strings.TrimSpace(c.IssuerURL) != ""
}

// SessionsConfig holds the session cookie and store settings.
type SessionsConfig struct {
	Secret     string `yaml:"secret"`
	CookieName string `yaml:"cookie_name"`
	TTLMinutes int    `yaml:"ttl_minutes"`
	Store      string `yaml:"store"`
	RedisURL   string `yaml:"redis_url"`
}

// StorageConfig holds the audit log database settings.
type StorageConfig struct {
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	MongoDB    MongoDBConfig    `yaml:"mongodb"`
}

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLConfig holds PostgreSQL settings.
type PostgreSQLConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBConfig holds MongoDB settings.
type MongoDBConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// AuditConfig holds audit logging settings for relay and mirror traffic.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled"`
	LogBodies  bool `yaml:"log_bodies"`
	LogHeaders bool `yaml:"log_headers"`
	BufferSize int  `yaml:"buffer_size"`
	// FlushInterval is in seconds.
	FlushInterval int `yaml:"flush_interval"`
	RetentionDays int `yaml:"retention_days"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// LogConfig controls process log output.
type LogConfig struct {
	// Format is "json", "text" or "pretty". Empty picks pretty on a terminal, json otherwise.
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// HTTPConfig holds outbound HTTP client settings, in seconds.
type HTTPConfig struct {
	Timeout               int `yaml:"timeout"`
	ResponseHeaderTimeout int `yaml:"response_header_timeout"`
}

// Load reads configuration from .env, the YAML config file and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional

	cfg := buildDefaultConfig()

	path, err := findConfigFile()
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8080",
			BodySizeLimit: DefaultBodySizeLimit,
		},
		Upstream: UpstreamConfig{
			Path: DefaultUpstreamPath,
			Headers: map[string]string{
				"ngrok-skip-browser-warning": "true",
			},
			TimeoutMs:  DefaultUpstreamTimeoutMs,
			MaxRetries: 1,
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				SuccessThreshold: 1,
				TimeoutSeconds:   30,
			},
		},
		Mirror: MirrorConfig{
			Enabled: true,
			Backend: MirrorBackendLocal,
			Dir:     "static/uploads",
			MinIO: MinIOConfig{
				Prefix: "uploads/",
			},
		},
		Sessions: SessionsConfig{
			CookieName: "predictgate_session",
			TTLMinutes: 12 * 60,
			Store:      SessionStoreLocal,
		},
		Storage: StorageConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: "data/predictgate.db",
			},
			PostgreSQL: PostgreSQLConfig{
				MaxConns: 10,
			},
			MongoDB: MongoDBConfig{
				Database: "predictgate",
			},
		},
		Audit: AuditConfig{
			BufferSize:    1000,
			FlushInterval: 5,
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{
			Endpoint: "/metrics",
		},
		Log: LogConfig{
			Level: "info",
		},
		HTTP: HTTPConfig{
			Timeout:               600,
			ResponseHeaderTimeout: 600,
		},
	}
}

func findConfigFile() (string, error) {
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file %s: %w", path, err)
		}
		return path, nil
	}
	for _, candidate := range []string{"config.yaml", "config/config.yaml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

func loadYAML(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	expanded := expandString(string(raw))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default} placeholders.
// A variable that is unset or empty with no default is left as written.
func expandString(s string) string {
	if s == "" {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		name, hasDefault, def := groups[1], groups[2] != "", groups[3]
		if value := os.Getenv(name); value != "" {
			return value
		}
		if hasDefault {
			return def
		}
		return match
	})
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, v))
				return
			}
			*dst = b
		}
	}

	str("PORT", &cfg.Server.Port)
	str("MASTER_KEY", &cfg.Server.MasterKey)
	str("CORS_ORIGINS", &cfg.Server.CORSOrigins)
	if v := os.Getenv("BODY_SIZE_LIMIT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("BODY_SIZE_LIMIT: invalid integer %q", v))
		} else {
			cfg.Server.BodySizeLimit = n
		}
	}

	str("UPSTREAM_URL", &cfg.Upstream.URL)
	str("UPSTREAM_PATH", &cfg.Upstream.Path)
	if v := os.Getenv("UPSTREAM_HEADERS"); v != "" {
		headers, err := parseHeaderList(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("UPSTREAM_HEADERS: %w", err))
		} else {
			cfg.Upstream.Headers = headers
		}
	}
	integer("UPSTREAM_TIMEOUT_MS", &cfg.Upstream.TimeoutMs)
	integer("UPSTREAM_MAX_RETRIES", &cfg.Upstream.MaxRetries)
	boolean("UPSTREAM_ACCEPT_COMPRESSED", &cfg.Upstream.AcceptCompressed)
	boolean("UPSTREAM_BREAKER_ENABLED", &cfg.Upstream.Breaker.Enabled)

	boolean("MIRROR_ENABLED", &cfg.Mirror.Enabled)
	str("MIRROR_BACKEND", &cfg.Mirror.Backend)
	str("MIRROR_DIR", &cfg.Mirror.Dir)
	str("MINIO_ENDPOINT", &cfg.Mirror.MinIO.Endpoint)
	str("MINIO_ACCESS_KEY", &cfg.Mirror.MinIO.AccessKey)
	str("MINIO_SECRET_KEY", &cfg.Mirror.MinIO.SecretKey)
	str("MINIO_BUCKET", &cfg.Mirror.MinIO.Bucket)

	str("OIDC_ISSUER_URL", &cfg.Identity.IssuerURL)
	str("OIDC_CLIENT_ID", &cfg.Identity.ClientID)
	str("OIDC_CLIENT_SECRET", &cfg.Identity.ClientSecret)
	str("OIDC_REDIRECT_URL", &cfg.Identity.RedirectURL)
	boolean("IDENTITY_REQUIRED", &cfg.Identity.Required)

	str("SESSION_SECRET", &cfg.Sessions.Secret)
	str("SESSION_STORE", &cfg.Sessions.Store)
	integer("SESSION_TTL_MINUTES", &cfg.Sessions.TTLMinutes)
	str("REDIS_URL", &cfg.Sessions.RedisURL)

	str("STORAGE_TYPE", &cfg.Storage.Type)
	str("SQLITE_PATH", &cfg.Storage.SQLite.Path)
	str("POSTGRES_URL", &cfg.Storage.PostgreSQL.URL)
	integer("POSTGRES_MAX_CONNS", &cfg.Storage.PostgreSQL.MaxConns)
	str("MONGODB_URL", &cfg.Storage.MongoDB.URL)
	str("MONGODB_DATABASE", &cfg.Storage.MongoDB.Database)

	boolean("AUDIT_ENABLED", &cfg.Audit.Enabled)
	boolean("AUDIT_LOG_BODIES", &cfg.Audit.LogBodies)
	boolean("AUDIT_LOG_HEADERS", &cfg.Audit.LogHeaders)
	integer("AUDIT_BUFFER_SIZE", &cfg.Audit.BufferSize)
	integer("AUDIT_FLUSH_INTERVAL", &cfg.Audit.FlushInterval)
	integer("AUDIT_RETENTION_DAYS", &cfg.Audit.RetentionDays)

	boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
	str("METRICS_ENDPOINT", &cfg.Metrics.Endpoint)

	str("LOG_FORMAT", &cfg.Log.Format)
	str("LOG_LEVEL", &cfg.Log.Level)

	integer("HTTP_TIMEOUT", &cfg.HTTP.Timeout)
	integer("HTTP_RESPONSE_HEADER_TIMEOUT", &cfg.HTTP.ResponseHeaderTimeout)

	return errors.Join(errs...)
}

// parseHeaderList parses "k=v,k2=v2" into a header map.
func parseHeaderList(raw string) (map[string]string, error) {
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("malformed header %q, expected name=value", pair)
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers, nil
}

// Validate checks the settings the application cannot start without.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(strings.TrimSpace(c.Upstream.URL))
	switch {
	case c.Upstream.URL == "":
		errs = append(errs, errors.New("upstream.url is required (UPSTREAM_URL)"))
	case err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "":
		errs = append(errs, fmt.Errorf("upstream.url must be an absolute http(s) URL, got %q", c.Upstream.URL))
	}
	if c.Upstream.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("upstream.timeout_ms must be positive, got %d", c.Upstream.TimeoutMs))
	}
	if c.Upstream.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("upstream.max_retries must not be negative, got %d", c.Upstream.MaxRetries))
	}

	if c.Mirror.Enabled {
		switch c.Mirror.Backend {
		case MirrorBackendLocal:
			if c.Mirror.Dir == "" {
				errs = append(errs, errors.New("mirror.dir is required for the local backend"))
			}
		case MirrorBackendMinIO:
			if c.Mirror.MinIO.Endpoint == "" || c.Mirror.MinIO.Bucket == "" {
				errs = append(errs, errors.New("mirror.minio.endpoint and mirror.minio.bucket are required for the minio backend"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown mirror backend %q (valid: local, minio)", c.Mirror.Backend))
		}
	}

	if c.Identity.Enabled() {
		if c.Identity.ClientID == "" || c.Identity.RedirectURL == "" {
			errs = append(errs, errors.New("identity.client_id and identity.redirect_url are required when identity.issuer_url is set"))
		}
		if len(c.Sessions.Secret) < 32 {
			errs = append(errs, errors.New("sessions.secret must be at least 32 bytes when identity is enabled"))
		}
	}
	switch c.Sessions.Store {
	case SessionStoreLocal:
	case SessionStoreRedis:
		if c.Sessions.RedisURL == "" {
			errs = append(errs, errors.New("sessions.redis_url is required for the redis session store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session store %q (valid: local, redis)", c.Sessions.Store))
	}

	if c.Audit.Enabled {
		switch c.Storage.Type {
		case "sqlite", "postgresql", "mongodb":
		default:
			errs = append(errs, fmt.Errorf("unknown storage type %q (valid: sqlite, postgresql, mongodb)", c.Storage.Type))
		}
	}

	return errors.Join(errs...)
}
