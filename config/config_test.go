package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandString(t *testing.T) {
	t.Setenv("TEST_UPSTREAM", "https://model.example.com")
	t.Setenv("EMPTY_VAR", "")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"no placeholders", "plain value", "plain value"},
		{"simple", "${TEST_UPSTREAM}", "https://model.example.com"},
		{"embedded", "url: ${TEST_UPSTREAM}/v1", "url: https://model.example.com/v1"},
		{"missing stays literal", "${MISSING_VAR}", "${MISSING_VAR}"},
		{"empty stays literal", "${EMPTY_VAR}", "${EMPTY_VAR}"},
		{"default used", "${MISSING_VAR:-fallback}", "fallback"},
		{"empty default", "${OPTIONAL_VAR:-}", ""},
		{"default with colon", "${MISSING_VAR:-localhost:6379}", "localhost:6379"},
		{"default with url", "${MISSING_VAR:-http://localhost:8000}", "http://localhost:8000"},
		{"set wins over default", "${TEST_UPSTREAM:-http://other}", "https://model.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, expandString(tt.input))
		})
	}
}

func TestBuildDefaultConfig(t *testing.T) {
	cfg := buildDefaultConfig()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, DefaultBodySizeLimit, cfg.Server.BodySizeLimit)
	assert.Equal(t, DefaultUpstreamPath, cfg.Upstream.Path)
	assert.Equal(t, DefaultUpstreamTimeoutMs, cfg.Upstream.TimeoutMs)
	assert.Equal(t, 1, cfg.Upstream.MaxRetries)
	assert.Equal(t, "true", cfg.Upstream.Headers["ngrok-skip-browser-warning"])
	assert.True(t, cfg.Upstream.Breaker.Enabled)
	assert.True(t, cfg.Mirror.Enabled)
	assert.Equal(t, MirrorBackendLocal, cfg.Mirror.Backend)
	assert.Equal(t, SessionStoreLocal, cfg.Sessions.Store)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.False(t, cfg.Audit.Enabled)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Endpoint)
	assert.Equal(t, 600, cfg.HTTP.Timeout)
	assert.Equal(t, 600, cfg.HTTP.ResponseHeaderTimeout)
	assert.False(t, cfg.Identity.Enabled())
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Run("strings and numbers", func(t *testing.T) {
		t.Setenv("PORT", "9090")
		t.Setenv("UPSTREAM_URL", "https://abc.ngrok-free.app")
		t.Setenv("UPSTREAM_TIMEOUT_MS", "1500")
		t.Setenv("BODY_SIZE_LIMIT", "1024")
		t.Setenv("HTTP_TIMEOUT", "30")

		cfg := buildDefaultConfig()
		require.NoError(t, applyEnvOverrides(cfg))

		assert.Equal(t, "9090", cfg.Server.Port)
		assert.Equal(t, "https://abc.ngrok-free.app", cfg.Upstream.URL)
		assert.Equal(t, 1500, cfg.Upstream.TimeoutMs)
		assert.Equal(t, int64(1024), cfg.Server.BodySizeLimit)
		assert.Equal(t, 30, cfg.HTTP.Timeout)
	})

	t.Run("booleans", func(t *testing.T) {
		tests := []struct {
			value    string
			expected bool
		}{
			{"true", true},
			{"1", true},
			{"false", false},
			{"0", false},
		}
		for _, tt := range tests {
			t.Run(tt.value, func(t *testing.T) {
				t.Setenv("METRICS_ENABLED", tt.value)
				t.Setenv("MIRROR_ENABLED", tt.value)

				cfg := buildDefaultConfig()
				require.NoError(t, applyEnvOverrides(cfg))
				assert.Equal(t, tt.expected, cfg.Metrics.Enabled)
				assert.Equal(t, tt.expected, cfg.Mirror.Enabled)
			})
		}
	})

	t.Run("upstream headers replace defaults", func(t *testing.T) {
		t.Setenv("UPSTREAM_HEADERS", "X-Api-Key=secret, X-Trace = on")

		cfg := buildDefaultConfig()
		require.NoError(t, applyEnvOverrides(cfg))
		assert.Equal(t, map[string]string{"X-Api-Key": "secret", "X-Trace": "on"}, cfg.Upstream.Headers)
	})

	t.Run("invalid values are reported together", func(t *testing.T) {
		t.Setenv("UPSTREAM_TIMEOUT_MS", "soon")
		t.Setenv("AUDIT_ENABLED", "maybe")

		err := applyEnvOverrides(buildDefaultConfig())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "UPSTREAM_TIMEOUT_MS")
		assert.Contains(t, err.Error(), "AUDIT_ENABLED")
	})

	t.Run("empty env leaves default", func(t *testing.T) {
		t.Setenv("PORT", "")

		cfg := buildDefaultConfig()
		require.NoError(t, applyEnvOverrides(cfg))
		assert.Equal(t, "8080", cfg.Server.Port)
	})
}

func TestParseHeaderList(t *testing.T) {
	headers, err := parseHeaderList("a=1,,b=x=y")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "x=y"}, headers)

	_, err = parseHeaderList("novalue")
	assert.Error(t, err)
}

func TestLoad_YAMLWithExpansion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
server:
  port: "${TEST_PORT:-7000}"
upstream:
  url: "${TEST_UPSTREAM_URL}"
  timeout_ms: 2500
  headers:
    X-Custom: "yes"
mirror:
  backend: minio
  minio:
    endpoint: "localhost:9000"
    bucket: uploads
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("TEST_UPSTREAM_URL", "http://localhost:8000")
	t.Setenv("UPSTREAM_TIMEOUT_MS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, "http://localhost:8000", cfg.Upstream.URL)
	assert.Equal(t, 2500, cfg.Upstream.TimeoutMs)
	assert.Equal(t, "yes", cfg.Upstream.Headers["X-Custom"])
	assert.Equal(t, DefaultUpstreamPath, cfg.Upstream.Path)
	assert.Equal(t, MirrorBackendMinIO, cfg.Mirror.Backend)
	assert.Equal(t, "uploads", cfg.Mirror.MinIO.Bucket)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"7000\"\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7100", cfg.Server.Port)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := buildDefaultConfig()
		cfg.Upstream.URL = "https://abc.ngrok-free.app"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing upstream", func(c *Config) { c.Upstream.URL = "" }, "upstream.url is required"},
		{"relative upstream", func(c *Config) { c.Upstream.URL = "/predict" }, "absolute http(s) URL"},
		{"ftp upstream", func(c *Config) { c.Upstream.URL = "ftp://host" }, "absolute http(s) URL"},
		{"zero timeout", func(c *Config) { c.Upstream.TimeoutMs = 0 }, "timeout_ms"},
		{"negative retries", func(c *Config) { c.Upstream.MaxRetries = -1 }, "max_retries"},
		{"unknown mirror backend", func(c *Config) { c.Mirror.Backend = "ftp" }, "unknown mirror backend"},
		{"disabled mirror skips backend", func(c *Config) { c.Mirror.Enabled = false; c.Mirror.Backend = "ftp" }, ""},
		{"minio without bucket", func(c *Config) {
			c.Mirror.Backend = MirrorBackendMinIO
			c.Mirror.MinIO.Endpoint = "localhost:9000"
		}, "mirror.minio.endpoint"},
		{"identity without client", func(c *Config) {
			c.Identity.IssuerURL = "https://issuer.example.com"
			c.Sessions.Secret = strings.Repeat("s", 32)
		}, "identity.client_id"},
		{"identity short secret", func(c *Config) {
			c.Identity.IssuerURL = "https://issuer.example.com"
			c.Identity.ClientID = "client"
			c.Identity.RedirectURL = "http://localhost:8080/auth/callback"
			c.Sessions.Secret = "short"
		}, "sessions.secret"},
		{"redis without url", func(c *Config) { c.Sessions.Store = SessionStoreRedis }, "redis_url"},
		{"audit with bad storage", func(c *Config) {
			c.Audit.Enabled = true
			c.Storage.Type = "mysql"
		}, "unknown storage type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
