package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predictgate/config"
)

func testConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server: config.ServerConfig{Port: "0"},
		Upstream: config.UpstreamConfig{
			URL:       upstreamURL,
			Path:      config.DefaultUpstreamPath,
			TimeoutMs: 2000,
		},
		Mirror: config.MirrorConfig{
			Enabled: true,
			Backend: config.MirrorBackendLocal,
			Dir:     filepath.Join(dir, "uploads"),
		},
		Storage: config.StorageConfig{
			Type:   "sqlite",
			SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "audit.db")},
		},
		Audit:   config.AuditConfig{Enabled: true, BufferSize: 10, FlushInterval: 1},
		Metrics: config.MetricsConfig{Enabled: true, Endpoint: "/metrics"},
	}
}

func TestNew_ServesConfiguredRoutes(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstreamSrv.Close()

	a, err := New(context.Background(), testConfig(t, upstreamSrv.URL))
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	for _, p := range []string{"/health", "/metrics", "/api/trains/sample", "/auth/session"} {
		rec := httptest.NewRecorder()
		a.Server().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusOK, rec.Code, p)
	}
	assert.True(t, a.AuditLogger().Config().Enabled)
}

func TestShutdown_Idempotent(t *testing.T) {
	a, err := New(context.Background(), testConfig(t, "http://127.0.0.1:1"))
	require.NoError(t, err)

	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()))
}

func TestNew_NilConfig(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.Error(t, err)
}

func TestNew_UnknownMirrorBackend(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Mirror.Backend = "ftp"

	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "unknown mirror backend")
}
