package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexxvedo/TFG-RealTime/internal/auth"
	"github.com/alexxvedo/TFG-RealTime/internal/config"
	"github.com/alexxvedo/TFG-RealTime/internal/metrics"
	"github.com/alexxvedo/TFG-RealTime/internal/store"
	"github.com/alexxvedo/TFG-RealTime/internal/transport"
)

func newRouter(t *testing.T, cfg *config.Config) (http.Handler, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	st := store.NewClient(store.Options{Addr: mr.Addr(), Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = st.Close() })

	hub := transport.NewHub(transport.Options{
		Admit: func(r *http.Request) (*auth.Claims, error) {
			return &auth.Claims{ID: "u1", Email: "a@test"}, nil
		},
		Logger: zerolog.Nop(),
	})

	registry := metrics.NewRegistry(st, zerolog.Nop())
	authenticator := auth.NewAuthenticator("test-secret", st, false, zerolog.Nop())

	return NewRouter(Deps{
		Config:   cfg,
		Hub:      hub,
		Store:    st,
		Registry: registry,
		Auth:     authenticator,
		Logger:   zerolog.Nop(),
	}), mr
}

func devConfig() *config.Config {
	return &config.Config{
		Environment: "development",
		CORSOrigin:  "http://localhost:3000",
	}
}

func getJSON(t *testing.T, h http.Handler, req *http.Request) (int, map[string]any) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := newRouter(t, devConfig())

	code, body := getJSON(t, h, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "development", body["environment"])
	assert.Contains(t, body, "uptime")
	assert.EqualValues(t, 0, body["connections"])
}

func TestStoreHealthHealthy(t *testing.T) {
	h, _ := newRouter(t, devConfig())

	code, body := getJSON(t, h, httptest.NewRequest(http.MethodGet, "/health/redis", nil))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "metrics")
}

func TestStoreHealthUnavailable(t *testing.T) {
	h, mr := newRouter(t, devConfig())
	mr.Close()

	code, body := getJSON(t, h, httptest.NewRequest(http.MethodGet, "/health/redis", nil))
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Contains(t, body, "error")
}

func TestMetricsOpenInDevelopment(t *testing.T) {
	h, _ := newRouter(t, devConfig())

	code, body := getJSON(t, h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body)

	code, _ = getJSON(t, h, httptest.NewRequest(http.MethodGet, "/metrics/detailed", nil))
	assert.Equal(t, http.StatusOK, code)
}

func TestMetricsRequireKeyInProduction(t *testing.T) {
	cfg := &config.Config{
		Environment:   "production",
		CORSOrigin:    "http://localhost:3000",
		MetricsAPIKey: "sekrit",
	}
	h, _ := newRouter(t, cfg)

	code, _ := getJSON(t, h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusUnauthorized, code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	code, _ = getJSON(t, h, req)
	assert.Equal(t, http.StatusUnauthorized, code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	code, _ = getJSON(t, h, req)
	assert.Equal(t, http.StatusOK, code)
}

func TestConfigureCache(t *testing.T) {
	h, _ := newRouter(t, devConfig())

	req := httptest.NewRequest(http.MethodPost, "/admin/redis/cache",
		strings.NewReader(`{"enabled":false,"ttl":120}`))
	req.Header.Set("Content-Type", "application/json")

	code, body := getJSON(t, h, req)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	cfg, ok := body["config"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, cfg["enabled"])
	assert.EqualValues(t, 120, cfg["ttl"])
}

func TestConfigureCacheRejectsBadTTL(t *testing.T) {
	h, _ := newRouter(t, devConfig())

	req := httptest.NewRequest(http.MethodPost, "/admin/redis/cache",
		strings.NewReader(`{"ttl":-5}`))
	code, body := getJSON(t, h, req)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])
}

func TestLogoutRevokesToken(t *testing.T) {
	h, mr := newRouter(t, devConfig())

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer some.opaque.token")
	code, body := getJSON(t, h, req)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.True(t, mr.Exists("blacklist:some.opaque.token"))

	code, _ = getJSON(t, h, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPromEndpoint(t *testing.T) {
	h, _ := newRouter(t, devConfig())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/prom", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# ")
}
