// Package httpapi exposes the gateway's HTTP surface: health probes, the
// metrics endpoints and the runtime cache admin, plus the WebSocket mount.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/alexxvedo/TFG-RealTime/internal/auth"
	"github.com/alexxvedo/TFG-RealTime/internal/config"
	"github.com/alexxvedo/TFG-RealTime/internal/metrics"
	"github.com/alexxvedo/TFG-RealTime/internal/store"
	"github.com/alexxvedo/TFG-RealTime/internal/transport"
)

// Deps carries everything the router serves.
type Deps struct {
	Config   *config.Config
	Hub      *transport.Hub
	Store    *store.Client
	Registry *metrics.Registry
	Auth     *auth.Authenticator
	Logger   zerolog.Logger
}

type api struct {
	deps    Deps
	started time.Time
	logger  zerolog.Logger
}

// NewRouter builds the HTTP handler tree.
func NewRouter(deps Deps) http.Handler {
	a := &api{
		deps:    deps,
		started: time.Now(),
		logger:  deps.Logger.With().Str("component", "httpapi").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{deps.Config.CORSOrigin},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", a.health)
	r.Get("/health/redis", a.storeHealth)

	if deps.Auth != nil {
		r.Post("/auth/logout", a.logout)
	}

	r.Group(func(r chi.Router) {
		r.Use(a.requireMetricsKey)
		r.Get("/metrics", a.metricsSummary(false))
		r.Get("/metrics/detailed", a.metricsSummary(true))
		r.Get("/metrics/performance", a.performance)
		r.Get("/metrics/alerts", a.alerts)
		r.Post("/admin/redis/cache", a.configureCache)
	})

	if deps.Registry != nil {
		r.Handle("/metrics/prom", deps.Registry.PromHandler())
	}

	r.Get("/ws", deps.Hub.ServeWS)

	return r
}

// requireMetricsKey gates the operational endpoints behind the metrics API
// key in production. Development runs stay open.
func (a *api) requireMetricsKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.deps.Config.IsProduction() && a.deps.Config.MetricsAPIKey != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token != a.deps.Config.MetricsAPIKey {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      time.Since(a.started).Seconds(),
		"environment": a.deps.Config.Environment,
		"connections": a.deps.Hub.SessionCount(),
		"timestamp":   time.Now().UnixMilli(),
	})
}

// storeHealth probes the shared store. Status maps to the HTTP code so load
// balancers can act on it: healthy 200, degraded 429, unhealthy 503.
func (a *api) storeHealth(w http.ResponseWriter, r *http.Request) {
	health := a.deps.Store.HealthCheck(r.Context())

	status := http.StatusOK
	switch health.Status {
	case store.StatusDegraded:
		status = http.StatusTooManyRequests
	case store.StatusUnhealthy:
		status = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"status":       health.Status,
		"responseTime": health.ResponseTime.Milliseconds(),
		"timestamp":    time.Now().UnixMilli(),
		"metrics":      a.deps.Store.GetStats(),
	}
	if health.Error != "" {
		body["error"] = health.Error
	}
	writeJSON(w, status, body)
}

func (a *api) metricsSummary(detailed bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.deps.Registry.Summary(detailed))
	}
}

func (a *api) performance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Registry.PerformanceReport())
}

func (a *api) alerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alerts": a.deps.Registry.Alerts()})
}

// logout revokes the presented token so it cannot open new sessions. The
// revocation entry lives as long as the token itself would have.
func (a *api) logout(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "missing token"})
		return
	}

	if err := a.deps.Auth.Blacklist(r.Context(), token, time.Hour); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to revoke token")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": "revocation unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type cacheConfigReq struct {
	Enabled *bool `json:"enabled"`
	TTL     *int  `json:"ttl"` // seconds
}

// configureCache flips the store read cache at runtime. Used to shed load
// from the store during incidents without a redeploy.
func (a *api) configureCache(w http.ResponseWriter, r *http.Request) {
	var req cacheConfigReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid body"})
		return
	}

	var ttl *time.Duration
	if req.TTL != nil {
		if *req.TTL <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "ttl must be positive"})
			return
		}
		d := time.Duration(*req.TTL) * time.Second
		ttl = &d
	}

	cfg := a.deps.Store.ConfigureCache(req.Enabled, ttl)
	a.logger.Info().
		Bool("enabled", cfg.Enabled).
		Dur("ttl", cfg.TTL).
		Msg("Cache reconfigured via admin endpoint")

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"config": map[string]any{
			"enabled":    cfg.Enabled,
			"ttl":        int(cfg.TTL.Seconds()),
			"maxEntries": cfg.MaxEntries,
			"size":       cfg.Size,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
