// The gateway is the real-time collaboration server: WebSocket presence and
// fan-out for workspaces, collections, notes and the agenda, backed by a
// shared Redis store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/alexxvedo/TFG-RealTime/internal/auth"
	"github.com/alexxvedo/TFG-RealTime/internal/chat"
	"github.com/alexxvedo/TFG-RealTime/internal/config"
	"github.com/alexxvedo/TFG-RealTime/internal/httpapi"
	"github.com/alexxvedo/TFG-RealTime/internal/logging"
	"github.com/alexxvedo/TFG-RealTime/internal/metrics"
	"github.com/alexxvedo/TFG-RealTime/internal/notes"
	"github.com/alexxvedo/TFG-RealTime/internal/presence"
	"github.com/alexxvedo/TFG-RealTime/internal/relay"
	"github.com/alexxvedo/TFG-RealTime/internal/store"
	"github.com/alexxvedo/TFG-RealTime/internal/tasks"
	"github.com/alexxvedo/TFG-RealTime/internal/transport"
)

const shutdownGrace = 10 * time.Second

func main() {
	bootstrap := logging.New(logging.Options{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	st := store.NewClient(store.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.RedisPassword,
		CacheTTL:     cfg.CacheTTL,
		CacheEntries: cfg.CacheEntries,
		Logger:       logger,
	})
	defer st.Close()

	authenticator := auth.NewAuthenticator(cfg.JWTSecret, st, cfg.IsProduction(), logger)
	limiter := auth.NewConnRateLimiter(auth.ConnRateLimiterConfig{
		Window:   cfg.ConnRateWindow,
		MaxPerIP: cfg.ConnRateMax,
		Logger:   logger,
	})
	defer limiter.Stop()

	registry := metrics.NewRegistry(st, logger)

	hub := transport.NewHub(transport.Options{
		Admit: func(r *http.Request) (*auth.Claims, error) {
			if !limiter.Allow(auth.ClientIP(r)) {
				return nil, auth.ErrRateLimited
			}
			return authenticator.Authenticate(r.Context(), r)
		},
		AllowedOrigin:  cfg.CORSOrigin,
		MaxConnections: cfg.MaxConnections,
		Observer:       registry,
		Logger:         logger,
	})

	workspaces := presence.NewWorkspaces(hub, st, logger, presence.WorkspaceOptions{})
	workspaces.Register()
	registry.SetWorkspaceCounter(workspaces.WorkspaceCount)

	presence.NewCollections(hub, st, logger).Register()

	chatEngine := chat.New(hub, st, logger)
	chatEngine.Register()

	notes.New(hub, st, logger).Register()
	tasks.New(hub, st, logger).Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay.New(hub, st, logger).Start(ctx)
	workspaces.Start(ctx)
	chatEngine.Start(ctx)
	registry.Start(ctx)

	router := httpapi.NewRouter(httpapi.Deps{
		Config:   cfg,
		Hub:      hub,
		Store:    st,
		Registry: registry,
		Auth:     authenticator,
		Logger:   logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // WebSocket upgrades stream past any write deadline
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Int("port", cfg.Port).
			Str("environment", cfg.Environment).
			Msg("Gateway listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
		stop()
	}

	shutdown(server, hub, logger)
}

// shutdown drains in order: stop accepting HTTP, drain WebSocket sessions,
// then let deferred cleanup close the store.
func shutdown(server *http.Server, hub *transport.Hub, logger zerolog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	hub.Shutdown(shutdownGrace / 2)

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown error")
	}
	logger.Info().Msg("Gateway stopped")
}
