package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fasket/outbox/internal/bootstrap"
	"github.com/fasket/outbox/internal/controller"
)

func main() {
	ctx := context.Background()

	app, err := bootstrap.New(ctx, "outbox-api", "fasket")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	c, err := app.Components()
	if err != nil {
		app.Logger.Error().Err(err).Msg("Failed to wire components")
		return
	}

	cfg := app.Config
	router := controller.NewRouter(controller.RouterDeps{
		Health: controller.NewHealthController(
			app.Pool,
			controller.PingerFunc(func(ctx context.Context) error { return app.Redis.Ping(ctx).Err() }),
			cfg.Webhook.Configured(),
		),
		ReplayService:    c.Replay,
		IdempotencyStore: c.Idempotency,
		Metrics:          app.Metrics,
		Gatherer:         app.Registry,
		CORSConfig:       cfg.Server.CORS,
		JWTSecret:        cfg.Auth.JWTSecret,
		RateLimitRPM:     cfg.Server.RateLimitRPM,
		Logger:           app.Logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		app.Logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	app.Logger.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	app.Logger.Info().Msg("Server exited")
}
