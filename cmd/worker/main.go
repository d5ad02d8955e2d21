package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fasket/outbox/internal/bootstrap"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "outbox-worker", "fasket_worker")
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
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.WorkerPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	app.Logger.Info().
		Str("queue", cfg.Dispatch.QueueKey).
		Int("concurrency", cfg.Dispatch.Concurrency).
		Bool("webhook_configured", cfg.Webhook.Configured()).
		Msg("Worker started")

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Delivery pool (pops due jobs from the dispatch queue).
	g.Go(func() error {
		return c.Pool.Run(gCtx)
	})

	// 2. Recovery sweeper (re-arms rows whose job was lost).
	g.Go(func() error {
		return c.Sweeper.Run(gCtx)
	})

	// 3. Stuck-order watcher.
	if bootstrap.WatcherEnabled(cfg) {
		g.Go(func() error {
			return c.Watcher.Run(gCtx)
		})
	}

	// 4. Metrics endpoint.
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		app.Logger.Info().Msg("Shutting down worker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker error")
	}
	app.Logger.Info().Msg("Worker exited")
}
