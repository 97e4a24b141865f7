package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/noah-isme/nexus-finance-backend/internal/app"
	"github.com/noah-isme/nexus-finance-backend/internal/config"
	"github.com/noah-isme/nexus-finance-backend/internal/health"
	"github.com/noah-isme/nexus-finance-backend/internal/obs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.Environment).Logger()

	if cfg.MetricsEnabled {
		app.RegisterMetrics(cfg, nil)
	}

	shutdownTracer, err := obs.InitTracer(context.Background(), obs.TracingConfig{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "nexus-finance-api",
		ServiceVersion: cfg.Version,
		Endpoint:       cfg.OTLPEndpoint,
		SamplingRatio:  cfg.TracingRatio,
		Environment:    cfg.Environment,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		cfg.TracingEnabled = false
	} else {
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				logger.Error().Err(err).Msg("shutdown tracer")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	var workers sync.WaitGroup
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	if cfg.ReconcileInlineWorker {
		worker := deps.Worker()
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := worker.Run(workerCtx); err != nil {
				logger.Error().Err(err).Msg("inline worker stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           app.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("access_token", cfg.MaskedAccessToken()).
			Str("webhook_url", cfg.WebhookURL).
			Bool("inline_worker", cfg.ReconcileInlineWorker).
			Msg("server starting")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-ctx.Done():
	}

	health.SetReady(false)
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	stopWorkers()
	workers.Wait()
	logger.Info().Msg("shutdown complete")
}
