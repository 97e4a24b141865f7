package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/nexus-finance-backend/internal/app"
	"github.com/noah-isme/nexus-finance-backend/internal/config"
	"github.com/noah-isme/nexus-finance-backend/internal/obs"
)

func main() {
	listDLQ := flag.Int("dlq-list", 0, "print up to N dead-lettered notifications and exit")
	requeueDLQ := flag.Int("dlq-requeue", 0, "move up to N dead-lettered notifications back to the queue and exit (-1 for all)")
	metricsAddr := flag.String("metrics-addr", ":9091", "address serving /metrics while the worker runs (empty to disable)")
	flag.Parse()

	cfg := config.MustLoad()

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "worker").Logger()

	shutdownTracer, err := obs.InitTracer(context.Background(), obs.TracingConfig{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "nexus-finance-worker",
		ServiceVersion: cfg.Version,
		Endpoint:       cfg.OTLPEndpoint,
		SamplingRatio:  cfg.TracingRatio,
		Environment:    cfg.Environment,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
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

	switch {
	case *listDLQ > 0:
		letters, err := deps.DLQ().List(ctx, *listDLQ)
		if err != nil {
			logger.Fatal().Err(err).Msg("list dlq")
		}
		for _, l := range letters {
			fmt.Fprintf(os.Stdout, "%s\tattempts=%d\t%s\t%s\n", l.Key, l.Attempts, l.LastError, l.Payload)
		}
		return
	case *requeueDLQ != 0:
		max := *requeueDLQ
		if max < 0 {
			max = 0
		}
		moved, err := deps.DLQ().Requeue(ctx, max)
		if err != nil {
			logger.Fatal().Err(err).Msg("requeue dlq")
		}
		logger.Info().Int("moved", moved).Msg("dlq requeued")
		return
	}

	if cfg.MetricsEnabled && *metricsAddr != "" {
		app.RegisterMetrics(cfg, nil)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", *metricsAddr).Msg("metrics listener")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	worker := deps.Worker()
	logger.Info().Int("concurrency", cfg.QueueConcurrency).Msg("worker starting")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}
