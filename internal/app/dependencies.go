// Package app wires the relay's components from configuration. Both the API
// server and the standalone worker build their dependencies here.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/nexus-finance-backend/internal/activation"
	"github.com/noah-isme/nexus-finance-backend/internal/config"
	"github.com/noah-isme/nexus-finance-backend/internal/gateway"
	"github.com/noah-isme/nexus-finance-backend/internal/lock"
	"github.com/noah-isme/nexus-finance-backend/internal/obs"
	"github.com/noah-isme/nexus-finance-backend/internal/payment"
	"github.com/noah-isme/nexus-finance-backend/internal/queue"
	"github.com/noah-isme/nexus-finance-backend/internal/reconcile"
	"github.com/noah-isme/nexus-finance-backend/internal/resilience"
)

// Dependencies holds the long-lived clients and services shared by the
// entrypoints.
type Dependencies struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Started time.Time

	Redis *redis.Client
	DB    *pgxpool.Pool

	Gateway    *gateway.Client
	Payments   *payment.Service
	Store      activation.Store
	Sink       activation.Sink
	Queue      queue.Enqueuer
	Reconciler *reconcile.Reconciler
}

// RegisterMetrics registers every collector the relay exports with reg,
// named under the configured namespace.
func RegisterMetrics(cfg *config.Config, reg prometheus.Registerer) {
	obs.MustRegisterDomainMetrics(cfg.MetricsPrefix, reg)
	namespaced := obs.Namespaced(cfg.MetricsPrefix, reg)
	obs.MustRegister(namespaced, resilience.Collectors()...)
	obs.MustRegister(namespaced, queue.Collectors()...)
}

// New connects to Redis (and Postgres when it stores activations) and builds
// the payment and reconciliation services.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Dependencies, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	d := &Dependencies{Config: cfg, Logger: logger, Started: time.Now()}

	redisClient, err := newRedis(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	d.Redis = redisClient

	if cfg.ActivationStore == config.ActivationStorePostgres {
		pool, err := newPool(ctx, cfg)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.DB = pool
		store := activation.PostgresStore{DB: pool}
		if err := store.EnsureSchema(ctx); err != nil {
			d.Close()
			return nil, err
		}
		d.Store = store
	} else {
		d.Store = activation.RedisStore{R: redisClient}
	}

	d.Gateway = gateway.New(gateway.Options{
		BaseURL:     cfg.MercadoPagoBaseURL,
		AccessToken: cfg.MercadoPagoAccessToken,
		Timeout:     cfg.GatewayTimeout,
		Breaker:     resilience.NewBreaker(cfg.CircuitGatewayMinReq, cfg.CircuitGatewayFailureRate, cfg.CircuitGatewayOpenFor),
		Logger:      logger.With().Str("component", "gateway").Logger(),
	})
	d.Payments = payment.NewService(d.Gateway, payment.Options{
		NotificationURL:     cfg.WebhookURL,
		CardPaymentMethodID: cfg.CardPaymentMethodID,
		Logger:              logger.With().Str("component", "payment").Logger(),
	})

	sink, err := newSink(cfg, logger)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Sink = sink
	d.Queue = queue.Enqueuer{R: redisClient, Prefix: cfg.QueueRedisPrefix}
	d.Reconciler = &reconcile.Reconciler{
		Gateway: d.Gateway,
		Store:   d.Store,
		Sink:    d.Sink,
		Locker:  lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff, MaxWait: cfg.LockTTL},
		LockTTL: cfg.LockTTL,
		Logger:  logger.With().Str("component", "reconcile").Logger(),
	}
	return d, nil
}

// Worker returns the queue worker that reconciles payment notifications.
func (d *Dependencies) Worker() queue.Worker {
	return queue.Worker{
		R:                 d.Redis,
		Prefix:            d.Config.QueueRedisPrefix,
		Kind:              reconcile.JobKind,
		Concurrency:       d.Config.QueueConcurrency,
		VisibilityTimeout: d.Config.QueueVisibilityTimeout,
		RetryBase:         d.Config.QueueBackoffBase,
		RetryJitter:       d.Config.QueueBackoffJitter,
		Logger:            d.Logger.With().Str("component", "worker").Logger(),
		Handler:           d.Reconciler.HandleTask,
	}
}

// DLQ returns the dead-letter list of the reconciliation queue.
func (d *Dependencies) DLQ() queue.DLQ {
	return queue.DLQ{R: d.Redis, Prefix: d.Config.QueueRedisPrefix, Kind: reconcile.JobKind}
}

// Close releases the database pool and Redis client.
func (d *Dependencies) Close() {
	if d.DB != nil {
		d.DB.Close()
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
}

func newRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("app: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if cfg.TracingEnabled {
		if err := redisotel.InstrumentTracing(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis tracing")
		}
	}
	if cfg.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("app: ping redis: %w", err)
	}
	return client, nil
}

func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("app: parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "nexus-finance-backend"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("app: connect database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("app: ping database: %w", err)
	}
	return pool, nil
}

// newSink posts activations downstream when an endpoint is configured and
// logs them once delivery succeeded.
func newSink(cfg *config.Config, logger zerolog.Logger) (activation.Sink, error) {
	sinkLogger := logger.With().Str("component", "activation").Logger()
	var sinks activation.FanOut
	if cfg.ActivationWebhookURL != "" {
		httpSink, err := activation.NewHTTPSink(activation.HTTPSinkOptions{
			URL:     cfg.ActivationWebhookURL,
			Secret:  cfg.ActivationWebhookSecret,
			Timeout: cfg.ActivationTimeout,
			Logger:  sinkLogger,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, activation.NamedSink{Name: "http", Sink: httpSink})
	}
	sinks = append(sinks, activation.NamedSink{Name: "log", Sink: activation.LogSink{Logger: sinkLogger}})
	return sinks, nil
}
