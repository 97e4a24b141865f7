package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/nexus-finance-backend/internal/health"
	"github.com/noah-isme/nexus-finance-backend/internal/obs"
	"github.com/noah-isme/nexus-finance-backend/internal/payment"
	"github.com/noah-isme/nexus-finance-backend/internal/reconcile"
	"github.com/noah-isme/nexus-finance-backend/internal/security"
)

// NewRouter mounts the public HTTP surface.
func NewRouter(d *Dependencies) http.Handler {
	cfg := d.Config
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if cfg.MetricsEnabled {
		httpMetrics := obs.NewHTTPMetrics(cfg.MetricsPrefix, nil, nil)
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{
		Logger: d.Logger,
		Quiet:  []string{"/health/live", "/health/ready", "/metrics"},
	}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins(),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(security.Headers{EnableHSTS: cfg.IsProduction()}.Middleware)

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	probes := []health.Probe{health.RedisProbe(d.Redis)}
	if d.DB != nil {
		probes = append(probes, health.PostgresProbe(d.DB))
	}
	hh := health.Handler{
		Probes:       probes,
		ProbeTimeout: time.Second,
		Started:      d.Started,
		Service:      cfg.ServiceName,
		Version:      cfg.Version,
		Environment:  cfg.Environment,
	}
	r.Get("/", hh.Status)
	r.Get("/status", hh.Status)
	r.Get("/health", hh.Summary)
	r.Get("/health/live", hh.Live)
	r.Get("/health/ready", hh.Ready)

	r.Group(func(g chi.Router) {
		g.Use(security.BodyLimit{Max: cfg.HTTPMaxBodyBytes}.Middleware)
		payment.Handler{Svc: d.Payments}.Routes(g)
	})

	// the webhook bounds its own body so oversized deliveries are still acknowledged
	r.Method(http.MethodPost, "/webhook", reconcile.Webhook{
		Queue:           d.Queue,
		Reconciler:      d.Reconciler,
		MaxAttempts:     cfg.QueueMaxAttempts,
		MaxBodyBytes:    cfg.HTTPMaxBodyBytes,
		FallbackTimeout: cfg.ReconcileFallbackTimeout,
		Logger:          d.Logger.With().Str("component", "webhook").Logger(),
	})
	return r
}
