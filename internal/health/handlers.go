// Package health serves liveness, readiness and service status endpoints.
package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/noah-isme/nexus-finance-backend/internal/common"
)

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady toggles readiness; shutdown flips it to false so load balancers
// stop routing before the server drains.
func SetReady(v bool) { ready.Store(v) }

// IsReady reports the current readiness flag.
func IsReady() bool { return ready.Load() }

// Probe checks one dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Probes       []Probe
	ProbeTimeout time.Duration
	Started      time.Time
	Service      string
	Version      string
	Environment  string
	Now          func() time.Time
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready runs every probe and answers 503 when any fails or the process is
// shutting down.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	status := make(map[string]string, len(h.Probes)+1)
	healthy := IsReady()
	if !healthy {
		status["server"] = "shutting down"
	}
	for _, p := range h.Probes {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
		err := p.Check(ctx)
		cancel()
		if err != nil {
			status[p.Name] = err.Error()
			healthy = false
			continue
		}
		status[p.Name] = "ok"
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, status)
}

// Summary reports process uptime.
func (h Handler) Summary(w http.ResponseWriter, _ *http.Request) {
	now := h.now()
	common.JSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"uptime":    now.Sub(h.Started).Seconds(),
		"timestamp": now.UTC().Format(time.RFC3339Nano),
	})
}

// Status describes the running service.
func (h Handler) Status(w http.ResponseWriter, _ *http.Request) {
	common.JSON(w, http.StatusOK, map[string]any{
		"status":      "online",
		"service":     h.Service,
		"version":     h.Version,
		"environment": h.Environment,
		"timestamp":   h.now().UTC().Format(time.RFC3339Nano),
	})
}

func (h Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h Handler) timeout() time.Duration {
	if h.ProbeTimeout <= 0 {
		return 500 * time.Millisecond
	}
	return h.ProbeTimeout
}
