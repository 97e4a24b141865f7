package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/nexus-finance-backend/internal/gateway"
	"github.com/noah-isme/nexus-finance-backend/internal/obs"
	"github.com/noah-isme/nexus-finance-backend/internal/queue"
	"github.com/noah-isme/nexus-finance-backend/internal/resilience"
)

// Enqueuer publishes reconciliation jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

// Webhook receives gateway notifications on POST /webhook. It always answers
// 200 with an empty body; the gateway redelivers anything else.
//
// A failed enqueue is retried in the background with exponential backoff
// until FallbackTimeout, since the delivery has already been acknowledged.
// Without a Queue, notifications are reconciled in-process by Reconciler.
type Webhook struct {
	Queue      Enqueuer
	Reconciler *Reconciler
	// MaxAttempts is passed to enqueued jobs; zero uses the queue default.
	MaxAttempts     int
	MaxBodyBytes    int64
	EnqueueTimeout  time.Duration
	FallbackTimeout time.Duration
	RetryBackoff    time.Duration
	Logger          zerolog.Logger
}

type notification struct {
	Type string `json:"type"`
	Data struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

// ServeHTTP acknowledges the notification and hands payment events to the
// queue, or to a bounded background reconciliation when enqueueing fails.
func (h Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusOK)

	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		h.Logger.Warn().Err(err).Msg("webhook_read_failed")
	}
	ev, err := ParseEvent(r, body)
	if err != nil {
		obs.NotificationTotal.WithLabelValues(typeLabel(ev.Type), "malformed").Inc()
		h.Logger.Warn().Err(err).Msg("webhook_malformed")
		return
	}
	h.Logger.Info().Str("type", ev.Type).Str("resource_id", ev.ResourceID).Msg("webhook_received")

	if !ev.IsPayment() {
		obs.NotificationTotal.WithLabelValues(typeLabel(ev.Type), "ignored").Inc()
		return
	}
	if err := h.enqueue(r.Context(), ev); err != nil {
		obs.NotificationTotal.WithLabelValues(EventTypePayment, "fallback").Inc()
		h.Logger.Warn().Err(err).Str("payment_id", ev.ResourceID).Msg("webhook_enqueue_failed")
		h.fallback(context.WithoutCancel(r.Context()), ev)
		return
	}
	obs.NotificationTotal.WithLabelValues(EventTypePayment, "enqueued").Inc()
}

func (h Webhook) enqueue(ctx context.Context, ev Event) error {
	if h.Queue == nil {
		return errors.New("reconcile: queue not configured")
	}
	task, err := NewTask(ev, h.MaxAttempts)
	if err != nil {
		return err
	}
	timeout := h.EnqueueTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return h.Queue.Enqueue(ctx, task)
}

func (h Webhook) fallback(ctx context.Context, ev Event) {
	timeout := h.FallbackTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	base := h.RetryBackoff
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	go func() {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if h.Queue == nil {
			if h.Reconciler == nil {
				return
			}
			if err := h.Reconciler.Handle(ctx, ev); err != nil {
				h.Logger.Error().Err(err).Str("payment_id", ev.ResourceID).Msg("webhook_inline_reconcile_failed")
			}
			return
		}

		var err error
		for attempt := 1; ; attempt++ {
			timer := time.NewTimer(resilience.Backoff(base, attempt, 0.2))
			select {
			case <-ctx.Done():
				timer.Stop()
				if err == nil {
					err = ctx.Err()
				}
				obs.NotificationTotal.WithLabelValues(EventTypePayment, "lost").Inc()
				h.Logger.Error().Err(err).Str("payment_id", ev.ResourceID).Int("attempts", attempt-1).Msg("webhook_notification_lost")
				return
			case <-timer.C:
			}
			if err = h.enqueue(ctx, ev); err == nil {
				obs.NotificationTotal.WithLabelValues(EventTypePayment, "recovered").Inc()
				h.Logger.Info().Str("payment_id", ev.ResourceID).Int("attempts", attempt).Msg("webhook_enqueue_recovered")
				return
			}
		}
	}()
}

// ParseEvent reads the notification type and resource id from a JSON body
// of the form {"type":"payment","data":{"id":123}}. Legacy IPN deliveries
// carry them in the query string instead (topic/type and id/data.id).
func ParseEvent(r *http.Request, body []byte) (Event, error) {
	var ev Event
	var parseErr error
	if len(strings.TrimSpace(string(body))) > 0 {
		var n notification
		if err := json.Unmarshal(body, &n); err != nil {
			parseErr = err
		} else {
			ev.Type = strings.TrimSpace(n.Type)
			if len(n.Data.ID) > 0 && string(n.Data.ID) != "null" {
				id, err := gateway.NormalizeID(n.Data.ID)
				if err != nil {
					parseErr = err
				}
				ev.ResourceID = strings.TrimSpace(id)
			}
		}
	}
	if ev.ResourceID == "" {
		q := r.URL.Query()
		id := firstNonEmpty(q.Get("data.id"), q.Get("id"))
		if id != "" {
			ev.ResourceID = strings.TrimSpace(id)
			if ev.Type == "" {
				ev.Type = firstNonEmpty(q.Get("type"), q.Get("topic"))
			}
			parseErr = nil
		}
	}
	return ev, parseErr
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// typeLabel keeps the notification metric's label set bounded.
func typeLabel(t string) string {
	switch t {
	case "":
		return "unknown"
	case EventTypePayment, "merchant_order", "subscription_preapproval", "subscription_authorized_payment", "plan", "point_integration_wh":
		return t
	default:
		return "other"
	}
}
