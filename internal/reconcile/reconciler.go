// Package reconcile turns gateway payment notifications into subscription
// activations. The notification itself is only a hint: the payment is always
// re-fetched from the gateway and activated at most once.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/nexus-finance-backend/internal/activation"
	"github.com/noah-isme/nexus-finance-backend/internal/common"
	"github.com/noah-isme/nexus-finance-backend/internal/gateway"
	"github.com/noah-isme/nexus-finance-backend/internal/lock"
	"github.com/noah-isme/nexus-finance-backend/internal/obs"
	"github.com/noah-isme/nexus-finance-backend/internal/queue"
)

// EventTypePayment is the only notification type that is reconciled.
const EventTypePayment = "payment"

// Event is a gateway notification reduced to what reconciliation reads.
type Event struct {
	Type       string `json:"type"`
	ResourceID string `json:"resource_id"`
}

// IsPayment reports whether the event refers to a payment with a usable id.
func (e Event) IsPayment() bool {
	return e.Type == EventTypePayment && strings.TrimSpace(e.ResourceID) != ""
}

// Fetcher returns the authoritative state of a payment.
type Fetcher interface {
	GetPayment(ctx context.Context, id string) (*gateway.Payment, error)
}

// Locker runs fn while holding a lease on key.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Reconciler re-fetches notified payments and activates approved ones.
type Reconciler struct {
	Gateway Fetcher
	Store   activation.Store
	Sink    activation.Sink
	Locker  Locker
	LockTTL time.Duration
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Handle reconciles a single notification. Non-payment events are ignored.
// A payment the gateway does not know is a permanent failure; every other
// error is returned so the caller can retry.
func (r *Reconciler) Handle(ctx context.Context, ev Event) error {
	if !ev.IsPayment() {
		obs.ReconcileTotal.WithLabelValues("ignored").Inc()
		r.Logger.Debug().Str("type", ev.Type).Str("resource_id", ev.ResourceID).Msg("notification_ignored")
		return nil
	}
	if r.Gateway == nil || r.Store == nil || r.Sink == nil {
		return errors.New("reconcile: reconciler not configured")
	}
	id := strings.TrimSpace(ev.ResourceID)
	if r.Locker == nil {
		return r.reconcile(ctx, id)
	}
	ttl := r.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	err := r.Locker.WithLock(ctx, "lock:reconcile:"+id, ttl, func(ctx context.Context) error {
		return r.reconcile(ctx, id)
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		obs.ReconcileTotal.WithLabelValues("lock_busy").Inc()
	}
	return err
}

func (r *Reconciler) reconcile(ctx context.Context, id string) error {
	log := r.Logger.With().Str("payment_id", id).Logger()

	p, err := r.Gateway.GetPayment(ctx, id)
	if err != nil {
		if gateway.IsNotFound(err) {
			obs.ReconcileTotal.WithLabelValues("not_found").Inc()
			log.Warn().Err(err).Msg("reconcile_payment_not_found")
			return queue.Permanent(common.NotFoundError(id, err))
		}
		obs.ReconcileTotal.WithLabelValues("fetch_error").Inc()
		log.Error().Err(err).Msg("reconcile_fetch_failed")
		return fmt.Errorf("reconcile: fetch payment %s: %w", id, err)
	}

	log = log.With().Str("status", string(p.Status)).Logger()
	if !p.Status.IsApproved() {
		obs.ReconcileTotal.WithLabelValues("not_approved").Inc()
		log.Info().Str("status_detail", p.StatusDetail).Msg("payment_not_approved")
		return nil
	}

	done, err := r.Store.HasBeenActivated(ctx, id)
	if err != nil {
		obs.ReconcileTotal.WithLabelValues("store_error").Inc()
		log.Error().Err(err).Msg("reconcile_store_check_failed")
		return err
	}
	if done {
		obs.ReconcileTotal.WithLabelValues("duplicate").Inc()
		log.Info().Msg("payment_already_activated")
		return nil
	}

	cmd := activation.FromPayment(p, r.now())
	if cmd.PaymentID == "" {
		cmd.PaymentID = id
	}
	if err := r.Sink.Activate(ctx, cmd); err != nil {
		obs.ReconcileTotal.WithLabelValues("activation_error").Inc()
		log.Error().Err(err).Msg("activation_failed")
		return common.ActivationError(id, err)
	}

	first, err := r.Store.MarkActivated(ctx, id, r.now())
	if err != nil {
		obs.ReconcileTotal.WithLabelValues("store_error").Inc()
		log.Error().Err(err).Msg("reconcile_store_mark_failed")
		return err
	}
	if !first {
		log.Warn().Msg("activation_recorded_concurrently")
	}
	obs.ReconcileTotal.WithLabelValues("activated").Inc()
	log.Info().Str("payer_email", cmd.PayerEmail).Str("amount", cmd.Amount.String()).Msg("payment_activated")
	return nil
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
