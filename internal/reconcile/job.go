package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noah-isme/nexus-finance-backend/internal/queue"
)

// JobKind is the queue kind carrying payment notifications.
const JobKind = "payment-notification"

// NewTask builds the queue task for ev. Notifications for the same payment
// collapse while one is still waiting to be claimed.
func NewTask(ev Event, maxAttempts int) (queue.Task, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return queue.Task{}, err
	}
	return queue.Task{
		Kind:           JobKind,
		Payload:        payload,
		IdempotencyKey: "payment:" + ev.ResourceID,
		MaxAttempts:    maxAttempts,
	}, nil
}

// HandleTask is the queue handler for JobKind tasks.
func (r *Reconciler) HandleTask(ctx context.Context, t queue.Task) error {
	var ev Event
	if err := json.Unmarshal(t.Payload, &ev); err != nil {
		return queue.Permanent(fmt.Errorf("reconcile: decode task: %w", err))
	}
	if t.Attempt > 1 {
		r.Logger.Info().Str("payment_id", ev.ResourceID).Int("attempt", t.Attempt).Msg("reconcile_retry")
	}
	return r.Handle(ctx, ev)
}
