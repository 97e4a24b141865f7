package activation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/nexus-finance-backend/internal/obs"
)

// LogSink records activations in the structured log. It runs after any
// downstream sink so a line is only written once delivery succeeded.
type LogSink struct {
	Logger zerolog.Logger
}

// Activate logs cmd.
func (s LogSink) Activate(_ context.Context, cmd Command) error {
	s.Logger.Info().
		Str("payment_id", cmd.PaymentID).
		Str("payer_email", cmd.PayerEmail).
		Str("amount", cmd.Amount.String()).
		Str("description", cmd.Description).
		Time("approved_at", cmd.ApprovedAt).
		Msg("subscription_activated")
	obs.ActivationTotal.WithLabelValues("log", "ok").Inc()
	return nil
}

// NamedSink labels a sink for metrics and error messages.
type NamedSink struct {
	Name string
	Sink Sink
}

// FanOut delivers each command to its sinks in order and stops at the first
// failure, so a sink only sees commands every earlier sink accepted. A retry
// redelivers from the start; sinks are expected to deduplicate on PaymentID.
type FanOut []NamedSink

// Activate delivers cmd to every sink.
func (f FanOut) Activate(ctx context.Context, cmd Command) error {
	for _, s := range f {
		if s.Sink == nil {
			continue
		}
		if err := s.Sink.Activate(ctx, cmd); err != nil {
			return fmt.Errorf("%s: %w", s.Name, err)
		}
	}
	return nil
}
