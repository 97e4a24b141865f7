// Package activation delivers subscription activations for approved
// payments and records which payments were already activated.
package activation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/nexus-finance-backend/internal/gateway"
)

// Command asks downstream systems to activate the subscription paid for by a
// payment. At most one Command is produced per approved payment.
type Command struct {
	PaymentID   string          `json:"payment_id"`
	PayerEmail  string          `json:"payer_email"`
	Amount      decimal.Decimal `json:"-"`
	Description string          `json:"description,omitempty"`
	ApprovedAt  time.Time       `json:"approved_at"`
}

// MarshalJSON renders Amount as a JSON number.
func (c Command) MarshalJSON() ([]byte, error) {
	type alias Command
	return json.Marshal(struct {
		alias
		Amount json.Number `json:"amount"`
	}{alias: alias(c), Amount: json.Number(c.Amount.String())})
}

// FromPayment builds the Command for an approved payment. The gateway's
// approval date is used when it parses; otherwise now.
func FromPayment(p *gateway.Payment, now time.Time) Command {
	approved := now.UTC()
	if p.DateApproved != "" {
		if t, err := time.Parse(time.RFC3339Nano, p.DateApproved); err == nil {
			approved = t.UTC()
		}
	}
	return Command{
		PaymentID:   p.ID,
		PayerEmail:  p.Payer.Email,
		Amount:      p.TransactionAmount,
		Description: p.Description,
		ApprovedAt:  approved,
	}
}

// Sink receives activation commands.
type Sink interface {
	Activate(ctx context.Context, cmd Command) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, cmd Command) error

// Activate calls f.
func (f SinkFunc) Activate(ctx context.Context, cmd Command) error { return f(ctx, cmd) }
