// Package payment creates PIX and card payments through the gateway and
// reports payment status.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/nexus-finance-backend/internal/common"
	"github.com/noah-isme/nexus-finance-backend/internal/gateway"
	"github.com/noah-isme/nexus-finance-backend/internal/obs"
)

const (
	// DefaultDescription is used when the frontend sends no description.
	DefaultDescription = "Nexus Finance - Assinatura"
	defaultFirstName   = "Cliente"
	defaultLastName    = "Nexus"
	methodPix          = "pix"
)

// Gateway is the subset of the payment gateway used by the service.
type Gateway interface {
	CreatePayment(ctx context.Context, req gateway.CreatePaymentRequest) (*gateway.Payment, error)
	GetPayment(ctx context.Context, id string) (*gateway.Payment, error)
}

// Request is an inbound payment creation request. Amount and Installments
// keep the raw text the client sent so they can be validated here.
type Request struct {
	Amount       string
	Description  string
	Email        string
	Name         string
	CPF          string
	CardToken    string
	Installments string
}

// PixPayment is the result of a PIX creation.
type PixPayment struct {
	PaymentID    string
	Status       gateway.Status
	QRCode       string
	QRCodeBase64 string
	TicketURL    string
	ExpiresAt    string
}

// CardPayment is the result of a card charge.
type CardPayment struct {
	PaymentID    string
	Status       gateway.Status
	StatusDetail string
	Amount       decimal.Decimal
	Installments int
}

// PaymentStatus is the normalised view of a payment lookup.
type PaymentStatus struct {
	PaymentID    string
	Status       gateway.Status
	StatusDetail string
	Amount       decimal.Decimal
	PayerEmail   string
	CreatedAt    string
	ApprovedAt   string
}

// Options configures a Service.
type Options struct {
	NotificationURL     string
	CardPaymentMethodID string
	Logger              zerolog.Logger
}

// Service maps frontend requests onto gateway calls. Gateway failures are
// surfaced as they are and never retried.
type Service struct {
	gw              Gateway
	notificationURL string
	cardMethod      string
	validate        *validator.Validate
	logger          zerolog.Logger
}

// NewService constructs a Service.
func NewService(gw Gateway, opts Options) *Service {
	method := strings.TrimSpace(opts.CardPaymentMethodID)
	if method == "" {
		method = "visa"
	}
	return &Service{
		gw:              gw,
		notificationURL: strings.TrimSpace(opts.NotificationURL),
		cardMethod:      method,
		validate:        validator.New(),
		logger:          opts.Logger,
	}
}

type pixInput struct {
	Amount string `validate:"required"`
	Email  string `validate:"required,email"`
}

type cardInput struct {
	Token  string `validate:"required"`
	Amount string `validate:"required"`
	Email  string `validate:"required,email"`
}

// CreatePix creates a PIX payment and returns its QR payload.
func (s *Service) CreatePix(ctx context.Context, req Request) (*PixPayment, error) {
	req = trimRequest(req)
	if err := s.check(pixInput{Amount: req.Amount, Email: req.Email}); err != nil {
		obs.PaymentCreateTotal.WithLabelValues(methodPix, "invalid").Inc()
		return nil, err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		obs.PaymentCreateTotal.WithLabelValues(methodPix, "invalid").Inc()
		return nil, err
	}

	first, last := splitName(req.Name)
	p, err := s.gw.CreatePayment(ctx, gateway.CreatePaymentRequest{
		Amount:          amount,
		Description:     descriptionOrDefault(req.Description),
		PaymentMethodID: methodPix,
		PayerEmail:      req.Email,
		PayerFirstName:  first,
		PayerLastName:   last,
		PayerTaxIDType:  taxIDType(req.CPF),
		PayerTaxID:      digitsOnly(req.CPF),
		NotificationURL: s.notificationURL,
	})
	if err == nil && (p.Pix == nil || p.Pix.QRCode == "") {
		err = fmt.Errorf("%w: pix payment %s without qr data", gateway.ErrMalformedResponse, p.ID)
	}
	if err != nil {
		obs.PaymentCreateTotal.WithLabelValues(methodPix, "gateway_error").Inc()
		s.logger.Error().Err(err).Str("method", methodPix).Msg("payment_create_failed")
		return nil, gatewayError(err)
	}
	obs.PaymentCreateTotal.WithLabelValues(methodPix, "ok").Inc()
	s.logger.Info().Str("payment_id", p.ID).Str("status", string(p.Status)).Str("method", methodPix).Msg("payment_created")

	return &PixPayment{
		PaymentID:    p.ID,
		Status:       p.Status,
		QRCode:       p.Pix.QRCode,
		QRCodeBase64: p.Pix.QRCodeBase64,
		TicketURL:    p.Pix.TicketURL,
		ExpiresAt:    p.DateOfExpiration,
	}, nil
}

// CreateCard charges a tokenised card.
func (s *Service) CreateCard(ctx context.Context, req Request) (*CardPayment, error) {
	req = trimRequest(req)
	if err := s.check(cardInput{Token: req.CardToken, Amount: req.Amount, Email: req.Email}); err != nil {
		obs.PaymentCreateTotal.WithLabelValues("card", "invalid").Inc()
		return nil, err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		obs.PaymentCreateTotal.WithLabelValues("card", "invalid").Inc()
		return nil, err
	}

	p, err := s.gw.CreatePayment(ctx, gateway.CreatePaymentRequest{
		Amount:          amount,
		Description:     descriptionOrDefault(req.Description),
		PaymentMethodID: s.cardMethod,
		Token:           req.CardToken,
		Installments:    ParseInstallments(req.Installments),
		PayerEmail:      req.Email,
		PayerTaxIDType:  taxIDType(req.CPF),
		PayerTaxID:      digitsOnly(req.CPF),
		NotificationURL: s.notificationURL,
	})
	if err != nil {
		obs.PaymentCreateTotal.WithLabelValues("card", "gateway_error").Inc()
		s.logger.Error().Err(err).Str("method", s.cardMethod).Msg("payment_create_failed")
		return nil, gatewayError(err)
	}
	obs.PaymentCreateTotal.WithLabelValues("card", "ok").Inc()
	s.logger.Info().Str("payment_id", p.ID).Str("status", string(p.Status)).Str("method", s.cardMethod).Msg("payment_created")

	return &CardPayment{
		PaymentID:    p.ID,
		Status:       p.Status,
		StatusDetail: p.StatusDetail,
		Amount:       p.TransactionAmount,
		Installments: p.Installments,
	}, nil
}

// Status looks up a payment on the gateway.
func (s *Service) Status(ctx context.Context, paymentID string) (*PaymentStatus, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, common.ValidationError("payment_id is required", map[string]string{"payment_id": "required"})
	}
	p, err := s.gw.GetPayment(ctx, paymentID)
	if err != nil {
		if gateway.IsNotFound(err) {
			return nil, common.NotFoundError(paymentID, err)
		}
		s.logger.Error().Err(err).Str("payment_id", paymentID).Msg("payment_status_failed")
		return nil, gatewayError(err)
	}
	return &PaymentStatus{
		PaymentID:    p.ID,
		Status:       p.Status,
		StatusDetail: p.StatusDetail,
		Amount:       p.TransactionAmount,
		PayerEmail:   p.Payer.Email,
		CreatedAt:    p.DateCreated,
		ApprovedAt:   p.DateApproved,
	}, nil
}

func (s *Service) check(input any) error {
	err := s.validate.Struct(input)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return common.ValidationError(err.Error(), nil)
	}
	fields := make(map[string]string, len(verrs))
	missing := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := strings.ToLower(fe.Field())
		fields[name] = fe.Tag()
		missing = append(missing, name)
	}
	return common.ValidationError("invalid or missing fields: "+strings.Join(missing, ", "), fields)
}

func gatewayError(err error) error {
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) && len(apiErr.Payload) > 0 {
		return common.GatewayError(err, apiErr.Payload)
	}
	return common.GatewayError(err, nil)
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, common.ValidationError("amount must be a number", map[string]string{"amount": "numeric"})
	}
	if !amount.IsPositive() {
		return decimal.Zero, common.ValidationError("amount must be greater than zero", map[string]string{"amount": "gt=0"})
	}
	return amount, nil
}

// ParseInstallments reads the leading digits of raw and falls back to 1 when
// there are none or the value is below 1.
func ParseInstallments(raw string) int {
	raw = strings.TrimSpace(raw)
	n := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
		if n > 1000 {
			break
		}
	}
	if n < 1 {
		return 1
	}
	return n
}

func splitName(name string) (string, string) {
	parts := strings.Fields(name)
	first, last := defaultFirstName, defaultLastName
	if len(parts) > 0 {
		first = parts[0]
	}
	if len(parts) > 1 {
		last = strings.Join(parts[1:], " ")
	}
	return first, last
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func taxIDType(cpf string) string {
	if digitsOnly(cpf) == "" {
		return ""
	}
	return "CPF"
}

func descriptionOrDefault(d string) string {
	if d == "" {
		return DefaultDescription
	}
	return d
}

func trimRequest(req Request) Request {
	req.Amount = strings.TrimSpace(req.Amount)
	req.Description = strings.TrimSpace(req.Description)
	req.Email = strings.TrimSpace(req.Email)
	req.Name = strings.TrimSpace(req.Name)
	req.CardToken = strings.TrimSpace(req.CardToken)
	return req
}
