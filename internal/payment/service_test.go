package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/nexus-finance-backend/internal/common"
	"github.com/noah-isme/nexus-finance-backend/internal/gateway"
	"github.com/noah-isme/nexus-finance-backend/internal/payment"
)

type fakeGateway struct {
	mu      sync.Mutex
	creates []gateway.CreatePaymentRequest
	gets    []string
	payment *gateway.Payment
	err     error
}

func (f *fakeGateway) CreatePayment(_ context.Context, req gateway.CreatePaymentRequest) (*gateway.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.payment, nil
}

func (f *fakeGateway) GetPayment(_ context.Context, id string) (*gateway.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets = append(f.gets, id)
	if f.err != nil {
		return nil, f.err
	}
	return f.payment, nil
}

func (f *fakeGateway) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates) + len(f.gets)
}

func newService(gw payment.Gateway) *payment.Service {
	return payment.NewService(gw, payment.Options{
		NotificationURL: "https://relay.example/webhook",
		Logger:          zerolog.Nop(),
	})
}

func TestCreatePixMapsGatewayPayment(t *testing.T) {
	gw := &fakeGateway{payment: &gateway.Payment{
		ID:               "123",
		Status:           gateway.StatusPending,
		DateOfExpiration: "2026-10-20T10:00:00.000-03:00",
		Pix:              &gateway.PixData{QRCode: "000201...", QRCodeBase64: "iVBORw0K...", TicketURL: "https://mp/t"},
	}}
	svc := newService(gw)

	p, err := svc.CreatePix(context.Background(), payment.Request{
		Amount: "29.90",
		Email:  "a@b.com",
		Name:   "Ana Maria Souza",
		CPF:    "123.456.789-00",
	})
	require.NoError(t, err)
	require.Equal(t, "123", p.PaymentID)
	require.Equal(t, gateway.StatusPending, p.Status)
	require.Equal(t, "000201...", p.QRCode)
	require.Equal(t, "iVBORw0K...", p.QRCodeBase64)
	require.Equal(t, "https://mp/t", p.TicketURL)
	require.Equal(t, "2026-10-20T10:00:00.000-03:00", p.ExpiresAt)

	require.Len(t, gw.creates, 1)
	sent := gw.creates[0]
	require.True(t, decimal.RequireFromString("29.9").Equal(sent.Amount))
	require.Equal(t, "pix", sent.PaymentMethodID)
	require.Equal(t, payment.DefaultDescription, sent.Description)
	require.Equal(t, "Ana", sent.PayerFirstName)
	require.Equal(t, "Maria Souza", sent.PayerLastName)
	require.Equal(t, "CPF", sent.PayerTaxIDType)
	require.Equal(t, "12345678900", sent.PayerTaxID)
	require.Equal(t, "https://relay.example/webhook", sent.NotificationURL)
}

func TestCreatePixDefaultsPayerName(t *testing.T) {
	gw := &fakeGateway{payment: &gateway.Payment{ID: "1", Status: gateway.StatusPending, Pix: &gateway.PixData{QRCode: "000201"}}}
	_, err := newService(gw).CreatePix(context.Background(), payment.Request{Amount: "10", Email: "a@b.com"})
	require.NoError(t, err)
	require.Equal(t, "Cliente", gw.creates[0].PayerFirstName)
	require.Equal(t, "Nexus", gw.creates[0].PayerLastName)
	require.Empty(t, gw.creates[0].PayerTaxIDType)
}

func TestCreatePixWithoutQRDataIsGatewayError(t *testing.T) {
	for name, p := range map[string]*gateway.Payment{
		"no transaction data": {ID: "9", Status: gateway.StatusPending},
		"empty qr code":       {ID: "9", Status: gateway.StatusPending, Pix: &gateway.PixData{QRCodeBase64: "iVBORw0K..."}},
	} {
		t.Run(name, func(t *testing.T) {
			out, err := newService(&fakeGateway{payment: p}).CreatePix(context.Background(), payment.Request{Amount: "10", Email: "a@b.com"})
			require.Nil(t, out)
			require.ErrorIs(t, err, gateway.ErrMalformedResponse)
			var appErr *common.AppError
			require.ErrorAs(t, err, &appErr)
			require.Equal(t, common.CodeGateway, appErr.Code)
			require.Equal(t, http.StatusInternalServerError, appErr.HTTPStatus)
		})
	}
}

func TestCreateRejectsMissingFieldsWithoutGatewayCall(t *testing.T) {
	cases := map[string]payment.Request{
		"missing amount": {Email: "a@b.com", CardToken: "tok"},
		"missing email":  {Amount: "10", CardToken: "tok"},
		"bad email":      {Amount: "10", Email: "not-an-email", CardToken: "tok"},
		"zero amount":    {Amount: "0", Email: "a@b.com", CardToken: "tok"},
		"negative":       {Amount: "-5", Email: "a@b.com", CardToken: "tok"},
		"non numeric":    {Amount: "ten", Email: "a@b.com", CardToken: "tok"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			gw := &fakeGateway{payment: &gateway.Payment{ID: "1"}}
			svc := newService(gw)

			_, err := svc.CreatePix(context.Background(), req)
			require.True(t, common.HasCode(err, common.CodeValidation), "pix: %v", err)
			_, err = svc.CreateCard(context.Background(), req)
			require.True(t, common.HasCode(err, common.CodeValidation), "card: %v", err)

			require.Zero(t, gw.calls())
		})
	}
}

func TestCreateCardRequiresToken(t *testing.T) {
	gw := &fakeGateway{payment: &gateway.Payment{ID: "1"}}
	_, err := newService(gw).CreateCard(context.Background(), payment.Request{Amount: "10", Email: "a@b.com"})
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, http.StatusBadRequest, appErr.HTTPStatus)
	require.Equal(t, map[string]string{"token": "required"}, appErr.Details)
	require.Zero(t, gw.calls())
}

func TestCreateCardMapsGatewayPayment(t *testing.T) {
	gw := &fakeGateway{payment: &gateway.Payment{
		ID:                "555",
		Status:            gateway.StatusApproved,
		StatusDetail:      "accredited",
		TransactionAmount: decimal.RequireFromString("99.90"),
		Installments:      3,
	}}
	p, err := newService(gw).CreateCard(context.Background(), payment.Request{
		Amount:       "99.90",
		Email:        "a@b.com",
		CardToken:    "card-token",
		Installments: "3",
		Description:  "Plano anual",
	})
	require.NoError(t, err)
	require.Equal(t, "555", p.PaymentID)
	require.Equal(t, "accredited", p.StatusDetail)
	require.Equal(t, 3, p.Installments)

	sent := gw.creates[0]
	require.Equal(t, "visa", sent.PaymentMethodID)
	require.Equal(t, "card-token", sent.Token)
	require.Equal(t, 3, sent.Installments)
	require.Equal(t, "Plano anual", sent.Description)
}

func TestParseInstallments(t *testing.T) {
	require.Equal(t, 1, payment.ParseInstallments(""))
	require.Equal(t, 1, payment.ParseInstallments("abc"))
	require.Equal(t, 1, payment.ParseInstallments("0"))
	require.Equal(t, 1, payment.ParseInstallments("-2"))
	require.Equal(t, 6, payment.ParseInstallments("6"))
	require.Equal(t, 3, payment.ParseInstallments("3x"))
}

func TestCreateSurfacesProcessorPayload(t *testing.T) {
	payload := json.RawMessage(`{"message":"invalid token","error":"bad_request","status":400}`)
	gw := &fakeGateway{err: &gateway.APIError{StatusCode: 400, Code: "bad_request", Message: "invalid token", Payload: payload}}
	_, err := newService(gw).CreateCard(context.Background(), payment.Request{Amount: "10", Email: "a@b.com", CardToken: "t"})

	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeGateway, appErr.Code)
	require.Equal(t, http.StatusInternalServerError, appErr.HTTPStatus)
	require.Equal(t, payload, appErr.Details)
	require.Equal(t, 1, gw.calls())
}

func TestStatusMapsNotFound(t *testing.T) {
	gw := &fakeGateway{err: &gateway.APIError{StatusCode: http.StatusNotFound}}
	_, err := newService(gw).Status(context.Background(), "999")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, common.CodeNotFound, appErr.Code)
	require.Equal(t, http.StatusNotFound, appErr.HTTPStatus)
}

func TestStatusMapsOtherFailuresToGatewayError(t *testing.T) {
	gw := &fakeGateway{err: errors.New("connection reset")}
	_, err := newService(gw).Status(context.Background(), "1")
	require.True(t, common.HasCode(err, common.CodeGateway))
}
