package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Status is a Mercado Pago payment status. Values outside the known set are
// preserved verbatim.
type Status string

const (
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusAuthorized  Status = "authorized"
	StatusInProcess   Status = "in_process"
	StatusInMediation Status = "in_mediation"
	StatusRejected    Status = "rejected"
	StatusCancelled   Status = "cancelled"
	StatusRefunded    Status = "refunded"
	StatusChargedBack Status = "charged_back"
)

// IsApproved reports whether the payment has been approved by the processor.
func (s Status) IsApproved() bool { return s == StatusApproved }

// Payer identifies the buyer on a payment record.
type Payer struct {
	Email string
	TaxID string
}

// PixData carries the QR payload returned for PIX payments.
type PixData struct {
	QRCode       string
	QRCodeBase64 string
	TicketURL    string
}

// Payment is a transient copy of the gateway's payment record.
type Payment struct {
	ID                string
	Status            Status
	StatusDetail      string
	TransactionAmount decimal.Decimal
	Description       string
	Installments      int
	PaymentMethodID   string
	Payer             Payer
	Pix               *PixData
	DateCreated       string
	DateApproved      string
	DateOfExpiration  string
}

// CreatePaymentRequest is the payload accepted by CreatePayment.
type CreatePaymentRequest struct {
	Amount          decimal.Decimal
	Description     string
	PaymentMethodID string
	Token           string
	Installments    int
	PayerEmail      string
	PayerFirstName  string
	PayerLastName   string
	PayerTaxIDType  string
	PayerTaxID      string
	NotificationURL string
}

type wireCreateRequest struct {
	TransactionAmount json.Number `json:"transaction_amount"`
	Token             string      `json:"token,omitempty"`
	Description       string      `json:"description,omitempty"`
	Installments      int         `json:"installments,omitempty"`
	PaymentMethodID   string      `json:"payment_method_id"`
	Payer             wirePayerIn `json:"payer"`
	NotificationURL   string      `json:"notification_url,omitempty"`
}

type wirePayerIn struct {
	Email          string              `json:"email"`
	FirstName      string              `json:"first_name,omitempty"`
	LastName       string              `json:"last_name,omitempty"`
	Identification *wireIdentification `json:"identification,omitempty"`
}

type wireIdentification struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

func toWire(req CreatePaymentRequest) wireCreateRequest {
	out := wireCreateRequest{
		TransactionAmount: json.Number(req.Amount.String()),
		Token:             req.Token,
		Description:       req.Description,
		Installments:      req.Installments,
		PaymentMethodID:   req.PaymentMethodID,
		NotificationURL:   req.NotificationURL,
		Payer: wirePayerIn{
			Email:     req.PayerEmail,
			FirstName: req.PayerFirstName,
			LastName:  req.PayerLastName,
		},
	}
	if req.PayerTaxID != "" || req.PayerTaxIDType != "" {
		out.Payer.Identification = &wireIdentification{Type: req.PayerTaxIDType, Number: req.PayerTaxID}
	}
	return out
}

type wirePayment struct {
	ID                flexID          `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	Description       string          `json:"description"`
	Installments      int             `json:"installments"`
	PaymentMethodID   string          `json:"payment_method_id"`
	DateCreated       string          `json:"date_created"`
	DateApproved      string          `json:"date_approved"`
	DateOfExpiration  string          `json:"date_of_expiration"`
	Payer             struct {
		Email          string `json:"email"`
		Identification struct {
			Number string `json:"number"`
		} `json:"identification"`
	} `json:"payer"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
			TicketURL    string `json:"ticket_url"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

func (w wirePayment) toPayment() *Payment {
	p := &Payment{
		ID:                string(w.ID),
		Status:            Status(w.Status),
		StatusDetail:      w.StatusDetail,
		TransactionAmount: w.TransactionAmount,
		Description:       w.Description,
		Installments:      w.Installments,
		PaymentMethodID:   w.PaymentMethodID,
		Payer:             Payer{Email: w.Payer.Email, TaxID: w.Payer.Identification.Number},
		DateCreated:       w.DateCreated,
		DateApproved:      w.DateApproved,
		DateOfExpiration:  w.DateOfExpiration,
	}
	td := w.PointOfInteraction.TransactionData
	if td.QRCode != "" || td.QRCodeBase64 != "" || td.TicketURL != "" {
		p.Pix = &PixData{QRCode: td.QRCode, QRCodeBase64: td.QRCodeBase64, TicketURL: td.TicketURL}
	}
	return p
}

// flexID accepts ids encoded either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("gateway: invalid id %s: %w", string(data), err)
	}
	*f = flexID(n.String())
	return nil
}

// NormalizeID converts an id received as a JSON string or number into its
// canonical string form.
func NormalizeID(raw json.RawMessage) (string, error) {
	var id flexID
	if err := id.UnmarshalJSON(raw); err != nil {
		return "", err
	}
	return string(id), nil
}
