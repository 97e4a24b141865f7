package payment

import (
	"bytes"
	"encoding/json"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/nexus-finance-backend/internal/common"
)

// Handler exposes the payment endpoints consumed by the frontend.
type Handler struct {
	Svc *Service
}

// Routes mounts the payment endpoints on r.
func (h Handler) Routes(r chi.Router) {
	r.Post("/criar-pagamento-pix", h.CreatePix)
	r.Post("/processar-cartao", h.CreateCard)
	r.Get("/verificar-pagamento/{payment_id}", h.Status)
}

// createReq accepts amount and installments as either JSON numbers or strings.
type createReq struct {
	Amount       json.RawMessage `json:"amount"`
	Description  string          `json:"description"`
	Email        string          `json:"email"`
	Name         string          `json:"name"`
	CPF          string          `json:"cpf"`
	Token        string          `json:"token"`
	Installments json.RawMessage `json:"installments"`
}

func (c createReq) toRequest() Request {
	return Request{
		Amount:       rawText(c.Amount),
		Description:  c.Description,
		Email:        c.Email,
		Name:         c.Name,
		CPF:          c.CPF,
		CardToken:    c.Token,
		Installments: rawText(c.Installments),
	}
}

type pixResp struct {
	Success      bool   `json:"success"`
	PaymentID    string `json:"payment_id"`
	Status       string `json:"status"`
	QRCode       string `json:"qr_code"`
	QRCodeBase64 string `json:"qr_code_base64"`
	TicketURL    string `json:"ticket_url,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
}

type cardResp struct {
	Success      bool         `json:"success"`
	PaymentID    string       `json:"payment_id"`
	Status       string       `json:"status"`
	StatusDetail string       `json:"status_detail"`
	Amount       *json.Number `json:"amount,omitempty"`
	Installments int          `json:"installments,omitempty"`
}

type statusResp struct {
	Success      bool        `json:"success"`
	PaymentID    string      `json:"payment_id"`
	Status       string      `json:"status"`
	StatusDetail string      `json:"status_detail"`
	Amount       json.Number `json:"amount"`
	PayerEmail   string      `json:"payer_email"`
	DateCreated  string      `json:"date_created,omitempty"`
	DateApproved string      `json:"date_approved,omitempty"`
}

// CreatePix handles POST /criar-pagamento-pix.
func (h Handler) CreatePix(w http.ResponseWriter, r *http.Request) {
	req, ok := decode(w, r)
	if !ok {
		return
	}
	p, err := h.Svc.CreatePix(r.Context(), req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, pixResp{
		Success:      true,
		PaymentID:    p.PaymentID,
		Status:       string(p.Status),
		QRCode:       p.QRCode,
		QRCodeBase64: p.QRCodeBase64,
		TicketURL:    p.TicketURL,
		ExpiresAt:    p.ExpiresAt,
	})
}

// CreateCard handles POST /processar-cartao.
func (h Handler) CreateCard(w http.ResponseWriter, r *http.Request) {
	req, ok := decode(w, r)
	if !ok {
		return
	}
	p, err := h.Svc.CreateCard(r.Context(), req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	resp := cardResp{
		Success:      true,
		PaymentID:    p.PaymentID,
		Status:       string(p.Status),
		StatusDetail: p.StatusDetail,
		Installments: p.Installments,
	}
	if !p.Amount.IsZero() {
		n := number(p.Amount)
		resp.Amount = &n
	}
	common.JSON(w, http.StatusOK, resp)
}

// Status handles GET /verificar-pagamento/{payment_id}.
func (h Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.Svc.Status(r.Context(), chi.URLParam(r, "payment_id"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, statusResp{
		Success:      true,
		PaymentID:    st.PaymentID,
		Status:       string(st.Status),
		StatusDetail: st.StatusDetail,
		Amount:       number(st.Amount),
		PayerEmail:   st.PayerEmail,
		DateCreated:  st.CreatedAt,
		DateApproved: st.ApprovedAt,
	})
}

// decode reads a create request from a JSON or form-encoded body.
func decode(w http.ResponseWriter, r *http.Request) (Request, bool) {
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			common.WriteError(w, common.ValidationError("invalid form body", nil))
			return Request{}, false
		}
		f := r.PostForm
		return Request{
			Amount:       strings.TrimSpace(f.Get("amount")),
			Description:  f.Get("description"),
			Email:        f.Get("email"),
			Name:         f.Get("name"),
			CPF:          f.Get("cpf"),
			CardToken:    f.Get("token"),
			Installments: strings.TrimSpace(f.Get("installments")),
		}, true
	}

	var req createReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.WriteError(w, common.ValidationError("invalid JSON body", nil))
		return Request{}, false
	}
	return req.toRequest(), true
}

// rawText returns a JSON scalar as plain text: strings are unquoted, numbers
// kept verbatim and null or absent values become empty.
func rawText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	return string(raw)
}

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}
