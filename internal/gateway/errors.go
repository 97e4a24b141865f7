package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound matches any APIError carrying a 404 from the gateway.
var ErrNotFound = errors.New("gateway: payment not found")

// ErrMalformedResponse is returned when a success response cannot be decoded.
var ErrMalformedResponse = errors.New("gateway: malformed response")

// APIError is a non-2xx answer from Mercado Pago.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Payload    json.RawMessage
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("mercadopago %d %s: %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("mercadopago %d: %s", e.StatusCode, msg)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type wireError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Status  int    `json:"status"`
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	if json.Valid(body) {
		apiErr.Payload = json.RawMessage(body)
		var we wireError
		if err := json.Unmarshal(body, &we); err == nil {
			apiErr.Code = we.Error
			apiErr.Message = we.Message
		}
	} else if len(body) > 0 {
		apiErr.Message = string(body)
	}
	return apiErr
}
