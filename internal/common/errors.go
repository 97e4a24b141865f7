package common

import (
	"errors"
	"net/http"
)

// Error codes rendered in the "code" field of error responses.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeGateway    = "GATEWAY_ERROR"
	CodeNotFound   = "PAYMENT_NOT_FOUND"
	CodeActivation = "ACTIVATION_ERROR"
	CodeInternal   = "INTERNAL"
)

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// ValidationError reports missing or malformed input. fields maps the
// offending field name to a human readable reason.
func ValidationError(message string, fields map[string]string) *AppError {
	e := NewAppError(CodeValidation, message, http.StatusBadRequest, nil)
	if len(fields) > 0 {
		e.Details = fields
	}
	return e
}

// GatewayError wraps a payment processor failure. details carries the raw
// processor payload so the frontend can surface it while debugging.
func GatewayError(err error, details any) *AppError {
	e := NewAppError(CodeGateway, "", http.StatusInternalServerError, err)
	e.Details = details
	return e
}

// NotFoundError reports a lookup for a payment the processor does not know.
func NotFoundError(paymentID string, err error) *AppError {
	return NewAppError(CodeNotFound, "payment "+paymentID+" not found", http.StatusNotFound, err)
}

// ActivationError wraps an activation sink failure. It is never rendered over
// HTTP because the notification that triggered it was already acknowledged.
func ActivationError(paymentID string, err error) *AppError {
	return NewAppError(CodeActivation, "activate payment "+paymentID+": "+errString(err), 0, err)
}

// HasCode reports whether err is an AppError carrying code.
func HasCode(err error, code string) bool {
	var target *AppError
	return errors.As(err, &target) && target.Code == code
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
