package common

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorBody is the error payload returned to the frontend. It keeps the
// {success:false, error:"..."} shape the frontend already parses.
type ErrorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// JSON writes the provided value to the response writer as JSON.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError renders an error response using the canonical error shape.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, ErrorBody{
		Success: false,
		Error:   message,
		Code:    code,
		Details: details,
	})
}

// WriteError renders err, using the status and code carried by an AppError when
// present and a generic 500 otherwise.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		JSONError(w, status, appErr.Code, appErr.Error(), appErr.Details)
		return
	}
	JSONError(w, http.StatusInternalServerError, CodeInternal, err.Error(), nil)
}
