package core

import (
	"encoding/json"
	"errors"
	"net/http"

	"tripledger/internal/types"
)

// APIErrorResponse is the body of every non-2xx response.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the client-visible part of an error. Wrapped causes never
// appear here.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

const unexpectedMessage = "an unexpected error occurred"

func envelope(r *http.Request, code types.ErrorCode, message string, details map[string]any) APIErrorResponse {
	return APIErrorResponse{Error: ErrorDetail{
		Code:      string(code),
		Message:   message,
		Details:   details,
		RequestID: types.GetRequestID(r.Context()),
	}}
}

// JSON marshals data and writes it with status. A value that cannot be
// marshalled produces a 500 envelope instead.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		// An envelope of plain strings always marshals.
		body, _ = json.Marshal(envelope(r, types.ErrCodeInternalUnexpected, "failed to marshal response", nil))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error writes err as an APIErrorResponse. An *types.AppError anywhere in the
// chain supplies the status, code, message and details; any other error is
// reported as a generic 500.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		JSON(w, r, http.StatusInternalServerError, envelope(r, types.ErrCodeInternalUnexpected, unexpectedMessage, nil))
		return
	}
	JSON(w, r, appErr.HTTPStatus(), envelope(r, appErr.Code, appErr.Message, appErr.Details))
}
