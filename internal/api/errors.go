package api

import (
	"context"
	"encoding/json"
	"net/http"
)

// Error codes returned in ErrorResponse.Error.
const (
	ErrCodeNotFound       = "not_found"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeBadRequest     = "bad_request"
	ErrCodeValidation     = "validation_failed"
	ErrCodeConflict       = "conflict"
	ErrCodeInternalError  = "internal_error"
	ErrCodeServiceUnavail = "service_unavailable"
)

var statusCodes = map[int]string{
	http.StatusNotFound:            ErrCodeNotFound,
	http.StatusTooManyRequests:     ErrCodeRateLimited,
	http.StatusBadRequest:          ErrCodeBadRequest,
	http.StatusUnprocessableEntity: ErrCodeValidation,
	http.StatusConflict:            ErrCodeConflict,
	http.StatusServiceUnavailable:  ErrCodeServiceUnavail,
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

type requestIDContextKey struct{}

// RequestIDKey is the context key holding the request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID returns the request ID set by RequestIDMiddleware, or the
// inbound X-Request-ID header when the middleware did not run.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, _ := ctx.Value(RequestIDKey).(string); id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// HTTPStatusToErrorCode maps a status to its error code; unmapped statuses
// are internal errors.
func HTTPStatusToErrorCode(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return ErrCodeInternalError
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	body := ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: GetRequestID(r.Context(), r),
	}
	if body.RequestID != "" {
		w.Header().Set("X-Request-ID", body.RequestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
