package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/marcus/medsync/internal/syncerr"
)

// Error codes for failures that do not come from the engine.
const (
	ErrCodeBadRequest   = "BAD_REQUEST"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeInternal     = "INTERNAL"
	ErrCodeUnavailable  = "UNAVAILABLE"
)

// APIError represents a structured error returned by the API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps an APIError for JSON serialization.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// writeError writes a JSON error response with the given HTTP status code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error: APIError{Code: code, Message: message},
	}); err != nil {
		slog.Error("write error response", "err", err)
	}
}

// writeSyncError maps an engine error to its status and code. Uncategorized
// errors are logged and reported as internal without their text.
func writeSyncError(w http.ResponseWriter, r *http.Request, err error) {
	code := syncerr.CodeOf(err)
	if code == "" {
		logFor(r.Context()).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
		return
	}
	status := syncerr.HTTPStatus(err)
	if status >= 500 {
		logFor(r.Context()).Error("request failed", "code", code, "err", err)
	}
	msg := err.Error()
	var se *syncerr.Error
	if errors.As(err, &se) {
		msg = se.Message
	}
	writeError(w, status, string(code), msg)
}

// writeJSON writes a JSON response with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "err", err)
	}
}

// writeAttachment serves payload as a downloadable file.
func writeAttachment(w http.ResponseWriter, contentType, name string, payload []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		slog.Error("write attachment", "err", err)
	}
}
