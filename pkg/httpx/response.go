// Package httpx provides HTTP request and response helpers shared by the handlers.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinytraffic/pkg/errs"
)

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode JSON response", zap.Error(err))
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// RespondError writes an error response with the given status code and error message.
func RespondError(w http.ResponseWriter, status int, err error) {
	RespondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
	})
}

// RespondErrorString writes an error response with the given status code and error message string.
func RespondErrorString(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}

// RespondErr writes err with the status its kind maps to.
func RespondErr(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	resp := ErrorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
	}
	if k := errs.KindOf(err); k != errs.KindUnknown {
		resp.Kind = string(k)
	}
	RespondJSON(w, status, resp)
}

// StatusFor maps an error to an HTTP status code.
func StatusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch errs.KindOf(err) {
	case errs.KindConfig:
		return http.StatusBadRequest
	case errs.KindBusy:
		return http.StatusConflict
	case errs.KindFetch:
		return http.StatusBadGateway
	case errs.KindStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ParseTime parses an RFC3339 timestamp, returning def for an empty string.
func ParseTime(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errs.Config("parse time", "invalid timestamp %q, want RFC3339", s)
	}
	return t.UTC(), nil
}

// ParseInt parses an integer parameter, returning def for an empty string.
func ParseInt(name, s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errs.Config("parse "+name, "invalid %s %q", name, s)
	}
	return n, nil
}
