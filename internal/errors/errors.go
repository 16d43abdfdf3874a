package errors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/zhengjr9/flowise-bridge/internal/flowise"
)

var (
	ErrMalformedBody   = errors.New("malformed request body")
	ErrEmptyMessages   = errors.New("messages must not be empty")
	ErrUpstreamTimeout = errors.New("flowise request timed out")
)

const (
	// UpstreamMessage is the message reported for every failed upstream call.
	UpstreamMessage = "An error occurred during your request."
	// InvalidRequestMessage is the message reported for a rejected request body.
	InvalidRequestMessage = "Invalid request body."
)

// Envelope is the JSON error body returned before any stream has started.
type Envelope struct {
	Error Detail `json:"error"`
}

// Detail carries a human message and, when available, the upstream's own payload.
type Detail struct {
	Message string `json:"message"`
	Details any    `json:"details"`
}

// WriteJSONError writes an error envelope with the given status. Every caller
// supplies details so the field is always populated.
func WriteJSONError(w http.ResponseWriter, statusCode int, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(Envelope{Error: Detail{Message: message, Details: details}})
}

// WriteUpstreamError maps a failed Flowise call to a 5xx error envelope.
// The details are the upstream's JSON payload when it sent one, its raw text
// otherwise, or the error message for transport-level failures.
func WriteUpstreamError(w http.ResponseWriter, err error) {
	WriteJSONError(w, UpstreamStatus(err), UpstreamMessage, UpstreamDetails(err))
}

// UpstreamStatus returns 504 for timeouts and 502 for any other upstream failure.
func UpstreamStatus(err error) int {
	if IsTimeout(err) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// UpstreamDetails extracts the most useful description of an upstream failure.
func UpstreamDetails(err error) any {
	var upErr *flowise.UpstreamError
	if errors.As(err, &upErr) {
		if len(upErr.Body) == 0 {
			return http.StatusText(upErr.StatusCode)
		}
		if json.Valid(upErr.Body) {
			return json.RawMessage(upErr.Body)
		}
		return string(upErr.Body)
	}
	return err.Error()
}

// IsTimeout reports whether err is a deadline or client timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, ErrUpstreamTimeout) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
