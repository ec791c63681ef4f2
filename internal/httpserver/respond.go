package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/stripe-experiments/sync-data-stripe-app/internal/reqauth"
)

// ErrorResponse is the JSON error envelope every endpoint returns. Error is
// a stable machine-readable kind the dashboard switches on (for example
// "invalid_state", "lock_busy", "not_connected"); Message is human-readable
// detail and must never carry tokens, codes, or raw upstream bodies.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Respond writes data as JSON with the given status code. The body is
// marshalled before any header is written, so an encoding failure becomes a
// clean 500 instead of a truncated 200.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")

	if data == nil {
		w.WriteHeader(status)
		return
	}

	body, err := json.Marshal(data)
	if err != nil {
		slog.Error("encoding response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// RespondError writes the standard error envelope.
func RespondError(w http.ResponseWriter, status int, kind string, message string) {
	Respond(w, status, ErrorResponse{
		Error:   kind,
		Message: message,
	})
}

// RespondAuthFailure maps a signature-verification failure kind onto the
// error envelope and its HTTP status, so authentication failures look the
// same on the wire as every other error this surface produces.
func RespondAuthFailure(w http.ResponseWriter, kind reqauth.FailureKind, message string) {
	RespondError(w, reqauth.StatusFor(kind), string(kind), message)
}
