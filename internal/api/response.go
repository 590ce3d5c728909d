// Package api implements the HTTP edge of the daemon. It uses Chi as the
// router and exposes command submission, direct queries, the WebSocket
// telemetry stream, and the Prometheus endpoint under /api/v1. The daemon
// carries no authentication by design — it serves operators on a trusted
// robot network.
package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the standard JSON response wrapper. Successful responses wrap
// the payload in a "data" key; error responses use an "error" key with a
// human-readable message and a machine-readable code.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{
			Message: message,
			Code:    code,
		},
	})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrTimeout writes a 504 Gateway Timeout error response, used when a
// bounded command wait expires before the robot finishes.
func ErrTimeout(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusGatewayTimeout, message, "timeout")
}

// ErrInternal writes a 500 Internal Server Error response.
func ErrInternal(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusInternalServerError, message, "internal_error")
}
