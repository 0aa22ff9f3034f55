// Package api provides the HTTP handlers of the moderator server.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/mds-moderator/internal/launcher"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	// WorkerID names a worker left behind by a failed start, for reclaiming.
	WorkerID string `json:"worker_id,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "status", status, "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorBody{Error: message})
}

// StartError writes the response for a failed session start. Failures that
// leave a worker running carry its id.
func StartError(w http.ResponseWriter, err error) {
	body := ErrorBody{Error: err.Error()}
	var spawnErr *launcher.SpawnError
	var provErr *launcher.ProvisionError
	switch {
	case errors.As(err, &spawnErr):
		body.WorkerID = spawnErr.WorkerID
	case errors.As(err, &provErr):
		body.WorkerID = provErr.WorkerID
	}
	JSON(w, startErrorStatus(err), body)
}
