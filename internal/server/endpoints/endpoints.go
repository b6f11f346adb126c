// Package endpoints defines the HTTP API surface. Each endpoint pairs a
// route handler with the CLI command that calls it, so the route table and
// the command tree never drift apart.
package endpoints

import (
	"encoding/json"
	"net/http"

	"github.com/jackzampolin/narrator/internal/api"
)

// All returns every registered endpoint.
func All() []api.Endpoint {
	return []api.Endpoint{
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&CreateJobEndpoint{},
		&GetJobEndpoint{},
		&ListJobsEndpoint{},
		&CancelJobEndpoint{},
		&GetProgressEndpoint{},
		&UpdateProgressEndpoint{},
		&ResetProgressEndpoint{},
		&RecentProgressEndpoint{},
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
