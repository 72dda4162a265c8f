// Package httpapi exposes the turn orchestrator's read-only HTTP
// surface: /health, /state, /diagnostics. Server is a thin
// http.ServeMux wrapper that registers its routes in the constructor;
// responses set the status code before encoding and append a fixed
// {"status":"error"} body if JSON encoding fails.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// Diagnostics is the snapshot returned by GET /diagnostics.
type Diagnostics struct {
	State            orchestrator.State `json:"state"`
	BackgroundTasks  int                `json:"background_tasks"`
	ActiveTimeoutSet bool               `json:"active_timeout"`
	GoroutineCount   int                `json:"asyncio_tasks"`
	DBPoolSize       *int               `json:"db_pool_size,omitempty"`
	DBPoolFree       *int               `json:"db_pool_free,omitempty"`
}

// Orchestrator is the narrow read-only surface the turn orchestrator
// exposes to the HTTP layer. Implemented by cmd/agent's adapter over the
// turn orchestrator; httpapi imports pkg/orchestrator only for its State
// type.
type Orchestrator interface {
	CurrentState() orchestrator.State
	Diagnostics() Diagnostics
}

// Server serves the orchestrator's read-only HTTP surface.
type Server struct {
	orch Orchestrator
	mux  *http.ServeMux
}

// NewServer creates the HTTP API server wired to orch.
func NewServer(orch Orchestrator) *Server {
	s := &Server{orch: orch, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /state", s.handleState)
	s.mux.HandleFunc("GET /diagnostics", s.handleDiagnostics)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  string(s.orch.CurrentState()),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"state": string(s.orch.CurrentState()),
	})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Diagnostics())
}

// writeJSON encodes v as JSON and writes it with the given status code.
// On encoding failure it writes a {"status":"error"} body; the status
// code has already been sent by then and is not changed.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
