// Package api exposes a minimal read-only introspection surface: a
// liveness check and a status dump of supervisor state. This is not a
// market-data API — the relay's only external data contract is the
// event stream to the downstream hub (internal/sink) — it exists for
// the container orchestrator's health check and for local debugging.
package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// StatusSource is the subset of the connection supervisor the status
// endpoint reports on.
type StatusSource interface {
	StateString() string
	CurrentPrice() float64
	SubscribedCount() int
}

// Server serves /health and /status over HTTP.
type Server struct {
	supervisor StatusSource
	startAt    time.Time
}

// NewServer creates a Server bound to supervisor.
func NewServer(supervisor StatusSource) *Server {
	return &Server{supervisor: supervisor, startAt: time.Now()}
}

// Register attaches the introspection routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	State               string  `json:"state"`
	CurrentPrice        float64 `json:"current_price"`
	SubscribedContracts int     `json:"subscribed_contracts"`
	UptimeSeconds       float64 `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		State:               s.supervisor.StateString(),
		CurrentPrice:        s.supervisor.CurrentPrice(),
		SubscribedContracts: s.supervisor.SubscribedCount(),
		UptimeSeconds:       time.Since(s.startAt).Seconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
