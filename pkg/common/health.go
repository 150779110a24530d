// Package common provides small shared utilities used across services.
package common

import (
	"encoding/json"
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

// HealthServer exposes liveness and readiness endpoints for the cluster
// scheduler's probes. Readiness flips once the service has finished wiring
// its dependencies.
type HealthServer struct {
	server *http.Server
	ready  *atomic.Bool
}

// NewHealthServer creates and starts a health server on the default probe
// port. The provided ready flag is shared with the caller, which flips it
// once startup completes.
func NewHealthServer(ready *atomic.Bool) *HealthServer {
	hs := &HealthServer{ready: ready}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", hs.handleHealth)
	mux.HandleFunc("/v1/readiness", hs.handleReadiness)

	port := os.Getenv("HEALTH_PORT")
	if port == "" {
		port = "8081"
	}

	hs.server = &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() { _ = hs.server.ListenAndServe() }()

	return hs
}

// Server returns the underlying http server so callers can shut it down.
func (hs *HealthServer) Server() *http.Server { return hs.server }

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (hs *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !hs.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
