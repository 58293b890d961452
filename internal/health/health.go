// Package health provides the HTTP health check endpoint for the Rookery
// daemon.
package health

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/dyluth/rookery/pkg/bus"
)

// Server serves GET /healthz, reporting bus connectivity.
type Server struct {
	client   *bus.Client
	addr     string
	server   *http.Server
	listener net.Listener
}

// NewServer creates a health check server listening on addr once started.
func NewServer(client *bus.Client, addr string) *Server {
	return &Server{
		client: client,
		addr:   addr,
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthCheckHandler)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("[WARN] Health server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound listen address. Useful when the configured address
// uses port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// response is the JSON body of a health check.
type response struct {
	Status string `json:"status"`
	Bus    string `json:"bus,omitempty"`
	Error  string `json:"error,omitempty"`
}

// healthCheckHandler returns 200 if the bus is reachable, 503 otherwise.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := response{Status: "healthy", Bus: "connected"}
	code := http.StatusOK
	if err := s.client.Ping(ctx); err != nil {
		resp = response{Status: "unhealthy", Bus: "disconnected", Error: err.Error()}
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
