package controlplane

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/fentz26/swarm/internal/breaker"
	"github.com/fentz26/swarm/internal/models"
)

// Version is reported by the health endpoint.
var Version = "dev"

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ServerOptions configures a Server.
type ServerOptions struct {
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Stats adds scheduler pool usage to /status when set.
	Stats  func() any
	Logger *slog.Logger
}

// Server is the daemon's read-only operational HTTP endpoint.
type Server struct {
	service *Service
	db      Pinger
	opts    ServerOptions
	addr    string
	server  *http.Server
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

// StatusResponse is the body of /status.
type StatusResponse struct {
	Tickets  map[models.State]int `json:"tickets"`
	Breakers []breaker.Status     `json:"breakers"`
	Pool     any                  `json:"pool,omitempty"`
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, db Pinger, addr string, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		service: service,
		db:      db,
		opts:    opts,
		addr:    addr,
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	if s.opts.Metrics != nil {
		mux.Handle("/metrics", s.opts.Metrics)
	}
	return mux
}

// Start serves until Shutdown is called. It returns http.ErrServerClosed
// after a clean shutdown.
func (s *Server) Start() error {
	s.opts.Logger.Info("Serving operational endpoints", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.db.Ping(r.Context()); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	counts, err := s.service.Counts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := StatusResponse{
		Tickets:  counts,
		Breakers: s.service.BreakerStatus(r.Context()),
	}
	if resp.Breakers == nil {
		resp.Breakers = []breaker.Status{}
	}
	if s.opts.Stats != nil {
		resp.Pool = s.opts.Stats()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.opts.Logger.Debug("write response failed", "error", err)
	}
}
