// Package hostapi is the host's control-plane surface for runners: the
// registry CRUD under /api/settings/runner-hosts, the registration endpoint
// runners call home to, and the dispatch relay that runs scripts on a
// selected runner.
package hostapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/automn-run/automn/internal/config"
	"github.com/automn-run/automn/internal/dispatch"
	"github.com/automn-run/automn/internal/runnerapi"
)

// maxJSONBodySize caps request bodies (1MB).
const maxJSONBodySize = 1 << 20

// Server wires the host handlers to the registry store and the dispatch
// client.
type Server struct {
	Config   *config.HostConfig
	Store    RunnerStore
	Dispatch *dispatch.Client

	// secrets caches the plaintext secret each runner presented at its most
	// recent accepted registration. Memory only; the store keeps hashes.
	secretsMu sync.Mutex
	secrets   map[string]string

	// active tracks in-flight dispatches per runner for the advertised
	// maxConcurrency bound.
	activeMu sync.Mutex
	active   map[string]int
}

// NewRouter creates a configured chi router with all host routes mounted.
func NewRouter(srv *Server) chi.Router {
	if srv.Dispatch == nil {
		srv.Dispatch = dispatch.NewClient(nil)
	}

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(middleware.RealIP)
	r.Use(runnerapi.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(limitJSONBody)

	r.Get("/health", srv.handleHealth)
	r.Get("/health/ready", srv.handleReady)

	r.Route("/api/settings/runner-hosts", func(r chi.Router) {
		r.Post("/", srv.handleCreateRunner)
		r.Get("/", srv.handleListRunners)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", srv.handleGetRunner)
			r.Patch("/", srv.handleUpdateRunner)
			r.Delete("/", srv.handleDeleteRunner)
			r.Post("/rotate-secret", srv.handleRotateSecret)
			r.Post("/disconnect", srv.handleDisconnect)
			r.Post("/disable", srv.handleDisable)
			r.Post("/enable", srv.handleEnable)
			r.Post("/register", srv.handleRegister)
		})
	})

	r.Post("/api/run", srv.handleDispatchRun)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady verifies the registry store answers before reporting ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if _, err := s.Store.List(ctx); err != nil {
		slog.Error("readiness check failed", "error", err)
		errorJSON(w, "Registry store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// heartbeatWindow is the staleness window applied to lastSeenAt.
func (s *Server) heartbeatWindow() time.Duration {
	return time.Duration(s.Config.HeartbeatWindowMs) * time.Millisecond
}

func (s *Server) rememberSecret(runnerID, secret string) {
	s.secretsMu.Lock()
	defer s.secretsMu.Unlock()
	if s.secrets == nil {
		s.secrets = make(map[string]string)
	}
	s.secrets[runnerID] = secret
}

func (s *Server) forgetSecret(runnerID string) {
	s.secretsMu.Lock()
	defer s.secretsMu.Unlock()
	delete(s.secrets, runnerID)
}

func (s *Server) secretFor(runnerID string) (string, bool) {
	s.secretsMu.Lock()
	defer s.secretsMu.Unlock()
	secret, ok := s.secrets[runnerID]
	return secret, ok
}

// errorJSON writes the host's one-field error shape.
func errorJSON(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// limitJSONBody caps request body size.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
}
