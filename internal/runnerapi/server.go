// Package runnerapi provides the runner's HTTP surface: the streaming run
// endpoint the host dispatches to, the package status API, the operator UI,
// and the reset hook.
package runnerapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/automn-run/automn/internal/cache"
	"github.com/automn-run/automn/internal/config"
	"github.com/automn-run/automn/internal/domain"
	"github.com/automn-run/automn/internal/engine"
	"github.com/automn-run/automn/internal/packages"
	"github.com/automn-run/automn/internal/registration"
)

// SecretHeader authenticates host-to-runner calls.
const SecretHeader = "x-automn-runner-secret"

// maxJSONBodySize caps request bodies (1MB).
const maxJSONBodySize = 1 << 20

// ScriptRunner executes one script to completion, streaming output chunks
// through the callback. Satisfied by *engine.Engine.
type ScriptRunner interface {
	Execute(ctx context.Context, runID string, script domain.ScriptDescriptor, reqBody json.RawMessage, onLog engine.LogFunc) domain.RunResult
}

// summaryTTL bounds how often the home page walks the workdir tree for the
// package-cache summary.
const summaryTTL = 30 * time.Second

// Server wires the runner's HTTP handlers to their collaborators.
type Server struct {
	Config       *config.RunnerConfig
	Engine       ScriptRunner
	Registration *registration.Manager
	Packages     *packages.Manager

	activeRuns atomic.Int64

	summaryOnce  sync.Once
	summaryCache *cache.Cache[string, packages.CacheSummary]
}

// cacheSummary returns the package-cache summary, recomputing at most once
// per summaryTTL.
func (s *Server) cacheSummary() packages.CacheSummary {
	s.summaryOnce.Do(func() {
		s.summaryCache = cache.New[string, packages.CacheSummary](summaryTTL)
	})
	if v, ok := s.summaryCache.Get("summary"); ok {
		return v
	}
	v := s.Packages.GetPackageCacheSummary()
	s.summaryCache.Set("summary", v)
	return v
}

// ActiveRuns reports the number of in-flight runs.
func (s *Server) ActiveRuns() int64 { return s.activeRuns.Load() }

// NewRouter creates a configured chi router with all runner routes mounted.
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(limitJSONBody)

	r.Get("/health", srv.handleHealth)
	r.Get("/status", srv.handleStatus)

	// Operator UI
	r.Get("/", srv.handleHome)
	r.Post("/ui/register", srv.handleUIRegister)
	r.Post("/ui/runtime-executables", srv.handleUIRuntimeExecutables)
	r.Post("/ui/package-cache/clear", srv.handleUIPackageCacheClear)

	// Host-facing, secret-authenticated API
	r.Group(func(r chi.Router) {
		r.Use(srv.requireSecret)
		r.Post("/api/run", srv.handleRun)
		r.Post("/api/packages/status", srv.handlePackagesStatus)
	})

	r.Post("/internal/reset", srv.handleReset)

	return r
}

// requireSecret authenticates the x-automn-runner-secret header against the
// stored secret in constant time. No secret configured means the runner
// cannot serve host traffic at all.
func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := s.Registration.Secret()
		if secret == "" {
			errorJSON(w, "Runner has no secret configured", http.StatusServiceUnavailable)
			return
		}
		presented := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			errorJSON(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus returns a snapshot of registration state and configuration.
// No secret material leaves the process here.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.Registration.Snapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		RunnerID:               snap.RunnerID,
		HostURL:                snap.HostURL,
		Endpoint:               snap.EndpointURL,
		SecretConfigured:       s.Registration.SecretConfigured(),
		SecretSource:           snap.SecretSource,
		Locked:                 snap.Locked(),
		LockedAt:               snap.LockedAt,
		RegisteredAt:           snap.RegisteredAt,
		LastRegistrationStatus: snap.LastRegistrationStatus,
		LastRegistrationError:  snap.LastRegistrationError,
		ActiveRuns:             s.activeRuns.Load(),
		LocalMaxConcurrency:    s.Config.LocalMaxConcurrency,
	})
}

type statusResponse struct {
	RunnerID               string     `json:"runnerId,omitempty"`
	HostURL                string     `json:"hostUrl,omitempty"`
	Endpoint               string     `json:"endpoint,omitempty"`
	SecretConfigured       bool       `json:"secretConfigured"`
	SecretSource           string     `json:"secretSource,omitempty"`
	Locked                 bool       `json:"locked"`
	LockedAt               *time.Time `json:"lockedAt,omitempty"`
	RegisteredAt           *time.Time `json:"registeredAt,omitempty"`
	LastRegistrationStatus string     `json:"lastRegistrationStatus,omitempty"`
	LastRegistrationError  string     `json:"lastRegistrationError,omitempty"`
	ActiveRuns             int64      `json:"activeRuns"`
	LocalMaxConcurrency    int        `json:"localMaxConcurrency,omitempty"`
}

// handlePackagesStatus delegates to the package manager.
func (s *Server) handlePackagesStatus(w http.ResponseWriter, r *http.Request) {
	var req packages.StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.Packages.CheckNodePackageStatus(r.Context(), req))
}

// errorJSON writes the runner's one-field error shape.
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
