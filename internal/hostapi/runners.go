package hostapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/automn-run/automn/internal/domain"
	"github.com/automn-run/automn/internal/version"
)

type createRunnerRequest struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	AdminOnly bool   `json:"adminOnly"`
	Secret    string `json:"secret,omitempty"`
}

// runnerWithSecret is the create/rotate response: the only two places the
// plaintext secret ever appears.
type runnerWithSecret struct {
	runnerView
	Secret string `json:"secret"`
}

// runnerView decorates the registry record with the derived health fields.
type runnerView struct {
	domain.RunnerIdentity
	IsHealthy         bool `json:"isHealthy"`
	IsStale           bool `json:"isStale"`
	HeartbeatWindowMs int  `json:"heartbeatWindowMs"`
}

func (s *Server) view(r domain.RunnerIdentity) runnerView {
	now := time.Now()
	window := s.heartbeatWindow()
	return runnerView{
		RunnerIdentity:    r,
		IsHealthy:         r.Healthy(now, window),
		IsStale:           r.Stale(now, window),
		HeartbeatWindowMs: s.Config.HeartbeatWindowMs,
	}
}

// handleCreateRunner registers a new runner identity. The secret is returned
// exactly once; only its hash is stored.
func (s *Server) handleCreateRunner(w http.ResponseWriter, r *http.Request) {
	var req createRunnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		errorJSON(w, "name is required", http.StatusBadRequest)
		return
	}

	secret := req.Secret
	if secret == "" {
		var err error
		secret, err = GenerateSecret()
		if err != nil {
			errorJSON(w, "Failed to generate secret", http.StatusInternalServerError)
			return
		}
	}
	hash, err := HashSecret(secret)
	if err != nil {
		errorJSON(w, "Failed to hash secret", http.StatusInternalServerError)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	runner := domain.RunnerIdentity{
		ID:         id,
		Name:       req.Name,
		AdminOnly:  req.AdminOnly,
		SecretHash: hash,
		Status:     domain.RunnerStatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.Store.Create(r.Context(), &runner); err != nil {
		errorJSON(w, err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusCreated, runnerWithSecret{runnerView: s.view(runner), Secret: secret})
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := s.Store.List(r.Context())
	if err != nil {
		errorJSON(w, "Failed to list runners", http.StatusInternalServerError)
		return
	}
	views := make([]runnerView, 0, len(runners))
	for _, rn := range runners {
		views = append(views, s.view(rn))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runners": views})
}

func (s *Server) handleGetRunner(w http.ResponseWriter, r *http.Request) {
	runner, err := s.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(*runner))
}

type updateRunnerRequest struct {
	Name      *string `json:"name,omitempty"`
	AdminOnly *bool   `json:"adminOnly,omitempty"`
}

func (s *Server) handleUpdateRunner(w http.ResponseWriter, r *http.Request) {
	var req updateRunnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	runner, err := s.Store.Mutate(r.Context(), chi.URLParam(r, "id"), func(rn *domain.RunnerIdentity) error {
		if req.Name != nil {
			if *req.Name == "" {
				return errors.New("name must not be empty")
			}
			rn.Name = *req.Name
		}
		if req.AdminOnly != nil {
			rn.AdminOnly = *req.AdminOnly
		}
		return nil
	})
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(*runner))
}

func (s *Server) handleDeleteRunner(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Store.Delete(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	s.forgetSecret(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleRotateSecret issues a fresh secret and drops the runner back to
// pending until it re-registers with the new one.
func (s *Server) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	secret, err := GenerateSecret()
	if err != nil {
		errorJSON(w, "Failed to generate secret", http.StatusInternalServerError)
		return
	}
	hash, err := HashSecret(secret)
	if err != nil {
		errorJSON(w, "Failed to hash secret", http.StatusInternalServerError)
		return
	}

	id := chi.URLParam(r, "id")
	runner, err := s.Store.Mutate(r.Context(), id, func(rn *domain.RunnerIdentity) error {
		rn.SecretHash = hash
		rn.Status = domain.RunnerStatusPending
		return nil
	})
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.forgetSecret(id)
	writeJSON(w, http.StatusOK, runnerWithSecret{runnerView: s.view(*runner), Secret: secret})
}

// handleDisconnect clears the stored secret without deleting the runner.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	runner, err := s.Store.Mutate(r.Context(), id, func(rn *domain.RunnerIdentity) error {
		rn.SecretHash = ""
		rn.Status = domain.RunnerStatusPending
		return nil
	})
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.forgetSecret(id)
	writeJSON(w, http.StatusOK, s.view(*runner))
}

// handleDisable stops new dispatches to the runner. In-flight runs finish.
func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	runner, err := s.Store.Mutate(r.Context(), chi.URLParam(r, "id"), func(rn *domain.RunnerIdentity) error {
		if rn.DisabledAt == nil {
			rn.DisabledAt = &now
		}
		rn.Status = domain.RunnerStatusDisabled
		return nil
	})
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(*runner))
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	runner, err := s.Store.Mutate(r.Context(), chi.URLParam(r, "id"), func(rn *domain.RunnerIdentity) error {
		rn.DisabledAt = nil
		rn.Status = domain.RunnerStatusPending
		return nil
	})
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(*runner))
}

// handleRegister accepts a runner's registration or heartbeat call and
// refreshes the registry record.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req domain.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	current, err := s.Store.Get(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if current.SecretHash == "" {
		errorJSON(w, "Runner is disconnected; rotate its secret first", http.StatusUnauthorized)
		return
	}
	if !VerifySecret(current.SecretHash, req.Secret) {
		errorJSON(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if current.DisabledAt != nil {
		errorJSON(w, "Runner is disabled", http.StatusForbidden)
		return
	}

	now := time.Now().UTC()
	_, err = s.Store.Mutate(r.Context(), id, func(rn *domain.RunnerIdentity) error {
		rn.Endpoint = req.Endpoint
		rn.StatusMessage = req.StatusMessage
		rn.Capabilities = domain.RunnerCapabilities{
			MaxConcurrency: req.MaxConcurrency,
			TimeoutMs:      req.TimeoutMs,
		}
		rn.Versions = domain.RunnerVersions{
			Runner:               req.Version,
			Host:                 version.Host,
			MinimumHostVersion:   req.MinimumHostVersion,
			MinimumRunnerVersion: version.MinimumRunner,
		}
		rn.Environment = domain.RunnerEnvironment{
			OS:       req.OS,
			Platform: req.Platform,
			Arch:     req.Arch,
			Runtimes: req.Runtimes,
		}
		rn.LastSeenAt = &now
		rn.Status = domain.RunnerStatusHealthy
		return nil
	})
	if err != nil {
		s.storeError(w, err)
		return
	}

	s.rememberSecret(id, req.Secret)
	writeJSON(w, http.StatusOK, domain.RegistrationResponse{
		OK:                   true,
		RunnerID:             id,
		HostVersion:          version.Host,
		MinimumRunnerVersion: version.MinimumRunner,
	})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrRunnerNotFound) {
		errorJSON(w, "Runner not found", http.StatusNotFound)
		return
	}
	errorJSON(w, err.Error(), http.StatusBadRequest)
}
