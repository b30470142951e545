package hostapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/automn-run/automn/internal/dispatch"
	"github.com/automn-run/automn/internal/domain"
)

type dispatchRequest struct {
	RunnerID string                  `json:"runnerId,omitempty"`
	RunID    string                  `json:"runId,omitempty"`
	Script   domain.ScriptDescriptor `json:"script"`
	ReqBody  json.RawMessage         `json:"reqBody"`
}

// handleDispatchRun relays a run to a healthy runner and streams its frames
// back to the caller unchanged.
func (s *Server) handleDispatchRun(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Script.Language == "" && req.Script.Code == "" {
		errorJSON(w, "Invalid script payload", http.StatusBadRequest)
		return
	}

	runner, secret, err := s.pickRunner(r, req.RunnerID)
	if err != nil {
		errorJSON(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	if !s.takeDispatchSlot(runner) {
		errorJSON(w, "Runner is at capacity", http.StatusTooManyRequests)
		return
	}
	defer s.releaseDispatchSlot(runner.ID)

	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	w.Header().Set("Content-Type", "application/jsonl; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	var writeMu sync.Mutex
	enc := json.NewEncoder(w)
	writeFrame := func(frame any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := enc.Encode(frame); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	ctx, cancel := dispatch.Timeout(r.Context(), req.Script)
	defer cancel()

	result, err := s.Dispatch.Run(ctx, runner.Endpoint, secret, domain.RunRequest{
		RunID:   req.RunID,
		Script:  req.Script,
		ReqBody: req.ReqBody,
	}, func(f domain.LogFrame) { writeFrame(f) })
	if err != nil {
		// Headers are already out; degrade to a result-shaped failure frame.
		writeFrame(domain.ResultFrame{Type: domain.FrameTypeResult, Data: domain.RunResult{
			RunID:               req.RunID,
			Code:                1,
			Stderr:              err.Error(),
			ReturnData:          json.RawMessage("null"),
			AutomnLogs:          []domain.ScriptLog{},
			AutomnNotifications: []domain.ScriptNotification{},
			Input:               req.ReqBody,
		}})
		return
	}
	writeFrame(domain.ResultFrame{Type: domain.FrameTypeResult, Data: *result})
}

// pickRunner selects the dispatch target: the requested runner when named,
// otherwise the least recently created healthy one.
func (s *Server) pickRunner(r *http.Request, runnerID string) (*domain.RunnerIdentity, string, error) {
	now := time.Now()
	window := s.heartbeatWindow()

	if runnerID != "" {
		runner, err := s.Store.Get(r.Context(), runnerID)
		if err != nil {
			return nil, "", errors.New("runner not found")
		}
		if !runner.Healthy(now, window) {
			return nil, "", errors.New("runner is not healthy")
		}
		secret, ok := s.secretFor(runner.ID)
		if !ok {
			return nil, "", errors.New("runner has not registered since the host started")
		}
		return runner, secret, nil
	}

	runners, err := s.Store.List(r.Context())
	if err != nil {
		return nil, "", errors.New("failed to list runners")
	}
	for i := range runners {
		rn := &runners[i]
		if !rn.Healthy(now, window) || rn.Endpoint == "" {
			continue
		}
		secret, ok := s.secretFor(rn.ID)
		if !ok {
			continue
		}
		if s.atCapacity(rn) {
			continue
		}
		return rn, secret, nil
	}
	return nil, "", errors.New("no healthy runner available")
}

func (s *Server) atCapacity(rn *domain.RunnerIdentity) bool {
	if rn.Capabilities.MaxConcurrency <= 0 {
		return false
	}
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.active[rn.ID] >= rn.Capabilities.MaxConcurrency
}

func (s *Server) takeDispatchSlot(rn *domain.RunnerIdentity) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if s.active == nil {
		s.active = make(map[string]int)
	}
	if rn.Capabilities.MaxConcurrency > 0 && s.active[rn.ID] >= rn.Capabilities.MaxConcurrency {
		return false
	}
	s.active[rn.ID]++
	return true
}

func (s *Server) releaseDispatchSlot(id string) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if s.active[id] > 0 {
		s.active[id]--
	}
}
