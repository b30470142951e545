package runnerapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/automn-run/automn/internal/domain"
	"github.com/automn-run/automn/internal/engine"
)

// handleRun accepts one script execution and streams its output as
// newline-delimited JSON: any number of log frames followed by exactly one
// result frame. A client disconnect stops the frames but not the run; the
// child is always drained so logs and markers are complete.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req domain.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Script.Language == "" && req.Script.Code == "" {
		errorJSON(w, "Invalid script payload", http.StatusBadRequest)
		return
	}

	if !s.takeRunSlot() {
		errorJSON(w, "Runner is at capacity", http.StatusTooManyRequests)
		return
	}
	defer s.activeRuns.Add(-1)

	runID := req.RunID
	if runID == "" {
		runID = req.Script.PreassignedRunID
	}
	if runID == "" {
		runID = uuid.NewString()
	}

	w.Header().Set("Content-Type", "application/jsonl; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fw := newFrameWriter(w, r.Context())

	// The run outlives the request: disconnects must not kill the child.
	result := s.Engine.Execute(context.WithoutCancel(r.Context()), runID, req.Script, req.ReqBody, func(c engine.LogChunk) {
		fw.write(domain.LogFrame{Type: domain.FrameTypeLog, Line: c.Text, Stream: c.Stream})
	})

	fw.write(domain.ResultFrame{Type: domain.FrameTypeResult, Data: result})
}

// takeRunSlot increments activeRuns unless the local cap is reached. The
// check and increment are one atomic step so two requests cannot both slip
// under the cap.
func (s *Server) takeRunSlot() bool {
	limit := int64(s.Config.LocalMaxConcurrency)
	for {
		cur := s.activeRuns.Load()
		if limit > 0 && cur >= limit {
			return false
		}
		if s.activeRuns.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// frameWriter serializes jsonl frames onto one response. Output chunks
// arrive from both stream pumps concurrently; after the client goes away the
// frames are dropped silently.
type frameWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flush   http.Flusher
	ctx     context.Context
	stopped bool
}

func newFrameWriter(w http.ResponseWriter, ctx context.Context) *frameWriter {
	fw := &frameWriter{w: w, ctx: ctx}
	if f, ok := w.(http.Flusher); ok {
		fw.flush = f
	}
	return fw
}

func (fw *frameWriter) write(frame any) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.stopped {
		return
	}
	select {
	case <-fw.ctx.Done():
		fw.stopped = true
		return
	default:
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	data = append(data, '\n')
	if _, err := fw.w.Write(data); err != nil {
		fw.stopped = true
		return
	}
	if fw.flush != nil {
		fw.flush.Flush()
	}
}
