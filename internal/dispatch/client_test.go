package dispatch_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automn-run/automn/internal/dispatch"
	"github.com/automn-run/automn/internal/domain"
)

func streamHandler(t *testing.T, secret string, frames []any) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, secret, r.Header.Get("x-automn-runner-secret"))

		var req domain.RunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/jsonl; charset=utf-8")
		enc := json.NewEncoder(w)
		for _, f := range frames {
			require.NoError(t, enc.Encode(f))
		}
	}
}

func TestRun_ForwardsLogsAndReturnsResult(t *testing.T) {
	frames := []any{
		domain.LogFrame{Type: domain.FrameTypeLog, Line: "hello ", Stream: "stdout"},
		domain.LogFrame{Type: domain.FrameTypeLog, Line: "world\n", Stream: "stdout"},
		domain.ResultFrame{Type: domain.FrameTypeResult, Data: domain.RunResult{
			RunID:  "run-1",
			Stdout: "hello world",
			Code:   0,
		}},
	}
	srv := httptest.NewServer(streamHandler(t, "sekrit", frames))
	defer srv.Close()

	var lines []string
	c := dispatch.NewClient(nil)
	res, err := c.Run(context.Background(), srv.URL, "sekrit", domain.RunRequest{
		Script: domain.ScriptDescriptor{Language: domain.LanguageShell, Code: "echo hi"},
	}, func(f domain.LogFrame) { lines = append(lines, f.Line) })

	require.NoError(t, err)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, []string{"hello ", "world\n"}, lines)
}

func TestRun_CapacityError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"Runner is at capacity"}`))
	}))
	defer srv.Close()

	c := dispatch.NewClient(nil)
	_, err := c.Run(context.Background(), srv.URL, "s", domain.RunRequest{}, nil)
	assert.ErrorIs(t, err, dispatch.ErrAtCapacity)
}

func TestRun_RejectedRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Unauthorized"}`))
	}))
	defer srv.Close()

	c := dispatch.NewClient(nil)
	_, err := c.Run(context.Background(), srv.URL, "bad", domain.RunRequest{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
}

func TestRun_TruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"type":"log","line":"partial"}` + "\n"))
	}))
	defer srv.Close()

	c := dispatch.NewClient(nil)
	_, err := c.Run(context.Background(), srv.URL, "s", domain.RunRequest{}, nil)
	assert.ErrorIs(t, err, dispatch.ErrNoResult)
}
