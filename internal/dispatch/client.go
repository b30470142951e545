// Package dispatch is the host's client side of the runner run contract: it
// POSTs a run to a runner's endpoint and consumes the newline-delimited JSON
// stream coming back.
package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/automn-run/automn/internal/domain"
)

// SecretHeader carries the runner secret on dispatch calls.
const SecretHeader = "x-automn-runner-secret"

// maxFrameSize bounds one jsonl frame (16MB); a single log line larger than
// this aborts the stream.
const maxFrameSize = 16 << 20

// ErrNoResult means the stream ended without a result frame: the runner died
// mid-run or the connection was cut.
var ErrNoResult = errors.New("run stream ended without a result frame")

// ErrAtCapacity maps the runner's 429 so callers can retry elsewhere.
var ErrAtCapacity = errors.New("runner is at capacity")

// LogObserver receives streamed log frames in arrival order. It must not
// block for long; it runs on the stream-reading goroutine.
type LogObserver func(domain.LogFrame)

// Client dispatches runs to runners.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a dispatch client. A nil httpClient gets a default with
// no overall timeout: runs are bounded by their own script timeout, not by
// the transport.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{httpClient: httpClient}
}

// Run executes one script on the runner at endpoint and blocks until the
// result frame arrives. Log frames are forwarded to onLog as they stream in;
// the returned RunResult is the authoritative outcome.
func (c *Client) Run(ctx context.Context, endpoint, secret string, run domain.RunRequest, onLog LogObserver) (*domain.RunResult, error) {
	payload, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("encode run request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch run: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, ErrAtCapacity
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("runner rejected run: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	return consumeStream(resp.Body, onLog)
}

// consumeStream reads jsonl frames until the result frame or EOF.
func consumeStream(body io.Reader, onLog LogObserver) (*domain.RunResult, error) {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)

	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var peek struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &peek); err != nil {
			return nil, fmt.Errorf("malformed frame: %w", err)
		}

		switch peek.Type {
		case domain.FrameTypeLog:
			var frame domain.LogFrame
			if err := json.Unmarshal(line, &frame); err != nil {
				return nil, fmt.Errorf("malformed log frame: %w", err)
			}
			if onLog != nil {
				onLog(frame)
			}
		case domain.FrameTypeResult:
			var frame domain.ResultFrame
			if err := json.Unmarshal(line, &frame); err != nil {
				return nil, fmt.Errorf("malformed result frame: %w", err)
			}
			return &frame.Data, nil
		default:
			return nil, fmt.Errorf("unknown frame type %q", peek.Type)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read run stream: %w", err)
	}
	return nil, ErrNoResult
}

// Timeout returns a context bounded a little beyond the script's own wall
// clock so a wedged runner cannot hold the dispatcher forever.
func Timeout(ctx context.Context, script domain.ScriptDescriptor) (context.Context, context.CancelFunc) {
	if script.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	grace := 30 * time.Second
	return context.WithTimeout(ctx, time.Duration(script.Timeout)*time.Second+grace)
}
