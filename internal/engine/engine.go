// Package engine orchestrates a single script run: it prepares the harness
// file, spawns the interpreter, pumps and decodes the child's output,
// applies the wall-clock timeout and the return-marker termination window,
// and produces the final RunResult.
//
// Execute never returns an error; every failure becomes a RunResult with a
// non-zero exit code so the streaming surface always has exactly one result
// frame to write.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/automn-run/automn/internal/decode"
	"github.com/automn-run/automn/internal/domain"
	"github.com/automn-run/automn/internal/harness"
	"github.com/automn-run/automn/internal/interp"
	"github.com/automn-run/automn/internal/markers"
	"github.com/automn-run/automn/internal/packages"
)

const (
	// returnGraceDelay is how long a script may keep running after its
	// first __SCRIPTRETURN__ line before a graceful terminate.
	returnGraceDelay = 300 * time.Millisecond
	// returnKillDelay is how long after the graceful terminate the child
	// gets before a force kill.
	returnKillDelay = 1000 * time.Millisecond

	// readChunkSize is the per-read buffer for child output pumps.
	readChunkSize = 32 * 1024
)

// Exit codes for pre-spawn failures.
const (
	codeFailure           = 1
	codeDependencyInstall = 90
)

// ErrCodeDependencyInstall is the machine-readable error code for node
// dependency install failures.
const ErrCodeDependencyInstall = "NODE_DEPENDENCY_INSTALL_FAILED"

// LogChunk is one decoded piece of child output handed to the onLog
// callback, in read order per stream.
type LogChunk struct {
	Stream string // "stdout" or "stderr"
	Text   string
}

// LogFunc receives live output chunks during a run.
type LogFunc func(LogChunk)

// Engine executes scripts. Safe for concurrent runs.
type Engine struct {
	resolver   *interp.Resolver
	pkgs       *packages.Manager
	scriptsDir string
}

// New creates an Engine writing harness files under scriptsDir; node runs
// use the package manager's per-script work directories instead.
func New(resolver *interp.Resolver, pkgs *packages.Manager, scriptsDir string) *Engine {
	return &Engine{resolver: resolver, pkgs: pkgs, scriptsDir: scriptsDir}
}

// Execute runs one script to completion. The context bounds the child's
// absolute lifetime (it should not be tied to the HTTP request: a client
// disconnect must not cancel the run).
func (e *Engine) Execute(ctx context.Context, runID string, script domain.ScriptDescriptor, reqBody json.RawMessage, onLog LogFunc) domain.RunResult {
	start := time.Now()
	if onLog == nil {
		onLog = func(LogChunk) {}
	}

	input := cloneBody(reqBody)
	result := domain.RunResult{
		RunID:               runID,
		Input:               input,
		AutomnLogs:          []domain.ScriptLog{},
		AutomnNotifications: []domain.ScriptNotification{},
	}

	if !domain.ValidLanguage(script.Language) || script.Code == "" {
		result.Code = codeFailure
		result.Stderr = "Unsupported language"
		result.Duration = time.Since(start).Milliseconds()
		return result
	}

	workDir, res, failed := e.workingDir(ctx, script, result, start)
	if failed {
		return res
	}

	src, err := harness.Build(script.Language, runID, script.Code)
	if err != nil {
		return e.fail(result, start, err.Error())
	}

	scriptFile := filepath.Join(workDir, fmt.Sprintf("automn-%s.%s", runID, harness.Extension(script.Language, script.Code)))
	if err := os.WriteFile(scriptFile, []byte(src), 0o600); err != nil {
		return e.fail(result, start, fmt.Sprintf("write script file: %v", err))
	}
	defer func() {
		if err := os.Remove(scriptFile); err != nil && !os.IsNotExist(err) {
			slog.Warn("harness file cleanup failed", "path", scriptFile, "error", err)
		}
	}()

	cmd, err := e.resolver.Command(ctx, script.Language, scriptFile)
	if err != nil {
		return e.fail(result, start, err.Error())
	}
	cmd.Dir = workDir
	cmd.Env = buildEnv(runID, script.Variables, input)

	return e.run(cmd, script, result, start, onLog)
}

// workingDir selects and prepares the run's working directory. For node it
// is the per-script package directory with dependencies ensured; for the
// rest, the scripts root. Failures complete the prepared result so the run
// id and input survive onto the result frame. The bool reports a terminal
// failure.
func (e *Engine) workingDir(ctx context.Context, script domain.ScriptDescriptor, result domain.RunResult, start time.Time) (string, domain.RunResult, bool) {
	if script.Language != domain.LanguageNode {
		if err := os.MkdirAll(e.scriptsDir, 0o755); err != nil {
			return "", e.fail(result, start, fmt.Sprintf("create scripts dir: %v", err)), true
		}
		return e.scriptsDir, domain.RunResult{}, false
	}

	dir, err := e.pkgs.Dir(script.ID)
	if err != nil {
		return "", e.fail(result, start, err.Error()), true
	}

	if err := e.pkgs.EnsureNodeDependencies(ctx, script.ID, dir); err != nil {
		slog.Error("node dependency install failed", "script_id", script.ID, "error", err)
		result.Code = codeDependencyInstall
		result.ErrorCode = ErrCodeDependencyInstall
		result.ClientMessage = "Try again later"
		result.Stderr = err.Error()
		result.Duration = time.Since(start).Milliseconds()
		result.AutomnLogs = []domain.ScriptLog{{
			Message:   err.Error(),
			Level:     domain.LevelError,
			Type:      "system",
			Context:   map[string]any{},
			Timestamp: time.Now().UTC(),
		}}
		return "", result, true
	}
	return dir, domain.RunResult{}, false
}

func (e *Engine) fail(result domain.RunResult, start time.Time, msg string) domain.RunResult {
	result.Code = codeFailure
	result.Stderr = msg
	result.Duration = time.Since(start).Milliseconds()
	return result
}

// run spawns the prepared command and drives it to completion.
func (e *Engine) run(cmd *exec.Cmd, script domain.ScriptDescriptor, result domain.RunResult, start time.Time, onLog LogFunc) domain.RunResult {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return e.fail(result, start, fmt.Sprintf("stdout pipe: %v", err))
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return e.fail(result, start, fmt.Sprintf("stderr pipe: %v", err))
	}

	if err := cmd.Start(); err != nil {
		return e.fail(result, start, err.Error())
	}

	st := &runState{cmd: cmd, onLog: onLog}

	stdoutDec := decode.New()
	stderrDec := decode.New()
	if script.Language == domain.LanguagePowershell {
		stdoutDec = decode.NewPowershell()
		stderrDec = decode.NewPowershell()
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go st.pump(&pumps, stdoutPipe, stdoutDec, "stdout")
	go st.pump(&pumps, stderrPipe, stderrDec, "stderr")

	if script.Timeout > 0 {
		d := time.Duration(script.Timeout) * time.Second
		st.timeoutTimer = time.AfterFunc(d, st.onTimeout)
	}

	// Drain both streams fully before Wait so no output is lost, even when
	// the downstream HTTP consumer is gone.
	pumps.Wait()
	waitErr := cmd.Wait()
	st.stopTimers()

	st.mu.Lock()
	st.stdout.WriteString(stdoutDec.Flush())
	st.stderr.WriteString(stderrDec.Flush())
	stdout := st.stdout.String()
	stderr := st.stderr.String()
	st.mu.Unlock()

	parsed := markers.Parse(stdout, stderr)
	result.Stdout = parsed.Stdout
	result.Stderr = parsed.Stderr
	result.ReturnData = parsed.ReturnData
	result.AutomnLogs = parsed.Logs
	result.AutomnNotifications = parsed.Notifications
	result.Code = exitCode(cmd, waitErr)
	result.Duration = time.Since(start).Milliseconds()
	return result
}

// runState is the shared mutable state of one in-flight run.
type runState struct {
	cmd   *exec.Cmd
	onLog LogFunc

	mu             sync.Mutex
	stdout, stderr strings.Builder
	// tail holds the last len(MarkerReturn)-1 bytes of stdout so a marker
	// split across chunk reads is still found without rescanning the
	// accumulated output.
	tail         string
	returnSeen   bool
	timeoutTimer *time.Timer
	graceTimer   *time.Timer
	killTimer    *time.Timer
}

// pump reads one child stream to EOF, decoding chunks and forwarding them.
func (s *runState) pump(wg *sync.WaitGroup, r io.Reader, dec *decode.Decoder, stream string) {
	defer wg.Done()
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			text := dec.Write(buf[:n])
			if text != "" {
				s.append(stream, text)
				s.onLog(LogChunk{Stream: stream, Text: text})
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *runState) append(stream, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stream == "stdout" {
		s.stdout.WriteString(text)
		if !s.returnSeen {
			scan := s.tail + text
			if strings.Contains(scan, markers.MarkerReturn) {
				s.returnSeen = true
				// Return-termination: bound the tail after the script has
				// produced its return value.
				s.graceTimer = time.AfterFunc(returnGraceDelay, func() {
					_ = interp.TerminateTree(s.cmd)
				})
				s.killTimer = time.AfterFunc(returnGraceDelay+returnKillDelay, func() {
					_ = interp.KillTree(s.cmd)
				})
			} else {
				if keep := len(markers.MarkerReturn) - 1; len(scan) > keep {
					scan = scan[len(scan)-keep:]
				}
				s.tail = scan
			}
		}
	} else {
		s.stderr.WriteString(text)
	}
}

func (s *runState) onTimeout() {
	s.mu.Lock()
	s.stderr.WriteString("\nTimeout exceeded.")
	s.mu.Unlock()
	_ = interp.TerminateTree(s.cmd)
	// If the graceful terminate is ignored, force the issue.
	s.mu.Lock()
	s.killTimer = time.AfterFunc(returnKillDelay, func() {
		_ = interp.KillTree(s.cmd)
	})
	s.mu.Unlock()
}

func (s *runState) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range []*time.Timer{s.timeoutTimer, s.graceTimer, s.killTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

// exitCode maps the process outcome to the result code: the child's exit
// status when it exited, or 1 when it died from a signal.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			return code
		}
	}
	return codeFailure
}

// cloneBody copies the request body so later mutations of the request cannot
// change the recorded input.
func cloneBody(body json.RawMessage) json.RawMessage {
	if len(body) == 0 {
		return json.RawMessage("null")
	}
	return append(json.RawMessage(nil), body...)
}

// buildEnv merges the process environment with the script's variables, the
// run id, and the input-JSON aliases.
func buildEnv(runID string, vars []domain.Variable, input json.RawMessage) []string {
	env := os.Environ()
	for _, v := range vars {
		env = append(env, v.EnvName+"="+v.Value)
	}
	body := string(input)
	env = append(env,
		harness.EnvRunID+"="+runID,
		harness.EnvInputJSON+"="+body,
		harness.EnvInputJSONAlias+"="+body,
		harness.EnvInputJSONShort+"="+body,
	)
	return env
}
