// Package domain holds the shared data model for the Automn runner control
// plane: the script descriptors the host ships to runners, the results the
// runners stream back, and the runner registry records kept by the host.
package domain

import (
	"encoding/json"
	"time"
)

// Language identifies the interpreter a script targets.
type Language string

const (
	LanguageNode       Language = "node"
	LanguagePython     Language = "python"
	LanguagePowershell Language = "powershell"
	LanguageShell      Language = "shell"
)

// ValidLanguage reports whether l names a supported interpreter.
func ValidLanguage(l Language) bool {
	switch l {
	case LanguageNode, LanguagePython, LanguagePowershell, LanguageShell:
		return true
	}
	return false
}

// Variable is one environment variable injected into a script's process.
// Order is preserved from the request.
type Variable struct {
	EnvName string `json:"envName"`
	Value   string `json:"value"`
}

// ScriptDescriptor is what the host ships to the runner per run.
type ScriptDescriptor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	// PreassignedRunID lets the host pick the run ID before dispatch so the
	// UI can subscribe to live logs ahead of the first frame.
	PreassignedRunID string     `json:"preassignedRunId,omitempty"`
	Language         Language   `json:"language"`
	Code             string     `json:"code"`
	Timeout          int        `json:"timeout"` // seconds; 0 disables the wall clock
	Variables        []Variable `json:"variables,omitempty"`
}

// RunRequest is the body of POST /api/run on the runner. If RunID is empty
// the runner generates one.
type RunRequest struct {
	RunID   string           `json:"runId,omitempty"`
	Script  ScriptDescriptor `json:"script"`
	ReqBody json.RawMessage  `json:"reqBody"`
}

// Log levels recognised for script log entries.
const (
	LevelInfo    = "info"
	LevelWarn    = "warn"
	LevelError   = "error"
	LevelSuccess = "success"
	LevelDebug   = "debug"
)

// ScriptLog is one structured log entry emitted by a script via the
// __SCRIPTLOG__ marker, after normalization.
type ScriptLog struct {
	Message   string         `json:"message"`
	Level     string         `json:"level"`
	Type      string         `json:"type"`
	Context   map[string]any `json:"context"`
	Order     int            `json:"order"`
	Timestamp time.Time      `json:"timestamp"`
}

// ScriptNotification is one entry emitted via the __SCRIPTNOTIFY__ marker.
// Raw preserves the original payload for the host's notification mailbox.
type ScriptNotification struct {
	Audience  string          `json:"audience,omitempty"`
	Message   string          `json:"message"`
	Level     string          `json:"level"`
	Order     int             `json:"order"`
	Timestamp time.Time       `json:"timestamp"`
	Raw       json.RawMessage `json:"raw"`
}

// RunResult is the final frame of a run. Created once when the child
// terminates (normally, by timeout, by return-marker kill, or by spawn
// failure) and never mutated afterwards.
type RunResult struct {
	RunID    string `json:"runId"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Code     int    `json:"code"`
	Duration int64  `json:"duration"` // wall clock, milliseconds
	// ReturnData is the parsed JSON value from the first __SCRIPTRETURN__
	// marker, or null when absent or unparseable.
	ReturnData          json.RawMessage      `json:"returnData"`
	AutomnLogs          []ScriptLog          `json:"automnLogs"`
	AutomnNotifications []ScriptNotification `json:"automnNotifications"`
	// Input is the deep clone of the request body taken before the run.
	Input json.RawMessage `json:"input"`
	// ErrorCode and ClientMessage are set only for pre-spawn failures such
	// as NODE_DEPENDENCY_INSTALL_FAILED.
	ErrorCode     string `json:"errorCode,omitempty"`
	ClientMessage string `json:"clientMessage,omitempty"`
}

// Frame types on the runner's streaming /api/run response.
const (
	FrameTypeLog    = "log"
	FrameTypeResult = "result"
)

// LogFrame is one streamed chunk of child output.
type LogFrame struct {
	Type   string `json:"type"` // always "log"
	Line   string `json:"line"`
	Stream string `json:"stream,omitempty"` // "stdout" or "stderr"
}

// ResultFrame is the single terminal frame of a run stream.
type ResultFrame struct {
	Type string    `json:"type"` // always "result"
	Data RunResult `json:"data"`
}
