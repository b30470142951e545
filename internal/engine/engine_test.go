package engine_test

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automn-run/automn/internal/domain"
	"github.com/automn-run/automn/internal/engine"
	"github.com/automn-run/automn/internal/interp"
	"github.com/automn-run/automn/internal/packages"
)

func newTestEngine(t *testing.T) (*engine.Engine, string) {
	t.Helper()
	root := t.TempDir()
	scripts := filepath.Join(root, "scripts")
	pkgs := packages.NewManager(filepath.Join(root, "workdir"))
	return engine.New(interp.NewResolver(interp.Executables{}), pkgs, scripts), scripts
}

// requireShell skips tests that need a real POSIX shell.
func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("posix shell tests")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not on PATH")
	}
}

func TestExecute_UnsupportedLanguage(t *testing.T) {
	e, _ := newTestEngine(t)

	res := e.Execute(context.Background(), "run-1", domain.ScriptDescriptor{
		Language: "ruby",
		Code:     "puts 1",
	}, nil, nil)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, 1, res.Code)
	assert.Equal(t, "Unsupported language", res.Stderr)
	assert.Equal(t, json.RawMessage("null"), res.Input)
	assert.NotNil(t, res.AutomnLogs)
	assert.NotNil(t, res.AutomnNotifications)
}

func TestExecute_MissingCode(t *testing.T) {
	e, _ := newTestEngine(t)

	res := e.Execute(context.Background(), "run-1", domain.ScriptDescriptor{
		Language: domain.LanguageShell,
	}, nil, nil)

	assert.Equal(t, 1, res.Code)
	assert.Equal(t, "Unsupported language", res.Stderr)
}

func TestExecute_InputIsCloned(t *testing.T) {
	e, _ := newTestEngine(t)

	body := json.RawMessage(`{"a":1}`)
	res := e.Execute(context.Background(), "run-1", domain.ScriptDescriptor{Language: "nope"}, body, nil)

	body[2] = 'z'
	assert.Equal(t, json.RawMessage(`{"a":1}`), res.Input)
}

func TestExecute_NodeDependencyInstallFailure(t *testing.T) {
	root := t.TempDir()
	pkgs := packages.NewManager(filepath.Join(root, "workdir"))
	e := engine.New(interp.NewResolver(interp.Executables{}), pkgs, filepath.Join(root, "scripts"))

	// Give the script a manifest so a dependency install is required, then
	// empty PATH so npm cannot be found.
	dir, err := pkgs.Dir("dep-script")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"dependencies":{"left-pad":"*"}}`), 0o644))
	t.Setenv("PATH", t.TempDir())

	res := e.Execute(context.Background(), "run-1", domain.ScriptDescriptor{
		ID:       "dep-script",
		Language: domain.LanguageNode,
		Code:     "AutomnReturn(1)",
	}, json.RawMessage(`{}`), nil)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, 90, res.Code)
	assert.Equal(t, engine.ErrCodeDependencyInstall, res.ErrorCode)
	assert.Equal(t, "Try again later", res.ClientMessage)
	assert.Equal(t, json.RawMessage(`{}`), res.Input)
	require.Len(t, res.AutomnLogs, 1)
	assert.Equal(t, "system", res.AutomnLogs[0].Type)
	assert.Equal(t, domain.LevelError, res.AutomnLogs[0].Level)
}

func TestExecute_ShellReturnAndStdout(t *testing.T) {
	requireShell(t)
	e, scripts := newTestEngine(t)

	var chunks []engine.LogChunk
	res := e.Execute(context.Background(), "run-1", domain.ScriptDescriptor{
		ID:       "hello",
		Language: domain.LanguageShell,
		Code:     "echo hi\nAutomnReturn done",
	}, json.RawMessage(`{}`), func(c engine.LogChunk) { chunks = append(chunks, c) })

	assert.Equal(t, 0, res.Code)
	assert.Equal(t, "hi", res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.JSONEq(t, `"done"`, string(res.ReturnData))

	var streamed strings.Builder
	for _, c := range chunks {
		if c.Stream == "stdout" {
			streamed.WriteString(c.Text)
		}
	}
	assert.Contains(t, streamed.String(), "hi")

	// The harness file is removed once the run finishes.
	entries, err := os.ReadDir(scripts)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecute_EnvironmentVariables(t *testing.T) {
	requireShell(t)
	e, _ := newTestEngine(t)

	res := e.Execute(context.Background(), "run-env", domain.ScriptDescriptor{
		Language:  domain.LanguageShell,
		Code:      "echo \"$MY_VAR\"\necho \"$AUTOMN_RUN_ID\"\nprintf '%s\\n' \"$INPUT_JSON\"",
		Variables: []domain.Variable{{EnvName: "MY_VAR", Value: "abc"}},
	}, json.RawMessage(`{"a":1}`), nil)

	assert.Equal(t, 0, res.Code)
	lines := strings.Split(res.Stdout, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "abc", lines[0])
	assert.Equal(t, "run-env", lines[1])
	assert.JSONEq(t, `{"a":1}`, lines[2])
}

func TestExecute_Timeout(t *testing.T) {
	requireShell(t)
	e, _ := newTestEngine(t)

	res := e.Execute(context.Background(), "run-1", domain.ScriptDescriptor{
		Language: domain.LanguageShell,
		Code:     "sleep 5",
		Timeout:  1,
	}, nil, nil)

	assert.NotEqual(t, 0, res.Code)
	assert.True(t, strings.HasSuffix(res.Stderr, "Timeout exceeded."), "stderr %q", res.Stderr)
	assert.GreaterOrEqual(t, res.Duration, int64(1000))
	assert.Less(t, res.Duration, int64(4000))
}

func TestExecute_ReturnMarkerBoundsTail(t *testing.T) {
	requireShell(t)
	e, _ := newTestEngine(t)

	res := e.Execute(context.Background(), "run-1", domain.ScriptDescriptor{
		Language: domain.LanguageShell,
		Code:     "AutomnReturn done\nsleep 10",
	}, nil, nil)

	assert.JSONEq(t, `"done"`, string(res.ReturnData))
	assert.Less(t, res.Duration, int64(5000), "run should be cut short after the return marker")
}
