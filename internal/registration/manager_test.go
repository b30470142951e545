package registration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automn-run/automn/internal/config"
	"github.com/automn-run/automn/internal/domain"
	"github.com/automn-run/automn/internal/interp"
	"github.com/automn-run/automn/internal/sysinfo"
)

func testConfig(t *testing.T) *config.RunnerConfig {
	t.Helper()
	cfg := config.DefaultRunnerConfig()
	cfg.StateFile = filepath.Join(t.TempDir(), "state", "runner-state.json")
	cfg.RunnerID = "runner-1"
	cfg.PublicURL = "https://runner-1.internal"
	cfg.HeartbeatInterval = 0
	return cfg
}

func newTestManager(t *testing.T, cfg *config.RunnerConfig) *Manager {
	t.Helper()
	m, err := NewManager(cfg, NewStore(cfg.StateFile), interp.NewResolver(interp.Executables{}), nil)
	require.NoError(t, err)
	m.collect = func(context.Context) sysinfo.Snapshot {
		return sysinfo.Snapshot{OS: "linux", Platform: "debian", Arch: "amd64", UptimeSeconds: 42}
	}
	return m
}

// fakeHost records registration requests.
type fakeHost struct {
	mu       sync.Mutex
	requests []domain.RegistrationRequest
	status   int
	body     string
}

func (f *fakeHost) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req domain.RegistrationRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()
		if f.status != 0 {
			w.WriteHeader(f.status)
		}
		_, _ = w.Write([]byte(f.body))
	}
}

func (f *fakeHost) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func TestSetSecret_Validation(t *testing.T) {
	m := newTestManager(t, testConfig(t))

	assert.ErrorIs(t, m.SetSecret("short"), ErrSecretTooShort)
	assert.NoError(t, m.SetSecret("long-enough-secret"))
	assert.True(t, m.SecretConfigured())
}

func TestSetSecret_RefusedWhenEnvManaged(t *testing.T) {
	cfg := testConfig(t)
	cfg.Secret = "environment-secret"
	cfg.SecretSource = config.SecretSourceEnv

	m := newTestManager(t, cfg)
	assert.ErrorIs(t, m.SetSecret("another-valid-secret"), ErrSecretEnvManaged)
}

func TestRegister_Success(t *testing.T) {
	host := &fakeHost{body: `{"ok":true,"runnerId":"runner-1","hostVersion":"1.4.0"}`}
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	cfg := testConfig(t)
	cfg.HostURL = srv.URL
	m := newTestManager(t, cfg)
	require.NoError(t, m.SetSecret("a-valid-secret"))

	require.NoError(t, m.Register(context.Background(), "Runner heartbeat"))

	s := m.Snapshot()
	assert.Equal(t, StatusOK, s.LastRegistrationStatus)
	assert.Empty(t, s.LastRegistrationError)
	require.NotNil(t, s.RegisteredAt)
	require.NotNil(t, s.LockedAt)
	assert.True(t, m.Locked())

	require.Equal(t, 1, host.count())
	req := host.requests[0]
	assert.Equal(t, "a-valid-secret", req.Secret)
	assert.Equal(t, "https://runner-1.internal/api/run", req.Endpoint)
	assert.Equal(t, "Runner heartbeat", req.StatusMessage)
	assert.Equal(t, "linux", req.OS)
	assert.Equal(t, int64(42), req.Uptime)
	assert.NotEmpty(t, req.Version)
}

func TestRegister_LockSurvivesReRegistration(t *testing.T) {
	host := &fakeHost{body: `{"ok":true}`}
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	cfg := testConfig(t)
	cfg.HostURL = srv.URL
	m := newTestManager(t, cfg)
	require.NoError(t, m.SetSecret("a-valid-secret"))

	require.NoError(t, m.Register(context.Background(), "up"))
	first := m.Snapshot().LockedAt
	require.NotNil(t, first)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.Register(context.Background(), "up"))
	assert.Equal(t, *first, *m.Snapshot().LockedAt)
}

func TestRegister_NotFoundAddsOperatorHint(t *testing.T) {
	host := &fakeHost{status: http.StatusNotFound, body: `{"error":"no such runner"}`}
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	cfg := testConfig(t)
	cfg.HostURL = srv.URL
	m := newTestManager(t, cfg)
	require.NoError(t, m.SetSecret("a-valid-secret"))

	require.NoError(t, m.Register(context.Background(), "up"))

	s := m.Snapshot()
	assert.Equal(t, StatusError, s.LastRegistrationStatus)
	assert.Contains(t, s.LastRegistrationError, "HTTP 404")
	assert.Contains(t, s.LastRegistrationError, `runner "runner-1"`)
	assert.Contains(t, s.LastRegistrationError, srv.URL)
	assert.Nil(t, s.RegisteredAt)
}

func TestRegister_NetworkError(t *testing.T) {
	cfg := testConfig(t)
	cfg.HostURL = "http://127.0.0.1:1" // nothing listens here
	m := newTestManager(t, cfg)
	require.NoError(t, m.SetSecret("a-valid-secret"))

	require.NoError(t, m.Register(context.Background(), "up"))
	assert.Equal(t, StatusNetworkError, m.Snapshot().LastRegistrationStatus)
}

func TestRegister_Unconfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.HostURL = ""
	m := newTestManager(t, cfg)

	require.NoError(t, m.Register(context.Background(), "up"))
	s := m.Snapshot()
	assert.Equal(t, StatusError, s.LastRegistrationStatus)
	assert.Contains(t, s.LastRegistrationError, "not configured")
}

func TestStateSurvivesRestart(t *testing.T) {
	host := &fakeHost{body: `{"ok":true}`}
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	cfg := testConfig(t)
	cfg.HostURL = srv.URL
	m := newTestManager(t, cfg)
	require.NoError(t, m.SetSecret("a-durable-secret"))
	require.NoError(t, m.Register(context.Background(), "up"))
	locked := m.Snapshot().LockedAt

	restarted := newTestManager(t, cfg)
	assert.Equal(t, "a-durable-secret", restarted.Secret())
	require.NotNil(t, restarted.Snapshot().LockedAt)
	assert.Equal(t, locked.Unix(), restarted.Snapshot().LockedAt.Unix())
}

func TestEnvSecretNeverTouchesDisk(t *testing.T) {
	host := &fakeHost{body: `{"ok":true}`}
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	cfg := testConfig(t)
	cfg.HostURL = srv.URL
	cfg.Secret = "environment-only-secret"
	cfg.SecretSource = config.SecretSourceEnv

	m := newTestManager(t, cfg)
	require.NoError(t, m.Register(context.Background(), "up"))

	raw, err := os.ReadFile(cfg.StateFile)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "environment-only-secret")
	assert.Contains(t, string(raw), config.SecretSourceEnv)
}

func TestReset_ClearsSecretAndLock(t *testing.T) {
	host := &fakeHost{body: `{"ok":true}`}
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	cfg := testConfig(t)
	cfg.HostURL = srv.URL
	m := newTestManager(t, cfg)
	require.NoError(t, m.SetSecret("a-valid-secret"))
	require.NoError(t, m.Register(context.Background(), "up"))
	require.True(t, m.Locked())

	require.NoError(t, m.Reset())
	assert.False(t, m.SecretConfigured())
	assert.False(t, m.Locked())
	assert.Empty(t, m.Snapshot().LastRegistrationStatus)
}

func TestReset_KeepsLockWhenSecretEnvManaged(t *testing.T) {
	host := &fakeHost{body: `{"ok":true}`}
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	cfg := testConfig(t)
	cfg.HostURL = srv.URL
	cfg.Secret = "environment-only-secret"
	cfg.SecretSource = config.SecretSourceEnv

	m := newTestManager(t, cfg)
	require.NoError(t, m.Register(context.Background(), "up"))
	require.True(t, m.Locked())

	// The env-managed secret survives a reset, so the lock does too.
	require.NoError(t, m.Reset())
	assert.True(t, m.SecretConfigured())
	assert.True(t, m.Locked())
	assert.Empty(t, m.Snapshot().LastRegistrationStatus)
}

func TestSetExecutables_RefusedOnceLocked(t *testing.T) {
	host := &fakeHost{body: `{"ok":true}`}
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	cfg := testConfig(t)
	cfg.HostURL = srv.URL
	m := newTestManager(t, cfg)

	require.NoError(t, m.SetExecutables(interp.Executables{Node: "/usr/local/bin/node"}))
	assert.Equal(t, "/usr/local/bin/node", m.Executables().Node)

	require.NoError(t, m.SetSecret("a-valid-secret"))
	require.NoError(t, m.Register(context.Background(), "up"))
	assert.Error(t, m.SetExecutables(interp.Executables{}))
}

func TestHeartbeat_SuffixesStatusMessage(t *testing.T) {
	host := &fakeHost{body: `{"ok":true}`}
	srv := httptest.NewServer(host.handler())
	defer srv.Close()

	cfg := testConfig(t)
	cfg.HostURL = srv.URL
	cfg.HeartbeatInterval = 10 // ms
	m := newTestManager(t, cfg)
	require.NoError(t, m.SetSecret("a-valid-secret"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool { return host.count() >= 1 }, 2*time.Second, 5*time.Millisecond)

	host.mu.Lock()
	defer host.mu.Unlock()
	assert.True(t, strings.HasSuffix(host.requests[0].StatusMessage, "(heartbeat)"),
		"status message %q", host.requests[0].StatusMessage)
}
