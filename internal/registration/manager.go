// Package registration keeps the runner's local identity state and performs
// the registration handshake and heartbeat against the host.
package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/automn-run/automn/internal/config"
	"github.com/automn-run/automn/internal/domain"
	"github.com/automn-run/automn/internal/interp"
	"github.com/automn-run/automn/internal/sysinfo"
	"github.com/automn-run/automn/internal/version"
)

// MinSecretLength is the shortest secret a runner accepts.
const MinSecretLength = 12

// ErrSecretEnvManaged rejects secret writes while the secret comes from the
// environment.
var ErrSecretEnvManaged = errors.New("secret is managed by the environment")

// ErrSecretTooShort rejects secrets under MinSecretLength characters.
var ErrSecretTooShort = fmt.Errorf("secret must be at least %d characters", MinSecretLength)

const registrationBodyLimit = 1 << 20

// Manager owns the runner's registration lifecycle: secret storage, the
// register call, and the heartbeat loop. All methods are safe for concurrent
// use; state mutations serialize on one mutex and every change is persisted
// before the method returns.
type Manager struct {
	cfg      *config.RunnerConfig
	store    *Store
	resolver *interp.Resolver
	client   *http.Client

	mu    sync.Mutex
	state State

	done chan struct{}
	wg   sync.WaitGroup

	// collect is a seam for tests.
	collect func(ctx context.Context) sysinfo.Snapshot
}

// NewManager loads persisted state and reconciles it with the configuration.
// Config values win over stored ones; an env-managed secret always wins and
// is never written back.
func NewManager(cfg *config.RunnerConfig, store *Store, resolver *interp.Resolver, client *http.Client) (*Manager, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	state, err := store.Load()
	if err != nil {
		return nil, err
	}

	if cfg.Secret != "" {
		state.Secret = cfg.Secret
		state.SecretSource = cfg.SecretSource
	}
	if cfg.HostURL != "" {
		state.HostURL = cfg.HostURL
	}
	if cfg.RunnerID != "" {
		state.RunnerID = cfg.RunnerID
	}
	if ep := cfg.Endpoint(); ep != "" {
		state.EndpointURL = ep
	}
	state.RuntimeExecutables = mergeExecutables(cfg.RuntimeExecutables, state.RuntimeExecutables)
	resolver.SetExecutables(state.RuntimeExecutables)

	m := &Manager{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		client:   client,
		state:    state,
		done:     make(chan struct{}),
		collect:  sysinfo.Collect,
	}
	return m, nil
}

// mergeExecutables prefers explicitly configured paths over stored ones.
func mergeExecutables(cfg, stored interp.Executables) interp.Executables {
	out := stored
	if cfg.Node != "" {
		out.Node = cfg.Node
	}
	if cfg.Python != "" {
		out.Python = cfg.Python
	}
	if cfg.Powershell != "" {
		out.Powershell = cfg.Powershell
	}
	if cfg.Shell != "" {
		out.Shell = cfg.Shell
	}
	return out
}

// Snapshot returns a copy of the current state with the plaintext secret
// replaced by a configured/empty indicator.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.Secret = ""
	return s
}

// SecretConfigured reports whether a secret is available for auth.
func (m *Manager) SecretConfigured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Secret != ""
}

// Secret returns the plaintext secret for request authentication.
func (m *Manager) Secret() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Secret
}

// SecretEnvManaged reports whether the secret came from the environment.
func (m *Manager) SecretEnvManaged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SecretSource == config.SecretSourceEnv
}

// Locked reports whether the first successful registration has happened.
func (m *Manager) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Locked()
}

// SetSecret stores a new secret and clears the registration results so the
// next register call starts fresh. The first-registration lock survives a
// rotation; only a reset clears it.
func (m *Manager) SetSecret(secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.SecretSource == config.SecretSourceEnv {
		return ErrSecretEnvManaged
	}
	if len(secret) < MinSecretLength {
		return ErrSecretTooShort
	}

	m.state.Secret = secret
	m.state.SecretSource = config.SecretSourceStored
	m.clearRegistrationLocked()
	return m.store.Save(m.state)
}

// Reset clears the stored secret and all registration state, returning the
// runner to uninitialized. An env-managed secret cannot be cleared; in that
// case the lock stands too, because lockedAt only clears together with the
// secret. Only the registration results are wiped.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.SecretSource != config.SecretSourceEnv {
		m.state.Secret = ""
		m.state.SecretSource = ""
		m.state.LockedAt = nil
	}
	m.clearRegistrationLocked()
	return m.store.Save(m.state)
}

func (m *Manager) clearRegistrationLocked() {
	m.state.RegisteredAt = nil
	m.state.LastRegistrationAttempt = nil
	m.state.LastRegistrationStatus = ""
	m.state.LastRegistrationError = ""
	m.state.LastRegistrationResponse = nil
}

// SetExecutables updates the runtime interpreter paths and invalidates the
// resolver cache. Refused once the runner is locked.
func (m *Manager) SetExecutables(exes interp.Executables) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Locked() {
		return errors.New("runner is locked; runtime executables can no longer be changed")
	}
	m.state.RuntimeExecutables = exes
	m.resolver.SetExecutables(exes)
	return m.store.Save(m.state)
}

// Executables returns the effective runtime interpreter paths.
func (m *Manager) Executables() interp.Executables {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.RuntimeExecutables
}

// Register performs one registration call against the host and records the
// outcome. It never returns an error for a failed handshake (the failure is
// the recorded state); only local persistence failures error.
func (m *Manager) Register(ctx context.Context, statusMessage string) error {
	m.mu.Lock()
	secret := m.state.Secret
	hostURL := strings.TrimRight(m.state.HostURL, "/")
	runnerID := m.state.RunnerID
	endpoint := m.state.EndpointURL
	m.mu.Unlock()

	now := time.Now().UTC()

	if secret == "" || hostURL == "" || runnerID == "" {
		return m.recordFailure(now, StatusError, "registration not configured: secret, hostUrl and runnerId are all required")
	}

	body := domain.RegistrationRequest{
		Secret:             secret,
		Endpoint:           endpoint,
		StatusMessage:      statusMessage,
		MaxConcurrency:     m.cfg.MaxConcurrency,
		TimeoutMs:          m.cfg.TimeoutMs,
		Version:            version.Runner,
		MinimumHostVersion: version.MinimumHost,
		Runtimes:           m.resolver.Versions(ctx),
	}
	sys := m.collect(ctx)
	body.OS = sys.OS
	body.Platform = sys.Platform
	body.Arch = sys.Arch
	body.Uptime = sys.UptimeSeconds

	payload, err := json.Marshal(body)
	if err != nil {
		return m.recordFailure(now, StatusError, fmt.Sprintf("encode registration request: %v", err))
	}

	url := fmt.Sprintf("%s/api/settings/runner-hosts/%s/register", hostURL, runnerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return m.recordFailure(now, StatusError, fmt.Sprintf("build registration request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		slog.Warn("registration network failure", "host", hostURL, "error", err)
		return m.recordFailure(now, StatusNetworkError, err.Error())
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, registrationBodyLimit))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fmt.Sprintf("registration rejected: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		if resp.StatusCode == http.StatusNotFound {
			msg += fmt.Sprintf(". Check that runner %q exists on %s and has not been deleted", runnerID, hostURL)
		}
		slog.Warn("registration rejected", "status", resp.StatusCode, "runner_id", runnerID)
		return m.recordFailure(now, StatusError, msg)
	}

	var parsed domain.RegistrationResponse
	_ = json.Unmarshal(raw, &parsed)
	if parsed.HostVersion != "" && version.Less(parsed.HostVersion, version.MinimumHost) {
		slog.Warn("host older than supported minimum", "host_version", parsed.HostVersion, "minimum", version.MinimumHost)
	}
	if parsed.MinimumRunnerVersion != "" && version.Less(version.Runner, parsed.MinimumRunnerVersion) {
		slog.Warn("runner older than host requires", "runner_version", version.Runner, "minimum", parsed.MinimumRunnerVersion)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.LastRegistrationAttempt = &now
	m.state.LastRegistrationStatus = StatusOK
	m.state.LastRegistrationError = ""
	m.state.LastRegistrationResponse = json.RawMessage(raw)
	m.state.RegisteredAt = &now
	if m.state.LockedAt == nil {
		m.state.LockedAt = &now
	}
	return m.store.Save(m.state)
}

func (m *Manager) recordFailure(now time.Time, status, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.LastRegistrationAttempt = &now
	m.state.LastRegistrationStatus = status
	m.state.LastRegistrationError = msg
	return m.store.Save(m.state)
}

// Start launches the heartbeat loop. Disabled when the configured interval
// is zero or negative.
func (m *Manager) Start(ctx context.Context) {
	interval := time.Duration(m.cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-ticker.C:
				msg := m.cfg.StatusMessage + " (heartbeat)"
				if err := m.Register(ctx, msg); err != nil {
					slog.Warn("heartbeat state persist failed", "error", err)
				}
			}
		}
	}()
}

// Stop terminates the heartbeat loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.done)
	m.wg.Wait()
}
