package registration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/automn-run/automn/internal/config"
	"github.com/automn-run/automn/internal/interp"
)

// Registration outcome values for State.LastRegistrationStatus.
const (
	StatusOK           = "ok"
	StatusError        = "error"
	StatusNetworkError = "network-error"
)

// State is the runner's persisted local state, one JSON blob on disk.
type State struct {
	Secret       string `json:"secret,omitempty"`
	SecretSource string `json:"secretSource,omitempty"`

	LockedAt                 *time.Time      `json:"lockedAt,omitempty"`
	RegisteredAt             *time.Time      `json:"registeredAt,omitempty"`
	LastRegistrationAttempt  *time.Time      `json:"lastRegistrationAttempt,omitempty"`
	LastRegistrationStatus   string          `json:"lastRegistrationStatus,omitempty"`
	LastRegistrationError    string          `json:"lastRegistrationError,omitempty"`
	LastRegistrationResponse json.RawMessage `json:"lastRegistrationResponse,omitempty"`

	HostURL     string `json:"hostUrl,omitempty"`
	RunnerID    string `json:"runnerId,omitempty"`
	EndpointURL string `json:"endpointUrl,omitempty"`

	RuntimeExecutables interp.Executables `json:"runtimeExecutables"`
}

// Locked reports whether the runner has completed its first successful
// registration and the UI is frozen.
func (s *State) Locked() bool { return s.LockedAt != nil }

// Store persists State with atomic write-then-rename. Reads happen only at
// startup; every mutation rewrites the whole file.
type Store struct {
	path string
}

// NewStore creates a store at path. The parent directory is created on the
// first save.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the state file. A missing file is a fresh runner, not an error.
func (st *Store) Load() (State, error) {
	var s State
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("read state file %s: %w", st.path, err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("parse state file %s: %w", st.path, err)
	}
	return s, nil
}

// Save writes the state atomically. An env-managed secret is stripped before
// anything touches disk.
func (st *Store) Save(s State) error {
	if s.SecretSource == config.SecretSourceEnv {
		s.Secret = ""
	}

	if err := os.MkdirAll(filepath.Dir(st.path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
