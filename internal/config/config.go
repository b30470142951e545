// Package config handles loading and validating the runner and host
// configuration files. Both load YAML with environment overrides; a missing
// file yields defaults so a runner can start with nothing but env vars.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/automn-run/automn/internal/interp"
)

// SecretSourceEnv marks a secret supplied through the environment. An
// env-managed secret is never persisted and refuses UI writes.
const SecretSourceEnv = "env"

// SecretSourceStored marks a secret set through the UI and persisted in the
// local state file.
const SecretSourceStored = "stored"

// RunnerConfig is the top-level automn-runner.yaml configuration.
type RunnerConfig struct {
	Port     int    `yaml:"port"`
	DataDir  string `yaml:"dataDir"`
	HostURL  string `yaml:"hostUrl"`
	RunnerID string `yaml:"runnerId"`

	// EndpointURL wins over PublicURL+EndpointPath when set.
	EndpointURL  string `yaml:"endpointUrl"`
	PublicURL    string `yaml:"publicUrl"`
	EndpointPath string `yaml:"endpointPath"`

	Secret       string `yaml:"secret"`
	SecretSource string `yaml:"secretSource"`

	HeartbeatInterval   int    `yaml:"heartbeatInterval"` // ms; <=0 disables
	MaxConcurrency      int    `yaml:"maxConcurrency"`    // advertised to the host
	LocalMaxConcurrency int    `yaml:"localMaxConcurrency"`
	TimeoutMs           int    `yaml:"timeoutMs"`
	StatusMessage       string `yaml:"statusMessage"`

	StateFile  string `yaml:"stateFile"`
	ScriptsDir string `yaml:"scriptsDir"`
	WorkdirDir string `yaml:"workdirDir"`

	ResetToken string `yaml:"resetToken"`

	RuntimeExecutables interp.Executables `yaml:"runtimeExecutables"`
}

// DefaultRunnerConfig returns the defaults a bare runner starts with.
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		Port:              3030,
		DataDir:           "data",
		EndpointPath:      "/api/run",
		HeartbeatInterval: 60_000,
		StatusMessage:     "Runner heartbeat",
	}
}

// LoadRunner parses an automn-runner.yaml file, fills defaults and applies
// environment overrides. An empty path returns pure defaults plus env.
func LoadRunner(path string) (*RunnerConfig, error) {
	cfg := DefaultRunnerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveRunnerPath finds the runner config file path.
// Priority: AUTOMN_RUNNER_CONFIG env var > ./automn-runner.yaml > "" (no config).
func ResolveRunnerPath() string {
	if p := os.Getenv("AUTOMN_RUNNER_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("automn-runner.yaml"); err == nil {
		return "automn-runner.yaml"
	}
	return ""
}

func (c *RunnerConfig) applyEnv() {
	if v := os.Getenv("AUTOMN_RUNNER_SECRET"); v != "" {
		c.Secret = v
		c.SecretSource = SecretSourceEnv
	}
	if v := os.Getenv("AUTOMN_RUNNER_HOST_URL"); v != "" {
		c.HostURL = v
	}
	if v := os.Getenv("AUTOMN_RUNNER_ID"); v != "" {
		c.RunnerID = v
	}
	if v := os.Getenv("AUTOMN_RUNNER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("AUTOMN_RUNNER_RESET_TOKEN"); v != "" {
		c.ResetToken = v
	}
	if v := os.Getenv("AUTOMN_RUNNER_NODE_PATH"); v != "" {
		c.RuntimeExecutables.Node = v
	}
	if v := os.Getenv("AUTOMN_RUNNER_PYTHON_PATH"); v != "" {
		c.RuntimeExecutables.Python = v
	}
	if v := os.Getenv("AUTOMN_RUNNER_POWERSHELL_PATH"); v != "" {
		c.RuntimeExecutables.Powershell = v
	}
}

func (c *RunnerConfig) applyDefaults() {
	if c.Secret != "" && c.SecretSource == "" {
		c.SecretSource = SecretSourceStored
	}
	if c.StateFile == "" {
		c.StateFile = filepath.Join(c.DataDir, "state", "runner-state.json")
	}
	if c.ScriptsDir == "" {
		c.ScriptsDir = filepath.Join(c.DataDir, "scripts")
	}
	if c.WorkdirDir == "" {
		c.WorkdirDir = filepath.Join(c.DataDir, "script_workdir")
	}
}

// Endpoint returns the URL the host should dispatch runs to.
func (c *RunnerConfig) Endpoint() string {
	if c.EndpointURL != "" {
		return c.EndpointURL
	}
	if c.PublicURL != "" {
		return c.PublicURL + c.EndpointPath
	}
	return ""
}

// SecretEnvManaged reports whether the secret comes from the environment
// and therefore must never touch disk or accept UI writes.
func (c *RunnerConfig) SecretEnvManaged() bool {
	return c.SecretSource == SecretSourceEnv
}

func (c *RunnerConfig) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.SecretSource != "" && c.SecretSource != SecretSourceEnv && c.SecretSource != SecretSourceStored {
		return fmt.Errorf("secretSource %q: must be %q or %q", c.SecretSource, SecretSourceEnv, SecretSourceStored)
	}
	if c.LocalMaxConcurrency < 0 {
		return fmt.Errorf("localMaxConcurrency must not be negative")
	}
	return nil
}

// HostConfig is the top-level automnd.yaml configuration.
type HostConfig struct {
	Port        int    `yaml:"port"`
	DatabaseURL string `yaml:"databaseUrl"`

	// HeartbeatWindowMs is the staleness window; 0 derives 3x the default
	// runner heartbeat interval.
	HeartbeatWindowMs    int    `yaml:"heartbeatWindowMs"`
	MinimumRunnerVersion string `yaml:"minimumRunnerVersion"`
}

// DefaultHostConfig returns the host defaults.
func DefaultHostConfig() *HostConfig {
	return &HostConfig{
		Port:              3031,
		HeartbeatWindowMs: 3 * 60_000,
	}
}

// LoadHost parses an automnd.yaml file with env overrides.
func LoadHost(path string) (*HostConfig, error) {
	cfg := DefaultHostConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("AUTOMN_HOST_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if cfg.HeartbeatWindowMs <= 0 {
		cfg.HeartbeatWindowMs = 3 * 60_000
	}
	return cfg, nil
}

// ResolveHostPath finds the host config file path.
// Priority: AUTOMN_HOST_CONFIG env var > ./automnd.yaml > "" (no config).
func ResolveHostPath() string {
	if p := os.Getenv("AUTOMN_HOST_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("automnd.yaml"); err == nil {
		return "automnd.yaml"
	}
	return ""
}
