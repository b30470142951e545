package domain

import "time"

// Runner registry status values. A runner is "pending" until its first
// accepted registration, "healthy" afterwards, and "disabled" when an
// operator turns it off.
type RunnerStatus string

const (
	RunnerStatusPending  RunnerStatus = "pending"
	RunnerStatusHealthy  RunnerStatus = "healthy"
	RunnerStatusDisabled RunnerStatus = "disabled"
)

// RunnerCapabilities is what a runner advertises at registration.
type RunnerCapabilities struct {
	MaxConcurrency int `json:"maxConcurrency,omitempty"`
	TimeoutMs      int `json:"timeoutMs,omitempty"`
}

// RunnerVersions tracks the version handshake between host and runner.
type RunnerVersions struct {
	Runner               string `json:"runner,omitempty"`
	Host                 string `json:"host,omitempty"`
	MinimumHostVersion   string `json:"minimumHostVersion,omitempty"`
	MinimumRunnerVersion string `json:"minimumRunnerVersion,omitempty"`
}

// RunnerEnvironment describes the machine a runner executes on.
type RunnerEnvironment struct {
	OS       string            `json:"os,omitempty"`
	Platform string            `json:"platform,omitempty"`
	Arch     string            `json:"arch,omitempty"`
	Runtimes map[string]string `json:"runtimes,omitempty"` // e.g. {"node":"22.3.1"}
}

// RunnerIdentity is the host's stable registry entry for one runner.
// SecretHash is never serialized; the plaintext secret is shown exactly once
// at issuance or rotation.
type RunnerIdentity struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	SecretHash    string             `json:"-"`
	Endpoint      string             `json:"endpoint,omitempty"`
	AdminOnly     bool               `json:"adminOnly"`
	Status        RunnerStatus       `json:"status"`
	DisabledAt    *time.Time         `json:"disabledAt,omitempty"`
	StatusMessage string             `json:"statusMessage,omitempty"`
	Capabilities  RunnerCapabilities `json:"capabilities"`
	Versions      RunnerVersions     `json:"versions"`
	Environment   RunnerEnvironment  `json:"environment"`
	LastSeenAt    *time.Time         `json:"lastSeenAt,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
}

// Stale reports whether the runner has missed its heartbeat window.
func (r *RunnerIdentity) Stale(now time.Time, window time.Duration) bool {
	if r.LastSeenAt == nil {
		return true
	}
	return now.Sub(*r.LastSeenAt) > window
}

// Healthy reports whether the host may dispatch work to the runner.
func (r *RunnerIdentity) Healthy(now time.Time, window time.Duration) bool {
	return r.Status == RunnerStatusHealthy && r.DisabledAt == nil && !r.Stale(now, window)
}

// RegistrationRequest is the body a runner POSTs to
// /api/settings/runner-hosts/{id}/register, both for the initial handshake
// and for heartbeats.
type RegistrationRequest struct {
	Secret             string            `json:"secret"`
	Endpoint           string            `json:"endpoint"`
	StatusMessage      string            `json:"statusMessage,omitempty"`
	MaxConcurrency     int               `json:"maxConcurrency,omitempty"`
	TimeoutMs          int               `json:"timeoutMs,omitempty"`
	Version            string            `json:"version"`
	MinimumHostVersion string            `json:"minimumHostVersion,omitempty"`
	OS                 string            `json:"os,omitempty"`
	Platform           string            `json:"platform,omitempty"`
	Arch               string            `json:"arch,omitempty"`
	Uptime             int64             `json:"uptime,omitempty"` // seconds
	Runtimes           map[string]string `json:"runtimes,omitempty"`
}

// RegistrationResponse is what the host returns on a successful registration.
type RegistrationResponse struct {
	OK                   bool   `json:"ok"`
	RunnerID             string `json:"runnerId"`
	HostVersion          string `json:"hostVersion,omitempty"`
	MinimumRunnerVersion string `json:"minimumRunnerVersion,omitempty"`
}
