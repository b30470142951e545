// Package packages manages per-script npm dependency directories for node
// runs. Each script gets a work directory keyed by a sanitized identifier;
// installs against the same directory key are serialized so concurrent runs
// of one script cannot race npm.
package packages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// ErrDependencyInstall marks npm install failures so the engine can map
// them to the NODE_DEPENDENCY_INSTALL_FAILED result.
var ErrDependencyInstall = errors.New("dependency install failed")

// SharedKey is the directory key used when a request carries neither a
// script id nor an explicit directory key.
const SharedKey = "shared"

var keySanitizeRe = regexp.MustCompile(`[^a-z0-9_-]+`)

// SanitizeKey turns an arbitrary script identifier into a filesystem-safe
// directory key.
func SanitizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = keySanitizeRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return SharedKey
	}
	return s
}

// Manager owns the npm work directories under one root.
type Manager struct {
	root string

	mu       sync.Mutex
	dirLocks map[string]*sync.Mutex

	// install is a seam for tests; nil runs the real npm.
	install func(ctx context.Context, dir string, pkgs []string) error
}

// NewManager creates a Manager rooted at workdirRoot.
func NewManager(workdirRoot string) *Manager {
	m := &Manager{
		root:     workdirRoot,
		dirLocks: make(map[string]*sync.Mutex),
	}
	m.install = m.npmInstall
	return m
}

// Root returns the workdir root.
func (m *Manager) Root() string { return m.root }

// Dir returns (and creates) the work directory for a key.
func (m *Manager) Dir(key string) (string, error) {
	dir := filepath.Join(m.root, SanitizeKey(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	return dir, nil
}

// lockFor returns the mutex serializing installs for one directory key.
func (m *Manager) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.dirLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.dirLocks[key] = l
	}
	return l
}

// EnsureNodeDependencies makes sure the script's work directory has its npm
// dependencies installed before a node run spawns. A directory without a
// package.json needs nothing. Install failures wrap ErrDependencyInstall.
func (m *Manager) EnsureNodeDependencies(ctx context.Context, scriptID, workingDir string) error {
	key := SanitizeKey(scriptID)
	l := m.lockFor(key)
	l.Lock()
	defer l.Unlock()

	manifest := filepath.Join(workingDir, "package.json")
	mi, err := os.Stat(manifest)
	if err != nil {
		return nil // no manifest, nothing to install
	}

	// Skip the install when node_modules is at least as fresh as the manifest.
	if ni, err := os.Stat(filepath.Join(workingDir, "node_modules")); err == nil {
		if !ni.ModTime().Before(mi.ModTime()) {
			return nil
		}
	}

	if err := m.install(ctx, workingDir, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyInstall, err)
	}
	return nil
}

// StatusRequest is the body of POST /api/packages/status on the runner.
type StatusRequest struct {
	Packages       []string `json:"packages"`
	ScriptID       string   `json:"scriptId,omitempty"`
	DirectoryKey   string   `json:"directoryKey,omitempty"`
	InstallMissing bool     `json:"installMissing,omitempty"`
}

// PackageStatus reports one package's installation state.
type PackageStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Version   string `json:"version,omitempty"`
}

// StatusResult is the response of the package status endpoint.
type StatusResult struct {
	Packages       []PackageStatus `json:"packages"`
	InstallMissing bool            `json:"installMissing"`
	Error          string          `json:"error,omitempty"`
}

// CheckNodePackageStatus reports which requested packages are present in the
// script's work directory, optionally installing the missing ones.
func (m *Manager) CheckNodePackageStatus(ctx context.Context, req StatusRequest) StatusResult {
	key := req.DirectoryKey
	if key == "" {
		key = req.ScriptID
	}
	key = SanitizeKey(key)

	dir, err := m.Dir(key)
	if err != nil {
		return StatusResult{Packages: []PackageStatus{}, InstallMissing: req.InstallMissing, Error: err.Error()}
	}

	result := StatusResult{InstallMissing: req.InstallMissing, Packages: make([]PackageStatus, 0, len(req.Packages))}

	var missing []string
	for _, name := range req.Packages {
		st := m.packageStatus(dir, name)
		if !st.Installed {
			missing = append(missing, name)
		}
		result.Packages = append(result.Packages, st)
	}

	if req.InstallMissing && len(missing) > 0 {
		l := m.lockFor(key)
		l.Lock()
		err := m.install(ctx, dir, missing)
		l.Unlock()
		if err != nil {
			result.Error = fmt.Sprintf("install missing packages: %v", err)
			return result
		}
		// Re-check so the response reflects the post-install state.
		result.Packages = result.Packages[:0]
		for _, name := range req.Packages {
			result.Packages = append(result.Packages, m.packageStatus(dir, name))
		}
	}
	return result
}

// packageStatus reads node_modules/<name>/package.json for the installed
// version.
func (m *Manager) packageStatus(dir, name string) PackageStatus {
	st := PackageStatus{Name: name}
	raw, err := os.ReadFile(filepath.Join(dir, "node_modules", name, "package.json"))
	if err != nil {
		return st
	}
	st.Installed = true
	var manifest struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &manifest); err == nil {
		st.Version = manifest.Version
	}
	return st
}

// RehydratePackageCache reinstalls node_modules for every work directory
// that has a manifest but lost its installed tree (e.g. after a cache
// clear). Failures are logged, not fatal: the next run retries.
func (m *Manager) RehydratePackageCache(ctx context.Context) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(m.root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, "package.json")); err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, "node_modules")); err == nil {
			continue
		}
		if err := m.EnsureNodeDependencies(ctx, e.Name(), dir); err != nil {
			slog.Warn("package cache rehydrate failed", "dir", dir, "error", err)
		}
	}
}

// ClearPackageCache deletes every node_modules tree under the workdir root.
// Manifests and lockfiles stay so rehydration can rebuild.
func (m *Manager) ClearPackageCache() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read workdir root: %w", err)
	}
	var firstErr error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		nm := filepath.Join(m.root, e.Name(), "node_modules")
		if err := os.RemoveAll(nm); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CacheSummary describes the package cache for the status page.
type CacheSummary struct {
	Directories int   `json:"directories"`
	TotalBytes  int64 `json:"totalBytes"`
}

// GetPackageCacheSummary walks the workdir root and totals installed trees.
func (m *Manager) GetPackageCacheSummary() CacheSummary {
	var s CacheSummary
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return s
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		nm := filepath.Join(m.root, e.Name(), "node_modules")
		if _, err := os.Stat(nm); err != nil {
			continue
		}
		s.Directories++
		_ = filepath.WalkDir(nm, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if info, err := d.Info(); err == nil {
				s.TotalBytes += info.Size()
			}
			return nil
		})
	}
	return s
}

// npmInstall runs npm in dir. With no packages it installs the manifest;
// with packages it adds them.
func (m *Manager) npmInstall(ctx context.Context, dir string, pkgs []string) error {
	args := []string{"install", "--no-audit", "--no-fund"}
	args = append(args, pkgs...)

	cmd := exec.CommandContext(ctx, npmBinary(), args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("npm install: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
