// Package interp resolves and spawns the language interpreters a runner
// executes scripts with. Resolution results are cached per language until an
// operator updates the runtime executable paths; spawned children always get
// their own process group so the whole subtree can be torn down.
package interp

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/automn-run/automn/internal/cache"
	"github.com/automn-run/automn/internal/domain"
)

// probeTimeout bounds the `--version` probe used during resolution.
const probeTimeout = 5 * time.Second

// Executables carries the operator-configured interpreter paths. Empty
// fields fall back to PATH lookup.
type Executables struct {
	Node       string `json:"node,omitempty" yaml:"node,omitempty"`
	Python     string `json:"python,omitempty" yaml:"python,omitempty"`
	Powershell string `json:"powershell,omitempty" yaml:"powershell,omitempty"`
	Shell      string `json:"shell,omitempty" yaml:"shell,omitempty"`
}

// Interpreter is a resolved interpreter invocation: the binary plus any
// leading arguments (e.g. `py -3` on Windows).
type Interpreter struct {
	Path string
	Args []string
}

// Resolver resolves interpreters per language with caching. Safe for
// concurrent use.
type Resolver struct {
	mu       sync.RWMutex
	explicit Executables
	resolved *cache.Cache[domain.Language, Interpreter]

	// lookPath and probe are seams for tests; nil uses the real ones.
	lookPath func(string) (string, error)
	probe    func(ctx context.Context, path string, args ...string) bool
}

// NewResolver creates a resolver using the given explicit executable paths.
func NewResolver(exes Executables) *Resolver {
	return &Resolver{
		explicit: exes,
		resolved: cache.New[domain.Language, Interpreter](cache.NoExpiry),
		lookPath: exec.LookPath,
		probe:    probeVersion,
	}
}

// SetExecutables replaces the explicit paths and invalidates every cached
// resolution.
func (r *Resolver) SetExecutables(exes Executables) {
	r.mu.Lock()
	r.explicit = exes
	r.mu.Unlock()
	r.resolved.Clear()
}

// Executables returns the current explicit paths.
func (r *Resolver) Executables() Executables {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.explicit
}

// Resolve finds the interpreter for a language. Results are cached until
// SetExecutables.
func (r *Resolver) Resolve(ctx context.Context, lang domain.Language) (Interpreter, error) {
	if in, ok := r.resolved.Get(lang); ok {
		return in, nil
	}

	in, err := r.resolve(ctx, lang)
	if err != nil {
		return Interpreter{}, err
	}
	r.resolved.Set(lang, in)
	return in, nil
}

func (r *Resolver) resolve(ctx context.Context, lang domain.Language) (Interpreter, error) {
	r.mu.RLock()
	exes := r.explicit
	r.mu.RUnlock()

	switch lang {
	case domain.LanguageNode:
		if exes.Node != "" {
			return Interpreter{Path: exes.Node}, nil
		}
		return r.fromPath("node")

	case domain.LanguagePython:
		if exes.Python != "" {
			return Interpreter{Path: exes.Python}, nil
		}
		for _, candidate := range []string{"python3", "python"} {
			if p, err := r.lookPath(candidate); err == nil && r.probe(ctx, p, "--version") {
				return Interpreter{Path: p}, nil
			}
		}
		if runtime.GOOS == "windows" {
			if p, err := r.lookPath("py"); err == nil {
				if r.probe(ctx, p, "-3", "--version") {
					return Interpreter{Path: p, Args: []string{"-3"}}, nil
				}
				if r.probe(ctx, p, "--version") {
					return Interpreter{Path: p}, nil
				}
			}
		}
		return Interpreter{}, fmt.Errorf("no python interpreter found")

	case domain.LanguagePowershell:
		if exes.Powershell != "" {
			return Interpreter{Path: exes.Powershell}, nil
		}
		if p, err := r.lookPath("pwsh"); err == nil {
			return Interpreter{Path: p}, nil
		}
		if runtime.GOOS == "windows" {
			for _, candidate := range windowsPowershellCandidates() {
				if p, err := r.lookPath(candidate); err == nil {
					return Interpreter{Path: p}, nil
				}
			}
		}
		return Interpreter{}, fmt.Errorf("no powershell interpreter found")

	case domain.LanguageShell:
		if exes.Shell != "" {
			return Interpreter{Path: exes.Shell}, nil
		}
		for _, candidate := range []string{"bash", "sh"} {
			if p, err := r.lookPath(candidate); err == nil {
				return Interpreter{Path: p}, nil
			}
		}
		if runtime.GOOS == "windows" {
			return Interpreter{Path: systemShell()}, nil
		}
		return Interpreter{}, fmt.Errorf("no shell interpreter found")
	}

	return Interpreter{}, fmt.Errorf("unsupported language %q", lang)
}

func (r *Resolver) fromPath(name string) (Interpreter, error) {
	p, err := r.lookPath(name)
	if err != nil {
		return Interpreter{}, fmt.Errorf("interpreter %q not found on PATH: %w", name, err)
	}
	return Interpreter{Path: p}, nil
}

// Command builds the exec.Cmd that runs scriptPath under the language's
// interpreter, with a dedicated process group.
func (r *Resolver) Command(ctx context.Context, lang domain.Language, scriptPath string) (*exec.Cmd, error) {
	in, err := r.Resolve(ctx, lang)
	if err != nil {
		return nil, err
	}

	args := append([]string{}, in.Args...)
	if lang == domain.LanguagePowershell {
		args = append(args, "-NoLogo", "-NoProfile", "-NonInteractive")
		if runtime.GOOS == "windows" {
			args = append(args, "-ExecutionPolicy", "Bypass")
		}
		args = append(args, "-File", scriptPath)
	} else {
		args = append(args, scriptPath)
	}

	name, args := wrapCommand(in.Path, args)
	cmd := exec.CommandContext(ctx, name, args...)
	setProcessGroup(cmd)
	return cmd, nil
}

// Versions probes each resolvable interpreter for its version string, for
// the registration body's runtimes map. Unresolvable languages are omitted.
func (r *Resolver) Versions(ctx context.Context) map[string]string {
	out := make(map[string]string)
	for lang, key := range map[domain.Language]string{
		domain.LanguageNode:       "node",
		domain.LanguagePython:     "python",
		domain.LanguagePowershell: "powershell",
	} {
		in, err := r.Resolve(ctx, lang)
		if err != nil {
			continue
		}
		if v := versionOf(ctx, in); v != "" {
			out[key] = v
		}
	}
	return out
}

// versionOf runs `<interp> --version` and normalizes the first output line
// ("v22.3.1" -> "22.3.1", "Python 3.11.5" -> "3.11.5").
func versionOf(ctx context.Context, in Interpreter) string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	args := append(append([]string{}, in.Args...), "--version")
	out, err := exec.CommandContext(ctx, in.Path, args...).Output()
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	last := fields[len(fields)-1]
	return strings.TrimPrefix(last, "v")
}

// probeVersion reports whether the binary responds to the given arguments.
func probeVersion(ctx context.Context, path string, args ...string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	return cmd.Run() == nil
}
