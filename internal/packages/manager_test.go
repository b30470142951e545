package packages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeKey(t *testing.T) {
	tests := []struct{ in, want string }{
		{"my-script", "my-script"},
		{"My Script 42!", "my-script-42"},
		{"  ", "shared"},
		{"", "shared"},
		{"../../etc", "etc"},
		{"a_b-c", "a_b-c"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeKey(tt.in), "input %q", tt.in)
	}
}

// fakeInstall records install calls and optionally fails.
type fakeInstall struct {
	calls int
	dirs  []string
	pkgs  [][]string
	err   error
}

func (f *fakeInstall) fn(_ context.Context, dir string, pkgs []string) error {
	f.calls++
	f.dirs = append(f.dirs, dir)
	f.pkgs = append(f.pkgs, pkgs)
	return f.err
}

func TestEnsureNodeDependencies_NoManifestIsNoop(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)
	fi := &fakeInstall{}
	m.install = fi.fn

	dir, err := m.Dir("script-a")
	require.NoError(t, err)

	require.NoError(t, m.EnsureNodeDependencies(context.Background(), "script-a", dir))
	assert.Zero(t, fi.calls)
}

func TestEnsureNodeDependencies_InstallsWhenManifestPresent(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)
	fi := &fakeInstall{}
	m.install = fi.fn

	dir, err := m.Dir("script-a")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"dependencies":{}}`), 0o644))

	require.NoError(t, m.EnsureNodeDependencies(context.Background(), "script-a", dir))
	assert.Equal(t, 1, fi.calls)
	assert.Equal(t, dir, fi.dirs[0])
}

func TestEnsureNodeDependencies_SkipsWhenFresh(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)
	fi := &fakeInstall{}
	m.install = fi.fn

	dir, err := m.Dir("script-a")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{}`), 0o644))
	// node_modules created after the manifest: install not needed.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755))

	require.NoError(t, m.EnsureNodeDependencies(context.Background(), "script-a", dir))
	assert.Zero(t, fi.calls)
}

func TestEnsureNodeDependencies_WrapsInstallError(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)
	fi := &fakeInstall{err: errors.New("registry down")}
	m.install = fi.fn

	dir, err := m.Dir("script-a")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{}`), 0o644))

	err = m.EnsureNodeDependencies(context.Background(), "script-a", dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependencyInstall)
}

func writeInstalledPackage(t *testing.T, dir, name, version string) {
	t.Helper()
	pkgDir := filepath.Join(dir, "node_modules", name)
	require.NoError(t, os.MkdirAll(pkgDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "package.json"),
		[]byte(`{"name":"`+name+`","version":"`+version+`"}`), 0o644))
}

func TestCheckNodePackageStatus_ReportsInstalledAndMissing(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)
	fi := &fakeInstall{}
	m.install = fi.fn

	dir, err := m.Dir("script-a")
	require.NoError(t, err)
	writeInstalledPackage(t, dir, "lodash", "4.17.21")

	res := m.CheckNodePackageStatus(context.Background(), StatusRequest{
		Packages: []string{"lodash", "axios"},
		ScriptID: "script-a",
	})
	require.Len(t, res.Packages, 2)
	assert.True(t, res.Packages[0].Installed)
	assert.Equal(t, "4.17.21", res.Packages[0].Version)
	assert.False(t, res.Packages[1].Installed)
	assert.Empty(t, res.Error)
	assert.Zero(t, fi.calls)
}

func TestCheckNodePackageStatus_InstallMissing(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)
	dir, err := m.Dir("script-a")
	require.NoError(t, err)

	fi := &fakeInstall{}
	m.install = func(ctx context.Context, d string, pkgs []string) error {
		// Simulate the install by materializing the package.
		for _, p := range pkgs {
			writeInstalledPackage(t, d, p, "1.0.0")
		}
		return fi.fn(ctx, d, pkgs)
	}

	res := m.CheckNodePackageStatus(context.Background(), StatusRequest{
		Packages:       []string{"axios"},
		ScriptID:       "script-a",
		InstallMissing: true,
	})
	assert.Equal(t, 1, fi.calls)
	assert.Equal(t, []string{"axios"}, fi.pkgs[0])
	require.Len(t, res.Packages, 1)
	assert.True(t, res.Packages[0].Installed)
	_ = dir
}

func TestClearPackageCache_RemovesOnlyNodeModules(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)

	dir, err := m.Dir("script-a")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{}`), 0o644))
	writeInstalledPackage(t, dir, "lodash", "4.17.21")

	require.NoError(t, m.ClearPackageCache())

	_, err = os.Stat(filepath.Join(dir, "node_modules"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "package.json"))
	assert.NoError(t, err)
}

func TestGetPackageCacheSummary(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)

	dirA, err := m.Dir("a")
	require.NoError(t, err)
	writeInstalledPackage(t, dirA, "lodash", "4.17.21")
	_, err = m.Dir("b") // no node_modules
	require.NoError(t, err)

	s := m.GetPackageCacheSummary()
	assert.Equal(t, 1, s.Directories)
	assert.Positive(t, s.TotalBytes)
}

func TestRehydratePackageCache_ReinstallsClearedDirs(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)
	fi := &fakeInstall{}
	m.install = fi.fn

	dir, err := m.Dir("script-a")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{}`), 0o644))

	m.RehydratePackageCache(context.Background())
	assert.Equal(t, 1, fi.calls)
}
