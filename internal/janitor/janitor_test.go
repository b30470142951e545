package janitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestSweep_RemovesOnlyStaleHarnessFiles(t *testing.T) {
	root := t.TempDir()

	stale := filepath.Join(root, "automn-run1.sh")
	fresh := filepath.Join(root, "automn-run2.sh")
	manifest := filepath.Join(root, "package.json")
	unrelated := filepath.Join(root, "notes.sh")
	touch(t, stale, 48*time.Hour)
	touch(t, fresh, time.Hour)
	touch(t, manifest, 48*time.Hour)
	touch(t, unrelated, 48*time.Hour)

	j := New(root)
	j.Sweep()

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale harness file should be removed")
	for _, p := range []string{fresh, manifest, unrelated} {
		_, err := os.Stat(p)
		assert.NoError(t, err, "%s should survive", p)
	}
}

func TestSweep_MissingRootIsQuiet(t *testing.T) {
	j := New(filepath.Join(t.TempDir(), "does-not-exist"))
	j.Sweep() // must not panic
}

func TestSweep_RecursesIntoWorkDirs(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "my-script")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	stale := filepath.Join(sub, "automn-run3.cjs")
	touch(t, stale, 48*time.Hour)

	j := New(root)
	j.Sweep()

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}
