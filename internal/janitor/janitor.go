// Package janitor sweeps execution working directories for leftovers: a
// harness file survives only when the runner died mid-run, so anything old
// enough is safe to delete.
package janitor

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// maxHarnessAge is how long an orphaned harness file may linger before the
// sweep removes it.
const maxHarnessAge = 24 * time.Hour

// sweepSchedule runs the sweep hourly.
const sweepSchedule = "@hourly"

// harnessExtensions are the file extensions the engine writes.
var harnessExtensions = map[string]bool{
	".mjs": true, ".cjs": true, ".py": true, ".ps1": true, ".sh": true,
}

// Janitor owns the background sweep over the scripts root and the node work
// directories.
type Janitor struct {
	cron  *cron.Cron
	roots []string

	// now is a seam for tests.
	now func() time.Time
}

// New creates a Janitor sweeping the given roots.
func New(roots ...string) *Janitor {
	return &Janitor{
		cron:  cron.New(),
		roots: roots,
		now:   time.Now,
	}
}

// Start schedules the hourly sweep and runs one immediately to clean up
// after a crashed previous process.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(sweepSchedule, j.Sweep); err != nil {
		return err
	}
	j.cron.Start()
	go j.Sweep()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// Sweep deletes harness files older than maxHarnessAge under every root.
func (j *Janitor) Sweep() {
	cutoff := j.now().Add(-maxHarnessAge)
	for _, root := range j.roots {
		removed := 0
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			// Only files the engine itself wrote; package manifests and
			// node_modules content stay.
			name := d.Name()
			if !strings.HasPrefix(name, "automn-") || !harnessExtensions[filepath.Ext(name)] {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().After(cutoff) {
				return nil
			}
			if err := os.Remove(path); err == nil {
				removed++
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			slog.Warn("harness sweep failed", "root", root, "error", err)
		}
		if removed > 0 {
			slog.Info("removed stale harness files", "root", root, "count", removed)
		}
	}
}
