// Package retention ages out archived frames. The archive handler groups
// raw frames under raw/<YYYY-MM-DD>/, so age is decided from the directory
// name alone and a purge never has to stat individual frames.
package retention

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hasbegun/eyed/internal/metrics"
)

// Purger deletes raw/ date directories older than the retention window.
type Purger struct {
	root    string
	rawDays int
	log     *slog.Logger
	met     *metrics.StorageMetrics
}

// NewPurger builds a purger over the archive root. rawDays <= 0 disables
// purging entirely. met may be nil in tests.
func NewPurger(root string, rawDays int, log *slog.Logger, met *metrics.StorageMetrics) *Purger {
	return &Purger{root: root, rawDays: rawDays, log: log, met: met}
}

// Run purges once immediately, then once per day until ctx is cancelled.
func (p *Purger) Run(ctx context.Context) {
	p.Purge()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("retention purger stopped")
			return
		case <-ticker.C:
			p.Purge()
		}
	}
}

// Purge removes every raw/<date> directory whose date is strictly before
// the cutoff. It returns the number of directories removed.
func (p *Purger) Purge() int {
	if p.rawDays <= 0 {
		p.log.Debug("retention disabled, skipping purge", "raw_days", p.rawDays)
		return 0
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -p.rawDays)
	rawRoot := filepath.Join(p.root, "raw")

	entries, err := os.ReadDir(rawRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.Error("failed to read archive root", "path", rawRoot, "error", err)
		}
		return 0
	}

	var removed int
	var freed int64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dirDate, err := time.Parse("2006-01-02", entry.Name())
		if err != nil {
			// Not a date directory; leave it alone.
			continue
		}
		if !dirDate.Before(cutoff) {
			continue
		}

		dirPath := filepath.Join(rawRoot, entry.Name())
		size := dirSize(dirPath)
		if err := os.RemoveAll(dirPath); err != nil {
			p.log.Error("failed to remove expired directory", "path", dirPath, "error", err)
			continue
		}
		removed++
		freed += size
	}

	if removed > 0 {
		if p.met != nil {
			p.met.PurgedDirs.Add(float64(removed))
			p.met.PurgedBytes.Add(float64(freed))
		}
		p.log.Info("retention purge complete",
			"cutoff", cutoff.Format("2006-01-02"),
			"dirs_removed", removed,
			"bytes_freed", freed)
	} else {
		p.log.Debug("retention purge found nothing to remove",
			"cutoff", cutoff.Format("2006-01-02"))
	}
	return removed
}

func dirSize(path string) int64 {
	var total int64
	filepath.WalkDir(path, func(_ string, d fs.DirEntry, _ error) error {
		if d != nil && !d.IsDir() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
