package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clipmix/api/internal/log"
)

// RemoteRemover deletes published copies of expired archives.
type RemoteRemover interface {
	ObjectKey(taskID string) string
	Delete(ctx context.Context, key string) error
}

// JanitorConfig is the configuration for the Janitor.
type JanitorConfig struct {
	ResultDir string
	UploadDir string
	Retention time.Duration
	Interval  time.Duration
	Remote    RemoteRemover
	Logger    log.Logger
}

// Janitor removes finished results once they are older than the retention.
type Janitor struct {
	cfg    JanitorConfig
	logger log.Logger
	now    func() time.Time
}

// NewJanitor creates a new Janitor. A zero retention disables sweeping.
func NewJanitor(cfg JanitorConfig) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Noop
	}
	return &Janitor{
		cfg:    cfg,
		logger: cfg.Logger.WithValues(log.Kv{"svc": "service.Janitor"}),
		now:    time.Now,
	}
}

// Run sweeps on every interval until ctx ends.
func (j *Janitor) Run(ctx context.Context) error {
	if j.cfg.Retention <= 0 {
		j.logger.Infof("Retention disabled, janitor idle")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		j.Sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep removes expired archives, result directories and leftover uploads,
// returning how many entries were removed.
func (j *Janitor) Sweep(ctx context.Context) int {
	if j.cfg.Retention <= 0 {
		return 0
	}
	cutoff := j.now().Add(-j.cfg.Retention)
	removed := 0

	if j.cfg.ResultDir != "" {
		removed += j.sweepDir(ctx, j.cfg.ResultDir, cutoff, true)
	}
	if j.cfg.UploadDir != "" {
		removed += j.sweepDir(ctx, j.cfg.UploadDir, cutoff, false)
	}

	if removed > 0 {
		j.logger.Infof("Cleaned up %d expired entries", removed)
	}
	return removed
}

func (j *Janitor) sweepDir(ctx context.Context, dir string, cutoff time.Time, results bool) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.logger.Warningf("Could not list %s: %v", dir, err)
		}
		return 0
	}

	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed
		}
		// Temporary files belong to writers that are still running.
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}

		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			j.logger.Warningf("Failed to remove %s: %v", path, err)
			continue
		}
		removed++

		if results && j.cfg.Remote != nil && !e.IsDir() && strings.HasSuffix(e.Name(), ".zip") {
			taskID := strings.TrimSuffix(e.Name(), ".zip")
			if err := j.cfg.Remote.Delete(ctx, j.cfg.Remote.ObjectKey(taskID)); err != nil {
				j.logger.Warningf("Failed to delete published archive of %s: %v", taskID, err)
			}
		}
	}
	return removed
}
