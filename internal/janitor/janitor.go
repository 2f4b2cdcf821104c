package janitor

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bosondata/badwolf/internal/common"
)

// Target is a directory tree whose entries at Depth expire as a whole.
// Saved logs live at <log_dir>/<commit> (depth 1), artifacts at
// <artifacts_dir>/<owner>/<repo>/<ref> (depth 3).
type Target struct {
	Dir   string
	Depth int
}

// Janitor 定时清理过期的构建日志和制品
type Janitor struct {
	cron      *cron.Cron
	targets   []Target
	retention time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entryID cron.EntryID
}

func New(retentionDays int, targets ...Target) *Janitor {
	return &Janitor{
		cron:      cron.New(),
		targets:   targets,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
	}
}

// FromConfig builds a janitor for the configured log and artifact dirs.
func FromConfig(c common.Config) *Janitor {
	return New(c.RetentionDays,
		Target{Dir: c.LogDir, Depth: 1},
		Target{Dir: c.ArtifactsDir, Depth: 3},
	)
}

func (j *Janitor) Enabled() bool {
	return j.retention > 0
}

// Start schedules Sweep on spec. A disabled janitor does nothing.
func (j *Janitor) Start(spec string) error {
	if !j.Enabled() {
		common.GetLogger().Info("retention janitor disabled")
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	// 先移除已有的调度
	if j.entryID != 0 {
		j.cron.Remove(j.entryID)
	}
	id, err := j.cron.AddFunc(spec, func() { j.Sweep() })
	if err != nil {
		return err
	}
	j.entryID = id
	j.cron.Start()
	common.GetLogger().Info("retention janitor started", zap.String("spec", spec), zap.Duration("retention", j.retention))
	return nil
}

// Stop waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep removes expired entries and returns how many were removed.
func (j *Janitor) Sweep() int {
	if !j.Enabled() {
		return 0
	}
	cutoff := j.now().Add(-j.retention)
	removed := 0
	for _, target := range j.targets {
		if target.Dir == "" {
			continue
		}
		removed += sweep(target.Dir, target.Depth, cutoff)
	}
	if removed > 0 {
		common.GetLogger().Info("removed expired builds", zap.Int("count", removed), zap.Time("cutoff", cutoff))
	}
	return removed
}

func sweep(dir string, depth int, cutoff time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			common.GetLogger().Warn("read directory failed", zap.String("path", dir), zap.Error(err))
		}
		return 0
	}
	removed := 0
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if depth > 1 {
			if entry.IsDir() {
				removed += sweep(path, depth-1, cutoff)
			}
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			common.GetLogger().Warn("remove expired entry failed", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}
