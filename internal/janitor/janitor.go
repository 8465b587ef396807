// Package janitor runs periodic cleanup of short-lived host state.
package janitor

import (
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSchedule runs every minute.
const DefaultSchedule = "@every 1m"

// Sweeper removes expired entries and reports how many went.
type Sweeper interface {
	Sweep(maxAge time.Duration) int
}

// Options configure a Janitor.
type Options struct {
	Schedule  string
	Jobs      Sweeper
	JobTTL    time.Duration
	UploadDir string
	UploadTTL time.Duration
}

// Janitor sweeps unconsumed TTS jobs and stale voice uploads.
type Janitor struct {
	cron *cron.Cron
	opts Options
	log  zerolog.Logger
	now  func() time.Time
}

// New schedules the sweeps. They do not run until Start.
func New(opts Options, log zerolog.Logger) (*Janitor, error) {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	j := &Janitor{cron: cron.New(), opts: opts, log: log, now: time.Now}
	if _, err := j.cron.AddFunc(opts.Schedule, j.RunOnce); err != nil {
		return nil, err
	}
	return j, nil
}

// Start starts the scheduler.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop stops the scheduler and waits for a running sweep.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// RunOnce performs one sweep of both stores.
func (j *Janitor) RunOnce() {
	if j.opts.Jobs != nil && j.opts.JobTTL > 0 {
		if n := j.opts.Jobs.Sweep(j.opts.JobTTL); n > 0 {
			j.log.Info().Int("count", n).Msg("Expired unconsumed TTS jobs")
		}
	}
	if j.opts.UploadDir != "" && j.opts.UploadTTL > 0 {
		if n := j.sweepUploads(); n > 0 {
			j.log.Info().Int("count", n).Msg("Removed stale voice uploads")
		}
	}
}

func (j *Janitor) sweepUploads() int {
	entries, err := os.ReadDir(j.opts.UploadDir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.log.Warn().Err(err).Str("dir", j.opts.UploadDir).Msg("Failed to list uploads")
		}
		return 0
	}

	cutoff := j.now().Add(-j.opts.UploadTTL)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.opts.UploadDir, e.Name())
		if err := os.Remove(path); err != nil {
			j.log.Warn().Err(err).Str("path", path).Msg("Failed to remove upload")
			continue
		}
		removed++
	}
	return removed
}
