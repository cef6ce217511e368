// SPDX-License-Identifier: MIT

// Package reaper enforces artifact retention. A periodic sweep drops
// expired job and batch records and clears stale upload spool files and
// per-request scratch directories left behind by aborted requests.
package reaper

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemscribe/stemscribe/internal/fsutil"
	"github.com/stemscribe/stemscribe/internal/log"
	"github.com/stemscribe/stemscribe/internal/metrics"
	"github.com/stemscribe/stemscribe/internal/store"
)

const sweepInterval = time.Minute

// Sweeper removes expired records and reports how many were dropped.
type Sweeper interface {
	SweepExpired(now time.Time) int
}

// Reaper periodically sweeps expired jobs and batches plus the transient
// areas (uploads/, out/) that no manager owns.
type Reaper struct {
	paths   store.Paths
	jobs    Sweeper
	batches Sweeper
	ttl     func() time.Duration
	logger  zerolog.Logger
}

// New builds a reaper over the given managers. ttl is read on every sweep
// so a config reload takes effect without restart.
func New(paths store.Paths, jobs, batches Sweeper, ttl func() time.Duration) *Reaper {
	return &Reaper{
		paths:   paths,
		jobs:    jobs,
		batches: batches,
		ttl:     ttl,
		logger:  log.WithComponent("reaper"),
	}
}

// Run blocks until ctx is canceled, sweeping once at entry and then once
// per interval.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	r.logger.Info().Str("event", "reaper.started").Dur("interval", sweepInterval).Msg("reaper started")

	r.Sweep(time.Now())

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Str("event", "reaper.stopped").Msg("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(time.Now())
		}
	}
}

// Sweep runs a single pass over all swept areas.
func (r *Reaper) Sweep(now time.Time) {
	jobs := r.jobs.SweepExpired(now)
	batches := r.batches.SweepExpired(now)
	uploads := r.sweepUploads(now)
	scratch := r.sweepScratch(now)

	if jobs+batches+uploads+scratch == 0 {
		return
	}
	r.logger.Info().
		Str("event", "reaper.sweep").
		Int("jobs", jobs).
		Int("batches", batches).
		Int("uploads", uploads).
		Int("scratch", scratch).
		Msg("removed expired entries")
}

// sweepUploads drops spool files whose request died before materialization
// moved them into a job or batch directory. Age is judged by mtime.
func (r *Reaper) sweepUploads(now time.Time) int {
	dir := r.paths.UploadsDir()
	cutoff := now.Add(-r.ttl())

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn().Err(err).Str("event", "reaper.list_failed").Str("dir", dir).
				Msg("cannot list upload spool")
		}
		return 0
	}

	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			r.logger.Warn().Err(err).Str("event", "reaper.remove_failed").Str("path", path).
				Msg("cannot remove stale upload")
			continue
		}
		metrics.ReaperRemoved.WithLabelValues("upload").Inc()
		removed++
	}
	return removed
}

// sweepScratch drops per-request scratch directories older than the TTL.
// The transport creates them for synchronous requests and normally removes
// them itself; anything left behind is an orphan.
func (r *Reaper) sweepScratch(now time.Time) int {
	dir := r.paths.ScratchDir()
	cutoff := now.Add(-r.ttl())

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn().Err(err).Str("event", "reaper.list_failed").Str("dir", dir).
				Msg("cannot list scratch dir")
		}
		return 0
	}

	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := fsutil.RemoveTree(path); err != nil {
			r.logger.Warn().Err(err).Str("event", "reaper.remove_failed").Str("path", path).
				Msg("cannot remove scratch entry")
			continue
		}
		metrics.ReaperRemoved.WithLabelValues("orphan").Inc()
		removed++
	}
	return removed
}
