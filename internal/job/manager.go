// SPDX-License-Identifier: MIT

// Package job owns single-item pipelines: creation, the staged run loop,
// artifact publication and expiry. The in-memory table is a cache over the
// job.json files, which stay authoritative across restarts.
package job

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stemscribe/stemscribe/internal/engine"
	"github.com/stemscribe/stemscribe/internal/engine/asr"
	"github.com/stemscribe/stemscribe/internal/fsutil"
	"github.com/stemscribe/stemscribe/internal/input"
	"github.com/stemscribe/stemscribe/internal/log"
	"github.com/stemscribe/stemscribe/internal/metrics"
	"github.com/stemscribe/stemscribe/internal/model"
	"github.com/stemscribe/stemscribe/internal/queue"
	"github.com/stemscribe/stemscribe/internal/store"
)

// Recognizer is the supervisor surface the pipelines call.
type Recognizer interface {
	Recognize(ctx context.Context, req asr.Request) (string, error)
}

// Engines bundles the adapters a pipeline invokes.
type Engines struct {
	Transcoder *engine.Transcoder
	Separator  *engine.Separator
	Recognizer Recognizer
}

// Manager creates jobs, runs them on the serial queue and answers status
// reads.
type Manager struct {
	lifeCtx context.Context
	paths   store.Paths
	q       *queue.Queue
	eng     Engines
	mat     *input.Materializer
	ttl     func() time.Duration

	mu   sync.RWMutex
	jobs map[string]*model.Job
}

// NewManager wires a Manager. lifeCtx bounds pipeline execution: queued work
// is canceled when it ends, independent of any HTTP request context.
func NewManager(lifeCtx context.Context, paths store.Paths, q *queue.Queue, eng Engines, mat *input.Materializer, ttl func() time.Duration) *Manager {
	return &Manager{
		lifeCtx: lifeCtx,
		paths:   paths,
		q:       q,
		eng:     eng,
		mat:     mat,
		ttl:     ttl,
		jobs:    make(map[string]*model.Job),
	}
}

// CreateRequest carries the validated creation parameters from the transport
// layer.
type CreateRequest struct {
	Type                  model.JobType
	Input                 input.Descriptor
	VADMaxSingleSegmentMs int
	VADMaxEndSilenceMs    int
}

// Create materializes the input, persists the queued record and submits the
// pipeline to the serial queue. On any error nothing is left behind.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.Job, error) {
	logger := log.WithComponentFromContext(ctx, "job")

	id := uuid.NewString()
	outDir := m.paths.JobDir(id)
	if err := fsutil.EnsureDir(outDir); err != nil {
		return nil, model.IOErrorf("create job dir: %v", err)
	}

	mat, err := m.mat.Materialize(ctx, req.Input, filepath.Join(outDir, "input"))
	if err != nil {
		_ = fsutil.RemoveTree(outDir)
		return nil, err
	}

	j := &model.Job{
		ID:                    id,
		Type:                  req.Type,
		State:                 model.StateQueued,
		Phase:                 model.PhaseQueued,
		CreatedAt:             time.Now().UTC(),
		OutDir:                outDir,
		Source:                mat.Source,
		AudioPath:             mat.AudioPath,
		CleanupAudioOnFinish:  mat.Owned,
		VADMaxSingleSegmentMs: req.VADMaxSingleSegmentMs,
		VADMaxEndSilenceMs:    req.VADMaxEndSilenceMs,
	}
	if err := store.WriteJob(j); err != nil {
		_ = fsutil.RemoveTree(outDir)
		return nil, err
	}

	m.mu.Lock()
	m.jobs[id] = j.Clone()
	m.mu.Unlock()

	taskCtx := log.ContextWithJobID(m.lifeCtx, id)
	if rid := log.RequestIDFromContext(ctx); rid != "" {
		taskCtx = log.ContextWithRequestID(taskCtx, rid)
	}
	if _, err := m.q.Submit(taskCtx, "job:"+id, func(runCtx context.Context) error {
		return m.run(runCtx, id)
	}); err != nil {
		m.mu.Lock()
		delete(m.jobs, id)
		m.mu.Unlock()
		_ = fsutil.RemoveTree(outDir)
		return nil, model.Internalf("server is shutting down")
	}

	logger.Info().
		Str("event", "job.created").
		Str("job_id", id).
		Str("type", string(j.Type)).
		Str("source", string(j.Source)).
		Msg("job accepted")
	return j.Clone(), nil
}

// Get returns a snapshot of the job, or false when unknown.
func (m *Manager) Get(id string) (*model.Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// persist writes the record to disk and, only on success, makes the new
// snapshot visible to readers. Clients never observe states that could be
// lost by a crash.
func (m *Manager) persist(j *model.Job) error {
	if err := store.WriteJob(j); err != nil {
		return err
	}
	m.mu.Lock()
	m.jobs[j.ID] = j.Clone()
	m.mu.Unlock()
	return nil
}

// LoadExisting replays the jobs directory at startup: expired records are
// deleted, interrupted records are failed (no resume), everything else is
// registered for status reads. Unparseable directories are removed once they
// outlive the TTL, judged by mtime.
func (m *Manager) LoadExisting(ctx context.Context) {
	logger := log.WithComponentFromContext(ctx, "job")
	entries, err := os.ReadDir(m.paths.JobsDir())
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("event", "job.load_failed").Msg("cannot read jobs dir")
		}
		return
	}

	now := time.Now().UTC()
	ttl := m.ttl()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.paths.JobsDir(), entry.Name())

		j, err := store.LoadJob(dir)
		if err != nil {
			if errors.Is(err, store.ErrAbsent) {
				if info, ierr := entry.Info(); ierr == nil && now.Sub(info.ModTime()) > ttl {
					_ = fsutil.RemoveTree(dir)
					metrics.ReaperRemoved.WithLabelValues("orphan").Inc()
					logger.Info().Str("event", "job.orphan_removed").Str("dir", dir).Msg("removed unparseable job dir past ttl")
				}
			} else {
				logger.Warn().Err(err).Str("event", "job.load_failed").Str("dir", dir).Msg("skipping job dir")
			}
			continue
		}

		if j.Expired(now) {
			_ = fsutil.RemoveTree(dir)
			metrics.ReaperRemoved.WithLabelValues("job").Inc()
			logger.Info().Str("event", "job.expired_removed").Str("job_id", j.ID).Msg("removed expired job at startup")
			continue
		}

		if !j.State.IsTerminal() {
			fin := now
			exp := now.Add(ttl)
			j.State = model.StateFailed
			j.Phase = model.PhaseError
			j.FinishedAt = &fin
			j.ExpiresAt = &exp
			j.Error = model.NewTaskError(model.CodeInternalError, "interrupted by server restart")
			if err := store.WriteJob(j); err != nil {
				logger.Error().Err(err).Str("event", "job.persist_failed").Str("job_id", j.ID).Msg("cannot mark job interrupted")
			}
			metrics.Jobs.WithLabelValues(string(j.Type), "interrupted").Inc()
			logger.Warn().Str("event", "job.interrupted").Str("job_id", j.ID).Msg("job was queued or running at shutdown, marked failed")
		}

		m.mu.Lock()
		m.jobs[j.ID] = j
		m.mu.Unlock()
	}
}

// SweepExpired drops terminal records past their TTL and deletes their
// directories. Returns how many jobs were removed.
func (m *Manager) SweepExpired(now time.Time) int {
	type victim struct {
		id  string
		dir string
	}
	var victims []victim

	m.mu.RLock()
	for id, j := range m.jobs {
		if j.Expired(now) {
			victims = append(victims, victim{id: id, dir: j.OutDir})
		}
	}
	m.mu.RUnlock()

	logger := log.WithComponent("job")
	for _, v := range victims {
		_ = fsutil.RemoveTree(v.dir)
		m.mu.Lock()
		delete(m.jobs, v.id)
		m.mu.Unlock()
		metrics.ReaperRemoved.WithLabelValues("job").Inc()
		logger.Info().Str("event", "job.reaped").Str("job_id", v.id).Msg("expired job removed")
	}
	return len(victims)
}
