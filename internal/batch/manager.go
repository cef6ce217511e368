// SPDX-License-Identifier: MIT

// Package batch implements the stage-first multi-item scheduler: the ASR
// stage runs for every item before the separation stage starts, so early
// subtitles are downloadable while later items are still separating. A batch
// occupies a single slot on the serial engine queue from start to finish.
package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stemscribe/stemscribe/internal/fsutil"
	"github.com/stemscribe/stemscribe/internal/input"
	"github.com/stemscribe/stemscribe/internal/job"
	"github.com/stemscribe/stemscribe/internal/log"
	"github.com/stemscribe/stemscribe/internal/metrics"
	"github.com/stemscribe/stemscribe/internal/model"
	"github.com/stemscribe/stemscribe/internal/queue"
	"github.com/stemscribe/stemscribe/internal/store"
)

// Manager creates, runs and serves batches. The in-memory table is the read
// model; batch.json under each batch directory is the source of truth.
type Manager struct {
	lifeCtx context.Context
	paths   store.Paths
	q       *queue.Queue
	eng     job.Engines
	mat     *input.Materializer
	ttl     func() time.Duration

	mu      sync.RWMutex
	batches map[string]*model.Batch
}

// NewManager wires the batch scheduler. Batches run on the same serial queue
// as jobs; lifeCtx bounds their execution to the daemon lifetime, not to any
// client connection.
func NewManager(lifeCtx context.Context, paths store.Paths, q *queue.Queue, eng job.Engines, mat *input.Materializer, ttl func() time.Duration) *Manager {
	return &Manager{
		lifeCtx: lifeCtx,
		paths:   paths,
		q:       q,
		eng:     eng,
		mat:     mat,
		ttl:     ttl,
		batches: make(map[string]*model.Batch),
	}
}

// CreateRequest is a validated batch submission. Inputs arrive in item order.
type CreateRequest struct {
	Options model.BatchOptions
	Inputs  []input.Descriptor
}

// Create materializes every input, persists the initial record and enqueues
// the run. A failed materialization fails that item at the validate phase
// without sinking the batch: even a batch whose items all failed is enqueued
// so it terminates through the normal path.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.Batch, error) {
	logger := log.WithComponentFromContext(ctx, "batch")

	opts := req.Options
	if opts.Policy == "" {
		opts.Policy = model.PolicyStageFirst
	}
	if opts.Policy != model.PolicyStageFirst {
		return nil, model.BadRequestf("unsupported batch policy %q", opts.Policy)
	}
	if !opts.Tasks.ASR && !opts.Tasks.Demucs {
		opts.Tasks = model.BatchTasks{ASR: true, Demucs: true}
	}
	if len(req.Inputs) == 0 || len(req.Inputs) > model.MaxBatchItems {
		return nil, model.BadRequestf("items must contain between 1 and %d entries", model.MaxBatchItems)
	}

	id := uuid.NewString()
	outDir := m.paths.BatchDir(id)
	if err := fsutil.EnsureDir(store.BatchInputsDir(outDir)); err != nil {
		return nil, model.IOErrorf("create batch dir: %v", err)
	}

	results, errs := m.mat.MaterializeAll(ctx, req.Inputs, func(idx int) string {
		return filepath.Join(store.BatchInputsDir(outDir), strconv.Itoa(idx))
	})

	now := time.Now().UTC()
	b := &model.Batch{
		ID:        id,
		State:     model.StateQueued,
		Phase:     model.BatchPhaseValidate,
		CreatedAt: now,
		OutDir:    outDir,
		Options:   opts,
		Items:     make([]*model.BatchItem, len(req.Inputs)),
	}
	for i, desc := range req.Inputs {
		it := &model.BatchItem{
			Idx:                   i,
			Input:                 inputRef(desc),
			Source:                sourceOf(desc),
			State:                 model.StateQueued,
			Phase:                 model.PhaseQueued,
			VADMaxSingleSegmentMs: opts.VADMaxSingleSegmentMs,
			VADMaxEndSilenceMs:    opts.VADMaxEndSilenceMs,
		}
		if errs[i] != nil {
			fin := now
			it.State = model.StateFailed
			it.Phase = model.PhaseError
			it.FinishedAt = &fin
			it.Error = model.Classify(errs[i])
			metrics.BatchItems.WithLabelValues("failed").Inc()
			logger.Warn().
				Str("event", "batch.item_rejected").
				Str("batch_id", id).
				Int("idx", i).
				Str("code", string(it.Error.Code)).
				Msg("input materialization failed")
		} else {
			it.AudioPath = results[i].AudioPath
			it.OwnedInput = results[i].Owned
		}
		b.Items[i] = it
	}

	if err := store.WriteBatch(b); err != nil {
		_ = fsutil.RemoveTree(outDir)
		return nil, err
	}

	m.mu.Lock()
	m.batches[id] = b.Clone()
	m.mu.Unlock()

	taskCtx := log.ContextWithBatchID(m.lifeCtx, id)
	if rid := log.RequestIDFromContext(ctx); rid != "" {
		taskCtx = log.ContextWithRequestID(taskCtx, rid)
	}
	if _, err := m.q.Submit(taskCtx, "batch:"+id, func(runCtx context.Context) error {
		return m.run(runCtx, id)
	}); err != nil {
		m.mu.Lock()
		delete(m.batches, id)
		m.mu.Unlock()
		_ = fsutil.RemoveTree(outDir)
		return nil, model.Internalf("server is shutting down")
	}

	logger.Info().
		Str("event", "batch.created").
		Str("batch_id", id).
		Int("items", len(b.Items)).
		Bool("asr", opts.Tasks.ASR).
		Bool("demucs", opts.Tasks.Demucs).
		Msg("batch accepted")
	return b.Clone(), nil
}

// Get returns a snapshot of the batch, or false when unknown.
func (m *Manager) Get(id string) (*model.Batch, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// Cancel requests cooperative cancellation and returns the current snapshot.
// Terminal batches are a no-op; unknown ids are not_found. The runner picks
// the flag up between items; in-flight engine work is never interrupted.
func (m *Manager) Cancel(ctx context.Context, id string) (*model.Batch, error) {
	m.mu.Lock()
	b, ok := m.batches[id]
	if !ok {
		m.mu.Unlock()
		return nil, model.NewTaskError(model.CodeNotFound, "batch not found")
	}
	if b.State.IsTerminal() {
		snap := b.Clone()
		m.mu.Unlock()
		return snap, nil
	}
	b.CancelRequested = true
	snap := b.Clone()
	m.mu.Unlock()

	logger := log.WithComponentFromContext(ctx, "batch")
	// Best effort: the runner re-merges the flag before each of its own
	// writes, so a lost write here is recovered at the next transition.
	if err := store.WriteBatch(snap); err != nil {
		logger.Warn().
			Err(err).
			Str("event", "batch.persist_failed").
			Str("batch_id", id).
			Msg("cannot persist cancel request")
	}
	logger.Info().
		Str("event", "batch.cancel_requested").
		Str("batch_id", id).
		Msg("cancellation requested")
	return snap, nil
}

// canceled reads the authoritative in-memory cancel flag.
func (m *Manager) canceled(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	return ok && b.CancelRequested
}

// persist writes the record to disk and publishes the new snapshot. The
// cancel flag is merged from the in-memory record on both sides of the write
// so a concurrent Cancel is never erased by the runner's working copy.
func (m *Manager) persist(b *model.Batch) error {
	m.mu.Lock()
	if cur, ok := m.batches[b.ID]; ok && cur.CancelRequested {
		b.CancelRequested = true
	}
	m.mu.Unlock()

	if err := store.WriteBatch(b); err != nil {
		return err
	}

	m.mu.Lock()
	if cur, ok := m.batches[b.ID]; ok && cur.CancelRequested {
		b.CancelRequested = true
	}
	m.batches[b.ID] = b.Clone()
	m.mu.Unlock()
	return nil
}

// persistLogged is persist for transitions that must not abort the caller,
// such as terminal bookkeeping.
func (m *Manager) persistLogged(ctx context.Context, b *model.Batch) {
	if err := m.persist(b); err != nil {
		logger := log.WithComponentFromContext(ctx, "batch")
		logger.Error().
			Err(err).
			Str("event", "batch.persist_failed").
			Str("batch_id", b.ID).
			Msg("cannot persist batch record")
	}
}

// LoadExisting replays the batches directory at startup. Expired records are
// deleted, interrupted records and their non-terminal items are failed with
// no resume, everything else is registered for status reads.
func (m *Manager) LoadExisting(ctx context.Context) {
	logger := log.WithComponentFromContext(ctx, "batch")
	entries, err := os.ReadDir(m.paths.BatchesDir())
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("event", "batch.load_failed").Msg("cannot read batches dir")
		}
		return
	}

	now := time.Now().UTC()
	ttl := m.ttl()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.paths.BatchesDir(), entry.Name())

		b, err := store.LoadBatch(dir)
		if err != nil {
			if errors.Is(err, store.ErrAbsent) {
				if info, ierr := entry.Info(); ierr == nil && now.Sub(info.ModTime()) > ttl {
					_ = fsutil.RemoveTree(dir)
					metrics.ReaperRemoved.WithLabelValues("orphan").Inc()
					logger.Info().Str("event", "batch.orphan_removed").Str("dir", dir).Msg("removed unparseable batch dir past ttl")
				}
			} else {
				logger.Warn().Err(err).Str("event", "batch.load_failed").Str("dir", dir).Msg("skipping batch dir")
			}
			continue
		}

		if b.Expired(now) {
			_ = fsutil.RemoveTree(dir)
			metrics.ReaperRemoved.WithLabelValues("batch").Inc()
			logger.Info().Str("event", "batch.expired_removed").Str("batch_id", b.ID).Msg("removed expired batch at startup")
			continue
		}

		if !b.State.IsTerminal() {
			fin := now
			exp := now.Add(ttl)
			interrupted := model.NewTaskError(model.CodeInternalError, "interrupted by server restart")
			for _, it := range b.Items {
				if it.State.IsTerminal() {
					continue
				}
				itFin := fin
				it.State = model.StateFailed
				it.Phase = model.PhaseError
				it.FinishedAt = &itFin
				it.Error = interrupted.Clone()
			}
			b.State = model.StateFailed
			b.Phase = model.BatchPhaseError
			b.FinishedAt = &fin
			b.ExpiresAt = &exp
			b.Error = interrupted
			if err := store.WriteBatch(b); err != nil {
				logger.Error().Err(err).Str("event", "batch.persist_failed").Str("batch_id", b.ID).Msg("cannot mark batch interrupted")
			}
			metrics.Batches.WithLabelValues("interrupted").Inc()
			logger.Warn().Str("event", "batch.interrupted").Str("batch_id", b.ID).Msg("batch was queued or running at shutdown, marked failed")
		}

		m.mu.Lock()
		m.batches[b.ID] = b
		m.mu.Unlock()
	}
}

// SweepExpired drops terminal records past their TTL and deletes their
// directories. Returns how many batches were removed.
func (m *Manager) SweepExpired(now time.Time) int {
	type victim struct {
		id  string
		dir string
	}
	var victims []victim

	m.mu.RLock()
	for id, b := range m.batches {
		if b.Expired(now) {
			victims = append(victims, victim{id: id, dir: b.OutDir})
		}
	}
	m.mu.RUnlock()

	logger := log.WithComponent("batch")
	for _, v := range victims {
		_ = fsutil.RemoveTree(v.dir)
		m.mu.Lock()
		delete(m.batches, v.id)
		m.mu.Unlock()
		metrics.ReaperRemoved.WithLabelValues("batch").Inc()
		logger.Info().Str("event", "batch.reaped").Str("batch_id", v.id).Msg("expired batch removed")
	}
	return len(victims)
}

func inputRef(desc input.Descriptor) model.InputRef {
	ref := model.InputRef{Kind: sourceOf(desc)}
	switch desc.Kind {
	case input.KindUpload:
		ref.Filename = desc.Filename
	case input.KindPath:
		ref.Path = desc.Path
	case input.KindURL:
		ref.URL = desc.URL
	}
	return ref
}

func sourceOf(desc input.Descriptor) model.SourceKind {
	switch desc.Kind {
	case input.KindUpload:
		return model.SourceUpload
	case input.KindPath:
		return model.SourceAudioPath
	case input.KindURL:
		return model.SourceAudioURL
	default:
		return model.SourceUnknown
	}
}
