// SPDX-License-Identifier: MIT

package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/stemscribe/stemscribe/internal/engine"
	"github.com/stemscribe/stemscribe/internal/engine/asr"
	"github.com/stemscribe/stemscribe/internal/fsutil"
	"github.com/stemscribe/stemscribe/internal/log"
	"github.com/stemscribe/stemscribe/internal/metrics"
	"github.com/stemscribe/stemscribe/internal/model"
	"github.com/stemscribe/stemscribe/internal/store"
	"github.com/stemscribe/stemscribe/internal/telemetry"
)

const separatedDirName = "separated"

// run drives one batch stage-first on the queue's goroutine: the ASR stage
// for every item in index order, then separation for every item that came
// back queued. It always leaves the record terminal.
func (m *Manager) run(ctx context.Context, id string) (err error) {
	m.mu.RLock()
	b := m.batches[id].Clone()
	m.mu.RUnlock()
	if b == nil {
		return model.Internalf("batch %s vanished before start", id)
	}

	ctx, span := telemetry.Tracer("stemscribe.batch").Start(ctx, "batch.run")
	span.SetAttributes(telemetry.BatchAttributes(b.ID, len(b.Items))...)
	defer span.End()

	logger := log.WithComponentFromContext(ctx, "batch")
	defer func() {
		if r := recover(); r != nil {
			err = model.Internalf("batch panicked: %v", r)
			m.failBatch(ctx, b, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
		}
	}()

	now := time.Now().UTC()
	b.State = model.StateRunning
	b.StartedAt = &now
	b.Phase = model.BatchPhaseValidate
	if err := m.persist(b); err != nil {
		m.failBatch(ctx, b, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(model.Classify(err).Code))
		return err
	}
	logger.Info().
		Str("event", "batch.started").
		Int("items", len(b.Items)).
		Msg("batch started")

	wasCanceled := false
	if b.Options.Tasks.ASR {
		wasCanceled = m.stageASR(ctx, b)
	}
	if !wasCanceled && b.Options.Tasks.Demucs {
		wasCanceled = m.stageDemucs(ctx, b)
	}
	if wasCanceled {
		m.cancelRemaining(ctx, b)
	}

	m.finalize(ctx, b)
	span.SetStatus(codes.Ok, "")
	return nil
}

// stageASR transcodes and recognizes every queued item in index order.
// Returns true when a cancel request interrupted the stage.
func (m *Manager) stageASR(ctx context.Context, b *model.Batch) bool {
	b.Phase = model.BatchPhaseASR
	m.persistLogged(ctx, b)

	for _, it := range b.Items {
		if m.canceled(b.ID) {
			return true
		}
		if it.State != model.StateQueued {
			continue
		}
		if err := m.itemASR(ctx, b, it); err != nil {
			m.failItem(ctx, b, it, err)
			continue
		}
		if b.Options.Tasks.Demucs {
			// Hand the item back for stage two.
			it.State = model.StateQueued
			it.Phase = model.PhaseQueued
			m.persistLogged(ctx, b)
		} else {
			m.succeedItem(ctx, b, it)
		}
	}
	return false
}

// stageDemucs separates and packs every item still queued after stage one.
// Returns true when a cancel request interrupted the stage.
func (m *Manager) stageDemucs(ctx context.Context, b *model.Batch) bool {
	b.Phase = model.BatchPhaseDemucs
	m.persistLogged(ctx, b)

	for _, it := range b.Items {
		if m.canceled(b.ID) {
			return true
		}
		if it.State != model.StateQueued {
			continue
		}
		if err := m.itemDemucs(ctx, b, it); err != nil {
			m.failItem(ctx, b, it, err)
			continue
		}
		m.succeedItem(ctx, b, it)
	}
	return false
}

func (m *Manager) itemASR(ctx context.Context, b *model.Batch, it *model.BatchItem) error {
	itemDir := store.ItemDir(b.OutDir, it.Idx)
	if err := fsutil.EnsureDir(itemDir); err != nil {
		return model.IOErrorf("create item dir: %v", err)
	}

	now := time.Now().UTC()
	it.State = model.StateRunning
	if it.StartedAt == nil {
		it.StartedAt = &now
	}
	it.Phase = model.PhaseASRConvert
	if err := m.persist(b); err != nil {
		return err
	}

	wav := filepath.Join(itemDir, "asr.wav")
	if err := m.eng.Transcoder.Transcode(ctx, it.AudioPath, wav); err != nil {
		return err
	}

	it.Phase = model.PhaseASR
	if err := m.persist(b); err != nil {
		return err
	}
	srtPath, err := m.eng.Recognizer.Recognize(ctx, asr.Request{
		AudioPath:             wav,
		OutDir:                itemDir,
		VADMaxSingleSegmentMs: it.VADMaxSingleSegmentMs,
		VADMaxEndSilenceMs:    it.VADMaxEndSilenceMs,
	})
	if err != nil {
		return err
	}

	dest := filepath.Join(itemDir, model.ArtifactFileName(model.ArtifactSRT))
	if srtPath != dest {
		if err := fsutil.MoveFile(srtPath, dest); err != nil {
			return model.IOErrorf("relocate srt: %v", err)
		}
	}
	if err := m.publishItemArtifacts(ctx, b, it, map[string]string{model.ArtifactSRT: dest}); err != nil {
		return err
	}

	discardFile(ctx, wav)
	return nil
}

func (m *Manager) itemDemucs(ctx context.Context, b *model.Batch, it *model.BatchItem) error {
	itemDir := store.ItemDir(b.OutDir, it.Idx)
	if err := fsutil.EnsureDir(itemDir); err != nil {
		return model.IOErrorf("create item dir: %v", err)
	}

	now := time.Now().UTC()
	it.State = model.StateRunning
	if it.StartedAt == nil {
		it.StartedAt = &now
	}
	it.Phase = model.PhaseDemucs
	if err := m.persist(b); err != nil {
		return err
	}

	rawDir := filepath.Join(itemDir, separatedDirName)
	stems, err := m.eng.Separator.Separate(ctx, it.AudioPath, rawDir)
	if err != nil {
		return err
	}

	vocals := filepath.Join(itemDir, model.ArtifactFileName(model.ArtifactVocals))
	noVocals := filepath.Join(itemDir, model.ArtifactFileName(model.ArtifactNoVocals))
	if err := fsutil.MoveFile(stems.Vocals, vocals); err != nil {
		return model.IOErrorf("relocate vocals stem: %v", err)
	}
	if err := fsutil.MoveFile(stems.NoVocals, noVocals); err != nil {
		return model.IOErrorf("relocate no_vocals stem: %v", err)
	}
	if err := m.publishItemArtifacts(ctx, b, it, map[string]string{
		model.ArtifactVocals:   vocals,
		model.ArtifactNoVocals: noVocals,
	}); err != nil {
		return err
	}

	it.Phase = model.PhaseZipDemucs
	if err := m.persist(b); err != nil {
		return err
	}
	demucsZip := filepath.Join(itemDir, model.ArtifactFileName(model.ArtifactDemucsZip))
	if err := engine.Pack(ctx, demucsZip, []engine.ZipEntry{
		{SourcePath: vocals, ArchiveName: model.ArtifactFileName(model.ArtifactVocals)},
		{SourcePath: noVocals, ArchiveName: model.ArtifactFileName(model.ArtifactNoVocals)},
	}); err != nil {
		return err
	}
	if err := m.publishItemArtifacts(ctx, b, it, map[string]string{model.ArtifactDemucsZip: demucsZip}); err != nil {
		return err
	}

	if srt := it.Artifacts[model.ArtifactSRT]; b.Options.Tasks.ASR && srt != nil && srt.Ready {
		it.Phase = model.PhaseZipResult
		if err := m.persist(b); err != nil {
			return err
		}
		resultZip := filepath.Join(itemDir, model.ArtifactFileName(model.ArtifactResultZip))
		if err := engine.Pack(ctx, resultZip, []engine.ZipEntry{
			{SourcePath: srt.Path, ArchiveName: model.ArtifactFileName(model.ArtifactSRT)},
			{SourcePath: vocals, ArchiveName: model.ArtifactFileName(model.ArtifactVocals)},
			{SourcePath: noVocals, ArchiveName: model.ArtifactFileName(model.ArtifactNoVocals)},
		}); err != nil {
			return err
		}
		if err := m.publishItemArtifacts(ctx, b, it, map[string]string{model.ArtifactResultZip: resultZip}); err != nil {
			return err
		}
	}

	discardTree(ctx, rawDir)
	return nil
}

// publishItemArtifacts stats each produced file, marks it ready on the item
// and persists the whole batch once.
func (m *Manager) publishItemArtifacts(ctx context.Context, b *model.Batch, it *model.BatchItem, produced map[string]string) error {
	if it.Artifacts == nil {
		it.Artifacts = make(map[string]*model.Artifact, len(produced))
	}
	logger := log.WithComponentFromContext(ctx, "batch")
	for key, path := range produced {
		info, err := os.Stat(path)
		if err != nil {
			return model.IOErrorf("stat artifact %s: %v", key, err)
		}
		it.Artifacts[key] = &model.Artifact{
			Name:  model.ArtifactFileName(key),
			Path:  path,
			Ready: true,
			Bytes: info.Size(),
		}
		logger.Info().
			Str("event", "batch.artifact_published").
			Int("idx", it.Idx).
			Str("artifact", key).
			Int64("bytes", info.Size()).
			Msg("artifact ready")
	}
	return m.persist(b)
}

func (m *Manager) succeedItem(ctx context.Context, b *model.Batch, it *model.BatchItem) {
	now := time.Now().UTC()
	it.State = model.StateSucceeded
	it.Phase = model.PhaseDone
	it.FinishedAt = &now
	m.releaseItemInput(ctx, it)
	m.persistLogged(ctx, b)
	metrics.BatchItems.WithLabelValues("succeeded").Inc()
	logger := log.WithComponentFromContext(ctx, "batch")
	logger.Info().
		Str("event", "batch.item_succeeded").
		Int("idx", it.Idx).
		Msg("item finished")
}

func (m *Manager) failItem(ctx context.Context, b *model.Batch, it *model.BatchItem, cause error) {
	if errors.Is(cause, context.Canceled) {
		cause = model.Internalf("interrupted by shutdown")
	}
	taskErr := model.Classify(cause)

	now := time.Now().UTC()
	it.State = model.StateFailed
	it.Phase = model.PhaseError
	it.FinishedAt = &now
	it.Error = taskErr
	m.releaseItemInput(ctx, it)
	m.persistLogged(ctx, b)
	metrics.BatchItems.WithLabelValues("failed").Inc()
	logger := log.WithComponentFromContext(ctx, "batch")
	logger.Warn().
		Str("event", "batch.item_failed").
		Int("idx", it.Idx).
		Str("code", string(taskErr.Code)).
		Str("message", taskErr.Message).
		Msg("item failed")
}

// cancelRemaining marks every still-queued item canceled and releases its
// input. Item phase is left where it stopped; state carries the outcome.
func (m *Manager) cancelRemaining(ctx context.Context, b *model.Batch) {
	now := time.Now().UTC()
	n := 0
	for _, it := range b.Items {
		if it.State != model.StateQueued {
			continue
		}
		fin := now
		it.State = model.StateCanceled
		it.FinishedAt = &fin
		m.releaseItemInput(ctx, it)
		metrics.BatchItems.WithLabelValues("canceled").Inc()
		n++
	}
	m.persistLogged(ctx, b)
	logger := log.WithComponentFromContext(ctx, "batch")
	logger.Info().
		Str("event", "batch.canceled").
		Int("canceled_items", n).
		Msg("cancel request honored")
}

// finalize derives the batch outcome from its items and seals the record.
func (m *Manager) finalize(ctx context.Context, b *model.Batch) {
	if b.State.IsTerminal() {
		return
	}
	now := time.Now().UTC()
	exp := now.Add(m.ttl())
	b.State = b.TerminalState()
	if b.State == model.StateFailed {
		b.Phase = model.BatchPhaseError
	} else {
		b.Phase = model.BatchPhaseDone
	}
	b.FinishedAt = &now
	b.ExpiresAt = &exp
	m.persistLogged(ctx, b)
	metrics.Batches.WithLabelValues(string(b.State)).Inc()

	c := b.Counts()
	logger := log.WithComponentFromContext(ctx, "batch")
	logger.Info().
		Str("event", "batch.finished").
		Str("state", string(b.State)).
		Int("succeeded", c.Succeeded).
		Int("failed", c.Failed).
		Int("canceled", c.Canceled).
		Msg("batch finished")
}

// failBatch seals the batch after an engine-level fault (not an item
// failure): the cause is recorded on the batch and every non-terminal item.
func (m *Manager) failBatch(ctx context.Context, b *model.Batch, cause error) {
	if b.State.IsTerminal() {
		return
	}
	if errors.Is(cause, context.Canceled) {
		cause = model.Internalf("interrupted by shutdown")
	}
	taskErr := model.Classify(cause)

	now := time.Now().UTC()
	exp := now.Add(m.ttl())
	for _, it := range b.Items {
		if it.State.IsTerminal() {
			continue
		}
		fin := now
		it.State = model.StateFailed
		it.Phase = model.PhaseError
		it.FinishedAt = &fin
		it.Error = taskErr.Clone()
		m.releaseItemInput(ctx, it)
		metrics.BatchItems.WithLabelValues("failed").Inc()
	}
	b.State = model.StateFailed
	b.Phase = model.BatchPhaseError
	b.FinishedAt = &now
	b.ExpiresAt = &exp
	b.Error = taskErr
	m.persistLogged(ctx, b)
	metrics.Batches.WithLabelValues("failed").Inc()
	logger := log.WithComponentFromContext(ctx, "batch")
	logger.Error().
		Str("event", "batch.failed").
		Str("code", string(taskErr.Code)).
		Str("message", taskErr.Message).
		Msg("batch failed")
}

func (m *Manager) releaseItemInput(ctx context.Context, it *model.BatchItem) {
	if !it.OwnedInput || it.AudioPath == "" {
		return
	}
	discardFile(ctx, it.AudioPath)
}

// discardFile removes an intermediate or released input. Best effort: a
// leftover costs disk until the reaper gets it, not correctness.
func discardFile(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.WithComponentFromContext(ctx, "batch").Warn().
			Err(err).
			Str("event", "batch.cleanup_failed").
			Str("path", path).
			Msg("intermediate removal failed")
	}
}

func discardTree(ctx context.Context, path string) {
	if err := fsutil.RemoveTree(path); err != nil {
		log.WithComponentFromContext(ctx, "batch").Warn().
			Err(err).
			Str("event", "batch.cleanup_failed").
			Str("path", path).
			Msg("intermediate tree removal failed")
	}
}
