// SPDX-License-Identifier: MIT

package job

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
	"github.com/stemscribe/stemscribe/internal/telemetry"
)

// separatedDirName is where the separator dumps its model/track tree inside
// the job dir. The tree is deleted once the stems are relocated.
const separatedDirName = "separated"

// run executes one job end to end on the queue's goroutine. It always leaves
// the record terminal.
func (m *Manager) run(ctx context.Context, id string) (err error) {
	m.mu.RLock()
	j := m.jobs[id].Clone()
	m.mu.RUnlock()
	if j == nil {
		return model.Internalf("job %s vanished before start", id)
	}

	ctx, span := telemetry.Tracer("stemscribe.job").Start(ctx, "job.run")
	span.SetAttributes(telemetry.JobAttributes(j.ID, string(j.Type))...)
	defer span.End()

	logger := log.WithComponentFromContext(ctx, "job")
	defer func() {
		if r := recover(); r != nil {
			err = model.Internalf("job panicked: %v", r)
			m.finalizeFailure(ctx, j, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
		}
	}()

	start := time.Now()
	now := start.UTC()
	j.State = model.StateRunning
	j.StartedAt = &now
	j.Phase = firstPhase(j.Type)
	if err := m.persist(j); err != nil {
		m.finalizeFailure(ctx, j, err)
		return err
	}
	logger.Info().
		Str("event", "job.started").
		Str("type", string(j.Type)).
		Msg("job started")

	stageErr := m.runStages(ctx, j)
	metrics.JobDuration.WithLabelValues(string(j.Type)).Observe(time.Since(start).Seconds())

	if stageErr != nil {
		m.finalizeFailure(ctx, j, stageErr)
		metrics.Jobs.WithLabelValues(string(j.Type), "failed").Inc()
		span.RecordError(stageErr)
		span.SetStatus(codes.Error, string(model.Classify(stageErr).Code))
		return stageErr
	}
	m.finalizeSuccess(ctx, j)
	metrics.Jobs.WithLabelValues(string(j.Type), "succeeded").Inc()
	span.SetStatus(codes.Ok, "")
	return nil
}

func (m *Manager) runStages(ctx context.Context, j *model.Job) error {
	if j.Type.WantsASR() {
		if err := m.stageASR(ctx, j); err != nil {
			return err
		}
	}
	if j.Type.WantsDemucs() {
		if err := m.stageDemucs(ctx, j); err != nil {
			return err
		}
	}
	if j.Type == model.TypeASRDemucs {
		if err := m.stageResultZip(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

// stageASR converts the input to the recognizer's WAV format, recognizes it
// and publishes the relocated SRT. The intermediate WAV is removed afterwards.
func (m *Manager) stageASR(ctx context.Context, j *model.Job) error {
	wav := filepath.Join(j.OutDir, "asr.wav")

	if err := m.phase(j, model.PhaseASRConvert); err != nil {
		return err
	}
	if err := m.eng.Transcoder.Transcode(ctx, j.AudioPath, wav); err != nil {
		return err
	}

	if err := m.phase(j, model.PhaseASR); err != nil {
		return err
	}
	srtPath, err := m.eng.Recognizer.Recognize(ctx, asr.Request{
		AudioPath:             wav,
		OutDir:                j.OutDir,
		VADMaxSingleSegmentMs: j.VADMaxSingleSegmentMs,
		VADMaxEndSilenceMs:    j.VADMaxEndSilenceMs,
	})
	if err != nil {
		return err
	}

	dest := filepath.Join(j.OutDir, model.ArtifactFileName(model.ArtifactSRT))
	if srtPath != dest {
		if err := fsutil.MoveFile(srtPath, dest); err != nil {
			return model.IOErrorf("relocate srt: %v", err)
		}
	}
	if err := m.publishArtifacts(ctx, j, map[string]string{model.ArtifactSRT: dest}); err != nil {
		return err
	}

	discardFile(ctx, wav)
	return nil
}

// stageDemucs separates the input, relocates the stems to their stable names,
// publishes them and packs demucs.zip. The separator's raw tree is removed
// afterwards.
func (m *Manager) stageDemucs(ctx context.Context, j *model.Job) error {
	rawDir := filepath.Join(j.OutDir, separatedDirName)

	if err := m.phase(j, model.PhaseDemucs); err != nil {
		return err
	}
	stems, err := m.eng.Separator.Separate(ctx, j.AudioPath, rawDir)
	if err != nil {
		return err
	}

	vocals := filepath.Join(j.OutDir, model.ArtifactFileName(model.ArtifactVocals))
	noVocals := filepath.Join(j.OutDir, model.ArtifactFileName(model.ArtifactNoVocals))
	if err := fsutil.MoveFile(stems.Vocals, vocals); err != nil {
		return model.IOErrorf("relocate vocals stem: %v", err)
	}
	if err := fsutil.MoveFile(stems.NoVocals, noVocals); err != nil {
		return model.IOErrorf("relocate no_vocals stem: %v", err)
	}
	if err := m.publishArtifacts(ctx, j, map[string]string{
		model.ArtifactVocals:   vocals,
		model.ArtifactNoVocals: noVocals,
	}); err != nil {
		return err
	}

	if err := m.phase(j, model.PhaseZipDemucs); err != nil {
		return err
	}
	zipPath := filepath.Join(j.OutDir, model.ArtifactFileName(model.ArtifactDemucsZip))
	if err := engine.Pack(ctx, zipPath, []engine.ZipEntry{
		{SourcePath: vocals, ArchiveName: model.ArtifactFileName(model.ArtifactVocals)},
		{SourcePath: noVocals, ArchiveName: model.ArtifactFileName(model.ArtifactNoVocals)},
	}); err != nil {
		return err
	}
	if err := m.publishArtifacts(ctx, j, map[string]string{model.ArtifactDemucsZip: zipPath}); err != nil {
		return err
	}

	discardTree(ctx, rawDir)
	return nil
}

// stageResultZip bundles the SRT and both stems for the combined type.
func (m *Manager) stageResultZip(ctx context.Context, j *model.Job) error {
	if err := m.phase(j, model.PhaseZipResult); err != nil {
		return err
	}
	zipPath := filepath.Join(j.OutDir, model.ArtifactFileName(model.ArtifactResultZip))
	var entries []engine.ZipEntry
	for _, key := range []string{model.ArtifactSRT, model.ArtifactVocals, model.ArtifactNoVocals} {
		name := model.ArtifactFileName(key)
		entries = append(entries, engine.ZipEntry{
			SourcePath:  filepath.Join(j.OutDir, name),
			ArchiveName: name,
		})
	}
	if err := engine.Pack(ctx, zipPath, entries); err != nil {
		return err
	}
	return m.publishArtifacts(ctx, j, map[string]string{model.ArtifactResultZip: zipPath})
}

// phase records a stage transition. Persisting before the stage runs keeps
// the on-disk record at most one step behind reality.
func (m *Manager) phase(j *model.Job, p model.Phase) error {
	if j.Phase == p {
		return nil
	}
	j.Phase = p
	return m.persist(j)
}

// publishArtifacts stats each produced file, marks it ready with its size and
// persists once. Clients see the artifact no earlier than this write.
func (m *Manager) publishArtifacts(ctx context.Context, j *model.Job, produced map[string]string) error {
	if j.Artifacts == nil {
		j.Artifacts = make(map[string]*model.Artifact, len(produced))
	}
	logger := log.WithComponentFromContext(ctx, "job")
	for key, path := range produced {
		info, err := os.Stat(path)
		if err != nil {
			return model.IOErrorf("stat artifact %s: %v", key, err)
		}
		j.Artifacts[key] = &model.Artifact{
			Name:  model.ArtifactFileName(key),
			Path:  path,
			Ready: true,
			Bytes: info.Size(),
		}
		logger.Info().
			Str("event", "job.artifact_published").
			Str("artifact", key).
			Int64("bytes", info.Size()).
			Msg("artifact ready")
	}
	return m.persist(j)
}

func (m *Manager) finalizeSuccess(ctx context.Context, j *model.Job) {
	logger := log.WithComponentFromContext(ctx, "job")
	now := time.Now().UTC()
	exp := now.Add(m.ttl())
	j.State = model.StateSucceeded
	j.Phase = model.PhaseDone
	j.FinishedAt = &now
	j.ExpiresAt = &exp
	if err := m.persist(j); err != nil {
		logger.Error().Err(err).Str("event", "job.persist_failed").Msg("cannot persist terminal state")
	}
	m.releaseInput(ctx, j)
	logger.Info().Str("event", "job.succeeded").Msg("job finished")
}

func (m *Manager) finalizeFailure(ctx context.Context, j *model.Job, cause error) {
	if j.State.IsTerminal() {
		return
	}
	logger := log.WithComponentFromContext(ctx, "job")

	if errors.Is(cause, context.Canceled) {
		cause = model.Internalf("interrupted by shutdown")
	}
	taskErr := model.Classify(cause)

	now := time.Now().UTC()
	exp := now.Add(m.ttl())
	j.State = model.StateFailed
	j.Phase = model.PhaseError
	j.FinishedAt = &now
	j.ExpiresAt = &exp
	j.Error = taskErr
	if err := m.persist(j); err != nil {
		logger.Error().Err(err).Str("event", "job.persist_failed").Msg("cannot persist terminal state")
	}
	m.releaseInput(ctx, j)
	logger.Warn().
		Str("event", "job.failed").
		Str("code", string(taskErr.Code)).
		Str("message", taskErr.Message).
		Msg("job failed")
}

// releaseInput removes the input file when the job owns it. Referenced local
// paths are left alone.
func (m *Manager) releaseInput(ctx context.Context, j *model.Job) {
	if !j.CleanupAudioOnFinish || j.AudioPath == "" {
		return
	}
	discardFile(ctx, j.AudioPath)
}

func firstPhase(t model.JobType) model.Phase {
	if t.WantsASR() {
		return model.PhaseASRConvert
	}
	return model.PhaseDemucs
}

// discardFile removes an intermediate. Best effort: a leftover file costs
// disk until the reaper gets it, not correctness.
func discardFile(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger := log.WithComponentFromContext(ctx, "job")
		logger.Warn().
			Err(err).
			Str("event", "job.cleanup_failed").
			Str("path", path).
			Msg("intermediate removal failed")
	}
}

func discardTree(ctx context.Context, path string) {
	if err := fsutil.RemoveTree(path); err != nil {
		logger := log.WithComponentFromContext(ctx, "job")
		logger.Warn().
			Err(err).
			Str("event", "job.cleanup_failed").
			Str("path", path).
			Msg("intermediate tree removal failed")
	}
}
