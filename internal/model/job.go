// SPDX-License-Identifier: MIT

// Package model defines the job, batch and artifact records the orchestrator
// persists and serves, together with the error taxonomy shared by every
// pipeline stage.
package model

import (
	"fmt"
	"strings"
	"time"
)

// JobType selects which engines a job runs.
type JobType string

const (
	TypeASR       JobType = "asr"
	TypeDemucs    JobType = "demucs"
	TypeASRDemucs JobType = "asr-demucs"
)

// ParseJobType normalizes a client-supplied type string. The combined type
// has accumulated aliases over time; an empty string selects it as well.
func ParseJobType(raw string) (JobType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "asr":
		return TypeASR, nil
	case "demucs":
		return TypeDemucs, nil
	case "", "asr-demucs", "demucs-asr", "demucsasr", "asr+demucs":
		return TypeASRDemucs, nil
	default:
		return "", NewTaskError(CodeBadRequest, fmt.Sprintf("unknown job type %q", raw))
	}
}

// WantsASR reports whether the type includes the recognition stage.
func (t JobType) WantsASR() bool { return t == TypeASR || t == TypeASRDemucs }

// WantsDemucs reports whether the type includes the separation stage.
func (t JobType) WantsDemucs() bool { return t == TypeDemucs || t == TypeASRDemucs }

// JobState is the coarse client-visible lifecycle of a job.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateCanceled  JobState = "canceled"
)

// IsTerminal returns true if the state is a final state.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Phase is the fine-grained pipeline position within a running job or item.
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseASRConvert Phase = "asr_convert"
	PhaseASR        Phase = "asr"
	PhaseDemucs     Phase = "demucs"
	PhaseZipDemucs  Phase = "zip_demucs"
	PhaseZipResult  Phase = "zip_result"
	PhaseDone       Phase = "done"
	PhaseError      Phase = "error"
)

// SourceKind records where a job's input came from.
type SourceKind string

const (
	SourceUpload    SourceKind = "upload"
	SourceAudioPath SourceKind = "audioPath"
	SourceAudioURL  SourceKind = "audioUrl"
	SourceUnknown   SourceKind = "unknown"
)

// Job is the persisted record of a single-item pipeline. It is serialized
// verbatim to job.json inside OutDir; the file is the source of truth and
// the in-memory copy is a cache.
type Job struct {
	ID        string     `json:"id"`
	Type      JobType    `json:"type"`
	State     JobState   `json:"state"`
	Phase     Phase      `json:"phase"`
	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	// FinishedAt and ExpiresAt are set together at the terminal transition.
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`

	OutDir string `json:"outDir"`

	Source SourceKind `json:"source"`
	// AudioPath is the absolute path of the input the engines read.
	AudioPath string `json:"audioPath,omitempty"`
	// CleanupAudioOnFinish is true when the input is owned by this job
	// (upload or URL download) and must be removed at the terminal
	// transition. Referenced local paths are never deleted.
	CleanupAudioOnFinish bool `json:"cleanupAudioOnFinish"`

	VADMaxSingleSegmentMs int `json:"vadMaxSingleSegmentMs,omitempty"`
	VADMaxEndSilenceMs    int `json:"vadMaxEndSilenceMs,omitempty"`

	Artifacts map[string]*Artifact `json:"artifacts,omitempty"`
	Error     *TaskError           `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.StartedAt = cloneTime(j.StartedAt)
	out.FinishedAt = cloneTime(j.FinishedAt)
	out.ExpiresAt = cloneTime(j.ExpiresAt)
	out.Artifacts = cloneArtifacts(j.Artifacts)
	out.Error = j.Error.Clone()
	return &out
}

// Expired reports whether the record is terminal and past its TTL.
func (j *Job) Expired(now time.Time) bool {
	return j.State.IsTerminal() && j.ExpiresAt != nil && now.After(*j.ExpiresAt)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
