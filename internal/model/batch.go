// SPDX-License-Identifier: MIT

package model

import "time"

// PolicyStageFirst is the only batch scheduling policy: run the ASR stage
// for every item, then the separation stage for every item still queued.
const PolicyStageFirst = "stage-first"

// MaxBatchItems bounds items[] at creation.
const MaxBatchItems = 10

// BatchPhase is the stage the batch scheduler is currently driving.
type BatchPhase string

const (
	BatchPhaseValidate BatchPhase = "validate"
	BatchPhaseASR      BatchPhase = "asr"
	BatchPhaseDemucs   BatchPhase = "demucs"
	BatchPhaseDone     BatchPhase = "done"
	BatchPhaseError    BatchPhase = "error"
)

// BatchTasks selects which stages the batch runs.
type BatchTasks struct {
	ASR    bool `json:"asr"`
	Demucs bool `json:"demucs"`
}

// BatchOptions are fixed at creation time.
type BatchOptions struct {
	Policy                string     `json:"policy"`
	Tasks                 BatchTasks `json:"tasks"`
	VADMaxSingleSegmentMs int        `json:"vadMaxSingleSegmentMs,omitempty"`
	VADMaxEndSilenceMs    int        `json:"vadMaxEndSilenceMs,omitempty"`
}

// InputRef describes where a batch item's input came from. For uploads only
// the client filename is kept; the spooled temp file is gone once the input
// has been materialized into the batch directory.
type InputRef struct {
	Kind     SourceKind `json:"kind"`
	Filename string     `json:"filename,omitempty"`
	Path     string     `json:"path,omitempty"`
	URL      string     `json:"url,omitempty"`
}

// BatchItem is one unit of work inside a batch. Items share the batch
// directory: the input lives at inputs/<idx>.<ext> and artifacts under
// items/<idx>/.
type BatchItem struct {
	Idx        int        `json:"idx"`
	Input      InputRef   `json:"input"`
	Source     SourceKind `json:"source"`
	AudioPath  string     `json:"audioPath,omitempty"`
	OwnedInput bool       `json:"ownedInput"`

	State      JobState   `json:"state"`
	Phase      Phase      `json:"phase"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	VADMaxSingleSegmentMs int `json:"vadMaxSingleSegmentMs,omitempty"`
	VADMaxEndSilenceMs    int `json:"vadMaxEndSilenceMs,omitempty"`

	Artifacts map[string]*Artifact `json:"artifacts,omitempty"`
	Error     *TaskError           `json:"error,omitempty"`
}

// Clone returns a deep copy of the item.
func (it *BatchItem) Clone() *BatchItem {
	if it == nil {
		return nil
	}
	out := *it
	out.StartedAt = cloneTime(it.StartedAt)
	out.FinishedAt = cloneTime(it.FinishedAt)
	out.Artifacts = cloneArtifacts(it.Artifacts)
	out.Error = it.Error.Clone()
	return &out
}

// Batch is the persisted record of a multi-item run, serialized to
// batch.json inside OutDir.
type Batch struct {
	ID        string     `json:"id"`
	State     JobState   `json:"state"`
	Phase     BatchPhase `json:"phase"`
	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	// FinishedAt and ExpiresAt are set together at the terminal transition.
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`

	OutDir string `json:"outDir"`

	Options BatchOptions `json:"options"`
	Items   []*BatchItem `json:"items"`

	CancelRequested bool       `json:"cancelRequested"`
	Error           *TaskError `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	out := *b
	out.StartedAt = cloneTime(b.StartedAt)
	out.FinishedAt = cloneTime(b.FinishedAt)
	out.ExpiresAt = cloneTime(b.ExpiresAt)
	out.Error = b.Error.Clone()
	if b.Items != nil {
		out.Items = make([]*BatchItem, len(b.Items))
		for i, it := range b.Items {
			out.Items[i] = it.Clone()
		}
	}
	return &out
}

// Expired reports whether the record is terminal and past its TTL.
func (b *Batch) Expired(now time.Time) bool {
	return b.State.IsTerminal() && b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// BatchCounts summarizes item states for the status document.
type BatchCounts struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
}

// Counts tallies the items by state.
func (b *Batch) Counts() BatchCounts {
	c := BatchCounts{Total: len(b.Items)}
	for _, it := range b.Items {
		switch it.State {
		case StateQueued:
			c.Queued++
		case StateRunning:
			c.Running++
		case StateSucceeded:
			c.Succeeded++
		case StateFailed:
			c.Failed++
		case StateCanceled:
			c.Canceled++
		}
	}
	return c
}

// TerminalState derives the batch outcome from its items: canceled wins only
// when nothing failed, any failure makes the batch failed, otherwise
// succeeded.
func (b *Batch) TerminalState() JobState {
	c := b.Counts()
	switch {
	case c.Canceled > 0 && c.Failed == 0:
		return StateCanceled
	case c.Failed > 0:
		return StateFailed
	default:
		return StateSucceeded
	}
}
