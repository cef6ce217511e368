// SPDX-License-Identifier: MIT

package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/stemscribe/stemscribe/internal/model"
)

// ErrAbsent is returned when a directory holds no parseable metadata. The
// caller treats such directories as orphans, eligible for the mtime-based
// TTL sweep.
var ErrAbsent = errors.New("metadata absent")

// LoadJob reads and reconciles the job record in dir. The stored outDir and
// artifact paths are rewritten against the directory's current location, and
// every artifact's ready flag is re-derived from a stat. Reconciliation is
// idempotent and never touches the files themselves.
func LoadJob(dir string) (*model.Job, error) {
	var job model.Job
	if err := readMeta(dir, JobMetaName, &job); err != nil {
		return nil, err
	}
	reconcileJob(&job, dir)
	return &job, nil
}

// LoadBatch reads and reconciles the batch record in dir.
func LoadBatch(dir string) (*model.Batch, error) {
	var batch model.Batch
	if err := readMeta(dir, BatchMetaName, &batch); err != nil {
		return nil, err
	}
	reconcileBatch(&batch, dir)
	return &batch, nil
}

func readMeta(dir, name string, v any) error {
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ErrAbsent
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return ErrAbsent
	}
	return nil
}

func reconcileJob(job *model.Job, dir string) {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	oldOut := job.OutDir
	job.OutDir = dir
	job.AudioPath = rebasePath(job.AudioPath, oldOut, dir)
	for key, art := range job.Artifacts {
		reconcileArtifact(art, key, dir, dir, oldOut)
	}
}

func reconcileBatch(batch *model.Batch, dir string) {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	oldOut := batch.OutDir
	batch.OutDir = dir
	for _, item := range batch.Items {
		item.AudioPath = rebasePath(item.AudioPath, oldOut, dir)
		itemDir := ItemDir(dir, item.Idx)
		for key, art := range item.Artifacts {
			reconcileArtifact(art, key, dir, itemDir, oldOut)
		}
	}
}

// reconcileArtifact rewrites the artifact path into the record's current
// location and re-derives ready/bytes from the filesystem. resolveBase
// anchors relative paths; fallbackDir is where the artifact belongs when the
// stored absolute path cannot be mapped into the current tree.
func reconcileArtifact(a *model.Artifact, key, resolveBase, fallbackDir, oldBase string) {
	if a.Name == "" {
		if fn := model.ArtifactFileName(key); fn != "" {
			a.Name = fn
		} else if a.Path != "" {
			a.Name = filepath.Base(a.Path)
		}
	}

	switch {
	case a.Path == "":
		a.Path = filepath.Join(fallbackDir, a.Name)
	case !filepath.IsAbs(a.Path):
		a.Path = filepath.Join(resolveBase, a.Path)
	default:
		a.Path = rebasePath(a.Path, oldBase, resolveBase)
		if !pathWithin(resolveBase, a.Path) {
			a.Path = filepath.Join(fallbackDir, a.Name)
		}
	}

	if info, err := os.Stat(a.Path); err == nil && info.Mode().IsRegular() {
		a.Ready = true
		a.Bytes = info.Size()
	} else {
		a.Ready = false
		a.Bytes = 0
	}
}

// rebasePath maps a path recorded under oldBase onto newBase. Paths outside
// oldBase (unowned inputs, foreign locations) pass through unchanged.
func rebasePath(p, oldBase, newBase string) string {
	if p == "" || oldBase == "" || oldBase == newBase {
		return p
	}
	rel, err := filepath.Rel(oldBase, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return filepath.Join(newBase, rel)
}

func pathWithin(base, p string) bool {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
