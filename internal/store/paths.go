// SPDX-License-Identifier: MIT

// Package store owns the on-disk layout of jobs and batches: directory
// structure, crash-atomic metadata writes and reconciliation of loaded
// records against the files actually present.
package store

import (
	"path/filepath"
	"strconv"

	"github.com/stemscribe/stemscribe/internal/fsutil"
)

// Metadata filenames inside job and batch directories.
const (
	JobMetaName   = "job.json"
	BatchMetaName = "batch.json"
)

// Paths derives every directory of the on-disk layout from the configured
// root.
type Paths struct {
	Root string
}

// NewPaths wraps the configured TMP_DIR root.
func NewPaths(root string) Paths {
	return Paths{Root: root}
}

// UploadsDir is the transient multipart spool.
func (p Paths) UploadsDir() string { return filepath.Join(p.Root, "uploads") }

// ScratchDir holds per-request scratch directories for synchronous
// endpoints.
func (p Paths) ScratchDir() string { return filepath.Join(p.Root, "out") }

// JobsDir holds one directory per job.
func (p Paths) JobsDir() string { return filepath.Join(p.Root, "jobs-v2") }

// BatchesDir holds one directory per batch.
func (p Paths) BatchesDir() string { return filepath.Join(p.Root, "batches") }

// JobDir is the per-job directory.
func (p Paths) JobDir(jobID string) string { return filepath.Join(p.JobsDir(), jobID) }

// BatchDir is the per-batch directory.
func (p Paths) BatchDir(batchID string) string { return filepath.Join(p.BatchesDir(), batchID) }

// Ensure creates the whole layout.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.Root, p.UploadsDir(), p.ScratchDir(), p.JobsDir(), p.BatchesDir()} {
		if err := fsutil.EnsureDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// BatchInputsDir holds the materialized inputs of a batch.
func BatchInputsDir(batchDir string) string { return filepath.Join(batchDir, "inputs") }

// ItemDir is the per-item artifact directory inside a batch.
func ItemDir(batchDir string, idx int) string {
	return filepath.Join(batchDir, "items", strconv.Itoa(idx))
}
