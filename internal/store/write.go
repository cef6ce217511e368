// SPDX-License-Identifier: MIT

package store

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/stemscribe/stemscribe/internal/model"
)

// WriteJob persists the job record into its OutDir.
func WriteJob(job *model.Job) error {
	return writeMetaAtomic(job.OutDir, JobMetaName, job)
}

// WriteBatch persists the batch record into its OutDir.
func WriteBatch(batch *model.Batch) error {
	return writeMetaAtomic(batch.OutDir, BatchMetaName, batch)
}

// writeMetaAtomic serializes v to a unique temp file next to the target and
// renames it into place, fsyncing first. If the rename reports an existing
// destination the target is removed and the write retried once; every other
// failure surfaces as io_error.
func writeMetaAtomic(dir, name string, v any) error {
	path := filepath.Join(dir, name)
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return model.IOErrorf("marshal %s: %v", name, err)
	}

	if err := replaceFile(path, data); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return model.IOErrorf("write %s: %v", path, err)
		}
		if rmErr := os.Remove(path); rmErr != nil {
			return model.IOErrorf("remove stale %s: %v", path, rmErr)
		}
		if err := replaceFile(path, data); err != nil {
			return model.IOErrorf("write %s after retry: %v", path, err)
		}
	}
	return nil
}

func replaceFile(path string, data []byte) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return err
	}
	defer func() {
		// renameio removes the temp file unless it was committed.
		_ = pending.Cleanup()
	}()

	if _, err := pending.Write(data); err != nil {
		return err
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return err
	}
	return nil
}
