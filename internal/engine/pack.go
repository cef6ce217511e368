// SPDX-License-Identifier: MIT

package engine

import (
	"archive/zip"
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel/codes"

	"github.com/stemscribe/stemscribe/internal/model"
	"github.com/stemscribe/stemscribe/internal/telemetry"
)

// ZipEntry names one file to include in an archive.
type ZipEntry struct {
	SourcePath  string
	ArchiveName string
}

// Pack writes a deflated zip at zipPath containing exactly the given entries.
// Failures are io_error; a partial archive is removed.
func Pack(ctx context.Context, zipPath string, entries []ZipEntry) (err error) {
	_, span := telemetry.Tracer("stemscribe.engine").Start(ctx, "engine.pack")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pack failed")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	out, err := os.Create(zipPath) // #nosec G304 -- path is built by the pipeline under its own out dir
	if err != nil {
		return model.IOErrorf("create archive %s: %v", zipPath, err)
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(zipPath)
		}
	}()

	zw := zip.NewWriter(out)
	for _, entry := range entries {
		if err = addEntry(zw, entry); err != nil {
			return err
		}
	}
	if err = zw.Close(); err != nil {
		return model.IOErrorf("finalize archive %s: %v", zipPath, err)
	}
	if err = out.Close(); err != nil {
		return model.IOErrorf("close archive %s: %v", zipPath, err)
	}
	return nil
}

func addEntry(zw *zip.Writer, entry ZipEntry) error {
	src, err := os.Open(entry.SourcePath) // #nosec G304 -- sources are pipeline-owned artifacts
	if err != nil {
		return model.IOErrorf("open archive source %s: %v", entry.SourcePath, err)
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if err != nil {
		return model.IOErrorf("stat archive source %s: %v", entry.SourcePath, err)
	}

	hdr := &zip.FileHeader{
		Name:     entry.ArchiveName,
		Method:   zip.Deflate,
		Modified: info.ModTime(),
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return model.IOErrorf("add %s to archive: %v", entry.ArchiveName, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return model.IOErrorf("write %s to archive: %v", entry.ArchiveName, err)
	}
	return nil
}
