// SPDX-License-Identifier: MIT

package engine

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemscribe/stemscribe/internal/model"
)

// writeStub writes an executable shell script standing in for an engine
// binary.
func writeStub(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stubs unsupported on windows")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
	path := filepath.Join(t.TempDir(), "stub.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755)) // #nosec G306 -- test stub must be executable
	return path
}

func TestTranscoder_Success(t *testing.T) {
	// The wav path is the last argument.
	stub := writeStub(t, `
out=""
for a in "$@"; do out="$a"; done
printf 'RIFF' > "$out"
`)
	wav := filepath.Join(t.TempDir(), "asr.wav")

	tr := NewTranscoder(stub)
	require.NoError(t, tr.Transcode(context.Background(), "/nonexistent/in.mp3", wav))

	data, err := os.ReadFile(wav)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data))
}

func TestTranscoder_NonZeroExitIsBadAudio(t *testing.T) {
	stub := writeStub(t, `
echo "Invalid data found when processing input" >&2
exit 1
`)
	tr := NewTranscoder(stub)
	err := tr.Transcode(context.Background(), "in.bin", filepath.Join(t.TempDir(), "out.wav"))

	var taskErr *model.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, model.CodeBadAudio, taskErr.Code)
	assert.Contains(t, taskErr.Details, "Invalid data found")
}

func TestTranscoder_MissingBinaryIsInternal(t *testing.T) {
	tr := NewTranscoder(filepath.Join(t.TempDir(), "no-such-binary"))
	err := tr.Transcode(context.Background(), "in.bin", filepath.Join(t.TempDir(), "out.wav"))

	var taskErr *model.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, model.CodeInternalError, taskErr.Code)
}

func TestTranscoder_ContextCancel(t *testing.T) {
	stub := writeStub(t, "sleep 30\n")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	tr := NewTranscoder(stub)
	start := time.Now()
	err := tr.Transcode(ctx, "in.bin", filepath.Join(t.TempDir(), "out.wav"))

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestSeparator_Success(t *testing.T) {
	// The output dir follows -o; the input is the last argument. Record the
	// full command line for inspection.
	stub := writeStub(t, `
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-o" ]; then out="$a"; fi
  prev="$a"
done
mkdir -p "$out/htdemucs/track"
printf 'v' > "$out/htdemucs/track/vocals.mp3"
printf 'n' > "$out/htdemucs/track/no_vocals.mp3"
echo "$@" > "$out/cmdline"
`)
	outDir := t.TempDir()

	sep := NewSeparator(stub, nil, 192, 3)
	stems, err := sep.Separate(context.Background(), "/tmp/input.wav", outDir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(outDir, "htdemucs", "track", "vocals.mp3"), stems.Vocals)
	assert.Equal(t, filepath.Join(outDir, "htdemucs", "track", "no_vocals.mp3"), stems.NoVocals)

	cmdline, err := os.ReadFile(filepath.Join(outDir, "cmdline"))
	require.NoError(t, err)
	assert.Contains(t, string(cmdline), "--two-stems vocals")
	assert.Contains(t, string(cmdline), "--mp3-bitrate 192")
	assert.Contains(t, string(cmdline), "-j 3")
	assert.Contains(t, string(cmdline), "/tmp/input.wav")
}

func TestSeparator_MissingStemIsEngineError(t *testing.T) {
	stub := writeStub(t, `
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-o" ]; then out="$a"; fi
  prev="$a"
done
mkdir -p "$out/htdemucs/track"
printf 'v' > "$out/htdemucs/track/vocals.mp3"
`)
	sep := NewSeparator(stub, nil, 0, 0)
	_, err := sep.Separate(context.Background(), "in.wav", t.TempDir())

	var taskErr *model.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, model.CodeEngineError, taskErr.Code)
	assert.Contains(t, taskErr.Message, "no_vocals.mp3")
}

func TestSeparator_NonZeroExitIsBadAudio(t *testing.T) {
	stub := writeStub(t, `
echo "Could not load file" >&2
exit 2
`)
	sep := NewSeparator(stub, nil, 0, 0)
	_, err := sep.Separate(context.Background(), "in.wav", t.TempDir())

	var taskErr *model.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, model.CodeBadAudio, taskErr.Code)
	assert.Contains(t, taskErr.Details, "Could not load file")
}

func TestSeparator_Defaults(t *testing.T) {
	sep := NewSeparator("", nil, 0, 0)
	assert.Equal(t, "python3", sep.Bin)
	assert.Equal(t, []string{"-m", "demucs.separate"}, sep.Args)
	assert.Equal(t, 256, sep.Bitrate)
	assert.Equal(t, 2, sep.Jobs)
}

func TestPack_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	srt := filepath.Join(dir, "output.srt")
	vocals := filepath.Join(dir, "vocals.mp3")
	require.NoError(t, os.WriteFile(srt, []byte("1\n00:00:00,000 --> 00:00:01,000\nhi\n\n"), 0o600))
	require.NoError(t, os.WriteFile(vocals, []byte("mp3-bytes"), 0o600))

	zipPath := filepath.Join(dir, "result.zip")
	err := Pack(context.Background(), zipPath, []ZipEntry{
		{SourcePath: srt, ArchiveName: "output.srt"},
		{SourcePath: vocals, ArchiveName: "vocals.mp3"},
	})
	require.NoError(t, err)

	zr, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()

	require.Len(t, zr.File, 2)
	byName := map[string]*zip.File{}
	for _, f := range zr.File {
		byName[f.Name] = f
	}

	require.Contains(t, byName, "output.srt")
	require.Contains(t, byName, "vocals.mp3")
	assert.Equal(t, zip.Deflate, byName["vocals.mp3"].Method)

	rc, err := byName["vocals.mp3"].Open()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "mp3-bytes", string(data))
}

func TestPack_MissingSourceIsIOError(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "out.zip")

	err := Pack(context.Background(), zipPath, []ZipEntry{{SourcePath: filepath.Join(dir, "gone"), ArchiveName: "gone"}})

	var taskErr *model.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, model.CodeIOError, taskErr.Code)

	// The partial archive is cleaned up.
	_, statErr := os.Stat(zipPath)
	assert.True(t, os.IsNotExist(statErr))
}
