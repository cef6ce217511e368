// SPDX-License-Identifier: MIT

package engine

import (
	"context"

	"github.com/stemscribe/stemscribe/internal/model"
)

// Transcoder converts arbitrary input media to 16 kHz mono 16-bit PCM WAV,
// the input format the recognizer expects.
type Transcoder struct {
	Bin string
}

// NewTranscoder returns a Transcoder using the given binary, defaulting to
// ffmpeg on PATH.
func NewTranscoder(bin string) *Transcoder {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Transcoder{Bin: bin}
}

// Transcode converts inputPath into wavPath. A non-zero exit is reported as
// bad_audio carrying a stderr tail; the input is presumed undecodable.
func (t *Transcoder) Transcode(ctx context.Context, inputPath, wavPath string) error {
	args := []string{
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		wavPath,
	}

	res, err := runTool(ctx, "transcode", t.Bin, args)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if taskErr := model.AsTaskError(err); taskErr != nil {
		return taskErr
	}
	return model.BadAudio("audio conversion failed", res.ring.Tail(stderrTailBytes))
}
