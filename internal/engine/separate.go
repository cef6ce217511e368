// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"io/fs"
	"path/filepath"
	"strconv"

	"github.com/stemscribe/stemscribe/internal/model"
)

// Stems holds the two separator outputs located under its raw output tree.
type Stems struct {
	Vocals   string
	NoVocals string
}

// Separator runs the two-stem source separator. The tool chooses its own
// directory layout below the output dir, so outputs are located by filename
// afterwards.
type Separator struct {
	Bin     string
	Args    []string
	Bitrate int
	Jobs    int
}

// NewSeparator builds a Separator from config values, applying the documented
// defaults for anything unset.
func NewSeparator(bin string, args []string, bitrate, jobs int) *Separator {
	if bin == "" {
		bin = "python3"
	}
	if len(args) == 0 {
		args = []string{"-m", "demucs.separate"}
	}
	if bitrate <= 0 {
		bitrate = 256
	}
	if jobs <= 0 {
		jobs = 2
	}
	return &Separator{Bin: bin, Args: args, Bitrate: bitrate, Jobs: jobs}
}

// Separate runs the separator against inputPath, writing under outDir. On a
// non-zero exit the audio is presumed unprocessable (bad_audio); a clean exit
// without both stems is an engine_error.
func (s *Separator) Separate(ctx context.Context, inputPath, outDir string) (Stems, error) {
	args := make([]string, 0, len(s.Args)+11)
	args = append(args, s.Args...)
	args = append(args,
		"--two-stems", "vocals",
		"--mp3",
		"--mp3-bitrate", strconv.Itoa(s.Bitrate),
		"-j", strconv.Itoa(s.Jobs),
		"-o", outDir,
		inputPath,
	)

	res, err := runTool(ctx, "separate", s.Bin, args)
	if err != nil {
		if ctx.Err() != nil {
			return Stems{}, ctx.Err()
		}
		if taskErr := model.AsTaskError(err); taskErr != nil {
			return Stems{}, taskErr
		}
		return Stems{}, model.BadAudio("source separation failed", res.ring.Tail(stderrTailBytes))
	}

	return locateStems(outDir)
}

// locateStems finds vocals.mp3 and no_vocals.mp3 anywhere under root. The
// separator nests outputs under model and track directories whose names are
// not stable across versions.
func locateStems(root string) (Stems, error) {
	var stems Stems
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		switch filepath.Base(path) {
		case "vocals.mp3":
			if stems.Vocals == "" {
				stems.Vocals = path
			}
		case "no_vocals.mp3":
			if stems.NoVocals == "" {
				stems.NoVocals = path
			}
		}
		return nil
	})
	if err != nil {
		return Stems{}, model.IOErrorf("scan separator output: %v", err)
	}
	if stems.Vocals == "" {
		return Stems{}, model.EngineErrorf("separator finished but vocals.mp3 is missing")
	}
	if stems.NoVocals == "" {
		return Stems{}, model.EngineErrorf("separator finished but no_vocals.mp3 is missing")
	}
	return stems, nil
}
