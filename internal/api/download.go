// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/stemscribe/stemscribe/internal/fsutil"
	"github.com/stemscribe/stemscribe/internal/log"
	"github.com/stemscribe/stemscribe/internal/model"
	"github.com/stemscribe/stemscribe/internal/srt"
)

// artifactNotReadyMsg is deliberately the same for unknown names, unknown
// keys and not-yet-ready artifacts: the URL space does not reveal which.
const artifactNotReadyMsg = "Artifact not found (or not ready yet)"

// serveArtifact streams one artifact from the owning record. The name is
// canonicalized and checked against the fixed key set, the recorded path is
// confined to the record's directory, and the response supports ranges and
// conditional requests via http.ServeContent.
func serveArtifact(w http.ResponseWriter, r *http.Request, outDir string, artifacts map[string]*model.Artifact, rawName string) {
	notFound := func() {
		writeTaskError(w, model.NewTaskError(model.CodeNotFound, artifactNotReadyMsg))
	}

	key, err := canonicalArtifactName(rawName)
	if err != nil || !model.KnownArtifact(key) {
		notFound()
		return
	}
	art := artifacts[key]
	if art == nil || !art.Ready {
		notFound()
		return
	}

	path, err := fsutil.ConfineAbsPath(outDir, art.Path)
	if err != nil {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Warn().
			Err(err).
			Str("event", "download.confinement_rejected").
			Str("artifact", key).
			Msg("artifact path escapes its record directory")
		notFound()
		return
	}

	f, err := os.Open(path) // #nosec G304 -- path is confined to the record's outDir above
	if err != nil {
		notFound()
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		notFound()
		return
	}

	filename := model.ArtifactFileName(key)
	w.Header().Set("ETag", fmt.Sprintf(`"%x-%x"`, info.Size(), info.ModTime().UnixNano()))
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	switch {
	case strings.HasSuffix(filename, ".srt"):
		// Subtitle consumers expect a BOM on delivered files; the stored
		// artifact stays bare.
		data, err := os.ReadFile(path) // #nosec G304 -- confined above
		if err != nil {
			notFound()
			return
		}
		w.Header().Set("Content-Type", "application/x-subrip; charset=utf-8")
		http.ServeContent(w, r, filename, info.ModTime(), bytes.NewReader(srt.WithBOM(data)))
	case strings.HasSuffix(filename, ".zip"):
		w.Header().Set("Content-Type", "application/zip")
		http.ServeContent(w, r, filename, info.ModTime(), f)
	case strings.HasSuffix(filename, ".mp3"):
		w.Header().Set("Content-Type", "audio/mpeg")
		http.ServeContent(w, r, filename, info.ModTime(), f)
	default:
		http.ServeContent(w, r, filename, info.ModTime(), f)
	}
}

// canonicalArtifactName undoes layered percent-encoding and normalizes to
// NFC before the name is checked against the fixed artifact keys.
func canonicalArtifactName(raw string) (string, error) {
	s := raw
	for i := 0; i < 4; i++ {
		dec, err := url.PathUnescape(s)
		if err != nil {
			return "", err
		}
		if dec == s {
			break
		}
		s = dec
	}
	return norm.NFC.String(s), nil
}
