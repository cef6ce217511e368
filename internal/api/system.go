// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"os"

	"github.com/stemscribe/stemscribe/internal/log"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz answers ready only while the artifact root accepts writes:
// a daemon that cannot persist records must not receive work.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := probeWritable(s.paths.Root); err != nil {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Warn().
			Err(err).
			Str("event", "readyz.failed").
			Str("root", s.paths.Root).
			Msg("artifact root not writable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.build)
}

func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".readyz-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
