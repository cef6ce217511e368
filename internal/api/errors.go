// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stemscribe/stemscribe/internal/model"
)

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Status string           `json:"status"`
	Error  *model.TaskError `json:"error"`
}

// writeJSON writes a JSON response with the given status code. API responses
// are never cacheable; artifact downloads bypass this helper and keep their
// validators.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the error envelope with an explicit status code.
func writeError(w http.ResponseWriter, code int, te *model.TaskError) {
	writeJSON(w, code, errorEnvelope{Status: "error", Error: te})
}

// writeTaskError writes the error envelope with the status derived from the
// error code.
func writeTaskError(w http.ResponseWriter, te *model.TaskError) {
	writeError(w, te.Code.HTTPStatus(), te)
}

// bodyError classifies a failure while reading a request body: tripping the
// MaxBytesReader cap and carried TaskErrors are client errors, everything
// else is malformed input.
func bodyError(err error, what string) *model.TaskError {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return model.BadRequestf("request body exceeds limit of %d bytes", maxErr.Limit)
	}
	if te := model.AsTaskError(err); te != nil {
		return te.Normalize()
	}
	return model.BadRequestf("malformed %s: %v", what, err)
}
