// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemscribe/stemscribe/internal/model"
	"github.com/stemscribe/stemscribe/internal/srt"
)

// seedJobArtifact registers a job whose artifact file really exists under
// its outDir.
func seedJobArtifact(t *testing.T, env *testEnv, jobID, key string, content []byte, ready bool) *model.Job {
	t.Helper()

	outDir := filepath.Join(env.paths.JobsDir(), jobID)
	require.NoError(t, os.MkdirAll(outDir, 0o750))
	path := filepath.Join(outDir, model.ArtifactFileName(key))
	require.NoError(t, os.WriteFile(path, content, 0o600))

	j := &model.Job{
		ID:     jobID,
		Type:   model.TypeASRDemucs,
		State:  model.StateSucceeded,
		Phase:  model.PhaseDone,
		OutDir: outDir,
		Artifacts: map[string]*model.Artifact{
			key: {Name: key, Path: path, Ready: ready, Bytes: int64(len(content))},
		},
	}
	env.jobs.byID[jobID] = j
	return j
}

func TestJobArtifactDownloadSRT(t *testing.T) {
	env := newTestEnv(t)
	content := []byte("1\n00:00:00,000 --> 00:00:01,500\nhello\n\n")
	seedJobArtifact(t, env, "j1", model.ArtifactSRT, content, true)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/v2/jobs/j1/artifacts/srt", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	assert.Equal(t, "application/x-subrip; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="output.srt"`, rr.Header().Get("Content-Disposition"))
	assert.NotEmpty(t, rr.Header().Get("ETag"))
	assert.Equal(t, srt.WithBOM(content), rr.Body.Bytes())
}

func TestJobArtifactDownloadMP3(t *testing.T) {
	env := newTestEnv(t)
	content := []byte("mp3-bytes")
	seedJobArtifact(t, env, "j1", model.ArtifactVocals, content, true)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/v2/jobs/j1/artifacts/vocals", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, "audio/mpeg", rr.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="vocals.mp3"`, rr.Header().Get("Content-Disposition"))
	assert.Equal(t, content, rr.Body.Bytes())
}

func TestJobArtifactDownloadZip(t *testing.T) {
	env := newTestEnv(t)
	seedJobArtifact(t, env, "j1", model.ArtifactResultZip, []byte("PK\x03\x04zip"), true)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/v2/jobs/j1/artifacts/result_zip", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/zip", rr.Header().Get("Content-Type"))
}

func TestJobArtifactRangeRequest(t *testing.T) {
	env := newTestEnv(t)
	content := []byte("0123456789")
	seedJobArtifact(t, env, "j1", model.ArtifactVocals, content, true)

	req := httptest.NewRequest(http.MethodGet, "/v2/jobs/j1/artifacts/vocals", nil)
	req.Header.Set("Range", "bytes=2-5")

	rr := env.do(req)
	require.Equal(t, http.StatusPartialContent, rr.Code)
	assert.Equal(t, []byte("2345"), rr.Body.Bytes())
}

func TestJobArtifactNotReady(t *testing.T) {
	env := newTestEnv(t)
	seedJobArtifact(t, env, "j1", model.ArtifactSRT, []byte("x"), false)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/v2/jobs/j1/artifacts/srt", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, artifactNotReadyMsg, decodeEnvelope(t, rr).Error.Message)
}

func TestJobArtifactUnknownName(t *testing.T) {
	env := newTestEnv(t)
	seedJobArtifact(t, env, "j1", model.ArtifactSRT, []byte("x"), true)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/v2/jobs/j1/artifacts/passwd", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, artifactNotReadyMsg, decodeEnvelope(t, rr).Error.Message)
}

func TestJobArtifactMissingFile(t *testing.T) {
	env := newTestEnv(t)
	j := seedJobArtifact(t, env, "j1", model.ArtifactSRT, []byte("x"), true)
	require.NoError(t, os.Remove(j.Artifacts[model.ArtifactSRT].Path))

	rr := env.do(httptest.NewRequest(http.MethodGet, "/v2/jobs/j1/artifacts/srt", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestJobArtifactEscapingPathRejected(t *testing.T) {
	env := newTestEnv(t)
	j := seedJobArtifact(t, env, "j1", model.ArtifactSRT, []byte("x"), true)

	// Corrupt the record so the artifact path points outside its outDir.
	outside := filepath.Join(t.TempDir(), "output.srt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))
	j.Artifacts[model.ArtifactSRT].Path = outside

	rr := env.do(httptest.NewRequest(http.MethodGet, "/v2/jobs/j1/artifacts/srt", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.NotContains(t, rr.Body.String(), "secret")
}

func TestCanonicalArtifactName(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", "srt", "srt"},
		{"encoded once", "s%72t", "srt"},
		{"encoded twice", "s%2572t", "srt"},
		{"traversal stays visible", "..%2fjob.json", "../job.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := canonicalArtifactName(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServeArtifactTraversalNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job.json"), []byte(`{"id":"j1"}`), 0o600))

	artifacts := map[string]*model.Artifact{
		model.ArtifactSRT: {Name: model.ArtifactSRT, Path: filepath.Join(dir, "output.srt"), Ready: true},
	}

	for _, raw := range []string{"..%2fjob.json", "%2e%2e%2fjob.json", "%252e%252e%252fjob.json", "job.json"} {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v2/jobs/j1/artifacts/"+raw, nil)
		serveArtifact(rr, req, dir, artifacts, raw)
		assert.Equal(t, http.StatusNotFound, rr.Code, "name %q", raw)
		assert.NotContains(t, rr.Body.String(), `"id":"j1"`, "name %q must not expose metadata", raw)
	}
}

func TestBatchItemArtifactDownload(t *testing.T) {
	env := newTestEnv(t)

	outDir := filepath.Join(env.paths.BatchesDir(), "b1")
	itemDir := filepath.Join(outDir, "items", "0")
	require.NoError(t, os.MkdirAll(itemDir, 0o750))
	content := []byte("1\n00:00:00,000 --> 00:00:01,000\nhi\n\n")
	path := filepath.Join(itemDir, "output.srt")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	b := testBatch("b1")
	b.OutDir = outDir
	b.Items[0].Artifacts[model.ArtifactSRT].Path = path
	env.batches.byID["b1"] = b

	rr := env.do(httptest.NewRequest(http.MethodGet, "/v2/batches/b1/items/0/artifacts/srt", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, srt.WithBOM(content), rr.Body.Bytes())
}
