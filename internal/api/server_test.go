// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stemscribe/stemscribe/internal/batch"
	"github.com/stemscribe/stemscribe/internal/config"
	"github.com/stemscribe/stemscribe/internal/job"
	"github.com/stemscribe/stemscribe/internal/model"
	"github.com/stemscribe/stemscribe/internal/queue"
	"github.com/stemscribe/stemscribe/internal/store"
)

type stubJobs struct {
	mu           sync.Mutex
	created      []job.CreateRequest
	spoolContent []byte
	create       *model.Job
	err          error
	byID         map[string]*model.Job
}

func (s *stubJobs) Create(_ context.Context, req job.CreateRequest) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, req)
	if req.Input.SpoolPath != "" {
		s.spoolContent, _ = os.ReadFile(req.Input.SpoolPath)
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.create != nil {
		return s.create, nil
	}
	return &model.Job{ID: "job-1"}, nil
}

func (s *stubJobs) Get(id string) (*model.Job, bool) {
	j, ok := s.byID[id]
	return j, ok
}

type stubBatches struct {
	mu       sync.Mutex
	created  []batch.CreateRequest
	create   *model.Batch
	err      error
	byID     map[string]*model.Batch
	canceled []string
}

func (s *stubBatches) Create(_ context.Context, req batch.CreateRequest) (*model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, req)
	if s.err != nil {
		return nil, s.err
	}
	if s.create != nil {
		return s.create, nil
	}
	return &model.Batch{ID: "batch-1"}, nil
}

func (s *stubBatches) Get(id string) (*model.Batch, bool) {
	b, ok := s.byID[id]
	return b, ok
}

func (s *stubBatches) Cancel(_ context.Context, id string) (*model.Batch, error) {
	s.mu.Lock()
	s.canceled = append(s.canceled, id)
	s.mu.Unlock()
	b, ok := s.byID[id]
	if !ok {
		return nil, model.NewTaskError(model.CodeNotFound, "batch not found")
	}
	snap := b.Clone()
	snap.CancelRequested = true
	return snap, nil
}

type stubQueue struct{ stats queue.Stats }

func (s stubQueue) Stats() queue.Stats { return s.stats }

type testEnv struct {
	srv     *Server
	router  http.Handler
	jobs    *stubJobs
	batches *stubBatches
	paths   store.Paths
	cfg     *config.Config
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Defaults()
	cfg.TmpDir = t.TempDir()
	// Generous defaults so only the dedicated test exercises the limiter.
	cfg.RateLimitRPS = 1000
	cfg.RateLimitBurst = 1000
	for _, m := range mutate {
		m(&cfg)
	}

	paths := store.NewPaths(cfg.TmpDir)
	require.NoError(t, paths.Ensure())

	env := &testEnv{
		jobs:    &stubJobs{byID: map[string]*model.Job{}},
		batches: &stubBatches{byID: map[string]*model.Batch{}},
		paths:   paths,
		cfg:     &cfg,
	}
	env.srv = New(
		func() config.Config { return *env.cfg },
		paths,
		env.jobs,
		env.batches,
		stubQueue{stats: queue.Stats{Pending: 2, Running: 1}},
		BuildInfo{Version: "test", Commit: "deadbeef", Date: "2026-01-01"},
	)
	env.router = env.srv.Router()
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func multipartBody(t *testing.T, build func(w *multipart.Writer)) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	build(w)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	require.Equal(t, "error", env.Status)
	require.NotNil(t, env.Error)
	return env
}

func decodeDoc(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	return doc
}
