// SPDX-License-Identifier: MIT

// Package api is the HTTP transport: a thin chi layer that translates
// requests into manager calls and records into JSON documents. No pipeline
// logic lives here.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stemscribe/stemscribe/internal/batch"
	"github.com/stemscribe/stemscribe/internal/config"
	"github.com/stemscribe/stemscribe/internal/job"
	"github.com/stemscribe/stemscribe/internal/model"
	"github.com/stemscribe/stemscribe/internal/queue"
	"github.com/stemscribe/stemscribe/internal/store"
)

// JobService is the job-manager surface the handlers call.
type JobService interface {
	Create(ctx context.Context, req job.CreateRequest) (*model.Job, error)
	Get(id string) (*model.Job, bool)
}

// BatchService is the batch-manager surface the handlers call.
type BatchService interface {
	Create(ctx context.Context, req batch.CreateRequest) (*model.Batch, error)
	Get(id string) (*model.Batch, bool)
	Cancel(ctx context.Context, id string) (*model.Batch, error)
}

// QueueInfo reports serial queue occupancy for job status documents.
type QueueInfo interface {
	Stats() queue.Stats
}

// BuildInfo identifies the running binary at /version and in boot logs.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Server holds the handler dependencies. Config is read through a getter so
// reloads of the dynamic subset take effect per request.
type Server struct {
	cfg     func() config.Config
	paths   store.Paths
	jobs    JobService
	batches BatchService
	queue   QueueInfo
	build   BuildInfo
}

// New wires a Server.
func New(cfg func() config.Config, paths store.Paths, jobs JobService, batches BatchService, q QueueInfo, build BuildInfo) *Server {
	return &Server{
		cfg:     cfg,
		paths:   paths,
		jobs:    jobs,
		batches: batches,
		queue:   q,
		build:   build,
	}
}

// Router assembles the route table under the canonical middleware stack.
// Rate limits are fixed at boot; auth and body caps follow the live config.
func (s *Server) Router() *chi.Mux {
	cfg := s.cfg()

	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(securityHeaders)
	r.Use(otelHTTP)
	r.Use(metricsMiddleware)
	r.Use(logRequests)
	r.Use(rateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeTaskError(w, model.NewTaskError(model.CodeNotFound, "resource not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, model.NewTaskError(model.CodeBadRequest, "method not allowed"))
	})

	r.Route("/v2", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/jobs/{jobID}/artifacts/{name}", s.handleJobArtifact)

		r.Post("/batches", s.handleCreateBatch)
		r.Get("/batches/{batchID}", s.handleGetBatch)
		r.Post("/batches/{batchID}/cancel", s.handleCancelBatch)
		r.Get("/batches/{batchID}/items/{idx}/artifacts/{name}", s.handleBatchItemArtifact)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/version", s.handleVersion)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
