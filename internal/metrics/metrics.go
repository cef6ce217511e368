// SPDX-License-Identifier: MIT

// Package metrics declares every Prometheus collector the daemon exports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the serial queue: pending waiters and the 0/1
	// running slot.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stemscribe_queue_depth",
		Help: "Serial engine queue depth by state",
	}, []string{"state"})

	// QueueTasks counts completed queue tasks by outcome.
	QueueTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stemscribe_queue_tasks_total",
		Help: "Total tasks executed on the serial engine queue",
	}, []string{"outcome"})

	// Jobs counts terminal jobs by type and outcome.
	Jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stemscribe_jobs_total",
		Help: "Total jobs by type and terminal outcome",
	}, []string{"type", "outcome"})

	// JobDuration observes wall time from start to terminal transition.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stemscribe_job_duration_seconds",
		Help:    "Job duration from start to terminal state",
		Buckets: prometheus.ExponentialBuckets(0.5, 2.0, 12), // 0.5s to ~17min
	}, []string{"type"})

	// Batches counts terminal batches by outcome.
	Batches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stemscribe_batches_total",
		Help: "Total batches by terminal outcome",
	}, []string{"outcome"})

	// BatchItems counts terminal batch items by outcome.
	BatchItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stemscribe_batch_items_total",
		Help: "Total batch items by terminal outcome",
	}, []string{"outcome"})

	// EngineInvocations counts adapter calls by engine and outcome.
	EngineInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stemscribe_engine_invocations_total",
		Help: "Total engine adapter invocations",
	}, []string{"engine", "outcome"})

	// EngineDuration observes adapter call duration.
	EngineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stemscribe_engine_duration_seconds",
		Help:    "Engine adapter call duration",
		Buckets: prometheus.ExponentialBuckets(0.1, 2.0, 14), // 100ms to ~27min
	}, []string{"engine"})

	// WorkerSpawns counts recognizer process spawns.
	WorkerSpawns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stemscribe_worker_spawns_total",
		Help: "Total recognizer worker spawns",
	}, []string{"reason"})

	// WorkerExits counts recognizer process exits by kind.
	WorkerExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stemscribe_worker_exits_total",
		Help: "Total recognizer worker exits",
	}, []string{"kind"})

	// WorkerRequests counts recognize requests by outcome.
	WorkerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stemscribe_worker_requests_total",
		Help: "Total recognize requests sent to the worker",
	}, []string{"outcome"})

	// ReaperRemoved counts directories removed by the reaper.
	ReaperRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stemscribe_reaper_removed_total",
		Help: "Total directories removed by the TTL reaper",
	}, []string{"kind"})

	// HTTPRequests counts API requests.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stemscribe_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPDuration observes API request latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stemscribe_http_request_duration_seconds",
		Help:    "HTTP request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)
