// SPDX-License-Identifier: MIT

// Package queue implements the serial engine queue: a FIFO executor with a
// single slot. Every piece of heavy work in the process (transcode,
// recognize, separate, pack) is funneled through one Queue instance, so at
// most one engine runs at a time no matter how many requests arrive.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/stemscribe/stemscribe/internal/log"
	"github.com/stemscribe/stemscribe/internal/metrics"
)

// ErrClosed is returned by Submit after Shutdown has begun.
var ErrClosed = errors.New("engine queue closed")

// Stats is the queue snapshot surfaced in job status documents.
type Stats struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
}

type task struct {
	name string
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Queue is the serial executor. The zero value is not usable; construct with
// New.
type Queue struct {
	mu      sync.Mutex
	tasks   []*task
	running bool
	closed  bool

	wake     chan struct{}
	loopDone chan struct{}
}

// New starts the queue's single worker goroutine.
func New() *Queue {
	q := &Queue{
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}
	go q.loop()
	return q
}

// Submit enqueues fn and returns a channel resolved with its error (nil on
// success) once it has run. The context is passed through to fn and is used
// for log correlation; the queue itself never cancels a task. Depth is
// unbounded; flow control is the caller's concern.
func (q *Queue) Submit(ctx context.Context, name string, fn func(context.Context) error) (<-chan error, error) {
	t := &task{name: name, ctx: ctx, fn: fn, done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.tasks = append(q.tasks, t)
	pending := len(q.tasks)
	q.mu.Unlock()

	metrics.QueueDepth.WithLabelValues("pending").Set(float64(pending))
	q.signal()
	return t.done, nil
}

// Stats returns the current pending count and running slot occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Pending: len(q.tasks)}
	if q.running {
		s.Running = 1
	}
	return s
}

// Shutdown stops intake, lets the in-flight task finish and fails every
// task still queued with ErrClosed. It returns early with the context error
// if ctx expires first.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()

	select {
	case <-q.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.Lock()
	leftover := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	for _, t := range leftover {
		t.done <- ErrClosed
	}
	metrics.QueueDepth.WithLabelValues("pending").Set(0)
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop() {
	defer close(q.loopDone)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			<-q.wake
			continue
		}
		t := q.tasks[0]
		rest := make([]*task, len(q.tasks)-1)
		copy(rest, q.tasks[1:])
		q.tasks = rest
		q.running = true
		pending := len(q.tasks)
		q.mu.Unlock()

		metrics.QueueDepth.WithLabelValues("pending").Set(float64(pending))
		metrics.QueueDepth.WithLabelValues("running").Set(1)

		err := q.run(t)
		t.done <- err

		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		metrics.QueueDepth.WithLabelValues("running").Set(0)
	}
}

// run executes one task, converting panics into errors so a broken engine
// never takes the queue down with it.
func (q *Queue) run(t *task) (err error) {
	logger := log.WithComponentFromContext(t.ctx, "queue")
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("event", "queue.task_panic").
				Str("task", t.name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("task panicked")
			metrics.QueueTasks.WithLabelValues("panic").Inc()
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
	}()

	logger.Debug().Str("event", "queue.task_start").Str("task", t.name).Msg("task started")
	err = t.fn(t.ctx)
	if err != nil {
		logger.Warn().Err(err).Str("event", "queue.task_error").Str("task", t.name).Msg("task failed")
		metrics.QueueTasks.WithLabelValues("error").Inc()
		return err
	}
	logger.Debug().Str("event", "queue.task_done").Str("task", t.name).Msg("task finished")
	metrics.QueueTasks.WithLabelValues("ok").Inc()
	return nil
}
