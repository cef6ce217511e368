// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestSubmitRunsFIFO(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := New()
	defer func() { _ = q.Shutdown(context.Background()) }()

	var mu sync.Mutex
	var order []int

	gate := make(chan struct{})
	first, err := q.Submit(context.Background(), "gate", func(context.Context) error {
		<-gate
		return nil
	})
	require.NoError(t, err)

	var handles []<-chan error
	for i := 0; i < 5; i++ {
		i := i
		h, err := q.Submit(context.Background(), "n", func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	close(gate)
	require.NoError(t, <-first)
	for _, h := range handles {
		require.NoError(t, <-h)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPanicDoesNotPoisonQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := New()
	defer func() { _ = q.Shutdown(context.Background()) }()

	h1, err := q.Submit(context.Background(), "boom", func(context.Context) error {
		panic("engine exploded")
	})
	require.NoError(t, err)

	h2, err := q.Submit(context.Background(), "after", func(context.Context) error {
		return nil
	})
	require.NoError(t, err)

	err1 := <-h1
	require.Error(t, err1)
	assert.Contains(t, err1.Error(), "panicked")
	assert.NoError(t, <-h2)
}

func TestTaskErrorIsReported(t *testing.T) {
	q := New()
	defer func() { _ = q.Shutdown(context.Background()) }()

	want := errors.New("no such file")
	h, err := q.Submit(context.Background(), "fails", func(context.Context) error {
		return want
	})
	require.NoError(t, err)
	assert.ErrorIs(t, <-h, want)
}

func TestStats(t *testing.T) {
	q := New()
	defer func() { _ = q.Shutdown(context.Background()) }()

	assert.Equal(t, Stats{Pending: 0, Running: 0}, q.Stats())

	started := make(chan struct{})
	gate := make(chan struct{})
	h, err := q.Submit(context.Background(), "blocker", func(context.Context) error {
		close(started)
		<-gate
		return nil
	})
	require.NoError(t, err)
	<-started

	h2, err := q.Submit(context.Background(), "waiter", func(context.Context) error { return nil })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := q.Stats()
		return s.Running == 1 && s.Pending == 1
	}, time.Second, 5*time.Millisecond)

	close(gate)
	require.NoError(t, <-h)
	require.NoError(t, <-h2)

	require.Eventually(t, func() bool {
		return q.Stats() == Stats{Pending: 0, Running: 0}
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownFailsQueuedTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := New()

	started := make(chan struct{})
	gate := make(chan struct{})
	inflight, err := q.Submit(context.Background(), "inflight", func(context.Context) error {
		close(started)
		<-gate
		return nil
	})
	require.NoError(t, err)
	<-started

	queued, err := q.Submit(context.Background(), "queued", func(context.Context) error { return nil })
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- q.Shutdown(context.Background()) }()

	// the in-flight task is allowed to finish
	time.Sleep(20 * time.Millisecond)
	close(gate)

	require.NoError(t, <-done)
	assert.NoError(t, <-inflight)
	assert.ErrorIs(t, <-queued, ErrClosed)

	_, err = q.Submit(context.Background(), "late", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestShutdownContextExpiry(t *testing.T) {
	q := New()

	started := make(chan struct{})
	gate := make(chan struct{})
	h, err := q.Submit(context.Background(), "stuck", func(context.Context) error {
		close(started)
		<-gate
		return nil
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Shutdown(ctx), context.DeadlineExceeded)

	close(gate)
	require.NoError(t, <-h)
	require.NoError(t, q.Shutdown(context.Background()))
}
