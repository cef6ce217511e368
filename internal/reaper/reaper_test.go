// SPDX-License-Identifier: MIT

package reaper

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/stemscribe/stemscribe/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSweeper struct {
	mu    sync.Mutex
	calls []time.Time
	n     int
}

func (f *fakeSweeper) SweepExpired(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, now)
	return f.n
}

func (f *fakeSweeper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newPaths(t *testing.T) store.Paths {
	t.Helper()
	paths := store.NewPaths(t.TempDir())
	require.NoError(t, paths.Ensure())
	return paths
}

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestSweepRemovesStaleUploads(t *testing.T) {
	paths := newPaths(t)
	r := New(paths, &fakeSweeper{}, &fakeSweeper{}, func() time.Duration { return time.Hour })

	stale := filepath.Join(paths.UploadsDir(), "dead-request.mp3")
	fresh := filepath.Join(paths.UploadsDir(), "live-request.mp3")
	writeAged(t, stale, 2*time.Hour)
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o600))

	r.Sweep(time.Now())

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
}

func TestSweepRemovesOrphanedScratchDirs(t *testing.T) {
	paths := newPaths(t)
	r := New(paths, &fakeSweeper{}, &fakeSweeper{}, func() time.Duration { return time.Hour })

	staleDir := filepath.Join(paths.ScratchDir(), "req-old")
	require.NoError(t, os.MkdirAll(staleDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(staleDir, "asr.wav"), []byte("RIFF"), 0o600))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(staleDir, old, old))

	freshDir := filepath.Join(paths.ScratchDir(), "req-new")
	require.NoError(t, os.MkdirAll(freshDir, 0o750))

	r.Sweep(time.Now())

	assert.NoDirExists(t, staleDir)
	assert.DirExists(t, freshDir)
}

func TestSweepDelegatesToManagers(t *testing.T) {
	paths := newPaths(t)
	jobs := &fakeSweeper{n: 2}
	batches := &fakeSweeper{n: 1}
	r := New(paths, jobs, batches, func() time.Duration { return time.Hour })

	now := time.Now()
	r.Sweep(now)

	require.Equal(t, 1, jobs.count())
	require.Equal(t, 1, batches.count())
	assert.Equal(t, now, jobs.calls[0])
	assert.Equal(t, now, batches.calls[0])
}

func TestSweepToleratesMissingDirs(t *testing.T) {
	paths := store.NewPaths(filepath.Join(t.TempDir(), "never-created"))
	r := New(paths, &fakeSweeper{}, &fakeSweeper{}, func() time.Duration { return time.Hour })

	// Nothing to list; must not error or create anything.
	r.Sweep(time.Now())
	assert.NoDirExists(t, paths.UploadsDir())
}

func TestRunSweepsAtEntryAndStopsOnCancel(t *testing.T) {
	paths := newPaths(t)
	jobs := &fakeSweeper{}
	r := New(paths, jobs, &fakeSweeper{}, func() time.Duration { return time.Hour })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	require.Eventually(t, func() bool { return jobs.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not stop on context cancel")
	}
}
