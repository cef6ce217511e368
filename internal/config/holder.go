// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/stemscribe/stemscribe/internal/log"
)

// Holder provides thread-safe access to the current configuration and hot
// reloading from the config file. Only dynamically safe fields take effect
// at runtime; the rest keep their boot values until restart.
type Holder struct {
	mu      sync.RWMutex
	current Config

	path    string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	listenerMu sync.RWMutex
	listeners  []func(Config)
}

// NewHolder wraps an initial configuration. path may be empty (ENV-only
// deployments); reloading is then disabled.
func NewHolder(initial Config, path string) *Holder {
	return &Holder{
		current: initial,
		path:    path,
		logger:  log.WithComponent("config"),
	}
}

// Get returns the current configuration snapshot.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// OnReload registers a callback invoked with each new snapshot.
func (h *Holder) OnReload(fn func(Config)) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Reload re-reads the config file and atomically swaps the snapshot. A load
// or validation failure keeps the old snapshot and returns the error.
func (h *Holder) Reload(_ context.Context) error {
	if h.path == "" {
		return fmt.Errorf("no config file to reload")
	}
	h.logger.Info().Str("event", "config.reload_start").Str("path", h.path).Msg("reloading configuration")

	loaded, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str("event", "config.reload_failed").Msg("keeping previous configuration")
		return err
	}

	h.mu.Lock()
	old := h.current
	next := applyDynamic(old, loaded)
	h.current = next
	h.mu.Unlock()

	if old.LogLevel != next.LogLevel {
		log.SetLevel(next.LogLevel)
	}
	h.logChanges(old, loaded)
	h.notify(next)

	h.logger.Info().Str("event", "config.reload_success").Msg("configuration reloaded")
	return nil
}

// applyDynamic merges a freshly loaded config onto the running one, keeping
// boot-only fields from the running snapshot.
func applyDynamic(running, loaded Config) Config {
	next := running
	next.LogLevel = loaded.LogLevel
	next.JobTTL = loaded.JobTTL
	next.MaxUploadBytes = loaded.MaxUploadBytes
	next.MaxDownloadBytes = loaded.MaxDownloadBytes
	next.AudioPathRoot = loaded.AudioPathRoot
	next.Outbound = loaded.Outbound
	return next
}

func (h *Holder) logChanges(old, loaded Config) {
	if old.ListenAddr != loaded.ListenAddr || old.TmpDir != loaded.TmpDir {
		h.logger.Warn().Str("event", "config.boot_only_changed").
			Msg("listen address / tmp dir changes require a restart")
	}
	if !equalEngines(old.Engines, loaded.Engines) {
		h.logger.Warn().Str("event", "config.boot_only_changed").
			Msg("engine settings changes require a restart")
	}
	if old.JobTTL != loaded.JobTTL {
		h.logger.Info().Str("event", "config.ttl_changed").
			Dur("old", old.JobTTL).Dur("new", loaded.JobTTL).Msg("job TTL updated")
	}
	if old.LogLevel != loaded.LogLevel {
		h.logger.Info().Str("event", "config.level_changed").
			Str("old", old.LogLevel).Str("new", loaded.LogLevel).Msg("log level updated")
	}
}

func equalEngines(a, b Engines) bool {
	if a.FFmpegBin != b.FFmpegBin || a.DemucsBin != b.DemucsBin ||
		a.DemucsMP3Bitrate != b.DemucsMP3Bitrate || a.DemucsJobs != b.DemucsJobs ||
		a.ASRWorkerBin != b.ASRWorkerBin || a.ASRWorkerScript != b.ASRWorkerScript ||
		a.ASRDevice != b.ASRDevice || a.ASRNCPU != b.ASRNCPU || a.ASRIdleSeconds != b.ASRIdleSeconds {
		return false
	}
	if len(a.DemucsArgs) != len(b.DemucsArgs) {
		return false
	}
	for i := range a.DemucsArgs {
		if a.DemucsArgs[i] != b.DemucsArgs[i] {
			return false
		}
	}
	return true
}

func (h *Holder) notify(cfg Config) {
	h.listenerMu.RLock()
	defer h.listenerMu.RUnlock()
	for _, fn := range h.listeners {
		fn(cfg)
	}
}

// StartWatcher begins watching the config file and reloading on changes.
// Events are debounced because editors produce bursts of writes. No-op when
// no file is configured.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.path == "" {
		h.logger.Info().Str("event", "config.watcher_disabled").
			Msg("config file watcher disabled (ENV-only configuration)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(h.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}
	h.watcher = watcher

	h.logger.Info().Str("event", "config.watcher_started").Str("path", h.path).Msg("watching config file")

	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			_ = h.watcher.Close()
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if err := h.Reload(ctx); err != nil {
				h.logger.Warn().Err(err).Str("event", "config.reload_failed").Msg("file change reload failed")
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn().Err(err).Str("event", "config.watcher_error").Msg("config watcher error")
		}
	}
}
