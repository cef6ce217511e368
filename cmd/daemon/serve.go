// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemscribe/stemscribe/internal/api"
	"github.com/stemscribe/stemscribe/internal/batch"
	"github.com/stemscribe/stemscribe/internal/config"
	"github.com/stemscribe/stemscribe/internal/engine"
	"github.com/stemscribe/stemscribe/internal/engine/asr"
	"github.com/stemscribe/stemscribe/internal/input"
	"github.com/stemscribe/stemscribe/internal/job"
	"github.com/stemscribe/stemscribe/internal/outbound"
	"github.com/stemscribe/stemscribe/internal/queue"
	"github.com/stemscribe/stemscribe/internal/reaper"
	"github.com/stemscribe/stemscribe/internal/store"
	"github.com/stemscribe/stemscribe/internal/telemetry"
)

const (
	// httpDrainTimeout bounds how long open requests may finish after a
	// shutdown signal.
	httpDrainTimeout = 10 * time.Second

	// queueGraceTimeout bounds how long an in-flight pipeline task may keep
	// running before its subprocess contexts are canceled.
	queueGraceTimeout = 30 * time.Second

	workerStopTimeout = 10 * time.Second
)

// run wires the daemon together and blocks until the signal context is
// canceled or the HTTP server fails, then drains everything in order.
func run(ctx context.Context, logger zerolog.Logger, cfg config.Config, cfgPath string) error {
	tele, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "stemscribe",
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	paths := store.NewPaths(cfg.TmpDir)
	if err := paths.Ensure(); err != nil {
		return fmt.Errorf("prepare data dirs: %w", err)
	}

	holder := config.NewHolder(cfg, cfgPath)
	ttl := func() time.Duration { return holder.Get().JobTTL }

	// lifeCtx bounds every pipeline subprocess. It is canceled only after
	// the queue grace window so an in-flight task can finish during
	// shutdown instead of being killed with the signal context.
	lifeCtx, endLife := context.WithCancel(context.Background())
	defer endLife()

	q := queue.New()

	recognizer := asr.New(asr.Config{
		Bin:         cfg.Engines.ASRWorkerBin,
		Script:      cfg.Engines.ASRWorkerScript,
		Device:      cfg.Engines.ASRDevice,
		NCPU:        cfg.Engines.ASRNCPU,
		IdleSeconds: cfg.Engines.ASRIdleSeconds,
	})
	engines := job.Engines{
		Transcoder: engine.NewTranscoder(cfg.Engines.FFmpegBin),
		Separator: engine.NewSeparator(
			cfg.Engines.DemucsBin,
			cfg.Engines.DemucsArgs,
			cfg.Engines.DemucsMP3Bitrate,
			cfg.Engines.DemucsJobs,
		),
		Recognizer: recognizer,
	}

	mat := input.NewMaterializer(func() input.Options {
		c := holder.Get()
		return input.Options{
			Policy: outbound.Policy{
				Enabled: c.Outbound.Enabled,
				Allow: outbound.Allowlist{
					Hosts:   c.Outbound.AllowHosts,
					CIDRs:   c.Outbound.AllowCIDRs,
					Ports:   c.Outbound.AllowPorts,
					Schemes: c.Outbound.AllowSchemes,
				},
			},
			MaxDownloadBytes: c.MaxDownloadBytes,
			AudioPathRoot:    c.AudioPathRoot,
		}
	})

	jobs := job.NewManager(lifeCtx, paths, q, engines, mat, ttl)
	batches := batch.NewManager(lifeCtx, paths, q, engines, mat, ttl)

	// Surviving records come back before the listener opens so status reads
	// never race the startup sweep.
	jobs.LoadExisting(ctx)
	batches.LoadExisting(ctx)

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	go reaper.New(paths, jobs, batches, ttl).Run(bgCtx)

	if err := holder.StartWatcher(bgCtx); err != nil {
		logger.Warn().
			Err(err).
			Str("event", "config.watcher_failed").
			Msg("config hot reload unavailable")
	}

	srv := api.New(holder.Get, paths, jobs, batches, q, api.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info().
			Str("event", "http.listening").
			Str("addr", cfg.ListenAddr).
			Msg("API server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case runErr = <-errChan:
		logger.Error().Err(runErr).Str("event", "http.failed").Msg("server error, shutting down")
	case <-ctx.Done():
		logger.Info().Str("event", "shutdown.signal").Msg("shutdown signal received")
	}

	shutdown(logger, httpSrv, q, recognizer, tele, stopBackground, endLife)
	return runErr
}

// shutdown drains in dependency order: HTTP intake first, then the queue
// with its in-flight task, then background workers and exporters. Records
// still queued or running at exit are marked interrupted by the next boot.
func shutdown(
	logger zerolog.Logger,
	httpSrv *http.Server,
	q *queue.Queue,
	recognizer *asr.Supervisor,
	tele *telemetry.Provider,
	stopBackground context.CancelFunc,
	endLife context.CancelFunc,
) {
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), httpDrainTimeout)
	defer cancelDrain()
	if err := httpSrv.Shutdown(drainCtx); err != nil {
		logger.Warn().
			Err(err).
			Str("event", "shutdown.http_timeout").
			Msg("drain window elapsed, closing remaining connections")
		_ = httpSrv.Close()
	}

	queueCtx, cancelQueue := context.WithTimeout(context.Background(), queueGraceTimeout)
	defer cancelQueue()
	if err := q.Shutdown(queueCtx); err != nil {
		logger.Warn().
			Err(err).
			Str("event", "shutdown.queue_timeout").
			Msg("grace window elapsed, killing in-flight task")
	}
	// Cancel subprocess contexts; anything still running is group-killed.
	endLife()

	stopBackground()

	workerCtx, cancelWorker := context.WithTimeout(context.Background(), workerStopTimeout)
	defer cancelWorker()
	if err := recognizer.Shutdown(workerCtx); err != nil {
		logger.Warn().
			Err(err).
			Str("event", "shutdown.worker_failed").
			Msg("recognizer worker did not exit cleanly")
	}

	if err := tele.Shutdown(context.Background()); err != nil {
		logger.Warn().
			Err(err).
			Str("event", "shutdown.telemetry_failed").
			Msg("trace exporter flush failed")
	}

	logger.Info().Str("event", "shutdown.complete").Msg("daemon stopped cleanly")
}
