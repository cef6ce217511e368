// SPDX-License-Identifier: MIT

package engine

import (
	"bufio"
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stemscribe/stemscribe/internal/log"
	"github.com/stemscribe/stemscribe/internal/metrics"
	"github.com/stemscribe/stemscribe/internal/model"
	"github.com/stemscribe/stemscribe/internal/procgroup"
	"github.com/stemscribe/stemscribe/internal/telemetry"
)

const (
	// stderrTailBytes caps the stderr excerpt attached to adapter errors.
	stderrTailBytes = 32 << 10

	// killGrace is how long a canceled tool gets between SIGTERM and SIGKILL.
	killGrace = 5 * time.Second

	ringCapacity = 256
)

// runResult reports one finished tool invocation.
type runResult struct {
	exitCode int
	ring     *LineRing
}

// runTool executes one external tool to completion, capturing stderr into a
// ring buffer. The returned error is the raw Wait error; callers classify it.
// A start failure is returned as internal_error because the engine never ran.
func runTool(ctx context.Context, engine, bin string, args []string) (runResult, error) {
	logger := log.WithComponentFromContext(ctx, "engine")
	ring := NewLineRing(ringCapacity)
	res := runResult{exitCode: -1, ring: ring}

	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	ctx, span := telemetry.Tracer("stemscribe.engine").Start(ctx, "engine."+engine,
		trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(telemetry.EngineAttributes(engine, bin)...)
	defer span.End()

	cmd := exec.CommandContext(ctx, bin, args...) // #nosec G204 -- bin and args come from validated config
	procgroup.Set(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return res, model.Internalf("%s: capture stderr: %v", engine, err)
	}

	var ioWg sync.WaitGroup
	ioWg.Add(1)
	go func() {
		defer ioWg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64<<10), 64<<10)
		for scanner.Scan() {
			_, _ = ring.Write(scanner.Bytes())
			_, _ = ring.Write([]byte("\n"))
		}
	}()

	start := time.Now()
	logger.Debug().
		Str("event", "engine.start").
		Str("engine", engine).
		Str("command", cmd.String()).
		Msg("starting engine process")

	if err := cmd.Start(); err != nil {
		ioWg.Wait()
		metrics.EngineInvocations.WithLabelValues(engine, "start_failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		return res, model.Internalf("%s: start %s: %v", engine, bin, err)
	}

	// Kill the whole process group when the context is canceled; CommandContext
	// alone only signals the direct child.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = procgroup.Interrupt(cmd)
			select {
			case <-done:
			case <-time.After(killGrace):
				_ = procgroup.ForceKill(cmd)
			}
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	ioWg.Wait()

	elapsed := time.Since(start)
	metrics.EngineDuration.WithLabelValues(engine).Observe(elapsed.Seconds())

	res.exitCode = 0
	if waitErr != nil {
		res.exitCode = 1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.exitCode = exitErr.ExitCode()
		}
		metrics.EngineInvocations.WithLabelValues(engine, "error").Inc()
		span.RecordError(waitErr)
		span.SetStatus(codes.Error, "nonzero exit")
		logger.Warn().
			Str("event", "engine.exit").
			Str("engine", engine).
			Int("exit_code", res.exitCode).
			Dur("duration", elapsed).
			Strs("stderr", ring.LastN(10)).
			Msg("engine process failed")
		return res, waitErr
	}

	metrics.EngineInvocations.WithLabelValues(engine, "ok").Inc()
	span.SetStatus(codes.Ok, "")
	logger.Debug().
		Str("event", "engine.exit").
		Str("engine", engine).
		Dur("duration", elapsed).
		Msg("engine process finished")
	return res, nil
}
