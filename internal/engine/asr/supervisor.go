// SPDX-License-Identifier: MIT

// Package asr supervises the long-lived speech recognizer subprocess. The
// worker preloads its models once and is multiplexed across requests via
// line-delimited JSON on stdin/stdout.
package asr

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/stemscribe/stemscribe/internal/engine"
	"github.com/stemscribe/stemscribe/internal/log"
	"github.com/stemscribe/stemscribe/internal/metrics"
	"github.com/stemscribe/stemscribe/internal/model"
	"github.com/stemscribe/stemscribe/internal/procgroup"
	"github.com/stemscribe/stemscribe/internal/telemetry"
)

const (
	// shutdownGrace is how long a worker gets to exit after stdin closes
	// before it is signaled.
	shutdownGrace = 5 * time.Second

	// killGrace is how long a signaled worker gets before SIGKILL.
	killGrace = 5 * time.Second

	stderrRingLines = 256
	stderrTailBytes = 32 << 10
)

// Config describes how to launch the worker process.
type Config struct {
	Bin         string
	Script      string
	Device      string
	NCPU        int
	IdleSeconds int
}

// Request is one recognize call.
type Request struct {
	AudioPath             string
	OutDir                string
	VADMaxSingleSegmentMs int
	VADMaxEndSilenceMs    int
}

// Supervisor owns at most one worker process at a time. Spawn is lazy: the
// first request starts the worker, an idle or crashed worker is replaced on
// the next request. Respawns are throttled so a crash-looping worker cannot
// spin.
type Supervisor struct {
	cfg     config
	limiter *rate.Limiter
	nextID  atomic.Int64

	mu      sync.Mutex
	state   State
	proc    *workerProc
	closing bool
}

type config struct {
	bin         string
	argv        []string
	idleSeconds int
}

// New builds a Supervisor from config values, applying defaults.
func New(cfg Config) *Supervisor {
	bin := cfg.Bin
	if bin == "" {
		bin = "python3"
	}
	var argv []string
	if cfg.Script != "" {
		argv = append(argv, cfg.Script)
	}
	if cfg.Device != "" {
		argv = append(argv, "--device", cfg.Device)
	}
	if cfg.NCPU > 0 {
		argv = append(argv, "--ncpu", strconv.Itoa(cfg.NCPU))
	}
	if cfg.IdleSeconds > 0 {
		argv = append(argv, "--idle-seconds", strconv.Itoa(cfg.IdleSeconds))
	}
	return &Supervisor{
		cfg:     config{bin: bin, argv: argv, idleSeconds: cfg.IdleSeconds},
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 3),
		state:   StateDown,
	}
}

// State reports the current worker state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Recognize sends one request to the worker and waits for its result. If the
// worker dies under the request, one respawn-and-retry is attempted; a second
// failure is surfaced.
func (s *Supervisor) Recognize(ctx context.Context, req Request) (srtPath string, err error) {
	ctx, span := telemetry.Tracer("stemscribe.engine").Start(ctx, "engine.recognize",
		trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(telemetry.EngineAttributes("recognize", s.cfg.bin)...)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "recognize failed")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	srtPath, died, err := s.roundTrip(ctx, req, "request")
	if err == nil || !died || ctx.Err() != nil {
		return srtPath, err
	}

	logger := log.WithComponentFromContext(ctx, "asr")
	logger.Warn().
		Str("event", "worker.retry").
		Str("audio_path", req.AudioPath).
		Msg("worker died under request, respawning once")

	srtPath, _, err = s.roundTrip(ctx, req, "retry")
	return srtPath, err
}

// roundTrip performs one request against one worker incarnation. The died
// return reports whether the failure was caused by worker death, which is the
// only failure the caller may retry.
func (s *Supervisor) roundTrip(ctx context.Context, req Request, spawnReason string) (string, bool, error) {
	p, err := s.ensureProc(ctx, spawnReason)
	if err != nil {
		return "", false, err
	}

	id := s.nextID.Add(1)
	ch := make(chan pendingResult, 1)
	if !p.addPending(id, ch) {
		metrics.WorkerRequests.WithLabelValues("died").Inc()
		return "", true, model.EngineErrorf("recognizer exited before accepting request").WithDetails(p.ring.Tail(stderrTailBytes))
	}

	line, err := json.Marshal(request{
		Type:                  "asr",
		ID:                    id,
		AudioPath:             req.AudioPath,
		OutDir:                req.OutDir,
		VADMaxSingleSegmentMs: req.VADMaxSingleSegmentMs,
		VADMaxEndSilenceMs:    req.VADMaxEndSilenceMs,
	})
	if err != nil {
		p.removePending(id)
		return "", false, model.Internalf("encode worker request: %v", err)
	}
	if err := p.writeLine(line); err != nil {
		p.removePending(id)
		metrics.WorkerRequests.WithLabelValues("died").Inc()
		return "", true, model.EngineErrorf("write to recognizer failed: %v", err).WithDetails(p.ring.Tail(stderrTailBytes))
	}

	select {
	case <-ctx.Done():
		p.removePending(id)
		metrics.WorkerRequests.WithLabelValues("canceled").Inc()
		return "", false, ctx.Err()
	case res := <-ch:
		if res.died {
			metrics.WorkerRequests.WithLabelValues("died").Inc()
			return "", true, model.EngineErrorf("recognizer exited before responding").WithDetails(p.ring.Tail(stderrTailBytes))
		}
		if !res.resp.OK {
			metrics.WorkerRequests.WithLabelValues("error").Inc()
			msg := res.resp.Error
			if msg == "" {
				msg = "recognizer reported failure"
			}
			return "", false, model.NewTaskError(model.CodeEngineError, msg).WithDetails(res.resp.Traceback)
		}
		if res.resp.SRTPath == "" {
			metrics.WorkerRequests.WithLabelValues("error").Inc()
			return "", false, model.EngineErrorf("recognizer result carried no srtPath")
		}
		metrics.WorkerRequests.WithLabelValues("ok").Inc()
		return res.resp.SRTPath, false, nil
	}
}

// ensureProc returns the live worker, spawning one if needed. Spawns pass
// through the rate limiter, so a tight respawn loop blocks here instead of
// forking in a loop.
func (s *Supervisor) ensureProc(ctx context.Context, reason string) (*workerProc, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, model.EngineErrorf("recognizer is shutting down")
	}
	if p := s.proc; p != nil && !p.isDead() {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, model.EngineErrorf("recognizer is shutting down")
	}
	if p := s.proc; p != nil && !p.isDead() {
		return p, nil
	}
	return s.spawnLocked(ctx, reason)
}

// spawnLocked starts a worker process. Caller holds s.mu.
func (s *Supervisor) spawnLocked(ctx context.Context, reason string) (*workerProc, error) {
	logger := log.WithComponentFromContext(ctx, "asr")

	cmd := exec.Command(s.cfg.bin, s.cfg.argv...) // #nosec G204 -- bin and argv come from validated config
	procgroup.Set(cmd)

	p := &workerProc{
		cmd:     cmd,
		ring:    engine.NewLineRing(stderrRingLines),
		pending: make(map[int64]chan pendingResult),
		exited:  make(chan struct{}),
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, model.EngineErrorf("worker stdin: %v", err)
	}
	p.stdin = stdin
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, model.EngineErrorf("worker stdout: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, model.EngineErrorf("worker stderr: %v", err)
	}

	logger.Info().
		Str("event", "worker.spawn").
		Str("command", cmd.String()).
		Str("reason", reason).
		Msg("starting recognizer worker")

	if err := cmd.Start(); err != nil {
		return nil, model.EngineErrorf("start recognizer worker: %v", err)
	}
	metrics.WorkerSpawns.WithLabelValues(reason).Inc()

	s.proc = p
	s.state = StateStarting

	p.ioWg.Add(1)
	go func() {
		defer p.ioWg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64<<10), 64<<10)
		for scanner.Scan() {
			_, _ = p.ring.Write(scanner.Bytes())
			_, _ = p.ring.Write([]byte("\n"))
		}
	}()
	go s.readLoop(p, bufio.NewScanner(stdout))

	return p, nil
}

// readLoop consumes stdout lines for one worker incarnation and reaps the
// process once the stream ends.
func (s *Supervisor) readLoop(p *workerProc, scanner *bufio.Scanner) {
	logger := log.WithComponent("asr")
	scanner.Buffer(make([]byte, 1<<20), 1<<20)

	for scanner.Scan() {
		var msg response
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			logger.Debug().
				Str("event", "worker.protocol_garbage").
				Str("line", string(scanner.Bytes())).
				Msg("discarding unparseable worker line")
			continue
		}

		switch msg.Type {
		case "ready":
			s.mu.Lock()
			if s.proc == p && s.state == StateStarting {
				s.state = StateReady
			}
			s.mu.Unlock()
			logger.Info().
				Str("event", "worker.ready").
				Int("pid", msg.PID).
				Str("device", msg.Device).
				Int("ncpu", msg.NCPU).
				Int("idle_seconds", msg.IdleSeconds).
				Msg("recognizer worker ready")
		case "result":
			ch := p.takePending(msg.ID)
			if ch == nil {
				logger.Debug().
					Str("event", "worker.orphan_response").
					Int64("id", msg.ID).
					Msg("discarding response with no pending request")
				continue
			}
			ch <- pendingResult{resp: msg}
		default:
			logger.Debug().
				Str("event", "worker.unknown_message").
				Str("type", msg.Type).
				Msg("discarding worker message of unknown type")
		}
	}

	waitErr := p.cmd.Wait()
	p.ioWg.Wait()
	s.reap(p, waitErr, logger)
}

// reap finalizes a dead worker: detaches it from the supervisor, fails every
// pending request, and classifies the exit. An exit with nothing pending is
// the worker's idle shutdown and is benign.
func (s *Supervisor) reap(p *workerProc, waitErr error, logger zerolog.Logger) {
	s.mu.Lock()
	closing := s.closing
	if s.proc == p {
		s.proc = nil
		s.state = StateDown
	}
	s.mu.Unlock()

	orphaned := p.failAllPending()
	close(p.exited)

	kind := "idle"
	switch {
	case closing:
		kind = "shutdown"
	case orphaned > 0 || waitErr != nil:
		kind = "crash"
	}
	metrics.WorkerExits.WithLabelValues(kind).Inc()

	evt := logger.Info()
	if kind == "crash" {
		evt = logger.Warn().
			Strs("stderr", p.ring.LastN(10)).
			Int("pending_failed", orphaned)
	}
	evt.Str("event", "worker.exit").
		Str("kind", kind).
		AnErr("wait_error", waitErr).
		Msg("recognizer worker exited")
}

// Shutdown closes the worker's stdin, waits for it to exit, then escalates to
// signals. Safe to call with no worker running.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	p := s.proc
	if p != nil {
		s.state = StateDying
	}
	s.mu.Unlock()

	if p == nil {
		return nil
	}
	p.closeStdin()

	grace := time.NewTimer(shutdownGrace)
	defer grace.Stop()
	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
	case <-grace.C:
	}

	_ = procgroup.Interrupt(p.cmd)
	kill := time.NewTimer(killGrace)
	defer kill.Stop()
	select {
	case <-p.exited:
		return nil
	case <-kill.C:
		_ = procgroup.ForceKill(p.cmd)
	}
	<-p.exited
	return nil
}

// pendingResult is what a waiting request receives: a real response, or
// notice that the worker died first.
type pendingResult struct {
	resp response
	died bool
}

// workerProc is one incarnation of the worker process.
type workerProc struct {
	cmd   *exec.Cmd
	ring  *engine.LineRing
	ioWg  sync.WaitGroup
	stdin io.WriteCloser

	writeMu sync.Mutex

	pmu     sync.Mutex
	pending map[int64]chan pendingResult
	dead    bool

	exited chan struct{}
}

func (p *workerProc) isDead() bool {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	return p.dead
}

// addPending registers a waiter; it reports false if the process is already
// dead, in which case no response will ever arrive.
func (p *workerProc) addPending(id int64, ch chan pendingResult) bool {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	if p.dead {
		return false
	}
	p.pending[id] = ch
	return true
}

func (p *workerProc) removePending(id int64) {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	delete(p.pending, id)
}

// takePending removes and returns the waiter for id, or nil for orphans.
func (p *workerProc) takePending(id int64) chan pendingResult {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	ch := p.pending[id]
	delete(p.pending, id)
	return ch
}

// failAllPending marks the process dead and notifies every waiter. Returns
// how many requests were failed.
func (p *workerProc) failAllPending() int {
	p.pmu.Lock()
	p.dead = true
	chans := make([]chan pendingResult, 0, len(p.pending))
	for _, ch := range p.pending {
		chans = append(chans, ch)
	}
	p.pending = make(map[int64]chan pendingResult)
	p.pmu.Unlock()

	for _, ch := range chans {
		ch <- pendingResult{died: true}
	}
	return len(chans)
}

func (p *workerProc) writeLine(line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

func (p *workerProc) closeStdin() {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.stdin.Close()
}
