// Package supervisor retries a step pipeline on fresh device sessions until
// it succeeds or the attempt budget runs out.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
	"github.com/devicelab-dev/ticket-runner/pkg/gesture"
	"github.com/devicelab-dev/ticket-runner/pkg/logger"
	"github.com/devicelab-dev/ticket-runner/pkg/pipeline"
	"github.com/devicelab-dev/ticket-runner/pkg/resolver"
)

// Defaults
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
)

// SessionFactory creates a new device session. Every call must return a
// distinct session.
type SessionFactory func(ctx context.Context) (core.Session, error)

// Config configures a Supervisor.
type Config struct {
	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration
	// Inferer backs the AI strategies; nil disables them.
	Inferer  resolver.Inferer
	Resolver resolver.Options
	Pipeline pipeline.Config
	// ScrollSettle is the pause after each scroll gesture.
	ScrollSettle time.Duration

	OnAttemptStart func(attempt, maxAttempts int, sessionID string)
	OnAttemptEnd   func(attempt int, run core.PipelineRun)
}

// Supervisor owns the session lifecycle across attempts.
type Supervisor struct {
	newSession SessionFactory
	cfg        Config
}

// New creates a supervisor.
func New(factory SessionFactory, cfg Config) *Supervisor {
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Pipeline.Diagnostics == nil {
		cfg.Pipeline.Diagnostics = core.NullSink{}
	}
	if cfg.Resolver.Diagnostics == nil {
		cfg.Resolver.Diagnostics = cfg.Pipeline.Diagnostics
	}
	return &Supervisor{newSession: factory, cfg: cfg}
}

// RunWithRetry runs steps up to maxAttempts times, each on a freshly created
// session. Any failure is retried; the cause is recorded but never consulted.
// The returned result always carries the trace of every attempt. The error is
// ErrPipelineExhausted when no attempt succeeded, or the context error when
// the run was cancelled.
func (s *Supervisor) RunWithRetry(ctx context.Context, steps []pipeline.Step, maxAttempts int) (*core.RunResult, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	result := &core.RunResult{
		RunID:     pipeline.NewID(),
		StartTime: time.Now(),
	}
	log := logger.WithFields(logger.Fields{"run": result.RunID})
	b := backoff.WithContext(backoff.NewConstantBackOff(s.cfg.RetryDelay), ctx)

	var session core.Session
	defer func() { closeSession(session) }()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		closeSession(session)
		session = nil

		var run *core.PipelineRun
		session, run, lastErr = s.attempt(ctx, attempt, maxAttempts, steps)
		result.Attempts = append(result.Attempts, *run)
		if s.cfg.OnAttemptEnd != nil {
			s.cfg.OnAttemptEnd(attempt, *run)
		}

		if lastErr == nil {
			log.Infof("attempt %d/%d succeeded", attempt, maxAttempts)
			result.Success = true
			result.Duration = time.Since(result.StartTime)
			return result, nil
		}
		log.WithField("attempt", attempt).Warnf("attempt failed: %v", lastErr)

		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}

		// Free the device before waiting out the backoff.
		closeSession(session)
		session = nil

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		if err := gesture.Sleep(ctx, wait); err != nil {
			break
		}
	}

	result.Duration = time.Since(result.StartTime)
	if err := ctx.Err(); err != nil {
		result.Error = err.Error()
		return result, err
	}
	err := core.ErrPipelineExhausted.
		WithMessage(fmt.Sprintf("pipeline failed on all %d attempts", len(result.Attempts))).
		WithCause(lastErr)
	result.Error = err.Error()
	return result, err
}

// attempt creates a session and runs the pipeline on it once. The session
// is returned for the caller to close.
func (s *Supervisor) attempt(ctx context.Context, n, maxAttempts int, steps []pipeline.Step) (core.Session, *core.PipelineRun, error) {
	session, err := s.newSession(ctx)
	if err != nil {
		if !errors.Is(err, core.ErrSessionError) {
			err = core.ErrSessionError.WithCause(err)
		}
		return nil, sessionFailedRun(n, steps, err), err
	}
	if s.cfg.OnAttemptStart != nil {
		s.cfg.OnAttemptStart(n, maxAttempts, session.ID())
	}

	sink := attemptSink{n: n, next: s.cfg.Pipeline.Diagnostics}
	ropts := s.cfg.Resolver
	ropts.Diagnostics = attemptSink{n: n, next: s.cfg.Resolver.Diagnostics}
	gestures := gesture.New(session, s.cfg.ScrollSettle)
	env := &pipeline.Env{
		Attempt:  n,
		Session:  session,
		Resolver: resolver.New(session, s.cfg.Inferer, gestures, ropts),
		Gestures: gestures,
	}
	pcfg := s.cfg.Pipeline
	pcfg.Diagnostics = sink

	ok, run, err := runPipeline(ctx, pipeline.NewRunner(pcfg), env, steps)
	if err != nil {
		return session, run, err
	}
	if !ok {
		return session, run, core.ErrStepFailure.WithMessage(fmt.Sprintf("step %s failed: %s", run.FailedStep, run.Error))
	}
	return session, run, nil
}

// runPipeline converts a fault escaping the pipeline into a failed attempt.
func runPipeline(ctx context.Context, r *pipeline.Runner, env *pipeline.Env, steps []pipeline.Step) (ok bool, run *core.PipelineRun, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("pipeline panicked: %v\n%s", p, debug.Stack())
			err = core.ErrStepPanic.WithCause(fmt.Errorf("%v", p))
			ok = false
			if run == nil {
				run = sessionFailedRun(env.Attempt, steps, err)
				run.SessionID = env.Session.ID()
			}
		}
	}()
	ok, run = r.Run(ctx, env, steps)
	return ok, run, nil
}

// sessionFailedRun is the trace of an attempt that never got to run a step.
func sessionFailedRun(n int, steps []pipeline.Step, err error) *core.PipelineRun {
	run := &core.PipelineRun{
		ID:           pipeline.NewID(),
		AttemptIndex: n,
		StartedAt:    time.Now(),
		Status:       core.StatusFailed,
		Steps:        make([]core.StepRecord, len(steps)),
		Error:        err.Error(),
	}
	for i, step := range steps {
		run.Steps[i] = core.StepRecord{Index: i, Name: step.Name, Status: core.StatusSkipped}
	}
	run.ComputeSummary()
	return run
}

func closeSession(session core.Session) {
	if session == nil {
		return
	}
	if err := session.Close(); err != nil {
		logger.Warn("closing session %s: %v", session.ID(), err)
	}
}

// attemptSink prefixes artifact names with the attempt number so retries
// don't overwrite each other's diagnostics.
type attemptSink struct {
	n    int
	next core.DiagnosticsSink
}

func (a attemptSink) Capture(ctx context.Context, name string, artifact core.Artifact) {
	a.next.Capture(ctx, fmt.Sprintf("attempt%d_%s", a.n, name), artifact)
}
