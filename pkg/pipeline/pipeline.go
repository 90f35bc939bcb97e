// Package pipeline runs an ordered list of fallible steps as one
// all-or-nothing attempt.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
	"github.com/devicelab-dev/ticket-runner/pkg/gesture"
	"github.com/devicelab-dev/ticket-runner/pkg/logger"
	"github.com/devicelab-dev/ticket-runner/pkg/resolver"
)

// DefaultSettle is the pause between steps while the UI transitions.
const DefaultSettle = time.Second

// Action performs one step. It returns false when the step could not do its
// job and an error when something broke underneath it.
type Action func(ctx context.Context, env *Env) (bool, error)

// Step is a named action.
type Step struct {
	Name string
	// Optional marks a step whose action tolerates its own failure by
	// calling Env.Warn and returning true. The runner halts on false
	// regardless; the flag is only shown in plans.
	Optional bool
	Action   Action
}

// Config configures a Runner.
type Config struct {
	Settle      time.Duration
	Diagnostics core.DiagnosticsSink

	// Callbacks for console progress
	OnStepStart    func(idx, total int, name string)
	OnStepComplete func(idx, total int, rec core.StepRecord)
}

// Runner executes steps in declared order.
type Runner struct {
	cfg Config
}

// NewRunner creates a runner, applying defaults.
func NewRunner(cfg Config) *Runner {
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	if cfg.Diagnostics == nil {
		cfg.Diagnostics = core.NullSink{}
	}
	return &Runner{cfg: cfg}
}

// DefaultConfig returns the pacing used by real runs.
func DefaultConfig() Config {
	return Config{Settle: DefaultSettle}
}

// Run executes steps until one fails. The returned trace always lists every
// step; those after the failure are marked skipped.
func (r *Runner) Run(ctx context.Context, env *Env, steps []Step) (bool, *core.PipelineRun) {
	run := &core.PipelineRun{
		ID:           NewID(),
		AttemptIndex: env.Attempt,
		StartedAt:    time.Now(),
		Status:       core.StatusRunning,
		Steps:        make([]core.StepRecord, len(steps)),
	}
	if env.Session != nil {
		run.SessionID = env.Session.ID()
	}
	for i, s := range steps {
		run.Steps[i] = core.StepRecord{Index: i, Name: s.Name, Status: core.StatusPending}
	}

	log := logger.WithFields(logger.Fields{"attempt": env.Attempt, "run": run.ID})
	ok := true

	for i, step := range steps {
		if i > 0 {
			if err := gesture.Sleep(ctx, r.cfg.Settle); err != nil {
				r.halt(run, i, "cancelled", err)
				ok = false
				break
			}
		} else if err := ctx.Err(); err != nil {
			r.halt(run, i, "cancelled", err)
			ok = false
			break
		}

		if r.cfg.OnStepStart != nil {
			r.cfg.OnStepStart(i, len(steps), step.Name)
		}

		rec := &run.Steps[i]
		passed := r.execute(ctx, env, step, rec)
		log.WithFields(logger.Fields{"step": step.Name, "status": rec.Status.String()}).Info("step finished")

		if r.cfg.OnStepComplete != nil {
			r.cfg.OnStepComplete(i, len(steps), *rec)
		}

		if passed {
			continue
		}

		// Required step failed - skip remaining and fail the run
		r.skipFrom(run, i+1)
		run.FailedStep = step.Name
		run.Error = rec.Error
		core.CaptureState(ctx, r.cfg.Diagnostics, env.Session, resolver.ArtifactName(step.Name)+"_failed")
		ok = false
		break
	}

	run.Duration = time.Since(run.StartedAt)
	if ok {
		run.Status = core.StatusPassed
	} else {
		run.Status = core.StatusFailed
	}
	run.ComputeSummary()
	return ok, run
}

// execute runs one step, converting panics into errors. It reports whether
// the run may continue.
func (r *Runner) execute(ctx context.Context, env *Env, step Step, rec *core.StepRecord) (passed bool) {
	var err error
	rec.Status = core.StatusRunning
	rec.StartTime = time.Now()
	env.record = rec

	defer func() {
		env.record = nil
		if p := recover(); p != nil {
			logger.Error("step %s panicked: %v\n%s", step.Name, p, debug.Stack())
			err = core.ErrStepPanic.WithCause(fmt.Errorf("%v", p))
			passed = false
		}
		rec.Duration = time.Since(rec.StartTime)

		switch {
		case err != nil:
			rec.Status = core.StatusErrored
			rec.Category = core.CategoryOf(err)
			rec.Error = err.Error()
			passed = false
		case passed && rec.Warning != "":
			rec.Status = core.StatusWarned
		case passed:
			rec.Status = core.StatusPassed
		default:
			rec.Status = core.StatusFailed
			rec.Category = core.ErrCategoryStep
			rec.Error = "step returned false"
		}
	}()

	if step.Action == nil {
		err = core.ErrStepFailure.WithMessage("step " + step.Name + " has no action")
		return false
	}
	passed, err = step.Action(ctx, env)
	return passed
}

func (r *Runner) halt(run *core.PipelineRun, from int, reason string, err error) {
	r.skipFrom(run, from)
	run.Error = fmt.Sprintf("%s: %v", reason, err)
	if from < len(run.Steps) {
		run.FailedStep = run.Steps[from].Name
	}
}

func (r *Runner) skipFrom(run *core.PipelineRun, from int) {
	for j := from; j < len(run.Steps); j++ {
		run.Steps[j].Status = core.StatusSkipped
	}
}
