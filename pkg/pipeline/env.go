package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
	"github.com/devicelab-dev/ticket-runner/pkg/gesture"
	"github.com/devicelab-dev/ticket-runner/pkg/logger"
	"github.com/devicelab-dev/ticket-runner/pkg/resolver"
)

// Env is threaded through every step action of one attempt. It owns no
// state beyond the attempt's session and the trace of the running step.
type Env struct {
	Attempt  int
	Session  core.Session
	Resolver *resolver.Resolver
	Gestures *gesture.Executor

	record *core.StepRecord
}

// Resolve runs the resolver and records the outcome on the current step.
func (e *Env) Resolve(ctx context.Context, target resolver.Target) core.Outcome {
	start := time.Now()
	out := e.Resolver.Resolve(ctx, target)
	if e.record != nil {
		e.record.Resolutions = append(e.record.Resolutions, core.NewResolutionRecord(target.Name, out, time.Since(start)))
	}
	return out
}

// Find resolves target without tapping it. A target that cannot be found
// yields a nil element and no error; the error is reserved for failures
// that must end the attempt. The coordinate fallback never applies here.
func (e *Env) Find(ctx context.Context, target resolver.Target) (*core.ElementInfo, error) {
	target.Point = nil
	out := e.Resolve(ctx, target)
	if !out.Resolved {
		return nil, Fatal(out.Reason)
	}
	return out.Element, nil
}

// Tap resolves target and taps it. An unresolved target is a plain false;
// a lost session is returned as an error so the attempt ends at once.
func (e *Env) Tap(ctx context.Context, target resolver.Target) (bool, error) {
	out := e.Resolve(ctx, target)
	if !out.Resolved {
		return false, Fatal(out.Reason)
	}
	if err := e.Gestures.Apply(ctx, out); err != nil {
		return false, err
	}
	return true, nil
}

// Warn logs a problem the running step chose to tolerate. A step that warns
// and then returns true is recorded as warned; the last warning wins.
func (e *Env) Warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	logger.Warn("%s", msg)
	if e.record != nil {
		e.record.Warning = msg
	}
}

// Fatal filters err down to the failures that must end the attempt: a lost
// session or a cancelled context. Anything else yields nil.
func Fatal(err error) error {
	if errors.Is(err, core.ErrSessionError) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
