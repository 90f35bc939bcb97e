package resolver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
)

// AIStrategy asks the inference service for a locator and waits for it.
type AIStrategy struct {
	Inferer   Inferer
	Timeout   time.Duration
	Threshold float64
	Snapshot  func(raw string) string
}

// Name implements Strategy.
func (s *AIStrategy) Name() core.Strategy { return core.StrategyAI }

// Attempt implements Strategy.
func (s *AIStrategy) Attempt(ctx context.Context, r *Resolution) core.Outcome {
	if s.Inferer == nil {
		return core.Unresolved(core.ErrInferenceDisabled)
	}
	if r.Target.Description == "" {
		return core.Unresolved(errSkipped)
	}

	src, err := r.Session.Source(ctx)
	if err != nil {
		return core.Unresolved(err)
	}
	if s.Snapshot != nil {
		src = s.Snapshot(src)
	}

	req := core.ResolutionRequest{
		Description: r.Target.Description,
		Timeout:     pick(r.Target.AITimeout, s.Timeout),
		Snapshot:    src,
	}

	loc, err := s.Inferer.Infer(ctx, req.Description, req.Snapshot)
	if err != nil {
		if loc.Kind != core.KindNotFound {
			r.Log.WithField("confidence", loc.Confidence).Debugf("rejected %s", loc.Selector().Describe())
		}
		return core.Unresolved(err)
	}
	loc = loc.Normalize()
	if loc.Kind == core.KindNotFound {
		return core.Unresolved(core.ErrInferenceNotFound)
	}
	threshold := s.Threshold
	if threshold <= 0 {
		threshold = core.DefaultConfidenceThreshold
	}
	if !loc.Accepted(threshold) {
		return core.Unresolved(core.ErrLowConfidence.WithDetails(map[string]interface{}{"confidence": loc.Confidence}))
	}

	sel := loc.Selector()
	r.Log.WithField("confidence", loc.Confidence).Debugf("proposed %s", sel.Describe())

	elem, err := r.Session.WaitForElement(ctx, sel, req.Timeout)
	if err != nil {
		if errors.Is(err, core.ErrElementTimeout) {
			r.timedOut = &sel
		}
		return core.Unresolved(err)
	}
	return core.Resolved(elem, core.StrategyAI, sel)
}

// RelaxedStrategy retries a timed-out inferred UiSelector once with its
// clickability predicate removed.
type RelaxedStrategy struct {
	Timeout time.Duration
}

// Name implements Strategy.
func (s *RelaxedStrategy) Name() core.Strategy { return core.StrategyAIRelaxed }

// Attempt implements Strategy.
func (s *RelaxedStrategy) Attempt(ctx context.Context, r *Resolution) core.Outcome {
	if r.relaxed || r.timedOut == nil || !r.timedOut.HasClickableConstraint() {
		return core.Unresolved(errSkipped)
	}
	r.relaxed = true

	sel := r.timedOut.Relaxed()
	r.Log.Debugf("relaxed to %s", sel.Describe())

	elem, err := r.Session.WaitForElement(ctx, sel, pick(r.Target.AITimeout, s.Timeout))
	if err != nil {
		return core.Unresolved(err)
	}
	return core.Resolved(elem, core.StrategyAIRelaxed, sel)
}

// DeterministicStrategy tries the target's hand-authored selectors in order.
type DeterministicStrategy struct {
	Timeout time.Duration
}

// Name implements Strategy.
func (s *DeterministicStrategy) Name() core.Strategy { return core.StrategyDeterministic }

// Attempt implements Strategy.
func (s *DeterministicStrategy) Attempt(ctx context.Context, r *Resolution) core.Outcome {
	if len(r.Target.Selectors) == 0 {
		return core.Unresolved(errSkipped)
	}

	timeout := pick(r.Target.FallbackTimeout, s.Timeout)
	var lastErr error
	for _, sel := range r.Target.Selectors {
		elem, err := r.Session.WaitForElement(ctx, sel, timeout)
		if err == nil {
			return core.Resolved(elem, core.StrategyDeterministic, sel)
		}
		if errors.Is(err, core.ErrSessionError) || ctx.Err() != nil {
			return core.Unresolved(err)
		}
		r.Log.Debugf("candidate %s: %v", sel.Describe(), err)
		lastErr = err
	}
	return core.Unresolved(core.ErrElementNotFound.WithCause(lastErr))
}

// CoordinateStrategy taps a proportional screen point. It always succeeds
// once the tap is delivered; no element identity is confirmed.
type CoordinateStrategy struct {
	Tapper Tapper
}

// Name implements Strategy.
func (s *CoordinateStrategy) Name() core.Strategy { return core.StrategyCoordinate }

// Attempt implements Strategy.
func (s *CoordinateStrategy) Attempt(ctx context.Context, r *Resolution) core.Outcome {
	if r.Target.Point == nil || s.Tapper == nil {
		return core.Unresolved(errSkipped)
	}

	w, h := r.Session.WindowSize()
	if w <= 0 || h <= 0 {
		return core.Unresolved(fmt.Errorf("unknown window size %dx%d", w, h))
	}
	p := Scale(*r.Target.Point, w, h)

	if err := s.Tapper.TapPoint(ctx, p); err != nil {
		return core.Unresolved(err)
	}
	return core.ResolvedAt(p)
}

// Scale converts a proportion to an absolute point, clamped to the screen.
func Scale(p Proportion, width, height int) core.Point {
	x := int(math.Round(clamp01(p.X) * float64(width)))
	y := int(math.Round(clamp01(p.Y) * float64(height)))
	if x >= width {
		x = width - 1
	}
	if y >= height {
		y = height - 1
	}
	return core.Point{X: x, Y: y}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func pick(preferred, fallback time.Duration) time.Duration {
	if preferred > 0 {
		return preferred
	}
	return fallback
}
