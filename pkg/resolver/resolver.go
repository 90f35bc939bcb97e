// Package resolver turns a target description into an on-screen element by
// walking an ordered chain of strategies: AI inference, a relaxed retry of the
// inferred expression, hand-authored selectors and finally a proportional
// screen coordinate.
package resolver

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
	"github.com/devicelab-dev/ticket-runner/pkg/logger"
)

// Default timeouts
const (
	DefaultAITimeout            = 5 * time.Second
	DefaultDeterministicTimeout = 2 * time.Second
)

// Inferer proposes a locator for a description against a hierarchy snapshot.
type Inferer interface {
	Infer(ctx context.Context, description, snapshot string) (core.Locator, error)
}

// Tapper taps an absolute screen point.
type Tapper interface {
	TapPoint(ctx context.Context, p core.Point) error
}

// Proportion is a point expressed as fractions of the screen size.
type Proportion struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

// Target describes one element to resolve.
type Target struct {
	Name        string          // stable name used in logs and artifact names
	Description string          // natural-language description for inference
	Selectors   []core.Selector // deterministic fallbacks, tried in order
	Point       *Proportion     // coordinate fallback; nil disables it

	// AITimeout bounds the presence wait for an inferred locator.
	AITimeout time.Duration
	// FallbackTimeout bounds the presence wait for each deterministic selector.
	FallbackTimeout time.Duration
}

// Resolution is the scratchpad shared by strategies during one Resolve call.
type Resolution struct {
	Target  Target
	Session core.Session
	Log     *logrus.Entry

	// timedOut is the inferred selector whose presence wait timed out.
	timedOut *core.Selector
	// relaxed records that the relaxed retry already ran.
	relaxed bool
}

// Strategy is one step of the resolution chain.
type Strategy interface {
	Name() core.Strategy
	Attempt(ctx context.Context, r *Resolution) core.Outcome
}

// Options configure a Resolver.
type Options struct {
	AITimeout            time.Duration
	DeterministicTimeout time.Duration
	// ConfidenceThreshold gates inferred locators; 0 means the default 0.3.
	ConfidenceThreshold float64
	// Snapshot post-processes the raw hierarchy before inference; nil keeps it raw.
	Snapshot func(raw string) string
	// Diagnostics receives a screenshot and hierarchy for unresolved targets.
	Diagnostics core.DiagnosticsSink
}

// Resolver runs the strategy chain against one session.
type Resolver struct {
	session     core.Session
	strategies  []Strategy
	diagnostics core.DiagnosticsSink
}

// New builds the default chain. A nil inferer drops both AI strategies.
func New(session core.Session, inferer Inferer, tapper Tapper, opts Options) *Resolver {
	if opts.AITimeout <= 0 {
		opts.AITimeout = DefaultAITimeout
	}
	if opts.DeterministicTimeout <= 0 {
		opts.DeterministicTimeout = DefaultDeterministicTimeout
	}

	var chain []Strategy
	if inferer != nil {
		chain = append(chain,
			&AIStrategy{Inferer: inferer, Timeout: opts.AITimeout, Threshold: opts.ConfidenceThreshold, Snapshot: opts.Snapshot},
			&RelaxedStrategy{Timeout: opts.AITimeout},
		)
	}
	chain = append(chain,
		&DeterministicStrategy{Timeout: opts.DeterministicTimeout},
		&CoordinateStrategy{Tapper: tapper},
	)

	r := NewWithStrategies(session, chain...)
	if opts.Diagnostics != nil {
		r.diagnostics = opts.Diagnostics
	}
	return r
}

// NewWithStrategies builds a resolver over an explicit chain.
func NewWithStrategies(session core.Session, strategies ...Strategy) *Resolver {
	return &Resolver{
		session:     session,
		strategies:  strategies,
		diagnostics: core.NullSink{},
	}
}

// Strategies returns the chain in order.
func (r *Resolver) Strategies() []core.Strategy {
	names := make([]core.Strategy, len(r.strategies))
	for i, s := range r.strategies {
		names[i] = s.Name()
	}
	return names
}

// Resolve tries each strategy in order and returns the first resolved outcome.
// Inference and lookup failures are absorbed; only a lost session cuts the
// chain short. Resolve never panics on bad model output and never returns an error.
func (r *Resolver) Resolve(ctx context.Context, target Target) core.Outcome {
	res := &Resolution{
		Target:  target,
		Session: r.session,
		Log:     logger.WithFields(logger.Fields{"target": target.Name}),
	}

	for _, s := range r.strategies {
		if err := ctx.Err(); err != nil {
			return core.Unresolved(err)
		}

		start := time.Now()
		out := s.Attempt(ctx, res)
		log := res.Log.WithFields(logrus.Fields{
			"strategy": s.Name(),
			"elapsed":  time.Since(start).Round(time.Millisecond),
		})

		if out.Resolved {
			log.Infof("resolved %q", target.Description)
			return out
		}
		if errors.Is(out.Reason, errSkipped) {
			log.Debug("skipped")
			continue
		}
		log.WithField("reason", out.Reason).Info("strategy failed")

		if errors.Is(out.Reason, core.ErrSessionError) {
			return out
		}
	}

	res.Log.Warnf("unresolved after %d strategies", len(r.strategies))
	core.CaptureState(ctx, r.diagnostics, r.session, "unresolved_"+ArtifactName(target.Name))
	return core.Unresolved(core.ErrElementNotFound.WithMessage("element not found: " + target.Name))
}

// errSkipped marks a strategy that did not apply to the target.
var errSkipped = errors.New("strategy not applicable")

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// ArtifactName makes a target or step name safe for file and object keys.
func ArtifactName(name string) string {
	s := strings.Trim(unsafeName.ReplaceAllString(name, "_"), "_")
	if s == "" {
		return "target"
	}
	return s
}
