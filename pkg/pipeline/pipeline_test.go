package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
	"github.com/devicelab-dev/ticket-runner/pkg/driver/mock"
	"github.com/devicelab-dev/ticket-runner/pkg/gesture"
	"github.com/devicelab-dev/ticket-runner/pkg/resolver"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// inferByDescription maps descriptions to locators.
type inferByDescription map[string]core.Locator

func (m inferByDescription) Infer(_ context.Context, description, _ string) (core.Locator, error) {
	if loc, ok := m[description]; ok {
		return loc, nil
	}
	return core.NotFoundLocator, core.ErrInferenceNotFound
}

type recordingSink struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingSink) Capture(_ context.Context, name string, _ core.Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func newEnv(session *mock.Session, inferer resolver.Inferer) *Env {
	g := gesture.New(session, time.Millisecond)
	return &Env{
		Attempt:  1,
		Session:  session,
		Resolver: resolver.New(session, inferer, g, resolver.Options{AITimeout: 20 * time.Millisecond, DeterministicTimeout: 5 * time.Millisecond}),
		Gestures: g,
	}
}

// counted returns a step that records how often it ran.
func counted(name string, calls map[string]int, result bool, err error) Step {
	return Step{Name: name, Action: func(context.Context, *Env) (bool, error) {
		calls[name]++
		return result, err
	}}
}

func TestRun_AllPass(t *testing.T) {
	calls := map[string]int{}
	steps := []Step{counted("a", calls, true, nil), counted("b", calls, true, nil), counted("c", calls, true, nil)}

	ok, run := NewRunner(Config{}).Run(context.Background(), newEnv(mock.New(mock.Config{}), nil), steps)

	require.True(t, ok)
	assert.Equal(t, core.StatusPassed, run.Status)
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, calls)
	assert.Equal(t, 3, run.PassedSteps)
	assert.Equal(t, "mock-session", run.SessionID)
	assert.NotEmpty(t, run.ID)
}

func TestRun_HaltsAtFirstFalse(t *testing.T) {
	calls := map[string]int{}
	steps := []Step{
		counted("search", calls, true, nil),
		counted("city", calls, false, nil),
		counted("buy", calls, true, nil),
		counted("price", calls, true, nil),
	}
	sink := &recordingSink{}

	ok, run := NewRunner(Config{Diagnostics: sink}).Run(context.Background(), newEnv(mock.New(mock.Config{}), nil), steps)

	require.False(t, ok)
	assert.Equal(t, 1, calls["search"])
	assert.Equal(t, 1, calls["city"])
	assert.Zero(t, calls["buy"])
	assert.Zero(t, calls["price"])

	assert.Equal(t, core.StatusFailed, run.Status)
	assert.Equal(t, "city", run.FailedStep)
	assert.Equal(t, core.StatusPassed, run.Steps[0].Status)
	assert.Equal(t, core.StatusFailed, run.Steps[1].Status)
	assert.Equal(t, core.StatusSkipped, run.Steps[2].Status)
	assert.Equal(t, core.StatusSkipped, run.Steps[3].Status)
	assert.Equal(t, 2, run.SkippedSteps)
	assert.Equal(t, []string{"city_failed", "city_failed"}, sink.names)
}

func TestRun_ErrorAndPanic(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name     string
		action   Action
		category core.ErrorCategory
	}{
		{"error", func(context.Context, *Env) (bool, error) { return true, boom }, core.ErrCategoryStep},
		{"session", func(context.Context, *Env) (bool, error) { return false, core.ErrSessionError }, core.ErrCategoryConnection},
		{"panic", func(context.Context, *Env) (bool, error) { panic("nil map") }, core.ErrCategoryStep},
		{"no action", nil, core.ErrCategoryStep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			after := 0
			steps := []Step{
				{Name: "broken", Action: tt.action},
				{Name: "after", Action: func(context.Context, *Env) (bool, error) { after++; return true, nil }},
			}

			ok, run := NewRunner(Config{}).Run(context.Background(), newEnv(mock.New(mock.Config{}), nil), steps)

			assert.False(t, ok)
			assert.Zero(t, after)
			assert.Equal(t, core.StatusErrored, run.Steps[0].Status)
			assert.Equal(t, tt.category, run.Steps[0].Category)
			assert.NotEmpty(t, run.Error)
			assert.Equal(t, core.StatusSkipped, run.Steps[1].Status)
		})
	}
}

func TestRun_OptionalFlagDoesNotSoftenFalse(t *testing.T) {
	calls := map[string]int{}
	optional := counted("date", calls, false, nil)
	optional.Optional = true
	steps := []Step{counted("city", calls, true, nil), optional, counted("buy", calls, true, nil)}

	ok, run := NewRunner(Config{}).Run(context.Background(), newEnv(mock.New(mock.Config{}), nil), steps)

	require.False(t, ok)
	assert.Equal(t, "date", run.FailedStep)
	assert.Equal(t, core.StatusFailed, run.Steps[1].Status)
	assert.Equal(t, core.StatusSkipped, run.Steps[2].Status)
	assert.Zero(t, calls["buy"])
	assert.Equal(t, 1, run.PassedSteps)
}

func TestRun_StepThatWarnsContinues(t *testing.T) {
	calls := map[string]int{}
	tolerant := Step{Name: "date", Action: func(_ context.Context, env *Env) (bool, error) {
		env.Warn("date %q not offered", "10.04")
		return true, nil
	}}
	steps := []Step{counted("city", calls, true, nil), tolerant, counted("buy", calls, true, nil)}

	ok, run := NewRunner(Config{}).Run(context.Background(), newEnv(mock.New(mock.Config{}), nil), steps)

	require.True(t, ok)
	assert.Equal(t, core.StatusPassed, run.Steps[0].Status)
	assert.Equal(t, core.StatusWarned, run.Steps[1].Status)
	assert.Equal(t, `date "10.04" not offered`, run.Steps[1].Warning)
	assert.Equal(t, 1, calls["buy"])
	assert.Equal(t, 3, run.PassedSteps)
}

func TestRun_WarnThenFalseStillHalts(t *testing.T) {
	step := Step{Name: "quantity", Action: func(_ context.Context, env *Env) (bool, error) {
		env.Warn("plus button missing")
		return false, nil
	}}

	ok, run := NewRunner(Config{}).Run(context.Background(), newEnv(mock.New(mock.Config{}), nil), []Step{step})

	require.False(t, ok)
	assert.Equal(t, core.StatusFailed, run.Steps[0].Status)
}

func TestRun_SettleBetweenStepsOnly(t *testing.T) {
	var starts []time.Time
	step := Step{Name: "s", Action: func(context.Context, *Env) (bool, error) {
		starts = append(starts, time.Now())
		return true, nil
	}}

	begin := time.Now()
	ok, _ := NewRunner(Config{Settle: 20 * time.Millisecond}).Run(context.Background(), newEnv(mock.New(mock.Config{}), nil), []Step{step, step, step})
	total := time.Since(begin)

	require.True(t, ok)
	require.Len(t, starts, 3)
	assert.Less(t, starts[0].Sub(begin), 20*time.Millisecond)
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, total, 40*time.Millisecond)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := map[string]int{}
	steps := []Step{
		{Name: "first", Action: func(context.Context, *Env) (bool, error) {
			calls["first"]++
			cancel()
			return true, nil
		}},
		counted("second", calls, true, nil),
	}

	ok, run := NewRunner(Config{Settle: time.Hour}).Run(ctx, newEnv(mock.New(mock.Config{}), nil), steps)

	assert.False(t, ok)
	assert.Zero(t, calls["second"])
	assert.Equal(t, "second", run.FailedStep)
	assert.Equal(t, core.StatusSkipped, run.Steps[1].Status)
	assert.Contains(t, run.Error, "cancelled")
}

func TestRun_CallbacksAndTrace(t *testing.T) {
	var started []string
	var completed []core.StepStatus
	cfg := Config{
		OnStepStart:    func(_, _ int, name string) { started = append(started, name) },
		OnStepComplete: func(_, _ int, rec core.StepRecord) { completed = append(completed, rec.Status) },
	}
	calls := map[string]int{}

	NewRunner(cfg).Run(context.Background(), newEnv(mock.New(mock.Config{}), nil),
		[]Step{counted("a", calls, true, nil), counted("b", calls, false, nil), counted("c", calls, true, nil)})

	assert.Equal(t, []string{"a", "b"}, started)
	assert.Equal(t, []core.StepStatus{core.StatusPassed, core.StatusFailed}, completed)
}

// Five steps whose targets are all found by inference produce one AI
// resolution each.
func TestRun_AllStepsResolvedByInference(t *testing.T) {
	names := []string{"search", "city", "buy", "price", "confirm"}
	elements := map[core.Selector]*core.ElementInfo{}
	inferer := inferByDescription{}
	for i, n := range names {
		sel := core.ByID("cn.damai:id/" + n)
		elements[sel] = mock.Element("el-"+n, core.Bounds{X: 0, Y: i * 100, Width: 100, Height: 100})
		inferer[n+" button"] = core.NewLocator(core.KindID, sel.Value, 0.9)
	}
	session := mock.New(mock.Config{Elements: elements})
	env := newEnv(session, inferer)

	var steps []Step
	for _, n := range names {
		target := resolver.Target{Name: n, Description: n + " button"}
		steps = append(steps, Step{Name: n, Action: func(ctx context.Context, env *Env) (bool, error) {
			return env.Tap(ctx, target)
		}})
	}

	ok, run := NewRunner(Config{}).Run(context.Background(), env, steps)

	require.True(t, ok)
	assert.Len(t, session.Taps, 5)
	strategies := run.Strategies()
	require.Len(t, strategies, 5)
	for _, s := range strategies {
		assert.Equal(t, core.StrategyAI, s)
	}
}

func TestEnv_TapUnresolvedIsFalse(t *testing.T) {
	session := mock.New(mock.Config{})
	env := newEnv(session, nil)

	ok, run := NewRunner(Config{}).Run(context.Background(), env, []Step{{
		Name: "buy",
		Action: func(ctx context.Context, env *Env) (bool, error) {
			return env.Tap(ctx, resolver.Target{Name: "buy", Selectors: []core.Selector{core.ByID("missing")}})
		},
	}})

	assert.False(t, ok)
	assert.Equal(t, core.StatusFailed, run.Steps[0].Status)
	require.Len(t, run.Steps[0].Resolutions, 1)
	assert.False(t, run.Steps[0].Resolutions[0].Resolved)
}

func TestEnv_TapSessionLostIsError(t *testing.T) {
	session := mock.New(mock.Config{Lost: true})
	env := newEnv(session, nil)

	ok, err := env.Tap(context.Background(), resolver.Target{Name: "buy", Selectors: []core.Selector{core.ByID("x")}})

	assert.False(t, ok)
	assert.ErrorIs(t, err, core.ErrSessionError)
}

func TestEnv_FindIgnoresPoint(t *testing.T) {
	session := mock.New(mock.Config{})
	env := newEnv(session, nil)

	elem, err := env.Find(context.Background(), resolver.Target{Name: "x", Selectors: []core.Selector{core.ByID("x")}, Point: &resolver.Proportion{X: 0.5, Y: 0.5}})

	assert.Nil(t, elem)
	assert.NoError(t, err)
	assert.Empty(t, session.Taps)
}

func TestFatal(t *testing.T) {
	assert.NoError(t, Fatal(nil))
	assert.NoError(t, Fatal(core.ErrElementNotFound))
	assert.NoError(t, Fatal(core.ErrElementTimeout))
	assert.Error(t, Fatal(core.ErrSessionError.WithCause(errors.New("gone"))))
	assert.ErrorIs(t, Fatal(context.Canceled), context.Canceled)
}

func TestNewID_Sortable(t *testing.T) {
	a, b := NewID(), NewID()
	assert.Len(t, a, 26)
	assert.Less(t, a, b)
}
