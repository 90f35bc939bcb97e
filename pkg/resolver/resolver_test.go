package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
	"github.com/devicelab-dev/ticket-runner/pkg/driver/mock"
	"github.com/devicelab-dev/ticket-runner/pkg/inference"
)

// stubInferer returns a fixed proposal.
type stubInferer struct {
	loc   core.Locator
	err   error
	calls int
}

func (s *stubInferer) Infer(_ context.Context, _, _ string) (core.Locator, error) {
	s.calls++
	return s.loc, s.err
}

// recordingTapper records coordinate taps.
type recordingTapper struct {
	points []core.Point
}

func (r *recordingTapper) TapPoint(_ context.Context, p core.Point) error {
	r.points = append(r.points, p)
	return nil
}

// recordingSink records diagnostics captures.
type recordingSink struct {
	mu    sync.Mutex
	names []string
	kinds []string
}

func (r *recordingSink) Capture(_ context.Context, name string, a core.Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	r.kinds = append(r.kinds, a.Name)
}

var (
	buyID       = core.ByID("cn.damai:id/btn_buy")
	buyText     = core.ByUiSelector(`new UiSelector().textMatches(".*购买.*")`)
	buyElement  = mock.Element("el-buy", core.Bounds{X: 0, Y: 2200, Width: 1080, Height: 200})
	buyTarget   = Target{Name: "buy", Description: "立即购买按钮", Selectors: []core.Selector{buyID, buyText}, Point: &Proportion{X: 0.5, Y: 0.95}}
	fastOptions = Options{AITimeout: 50 * time.Millisecond, DeterministicTimeout: 10 * time.Millisecond}
)

func TestResolve_AI(t *testing.T) {
	session := mock.New(mock.Config{Elements: map[core.Selector]*core.ElementInfo{buyID: buyElement}})
	inferer := &stubInferer{loc: core.NewLocator(core.KindID, buyID.Value, 0.9)}
	tapper := &recordingTapper{}

	out := New(session, inferer, tapper, fastOptions).Resolve(context.Background(), buyTarget)

	require.True(t, out.Resolved)
	assert.Equal(t, core.StrategyAI, out.Via)
	assert.Equal(t, "el-buy", out.Element.ID)
	assert.Equal(t, buyID, out.Selector)
	assert.Empty(t, tapper.points)
	assert.Equal(t, 1, inferer.calls)
}

func TestResolve_LowConfidenceNeverAccepted(t *testing.T) {
	for c := 0.0; c < core.DefaultConfidenceThreshold; c += 0.025 {
		session := mock.New(mock.Config{Elements: map[core.Selector]*core.ElementInfo{buyID: buyElement}})
		// The inferred locator is present on screen; only the gate keeps it out.
		inferer := &stubInferer{loc: core.Locator{Kind: core.KindID, Value: buyID.Value, Confidence: c}}

		out := New(session, inferer, &recordingTapper{}, fastOptions).Resolve(context.Background(), buyTarget)

		require.True(t, out.Resolved, "confidence %v", c)
		assert.Equal(t, core.StrategyDeterministic, out.Via, "confidence %v must fall through", c)
	}
}

func TestResolve_ConfigurableThreshold(t *testing.T) {
	session := mock.New(mock.Config{Elements: map[core.Selector]*core.ElementInfo{buyID: buyElement}})
	inferer := &stubInferer{loc: core.NewLocator(core.KindID, buyID.Value, 0.5)}
	opts := fastOptions
	opts.ConfidenceThreshold = 0.6

	out := New(session, inferer, &recordingTapper{}, opts).Resolve(context.Background(), buyTarget)
	assert.Equal(t, core.StrategyDeterministic, out.Via)
}

func TestResolve_InferenceErrorsFallThrough(t *testing.T) {
	errs := []error{
		core.ErrInferenceParse,
		core.ErrInferenceTransport.WithCause(errors.New("connection refused")),
		core.ErrInferenceNotFound,
		core.ErrLowConfidence,
		errors.New("anything else"),
	}
	for _, e := range errs {
		session := mock.New(mock.Config{Elements: map[core.Selector]*core.ElementInfo{buyText: buyElement}})
		inferer := &stubInferer{loc: core.NotFoundLocator, err: e}

		out := New(session, inferer, &recordingTapper{}, fastOptions).Resolve(context.Background(), buyTarget)

		require.True(t, out.Resolved, "error %v", e)
		assert.Equal(t, core.StrategyDeterministic, out.Via)
		assert.Equal(t, buyText, out.Selector, "second candidate wins when the first is absent")
	}
}

func TestResolve_MalformedServiceReplies(t *testing.T) {
	replies := []string{
		`not json at all`,
		`{"locator_type": "ID"}`,
		`{"locator_type": "ID", "locator_value": 42, "confidence": 0.9}`,
		`{"locator_type": "By.XPATH", "locator_value": "//a", "confidence": 0.9}`,
		``,
	}
	for _, reply := range replies {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"message": map[string]string{"role": "assistant", "content": reply},
			})
		}))

		session := mock.New(mock.Config{Elements: map[core.Selector]*core.ElementInfo{buyID: buyElement}})
		client := inference.New(inference.Config{Endpoint: server.URL, Timeout: time.Second})

		var out core.Outcome
		assert.NotPanics(t, func() {
			out = New(session, client, &recordingTapper{}, fastOptions).Resolve(context.Background(), buyTarget)
		})
		assert.Equal(t, core.StrategyDeterministic, out.Via, "reply %q", reply)
		server.Close()
	}
}

func TestResolve_RelaxedAfterAITimeout(t *testing.T) {
	constrained := core.ByUiSelector(`new UiSelector().text("立即购买").clickable(true)`)
	relaxed := core.ByUiSelector(`new UiSelector().text("立即购买")`)
	session := mock.New(mock.Config{Elements: map[core.Selector]*core.ElementInfo{relaxed: buyElement}})
	inferer := &stubInferer{loc: core.NewLocator(core.KindUiSelector, constrained.Value, 0.8)}

	out := New(session, inferer, &recordingTapper{}, fastOptions).Resolve(context.Background(), buyTarget)

	require.True(t, out.Resolved)
	assert.Equal(t, core.StrategyAIRelaxed, out.Via)
	assert.Equal(t, relaxed, out.Selector)
	assert.Equal(t, []core.Selector{constrained, relaxed}, session.Waits)
}

func TestResolve_RelaxedAttemptedOnce(t *testing.T) {
	constrained := core.ByUiSelector(`new UiSelector().text("立即购买").clickable(true)`)
	relaxed := constrained.Relaxed()
	session := mock.New(mock.Config{})
	inferer := &stubInferer{loc: core.NewLocator(core.KindUiSelector, constrained.Value, 0.8)}
	tapper := &recordingTapper{}

	out := New(session, inferer, tapper, fastOptions).Resolve(context.Background(), buyTarget)

	require.True(t, out.Resolved)
	assert.Equal(t, core.StrategyCoordinate, out.Via)

	relaxedWaits := 0
	for _, sel := range session.Waits {
		if sel == relaxed {
			relaxedWaits++
		}
	}
	assert.Equal(t, 1, relaxedWaits)
	assert.Equal(t, []core.Selector{constrained, relaxed, buyID, buyText}, session.Waits)
}

func TestResolve_NoRelaxationWithoutAITimeout(t *testing.T) {
	constrainedFallback := core.ByUiSelector(`new UiSelector().textMatches(".*购买.*").clickable(true)`)
	target := Target{Name: "buy", Description: "buy", Selectors: []core.Selector{constrainedFallback}}

	t.Run("low confidence", func(t *testing.T) {
		session := mock.New(mock.Config{})
		inferer := &stubInferer{loc: core.Locator{Kind: core.KindUiSelector, Value: `new UiSelector().clickable(true)`, Confidence: 0.1}}
		New(session, inferer, nil, fastOptions).Resolve(context.Background(), target)
		assert.Equal(t, []core.Selector{constrainedFallback}, session.Waits, "no relaxed wait after rejection or deterministic timeout")
	})

	t.Run("ID locator timeout", func(t *testing.T) {
		session := mock.New(mock.Config{})
		inferer := &stubInferer{loc: core.NewLocator(core.KindID, "cn.damai:id/btn_buy", 0.9)}
		New(session, inferer, nil, fastOptions).Resolve(context.Background(), target)
		assert.Equal(t, []core.Selector{core.ByID("cn.damai:id/btn_buy"), constrainedFallback}, session.Waits)
	})
}

func TestResolve_CoordinateFallback(t *testing.T) {
	session := mock.New(mock.Config{Width: 1080, Height: 2400})
	tapper := &recordingTapper{}

	out := New(session, nil, tapper, fastOptions).Resolve(context.Background(), buyTarget)

	require.True(t, out.Resolved)
	assert.True(t, out.Tapped())
	assert.Nil(t, out.Element, "coordinate outcomes carry no element identity")
	assert.Equal(t, []core.Point{{X: 540, Y: 2280}}, tapper.points)
}

func TestResolve_ExhaustedCapturesDiagnostics(t *testing.T) {
	session := mock.New(mock.Config{})
	sink := &recordingSink{}
	opts := fastOptions
	opts.Diagnostics = sink
	target := Target{Name: "选择城市 上海", Description: "城市 上海", Selectors: []core.Selector{core.ByUiSelector(`new UiSelector().textContains("上海")`)}}

	out := New(session, &stubInferer{err: core.ErrInferenceNotFound}, &recordingTapper{}, opts).Resolve(context.Background(), target)

	assert.False(t, out.Resolved)
	assert.True(t, errors.Is(out.Reason, core.ErrElementNotFound))
	assert.Equal(t, []string{core.ArtifactScreenshot, core.ArtifactHierarchy}, sink.kinds)
	assert.Equal(t, "unresolved_target", sink.names[0])
}

func TestResolve_SessionLostStopsChain(t *testing.T) {
	session := mock.New(mock.Config{Lost: true})
	tapper := &recordingTapper{}
	inferer := &stubInferer{loc: core.NewLocator(core.KindID, buyID.Value, 0.9)}

	out := New(session, inferer, tapper, fastOptions).Resolve(context.Background(), buyTarget)

	assert.False(t, out.Resolved)
	assert.True(t, errors.Is(out.Reason, core.ErrSessionError))
	assert.Empty(t, tapper.points, "no coordinate tap against a dead session")
	assert.Zero(t, inferer.calls)
}

func TestResolve_Idempotent(t *testing.T) {
	constrained := core.ByUiSelector(`new UiSelector().text("立即购买").clickable(true)`)
	session := mock.New(mock.Config{Elements: map[core.Selector]*core.ElementInfo{constrained.Relaxed(): buyElement}})
	r := New(session, &stubInferer{loc: core.NewLocator(core.KindUiSelector, constrained.Value, 0.8)}, &recordingTapper{}, fastOptions)

	first := r.Resolve(context.Background(), buyTarget)
	second := r.Resolve(context.Background(), buyTarget)

	assert.True(t, first.Equal(second), "first %+v, second %+v", first, second)
}

func TestResolve_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := New(mock.New(mock.Config{}), nil, &recordingTapper{}, fastOptions).Resolve(ctx, buyTarget)
	assert.False(t, out.Resolved)
	assert.True(t, errors.Is(out.Reason, context.Canceled))
}

func TestNew_ChainOrder(t *testing.T) {
	r := New(mock.New(mock.Config{}), &stubInferer{}, nil, Options{})
	assert.Equal(t, []core.Strategy{core.StrategyAI, core.StrategyAIRelaxed, core.StrategyDeterministic, core.StrategyCoordinate}, r.Strategies())

	r = New(mock.New(mock.Config{}), nil, nil, Options{})
	assert.Equal(t, []core.Strategy{core.StrategyDeterministic, core.StrategyCoordinate}, r.Strategies())
}

func TestScale(t *testing.T) {
	assert.Equal(t, core.Point{X: 540, Y: 600}, Scale(Proportion{X: 0.5, Y: 0.25}, 1080, 2400))
	assert.Equal(t, core.Point{X: 1079, Y: 2399}, Scale(Proportion{X: 1.5, Y: 1}, 1080, 2400))
	assert.Equal(t, core.Point{X: 0, Y: 0}, Scale(Proportion{X: -1, Y: 0}, 1080, 2400))
}

func TestArtifactName(t *testing.T) {
	assert.Equal(t, "click_buy", ArtifactName("click buy"))
	assert.Equal(t, "price_2", ArtifactName("price #2"))
	assert.Equal(t, "target", ArtifactName("购买"))
}
