package purchase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
	"github.com/devicelab-dev/ticket-runner/pkg/driver/mock"
	"github.com/devicelab-dev/ticket-runner/pkg/gesture"
	"github.com/devicelab-dev/ticket-runner/pkg/pipeline"
	"github.com/devicelab-dev/ticket-runner/pkg/resolver"
	"github.com/devicelab-dev/ticket-runner/pkg/scenario"
)

var (
	selSearch      = core.ByID("cn.damai:id/homepage_header_search")
	selInput       = core.ByClassName("android.widget.EditText")
	selResult      = core.ByUiSelector(`new UiSelector().className("androidx.recyclerview.widget.RecyclerView").childSelector(new UiSelector().clickable(true).index(0))`)
	selCity        = core.ByUiSelector(`new UiSelector().textContains("上海")`)
	selBuy         = core.ByID("cn.damai:id/trade_project_detail_purchase_status_bar_container_fl")
	selContainer   = core.ByID("cn.damai:id/project_detail_perform_price_flowlayout")
	selPriceOption = core.ByUiSelector(`new UiSelector().resourceId("cn.damai:id/project_detail_perform_price_flowlayout").childSelector(new UiSelector().className("android.widget.FrameLayout").index(1))`)
	selPlus        = core.ByID("img_jia")
	selConfirm     = core.ByID("btn_buy_view")
	selZhang       = core.ByUiSelector(`new UiSelector().textContains("张三")`)
	selLi          = core.ByUiSelector(`new UiSelector().textContains("李四")`)
	selSubmit      = core.ByUiSelector(`new UiSelector().text("立即提交")`)
)

// screen places each selector's element on its own row so taps are traceable.
func screen(sels ...core.Selector) map[core.Selector]*core.ElementInfo {
	m := make(map[core.Selector]*core.ElementInfo, len(sels))
	for i, sel := range sels {
		m[sel] = mock.Element(sel.Value, core.Bounds{X: 0, Y: i * 100, Width: 100, Height: 100})
	}
	return m
}

func row(i int) core.Point { return core.Point{X: 50, Y: i*100 + 50} }

func fullScreen() map[core.Selector]*core.ElementInfo {
	return screen(selSearch, selInput, selResult, selCity, selBuy, selContainer, selPriceOption, selPlus, selConfirm, selZhang, selLi, selSubmit)
}

func order() Order {
	return Order{
		Keyword:     "周杰伦",
		City:        "上海",
		Dates:       []string{"10.04"},
		PriceIndex:  1,
		Users:       []string{"张三", "李四"},
		CommitOrder: true,
	}
}

func newFlow(t *testing.T, o Order, sink core.DiagnosticsSink) *Flow {
	t.Helper()
	catalog, err := scenario.Default()
	require.NoError(t, err)
	f, err := New(o, catalog, Pacing{}, sink)
	require.NoError(t, err)
	return f
}

func run(session *mock.Session, steps []pipeline.Step) (bool, *core.PipelineRun) {
	g := gesture.New(session, time.Millisecond)
	env := &pipeline.Env{
		Attempt:  1,
		Session:  session,
		Resolver: resolver.New(session, nil, g, resolver.Options{DeterministicTimeout: time.Millisecond}),
		Gestures: g,
	}
	return pipeline.NewRunner(pipeline.Config{}).Run(context.Background(), env, steps)
}

func statusOf(run *core.PipelineRun, name string) core.StepStatus {
	for _, s := range run.Steps {
		if s.Name == name {
			return s.Status
		}
	}
	return core.StatusPending
}

func warningOf(run *core.PipelineRun, name string) string {
	for _, s := range run.Steps {
		if s.Name == name {
			return s.Warning
		}
	}
	return ""
}

func TestFlow_HappyPath(t *testing.T) {
	session := mock.New(mock.Config{Elements: fullScreen()})

	ok, trace := run(session, newFlow(t, order(), nil).Steps())

	require.True(t, ok, trace.Error)
	assert.Equal(t, []string{"周杰伦"}, session.Typed)
	assert.Equal(t, []int{core.KeyCodeEnter}, session.Keys)
	assert.Equal(t, []core.Point{
		row(0),  // search entry
		row(2),  // first result
		row(3),  // city
		row(4),  // buy
		row(6),  // 2nd price tier
		row(7),  // plus, once for two buyers
		row(8),  // confirm
		row(9),  // 张三
		row(10), // 李四
		row(11), // submit
	}, session.Taps)
	assert.Equal(t, core.StatusPassed, statusOf(trace, StepDate))
	assert.Equal(t, 9, trace.PassedSteps)
	for _, tag := range trace.Strategies() {
		assert.Equal(t, core.StrategyDeterministic, tag)
	}
}

func TestFlow_SearchResultFallsBackToCoordinate(t *testing.T) {
	elements := fullScreen()
	delete(elements, selResult)
	session := mock.New(mock.Config{Elements: elements})

	ok, trace := run(session, newFlow(t, order(), nil).Steps()[:1])

	require.True(t, ok)
	assert.Contains(t, session.Taps, core.Point{X: 540, Y: 600})
	// entry and input found by selector, result by coordinate
	assert.Equal(t, []core.Strategy{core.StrategyDeterministic, core.StrategyDeterministic, core.StrategyCoordinate}, trace.Strategies())
}

func TestFlow_SearchWithoutInputFails(t *testing.T) {
	elements := fullScreen()
	delete(elements, selInput)
	session := mock.New(mock.Config{Elements: elements})

	ok, trace := run(session, newFlow(t, order(), nil).Steps())

	assert.False(t, ok)
	assert.Equal(t, StepSearch, trace.FailedStep)
	assert.Empty(t, session.Typed)
}

func TestFlow_CityMissingScrollsAndContinues(t *testing.T) {
	elements := fullScreen()
	delete(elements, selCity)
	session := mock.New(mock.Config{Elements: elements})

	ok, trace := run(session, newFlow(t, order(), nil).Steps())

	require.True(t, ok)
	assert.Equal(t, core.StatusWarned, statusOf(trace, StepCity))
	assert.Contains(t, warningOf(trace, StepCity), "上海")
	assert.Equal(t, 9, trace.PassedSteps)
	assert.Equal(t, []core.Direction{core.DirectionDown, core.DirectionDown}, session.Scrolls)
}

func TestFlow_CityFoundAfterScroll(t *testing.T) {
	elements := fullScreen()
	delete(elements, selCity)
	session := mock.New(mock.Config{Elements: elements})
	steps := newFlow(t, order(), nil).Steps()

	// Appears once the list has been scrolled.
	city := steps[1]
	wrapped := pipeline.Step{Name: city.Name, Optional: city.Optional, Action: func(ctx context.Context, env *pipeline.Env) (bool, error) {
		session.Present(selCity, mock.Element("city", core.Bounds{Width: 10, Height: 10}))
		return city.Action(ctx, env)
	}}

	ok, trace := run(session, []pipeline.Step{wrapped})

	require.True(t, ok)
	assert.Equal(t, core.StatusPassed, statusOf(trace, StepCity))
	assert.Empty(t, session.Scrolls)
}

func TestFlow_DateTriesVariants(t *testing.T) {
	o := order()
	o.SelectDate = true
	elements := fullScreen()
	chinese := core.ByUiSelector(`new UiSelector().textContains("10月4日")`)
	elements[chinese] = mock.Element("date", core.Bounds{X: 500, Y: 500, Width: 10, Height: 10})
	session := mock.New(mock.Config{Elements: elements})

	ok, trace := run(session, newFlow(t, o, nil).Steps()[2:3])

	require.True(t, ok)
	assert.Equal(t, core.StatusPassed, statusOf(trace, StepDate))
	assert.Len(t, session.Scrolls, 3)
	assert.Equal(t, []core.Point{{X: 505, Y: 505}}, session.Taps)
}

type names []string

func (n *names) Capture(_ context.Context, name string, _ core.Artifact) { *n = append(*n, name) }

func TestFlow_DateMissingCapturesAndWarns(t *testing.T) {
	o := order()
	o.SelectDate = true
	session := mock.New(mock.Config{Elements: fullScreen()})
	sink := &names{}

	ok, trace := run(session, newFlow(t, o, sink).Steps()[2:3])

	require.True(t, ok)
	assert.Equal(t, core.StatusWarned, statusOf(trace, StepDate))
	assert.Contains(t, warningOf(trace, StepDate), "10.04")
	assert.Contains(t, *sink, "date_not_found")
}

func TestFlow_SingleBuyerSkipsQuantity(t *testing.T) {
	o := order()
	o.Users = []string{"张三"}
	elements := fullScreen()
	delete(elements, selPlus)
	session := mock.New(mock.Config{Elements: elements})

	ok, trace := run(session, newFlow(t, o, nil).Steps())

	require.True(t, ok)
	assert.Equal(t, core.StatusPassed, statusOf(trace, StepQuantity))
	for _, s := range session.Waits {
		assert.NotEqual(t, selPlus, s, "plus button should not be looked up")
	}
}

func TestFlow_MissingPlusIsAWarning(t *testing.T) {
	elements := fullScreen()
	delete(elements, selPlus)
	delete(elements, core.ByID("cn.damai:id/img_jia"))
	session := mock.New(mock.Config{Elements: elements})

	ok, trace := run(session, newFlow(t, order(), nil).Steps())

	require.True(t, ok)
	assert.Equal(t, core.StatusWarned, statusOf(trace, StepQuantity))
	assert.NotEmpty(t, warningOf(trace, StepQuantity))
	assert.Contains(t, session.Taps, row(8), "confirm still tapped")
}

func TestFlow_TargetVariablesDoNotLeak(t *testing.T) {
	f := newFlow(t, order(), nil)

	li, err := f.target(scenario.Buyer, map[string]interface{}{"user": "李四"})
	require.NoError(t, err)
	assert.Contains(t, li.Description, "李四")

	next, err := f.target(scenario.Buyer, nil)
	require.NoError(t, err)
	assert.Contains(t, next.Description, "张三")
	assert.NotContains(t, next.Description, "李四")

	date, err := f.target(scenario.Date, map[string]interface{}{"date": "10月4日"})
	require.NoError(t, err)
	assert.Contains(t, date.Description, "10月4日")
	again, err := f.target(scenario.Date, nil)
	require.NoError(t, err)
	assert.Contains(t, again.Description, "10.04")
}

func TestFlow_TargetsExpandConcurrently(t *testing.T) {
	f := newFlow(t, order(), nil)
	users := []string{"张三", "李四", "王五", "赵六"}

	var wg sync.WaitGroup
	got := make([]string, len(users))
	for i, u := range users {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			tg, err := f.target(scenario.Buyer, map[string]interface{}{"user": u})
			if err == nil {
				got[i] = tg.Description
			}
		}(i, u)
	}
	wg.Wait()

	for i, u := range users {
		assert.Contains(t, got[i], u)
	}
}

func TestFlow_BuyersNeedOneMatch(t *testing.T) {
	elements := fullScreen()
	delete(elements, selLi)
	session := mock.New(mock.Config{Elements: elements})

	ok, _ := run(session, newFlow(t, order(), nil).Steps())
	require.True(t, ok, "one of two buyers is enough")

	delete(elements, selZhang)
	session = mock.New(mock.Config{Elements: elements})
	ok, trace := run(session, newFlow(t, order(), nil).Steps())
	assert.False(t, ok)
	assert.Equal(t, StepBuyers, trace.FailedStep)
	assert.Equal(t, core.StatusSkipped, statusOf(trace, StepSubmit))
}

func TestFlow_SubmitSkippedWithoutCommit(t *testing.T) {
	o := order()
	o.CommitOrder = false
	elements := fullScreen()
	delete(elements, selSubmit)
	session := mock.New(mock.Config{Elements: elements})

	ok, trace := run(session, newFlow(t, o, nil).Steps())

	require.True(t, ok)
	assert.Equal(t, core.StatusPassed, statusOf(trace, StepSubmit))
	assert.Len(t, session.Taps, 9)
}

func TestFlow_BuyMissingFallsBackToBottomCentre(t *testing.T) {
	elements := fullScreen()
	delete(elements, selBuy)
	session := mock.New(mock.Config{Elements: elements})

	ok, trace := run(session, newFlow(t, order(), nil).Steps())

	require.True(t, ok)
	assert.Contains(t, session.Taps, core.Point{X: 540, Y: 2280})
	assert.Equal(t, core.StatusPassed, statusOf(trace, StepBuy))
}

func TestFlow_SessionLostErrorsTheStep(t *testing.T) {
	session := mock.New(mock.Config{Lost: true})

	ok, trace := run(session, newFlow(t, order(), nil).Steps())

	assert.False(t, ok)
	assert.Equal(t, StepSearch, trace.FailedStep)
	assert.Equal(t, core.StatusErrored, trace.Steps[0].Status)
	assert.Equal(t, core.ErrCategoryConnection, trace.Steps[0].Category)
}

func TestNew_Validation(t *testing.T) {
	catalog, err := scenario.Default()
	require.NoError(t, err)

	o := order()
	o.Users = nil
	_, err = New(o, catalog, Pacing{}, nil)
	assert.ErrorIs(t, err, core.ErrMissingRequired)

	delete(catalog, scenario.Submit)
	_, err = New(order(), catalog, Pacing{}, nil)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

func TestDateVariants(t *testing.T) {
	assert.Equal(t, []string{"10.04", "10月4日"}, DateVariants([]string{"10.04"}))
	assert.Equal(t, []string{"10.04", "10月4日", "10.4"}, DateVariants([]string{"10.04", "10月4日", "10.4"}))
	assert.Equal(t, []string{"周六"}, DateVariants([]string{"周六", ""}))
	assert.Empty(t, DateVariants(nil))
}

func TestDefaultPacing(t *testing.T) {
	p := DefaultPacing()
	assert.Equal(t, 3*time.Second, p.BeforeBuy)
	assert.Equal(t, 1500*time.Millisecond, p.AfterEnter)
}
