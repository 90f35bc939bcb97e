// Package purchase defines the ticket purchase flow as pipeline steps.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
	"github.com/devicelab-dev/ticket-runner/pkg/gesture"
	"github.com/devicelab-dev/ticket-runner/pkg/jsengine"
	"github.com/devicelab-dev/ticket-runner/pkg/logger"
	"github.com/devicelab-dev/ticket-runner/pkg/pipeline"
	"github.com/devicelab-dev/ticket-runner/pkg/resolver"
	"github.com/devicelab-dev/ticket-runner/pkg/scenario"
)

// Step names
const (
	StepSearch   = "search"
	StepCity     = "city"
	StepDate     = "date"
	StepBuy      = "buy"
	StepPrice    = "price"
	StepQuantity = "quantity"
	StepConfirm  = "confirm"
	StepBuyers   = "buyers"
	StepSubmit   = "submit"
)

// Order is what to buy and for whom.
type Order struct {
	Keyword     string
	City        string
	Dates       []string
	PriceIndex  int
	Users       []string
	CommitOrder bool
	SelectDate  bool
}

// Pacing holds the step-internal pauses that give the app time to react.
type Pacing struct {
	AfterSearchTap time.Duration
	AfterEnter     time.Duration
	BeforeBuy      time.Duration
	AfterContainer time.Duration
	BetweenPlus    time.Duration
	BetweenBuyers  time.Duration
}

// DefaultPacing matches the timings the app needs on a mid-range device.
func DefaultPacing() Pacing {
	return Pacing{
		AfterSearchTap: 500 * time.Millisecond,
		AfterEnter:     1500 * time.Millisecond,
		BeforeBuy:      3 * time.Second,
		AfterContainer: 300 * time.Millisecond,
		BetweenPlus:    50 * time.Millisecond,
		BetweenBuyers:  100 * time.Millisecond,
	}
}

// Retry counts
const (
	cityScrollRetries = 2
	dateScrolls       = 3
)

// Flow builds the purchase steps for one order.
type Flow struct {
	order       Order
	catalog     scenario.Catalog
	pacing      Pacing
	diagnostics core.DiagnosticsSink

	// vars seeds the expansion of every target; it is never mutated.
	vars map[string]interface{}
}

// New creates a flow. The catalog must define every target the flow uses.
func New(order Order, catalog scenario.Catalog, pacing Pacing, diagnostics core.DiagnosticsSink) (*Flow, error) {
	if err := catalog.Check(scenario.Required...); err != nil {
		return nil, err
	}
	if len(order.Users) == 0 {
		return nil, core.ErrMissingRequired.WithMessage("order needs at least one buyer")
	}
	if diagnostics == nil {
		diagnostics = core.NullSink{}
	}

	vars := map[string]interface{}{
		"keyword":    order.Keyword,
		"city":       order.City,
		"priceIndex": order.PriceIndex,
		"users":      order.Users,
		"date":       firstOr(order.Dates, ""),
		"user":       order.Users[0],
	}
	return &Flow{order: order, catalog: catalog, pacing: pacing, diagnostics: diagnostics, vars: vars}, nil
}

// Steps returns the purchase steps in order. City, date and quantity give up
// with a warning instead of failing.
func (f *Flow) Steps() []pipeline.Step {
	return []pipeline.Step{
		{Name: StepSearch, Action: f.search},
		{Name: StepCity, Action: f.city, Optional: true},
		{Name: StepDate, Action: f.date, Optional: true},
		{Name: StepBuy, Action: f.buy},
		{Name: StepPrice, Action: f.price},
		{Name: StepQuantity, Action: f.quantity, Optional: true},
		{Name: StepConfirm, Action: f.confirm},
		{Name: StepBuyers, Action: f.buyers},
		{Name: StepSubmit, Action: f.submit},
	}
}

// target expands a catalog entry in a fresh engine, so extra variables
// apply to this expansion only.
func (f *Flow) target(name string, extra map[string]interface{}) (resolver.Target, error) {
	vars := make(map[string]interface{}, len(f.vars)+len(extra))
	for k, v := range f.vars {
		vars[k] = v
	}
	for k, v := range extra {
		vars[k] = v
	}
	return f.catalog.Target(name, jsengine.NewWithVariables(vars))
}

func (f *Flow) tap(ctx context.Context, env *pipeline.Env, name string) (bool, error) {
	t, err := f.target(name, nil)
	if err != nil {
		return false, err
	}
	return env.Tap(ctx, t)
}

// search opens search, types the keyword, submits with Enter and opens the
// first result.
func (f *Flow) search(ctx context.Context, env *pipeline.Env) (bool, error) {
	if ok, err := f.tap(ctx, env, scenario.SearchEntry); !ok || err != nil {
		return false, err
	}
	if err := gesture.Sleep(ctx, f.pacing.AfterSearchTap); err != nil {
		return false, err
	}

	t, err := f.target(scenario.SearchInput, nil)
	if err != nil {
		return false, err
	}
	input, err := env.Find(ctx, t)
	if input == nil || err != nil {
		return false, err
	}
	if err := env.Gestures.Type(ctx, input, f.order.Keyword); err != nil {
		return false, err
	}

	if err := env.Gestures.PressKey(ctx, core.KeyCodeEnter); err != nil {
		if errors.Is(err, core.ErrSessionError) {
			return false, err
		}
		logger.Warn("enter key failed, waiting for results anyway: %v", err)
	}
	if err := gesture.Sleep(ctx, f.pacing.AfterEnter); err != nil {
		return false, err
	}

	return f.tap(ctx, env, scenario.SearchResult)
}

// city picks the city filter, scrolling down to look for it if needed.
func (f *Flow) city(ctx context.Context, env *pipeline.Env) (bool, error) {
	t, err := f.target(scenario.City, nil)
	if err != nil {
		return false, err
	}
	if ok, err := env.Tap(ctx, t); ok || err != nil {
		return ok, err
	}

	// The model already had its chance on this screen; retry the selectors only.
	t.Description = ""
	for i := 0; i < cityScrollRetries; i++ {
		if err := env.Gestures.Scroll(ctx, gesture.DefaultScrollArea, core.DirectionDown, gesture.DefaultScrollPercent, 1); err != nil {
			return false, pipeline.Fatal(err)
		}
		if ok, err := env.Tap(ctx, t); ok || err != nil {
			return ok, err
		}
	}
	env.Warn("city %q not found, continuing", f.order.City)
	return true, nil
}

// date scrolls the schedule into view and picks the first date variant
// present. When none is, the screen is captured and the run goes on.
func (f *Flow) date(ctx context.Context, env *pipeline.Env) (bool, error) {
	if !f.order.SelectDate {
		return true, nil
	}
	if err := env.Gestures.Scroll(ctx, gesture.DefaultScrollArea, core.DirectionDown, gesture.DefaultScrollPercent, dateScrolls); err != nil {
		return false, pipeline.Fatal(err)
	}

	for _, d := range DateVariants(f.order.Dates) {
		t, err := f.target(scenario.Date, map[string]interface{}{"date": d})
		if err != nil {
			return false, err
		}
		if ok, err := env.Tap(ctx, t); ok || err != nil {
			return ok, err
		}
	}

	env.Warn("no date among %v found, check the session manually", f.order.Dates)
	core.CaptureState(ctx, f.diagnostics, env.Session, "date_not_found")
	return true, nil
}

// buy waits for the detail page and taps the buy button.
func (f *Flow) buy(ctx context.Context, env *pipeline.Env) (bool, error) {
	if err := gesture.Sleep(ctx, f.pacing.BeforeBuy); err != nil {
		return false, err
	}
	return f.tap(ctx, env, scenario.Buy)
}

// price waits for the price list and taps the configured tier.
func (f *Flow) price(ctx context.Context, env *pipeline.Env) (bool, error) {
	t, err := f.target(scenario.PriceContainer, nil)
	if err != nil {
		return false, err
	}
	container, err := env.Find(ctx, t)
	if container == nil || err != nil {
		return false, err
	}
	if err := gesture.Sleep(ctx, f.pacing.AfterContainer); err != nil {
		return false, err
	}
	return f.tap(ctx, env, scenario.PriceOption)
}

// quantity raises the ticket count to one per buyer. Without a plus button
// the order goes on with one ticket.
func (f *Flow) quantity(ctx context.Context, env *pipeline.Env) (bool, error) {
	clicks := len(f.order.Users) - 1
	if clicks <= 0 {
		return true, nil
	}

	t, err := f.target(scenario.QuantityPlus, nil)
	if err != nil {
		return false, err
	}
	plus, err := env.Find(ctx, t)
	if err != nil {
		return false, err
	}
	if plus == nil {
		env.Warn("quantity plus button not found, keeping one ticket")
		return true, nil
	}
	for i := 0; i < clicks; i++ {
		if err := env.Gestures.Tap(ctx, plus); err != nil {
			return false, pipeline.Fatal(err)
		}
		if err := gesture.Sleep(ctx, f.pacing.BetweenPlus); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (f *Flow) confirm(ctx context.Context, env *pipeline.Env) (bool, error) {
	return f.tap(ctx, env, scenario.Confirm)
}

// buyers ticks every configured buyer. At least one must be found.
func (f *Flow) buyers(ctx context.Context, env *pipeline.Env) (bool, error) {
	selected := 0
	for _, user := range f.order.Users {
		t, err := f.target(scenario.Buyer, map[string]interface{}{"user": user})
		if err != nil {
			return false, err
		}
		ok, err := env.Tap(ctx, t)
		if err != nil {
			return false, err
		}
		if !ok {
			logger.Warn("buyer %q not found", user)
			continue
		}
		selected++
		if err := gesture.Sleep(ctx, f.pacing.BetweenBuyers); err != nil {
			return false, err
		}
	}
	if selected < len(f.order.Users) {
		logger.Info("selected %d of %d buyers", selected, len(f.order.Users))
	}
	return selected > 0, nil
}

// submit places the order, unless committing is disabled.
func (f *Flow) submit(ctx context.Context, env *pipeline.Env) (bool, error) {
	if !f.order.CommitOrder {
		logger.Info("commitOrder is off, order not submitted")
		return true, nil
	}
	return f.tap(ctx, env, scenario.Submit)
}

// DateVariants expands dates with the "10月4日" spelling of each "10.04"
// entry, without duplicates and in input order.
func DateVariants(dates []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, d := range dates {
		add(d)
		if month, day, ok := strings.Cut(d, "."); ok && month != "" && day != "" {
			add(fmt.Sprintf("%s月%s日", trimZero(month), trimZero(day)))
		}
	}
	return out
}

func trimZero(s string) string {
	if t := strings.TrimLeft(s, "0"); t != "" {
		return t
	}
	return s
}

func firstOr(s []string, def string) string {
	if len(s) > 0 {
		return s[0]
	}
	return def
}
