// Package gesture applies taps, scrolls and text input to a device session.
package gesture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
	"github.com/devicelab-dev/ticket-runner/pkg/logger"
)

// Gesture timings
const (
	ElementTapDuration   = 30 * time.Millisecond
	PointTapDuration     = 50 * time.Millisecond
	DefaultScrollSettle  = 500 * time.Millisecond
	DefaultScrollPercent = 0.5
)

// DefaultScrollArea is the region scrolled when looking for off-screen content.
var DefaultScrollArea = core.Bounds{X: 100, Y: 500, Width: 800, Height: 1500}

// Executor issues gestures against one session.
type Executor struct {
	session      core.Session
	scrollSettle time.Duration
}

// New creates an executor. A zero scrollSettle uses DefaultScrollSettle.
func New(session core.Session, scrollSettle time.Duration) *Executor {
	if scrollSettle <= 0 {
		scrollSettle = DefaultScrollSettle
	}
	return &Executor{session: session, scrollSettle: scrollSettle}
}

// Tap taps the centre of the element's bounds. When the gesture fails the
// native element click is used instead.
func (e *Executor) Tap(ctx context.Context, elem *core.ElementInfo) error {
	if elem == nil {
		return fmt.Errorf("tap: no element")
	}

	if !elem.Bounds.Empty() {
		x, y := elem.Bounds.Center()
		err := e.session.ClickGesture(ctx, x, y, ElementTapDuration)
		if err == nil {
			return nil
		}
		if errors.Is(err, core.ErrSessionError) {
			return err
		}
		logger.Debug("gesture: clickGesture at (%d,%d) failed, falling back to element click: %v", x, y, err)
	}

	if elem.ID == "" {
		return fmt.Errorf("tap: element has neither bounds nor id")
	}
	return e.session.ClickElement(ctx, elem.ID)
}

// TapPoint taps an absolute screen point.
func (e *Executor) TapPoint(ctx context.Context, p core.Point) error {
	return e.session.ClickGesture(ctx, p.X, p.Y, PointTapDuration)
}

// Apply performs the gesture an outcome calls for. Coordinate outcomes were
// already tapped during resolution and are left alone.
func (e *Executor) Apply(ctx context.Context, out core.Outcome) error {
	if !out.Resolved {
		return out.Reason
	}
	if out.Tapped() {
		return nil
	}
	return e.Tap(ctx, out.Element)
}

// Scroll performs count scroll gestures over area, pausing between each so
// the list can settle. It does not check what became visible.
func (e *Executor) Scroll(ctx context.Context, area core.Bounds, direction core.Direction, percent float64, count int) error {
	if area.Empty() {
		area = DefaultScrollArea
	}
	if percent <= 0 {
		percent = DefaultScrollPercent
	}

	for i := 0; i < count; i++ {
		if err := e.session.ScrollGesture(ctx, area, direction, percent); err != nil {
			return fmt.Errorf("scroll %d/%d: %w", i+1, count, err)
		}
		if err := Sleep(ctx, e.scrollSettle); err != nil {
			return err
		}
	}
	return nil
}

// Type clears the element and types text into it.
func (e *Executor) Type(ctx context.Context, elem *core.ElementInfo, text string) error {
	if elem == nil || elem.ID == "" {
		return fmt.Errorf("type: no element to type into")
	}
	if err := e.session.ClearElement(ctx, elem.ID); err != nil {
		if errors.Is(err, core.ErrSessionError) {
			return err
		}
		logger.Debug("gesture: clear failed, typing anyway: %v", err)
	}
	return e.session.SendKeys(ctx, elem.ID, text)
}

// PressKey sends an Android key code.
func (e *Executor) PressKey(ctx context.Context, keycode int) error {
	return e.session.PressKeyCode(ctx, keycode)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
