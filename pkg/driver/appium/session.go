package appium

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
	"github.com/devicelab-dev/ticket-runner/pkg/logger"
)

// pollInterval is the pause between element lookups while waiting.
const pollInterval = 200 * time.Millisecond

// closeTimeout bounds session teardown so a dead server cannot stall a retry.
const closeTimeout = 10 * time.Second

// Options configure a new session.
type Options struct {
	ServerURL    string
	Capabilities map[string]interface{}
	Settings     map[string]interface{}
	ImplicitWait time.Duration
}

// DefaultCapabilities returns the capability profile for the Damai Android app
// driven through UiAutomator2.
func DefaultCapabilities() map[string]interface{} {
	return map[string]interface{}{
		"platformName":                      "Android",
		"appium:automationName":             "UiAutomator2",
		"appium:platformVersion":            "15",
		"appium:deviceName":                 "Android",
		"appium:appPackage":                 "cn.damai",
		"appium:appActivity":                ".launcher.splash.SplashMainActivity",
		"appium:unicodeKeyboard":            true,
		"appium:resetKeyboard":              true,
		"appium:noReset":                    true,
		"appium:newCommandTimeout":          6000,
		"appium:ignoreHiddenApiPolicyError": true,
		"appium:disableWindowAnimation":     true,
		"appium:shouldTerminateApp":         false,
		"appium:adbExecTimeout":             20000,
	}
}

// DefaultSettings returns UiAutomator2 settings tuned for fast lookups.
func DefaultSettings() map[string]interface{} {
	return map[string]interface{}{
		"waitForIdleTimeout":          300,
		"actionAcknowledgmentTimeout": 50,
		"keyInjectionDelay":           0,
		"waitForSelectorTimeout":      500,
		"ignoreUnimportantViews":      true,
		"allowInvisibleElements":      false,
	}
}

// Session implements core.Session over one Appium session.
type Session struct {
	client *Client
	id     string
}

var _ core.Session = (*Session)(nil)

// NewSession connects to the server and applies settings and implicit wait.
// A session that cannot be created is reported as core.ErrSessionError.
func NewSession(ctx context.Context, opts Options) (*Session, error) {
	client := NewClient(opts.ServerURL)
	if err := client.Connect(ctx, opts.Capabilities); err != nil {
		if errors.Is(err, core.ErrSessionError) {
			return nil, err
		}
		return nil, core.ErrSessionError.WithCause(err)
	}

	s := &Session{client: client, id: client.SessionID()}

	if len(opts.Settings) > 0 {
		if err := client.SetSettings(ctx, opts.Settings); err != nil {
			logger.Warn("appium: failed to apply settings: %v", err)
		}
	}
	if opts.ImplicitWait > 0 {
		if err := client.SetImplicitWait(ctx, opts.ImplicitWait); err != nil {
			logger.Warn("appium: failed to set implicit wait: %v", err)
		}
	}

	w, h := client.ScreenSize()
	logger.Info("appium: session %s created (%dx%d)", s.id, w, h)
	return s, nil
}

// ID implements core.Session.
func (s *Session) ID() string { return s.id }

// WindowSize implements core.Session.
func (s *Session) WindowSize() (int, int) { return s.client.ScreenSize() }

// Source implements core.Session.
func (s *Session) Source(ctx context.Context) (string, error) {
	return s.client.Source(ctx)
}

// WaitForElement implements core.Session by polling until the deadline.
func (s *Session) WaitForElement(ctx context.Context, sel core.Selector, timeout time.Duration) (*core.ElementInfo, error) {
	strategy, err := sel.Kind.Strategy()
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		info, err := s.findOnce(ctx, strategy, sel.Value)
		if err == nil {
			return info, nil
		}
		if errors.Is(err, core.ErrSessionError) || ctx.Err() != nil {
			return nil, err
		}
		if !errors.Is(err, errNoSuchElement) {
			// Invalid selector and friends never succeed on retry.
			return nil, core.ErrElementNotFound.WithCause(fmt.Errorf("%s: %w", sel.Describe(), err))
		}

		if time.Now().After(deadline) {
			return nil, core.ErrElementTimeout.WithCause(fmt.Errorf("%s not present after %s", sel.Describe(), timeout))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (s *Session) findOnce(ctx context.Context, strategy, value string) (*core.ElementInfo, error) {
	elemID, err := s.client.FindElement(ctx, strategy, value)
	if err != nil {
		return nil, err
	}
	bounds, err := s.client.GetElementRect(ctx, elemID)
	if err != nil {
		return nil, err
	}
	text, _ := s.client.GetElementText(ctx, elemID)
	return &core.ElementInfo{
		ID:      elemID,
		Text:    text,
		Bounds:  bounds,
		Visible: true,
		Enabled: true,
	}, nil
}

// ClickElement implements core.Session.
func (s *Session) ClickElement(ctx context.Context, elementID string) error {
	return s.client.ClickElement(ctx, elementID)
}

// ClickGesture implements core.Session with "mobile: clickGesture".
func (s *Session) ClickGesture(ctx context.Context, x, y int, duration time.Duration) error {
	_, err := s.client.ExecuteMobile(ctx, "clickGesture", map[string]interface{}{
		"x":        x,
		"y":        y,
		"duration": duration.Milliseconds(),
	})
	return err
}

// ScrollGesture implements core.Session with "mobile: scrollGesture".
func (s *Session) ScrollGesture(ctx context.Context, area core.Bounds, direction core.Direction, percent float64) error {
	_, err := s.client.ExecuteMobile(ctx, "scrollGesture", map[string]interface{}{
		"left":      area.X,
		"top":       area.Y,
		"width":     area.Width,
		"height":    area.Height,
		"direction": string(direction),
		"percent":   percent,
	})
	return err
}

// ClearElement implements core.Session.
func (s *Session) ClearElement(ctx context.Context, elementID string) error {
	return s.client.ClearElement(ctx, elementID)
}

// SendKeys implements core.Session.
func (s *Session) SendKeys(ctx context.Context, elementID, text string) error {
	return s.client.SetElementValue(ctx, elementID, text)
}

// PressKeyCode implements core.Session.
func (s *Session) PressKeyCode(ctx context.Context, keycode int) error {
	return s.client.PressKeyCode(ctx, keycode)
}

// Screenshot implements core.Session.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	return s.client.Screenshot(ctx)
}

// Close implements core.Session.
func (s *Session) Close() error {
	if s.client.SessionID() == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := s.client.Disconnect(ctx)
	if err != nil {
		logger.Warn("appium: session %s teardown: %v", s.id, err)
	} else {
		logger.Info("appium: session %s closed", s.id)
	}
	return err
}
