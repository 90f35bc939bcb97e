// Package mock provides a scriptable core.Session for testing without a device.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
)

// Config configures mock session behavior.
type Config struct {
	ID     string
	Width  int
	Height int
	// Source is returned by Source(); a small hierarchy is used when empty.
	Source string
	// Elements present on screen, keyed by selector.
	Elements map[core.Selector]*core.ElementInfo
	// SimulateWait makes missing elements consume their full timeout.
	SimulateWait bool
	// FailClickGesture makes ClickGesture fail so callers fall back to element clicks.
	FailClickGesture bool
	// Lost makes every device call fail with core.ErrSessionError.
	Lost bool
	// OnWait overrides element lookup when set.
	OnWait func(sel core.Selector, timeout time.Duration) (*core.ElementInfo, error)
}

// Session is a mock implementation of core.Session.
type Session struct {
	cfg Config

	mu       sync.Mutex
	closed   int
	elements map[core.Selector]*core.ElementInfo

	// Recorded interactions
	Waits    []core.Selector
	Taps     []core.Point
	Clicks   []string
	Scrolls  []core.Direction
	Typed    []string
	Keys     []int
	Captures int
}

var _ core.Session = (*Session)(nil)

// New creates a new mock session.
func New(cfg Config) *Session {
	if cfg.ID == "" {
		cfg.ID = "mock-session"
	}
	if cfg.Width == 0 {
		cfg.Width = 1080
	}
	if cfg.Height == 0 {
		cfg.Height = 2400
	}
	elements := make(map[core.Selector]*core.ElementInfo, len(cfg.Elements))
	for k, v := range cfg.Elements {
		elements[k] = v
	}
	return &Session{cfg: cfg, elements: elements}
}

// Element builds an on-screen element with the given id and bounds.
func Element(id string, b core.Bounds) *core.ElementInfo {
	return &core.ElementInfo{ID: id, Bounds: b, Visible: true, Enabled: true}
}

// Present puts an element on screen.
func (s *Session) Present(sel core.Selector, elem *core.ElementInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elements[sel] = elem
}

// Remove takes an element off screen.
func (s *Session) Remove(sel core.Selector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.elements, sel)
}

// Closed returns how many times Close was called.
func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) check() error {
	if s.cfg.Lost {
		return core.ErrSessionError.WithCause(fmt.Errorf("mock session %s lost", s.cfg.ID))
	}
	if s.closed > 0 {
		return core.ErrSessionError.WithCause(fmt.Errorf("mock session %s closed", s.cfg.ID))
	}
	return nil
}

// ID implements core.Session.
func (s *Session) ID() string { return s.cfg.ID }

// WindowSize implements core.Session.
func (s *Session) WindowSize() (int, int) { return s.cfg.Width, s.cfg.Height }

// Source implements core.Session.
func (s *Session) Source(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	if s.cfg.Source != "" {
		return s.cfg.Source, nil
	}
	return `<?xml version="1.0" encoding="UTF-8"?><hierarchy rotation="0">` +
		`<android.widget.FrameLayout index="0" bounds="[0,0][1080,2400]" class="android.widget.FrameLayout"/>` +
		`</hierarchy>`, nil
}

// WaitForElement implements core.Session.
func (s *Session) WaitForElement(ctx context.Context, sel core.Selector, timeout time.Duration) (*core.ElementInfo, error) {
	s.mu.Lock()
	if err := s.check(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.Waits = append(s.Waits, sel)
	onWait := s.cfg.OnWait
	elem, ok := s.elements[sel]
	s.mu.Unlock()

	if _, err := sel.Kind.Strategy(); err != nil {
		return nil, err
	}
	if onWait != nil {
		return onWait(sel, timeout)
	}
	if ok {
		return elem, nil
	}
	if s.cfg.SimulateWait {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(timeout):
		}
	}
	return nil, core.ErrElementTimeout.WithCause(fmt.Errorf("%s not present after %s", sel.Describe(), timeout))
}

// ClickElement implements core.Session.
func (s *Session) ClickElement(_ context.Context, elementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.Clicks = append(s.Clicks, elementID)
	return nil
}

// ClickGesture implements core.Session.
func (s *Session) ClickGesture(_ context.Context, x, y int, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if s.cfg.FailClickGesture {
		return fmt.Errorf("mock: clickGesture unsupported")
	}
	s.Taps = append(s.Taps, core.Point{X: x, Y: y})
	return nil
}

// ScrollGesture implements core.Session.
func (s *Session) ScrollGesture(_ context.Context, _ core.Bounds, direction core.Direction, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.Scrolls = append(s.Scrolls, direction)
	return nil
}

// ClearElement implements core.Session.
func (s *Session) ClearElement(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check()
}

// SendKeys implements core.Session.
func (s *Session) SendKeys(_ context.Context, _ string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.Typed = append(s.Typed, text)
	return nil
}

// PressKeyCode implements core.Session.
func (s *Session) PressKeyCode(_ context.Context, keycode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.Keys = append(s.Keys, keycode)
	return nil
}

// Screenshot returns a mock PNG image.
func (s *Session) Screenshot(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	s.Captures++
	// Minimal valid PNG (1x1 transparent pixel)
	return []byte{
		0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, // PNG signature
		0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52, // IHDR chunk
		0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
		0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4,
		0x89, 0x00, 0x00, 0x00, 0x0A, 0x49, 0x44, 0x41,
		0x54, 0x78, 0x9C, 0x63, 0x00, 0x01, 0x00, 0x00,
		0x05, 0x00, 0x01, 0x0D, 0x0A, 0x2D, 0xB4, 0x00,
		0x00, 0x00, 0x00, 0x49, 0x45, 0x4E, 0x44, 0xAE,
		0x42, 0x60, 0x82,
	}, nil
}

// Close implements core.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// Factory hands out a fresh mock session per call, each with a unique id.
type Factory struct {
	// Configure customizes the config of the n-th session (1-based).
	Configure func(n int, cfg *Config)
	// FailOn makes creation of the n-th session fail (1-based). 0 = never.
	FailOn int

	mu       sync.Mutex
	Sessions []*Session
}

// NewSession creates the next session.
func (f *Factory) NewSession(_ context.Context) (core.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.Sessions) + 1
	if f.FailOn == n {
		f.Sessions = append(f.Sessions, nil)
		return nil, core.ErrSessionError.WithCause(fmt.Errorf("mock: cannot create session %d", n))
	}
	cfg := Config{ID: fmt.Sprintf("mock-session-%d", n)}
	if f.Configure != nil {
		f.Configure(n, &cfg)
	}
	s := New(cfg)
	f.Sessions = append(f.Sessions, s)
	return s, nil
}

// Created returns the number of creation attempts.
func (f *Factory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sessions)
}
