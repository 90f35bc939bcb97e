package core

import (
	"context"
	"time"
)

// Session is the exclusive handle to one device automation channel.
// A session is created per attempt and closed, never reused, on retry.
type Session interface {
	// ID returns the server-assigned session identifier.
	ID() string

	// WindowSize returns the screen size captured when the session was created.
	WindowSize() (width, height int)

	// Source returns the current UI hierarchy as serialized XML.
	Source(ctx context.Context) (string, error)

	// WaitForElement polls for sel until it is present or timeout elapses.
	// A timeout yields ErrElementTimeout; a lost channel yields ErrSessionError.
	WaitForElement(ctx context.Context, sel Selector, timeout time.Duration) (*ElementInfo, error)

	// ClickElement performs a native element click.
	ClickElement(ctx context.Context, elementID string) error

	// ClickGesture taps an absolute point.
	ClickGesture(ctx context.Context, x, y int, duration time.Duration) error

	// ScrollGesture scrolls within area by percent (0..1) of its size.
	ScrollGesture(ctx context.Context, area Bounds, direction Direction, percent float64) error

	// ClearElement clears an editable element.
	ClearElement(ctx context.Context, elementID string) error

	// SendKeys types text into an element.
	SendKeys(ctx context.Context, elementID, text string) error

	// PressKeyCode sends an Android key code.
	PressKeyCode(ctx context.Context, keycode int) error

	// Screenshot captures the current screen as PNG.
	Screenshot(ctx context.Context) ([]byte, error)

	// Close tears the session down. Safe to call more than once.
	Close() error
}

// Direction of a scroll gesture.
type Direction string

// Scroll directions
const (
	DirectionUp    Direction = "up"
	DirectionDown  Direction = "down"
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

// Android key codes used by the purchase flow.
const (
	KeyCodeEnter = 66
	KeyCodeBack  = 4
)

// ElementInfo represents information about a UI element
type ElementInfo struct {
	ID      string `json:"id,omitempty"`
	Text    string `json:"text,omitempty"`
	Bounds  Bounds `json:"bounds"`
	Visible bool   `json:"visible"`
	Enabled bool   `json:"enabled"`
	Class   string `json:"class,omitempty"`
}

// Bounds represents element position and size
type Bounds struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Center returns the center point of the bounds
func (b Bounds) Center() (int, int) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Contains checks if a point is within the bounds
func (b Bounds) Contains(x, y int) bool {
	return x >= b.X && x < b.X+b.Width && y >= b.Y && y < b.Y+b.Height
}

// Empty reports whether the bounds have no area.
func (b Bounds) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}
