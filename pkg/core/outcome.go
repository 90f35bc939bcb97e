package core

import "time"

// Strategy tags the resolution method that produced an outcome.
type Strategy string

// Strategy tags, in chain order.
const (
	StrategyAI            Strategy = "AI"
	StrategyAIRelaxed     Strategy = "AI-Relaxed"
	StrategyDeterministic Strategy = "Deterministic"
	StrategyCoordinate    Strategy = "Coordinate"
)

// Point is an absolute screen coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ResolutionRequest is built fresh for every resolution call.
type ResolutionRequest struct {
	Description string
	Timeout     time.Duration
	Snapshot    string
}

// Outcome is the tagged result of a resolution: either Resolved (Element or,
// for coordinate taps, Point) or Unresolved with a Reason.
type Outcome struct {
	Resolved bool
	Via      Strategy
	Element  *ElementInfo
	Point    *Point
	Selector Selector
	Reason   error
}

// Resolved builds a successful outcome for an element located by sel.
func Resolved(elem *ElementInfo, via Strategy, sel Selector) Outcome {
	return Outcome{Resolved: true, Via: via, Element: elem, Selector: sel}
}

// ResolvedAt builds a successful coordinate outcome. No element identity is confirmed.
func ResolvedAt(p Point) Outcome {
	return Outcome{Resolved: true, Via: StrategyCoordinate, Point: &p}
}

// Unresolved builds a failed outcome.
func Unresolved(reason error) Outcome {
	if reason == nil {
		reason = ErrElementNotFound
	}
	return Outcome{Reason: reason}
}

// Tapped reports whether the outcome already performed its gesture.
// Only coordinate outcomes tap as part of resolution.
func (o Outcome) Tapped() bool {
	return o.Resolved && o.Via == StrategyCoordinate
}

// Equal compares two outcomes by identity-relevant fields.
func (o Outcome) Equal(other Outcome) bool {
	if o.Resolved != other.Resolved || o.Via != other.Via || o.Selector != other.Selector {
		return false
	}
	if (o.Element == nil) != (other.Element == nil) {
		return false
	}
	if o.Element != nil && o.Element.ID != other.Element.ID {
		return false
	}
	if (o.Point == nil) != (other.Point == nil) {
		return false
	}
	if o.Point != nil && *o.Point != *other.Point {
		return false
	}
	if !o.Resolved {
		return CodeOf(o.Reason) == CodeOf(other.Reason)
	}
	return true
}
