package core

import (
	"fmt"
	"strings"
)

// DefaultConfidenceThreshold is the minimum confidence for an inferred locator.
const DefaultConfidenceThreshold = 0.3

// LocatorKind identifies how a locator value is interpreted by the device.
type LocatorKind int

const (
	KindNotFound   LocatorKind = iota // No element identified
	KindID                            // Resource identifier (cn.app:id/btn_buy)
	KindUiSelector                    // UiAutomator expression (new UiSelector()...)
	KindClassName                     // Widget class name (android.widget.EditText)
)

// String returns the canonical name of the kind.
func (k LocatorKind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindID:
		return "ID"
	case KindUiSelector:
		return "UiSelectorExpression"
	case KindClassName:
		return "ClassName"
	default:
		return "unknown"
	}
}

// Strategy returns the W3C "using" value for the kind.
// KindNotFound has no strategy and returns an error.
func (k LocatorKind) Strategy() (string, error) {
	switch k {
	case KindID:
		return "id", nil
	case KindUiSelector:
		return "-android uiautomator", nil
	case KindClassName:
		return "class name", nil
	case KindNotFound:
		return "", fmt.Errorf("locator kind %s has no lookup strategy", k)
	default:
		return "", fmt.Errorf("unhandled locator kind %d", int(k))
	}
}

// locatorKindNames maps every accepted wire token to a kind. Both the canonical
// names and the selenium-style tokens models tend to emit are accepted.
var locatorKindNames = map[string]LocatorKind{
	"id":                           KindID,
	"by.id":                        KindID,
	"uiselectorexpression":         KindUiSelector,
	"uiselector":                   KindUiSelector,
	"android_uiautomator":          KindUiSelector,
	"appiumby.android_uiautomator": KindUiSelector,
	"-android uiautomator":         KindUiSelector,
	"classname":                    KindClassName,
	"class_name":                   KindClassName,
	"by.class_name":                KindClassName,
	"notfound":                     KindNotFound,
	"not_found":                    KindNotFound,
}

// ParseLocatorKind converts a wire token to a LocatorKind.
// Unknown tokens are an error, never a silent default.
func ParseLocatorKind(s string) (LocatorKind, error) {
	k, ok := locatorKindNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return KindNotFound, fmt.Errorf("unknown locator type %q", s)
	}
	return k, nil
}

// Selector is a typed locator expression without a confidence score.
// Hand-authored fallbacks are plain selectors.
type Selector struct {
	Kind  LocatorKind `yaml:"kind" json:"kind"`
	Value string      `yaml:"value" json:"value"`
}

// ByID builds an ID selector.
func ByID(id string) Selector { return Selector{Kind: KindID, Value: id} }

// ByUiSelector builds a UiAutomator selector.
func ByUiSelector(expr string) Selector { return Selector{Kind: KindUiSelector, Value: expr} }

// ByClassName builds a class-name selector.
func ByClassName(class string) Selector { return Selector{Kind: KindClassName, Value: class} }

// Describe returns a short human-readable form for logs.
func (s Selector) Describe() string {
	return fmt.Sprintf("%s=%q", s.Kind, s.Value)
}

// UnmarshalYAML accepts `{kind: ID, value: ...}` with kind given by name.
func (s *Selector) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		Kind  string `yaml:"kind"`
		Value string `yaml:"value"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	kind, err := ParseLocatorKind(raw.Kind)
	if err != nil {
		return err
	}
	if kind == KindNotFound {
		return fmt.Errorf("selector kind must not be %s", kind)
	}
	s.Kind = kind
	s.Value = raw.Value
	return nil
}

// Locator is a selector proposed by inference together with its confidence.
type Locator struct {
	Kind       LocatorKind `json:"kind"`
	Value      string      `json:"value"`
	Confidence float64     `json:"confidence"`
}

// NotFoundLocator is the zero-confidence "no element" locator.
var NotFoundLocator = Locator{Kind: KindNotFound}

// NewLocator builds a locator, clamping confidence into [0,1] and forcing
// zero confidence for KindNotFound.
func NewLocator(kind LocatorKind, value string, confidence float64) Locator {
	l := Locator{Kind: kind, Value: value, Confidence: confidence}
	return l.Normalize()
}

// Normalize enforces the locator invariants.
func (l Locator) Normalize() Locator {
	if l.Confidence < 0 {
		l.Confidence = 0
	}
	if l.Confidence > 1 {
		l.Confidence = 1
	}
	if l.Kind == KindNotFound {
		l.Confidence = 0
		l.Value = ""
	}
	return l
}

// Accepted reports whether the locator passes the confidence gate.
func (l Locator) Accepted(threshold float64) bool {
	return l.Kind != KindNotFound && l.Confidence >= threshold
}

// Selector drops the confidence score.
func (l Locator) Selector() Selector {
	return Selector{Kind: l.Kind, Value: l.Value}
}

// clickableConstraint is the interactivity predicate that relaxation strips.
const clickableConstraint = ".clickable(true)"

// HasClickableConstraint reports whether the locator is a UiSelector expression
// carrying an exact clickability predicate.
func (s Selector) HasClickableConstraint() bool {
	return s.Kind == KindUiSelector && strings.Contains(s.Value, clickableConstraint)
}

// Relaxed returns the selector with every clickability predicate removed.
func (s Selector) Relaxed() Selector {
	if !s.HasClickableConstraint() {
		return s
	}
	return Selector{Kind: s.Kind, Value: strings.ReplaceAll(s.Value, clickableConstraint, "")}
}
