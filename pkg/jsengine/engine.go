// Package jsengine evaluates the ${...} expressions embedded in target
// descriptions and selectors.
package jsengine

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

// Engine wraps a goja runtime holding the purchase variables.
type Engine struct {
	runtime   *goja.Runtime
	variables map[string]interface{}
	mu        sync.Mutex
}

// New creates a new JS engine instance
func New() *Engine {
	e := &Engine{
		runtime:   goja.New(),
		variables: make(map[string]interface{}),
	}

	e.setupBuiltins()
	return e
}

// NewWithVariables creates an engine with vars already defined.
func NewWithVariables(vars map[string]interface{}) *Engine {
	e := New()
	e.SetVariables(vars)
	return e
}

// setupBuiltins registers the helpers available to templates
func (e *Engine) setupBuiltins() {
	// quote("a\"b") -> "a\"b" as a Java string literal for UiSelector arguments
	e.runtime.Set("quote", func(s string) string {
		return `"` + javaEscaper.Replace(s) + `"`
	})

	// regex("10.04") -> 10\.04 for textMatches
	e.runtime.Set("regex", regexp.QuoteMeta)

	// ordinal(2) -> 2nd
	e.runtime.Set("ordinal", Ordinal)
}

var javaEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// Ordinal renders n as an English ordinal.
func Ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", n, suffix)
}

// SetVariable sets a variable accessible in JS as a global
func (e *Engine) SetVariable(name string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.variables[name] = value
	e.runtime.Set(name, value)
}

// SetVariables sets multiple variables
func (e *Engine) SetVariables(vars map[string]interface{}) {
	for k, v := range vars {
		e.SetVariable(k, v)
	}
}

// Variables returns a copy of the variables set so far.
func (e *Engine) Variables() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := make(map[string]interface{}, len(e.variables))
	for k, v := range e.variables {
		result[k] = v
	}
	return result
}

// Eval evaluates a JavaScript expression and returns the result
func (e *Engine) Eval(script string) (interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.runtime.RunString(script)
	if err != nil {
		return nil, fmt.Errorf("JS eval error: %w", err)
	}

	return result.Export(), nil
}

// EvalString evaluates a JavaScript expression and returns string result
func (e *Engine) EvalString(script string) (string, error) {
	result, err := e.Eval(script)
	if err != nil {
		return "", err
	}

	if result == nil {
		return "", nil
	}

	return fmt.Sprintf("%v", result), nil
}

// ExpandVariables expands ${...} expressions in a string using JS evaluation.
// Unlike shell-style expansion, a failing or unterminated expression is an
// error: a half-expanded selector would silently match the wrong element.
func (e *Engine) ExpandVariables(text string) (string, error) {
	var b strings.Builder
	rest := text

	for {
		// Find ${
		idx := strings.Index(rest, "${")
		if idx == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:idx])

		// Find matching }
		depth := 1
		end := idx + 2
		for end < len(rest) && depth > 0 {
			switch rest[end] {
			case '{':
				depth++
			case '}':
				depth--
			}
			end++
		}
		if depth != 0 {
			return "", fmt.Errorf("unterminated expression in %q", text)
		}

		expr := strings.TrimSpace(rest[idx+2 : end-1])
		if expr == "" {
			return "", fmt.Errorf("empty expression in %q", text)
		}
		value, err := e.EvalString(expr)
		if err != nil {
			return "", fmt.Errorf("expand %q: %w", expr, err)
		}
		b.WriteString(value)
		rest = rest[end:]
	}

	return b.String(), nil
}

// HasExpressions reports whether text contains a ${...} expression.
func HasExpressions(text string) bool {
	return strings.Contains(text, "${")
}
