// Package scenario holds the catalog of on-screen targets the purchase flow
// resolves, with their descriptions and fallbacks.
package scenario

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
	"github.com/devicelab-dev/ticket-runner/pkg/jsengine"
	"github.com/devicelab-dev/ticket-runner/pkg/resolver"
)

//go:embed targets.yaml
var defaultTargets []byte

// Target names used by the purchase flow.
const (
	SearchEntry    = "search_entry"
	SearchInput    = "search_input"
	SearchResult   = "search_result"
	City           = "city"
	Date           = "date"
	Buy            = "buy"
	PriceContainer = "price_container"
	PriceOption    = "price_option"
	QuantityPlus   = "quantity_plus"
	Confirm        = "confirm"
	Buyer          = "buyer"
	Submit         = "submit"
)

// Required lists every target the purchase flow looks up.
var Required = []string{
	SearchEntry, SearchInput, SearchResult, City, Date, Buy,
	PriceContainer, PriceOption, QuantityPlus, Confirm, Buyer, Submit,
}

// TargetSpec is a target template. Description and selector values may hold
// ${...} expressions.
type TargetSpec struct {
	Description     string               `yaml:"description"`
	Selectors       []core.Selector      `yaml:"selectors"`
	Point           *resolver.Proportion `yaml:"point"`
	AITimeout       time.Duration        `yaml:"aiTimeout"`
	FallbackTimeout time.Duration        `yaml:"fallbackTimeout"`
}

// Catalog maps target names to templates.
type Catalog map[string]TargetSpec

// Default returns the built-in catalog.
func Default() (Catalog, error) {
	return Parse(defaultTargets)
}

// Parse decodes a catalog.
func Parse(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, core.ErrInvalidConfig.WithCause(fmt.Errorf("parse targets: %w", err))
	}
	for name, spec := range c {
		if spec.Point != nil && (spec.Point.X < 0 || spec.Point.X > 1 || spec.Point.Y < 0 || spec.Point.Y > 1) {
			return nil, core.ErrInvalidConfig.WithMessage(fmt.Sprintf("target %s: point must be within [0,1]", name))
		}
	}
	return c, nil
}

// Load returns the built-in catalog with the targets in path replacing
// their built-in namesakes. An empty path returns the built-in catalog.
func Load(path string) (Catalog, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path) //#nosec G304 -- user-provided target catalog
	if err != nil {
		return nil, err
	}
	override, err := Parse(data)
	if err != nil {
		return nil, err
	}
	for name, spec := range override {
		c[name] = spec
	}
	return c, nil
}

// Names returns the target names in sorted order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check reports targets in names that the catalog lacks or that have
// nothing to resolve with.
func (c Catalog) Check(names ...string) error {
	var missing []string
	for _, name := range names {
		spec, ok := c[name]
		if !ok || (spec.Description == "" && len(spec.Selectors) == 0 && spec.Point == nil) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return core.ErrInvalidConfig.WithMessage(fmt.Sprintf("target catalog lacks %v", missing))
	}
	return nil
}

// Target expands the template name against the engine's variables.
func (c Catalog) Target(name string, vars *jsengine.Engine) (resolver.Target, error) {
	spec, ok := c[name]
	if !ok {
		return resolver.Target{}, fmt.Errorf("unknown target %q", name)
	}

	desc, err := vars.ExpandVariables(spec.Description)
	if err != nil {
		return resolver.Target{}, fmt.Errorf("target %s: %w", name, err)
	}
	sels := make([]core.Selector, 0, len(spec.Selectors))
	for _, sel := range spec.Selectors {
		v, err := vars.ExpandVariables(sel.Value)
		if err != nil {
			return resolver.Target{}, fmt.Errorf("target %s: %w", name, err)
		}
		sels = append(sels, core.Selector{Kind: sel.Kind, Value: v})
	}

	var point *resolver.Proportion
	if spec.Point != nil {
		p := *spec.Point
		point = &p
	}
	return resolver.Target{
		Name:            name,
		Description:     desc,
		Selectors:       sels,
		Point:           point,
		AITimeout:       spec.AITimeout,
		FallbackTimeout: spec.FallbackTimeout,
	}, nil
}
