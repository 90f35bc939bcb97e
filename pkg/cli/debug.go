package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/ticket-runner/pkg/config"
	"github.com/devicelab-dev/ticket-runner/pkg/core"
	"github.com/devicelab-dev/ticket-runner/pkg/driver/appium"
	"github.com/devicelab-dev/ticket-runner/pkg/gesture"
	"github.com/devicelab-dev/ticket-runner/pkg/logger"
	"github.com/devicelab-dev/ticket-runner/pkg/resolver"
)

var resolveCommand = &cli.Command{
	Name:      "resolve",
	Usage:     "Resolve one element on the current screen",
	ArgsUsage: "<description>",
	Description: `Connect to the device and run the resolution chain for a single element,
printing which strategy found it and where. Nothing is tapped unless --tap is
given, except by the coordinate fallback, which taps by definition.

Examples:
  ticket-runner resolve "the buy button at the bottom of the page"
  ticket-runner resolve "buy button" --selector 'id=cn.damai:id/trade_project_detail_purchase_status_bar_container_fl'
  ticket-runner resolve "search box" --no-ai --selector 'uiselector=new UiSelector().text("搜索")' --tap
  ticket-runner resolve "" --point 0.5,0.95`,
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "selector",
			Aliases: []string{"s"},
			Usage:   "Fallback selector kind=value (kind: id, uiselector, classname); repeatable",
		},
		&cli.StringFlag{
			Name:  "point",
			Usage: "Coordinate fallback as x,y proportions of the screen (e.g. 0.5,0.95)",
		},
		&cli.BoolFlag{
			Name:  "tap",
			Usage: "Tap the resolved element",
		},
		&cli.BoolFlag{
			Name:  "no-ai",
			Usage: "Skip model inference",
		},
	},
	Action: runResolve,
}

var hierarchyCommand = &cli.Command{
	Name:  "hierarchy",
	Usage: "Print the view hierarchy of the connected device",
	Description: `Print the current UI hierarchy as XML.

Examples:
  ticket-runner hierarchy
  ticket-runner hierarchy --compact`,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "compact",
			Usage: "Print only informative elements, as sent to the model with inference.compactSnapshot",
		},
	},
	Action: runHierarchy,
}

// openSession loads the connection settings and creates one session.
func openSession(c *cli.Context, name string) (context.Context, func(), *config.Config, core.Session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if c.Bool("no-ai") {
		disabled := false
		cfg.Inference.Enabled = &disabled
	}
	if err := cfg.ValidateConnection(); err != nil {
		return nil, nil, nil, nil, err
	}
	initLogger(c, name)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	session, err := newSessionFactory(cfg)(ctx)
	if err != nil {
		stop()
		logger.Close()
		return nil, nil, nil, nil, err
	}
	cleanup := func() {
		if err := session.Close(); err != nil {
			logger.Warn("failed to close session: %v", err)
		}
		stop()
		logger.Close()
	}
	return ctx, cleanup, cfg, session, nil
}

func runResolve(c *cli.Context) error {
	if c.NArg() > 1 {
		return fmt.Errorf("expected one description, got %d arguments (quote it)", c.NArg())
	}
	target, err := resolveTarget(c.Args().First(), c.StringSlice("selector"), c.String("point"))
	if err != nil {
		return err
	}

	ctx, cleanup, cfg, session, err := openSession(c, "resolve")
	if err != nil {
		return err
	}
	defer cleanup()

	gestures := gesture.New(session, cfg.Timeouts.ScrollSettle)
	opts := resolverOptions(cfg)
	sink, _ := newDiagnostics(ctx, cfg, cfg.ArtifactsDir(), "resolve-"+time.Now().Format("20060102-150405"))
	opts.Diagnostics = sink
	r := resolver.New(session, newInferer(cfg), gestures, opts)

	start := time.Now()
	out := r.Resolve(ctx, target)
	elapsed := time.Since(start)

	printOutcome(out, elapsed)
	if !out.Resolved {
		if out.Reason == nil {
			return core.ErrElementNotFound
		}
		return out.Reason
	}
	if c.Bool("tap") && !out.Tapped() {
		if err := gestures.Apply(ctx, out); err != nil {
			return fmt.Errorf("tap: %w", err)
		}
		fmt.Printf("  %s✓%s tapped\n", color(colorGreen), color(colorReset))
	}
	return nil
}

// resolveTarget builds an ad-hoc target from the command line.
func resolveTarget(description string, selectors []string, point string) (resolver.Target, error) {
	t := resolver.Target{Name: "cli", Description: strings.TrimSpace(description)}
	for _, s := range selectors {
		sel, err := parseSelector(s)
		if err != nil {
			return t, err
		}
		t.Selectors = append(t.Selectors, sel)
	}
	if point != "" {
		p, err := parseProportion(point)
		if err != nil {
			return t, err
		}
		t.Point = &p
	}
	if t.Description == "" && len(t.Selectors) == 0 && t.Point == nil {
		return t, core.ErrMissingRequired.WithMessage("give a description, a --selector or a --point")
	}
	return t, nil
}

// parseSelector parses kind=value.
func parseSelector(s string) (core.Selector, error) {
	kindStr, value, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(value) == "" {
		return core.Selector{}, core.ErrInvalidConfig.WithMessage(fmt.Sprintf("selector %q is not kind=value", s))
	}
	kind, err := core.ParseLocatorKind(kindStr)
	if err != nil || kind == core.KindNotFound {
		return core.Selector{}, core.ErrInvalidConfig.WithMessage(fmt.Sprintf("selector %q has an unknown kind", s))
	}
	return core.Selector{Kind: kind, Value: strings.TrimSpace(value)}, nil
}

// parseProportion parses "x,y" with both values in [0,1].
func parseProportion(s string) (resolver.Proportion, error) {
	xs, ys, ok := strings.Cut(s, ",")
	x, errX := strconv.ParseFloat(strings.TrimSpace(xs), 64)
	y, errY := strconv.ParseFloat(strings.TrimSpace(ys), 64)
	if !ok || errX != nil || errY != nil || x < 0 || x > 1 || y < 0 || y > 1 {
		return resolver.Proportion{}, core.ErrInvalidConfig.WithMessage(fmt.Sprintf("point %q is not x,y within [0,1]", s))
	}
	return resolver.Proportion{X: x, Y: y}, nil
}

func printOutcome(out core.Outcome, elapsed time.Duration) {
	if !out.Resolved {
		fmt.Printf("  %s✗ unresolved%s after %s: %v\n", color(colorRed), color(colorReset), formatDuration(elapsed), out.Reason)
		return
	}
	fmt.Printf("  %s✓ %s%s in %s\n", color(colorGreen), out.Via, color(colorReset), formatDuration(elapsed))
	if out.Via != core.StrategyCoordinate {
		fmt.Printf("    selector: %s\n", out.Selector.Describe())
	}
	if out.Element != nil {
		b := out.Element.Bounds
		fmt.Printf("    element:  %s %q [%d,%d %dx%d]\n", out.Element.Class, out.Element.Text, b.X, b.Y, b.Width, b.Height)
	}
	if out.Point != nil {
		fmt.Printf("    tapped:   (%d, %d)\n", out.Point.X, out.Point.Y)
	}
}

func runHierarchy(c *cli.Context) error {
	ctx, cleanup, _, session, err := openSession(c, "hierarchy")
	if err != nil {
		return err
	}
	defer cleanup()

	src, err := session.Source(ctx)
	if err != nil {
		return fmt.Errorf("get hierarchy: %w", err)
	}
	if c.Bool("compact") {
		if src, err = appium.CompactSource(src); err != nil {
			return fmt.Errorf("compact hierarchy: %w", err)
		}
	}
	fmt.Fprintln(c.App.Writer, src)
	return nil
}
