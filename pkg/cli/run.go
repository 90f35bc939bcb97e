package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/ticket-runner/pkg/config"
	"github.com/devicelab-dev/ticket-runner/pkg/logger"
	"github.com/devicelab-dev/ticket-runner/pkg/pipeline"
	"github.com/devicelab-dev/ticket-runner/pkg/purchase"
	"github.com/devicelab-dev/ticket-runner/pkg/report"
	"github.com/devicelab-dev/ticket-runner/pkg/supervisor"
)

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Run the purchase flow with retries",
	Description: `Run the purchase flow described by config.yaml on a fresh Appium session,
retrying on a new session when a step fails.

Reports are generated in the output directory:
  - Default: <home>/artifacts/<timestamp>/
  - With --output: <output>/<timestamp>/
  - With --output and --flatten: <output>/ (no timestamp subfolder)

The order is only submitted with commitOrder: true or --commit.

Examples:
  ticket-runner run
  ticket-runner run --attempts 5 --commit
  ticket-runner run --dry-run
  ticket-runner run --no-ai --output ./runs --flatten`,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "attempts",
			Usage: "Maximum attempts (overrides retry.maxAttempts)",
		},
		&cli.BoolFlag{
			Name:  "commit",
			Usage: "Submit the order (overrides commitOrder)",
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "Validate the configuration and print the plan without connecting",
		},
		&cli.BoolFlag{
			Name:  "no-ai",
			Usage: "Skip model inference and use fallback selectors only",
		},
		&cli.StringFlag{
			Name:  "output",
			Usage: "Output directory for reports (default: <home>/artifacts)",
		},
		&cli.BoolFlag{
			Name:  "flatten",
			Usage: "Don't create timestamp subfolder (requires --output)",
		},
		&cli.BoolFlag{
			Name:  "embed-assets",
			Usage: "Embed screenshots in report.html",
		},
	},
	Action: runPurchase,
}

func runPurchase(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyRunFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	order := purchaseOrder(cfg)

	printBanner()

	if c.Bool("dry-run") {
		flow, err := purchase.New(order, catalog, purchase.DefaultPacing(), nil)
		if err != nil {
			return err
		}
		printPlan(reportOrder(cfg), flow.Steps(), cfg.Retry.MaxAttempts, cfg.Inference.IsEnabled())
		return nil
	}

	outputDir, err := resolveOutputDir(c.String("output"), cfg.ArtifactsDir(), c.Bool("flatten"))
	if err != nil {
		return err
	}
	initLogger(c, "run")
	defer logger.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, files := newDiagnostics(ctx, cfg, filepath.Join(outputDir, "diagnostics"), filepath.Base(outputDir))
	flow, err := purchase.New(order, catalog, purchase.DefaultPacing(), sink)
	if err != nil {
		return err
	}

	logger.WithFields(logger.Fields{
		"keyword":  cfg.Keyword,
		"city":     cfg.City,
		"tickets":  cfg.Quantity(),
		"attempts": cfg.Retry.MaxAttempts,
		"commit":   cfg.CommitOrder,
	}).Info("starting purchase run")

	printSection("Execution")
	sup := supervisor.New(newSessionFactory(cfg), supervisor.Config{
		RetryDelay: cfg.Retry.Backoff,
		Inferer:    newInferer(cfg),
		Resolver:   resolverOptions(cfg),
		Pipeline: pipeline.Config{
			Settle:         cfg.Timeouts.StepSettle,
			Diagnostics:    sink,
			OnStepStart:    onStepStart,
			OnStepComplete: onStepComplete,
		},
		ScrollSettle:   cfg.Timeouts.ScrollSettle,
		OnAttemptStart: onAttemptStart,
		OnAttemptEnd:   onAttemptEnd,
	})
	result, runErr := sup.RunWithRetry(ctx, flow.Steps(), cfg.Retry.MaxAttempts)

	rep := report.New(result, runErr, reportOrder(cfg), runnerInfo(cfg))
	rep.CI = report.DetectCI()
	rep.Artifacts = files.Saved()
	if err := report.NewWriter(appFs, outputDir).Write(rep); err != nil {
		logger.Warn("failed to write report: %v", err)
		fmt.Printf("  %s⚠%s Warning: failed to write report: %v\n", color(colorYellow), color(colorReset), err)
	}
	if c.Bool("embed-assets") {
		if err := report.GenerateHTML(appFs, outputDir, report.HTMLConfig{EmbedAssets: true}); err != nil {
			logger.Warn("failed to embed assets: %v", err)
		}
	}
	printSummary(rep, outputDir)

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", errInterrupted, runErr)
		}
		return runErr
	}
	return nil
}

// applyRunFlags lets run flags override the file configuration.
func applyRunFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("attempts") {
		cfg.Retry.MaxAttempts = c.Int("attempts")
	}
	if c.Bool("commit") {
		cfg.CommitOrder = true
	}
	if c.Bool("no-ai") {
		disabled := false
		cfg.Inference.Enabled = &disabled
	}
}

func purchaseOrder(cfg *config.Config) purchase.Order {
	return purchase.Order{
		Keyword:     cfg.Keyword,
		City:        cfg.City,
		Dates:       cfg.Dates,
		PriceIndex:  cfg.PriceIndex,
		Users:       cfg.Users,
		CommitOrder: cfg.CommitOrder,
		SelectDate:  cfg.SelectDate,
	}
}

func reportOrder(cfg *config.Config) report.Order {
	return report.Order{
		Keyword:     cfg.Keyword,
		City:        cfg.City,
		Dates:       cfg.Dates,
		PriceIndex:  cfg.PriceIndex,
		Buyers:      cfg.Quantity(),
		CommitOrder: cfg.CommitOrder,
	}
}

func runnerInfo(cfg *config.Config) report.RunnerInfo {
	info := report.RunnerInfo{Version: Version, Driver: "appium"}
	if cfg.Inference.IsEnabled() {
		info.InferenceModel = cfg.Inference.Provider + "/" + cfg.Inference.Model
	}
	return info
}
