// Package cli provides the command-line interface for ticket-runner.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
)

// Version is set at build time.
var Version = "dev"

// Exit codes
const (
	ExitOK        = 0
	ExitFailed    = 1 // every attempt failed, or the run could not start
	ExitConfig    = 2 // configuration is invalid
	ExitCancelled = 130
)

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to config.yaml (default: ./config.yaml or ./config.yml)",
		EnvVars: []string{"TICKET_RUNNER_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "env-file",
		Usage: "Dotenv file with secrets such as INFERENCE_API_KEY",
		Value: ".env",
	},
	&cli.StringFlag{
		Name:    "appium-url",
		Usage:   "Appium server URL (overrides appium.url)",
		EnvVars: []string{"APPIUM_URL"},
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Usage:   "Enable verbose logging",
		EnvVars: []string{"TICKET_RUNNER_VERBOSE"},
	},
	&cli.StringFlag{
		Name:  "log-file",
		Usage: "Log file (default: <home>/logs/<command>.log)",
	},
	&cli.BoolFlag{
		Name:  "no-ansi",
		Usage: "Disable ANSI colors",
	},
}

// NewApp builds the CLI application.
func NewApp() *cli.App {
	return &cli.App{
		Name:    "ticket-runner",
		Usage:   "Resilient ticket purchase automation on Appium",
		Version: Version,
		Description: `ticket-runner drives the Damai Android app through Appium to purchase
tickets. Each UI element is located by model inference, then by fallback
selectors, then by a proportional screen coordinate. Failed runs are retried
on a fresh session.

Examples:
  ticket-runner run
  ticket-runner --config concert.yaml run --commit
  ticket-runner run --dry-run
  ticket-runner resolve "the red buy button at the bottom"
  ticket-runner hierarchy --compact`,
		Flags: GlobalFlags,
		Before: func(c *cli.Context) error {
			if c.Bool("no-ansi") {
				colorsEnabled = false
			}
			return nil
		},
		Commands: []*cli.Command{
			runCommand,
			resolveCommand,
			hierarchyCommand,
		},
	}
}

// Execute runs the CLI and exits with the code matching the outcome.
func Execute() {
	os.Exit(run(os.Args, os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	err := NewApp().Run(args)
	if err == nil {
		return ExitOK
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitCode(err)
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case core.CategoryOf(err) == core.ErrCategoryConfig:
		return ExitConfig
	case errors.Is(err, errInterrupted):
		return ExitCancelled
	default:
		return ExitFailed
	}
}
