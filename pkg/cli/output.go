package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
	"github.com/devicelab-dev/ticket-runner/pkg/pipeline"
	"github.com/devicelab-dev/ticket-runner/pkg/report"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Slow step threshold
const slowThreshold = 5 * time.Second

// colorsEnabled determines if ANSI colors should be used
var colorsEnabled = true

func init() {
	// Respect NO_COLOR environment variable
	if os.Getenv("NO_COLOR") != "" {
		colorsEnabled = false
		return
	}
	// Check if stdout is a terminal
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			colorsEnabled = false
		}
	}
}

// color returns the color code if colors are enabled, empty string otherwise
func color(c string) string {
	if colorsEnabled {
		return c
	}
	return ""
}

func printBanner() {
	fmt.Println()
	fmt.Printf("%sticket-runner%s %s\n", color(colorBold), color(colorReset), Version)
	fmt.Println(strings.Repeat("─", 60))
}

func printSection(title string) {
	fmt.Printf("\n%s%s%s\n", color(colorBold), title, color(colorReset))
}

// Live progress callbacks

func onAttemptStart(attempt, maxAttempts int, sessionID string) {
	fmt.Printf("\n  %s[attempt %d/%d]%s session %s%s%s\n",
		color(colorCyan), attempt, maxAttempts, color(colorReset),
		color(colorDim), sessionID, color(colorReset))
	fmt.Println(strings.Repeat("─", 60))
}

func onAttemptEnd(attempt int, run core.PipelineRun) {
	if run.Status.IsSuccess() {
		fmt.Printf("  %s✓ attempt %d passed%s (%s)\n", color(colorGreen), attempt, color(colorReset), formatDuration(run.Duration))
		return
	}
	fmt.Printf("  %s✗ attempt %d failed%s at %s (%s)\n", color(colorRed), attempt, color(colorReset), orDash(run.FailedStep), formatDuration(run.Duration))
}

func onStepStart(idx, total int, name string) {
	if colorsEnabled {
		fmt.Printf("    %s… %s%s\r", color(colorGray), name, color(colorReset))
	}
}

func onStepComplete(idx, total int, rec core.StepRecord) {
	desc := fmt.Sprintf("%d/%d %s", idx+1, total, rec.Name)
	if via := strategiesOf(rec); via != "" {
		desc += " " + color(colorGray) + "[" + via + "]" + color(colorReset)
	}
	durStr := formatDuration(rec.Duration)

	switch rec.Status {
	case core.StatusPassed:
		symbol, symbolColor, durColor := "✓", color(colorGreen), ""
		if rec.Duration >= slowThreshold {
			symbol, symbolColor, durColor = "⚠", color(colorYellow), color(colorYellow)
		}
		fmt.Printf("    %s%s%s %s %s(%s)%s\n", symbolColor, symbol, color(colorReset), desc, durColor, durStr, color(colorReset))
	case core.StatusWarned:
		fmt.Printf("    %s~%s %s (%s)\n", color(colorYellow), color(colorReset), desc, durStr)
		if rec.Warning != "" {
			fmt.Printf("      %s╰─%s %s\n", color(colorGray), color(colorReset), rec.Warning)
		}
	default:
		fmt.Printf("    %s✗%s %s (%s)\n", color(colorRed), color(colorReset), desc, durStr)
		if rec.Error != "" {
			fmt.Printf("      %s╰─%s %s\n", color(colorGray), color(colorReset), rec.Error)
		}
	}
}

// strategiesOf lists the strategy of every resolution in a step.
func strategiesOf(rec core.StepRecord) string {
	var via []string
	for _, r := range rec.Resolutions {
		if r.Resolved {
			via = append(via, string(r.Via))
		} else {
			via = append(via, "unresolved")
		}
	}
	return strings.Join(via, ",")
}

// printPlan lists what a run would do without touching the device.
func printPlan(order report.Order, steps []pipeline.Step, attempts int, aiEnabled bool) {
	printSection("Plan")
	fmt.Printf("  Keyword:   %s\n", order.Keyword)
	fmt.Printf("  City:      %s\n", order.City)
	if len(order.Dates) > 0 {
		fmt.Printf("  Dates:     %s\n", strings.Join(order.Dates, ", "))
	}
	fmt.Printf("  Price:     tier %d\n", order.PriceIndex)
	fmt.Printf("  Tickets:   %d\n", order.Buyers)
	fmt.Printf("  Commit:    %t\n", order.CommitOrder)
	fmt.Printf("  Attempts:  %d\n", attempts)
	fmt.Printf("  Inference: %t\n", aiEnabled)

	printSection("Steps")
	for i, s := range steps {
		suffix := ""
		if s.Optional {
			suffix = color(colorGray) + " (optional)" + color(colorReset)
		}
		fmt.Printf("  %d. %s%s\n", i+1, s.Name, suffix)
	}
	fmt.Println()
}

// printSummary prints the verdict and where the report went.
func printSummary(r *report.Report, outputDir string) {
	printSection("Summary")
	switch r.Status {
	case report.StatusPassed:
		fmt.Printf("  %s✓ Purchase flow completed%s in %s\n", color(colorGreen), color(colorReset), formatDuration(r.Duration))
	case report.StatusCancelled:
		fmt.Printf("  %s■ Cancelled%s\n", color(colorYellow), color(colorReset))
	default:
		fmt.Printf("  %s✗ Failed%s: %s\n", color(colorRed), color(colorReset), r.Error)
	}
	fmt.Printf("  Attempts:   %d (%d failed)\n", r.Summary.Attempts, r.Summary.FailedAttempts)

	if len(r.Summary.Strategies) > 0 {
		keys := make([]string, 0, len(r.Summary.Strategies))
		for k := range r.Summary.Strategies {
			keys = append(keys, string(k))
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%d", k, r.Summary.Strategies[core.Strategy(k)])
		}
		fmt.Printf("  Strategies: %s\n", strings.Join(parts, " "))
	}
	if len(r.Artifacts) > 0 {
		fmt.Printf("  Diagnostics: %d file(s)\n", len(r.Artifacts))
	}
	if outputDir != "" {
		fmt.Printf("  Report:     %s\n", outputDir)
	}
	fmt.Println()
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
