// Package report writes the outcome of a supervised purchase run.
//
// Layout of the output directory:
//   - report.json: the run with every attempt trace
//   - report.html: a static, self-contained view of report.json
//   - allure-results/: one Allure result per attempt
//
// Diagnostics captured during the run are referenced by path, never inlined
// in JSON.
package report

import (
	"context"
	"errors"
	"time"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
)

// Version is the report schema version.
const Version = "1.0.0"

// Status is the overall verdict.
type Status string

// Status values.
const (
	StatusPassed    Status = "passed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Report is the content of report.json.
type Report struct {
	Version   string        `json:"version"`
	RunID     string        `json:"runId"`
	Status    Status        `json:"status"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`

	Order  Order      `json:"order"`
	Runner RunnerInfo `json:"runner"`
	CI     *CI        `json:"ci,omitempty"`

	Summary   Summary            `json:"summary"`
	Attempts  []core.PipelineRun `json:"attempts"`
	Artifacts []core.Artifact    `json:"artifacts,omitempty"`
}

// Order is what the run tried to buy. Buyer names are counted, not listed.
type Order struct {
	Keyword     string   `json:"keyword"`
	City        string   `json:"city"`
	Dates       []string `json:"dates,omitempty"`
	PriceIndex  int      `json:"priceIndex"`
	Buyers      int      `json:"buyers"`
	CommitOrder bool     `json:"commitOrder"`
}

// RunnerInfo describes the binary and backends used.
type RunnerInfo struct {
	Version        string `json:"version"`
	Driver         string `json:"driver"`
	InferenceModel string `json:"inferenceModel,omitempty"`
}

// CI contains CI/CD build information.
type CI struct {
	Provider string `json:"provider,omitempty"`
	BuildID  string `json:"buildId,omitempty"`
	BuildURL string `json:"buildUrl,omitempty"`
	Branch   string `json:"branch,omitempty"`
	Commit   string `json:"commit,omitempty"`
}

// Summary aggregates the attempts.
type Summary struct {
	Attempts       int                   `json:"attempts"`
	FailedAttempts int                   `json:"failedAttempts"`
	Strategies     map[core.Strategy]int `json:"strategies,omitempty"` // resolutions per strategy, all attempts
	Unresolved     int                   `json:"unresolved"`
}

// New builds a report from a supervised run. err is the error the run
// returned, if any.
func New(result *core.RunResult, err error, order Order, runner RunnerInfo) *Report {
	r := &Report{
		Version: Version,
		Order:   order,
		Runner:  runner,
		Status:  StatusPassed,
	}
	if result != nil {
		r.RunID = result.RunID
		r.StartTime = result.StartTime
		r.Duration = result.Duration
		r.EndTime = result.StartTime.Add(result.Duration)
		r.Attempts = result.Attempts
		r.Error = result.Error
		if !result.Success {
			r.Status = StatusFailed
		}
	}
	if err != nil {
		r.Status = StatusFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			r.Status = StatusCancelled
		}
		if r.Error == "" {
			r.Error = err.Error()
		}
	}
	r.Summary = summarize(r.Attempts)
	return r
}

func summarize(attempts []core.PipelineRun) Summary {
	s := Summary{Attempts: len(attempts), Strategies: map[core.Strategy]int{}}
	for _, a := range attempts {
		if !a.Status.IsSuccess() {
			s.FailedAttempts++
		}
		for _, step := range a.Steps {
			for _, res := range step.Resolutions {
				if res.Resolved {
					s.Strategies[res.Via]++
				} else {
					s.Unresolved++
				}
			}
		}
	}
	return s
}
