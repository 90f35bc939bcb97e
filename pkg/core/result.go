package core

import (
	"time"
)

// ResolutionRecord is one resolver call as seen in the trace.
type ResolutionRecord struct {
	Target   string        `json:"target"`
	Resolved bool          `json:"resolved"`
	Via      Strategy      `json:"via,omitempty"`
	Selector string        `json:"selector,omitempty"`
	Point    *Point        `json:"point,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration"`
}

// NewResolutionRecord flattens an outcome for the trace.
func NewResolutionRecord(target string, o Outcome, d time.Duration) ResolutionRecord {
	r := ResolutionRecord{
		Target:   target,
		Resolved: o.Resolved,
		Via:      o.Via,
		Point:    o.Point,
		Duration: d,
	}
	if o.Resolved && o.Via != StrategyCoordinate {
		r.Selector = o.Selector.Describe()
	}
	if o.Reason != nil {
		r.Reason = o.Reason.Error()
	}
	return r
}

// StepRecord captures the outcome of executing a single step
type StepRecord struct {
	Index       int                `json:"index"` // 0-based position in the pipeline
	Name        string             `json:"name"`
	Status      StepStatus         `json:"status"`
	Category    ErrorCategory      `json:"errorCategory,omitempty"`
	StartTime   time.Time          `json:"startTime"`
	Duration    time.Duration      `json:"duration"`
	Resolutions []ResolutionRecord `json:"resolutions,omitempty"`
	Error       string             `json:"error,omitempty"`
	Warning     string             `json:"warning,omitempty"`
}

// PipelineRun is the trace of one attempt. It is discarded, not merged,
// when the attempt fails.
type PipelineRun struct {
	ID           string        `json:"id"`
	AttemptIndex int           `json:"attempt"` // 1-based
	SessionID    string        `json:"sessionId,omitempty"`
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
	Status       StepStatus    `json:"status"`
	Steps        []StepRecord  `json:"steps"`
	FailedStep   string        `json:"failedStep,omitempty"`
	Error        string        `json:"error,omitempty"`

	// Summary (computed)
	TotalSteps   int `json:"totalSteps"`
	PassedSteps  int `json:"passedSteps"`
	FailedSteps  int `json:"failedSteps"`
	SkippedSteps int `json:"skippedSteps"`
}

// ComputeSummary calculates step counts from the Steps slice
func (r *PipelineRun) ComputeSummary() {
	r.TotalSteps = len(r.Steps)
	r.PassedSteps = 0
	r.FailedSteps = 0
	r.SkippedSteps = 0

	for _, step := range r.Steps {
		switch step.Status {
		case StatusPassed, StatusWarned:
			r.PassedSteps++
		case StatusFailed, StatusErrored:
			r.FailedSteps++
		case StatusSkipped:
			r.SkippedSteps++
		}
	}
}

// Strategies returns the strategy tag of every resolved resolution in order.
func (r *PipelineRun) Strategies() []Strategy {
	var tags []Strategy
	for _, step := range r.Steps {
		for _, res := range step.Resolutions {
			if res.Resolved {
				tags = append(tags, res.Via)
			}
		}
	}
	return tags
}

// RunResult is the outcome of a supervised run: a binary verdict plus the
// trace of every attempt.
type RunResult struct {
	RunID     string        `json:"runId"`
	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Attempts  []PipelineRun `json:"attempts"`
	Error     string        `json:"error,omitempty"`
}

// LastAttempt returns the final attempt, or nil when none ran.
func (r *RunResult) LastAttempt() *PipelineRun {
	if len(r.Attempts) == 0 {
		return nil
	}
	return &r.Attempts[len(r.Attempts)-1]
}
