package core

import "fmt"

// StepStatus represents the execution status of a step
type StepStatus int

const (
	StatusPending StepStatus = iota // Not yet started
	StatusRunning                   // Currently executing
	StatusPassed                    // Completed successfully
	StatusFailed                    // Returned false (element unresolved, nothing selected)
	StatusErrored                   // Returned an error or panicked
	StatusSkipped                   // Not reached because an earlier step halted the run
	StatusWarned                    // Passed after tolerating a problem of its own
)

// String returns the string representation of StepStatus
func (s StepStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusPassed:
		return "passed"
	case StatusFailed:
		return "failed"
	case StatusErrored:
		return "errored"
	case StatusSkipped:
		return "skipped"
	case StatusWarned:
		return "warned"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in JSON reports.
func (s StepStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status written by MarshalText.
func (s *StepStatus) UnmarshalText(text []byte) error {
	for v := StatusPending; v <= StatusWarned; v++ {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown step status %q", text)
}

// IsTerminal returns true if the status is a final state
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusErrored, StatusSkipped, StatusWarned:
		return true
	default:
		return false
	}
}

// IsSuccess returns true if the status indicates success (passed or warned)
func (s StepStatus) IsSuccess() bool {
	return s == StatusPassed || s == StatusWarned
}

// ErrorCategory classifies the type of error for better debugging and reporting
type ErrorCategory int

const (
	ErrCategoryNone       ErrorCategory = iota // No error
	ErrCategoryInference                       // Low confidence, parse failure, transport failure
	ErrCategoryResolution                      // Every strategy failed
	ErrCategoryTimeout                         // Element wait timed out
	ErrCategoryStep                            // Step returned false, errored or panicked
	ErrCategoryConnection                      // Device session lost
	ErrCategoryRun                             // Retry budget exhausted
	ErrCategoryConfig                          // Invalid configuration, missing required field
)

// String returns the string representation of ErrorCategory
func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNone:
		return "none"
	case ErrCategoryInference:
		return "inference"
	case ErrCategoryResolution:
		return "resolution"
	case ErrCategoryTimeout:
		return "timeout"
	case ErrCategoryStep:
		return "step"
	case ErrCategoryConnection:
		return "connection"
	case ErrCategoryRun:
		return "run"
	case ErrCategoryConfig:
		return "config"
	default:
		return "unknown"
	}
}

// MarshalText renders the category by name in JSON reports.
func (c ErrorCategory) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses a category written by MarshalText.
func (c *ErrorCategory) UnmarshalText(text []byte) error {
	for v := ErrCategoryNone; v <= ErrCategoryConfig; v++ {
		if v.String() == string(text) {
			*c = v
			return nil
		}
	}
	return fmt.Errorf("unknown error category %q", text)
}
