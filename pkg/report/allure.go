package report

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
	"github.com/devicelab-dev/ticket-runner/pkg/logger"
)

// Allure result schema types.

// AllureResult represents a single test result in Allure format.
type AllureResult struct {
	UUID          string              `json:"uuid"`
	HistoryID     string              `json:"historyId"`
	FullName      string              `json:"fullName"`
	Name          string              `json:"name"`
	Status        string              `json:"status"`
	Stage         string              `json:"stage"`
	Start         int64               `json:"start"`
	Stop          int64               `json:"stop"`
	Labels        []AllureLabel       `json:"labels"`
	StatusDetails AllureStatusDetails `json:"statusDetails"`
	Steps         []AllureStep        `json:"steps"`
	Attachments   []AllureAttachment  `json:"attachments"`
}

// AllureStep represents a step within a test result.
type AllureStep struct {
	Name        string             `json:"name"`
	Status      string             `json:"status"`
	Stage       string             `json:"stage"`
	Start       int64              `json:"start"`
	Stop        int64              `json:"stop"`
	Steps       []AllureStep       `json:"steps"`
	Attachments []AllureAttachment `json:"attachments"`
}

// AllureAttachment represents a file attachment.
type AllureAttachment struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Type   string `json:"type"`
}

// AllureLabel represents a label on a test result.
type AllureLabel struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AllureStatusDetails holds failure message and trace.
type AllureStatusDetails struct {
	Message string `json:"message"`
	Trace   string `json:"trace"`
}

// AllureCategory defines a failure category with regex matching.
type AllureCategory struct {
	Name            string   `json:"name"`
	MatchedStatuses []string `json:"matchedStatuses"`
	MessageRegex    string   `json:"messageRegex"`
}

// GenerateAllure writes one Allure result per attempt into
// <reportDir>/allure-results/, copying the attempt's diagnostics alongside.
func GenerateAllure(fs afero.Fs, reportDir string) error {
	r, err := ReadReport(fs, reportDir)
	if err != nil {
		return fmt.Errorf("read report: %w", err)
	}

	allureDir := filepath.Join(reportDir, AllureDir)
	if err := fs.MkdirAll(allureDir, 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", AllureDir, err)
	}

	for _, attempt := range r.Attempts {
		arts := attemptArtifacts(r.Artifacts, attempt.AttemptIndex)
		result := buildAllureResult(r, attempt, arts)

		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal allure result for attempt %d: %w", attempt.AttemptIndex, err)
		}
		resultPath := filepath.Join(allureDir, result.UUID+"-result.json")
		if err := afero.WriteFile(fs, resultPath, data, 0o644); err != nil {
			return fmt.Errorf("write allure result %s: %w", result.UUID, err)
		}
		copyAllureAttachments(fs, allureDir, arts)
	}

	if err := writeAllureCategories(fs, allureDir); err != nil {
		return err
	}
	return writeAllureEnvironment(fs, allureDir, r)
}

func buildAllureResult(r *Report, a core.PipelineRun, arts []core.Artifact) AllureResult {
	name := fmt.Sprintf("purchase %s (attempt %d)", r.Order.Keyword, a.AttemptIndex)
	start := a.StartedAt.UnixMilli()

	labels := []AllureLabel{
		{Name: "suite", Value: "purchase"},
		{Name: "parentSuite", Value: r.RunID},
		{Name: "framework", Value: "ticket-runner"},
		{Name: "severity", Value: "critical"},
	}
	if a.SessionID != "" {
		labels = append(labels, AllureLabel{Name: "thread", Value: a.SessionID})
	}

	steps := make([]AllureStep, 0, len(a.Steps))
	for _, s := range a.Steps {
		steps = append(steps, buildAllureStep(s))
	}

	attachments := make([]AllureAttachment, 0, len(arts))
	for _, art := range arts {
		attachments = append(attachments, AllureAttachment{
			Name:   strings.TrimSuffix(filepath.Base(art.Path), filepath.Ext(art.Path)),
			Source: filepath.Base(art.Path),
			Type:   art.ContentType,
		})
	}

	uuid := a.ID
	if uuid == "" {
		uuid = fmt.Sprintf("%s-attempt%d", r.RunID, a.AttemptIndex)
	}

	return AllureResult{
		UUID:          uuid,
		HistoryID:     fnv32aHash(r.Order.Keyword + ":" + r.Order.City),
		FullName:      name,
		Name:          name,
		Status:        mapAllureStatus(a.Status),
		Stage:         "finished",
		Start:         start,
		Stop:          start + a.Duration.Milliseconds(),
		Labels:        labels,
		StatusDetails: AllureStatusDetails{Message: a.Error},
		Steps:         steps,
		Attachments:   attachments,
	}
}

// buildAllureStep maps a step to an Allure step with one sub-step per
// resolver call.
func buildAllureStep(s core.StepRecord) AllureStep {
	start := s.StartTime.UnixMilli()
	subs := make([]AllureStep, 0, len(s.Resolutions))
	for _, res := range s.Resolutions {
		name := res.Target + ": unresolved"
		status := "failed"
		if res.Resolved {
			name = res.Target + ": " + string(res.Via)
			status = "passed"
		}
		subs = append(subs, AllureStep{
			Name:        name,
			Status:      status,
			Stage:       "finished",
			Start:       start,
			Stop:        start + res.Duration.Milliseconds(),
			Steps:       []AllureStep{},
			Attachments: []AllureAttachment{},
		})
	}
	return AllureStep{
		Name:        s.Name,
		Status:      mapAllureStatus(s.Status),
		Stage:       "finished",
		Start:       start,
		Stop:        start + s.Duration.Milliseconds(),
		Steps:       subs,
		Attachments: []AllureAttachment{},
	}
}

func copyAllureAttachments(fs afero.Fs, allureDir string, arts []core.Artifact) {
	for _, art := range arts {
		data, err := afero.ReadFile(fs, art.Path)
		if err != nil {
			logger.Warn("failed to read %s: %v", art.Path, err)
			continue
		}
		dst := filepath.Join(allureDir, filepath.Base(art.Path))
		if err := afero.WriteFile(fs, dst, data, 0o644); err != nil {
			logger.Warn("failed to copy %s to %s: %v", art.Path, dst, err)
		}
	}
}

// mapAllureStatus maps a step status to an Allure status. Warned steps are
// "passed": they tolerated their problem and the run went on.
func mapAllureStatus(s core.StepStatus) string {
	switch s {
	case core.StatusPassed, core.StatusWarned:
		return "passed"
	case core.StatusFailed:
		return "failed"
	case core.StatusErrored:
		return "broken"
	case core.StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// fnv32aHash returns a hex-encoded FNV-32a hash of the input string.
func fnv32aHash(s string) string {
	h := fnv.New32a()
	h.Write([]byte(s))
	return fmt.Sprintf("%08x", h.Sum32())
}

// writeAllureCategories writes categories.json for failure categorization.
func writeAllureCategories(fs afero.Fs, allureDir string) error {
	categories := []AllureCategory{
		{Name: "Element Not Found", MatchedStatuses: []string{"failed"}, MessageRegex: "(?i).*element not found.*|.*returned false.*"},
		{Name: "Timeout", MatchedStatuses: []string{"failed", "broken"}, MessageRegex: "(?i).*timeout.*|.*timed out.*"},
		{Name: "Session Lost", MatchedStatuses: []string{"failed", "broken"}, MessageRegex: "(?i).*session.*"},
		{Name: "Inference", MatchedStatuses: []string{"failed", "broken"}, MessageRegex: "(?i).*inference.*|.*confidence.*"},
		{Name: "Step Panic", MatchedStatuses: []string{"broken"}, MessageRegex: "(?i).*panic.*"},
		{Name: "Cancelled", MatchedStatuses: []string{"failed", "broken"}, MessageRegex: "(?i).*cancel.*"},
	}

	data, err := json.MarshalIndent(categories, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	if err := afero.WriteFile(fs, filepath.Join(allureDir, "categories.json"), data, 0o644); err != nil {
		return fmt.Errorf("write categories.json: %w", err)
	}
	return nil
}

// writeAllureEnvironment writes environment.properties with run metadata.
func writeAllureEnvironment(fs afero.Fs, allureDir string, r *Report) error {
	var b strings.Builder
	b.WriteString("framework=ticket-runner\n")
	if r.Runner.Version != "" {
		b.WriteString(fmt.Sprintf("runner.version=%s\n", r.Runner.Version))
	}
	if r.Runner.Driver != "" {
		b.WriteString(fmt.Sprintf("runner.driver=%s\n", r.Runner.Driver))
	}
	if r.Runner.InferenceModel != "" {
		b.WriteString(fmt.Sprintf("inference.model=%s\n", r.Runner.InferenceModel))
	}
	if r.Order.City != "" {
		b.WriteString(fmt.Sprintf("order.city=%s\n", r.Order.City))
	}
	b.WriteString(fmt.Sprintf("order.commit=%t\n", r.Order.CommitOrder))

	if err := afero.WriteFile(fs, filepath.Join(allureDir, "environment.properties"), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write environment.properties: %w", err)
	}
	return nil
}
