package report

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
)

func testResult() *core.RunResult {
	start := time.Date(2026, 10, 4, 12, 0, 0, 0, time.UTC)
	failed := core.PipelineRun{
		ID:           "01HATTEMPT1",
		AttemptIndex: 1,
		SessionID:    "s-1",
		StartedAt:    start,
		Duration:     4 * time.Second,
		Status:       core.StatusFailed,
		FailedStep:   "buy",
		Error:        "step returned false",
		Steps: []core.StepRecord{
			{Index: 0, Name: "search", Status: core.StatusPassed, StartTime: start, Duration: time.Second,
				Resolutions: []core.ResolutionRecord{{Target: "search_entry", Resolved: true, Via: core.StrategyAI, Selector: "id=search"}}},
			{Index: 1, Name: "buy", Status: core.StatusFailed, StartTime: start.Add(time.Second), Duration: 3 * time.Second,
				Resolutions: []core.ResolutionRecord{{Target: "buy", Resolved: false, Reason: "element not found"}}},
			{Index: 2, Name: "price", Status: core.StatusSkipped},
		},
	}
	passed := core.PipelineRun{
		ID:           "01HATTEMPT2",
		AttemptIndex: 2,
		SessionID:    "s-2",
		StartedAt:    start.Add(6 * time.Second),
		Duration:     5 * time.Second,
		Status:       core.StatusPassed,
		Steps: []core.StepRecord{
			{Index: 0, Name: "search", Status: core.StatusPassed,
				Resolutions: []core.ResolutionRecord{{Target: "search_entry", Resolved: true, Via: core.StrategyDeterministic}}},
			{Index: 1, Name: "buy", Status: core.StatusPassed,
				Resolutions: []core.ResolutionRecord{{Target: "buy", Resolved: true, Via: core.StrategyCoordinate}}},
			{Index: 2, Name: "city", Status: core.StatusWarned, Warning: "city 上海 not found, continuing"},
		},
	}
	return &core.RunResult{
		RunID:     "01HRUN",
		StartTime: start,
		Duration:  11 * time.Second,
		Success:   true,
		Attempts:  []core.PipelineRun{failed, passed},
	}
}

func testOrder() Order {
	return Order{Keyword: "周杰伦", City: "上海", Dates: []string{"10.04"}, PriceIndex: 1, Buyers: 2}
}

func TestNew_Success(t *testing.T) {
	r := New(testResult(), nil, testOrder(), RunnerInfo{Version: "dev", Driver: "appium"})

	if r.Status != StatusPassed {
		t.Errorf("expected passed, got %s", r.Status)
	}
	if r.Summary.Attempts != 2 || r.Summary.FailedAttempts != 1 {
		t.Errorf("unexpected summary: %+v", r.Summary)
	}
	if r.Summary.Unresolved != 1 {
		t.Errorf("expected 1 unresolved, got %d", r.Summary.Unresolved)
	}
	want := map[core.Strategy]int{core.StrategyAI: 1, core.StrategyDeterministic: 1, core.StrategyCoordinate: 1}
	for k, v := range want {
		if r.Summary.Strategies[k] != v {
			t.Errorf("strategy %s: expected %d, got %d", k, v, r.Summary.Strategies[k])
		}
	}
	if !r.EndTime.Equal(r.StartTime.Add(11 * time.Second)) {
		t.Errorf("unexpected end time %v", r.EndTime)
	}
}

func TestNew_Failures(t *testing.T) {
	result := testResult()
	result.Success = false
	result.Error = "pipeline failed on all 2 attempts"

	r := New(result, core.ErrPipelineExhausted, testOrder(), RunnerInfo{})
	if r.Status != StatusFailed {
		t.Errorf("expected failed, got %s", r.Status)
	}
	if r.Error != "pipeline failed on all 2 attempts" {
		t.Errorf("run error should be kept, got %q", r.Error)
	}

	r = New(nil, context.Canceled, testOrder(), RunnerInfo{})
	if r.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", r.Status)
	}
	if r.Error == "" {
		t.Error("expected error message")
	}

	r = New(nil, errors.New("appium unreachable"), testOrder(), RunnerInfo{})
	if r.Status != StatusFailed || r.Summary.Attempts != 0 {
		t.Errorf("unexpected report %+v", r)
	}
}

func TestWriter_Write(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir := "/out/01HRUN"
	shot := filepath.Join(dir, "diagnostics", "attempt1_buy_failed_screenshot.png")
	xml := filepath.Join(dir, "diagnostics", "attempt1_buy_failed_hierarchy.xml")
	if err := afero.WriteFile(fs, shot, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, xml, []byte("<hierarchy/>"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := New(testResult(), nil, testOrder(), RunnerInfo{Version: "dev", Driver: "appium"})
	r.Artifacts = []core.Artifact{
		{Name: core.ArtifactScreenshot, ContentType: core.ContentTypePNG, Path: shot},
		{Name: core.ArtifactHierarchy, ContentType: core.ContentTypeXML, Path: xml},
	}

	w := NewWriter(fs, dir)
	if err := w.Write(r); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	read, err := ReadReport(fs, dir)
	if err != nil {
		t.Fatalf("ReadReport failed: %v", err)
	}
	if read.RunID != "01HRUN" || len(read.Attempts) != 2 {
		t.Errorf("unexpected report %+v", read)
	}
	if read.Attempts[0].Steps[1].Status != core.StatusFailed {
		t.Errorf("status should survive the round trip, got %s", read.Attempts[0].Steps[1].Status)
	}
	if exists, _ := afero.Exists(fs, filepath.Join(dir, JSONFile+".tmp")); exists {
		t.Error("temp file left behind")
	}

	html, err := afero.ReadFile(fs, filepath.Join(dir, HTMLFile))
	if err != nil {
		t.Fatalf("html not written: %v", err)
	}
	for _, want := range []string{"Attempt 1", "Attempt 2", "周杰伦", "attempt1_buy_failed_screenshot.png", "Coordinate"} {
		if !strings.Contains(string(html), want) {
			t.Errorf("html missing %q", want)
		}
	}

	allure := filepath.Join(dir, AllureDir)
	data, err := afero.ReadFile(fs, filepath.Join(allure, "01HATTEMPT1-result.json"))
	if err != nil {
		t.Fatalf("allure result not written: %v", err)
	}
	var res AllureResult
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatal(err)
	}
	if res.Status != "failed" || len(res.Steps) != 3 || len(res.Attachments) != 2 {
		t.Errorf("unexpected allure result %+v", res)
	}
	if res.Steps[0].Steps[0].Name != "search_entry: AI" {
		t.Errorf("unexpected sub-step %q", res.Steps[0].Steps[0].Name)
	}
	for _, name := range []string{"01HATTEMPT2-result.json", "categories.json", "environment.properties", "attempt1_buy_failed_screenshot.png"} {
		if exists, _ := afero.Exists(fs, filepath.Join(allure, name)); !exists {
			t.Errorf("expected %s in allure results", name)
		}
	}
}

func TestGenerateHTML_EmbedAssets(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir := "/out"
	shot := "/out/attempt1_buy_failed_screenshot.png"
	_ = afero.WriteFile(fs, shot, []byte("png"), 0o644)

	r := New(testResult(), nil, testOrder(), RunnerInfo{})
	r.Artifacts = []core.Artifact{{Name: core.ArtifactScreenshot, ContentType: core.ContentTypePNG, Path: shot}}
	if err := atomicWriteJSON(fs, filepath.Join(dir, JSONFile), r); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "embedded.html")
	if err := GenerateHTML(fs, dir, HTMLConfig{OutputPath: out, EmbedAssets: true, Title: "Run"}); err != nil {
		t.Fatalf("GenerateHTML failed: %v", err)
	}
	html, _ := afero.ReadFile(fs, out)
	if !strings.Contains(string(html), "data:image/png;base64,cG5n") {
		t.Error("expected embedded screenshot")
	}
	if !strings.Contains(string(html), `<div class="warning">city 上海 not found, continuing</div>`) {
		t.Error("expected the warning of the city step")
	}
}

func TestGenerateHTML_MissingReport(t *testing.T) {
	if err := GenerateHTML(afero.NewMemMapFs(), "/nowhere", HTMLConfig{}); err == nil {
		t.Error("expected error for missing report.json")
	}
}

func TestMapAllureStatus(t *testing.T) {
	tests := map[core.StepStatus]string{
		core.StatusPassed:  "passed",
		core.StatusWarned:  "passed",
		core.StatusFailed:  "failed",
		core.StatusErrored: "broken",
		core.StatusSkipped: "skipped",
		core.StatusPending: "unknown",
	}
	for in, want := range tests {
		if got := mapAllureStatus(in); got != want {
			t.Errorf("mapAllureStatus(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "-"},
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{125 * time.Second, "2m 5s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestDetectCI(t *testing.T) {
	for _, k := range []string{"GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL"} {
		t.Setenv(k, "")
	}
	if ci := DetectCI(); ci != nil {
		t.Errorf("expected no CI, got %+v", ci)
	}

	t.Setenv("GITHUB_ACTIONS", "true")
	t.Setenv("GITHUB_RUN_ID", "42")
	t.Setenv("GITHUB_SERVER_URL", "https://github.com")
	t.Setenv("GITHUB_REPOSITORY", "acme/tickets")
	ci := DetectCI()
	if ci == nil || ci.Provider != "github" || ci.BuildURL != "https://github.com/acme/tickets/actions/runs/42" {
		t.Errorf("unexpected CI %+v", ci)
	}
}
