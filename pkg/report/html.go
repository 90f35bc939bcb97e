package report

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
)

// HTMLConfig contains configuration for HTML report generation.
type HTMLConfig struct {
	OutputPath  string // Path to write the HTML file
	EmbedAssets bool   // Embed screenshots as base64 (makes file larger but portable)
	Title       string // Report title (default: "Purchase Run")
}

// GenerateHTML renders report.json in reportDir to HTML.
func GenerateHTML(fs afero.Fs, reportDir string, cfg HTMLConfig) error {
	r, err := ReadReport(fs, reportDir)
	if err != nil {
		return fmt.Errorf("read report: %w", err)
	}

	if cfg.Title == "" {
		cfg.Title = "Purchase Run"
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = filepath.Join(reportDir, HTMLFile)
	}

	html, err := renderHTML(buildHTMLData(fs, r, cfg))
	if err != nil {
		return fmt.Errorf("render html: %w", err)
	}
	if err := afero.WriteFile(fs, cfg.OutputPath, []byte(html), 0o644); err != nil {
		return fmt.Errorf("write html: %w", err)
	}
	return nil
}

// HTMLData contains all data needed for the HTML template.
type HTMLData struct {
	Title       string
	GeneratedAt string
	Report      *Report
	StatusClass string
	Duration    string
	Attempts    []AttemptHTMLData
	JSONData    template.JS
}

// AttemptHTMLData is one attempt formatted for HTML.
type AttemptHTMLData struct {
	core.PipelineRun
	StatusClass string
	DurationStr string
	Steps       []StepHTMLData
	Screenshots []template.URL // base64 data URLs or paths
}

// StepHTMLData is one step formatted for HTML.
type StepHTMLData struct {
	core.StepRecord
	StatusClass string
	DurationStr string
}

func buildHTMLData(fs afero.Fs, r *Report, cfg HTMLConfig) HTMLData {
	attempts := make([]AttemptHTMLData, len(r.Attempts))
	for i, a := range r.Attempts {
		steps := make([]StepHTMLData, len(a.Steps))
		for j, s := range a.Steps {
			steps[j] = StepHTMLData{
				StepRecord:  s,
				StatusClass: s.Status.String(),
				DurationStr: formatDuration(s.Duration),
			}
		}
		var shots []template.URL
		for _, art := range attemptArtifacts(r.Artifacts, a.AttemptIndex) {
			if art.ContentType != core.ContentTypePNG {
				continue
			}
			if cfg.EmbedAssets {
				if src := loadAsBase64(fs, art.Path); src != "" {
					shots = append(shots, template.URL(src))
				}
				continue
			}
			shots = append(shots, template.URL(filepath.ToSlash(art.Path)))
		}
		attempts[i] = AttemptHTMLData{
			PipelineRun: a,
			StatusClass: a.Status.String(),
			DurationStr: formatDuration(a.Duration),
			Steps:       steps,
			Screenshots: shots,
		}
	}

	jsonBytes, _ := json.Marshal(r)

	return HTMLData{
		Title:       cfg.Title,
		GeneratedAt: time.Now().Format("2006-01-02 15:04:05"),
		Report:      r,
		StatusClass: string(r.Status),
		Duration:    formatDuration(r.Duration),
		Attempts:    attempts,
		JSONData:    template.JS(jsonBytes),
	}
}

// attemptArtifacts returns the artifacts captured during the given attempt.
func attemptArtifacts(arts []core.Artifact, attempt int) []core.Artifact {
	prefix := fmt.Sprintf("attempt%d_", attempt)
	var out []core.Artifact
	for _, a := range arts {
		if strings.HasPrefix(filepath.Base(a.Path), prefix) {
			out = append(out, a)
		}
	}
	return out
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}

func loadAsBase64(fs afero.Fs, path string) string {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return ""
	}
	mimeType := "image/png"
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".jpg" || ext == ".jpeg" {
		mimeType = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}

func renderHTML(data HTMLData) (string, error) {
	tmpl, err := template.New("report").Parse(htmlTemplate)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        :root {
            --bg-primary: #ffffff;
            --bg-secondary: #f9fafb;
            --text-primary: #000000;
            --text-muted: rgb(107, 114, 128);
            --border-color: #e5e7eb;
            --passed: #22c55e;
            --failed: #ef4444;
            --errored: #b91c1c;
            --warned: #f97316;
            --skipped: #eab308;
            --cancelled: #6b7280;
        }
        * { box-sizing: border-box; margin: 0; padding: 0; }
        body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; background: var(--bg-secondary); color: var(--text-primary); padding: 24px; }
        header { display: flex; justify-content: space-between; align-items: baseline; margin-bottom: 16px; }
        .muted { color: var(--text-muted); font-size: 13px; }
        .badge { display: inline-block; padding: 2px 8px; border-radius: 4px; color: #fff; font-size: 12px; text-transform: uppercase; }
        .badge.passed { background: var(--passed); }
        .badge.failed { background: var(--failed); }
        .badge.errored { background: var(--errored); }
        .badge.warned { background: var(--warned); }
        .badge.skipped { background: var(--skipped); }
        .badge.cancelled { background: var(--cancelled); }
        section { background: var(--bg-primary); border: 1px solid var(--border-color); border-radius: 8px; padding: 16px; margin-bottom: 16px; }
        table { width: 100%; border-collapse: collapse; font-size: 14px; }
        th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--border-color); vertical-align: top; }
        .shots img { max-height: 320px; margin: 8px 8px 0 0; border: 1px solid var(--border-color); }
        .error { color: var(--failed); font-family: monospace; font-size: 12px; }
        .warning { color: var(--warned); font-size: 12px; }
    </style>
</head>
<body>
    <header>
        <div>
            <h1>{{.Title}} <span class="badge {{.StatusClass}}">{{.Report.Status}}</span></h1>
            <div class="muted">run {{.Report.RunID}} · {{.Duration}} · generated {{.GeneratedAt}}</div>
        </div>
        <div class="muted">{{.Report.Runner.Driver}} {{.Report.Runner.Version}}{{if .Report.Runner.InferenceModel}} · {{.Report.Runner.InferenceModel}}{{end}}</div>
    </header>

    <section>
        <table>
            <tr><th>Keyword</th><td>{{.Report.Order.Keyword}}</td><th>City</th><td>{{.Report.Order.City}}</td></tr>
            <tr><th>Dates</th><td>{{range $i, $d := .Report.Order.Dates}}{{if $i}}, {{end}}{{$d}}{{end}}</td><th>Price tier</th><td>{{.Report.Order.PriceIndex}}</td></tr>
            <tr><th>Buyers</th><td>{{.Report.Order.Buyers}}</td><th>Commit order</th><td>{{.Report.Order.CommitOrder}}</td></tr>
            <tr><th>Attempts</th><td>{{.Report.Summary.Attempts}} ({{.Report.Summary.FailedAttempts}} failed)</td><th>Strategies</th><td>{{range $k, $v := .Report.Summary.Strategies}}{{$k}}: {{$v}} {{end}}</td></tr>
        </table>
        {{if .Report.Error}}<p class="error">{{.Report.Error}}</p>{{end}}
    </section>

    {{range .Attempts}}
    <section id="attempt-{{.AttemptIndex}}">
        <h2>Attempt {{.AttemptIndex}} <span class="badge {{.StatusClass}}">{{.Status}}</span></h2>
        <div class="muted">session {{.SessionID}} · {{.DurationStr}}{{if .FailedStep}} · failed at {{.FailedStep}}{{end}}</div>
        <table>
            <tr><th>#</th><th>Step</th><th>Status</th><th>Duration</th><th>Resolutions</th></tr>
            {{range .Steps}}
            <tr>
                <td>{{.Index}}</td>
                <td>{{.Name}}</td>
                <td><span class="badge {{.StatusClass}}">{{.Status}}</span></td>
                <td>{{.DurationStr}}</td>
                <td>
                    {{range .Resolutions}}<div>{{.Target}}: {{if .Resolved}}{{.Via}}{{if .Selector}} {{.Selector}}{{end}}{{else}}unresolved{{end}}</div>{{end}}
                    {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
                    {{if .Warning}}<div class="warning">{{.Warning}}</div>{{end}}
                </td>
            </tr>
            {{end}}
        </table>
        {{if .Screenshots}}<div class="shots">{{range .Screenshots}}<img src="{{.}}" alt="screenshot">{{end}}</div>{{end}}
    </section>
    {{end}}

    <script>
        const reportData = {{.JSONData}};
    </script>
</body>
</html>
`
