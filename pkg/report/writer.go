package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// File names inside the output directory.
const (
	JSONFile  = "report.json"
	HTMLFile  = "report.html"
	AllureDir = "allure-results"
)

// Writer writes reports into a directory.
type Writer struct {
	fs  afero.Fs
	dir string
}

// NewWriter creates a writer for dir on fs.
func NewWriter(fs afero.Fs, dir string) *Writer {
	return &Writer{fs: fs, dir: dir}
}

// Dir returns the output directory.
func (w *Writer) Dir() string { return w.dir }

// Write stores report.json, report.html and the Allure results.
func (w *Writer) Write(r *Report) error {
	if err := w.fs.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := atomicWriteJSON(w.fs, filepath.Join(w.dir, JSONFile), r); err != nil {
		return fmt.Errorf("write %s: %w", JSONFile, err)
	}
	if err := GenerateHTML(w.fs, w.dir, HTMLConfig{}); err != nil {
		return fmt.Errorf("generate html: %w", err)
	}
	if err := GenerateAllure(w.fs, w.dir); err != nil {
		return fmt.Errorf("generate allure: %w", err)
	}
	return nil
}

// ReadReport loads report.json from dir.
func ReadReport(fs afero.Fs, dir string) (*Report, error) {
	data, err := afero.ReadFile(fs, filepath.Join(dir, JSONFile))
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse %s: %w", JSONFile, err)
	}
	return &r, nil
}

// atomicWriteJSON writes v to a temp file and renames it over path so readers
// never see a partial report.
func atomicWriteJSON(fs afero.Fs, path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return err
	}
	if err := fs.Rename(tmp, path); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	return nil
}

// DetectCI reads the build environment of common CI providers.
func DetectCI() *CI {
	switch {
	case os.Getenv("GITHUB_ACTIONS") == "true":
		ci := &CI{
			Provider: "github",
			BuildID:  os.Getenv("GITHUB_RUN_ID"),
			Branch:   os.Getenv("GITHUB_REF_NAME"),
			Commit:   os.Getenv("GITHUB_SHA"),
		}
		if server, repo := os.Getenv("GITHUB_SERVER_URL"), os.Getenv("GITHUB_REPOSITORY"); server != "" && repo != "" && ci.BuildID != "" {
			ci.BuildURL = server + "/" + repo + "/actions/runs/" + ci.BuildID
		}
		return ci
	case os.Getenv("GITLAB_CI") == "true":
		return &CI{
			Provider: "gitlab",
			BuildID:  os.Getenv("CI_PIPELINE_ID"),
			BuildURL: os.Getenv("CI_PIPELINE_URL"),
			Branch:   os.Getenv("CI_COMMIT_REF_NAME"),
			Commit:   os.Getenv("CI_COMMIT_SHA"),
		}
	case os.Getenv("JENKINS_URL") != "":
		return &CI{
			Provider: "jenkins",
			BuildID:  os.Getenv("BUILD_ID"),
			BuildURL: os.Getenv("BUILD_URL"),
			Branch:   os.Getenv("GIT_BRANCH"),
			Commit:   os.Getenv("GIT_COMMIT"),
		}
	}
	return nil
}
