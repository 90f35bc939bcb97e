// Package diagnostics stores the screenshots and hierarchies captured when a
// target cannot be resolved or a step fails. Every sink is best-effort:
// failures are logged and never reach the caller.
package diagnostics

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
	"github.com/devicelab-dev/ticket-runner/pkg/logger"
	"github.com/devicelab-dev/ticket-runner/pkg/resolver"
)

// FileName is the file an artifact captured under name is stored as.
func FileName(name string, a core.Artifact) string {
	return resolver.ArtifactName(name) + "_" + a.Name + a.Extension()
}

// FileSink writes artifacts into a directory.
type FileSink struct {
	fs  afero.Fs
	dir string

	mu    sync.Mutex
	saved []core.Artifact
}

var _ core.DiagnosticsSink = (*FileSink)(nil)

// NewFileSink creates a sink writing into dir on fs.
func NewFileSink(fs afero.Fs, dir string) *FileSink {
	return &FileSink{fs: fs, dir: dir}
}

// Dir returns the output directory.
func (s *FileSink) Dir() string { return s.dir }

// Capture implements core.DiagnosticsSink.
func (s *FileSink) Capture(_ context.Context, name string, a core.Artifact) {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		logger.Warn("diagnostics: create %s: %v", s.dir, err)
		return
	}
	path := filepath.Join(s.dir, FileName(name, a))
	if err := afero.WriteFile(s.fs, path, a.Body, 0o644); err != nil {
		logger.Warn("diagnostics: write %s: %v", path, err)
		return
	}
	logger.Info("diagnostics: saved %s", path)

	a.Path = path
	a.Body = nil
	s.mu.Lock()
	s.saved = append(s.saved, a)
	s.mu.Unlock()
}

// Saved returns the artifacts written so far, with Path set.
func (s *FileSink) Saved() []core.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Artifact, len(s.saved))
	copy(out, s.saved)
	return out
}

// MultiSink hands every artifact to each of its sinks in order.
type MultiSink []core.DiagnosticsSink

// Capture implements core.DiagnosticsSink.
func (m MultiSink) Capture(ctx context.Context, name string, a core.Artifact) {
	for _, s := range m {
		if s != nil {
			s.Capture(ctx, name, a)
		}
	}
}
