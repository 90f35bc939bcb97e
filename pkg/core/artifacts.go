// Package core provides the execution model types for ticket-runner.
package core

import "context"

// Artifact is a diagnostic blob captured when a target cannot be resolved
// or a step fails.
type Artifact struct {
	Name        string `json:"name"`        // Descriptive name: screenshot, hierarchy
	ContentType string `json:"contentType"` // MIME type: image/png, application/xml
	Path        string `json:"path"`        // Where the sink stored it
	Body        []byte `json:"-"`           // In-memory content (not serialized to JSON)
}

// Common artifact names
const (
	ArtifactScreenshot = "screenshot"
	ArtifactHierarchy  = "hierarchy"
)

// Common content types
const (
	ContentTypePNG  = "image/png"
	ContentTypeXML  = "application/xml"
	ContentTypeJSON = "application/json"
)

// Extension returns the file extension for the artifact's content type.
func (a Artifact) Extension() string {
	switch a.ContentType {
	case ContentTypePNG:
		return ".png"
	case ContentTypeXML:
		return ".xml"
	case ContentTypeJSON:
		return ".json"
	default:
		return ".bin"
	}
}

// NewScreenshotArtifact creates a screenshot artifact
func NewScreenshotArtifact(data []byte) Artifact {
	return Artifact{
		Name:        ArtifactScreenshot,
		ContentType: ContentTypePNG,
		Body:        data,
	}
}

// NewHierarchyArtifact creates a UI hierarchy artifact
func NewHierarchyArtifact(source string) Artifact {
	return Artifact{
		Name:        ArtifactHierarchy,
		ContentType: ContentTypeXML,
		Body:        []byte(source),
	}
}

// DiagnosticsSink persists artifacts under a step- or target-specific name.
// Capture is best-effort: implementations log failures and never return them.
type DiagnosticsSink interface {
	Capture(ctx context.Context, name string, artifact Artifact)
}

// NullSink discards everything.
type NullSink struct{}

// Capture does nothing.
func (NullSink) Capture(context.Context, string, Artifact) {}

// CaptureState grabs a screenshot and the hierarchy from session and hands
// both to sink. Errors from the session are dropped.
func CaptureState(ctx context.Context, sink DiagnosticsSink, session Session, name string) {
	if sink == nil || session == nil {
		return
	}
	if png, err := session.Screenshot(ctx); err == nil && len(png) > 0 {
		sink.Capture(ctx, name, NewScreenshotArtifact(png))
	}
	if src, err := session.Source(ctx); err == nil && src != "" {
		sink.Capture(ctx, name, NewHierarchyArtifact(src))
	}
}
