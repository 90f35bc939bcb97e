package inference

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
)

// reply is the locator object the model is asked to produce. Pointer fields
// distinguish a missing field from a zero value.
type reply struct {
	LocatorType  *string  `json:"locator_type"`
	LocatorValue *string  `json:"locator_value"`
	Confidence   *float64 `json:"confidence"`
}

// ParseReply validates the model output and converts it to a Locator.
// Any structural problem is reported as ErrInferenceParse.
func ParseReply(content string) (core.Locator, error) {
	raw := extractJSON(content)
	if raw == "" {
		return core.NotFoundLocator, parseErr("no JSON object in reply: %q", truncate(content, 120))
	}

	var r reply
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return core.NotFoundLocator, core.ErrInferenceParse.WithCause(err)
	}

	if r.LocatorType == nil {
		return core.NotFoundLocator, parseErr("missing locator_type")
	}
	if r.Confidence == nil {
		return core.NotFoundLocator, parseErr("missing confidence")
	}
	kind, err := core.ParseLocatorKind(*r.LocatorType)
	if err != nil {
		return core.NotFoundLocator, core.ErrInferenceParse.WithCause(err)
	}
	if kind == core.KindNotFound {
		return core.NotFoundLocator, nil
	}

	if r.LocatorValue == nil || strings.TrimSpace(*r.LocatorValue) == "" {
		return core.NotFoundLocator, parseErr("missing locator_value for %s", kind)
	}
	if *r.Confidence < 0 || *r.Confidence > 1 {
		return core.NotFoundLocator, parseErr("confidence %v outside [0,1]", *r.Confidence)
	}

	return core.NewLocator(kind, strings.TrimSpace(*r.LocatorValue), *r.Confidence), nil
}

func parseErr(format string, args ...interface{}) error {
	return core.ErrInferenceParse.WithCause(fmt.Errorf(format, args...))
}

// extractJSON unwraps Markdown code fences and surrounding prose, returning
// the outermost {...} span or "" when there is none.
func extractJSON(content string) string {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:] // drop the language tag line
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
