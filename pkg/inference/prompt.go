package inference

import (
	"fmt"
	"unicode/utf8"
)

const systemPrompt = "You are an expert in Appium automation for Android apps. Reply with a single JSON object and nothing else."

const promptTemplate = `You are an expert in Appium automation for Android apps. Analyze the following Appium XML page source and identify the best locator for the UI element described: %q.

Focus on visible, clickable elements. Prioritize:
1. "ID" with the full resource-id (e.g. "cn.damai:id/btn_buy")
2. "UiSelectorExpression" with text, textContains or resourceId (e.g. 'new UiSelector().textContains("10.04").resourceId("cn.damai:id/date_tv")')
3. For dates, match formats like "10.04", "10月4日" or "2025-10-04"; prefer TextView even if not clickable.
4. "ClassName" if nothing better exists.

Output ONLY a valid JSON object:
{
    "locator_type": "ID" or "UiSelectorExpression" or "ClassName",
    "locator_value": "the value string",
    "confidence": 0-1 (float)
}

If no match, output {"locator_type": "NotFound", "locator_value": "", "confidence": 0}.

XML source:
%s
`

// BuildPrompt renders the request text for one description and snapshot.
func BuildPrompt(description, snapshot string) string {
	return fmt.Sprintf(promptTemplate, description, snapshot)
}

// TruncateSnapshot keeps at most maxChars characters of the snapshot,
// never splitting a multi-byte character.
func TruncateSnapshot(snapshot string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(snapshot) <= maxChars {
		return snapshot
	}
	n := 0
	for i := range snapshot {
		if n == maxChars {
			return snapshot[:i]
		}
		n++
	}
	return snapshot
}
