package llm

import (
	"bytes"
	"encoding/json"
	"strings"
)

// stripCodeFence removes a surrounding markdown code fence, if present.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	endIdx := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			endIdx = i
			break
		}
	}
	if endIdx <= 1 {
		return ""
	}
	return strings.TrimSpace(strings.Join(lines[1:endIdx], "\n"))
}

// CompactJSON re-encodes model output that is valid JSON (fenced or not)
// without insignificant whitespace. Anything else comes back trimmed but
// otherwise unchanged.
func CompactJSON(text string) string {
	body := stripCodeFence(text)
	if body == "" {
		return strings.TrimSpace(text)
	}
	var out bytes.Buffer
	if err := json.Compact(&out, []byte(body)); err != nil {
		return strings.TrimSpace(text)
	}
	return out.String()
}
