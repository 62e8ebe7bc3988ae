package transcript

import (
	"regexp"
	"sort"
	"strings"
)

// noiseMarkers identify tool chatter and system text rather than authored
// prompts. Any substring match discards a record.
var noiseMarkers = []string{
	"<command-name>",
	"<command-message>",
	"<local-command-stdout>",
	"Caveat: The messages below were generated",
	"<system-reminder>",
	"This session is being continued from a previous conversation",
}

var (
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
	spaceRunsRe  = regexp.MustCompile(` {2,}`)
)

// IsNoise reports whether content carries a noise marker.
func IsNoise(content string) bool {
	for _, m := range noiseMarkers {
		if strings.Contains(content, m) {
			return true
		}
	}
	return false
}

// CleanContent collapses 3+ newlines to 2 and runs of spaces to one.
func CleanContent(content string) string {
	content = blankLinesRe.ReplaceAllString(content, "\n\n")
	return spaceRunsRe.ReplaceAllString(content, " ")
}

// ProjectName derives a display name from a project directory id such as
// "-Users-me-src-app" (giving "app").
func ProjectName(projectID string) string {
	if projectID == "" {
		return "Unknown"
	}
	parts := strings.Split(projectID, "-")
	return parts[len(parts)-1]
}

// CombinedProjectName labels a set of project ids.
func CombinedProjectName(projectIDs []string) string {
	switch len(projectIDs) {
	case 0:
		return "Unknown"
	case 1:
		return ProjectName(projectIDs[0])
	}
	names := make([]string, 0, len(projectIDs))
	for _, id := range projectIDs {
		names = append(names, ProjectName(id))
	}
	sort.Strings(names)
	return "Multiple Projects (" + strings.Join(names, ", ") + ")"
}

// truncateRunes cuts s to limit characters, appending a marker when cut.
func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "... (truncated)"
}
