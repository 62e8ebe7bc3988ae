// Package store persists finished analyses as one JSON document each.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/sessionscope/internal/transcript"
)

// Kind names an analysis flavor and the directory its artifacts live in.
type Kind string

const (
	KindPrompts Kind = "prompts"
	KindWork    Kind = "work"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindPrompts, KindWork}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindPrompts:
		return KindPrompts, nil
	case KindWork:
		return KindWork, nil
	}
	return "", fmt.Errorf("unknown analysis kind %q (want prompts or work)", s)
}

// Dir is the storage directory name under the data root.
func (k Kind) Dir() string {
	if k == KindWork {
		return "work_analyses"
	}
	return "analyses"
}

// Mode is the transcript extraction mode for the kind.
func (k Kind) Mode() transcript.Mode {
	if k == KindWork {
		return transcript.ModeWork
	}
	return transcript.ModePrompts
}

// Artifact is a persisted analysis result.
type Artifact struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	transcript.Scope
	ProjectName  string     `json:"project_name"`
	ProjectNames []string   `json:"project_names,omitempty"`
	RecordCount  int        `json:"record_count"`
	SessionCount int        `json:"session_count"`
	Result       string     `json:"result"`
	Model        string     `json:"model"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// ListItem is the listing view of an artifact.
type ListItem struct {
	ID           string     `json:"id"`
	Kind         Kind       `json:"kind"`
	SessionIDs   []string   `json:"session_ids,omitempty"`
	ProjectID    string     `json:"project_id,omitempty"`
	DateFrom     string     `json:"date_from,omitempty"`
	DateTo       string     `json:"date_to,omitempty"`
	ProjectIDs   []string   `json:"project_ids,omitempty"`
	ProjectName  string     `json:"project_name"`
	ProjectNames []string   `json:"project_names,omitempty"`
	RecordCount  int        `json:"record_count"`
	SessionCount int        `json:"session_count"`
	Model        string     `json:"model"`
	Summary      string     `json:"summary"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// Item builds the listing view of a.
func (a *Artifact) Item() ListItem {
	return ListItem{
		ID:           a.ID,
		Kind:         a.Kind,
		SessionIDs:   a.SessionIDs,
		ProjectID:    a.ProjectID,
		DateFrom:     a.DateFrom,
		DateTo:       a.DateTo,
		ProjectIDs:   a.ProjectIDs,
		ProjectName:  a.ProjectName,
		ProjectNames: a.ProjectNames,
		RecordCount:  a.RecordCount,
		SessionCount: a.SessionCount,
		Model:        a.Model,
		Summary:      Summary(a.Result, summaryLen),
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

// matches reports whether the artifact belongs to projectID.
func (a *Artifact) matches(projectID string) bool {
	if projectID == "" || a.ProjectID == projectID {
		return true
	}
	for _, id := range a.ProjectIDs {
		if id == projectID {
			return true
		}
	}
	return false
}

// NewID returns a fresh artifact id.
func NewID() string {
	return uuid.NewString()
}

const summaryLen = 200

// Summary joins the leading non-heading lines of a markdown result, cut to
// max characters with a trailing "..." when longer.
func Summary(result string, max int) string {
	var parts []string
	total := 0
	for _, line := range strings.Split(strings.TrimSpace(result), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts = append(parts, line)
		total += len([]rune(line))
		if len(parts) > 1 {
			total++
		}
		if total > max {
			break
		}
	}
	summary := []rune(strings.Join(parts, " "))
	if len(summary) > max {
		return string(summary[:max]) + "..."
	}
	return string(summary)
}
