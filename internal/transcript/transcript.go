// Package transcript reads coding-session transcripts from disk and turns
// them into ordered analysis records.
package transcript

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout is the calendar date format accepted in a Scope.
const DateLayout = "2006-01-02"

var (
	// ErrEmptyCorpus means a scope resolved to no eligible records.
	ErrEmptyCorpus = errors.New("no records to analyze")

	// ErrInvalidScope means a Scope names neither or both selection forms.
	ErrInvalidScope = errors.New("invalid scope")
)

// Mode selects how records are cut out of a session.
type Mode string

const (
	// ModePrompts yields one record per substantive user prompt.
	ModePrompts Mode = "prompts"
	// ModeWork yields one record per session with user and assistant turns.
	ModeWork Mode = "work"
)

// Role of a record's author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSession marks a record that holds a whole formatted session.
	RoleSession Role = "session"
)

// Record is one unit of analyzable text. Records are never split.
type Record struct {
	SessionID string
	ProjectID string
	Role      Role
	Content   string
	Timestamp time.Time
}

// Size is the UTF-8 byte length of the record's content.
func (r Record) Size() int {
	return len(r.Content)
}

// Scope selects the sessions an analysis covers. Exactly one form is used:
// explicit SessionIDs, or a DateFrom/DateTo range with optional ProjectIDs.
type Scope struct {
	SessionIDs []string `json:"session_ids,omitempty"`
	ProjectID  string   `json:"project_id,omitempty"`
	DateFrom   string   `json:"date_from,omitempty"`
	DateTo     string   `json:"date_to,omitempty"`
	ProjectIDs []string `json:"project_ids,omitempty"`
}

// IsDateRange reports whether the scope uses the date range form.
func (s Scope) IsDateRange() bool {
	return len(s.SessionIDs) == 0
}

// Validate checks that exactly one selection form is present and that dates
// parse and are ordered.
func (s Scope) Validate() error {
	hasIDs := len(s.SessionIDs) > 0
	hasDates := s.DateFrom != "" || s.DateTo != ""
	switch {
	case hasIDs && hasDates:
		return fmt.Errorf("%w: session ids and date range are mutually exclusive", ErrInvalidScope)
	case !hasIDs && !hasDates:
		return fmt.Errorf("%w: session ids or a date range is required", ErrInvalidScope)
	case hasIDs:
		return nil
	}

	from, to, err := s.bounds()
	if err != nil {
		return err
	}
	if to.Before(from) {
		return fmt.Errorf("%w: date_to %s is before date_from %s", ErrInvalidScope, s.DateTo, s.DateFrom)
	}
	return nil
}

// bounds returns the inclusive local-time window [from 00:00:00, to 23:59:59].
func (s Scope) bounds() (time.Time, time.Time, error) {
	if s.DateFrom == "" || s.DateTo == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: date_from and date_to are both required", ErrInvalidScope)
	}
	from, err := time.ParseInLocation(DateLayout, s.DateFrom, time.Local)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: date_from: %v", ErrInvalidScope, err)
	}
	to, err := time.ParseInLocation(DateLayout, s.DateTo, time.Local)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: date_to: %v", ErrInvalidScope, err)
	}
	to = to.Add(24*time.Hour - time.Second)
	return from, to, nil
}

// Session is a transcript file on disk.
type Session struct {
	ID        string
	ProjectID string
	Path      string
	ModTime   time.Time
}

// Corpus is the extracted, ordered input of one analysis.
type Corpus struct {
	Mode         Mode
	Records      []Record
	Sessions     []Session
	ProjectIDs   []string
	ProjectNames []string
	// ProjectName is the display label for the whole corpus.
	ProjectName string
	// DateRange is "2024-01-02" or "2024-01-02 ~ 2024-01-05".
	DateRange string
}

// Size is the sum of record sizes.
func (c *Corpus) Size() int {
	n := 0
	for _, r := range c.Records {
		n += r.Size()
	}
	return n
}
