package transcript

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// maxTurnChars bounds a single turn inside a formatted work session.
const maxTurnChars = 2000

// Extractor resolves scopes against a transcript root directory laid out as
// <root>/<project-id>/<session-id>.jsonl.
type Extractor struct {
	root   string
	logger *slog.Logger
}

// NewExtractor creates an extractor rooted at root.
func NewExtractor(root string, logger *slog.Logger) *Extractor {
	return &Extractor{
		root:   root,
		logger: logger.With("component", "transcript"),
	}
}

// Root returns the transcript root directory.
func (e *Extractor) Root() string {
	return e.root
}

// Extract resolves scope and returns the ordered records for mode. It returns
// ErrEmptyCorpus when nothing eligible remains after filtering.
func (e *Extractor) Extract(ctx context.Context, mode Mode, scope Scope) (*Corpus, error) {
	if mode != ModePrompts && mode != ModeWork {
		return nil, fmt.Errorf("unknown extraction mode %q", mode)
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	sessions, err := e.Resolve(scope)
	if err != nil {
		return nil, err
	}

	c := &Corpus{Mode: mode, Sessions: sessions}
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		turns, err := readSession(s)
		if err != nil {
			e.logger.Warn("skipping unreadable session", "session", s.ID, "error", err)
			continue
		}
		switch mode {
		case ModePrompts:
			for _, t := range turns {
				if t.Role == RoleUser {
					c.Records = append(c.Records, t)
				}
			}
		case ModeWork:
			if len(turns) == 0 {
				continue
			}
			c.Records = append(c.Records, Record{
				SessionID: s.ID,
				ProjectID: s.ProjectID,
				Role:      RoleSession,
				Content:   formatSession(s, turns),
				Timestamp: s.ModTime,
			})
		}
	}

	sort.SliceStable(c.Records, func(i, j int) bool {
		return c.Records[i].Timestamp.Before(c.Records[j].Timestamp)
	})

	c.ProjectIDs = projectIDs(sessions)
	for _, id := range c.ProjectIDs {
		c.ProjectNames = append(c.ProjectNames, ProjectName(id))
	}
	if scope.ProjectID != "" {
		c.ProjectName = ProjectName(scope.ProjectID)
	} else {
		c.ProjectName = CombinedProjectName(c.ProjectIDs)
	}
	c.DateRange = dateRange(scope, sessions)

	e.logger.Debug("extracted corpus",
		"mode", mode,
		"sessions", len(sessions),
		"records", len(c.Records),
		"bytes", c.Size(),
	)

	if len(c.Records) == 0 {
		return nil, ErrEmptyCorpus
	}
	return c, nil
}

// Resolve maps a scope to session files. Unknown session ids are skipped.
// Date range results are ordered by modification time.
func (e *Extractor) Resolve(scope Scope) ([]Session, error) {
	if !scope.IsDateRange() {
		var sessions []Session
		for _, id := range scope.SessionIDs {
			s, ok, err := e.FindSession(id)
			if err != nil {
				return nil, err
			}
			if !ok {
				e.logger.Debug("session not found", "session", id)
				continue
			}
			sessions = append(sessions, s)
		}
		return sessions, nil
	}

	from, to, err := scope.bounds()
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(scope.ProjectIDs))
	for _, id := range scope.ProjectIDs {
		allowed[id] = true
	}

	projects, err := e.projectDirs()
	if err != nil {
		return nil, err
	}

	var sessions []Session
	for _, project := range projects {
		if len(allowed) > 0 && !allowed[project] {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(e.root, project))
		if err != nil {
			e.logger.Warn("skipping unreadable project", "project", project, "error", err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			mtime := info.ModTime()
			if mtime.Before(from) || mtime.After(to) {
				continue
			}
			sessions = append(sessions, Session{
				ID:        strings.TrimSuffix(entry.Name(), ".jsonl"),
				ProjectID: project,
				Path:      filepath.Join(e.root, project, entry.Name()),
				ModTime:   mtime,
			})
		}
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].ModTime.Before(sessions[j].ModTime)
	})
	return sessions, nil
}

// FindSession locates <root>/<project>/<id>.jsonl across project directories.
func (e *Extractor) FindSession(id string) (Session, bool, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return Session{}, false, nil
	}
	projects, err := e.projectDirs()
	if err != nil {
		return Session{}, false, err
	}
	for _, project := range projects {
		path := filepath.Join(e.root, project, id+".jsonl")
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		return Session{ID: id, ProjectID: project, Path: path, ModTime: info.ModTime()}, true, nil
	}
	return Session{}, false, nil
}

// projectDirs lists project directory names in lexical order. A missing
// root yields no projects.
func (e *Extractor) projectDirs() ([]string, error) {
	entries, err := os.ReadDir(e.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading transcript root: %w", err)
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	return dirs, nil
}

// line is the subset of a transcript entry the extractor reads.
type line struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Message   *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// readSession parses every eligible user and assistant turn of a session.
// Blank and malformed lines are skipped.
func readSession(s Session) ([]Record, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var turns []Record
	reader := bufio.NewReader(f)
	for {
		raw, err := reader.ReadBytes('\n')
		if len(raw) > 0 {
			if rec, ok := parseLine(bytes.TrimSpace(raw)); ok {
				rec.SessionID = s.ID
				rec.ProjectID = s.ProjectID
				turns = append(turns, rec)
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return turns, err
		}
	}
	return turns, nil
}

func parseLine(raw []byte) (Record, bool) {
	if len(raw) == 0 {
		return Record{}, false
	}
	var l line
	if err := json.Unmarshal(raw, &l); err != nil || l.Message == nil {
		return Record{}, false
	}

	var content string
	switch {
	case l.Type == "user" && l.Message.Role == "user":
		// Tool results arrive as user entries with block content; only plain
		// string content is an authored prompt.
		if err := json.Unmarshal(l.Message.Content, &content); err != nil {
			return Record{}, false
		}
	case l.Type == "assistant":
		var blocks []contentBlock
		if err := json.Unmarshal(l.Message.Content, &blocks); err != nil {
			return Record{}, false
		}
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		content = strings.Join(parts, "\n")
	default:
		return Record{}, false
	}

	content = strings.TrimSpace(content)
	if content == "" || IsNoise(content) {
		return Record{}, false
	}

	role := RoleAssistant
	if l.Type == "user" {
		role = RoleUser
		content = CleanContent(content)
	}
	ts, _ := time.Parse(time.RFC3339Nano, l.Timestamp)
	return Record{Role: role, Content: content, Timestamp: ts}, true
}

// formatSession renders one session's turns as a single work record.
func formatSession(s Session, turns []Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### Project: %s\n", ProjectName(s.ProjectID))
	fmt.Fprintf(&b, "Session ID: %s\n", s.ID)
	fmt.Fprintf(&b, "Modified: %s\n", s.ModTime.Format("2006-01-02 15:04"))
	for _, t := range turns {
		label := "User"
		if t.Role == RoleAssistant {
			label = "Assistant"
		}
		fmt.Fprintf(&b, "\n**%s:**\n%s\n", label, truncateRunes(CleanContent(t.Content), maxTurnChars))
	}
	return b.String()
}

func projectIDs(sessions []Session) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, s := range sessions {
		if !seen[s.ProjectID] {
			seen[s.ProjectID] = true
			ids = append(ids, s.ProjectID)
		}
	}
	sort.Strings(ids)
	return ids
}

func dateRange(scope Scope, sessions []Session) string {
	from, to := scope.DateFrom, scope.DateTo
	if !scope.IsDateRange() {
		if len(sessions) == 0 {
			return ""
		}
		first, last := sessions[0].ModTime, sessions[0].ModTime
		for _, s := range sessions[1:] {
			if s.ModTime.Before(first) {
				first = s.ModTime
			}
			if s.ModTime.After(last) {
				last = s.ModTime
			}
		}
		from, to = first.Format(DateLayout), last.Format(DateLayout)
	}
	if from == to {
		return from
	}
	return from + " ~ " + to
}
