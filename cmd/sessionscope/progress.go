package main

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/TobiSchelling/sessionscope/internal/analysis"
)

var styles = struct {
	phase lipgloss.Style
	done  lipgloss.Style
	warn  lipgloss.Style
	fail  lipgloss.Style
	dim   lipgloss.Style
}{
	phase: lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true),
	done:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	fail:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
}

// progress renders events for a terminal: model text goes to out, phase
// lines to status. Error events are left to reportError.
type progress struct {
	out    io.Writer
	status io.Writer
	// midLine is set while the last delta did not end with a newline.
	midLine bool
}

func (p *progress) Emit(ctx context.Context, e analysis.Event) error {
	switch ev := e.(type) {
	case analysis.StartEvent:
		p.line(styles.phase.Render(fmt.Sprintf("▸ analyzing %d records", ev.RecordCount)))
	case analysis.ChunkInfoEvent:
		if ev.Phase == analysis.PhaseFinalAnalysis {
			p.line(styles.phase.Render(fmt.Sprintf("▸ final synthesis over %d chunks", ev.TotalChunks)))
		} else {
			p.line(styles.phase.Render(fmt.Sprintf("▸ chunk %d/%d", ev.CurrentChunk, ev.TotalChunks)))
		}
	case analysis.DeltaEvent:
		if ev.Content == "" {
			return nil
		}
		if _, err := io.WriteString(p.out, ev.Content); err != nil {
			return err
		}
		p.midLine = ev.Content[len(ev.Content)-1] != '\n'
	case analysis.ChunkCompleteEvent:
		p.line(styles.done.Render(fmt.Sprintf("✓ chunk %d/%d done", ev.CurrentChunk, ev.TotalChunks)))
	case analysis.CompleteEvent:
		a := ev.Analysis
		p.line(styles.done.Render("✓ saved "+a.ID) + " " +
			styles.dim.Render(fmt.Sprintf("(%s, %d records, %s)", a.ProjectName, a.RecordCount, a.Model)))
	}
	return nil
}

func (p *progress) line(s string) {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
	fmt.Fprintln(p.status, s)
}
