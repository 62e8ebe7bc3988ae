package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/sessionscope/internal/analysis"
	"github.com/TobiSchelling/sessionscope/internal/store"
	"github.com/TobiSchelling/sessionscope/internal/transcript"
)

var (
	analyzeSessions []string
	analyzeFrom     string
	analyzeTo       string
	analyzeProjects []string
	analyzeModel    string
	reanalyzeModel  string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze prompts|work",
	Short: "Analyze sessions and store the report",
	Long: `Analyze either your prompts or the work done in a set of sessions.

Select sessions with --session (repeatable) or a date range with --from and
--to, optionally narrowed with --project. The report streams to stdout;
progress goes to stderr. Ctrl+C stops the run without saving.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(store.KindPrompts), string(store.KindWork)},
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(args[0])
		if err != nil {
			return err
		}
		svc, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, stop := interruptContext(cmd.Context())
		defer stop()

		_, err = svc.Analyze(ctx, kind, scopeFromFlags(), analyzeModel, newProgress())
		return err
	},
}

var reanalyzeCmd = &cobra.Command{
	Use:   "reanalyze prompts|work <id>",
	Short: "Rerun a stored analysis over its original scope",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(args[0])
		if err != nil {
			return err
		}
		svc, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, stop := interruptContext(cmd.Context())
		defer stop()

		_, err = svc.Reanalyze(ctx, kind, args[1], reanalyzeModel, newProgress())
		return err
	},
}

func init() {
	analyzeCmd.Flags().StringSliceVar(&analyzeSessions, "session", nil, "Session id to analyze (repeatable)")
	analyzeCmd.Flags().StringVar(&analyzeFrom, "from", "", "First day of the range (YYYY-MM-DD)")
	analyzeCmd.Flags().StringVar(&analyzeTo, "to", "", "Last day of the range (YYYY-MM-DD)")
	analyzeCmd.Flags().StringSliceVar(&analyzeProjects, "project", nil, "Project id to include (repeatable)")
	analyzeCmd.Flags().StringVar(&analyzeModel, "model", "", "Model to use (default from config)")
	analyzeCmd.MarkFlagsMutuallyExclusive("session", "from")
	analyzeCmd.MarkFlagsMutuallyExclusive("session", "to")

	reanalyzeCmd.Flags().StringVar(&reanalyzeModel, "model", "", "Model to use (default: the stored one)")
}

func scopeFromFlags() transcript.Scope {
	return buildScope(analyzeSessions, analyzeFrom, analyzeTo, analyzeProjects)
}

// buildScope maps CLI selection flags onto a scope. A single project also
// names the analysis.
func buildScope(sessions []string, from, to string, projects []string) transcript.Scope {
	var scope transcript.Scope
	if len(sessions) > 0 {
		scope.SessionIDs = sessions
	} else {
		scope.DateFrom = from
		scope.DateTo = to
		if to == "" {
			scope.DateTo = from
		}
		scope.ProjectIDs = projects
	}
	if len(projects) == 1 {
		scope.ProjectID = projects[0]
	}
	return scope
}

func parseKind(s string) (store.Kind, error) {
	kind, err := store.ParseKind(s)
	if err != nil {
		return "", analysis.Invalidf(err.Error())
	}
	return kind, nil
}

func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newProgress() *progress {
	return &progress{out: os.Stdout, status: os.Stderr}
}
