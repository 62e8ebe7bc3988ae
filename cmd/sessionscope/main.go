package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/sessionscope/internal/analysis"
	"github.com/TobiSchelling/sessionscope/internal/config"
	"github.com/TobiSchelling/sessionscope/internal/database"
	"github.com/TobiSchelling/sessionscope/internal/pipeline"
	"github.com/TobiSchelling/sessionscope/internal/store"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     = slog.New(slog.NewTextHandler(os.Stderr, nil))
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(reportError(os.Stderr, err))
	}
}

var rootCmd = &cobra.Command{
	Use:           "sessionscope",
	Short:         "Analyze coding-assistant session transcripts",
	Long:          "sessionscope reads local coding-session transcripts, splits them into chunks, and has a model analyze your prompting habits or the work done.",
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level, _ := cfg.LogLevel()
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		if path != "" {
			logger.Debug("loaded config", "path", path)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(reanalyzeCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("sessionscope", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/sessionscope/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to choose the inference provider, models and chunk budget.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show run history and backend status",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		stats, err := svc.Stats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Transcripts: %s\n", cfg.GetProjectsDir())
		fmt.Printf("Data:        %s\n\n", cfg.GetDataDir())

		fmt.Println("Runs:")
		fmt.Printf("  Total: %d\n", stats.TotalJobs)
		for _, status := range []string{database.StatusComplete, database.StatusError, database.StatusCancelled, database.StatusRunning} {
			if n := stats.ByStatus[status]; n > 0 {
				fmt.Printf("  %s: %d\n", status, n)
			}
		}
		kinds := make([]string, 0, len(stats.ByKind))
		for k := range stats.ByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Printf("  %s runs: %d\n", k, stats.ByKind[k])
		}
		if stats.LastRun != nil {
			fmt.Printf("  Last run: %s\n", stats.LastRun.Local().Format("2006-01-02 15:04"))
		}

		fmt.Println("\nStored analyses:")
		for _, kind := range store.Kinds {
			items, err := svc.List(cmd.Context(), kind, "")
			if err != nil {
				return err
			}
			fmt.Printf("  %s: %d\n", kind, len(items))
		}

		fmt.Printf("\nInference (%s): ", cfg.Inference.Provider)
		if err := svc.Check(cmd.Context()); err != nil {
			fmt.Printf("unavailable (%v)\n", err)
		} else {
			fmt.Println("ready")
		}
		fmt.Printf("Default model: %s\n", svc.DefaultModel())
		return nil
	},
}

func openDB() (*database.DB, error) {
	return database.Open(filepath.Join(cfg.GetDataDir(), database.FileName), logger)
}

// openService builds the service. The ledger is optional: when it cannot be
// opened, runs proceed unrecorded.
func openService() (*pipeline.Service, func(), error) {
	db, err := openDB()
	if err != nil {
		logger.Warn("job ledger unavailable", "error", err)
		db = nil
	}
	svc, err := pipeline.New(cfg, db, logger)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, nil, err
	}
	return svc, func() {
		if db != nil {
			db.Close()
		}
	}, nil
}

// reportError prints err for the terminal and returns the exit code. It is
// the only place where analysis error kinds become CLI output.
func reportError(w io.Writer, err error) int {
	msg := analysis.Message(err)
	switch analysis.KindOf(err) {
	case analysis.Transport:
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(w, styles.warn.Render("cancelled, nothing saved"))
			return 130
		}
	case analysis.Internal:
		var ae *analysis.Error
		if errors.As(err, &ae) {
			logger.Error("unexpected failure", "error", err)
		} else {
			// Flag parsing, config loading and other plain errors.
			msg = err.Error()
		}
	}
	fmt.Fprintln(w, styles.fail.Render("Error: "+msg))
	return 1
}
