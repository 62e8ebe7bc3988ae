package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/sessionscope/internal/server"
)

var (
	listProject string
	showHTML    bool
	servePort   int
)

var listCmd = &cobra.Command{
	Use:   "list prompts|work",
	Short: "List stored analyses, newest first",
	Args:  cobra.ExactArgs(1),
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

		items, err := svc.List(cmd.Context(), kind, listProject)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Printf("No %s analyses yet. Create one with: sessionscope analyze %s\n", kind, kind)
			return nil
		}

		for _, it := range items {
			scope := it.DateFrom
			if it.DateTo != "" && it.DateTo != it.DateFrom {
				scope += " ~ " + it.DateTo
			}
			if scope == "" {
				scope = fmt.Sprintf("%d sessions", len(it.SessionIDs))
			}
			fmt.Printf("%s  %s\n", styles.phase.Render(it.ID), styles.dim.Render(it.CreatedAt.Local().Format("2006-01-02 15:04")))
			fmt.Printf("  %s | %s | %d records | %s\n", it.ProjectName, scope, it.RecordCount, it.Model)
			if it.Summary != "" {
				fmt.Printf("  %s\n", it.Summary)
			}
			fmt.Println()
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show prompts|work <id>",
	Short: "Print a stored analysis",
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

		a, err := svc.Get(kind, args[1])
		if err != nil {
			return err
		}
		if showHTML {
			fmt.Println(server.RenderMarkdown(a.Result))
			return nil
		}
		fmt.Println(styles.dim.Render(fmt.Sprintf("%s | %d records, %d sessions | %s | %s",
			a.ProjectName, a.RecordCount, a.SessionCount, a.Model, a.CreatedAt.Local().Format("2006-01-02 15:04"))))
		fmt.Println()
		fmt.Println(a.Result)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete prompts|work <id>",
	Short: "Delete a stored analysis",
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

		if err := svc.Delete(kind, args[1]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s analysis %s\n", kind, args[1])
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		ctx, stop := interruptContext(cmd.Context())
		defer stop()

		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(ctx, svc, port, logger)
	},
}

func init() {
	listCmd.Flags().StringVar(&listProject, "project", "", "Only analyses covering this project id")
	showCmd.Flags().BoolVar(&showHTML, "html", false, "Render the result as HTML")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}
