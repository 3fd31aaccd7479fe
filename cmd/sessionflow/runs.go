package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/sessionflow/internal/storage"
)

var (
	statusFilter string
	limitFlag    int
	exportFormat string
	exportOutput string
	forceFlag    bool
)

var runsCmd = &cobra.Command{
	Use:     "runs",
	Aliases: []string{"run", "r"},
	Short:   "Inspect the local run database",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run and its step journal",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a finished run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsExport,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsDeleteCmd, runsExportCmd)

	runsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (pending, running, succeeded, failed, cancelled)")
	runsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max runs to show")

	runsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	runsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	runsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func runRunsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), storage.RunListOptions{
		Status: storage.RunStatus(statusFilter),
		Limit:  limitFlag,
	})
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-10s %-18s %-6s %-24s %s\n", "ID", "STATUS", "PHASE", "POLLS", "SESSION", "UPDATED")
	fmt.Println(strings.Repeat("─", 85))

	for _, r := range runs {
		sessionID := r.SessionID
		if sessionID == "" {
			sessionID = "-"
		}
		if len(sessionID) > 22 {
			sessionID = sessionID[:22] + ".."
		}

		fmt.Printf("%-10s %-10s %-18s %-6d %-24s %s\n",
			shortID(r.ID), r.Status, r.Phase, r.PollCount, sessionID, timeAgo(r.UpdatedAt))
	}

	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run:       %s\n", run.ID)
	fmt.Printf("Status:    %s\n", run.Status)
	fmt.Printf("Phase:     %s\n", run.Phase)
	fmt.Printf("Polls:     %d\n", run.PollCount)
	if run.SessionID != "" {
		fmt.Printf("Session:   %s\n", run.SessionID)
	}
	if run.ExecutionID != "" {
		fmt.Printf("Execution: %s\n", run.ExecutionID)
	}
	fmt.Printf("Created:   %s\n", run.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:   %s\n", run.UpdatedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", run.CompletedAt.Format(time.RFC3339))
	}
	if run.ErrorKind != "" {
		fmt.Printf("\n\033[31m%s\033[0m %s\n", run.ErrorKind, run.ErrorMessage)
	}

	steps, err := store.LoadSteps(ctx, run.ID)
	if err != nil {
		return err
	}

	fmt.Printf("\nSteps: %d\n", len(steps))
	fmt.Println(strings.Repeat("─", 60))

	for _, s := range steps {
		switch {
		case s.Status == storage.StepFailed:
			fmt.Printf("  \033[31m✗ %-20s\033[0m %s\n", s.Name, truncate(s.Error, 100))
		case s.Kind == storage.StepTimer && s.FireAt != nil:
			fmt.Printf("  \033[90m◷ %-20s until %s\033[0m\n", s.Name, s.FireAt.Format(time.TimeOnly))
		default:
			attempts := ""
			if s.Attempts > 1 {
				attempts = fmt.Sprintf(" (%d attempts)", s.Attempts)
			}
			fmt.Printf("  \033[32m✓ %-20s\033[0m%s %s\n", s.Name, attempts, truncate(string(s.Output), 80))
		}
	}

	return nil
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	if !run.Status.Terminal() {
		return fmt.Errorf("run %s is %s; cancel it first", shortID(run.ID), run.Status)
	}

	if !forceFlag {
		fmt.Printf("Delete run %s (%s)? [y/N] ", shortID(run.ID), run.Status)
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted run %s\n", shortID(run.ID))
	return nil
}

func runRunsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	steps, err := store.LoadSteps(ctx, run.ID)
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(run, steps)
		if err != nil {
			return err
		}
		output = string(data)
	default:
		output = storage.ExportMarkdown(run, steps)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
