package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/store"
	"golang.org/x/term"
)

const defaultTermWidth = 100

func newResultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Inspect and manage stored results",
	}

	cmd.AddCommand(newResultsListCmd())
	cmd.AddCommand(newResultsShowCmd())
	cmd.AddCommand(newResultsRequeueCmd())
	cmd.AddCommand(newResultsPruneCmd())
	return cmd
}

func newResultsListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List results, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			status = strings.ToUpper(status)
			if status != "" && !models.ValidStatus(status) {
				return fmt.Errorf("unknown status %q (PENDING, SENDING, SENT, FAILED)", status)
			}
			_, s, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			rows, err := s.List(context.Background(), store.Filter{Status: status, Limit: limit})
			if err != nil {
				return err
			}
			printResults(cmd.OutOrStdout(), rows, terminalWidth(cmd.OutOrStdout()))
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", store.DefaultListLimit, "maximum rows to show")
	return cmd
}

// terminalWidth returns the width of out when it is a terminal.
func terminalWidth(out io.Writer) int {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return defaultTermWidth
	}
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return defaultTermWidth
	}
	return w
}

// printResults writes a table whose title column fills the remaining width.
func printResults(out io.Writer, rows []models.Result, width int) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No results.")
		return
	}
	// id(36) + status(7) + created(16) + sent(16) + gaps
	titleWidth := width - 36 - 7 - 16 - 16 - 10
	if titleWidth < 10 {
		titleWidth = 10
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tSENT\tTITLE")
	for _, r := range rows {
		sent := "-"
		if r.SentAt != nil {
			sent = r.SentAt.UTC().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Status, r.CreatedAt.UTC().Format("2006-01-02 15:04"), sent, clip(r.Title, titleWidth))
	}
	w.Flush()
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func newResultsShowCmd() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one result in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			r, err := s.Get(context.Background(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}
			printResult(out, r)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printResult(out io.Writer, r *models.Result) {
	fmt.Fprintf(out, "ID:       %s\n", r.ID)
	fmt.Fprintf(out, "Title:    %s\n", r.Title)
	fmt.Fprintf(out, "Status:   %s\n", r.Status)
	fmt.Fprintf(out, "Type:     %s\n", r.AnalysisType)
	fmt.Fprintf(out, "Source:   %s\n", r.SourceJob)
	fmt.Fprintf(out, "Created:  %s\n", r.CreatedAt.UTC().Format(time.RFC3339))
	if r.SentAt != nil {
		fmt.Fprintf(out, "Sent:     %s\n", r.SentAt.UTC().Format(time.RFC3339))
	}
	if r.Channel != "" {
		fmt.Fprintf(out, "Channel:  %s\n", r.Channel)
	}
	if r.Error != "" {
		fmt.Fprintf(out, "Error:    %s\n", r.Error)
	}
	fmt.Fprintf(out, "\n%s\n", r.Summary)
}

func newResultsRequeueCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Copy a FAILED result into a new PENDING result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			fresh, err := s.Requeue(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s as %s\n", args[0], fresh.ID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newResultsPruneCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete SENT and FAILED results older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			_, s, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			n, err := s.Prune(context.Background(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d result(s) older than %s\n", n, olderThan)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age cutoff")
	return cmd
}
