package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/stampede/internal/storage"
)

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [id]",
		Short: "List recorded runs, or show one",
		Long: `Without an argument, list the most recent runs, newest first.
With a run ID (or a unique prefix of one), show that run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.history(cmd, args)
		},
	}

	cmd.Flags().Int("limit", 20, "Number of runs to list (0 for all)")
	cmd.Flags().Bool("json", false, "Print runs as JSON")
	cmd.Flags().Bool("delete", false, "Delete the given run")
	return cmd
}

func (a *app) history(cmd *cobra.Command, args []string) error {
	path := a.v.GetString("history")
	if path == "" {
		return errors.New("run history is disabled")
	}
	store, err := storage.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	jsonOut := a.v.GetBool("json")

	if len(args) == 0 {
		items, err := store.List(a.v.GetInt("limit"))
		if err != nil {
			return err
		}
		if jsonOut {
			return writeIndented(out, items)
		}
		printHistory(out, items)
		return nil
	}

	item, err := store.Get(args[0])
	if err != nil {
		return err
	}
	if a.v.GetBool("delete") {
		if err := store.Delete(item.ID); err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted run %s\n", item.ID)
		return nil
	}
	if jsonOut {
		return writeIndented(out, item)
	}
	printRun(out, item)
	return nil
}

func printHistory(out io.Writer, items []storage.HistoryItem) {
	if len(items) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tNAME\tTYPE\tENV\tDURATION\tREQUESTS\tP95\tSTATUS")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%.2fms\t%s\n",
			shortID(it.ID),
			it.Timestamp.Local().Format("2006-01-02 15:04:05"),
			it.Name,
			it.TypeTest,
			it.Environment,
			it.Duration.Round(time.Second),
			it.Summary.TotalRequests,
			it.Summary.P95LatencyMs,
			runStatus(it))
	}
	tw.Flush()
}

func printRun(out io.Writer, it *storage.HistoryItem) {
	fmt.Fprintf(out, "Run %s (%s)\n\n", it.ID, runStatus(*it))
	fmt.Fprintf(out, "  Name:          %s\n", it.Name)
	if it.Script != "" {
		fmt.Fprintf(out, "  Script:        %s\n", it.Script)
	}
	fmt.Fprintf(out, "  Test type:     %s\n", it.TypeTest)
	fmt.Fprintf(out, "  Environment:   %s\n", it.Environment)
	fmt.Fprintf(out, "  Started:       %s\n", it.Timestamp.Local().Format(time.RFC3339))
	fmt.Fprintf(out, "  Duration:      %s\n", it.Duration.Round(time.Millisecond))
	fmt.Fprintln(out)

	s := it.Summary
	fmt.Fprintf(out, "  Requests:      %d (%d failed)\n", s.TotalRequests, s.FailedRequests)
	fmt.Fprintf(out, "  Iterations:    %d (%d dropped)\n", s.Iterations, s.DroppedIterations)
	fmt.Fprintf(out, "  Latency:       avg %.2fms, p95 %.2fms\n", s.AvgLatencyMs, s.P95LatencyMs)

	if it.Report == nil || len(it.Report.Thresholds) == 0 {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Thresholds:")
	for _, t := range it.Report.Thresholds {
		mark := "✓"
		if !t.Passed {
			mark = "✗"
		}
		fmt.Fprintf(out, "    %s %s '%s' (actual: %.4g)\n", mark, t.Metric, t.Expression, t.Value)
	}
}

func runStatus(it storage.HistoryItem) string {
	switch {
	case it.Aborted:
		return "aborted"
	case it.Passed:
		return "passed"
	default:
		return "failed"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func writeIndented(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
