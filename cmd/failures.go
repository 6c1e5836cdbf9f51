package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/job-scorer/internal/ledger"
	"github.com/sells-group/job-scorer/internal/model"
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Inspect and manage the failure ledger",
	Long:  "Commands for listing, summarizing, exporting and resolving per-item failures.",
}

var (
	failuresStage string
	failuresOpts  failureFlags
	exportFormat  string
)

// withLedger opens the ledger for the duration of fn.
func withLedger(ctx context.Context, fn func(ledger.Ledger) error) error {
	l, err := initLedger(ctx)
	if err != nil {
		return err
	}
	defer l.Close() //nolint:errcheck
	return fn(l)
}

// -- failures list --

var failuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failure records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		filter, err := failuresOpts.filter(failuresStage)
		if err != nil {
			return err
		}
		return withLedger(ctx, func(l ledger.Ledger) error {
			recs, err := l.List(ctx, filter)
			if err != nil {
				return eris.Wrap(err, "failures list")
			}
			if len(recs) == 0 {
				fmt.Fprintln(os.Stderr, "No failures found.")
				return nil
			}
			formatFailureList(os.Stdout, recs)
			return nil
		})
	},
}

// -- failures stats --

var failuresStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate failure statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		asJSON, _ := cmd.Flags().GetBool("json")
		return withLedger(ctx, func(l ledger.Ledger) error {
			stats, err := l.Stats(ctx)
			if err != nil {
				return eris.Wrap(err, "failures stats")
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			formatFailureStats(os.Stdout, stats)
			return nil
		})
	},
}

// -- failures export --

var failuresExportCmd = &cobra.Command{
	Use:   "export <destination>",
	Short: "Export failure records to a file or directory",
	Long:  "Writes matching records as json, jsonl, csv or xlsx. A directory destination gets a timestamped file; otherwise the file extension picks the format.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		filter, err := failuresOpts.filter(failuresStage)
		if err != nil {
			return err
		}
		var format ledger.ExportFormat
		if exportFormat != "" {
			if format, err = ledger.ParseFormat(exportFormat); err != nil {
				return err
			}
		}
		return withLedger(ctx, func(l ledger.Ledger) error {
			res, err := ledger.Export(ctx, l, filter, args[0], format)
			if err != nil {
				return eris.Wrap(err, "failures export")
			}
			fmt.Fprintf(os.Stdout, "Exported %d records to %s (%s)\n", res.Records, res.Path, res.Format)
			return nil
		})
	},
}

// -- failures resolve --

var failuresResolveCmd = &cobra.Command{
	Use:   "resolve <stage> <item-id>...",
	Short: "Remove failure records without retrying",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		filter, err := failureFlags{}.filter(args[0])
		if err != nil {
			return err
		}
		return withLedger(ctx, func(l ledger.Ledger) error {
			if err := l.ResolveBatch(ctx, filter.Stage, args[1:]); err != nil {
				return eris.Wrap(err, "failures resolve")
			}
			fmt.Fprintf(os.Stdout, "Resolved %d items for stage %s\n", len(args)-1, filter.Stage)
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{failuresListCmd, failuresExportCmd} {
		c.Flags().StringVar(&failuresStage, "stage", "", "only this stage (scoring, analysis, optimization)")
		addFailureFlags(c, &failuresOpts)
	}
	failuresExportCmd.Flags().StringVar(&exportFormat, "format", "", "json, jsonl, csv or xlsx (default from extension, json for directories)")
	failuresStatsCmd.Flags().Bool("json", false, "print stats as JSON")

	failuresCmd.AddCommand(failuresListCmd)
	failuresCmd.AddCommand(failuresStatsCmd)
	failuresCmd.AddCommand(failuresExportCmd)
	failuresCmd.AddCommand(failuresResolveCmd)
	rootCmd.AddCommand(failuresCmd)
}

// formatFailureList writes a tabular list of failure records to out.
func formatFailureList(out io.Writer, recs []model.FailureRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ITEM_ID\tSTAGE\tKIND\tCOUNT\tLAST_FAILED\tMESSAGE")
	for _, r := range recs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ItemID,
			r.Stage,
			r.ErrorKind,
			r.FailureCount,
			r.LastFailed.UTC().Format("2006-01-02 15:04:05"),
			truncate(r.ErrorMessage, 60),
		)
	}
	_ = w.Flush()
}

// formatFailureStats writes a human-readable summary of stats to out.
func formatFailureStats(out io.Writer, s *model.FailureStats) {
	_, _ = fmt.Fprintf(out, "Total failures:          %d\n", s.Total)
	_, _ = fmt.Fprintf(out, "Items failing 2+ times:  %d\n", s.ItemsWithMultipleFailures)

	if len(s.ByStage) > 0 {
		_, _ = fmt.Fprintln(out, "\nBy stage:")
		for _, st := range model.StageOrder {
			if n, ok := s.ByStage[st]; ok {
				_, _ = fmt.Fprintf(out, "  %-14s %d\n", st, n)
			}
		}
	}
	if len(s.ByErrorKind) > 0 {
		_, _ = fmt.Fprintln(out, "\nBy error kind:")
		kinds := make([]string, 0, len(s.ByErrorKind))
		for k := range s.ByErrorKind {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			_, _ = fmt.Fprintf(out, "  %-18s %d\n", k, s.ByErrorKind[model.ErrorKind(k)])
		}
	}
	if len(s.TopOffenders) > 0 {
		_, _ = fmt.Fprintln(out, "\nTop offenders:")
		for _, o := range s.TopOffenders {
			_, _ = fmt.Fprintf(out, "  %-24s %-14s %d\n", o.ItemID, o.Stage, o.FailureCount)
		}
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
