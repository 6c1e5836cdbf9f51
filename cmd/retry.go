package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/job-scorer/internal/model"
	"github.com/sells-group/job-scorer/internal/pipeline"
)

// failureFlags select ledger records. Shared by retry and the failures
// subcommands.
type failureFlags struct {
	IDs         []string
	MinFailures int
	ErrorKind   string
	Limit       int
}

// filter converts the flags into a ledger filter for stage.
func (f failureFlags) filter(stage string) (model.FailureFilter, error) {
	out := model.FailureFilter{
		MinFailures: f.MinFailures,
		ItemIDs:     f.IDs,
		Limit:       f.Limit,
	}
	if stage != "" {
		list, err := model.ParseStages(stage)
		if err != nil {
			return out, err
		}
		if len(list) != 1 {
			return out, eris.Errorf("expected one stage, got %q", stage)
		}
		out.Stage = list[0]
	}
	if f.ErrorKind != "" {
		k, err := model.ParseErrorKind(f.ErrorKind)
		if err != nil {
			return out, err
		}
		out.ErrorKind = k
	}
	if f.MinFailures < 0 || f.Limit < 0 {
		return out, eris.New("min-failures and limit must be >= 0")
	}
	return out, nil
}

var (
	retryOpts        failureFlags
	retryConcurrency int
)

var retryCmd = &cobra.Command{
	Use:   "retry <stage>",
	Short: "Re-run failed items of one stage from the failure ledger",
	Long:  "Rebuilds items from their ledger snapshots and runs them through the stage again. Successes are removed from the ledger; repeat failures increment their count.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		return retryStage(ctx, env, args[0], retryOpts, retryConcurrency, os.Stdout)
	},
}

// retryStage runs the retry workflow and writes the summary as JSON to out.
func retryStage(ctx context.Context, env *pipelineEnv, stage string, f failureFlags, concurrency int, out io.Writer) error {
	filter, err := f.filter(stage)
	if err != nil {
		return err
	}
	summary, runErr := env.Pipeline.Retry(ctx, filter.Stage, pipeline.RetryOptions{
		Filter:           filter,
		ConcurrencyLimit: concurrency,
	})
	if summary != nil {
		if err := writeSummary(out, summary); err != nil {
			return err
		}
	}
	return eris.Wrap(runErr, "retry")
}

func addFailureFlags(cmd *cobra.Command, f *failureFlags) {
	cmd.Flags().StringSliceVar(&f.IDs, "ids", nil, "only these item ids (comma-separated)")
	cmd.Flags().IntVar(&f.MinFailures, "min-failures", 0, "only items that failed at least this many times")
	cmd.Flags().StringVar(&f.ErrorKind, "error-kind", "", "only this error kind (e.g. TIMEOUT, PARSE_ERROR)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of records (0 = all)")
}

func init() {
	addFailureFlags(retryCmd, &retryOpts)
	retryCmd.Flags().IntVar(&retryConcurrency, "concurrency", 0, "override executor.concurrency_limit")
	rootCmd.AddCommand(retryCmd)
}
