package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/job-scorer/internal/executor"
	"github.com/sells-group/job-scorer/internal/model"
	"github.com/sells-group/job-scorer/internal/pipeline"
	"github.com/sells-group/job-scorer/internal/source"
)

// runFlags are the options of the run command.
type runFlags struct {
	Stages      string
	Concurrency int
	Strategy    string
	Resume      bool
	Fresh       bool
	StatusAddr  string
	IDField     string
	Sheet       string
}

var runOpts runFlags

var runCmd = &cobra.Command{
	Use:   "run <items-file>",
	Short: "Run the pipeline over a file of job postings",
	Long:  "Loads postings from a .json, .jsonl, .yaml, .csv or .xlsx file and runs them through the selected stages. An interrupted run resumes from its checkpoint when started again with the same input.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		f := runOpts
		if f.StatusAddr == "" {
			f.StatusAddr = cfg.Status.Addr
		}
		return runItems(ctx, env, args[0], f, os.Stdout)
	},
}

// runItems loads the items file, runs the pipeline and writes the summary as
// JSON to out. The summary is written even when the run fails.
func runItems(ctx context.Context, env *pipelineEnv, path string, f runFlags, out io.Writer) error {
	stageList, err := resolveStages(f.Stages)
	if err != nil {
		return err
	}
	var strategy executor.Strategy
	if f.Strategy != "" {
		strategy, err = executor.ParseStrategy(f.Strategy)
		if err != nil {
			return err
		}
	}

	items, err := source.Load(ctx, path, source.Options{IDField: f.IDField, SheetName: f.Sheet})
	if err != nil {
		return eris.Wrap(err, "load items")
	}
	if len(items) == 0 {
		return eris.Errorf("no items with an id in %s", path)
	}

	statusCtx, stopStatus := context.WithCancel(ctx)
	defer stopStatus()
	var g errgroup.Group
	if f.StatusAddr != "" {
		g.Go(func() error {
			serveStatus(statusCtx, f.StatusAddr, env)
			return nil
		})
	}

	summary, runErr := env.Pipeline.Run(ctx, items, pipeline.RunOptions{
		Stages:           stageList,
		Resume:           f.Resume && !f.Fresh,
		Strategy:         strategy,
		ConcurrencyLimit: f.Concurrency,
		Source:           path,
	})
	stopStatus()
	_ = g.Wait()

	if summary != nil {
		if err := writeSummary(out, summary); err != nil {
			return err
		}
	}
	if runErr != nil {
		if ctx.Err() != nil {
			zap.L().Warn("run interrupted; start again with the same input to resume",
				zap.String("items", path),
			)
		}
		return eris.Wrap(runErr, "pipeline run")
	}
	return nil
}

// resolveStages parses a comma-separated stage list, falling back to the
// configured stages.
func resolveStages(list string) ([]model.Stage, error) {
	if strings.TrimSpace(list) == "" {
		list = strings.Join(cfg.Pipeline.Stages, ",")
	}
	if strings.TrimSpace(list) == "" {
		return model.StageOrder, nil
	}
	return model.ParseStages(list)
}

func writeSummary(out io.Writer, s *model.RunSummary) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func init() {
	runCmd.Flags().StringVar(&runOpts.Stages, "stages", "", "comma-separated stages to run (default from pipeline.stages)")
	runCmd.Flags().IntVar(&runOpts.Concurrency, "concurrency", 0, "override executor.concurrency_limit")
	runCmd.Flags().StringVar(&runOpts.Strategy, "strategy", "", "override executor.strategy (wave or rolling)")
	runCmd.Flags().BoolVar(&runOpts.Resume, "resume", true, "resume an existing checkpoint for the same input")
	runCmd.Flags().BoolVar(&runOpts.Fresh, "fresh", false, "discard any existing checkpoint and start over")
	runCmd.Flags().StringVar(&runOpts.StatusAddr, "status-addr", "", "serve the status endpoints on this address while running (default status.addr, e.g. :8090)")
	runCmd.Flags().StringVar(&runOpts.IDField, "id-field", "", "input field holding the item id (default item_id, id, url, link)")
	runCmd.Flags().StringVar(&runOpts.Sheet, "sheet", "", "sheet to read from .xlsx input (default first sheet)")
	rootCmd.AddCommand(runCmd)
}
