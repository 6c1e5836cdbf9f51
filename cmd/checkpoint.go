package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/job-scorer/internal/checkpoint"
	"github.com/sells-group/job-scorer/internal/pipeline"
	"github.com/sells-group/job-scorer/internal/source"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or discard the checkpoint of an items file",
	Long:  "The checkpoint of a run is keyed by the item ids of its input and the stages it runs, so commands take the same items file and --stages as run.",
}

var checkpointOpts runFlags

// -- checkpoint show --

var checkpointShowCmd = &cobra.Command{
	Use:   "show <items-file>",
	Short: "Print the checkpoint of a run as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, runKey, err := openCheckpointStore(cmd.Context(), args[0], checkpointOpts)
		if err != nil {
			return err
		}
		return showCheckpoint(os.Stdout, store, runKey)
	},
}

// -- checkpoint clear --

var checkpointClearCmd = &cobra.Command{
	Use:   "clear <items-file>",
	Short: "Delete the checkpoint and artifacts of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, runKey, err := openCheckpointStore(cmd.Context(), args[0], checkpointOpts)
		if err != nil {
			return err
		}
		if err := clearCheckpoint(store, cfg.Pipeline.WorkDir, runKey); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Cleared checkpoint %s\n", runKey)
		return nil
	},
}

// openCheckpointStore loads the items file and derives its run key.
func openCheckpointStore(ctx context.Context, path string, f runFlags) (*checkpoint.Store, string, error) {
	stageList, err := resolveStages(f.Stages)
	if err != nil {
		return nil, "", err
	}
	items, err := source.Load(ctx, path, source.Options{IDField: f.IDField, SheetName: f.Sheet})
	if err != nil {
		return nil, "", eris.Wrap(err, "load items")
	}
	runKey, err := pipeline.RunKeyFor(items, stageList)
	if err != nil {
		return nil, "", err
	}
	store, err := checkpoint.NewStore(cfg.Checkpoint.Dir)
	if err != nil {
		return nil, "", err
	}
	return store, runKey, nil
}

func showCheckpoint(out io.Writer, store *checkpoint.Store, runKey string) error {
	cp, err := store.Open(runKey)
	if err != nil {
		if eris.Is(err, checkpoint.ErrNotFound) {
			return eris.Errorf("no checkpoint for run %s", runKey)
		}
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(cp.Snapshot())
}

func clearCheckpoint(store *checkpoint.Store, workDir, runKey string) error {
	if err := store.Clear(runKey); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(workDir, runKey)); err != nil {
		return eris.Wrap(err, "remove run artifacts")
	}
	return nil
}

func init() {
	checkpointCmd.PersistentFlags().StringVar(&checkpointOpts.Stages, "stages", "", "comma-separated stages of the run (default from pipeline.stages)")
	checkpointCmd.PersistentFlags().StringVar(&checkpointOpts.IDField, "id-field", "", "input field holding the item id")
	checkpointCmd.PersistentFlags().StringVar(&checkpointOpts.Sheet, "sheet", "", "sheet to read from .xlsx input")

	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointClearCmd)
	rootCmd.AddCommand(checkpointCmd)
}
