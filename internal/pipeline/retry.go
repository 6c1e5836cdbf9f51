package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/job-scorer/internal/model"
)

// RetryDir is the directory under the work dir that holds retry artifacts.
const RetryDir = "retries"

// RetryOptions overrides the executor for a retry.
type RetryOptions struct {
	Filter           model.FailureFilter
	ConcurrencyLimit int
}

// Retry re-runs stage for the items recorded in the failure ledger. Items are
// rebuilt from their stored snapshots; successes resolve their ledger records
// and repeat failures increment the failure count. Results are written to
// <work_dir>/retries/<stage>-<timestamp>.jsonl. No checkpoint is involved.
func (p *Pipeline) Retry(ctx context.Context, stage model.Stage, opts RetryOptions) (*model.RunSummary, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if stage.Index() < 0 {
		return nil, eris.Errorf("pipeline: unknown stage %q", stage)
	}
	h, err := p.handlers.For(stage)
	if err != nil {
		return nil, err
	}
	execCfg, err := p.executorConfig(RunOptions{ConcurrencyLimit: opts.ConcurrencyLimit})
	if err != nil {
		return nil, err
	}

	filter := opts.Filter
	filter.Stage = stage
	recs, err := p.ledger.List(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list failures for retry")
	}

	started := p.now()
	runKey := "retry-" + string(stage) + "-" + started.Format("20060102T150405Z")
	log := zap.L().With(zap.String("run_key", runKey), zap.String("stage", string(stage)))

	work := make([]*model.WorkItem, 0, len(recs))
	for _, r := range recs {
		item, err := model.ItemFromSnapshot(r.RawItemSnapshot)
		if err != nil {
			log.Warn("pipeline: skipping failure with unusable snapshot",
				zap.String("item_id", r.ItemID),
				zap.Error(err),
			)
			continue
		}
		work = append(work, &item)
	}

	p.tracker.begin(runKey, nil, started)
	summary := &model.RunSummary{
		RunKey:      runKey,
		StartedAt:   started,
		ByErrorKind: make(map[model.ErrorKind]int),
	}
	fail := func(err error) (*model.RunSummary, error) {
		p.tracker.fail(err)
		p.finishSummary(summary, started)
		log.Error("pipeline: retry failed", zap.Error(err))
		return summary, err
	}

	if err := p.tracker.transition(StateStageRunning, stage, stage.Index()); err != nil {
		return fail(err)
	}
	ref := filepath.Join(p.opts.WorkDir, RetryDir, string(stage)+"-"+started.Format("20060102T150405Z")+".jsonl")
	st := &model.StageSummary{
		Stage:       stage,
		Candidates:  len(work),
		OutputRef:   ref,
		ByErrorKind: make(map[model.ErrorKind]int),
	}
	p.tracker.startStage(len(work))
	log.Info("pipeline: retry starting", zap.Int("items", len(work)), zap.Int("ledger_records", len(recs)))

	if len(work) > 0 {
		if err := p.preflight(ctx, stage); err != nil {
			summary.AddStage(*st)
			return fail(err)
		}
		exec, err := p.executorFor(stage, execCfg)
		if err != nil {
			return fail(err)
		}
		call := p.callFunc()
		start := time.Now()
		for lo := 0; lo < len(work); lo += p.opts.CheckpointInterval {
			if ctx.Err() != nil {
				st.Interrupted += len(work) - lo
				break
			}
			hi := min(lo+p.opts.CheckpointInterval, len(work))
			if err := p.runChunk(ctx, nil, exec, h, ref, work[lo:hi], lo, call, st); err != nil {
				summary.AddStage(*st)
				return fail(err)
			}
		}
		st.DurationMs = time.Since(start).Milliseconds()
	}
	summary.AddStage(*st)
	if err := ctx.Err(); err != nil {
		return fail(eris.Wrapf(err, "pipeline: retry of %s interrupted", stage))
	}
	if err := p.tracker.transition(StateStageDone, stage, stage.Index()); err != nil {
		return fail(err)
	}
	if err := p.tracker.transition(StateRunComplete, "", 0); err != nil {
		return fail(err)
	}
	if len(work) > 0 {
		summary.ResultsRef = ref
	}
	p.finishSummary(summary, started)
	log.Info("pipeline: retry complete",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.String("output", ref),
	)
	return summary, nil
}
