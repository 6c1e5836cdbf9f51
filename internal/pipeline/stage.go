package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/job-scorer/internal/checkpoint"
	"github.com/sells-group/job-scorer/internal/executor"
	"github.com/sells-group/job-scorer/internal/ledger"
	"github.com/sells-group/job-scorer/internal/model"
	"github.com/sells-group/job-scorer/internal/resilience"
	"github.com/sells-group/job-scorer/internal/stages"
)

// runStage processes one stage over work, mutating the items in place. A
// completed stage is not re-run; its artifact is merged instead.
func (p *Pipeline) runStage(ctx context.Context, cp *checkpoint.Checkpoint, stage model.Stage, work []*model.WorkItem, execCfg executor.Config) (*model.StageSummary, error) {
	start := time.Now()
	log := zap.L().With(zap.String("run_key", cp.RunKey()), zap.String("stage", string(stage)))
	st := &model.StageSummary{Stage: stage, ByErrorKind: make(map[model.ErrorKind]int)}
	defer func() { st.DurationMs = time.Since(start).Milliseconds() }()

	h, err := p.handlers.For(stage)
	if err != nil {
		return st, &FatalError{Stage: stage, Err: err}
	}

	ref, hasRef := cp.OutputRef(stage)
	if !hasRef {
		ref = filepath.Join(p.RunDir(cp.RunKey()), string(stage)+".jsonl")
	}
	st.OutputRef = ref
	if hasRef {
		if err := mergeArtifact(ref, work); err != nil {
			return st, &FatalError{Stage: stage, Err: err}
		}
	}

	if cp.StageCompleted(stage) {
		st.Skipped = true
		st.AlreadyDone = len(work)
		log.Info("pipeline: stage already completed", zap.String("output_ref", ref))
		return st, nil
	}

	processed := cp.ProcessedIDs(stage)
	var candidates, carried []*model.WorkItem
	for _, item := range work {
		if _, ok := processed[item.ID]; ok {
			st.AlreadyDone++
			continue
		}
		if !h.Eligible(item) {
			st.SkippedUpstream++
			carried = append(carried, item)
			continue
		}
		candidates = append(candidates, item)
	}
	st.Candidates = len(candidates)
	p.tracker.startStage(len(candidates))

	log.Info("pipeline: stage starting",
		zap.Int("candidates", len(candidates)),
		zap.Int("already_done", st.AlreadyDone),
		zap.Int("skipped_upstream", st.SkippedUpstream),
	)

	if len(candidates) > 0 {
		if err := p.preflight(ctx, stage); err != nil {
			return st, err
		}
	}
	if !hasRef {
		if err := cp.SetOutputRef(stage, ref); err != nil {
			return st, &FatalError{Stage: stage, Err: err}
		}
	}

	exec, err := p.executorFor(stage, execCfg)
	if err != nil {
		return st, &FatalError{Stage: stage, Err: err}
	}
	call := p.callFunc()

	interval := p.opts.CheckpointInterval
	for lo := 0; lo < len(candidates); lo += interval {
		if ctx.Err() != nil {
			st.Interrupted += len(candidates) - lo
			break
		}
		hi := min(lo+interval, len(candidates))
		if err := p.runChunk(ctx, cp, exec, h, ref, candidates[lo:hi], lo, call, st); err != nil {
			return st, err
		}
	}
	if err := ctx.Err(); err != nil {
		log.Warn("pipeline: stage interrupted",
			zap.Int("succeeded", st.Succeeded),
			zap.Int("failed", st.Failed),
			zap.Int("interrupted", st.Interrupted),
		)
		return st, eris.Wrapf(err, "pipeline: stage %s interrupted", stage)
	}

	if err := appendItems(ref, carried); err != nil {
		return st, &FatalError{Stage: stage, Err: err}
	}
	if err := cp.MarkStageCompleted(stage); err != nil {
		return st, &FatalError{Stage: stage, Err: err}
	}

	log.Info("pipeline: stage complete",
		zap.Int("submitted", st.Submitted),
		zap.Int("succeeded", st.Succeeded),
		zap.Int("failed", st.Failed),
		zap.Int64("input_tokens", st.Usage.InputTokens),
		zap.Int64("output_tokens", st.Usage.OutputTokens),
		zap.Duration("elapsed", time.Since(start)),
	)
	return st, nil
}

// chunkOutcome is the merged result of one chunk, ready to persist.
type chunkOutcome struct {
	written  []*model.WorkItem
	done     []string
	resolved []string
	failures []ledger.Entry
}

// runChunk prepares, executes and merges one chunk, then persists it: the
// artifact first, then the ledger, then the checkpoint when cp is non-nil.
func (p *Pipeline) runChunk(
	ctx context.Context,
	cp *checkpoint.Checkpoint,
	exec *executor.Executor,
	h stages.Handler,
	ref string,
	chunk []*model.WorkItem,
	offset int,
	call executor.CallFunc,
	st *model.StageSummary,
) error {
	stage := h.Stage()

	// Prepare.
	outcomes := make([]model.Outcome, len(chunk))
	reqs := make([]model.PreparedRequest, 0, len(chunk))
	for i, item := range chunk {
		payload, err := h.Build(item)
		if err != nil {
			outcomes[i] = model.Failure{Kind: model.ErrorKindBuild, Message: err.Error()}
			continue
		}
		reqs = append(reqs, model.PreparedRequest{Position: offset + i, ItemID: item.ID, Payload: payload})
	}

	// Execute.
	results := exec.Execute(ctx, reqs, call, func(int, int, string) { p.tracker.progress() })
	interrupted := ctx.Err() != nil

	// Merge.
	now := p.now()
	var out chunkOutcome
	for i, item := range chunk {
		st.Submitted++
		o := outcomes[i]
		cancelled := false
		if o == nil {
			res := results[offset+i]
			st.Usage.Add(res.Usage)
			o, cancelled = p.mergeResult(h, item, res, interrupted)
		}
		if err := item.Apply(stage, o, now); err != nil {
			return &FatalError{Stage: stage, Err: err}
		}

		switch v := o.(type) {
		case model.Success:
			st.Succeeded++
			out.resolved = append(out.resolved, item.ID)
		case model.Failure:
			out.failures = append(out.failures, ledger.Entry{
				ItemID:   item.ID,
				Stage:    stage,
				Kind:     v.Kind,
				Message:  v.Message,
				Snapshot: item.Snapshot(),
				At:       now,
			})
			if cancelled {
				st.Interrupted++
				continue
			}
			st.Failed++
			st.ByErrorKind[v.Kind]++
		}
		out.written = append(out.written, item)
		out.done = append(out.done, item.ID)
	}

	// Persist. Interrupted chunks are persisted too, so the work that did
	// finish survives the cancellation.
	pctx := context.WithoutCancel(ctx)
	if err := appendItems(ref, out.written); err != nil {
		return &FatalError{Stage: stage, Err: err}
	}
	if err := p.ledger.RecordBatch(pctx, out.failures); err != nil {
		return &FatalError{Stage: stage, Err: err}
	}
	if err := p.ledger.ResolveBatch(pctx, stage, out.resolved); err != nil {
		return &FatalError{Stage: stage, Err: err}
	}
	if cp != nil {
		if err := cp.MarkItemsDone(stage, out.done); err != nil {
			return &FatalError{Stage: stage, Err: err}
		}
	}

	zap.L().Debug("pipeline: chunk persisted",
		zap.String("stage", string(stage)),
		zap.Int("offset", offset),
		zap.Int("items", len(chunk)),
		zap.Int("failures", len(out.failures)),
	)
	return nil
}

// mergeResult converts an execution result into an outcome. The second return
// reports a result cut short by cancellation of the run.
func (p *Pipeline) mergeResult(h stages.Handler, item *model.WorkItem, res model.ExecutionResult, interrupted bool) (model.Outcome, bool) {
	if res.Err == nil && res.Value == nil {
		res.Err = eris.Errorf("pipeline: no result for item %s", item.ID)
		res.Kind = model.ErrorKindUnknown
	}
	if res.Failed() {
		kind := res.Kind
		if kind == "" {
			kind = resilience.Classify(res.Err)
		}
		return model.Failure{Kind: kind, Message: res.Err.Error()}, interrupted && kind == model.ErrorKindTimeout
	}
	succ, err := h.Validate(item, res.Value)
	if err != nil {
		return model.Failure{Kind: resilience.Classify(err), Message: err.Error()}, false
	}
	return succ, false
}

// mergeArtifact replaces items in work with their versions from the artifact
// at path.
func mergeArtifact(path string, work []*model.WorkItem) error {
	saved, err := LoadArtifact(path)
	if err != nil {
		return err
	}
	if len(saved) == 0 {
		return nil
	}
	byID := make(map[string]model.WorkItem, len(saved))
	for _, item := range saved {
		byID[item.ID] = item
	}
	for _, item := range work {
		if s, ok := byID[item.ID]; ok {
			*item = s
		}
	}
	return nil
}
