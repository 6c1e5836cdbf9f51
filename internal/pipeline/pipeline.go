// Package pipeline drives work items through the ordered stages, persisting
// resume state after every chunk and recording per-item failures in the
// ledger.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/job-scorer/internal/checkpoint"
	"github.com/sells-group/job-scorer/internal/config"
	"github.com/sells-group/job-scorer/internal/cost"
	"github.com/sells-group/job-scorer/internal/executor"
	"github.com/sells-group/job-scorer/internal/extract"
	"github.com/sells-group/job-scorer/internal/ledger"
	"github.com/sells-group/job-scorer/internal/model"
	"github.com/sells-group/job-scorer/internal/resilience"
	"github.com/sells-group/job-scorer/internal/stages"
	"github.com/sells-group/job-scorer/pkg/inference"
)

// DefaultCheckpointInterval is the chunk size used when none is configured.
const DefaultCheckpointInterval = 64

// ResultsFile is the name of the merged output written when a run completes.
const ResultsFile = "results.jsonl"

// inferenceService names the circuit breaker guarding preflight probes.
const inferenceService = "inference"

// FatalError aborts a stage: the inference service is unreachable at stage
// start or resume state cannot be written.
type FatalError struct {
	Stage model.Stage
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("pipeline: fatal error in stage %s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Options configures a Pipeline.
type Options struct {
	WorkDir            string
	CheckpointInterval int
	ClearOnComplete    bool
	Executor           executor.Config
	Probe              resilience.RetryConfig
	SkipPreflight      bool
}

// OptionsFromConfig builds Options from the application config.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	exec, err := executor.FromConfig("", cfg)
	if err != nil {
		return Options{}, err
	}
	probe := resilience.RetryFromConfig(cfg.Resilience)
	probe.OnRetry = resilience.RetryLogger(inferenceService, "ping")
	return Options{
		WorkDir:            cfg.Pipeline.WorkDir,
		CheckpointInterval: cfg.Pipeline.CheckpointInterval,
		ClearOnComplete:    cfg.Pipeline.ClearOnComplete,
		Executor:           exec,
		Probe:              probe,
	}, nil
}

// Deps are the collaborators of a Pipeline. Client, Handlers, Checkpoints and
// Ledger are required; the rest default when nil.
type Deps struct {
	Client      inference.Client
	Handlers    *stages.Set
	Checkpoints *checkpoint.Store
	Ledger      ledger.Ledger
	Executors   *executor.Registry
	Breakers    *resilience.BreakerRegistry
	Cost        *cost.Calculator
	Extractor   *extract.Chain
}

// RunOptions selects what a single Run does.
type RunOptions struct {
	// Stages to run, in canonical order. Empty means every stage.
	Stages []model.Stage
	// Resume continues an existing checkpoint for the same input. When false
	// any existing checkpoint and artifacts for the run are discarded.
	Resume bool
	// Strategy and ConcurrencyLimit override the configured executor.
	Strategy         executor.Strategy
	ConcurrencyLimit int
	// Source is recorded in the checkpoint parameters.
	Source string
}

// Pipeline runs stages over work items. One run executes at a time; Status
// may be called concurrently.
type Pipeline struct {
	opts      Options
	client    inference.Client
	handlers  *stages.Set
	store     *checkpoint.Store
	ledger    ledger.Ledger
	executors *executor.Registry
	breakers  *resilience.BreakerRegistry
	costs     *cost.Calculator
	extractor *extract.Chain

	runMu   sync.Mutex
	tracker *tracker
	now     func() time.Time
}

// New creates a Pipeline.
func New(opts Options, d Deps) (*Pipeline, error) {
	switch {
	case d.Client == nil:
		return nil, eris.New("pipeline: inference client is required")
	case d.Handlers == nil:
		return nil, eris.New("pipeline: stage handlers are required")
	case d.Checkpoints == nil:
		return nil, eris.New("pipeline: checkpoint store is required")
	case d.Ledger == nil:
		return nil, eris.New("pipeline: failure ledger is required")
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = DefaultCheckpointInterval
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "work"
	}
	if opts.Executor.ConcurrencyLimit < 1 {
		opts.Executor.ConcurrencyLimit = 1
	}
	if d.Executors == nil {
		d.Executors = executor.NewRegistry(nil)
	}
	if d.Breakers == nil {
		d.Breakers = resilience.NewBreakerRegistry(resilience.DefaultCircuitBreakerConfig())
	}
	if d.Cost == nil {
		d.Cost = cost.NewCalculator(cost.DefaultRates())
	}
	if d.Extractor == nil {
		d.Extractor = extract.Default()
	}
	return &Pipeline{
		opts:      opts,
		client:    d.Client,
		handlers:  d.Handlers,
		store:     d.Checkpoints,
		ledger:    d.Ledger,
		executors: d.Executors,
		breakers:  d.Breakers,
		costs:     d.Cost,
		extractor: d.Extractor,
		tracker:   newTracker(),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Status returns a snapshot of the current or last run.
func (p *Pipeline) Status() Status {
	return p.tracker.snapshot()
}

// RunDir returns the artifact directory of runKey.
func (p *Pipeline) RunDir(runKey string) string {
	return filepath.Join(p.opts.WorkDir, runKey)
}

// Run processes items through the selected stages. Per-item failures are
// reported in the summary, not returned. An error is returned when the run
// is cancelled or a stage hits a FatalError; the summary then describes the
// work done so far and the checkpoint is left in place for a resumed run.
func (p *Pipeline) Run(ctx context.Context, items []model.WorkItem, opts RunOptions) (*model.RunSummary, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	stageList, err := normalizeStages(opts.Stages)
	if err != nil {
		return nil, err
	}
	work, ids, err := prepareItems(items)
	if err != nil {
		return nil, err
	}
	execCfg, err := p.executorConfig(opts)
	if err != nil {
		return nil, err
	}

	runKey := checkpoint.RunKey(ids, stageList)
	log := zap.L().With(zap.String("run_key", runKey))

	cp, resumed, err := p.openCheckpoint(runKey, opts, checkpoint.Params{
		Stages:           stageList,
		Strategy:         string(execCfg.Strategy),
		ConcurrencyLimit: execCfg.ConcurrencyLimit,
		ItemCount:        len(work),
		Source:           opts.Source,
	})
	if err != nil {
		return nil, err
	}

	started := p.now()
	p.tracker.begin(runKey, cp, started)
	summary := &model.RunSummary{
		RunKey:      runKey,
		StartedAt:   started,
		ByErrorKind: make(map[model.ErrorKind]int),
	}
	log.Info("pipeline: run starting",
		zap.Int("items", len(work)),
		zap.Strings("stages", stageNames(stageList)),
		zap.Bool("resumed", resumed),
		zap.String("strategy", string(execCfg.Strategy)),
		zap.Int("concurrency", execCfg.ConcurrencyLimit),
	)

	fail := func(err error) (*model.RunSummary, error) {
		p.tracker.fail(err)
		p.finishSummary(summary, started)
		log.Error("pipeline: run failed", zap.Error(err))
		return summary, err
	}

	for i, stage := range stageList {
		if err := p.tracker.transition(StateStageRunning, stage, i); err != nil {
			return fail(err)
		}
		st, err := p.runStage(ctx, cp, stage, work, execCfg)
		if st != nil {
			summary.AddStage(*st)
		}
		if err != nil {
			return fail(err)
		}
		if err := p.tracker.transition(StateStageDone, stage, i); err != nil {
			return fail(err)
		}
	}

	resultsPath := filepath.Join(p.RunDir(runKey), ResultsFile)
	if err := writeItems(resultsPath, work); err != nil {
		return fail(&FatalError{Stage: stageList[len(stageList)-1], Err: err})
	}
	summary.ResultsRef = resultsPath
	if p.opts.ClearOnComplete {
		if err := cp.Clear(); err != nil {
			log.Warn("pipeline: clear checkpoint failed", zap.Error(err))
		}
	}
	if err := p.tracker.transition(StateRunComplete, "", 0); err != nil {
		return fail(err)
	}
	p.finishSummary(summary, started)
	log.Info("pipeline: run complete",
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("already_done", summary.AlreadyDone),
		zap.Float64("estimated_cost_usd", summary.EstimatedCostUSD),
		zap.String("results", resultsPath),
	)
	return summary, nil
}

func (p *Pipeline) finishSummary(s *model.RunSummary, started time.Time) {
	s.State = string(p.tracker.current())
	s.Duration = p.now().Sub(started)
	s.EstimatedCostUSD = p.costs.Estimate(p.client.Model(), s.Usage)
}

// openCheckpoint resumes or creates the checkpoint of runKey. A fresh
// checkpoint always starts with an empty artifact directory.
func (p *Pipeline) openCheckpoint(runKey string, opts RunOptions, params checkpoint.Params) (*checkpoint.Checkpoint, bool, error) {
	if opts.Resume {
		cp, err := p.store.Open(runKey)
		if err == nil {
			return cp, true, nil
		}
		if !eris.Is(err, checkpoint.ErrNotFound) {
			return nil, false, &FatalError{Stage: params.Stages[0], Err: err}
		}
	} else if err := p.store.Clear(runKey); err != nil {
		return nil, false, &FatalError{Stage: params.Stages[0], Err: err}
	}

	if err := os.RemoveAll(p.RunDir(runKey)); err != nil {
		return nil, false, &FatalError{Stage: params.Stages[0], Err: eris.Wrap(err, "pipeline: reset run dir")}
	}
	cp, err := p.store.Create(runKey, params)
	if err != nil {
		return nil, false, &FatalError{Stage: params.Stages[0], Err: err}
	}
	return cp, false, nil
}

func (p *Pipeline) executorConfig(opts RunOptions) (executor.Config, error) {
	cfg := p.opts.Executor
	if opts.Strategy != "" {
		st, err := executor.ParseStrategy(string(opts.Strategy))
		if err != nil {
			return executor.Config{}, err
		}
		cfg.Strategy = st
	}
	if cfg.Strategy == "" {
		cfg.Strategy = executor.StrategyRolling
	}
	if opts.ConcurrencyLimit != 0 {
		if opts.ConcurrencyLimit < 1 {
			return executor.Config{}, eris.Errorf("pipeline: concurrency limit must be >= 1, got %d", opts.ConcurrencyLimit)
		}
		cfg.ConcurrencyLimit = opts.ConcurrencyLimit
	}
	return cfg, nil
}

// executorFor returns the registry executor of stage, replacing it when the
// configuration changed since it was created.
func (p *Pipeline) executorFor(stage model.Stage, cfg executor.Config) (*executor.Executor, error) {
	cfg.Name = string(stage)
	if e, ok := p.executors.Get(cfg.Name); ok {
		if e.Config() == cfg {
			return e, nil
		}
		p.executors.Reset(cfg.Name)
	}
	return p.executors.GetOrCreate(cfg)
}

// RunKeyFor returns the run key Run would use for items and stages, so that
// tools can locate the checkpoint and artifacts of a run without starting it.
func RunKeyFor(items []model.WorkItem, stageList []model.Stage) (string, error) {
	norm, err := normalizeStages(stageList)
	if err != nil {
		return "", err
	}
	_, ids, err := prepareItems(items)
	if err != nil {
		return "", err
	}
	return checkpoint.RunKey(ids, norm), nil
}

// normalizeStages deduplicates stages and sorts them into canonical order.
func normalizeStages(in []model.Stage) ([]model.Stage, error) {
	if len(in) == 0 {
		return append([]model.Stage(nil), model.StageOrder...), nil
	}
	want := make(map[model.Stage]bool, len(in))
	for _, s := range in {
		if s.Index() < 0 {
			return nil, eris.Errorf("pipeline: unknown stage %q", s)
		}
		want[s] = true
	}
	var out []model.Stage
	for _, s := range model.StageOrder {
		if want[s] {
			out = append(out, s)
		}
	}
	return out, nil
}

// prepareItems deep-copies the input so callers keep their items untouched.
// Duplicate IDs keep the first occurrence.
func prepareItems(items []model.WorkItem) ([]*model.WorkItem, []string, error) {
	work := make([]*model.WorkItem, 0, len(items))
	ids := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			return nil, nil, eris.Errorf("pipeline: item at index %d has no item_id", i)
		}
		if seen[id] {
			zap.L().Warn("pipeline: dropping duplicate item", zap.String("item_id", id), zap.Int("index", i))
			continue
		}
		seen[id] = true
		c := item.Clone()
		c.ID = id
		work = append(work, &c)
		ids = append(ids, id)
	}
	return work, ids, nil
}

func stageNames(list []model.Stage) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}
