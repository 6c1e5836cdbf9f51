// Package executor issues prepared inference requests under a concurrency
// ceiling. Two strategies are available: wave runs fixed-size groups with a
// barrier between them, rolling starts a new request as soon as any finishes.
// Per-request errors are captured in the results, never returned.
package executor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/job-scorer/internal/config"
	"github.com/sells-group/job-scorer/internal/model"
	"github.com/sells-group/job-scorer/internal/resilience"
)

// Strategy selects how requests are scheduled.
type Strategy string

const (
	StrategyWave    Strategy = "wave"
	StrategyRolling Strategy = "rolling"
)

// ParseStrategy converts a configuration value into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyWave, StrategyRolling:
		return st, nil
	case "":
		return StrategyRolling, nil
	default:
		return "", eris.Errorf("executor: unknown strategy %q", s)
	}
}

// CallFunc issues one rendered payload to the inference service.
type CallFunc func(ctx context.Context, payload string) (model.Reply, error)

// ProgressFunc is invoked once per completed request from the goroutine that
// completed it. Implementations must be goroutine-safe and must not block.
type ProgressFunc func(completed, total int, itemID string)

// Config describes one named executor.
type Config struct {
	Name             string
	Strategy         Strategy
	ConcurrencyLimit int
	RequestTimeout   time.Duration
}

// FromConfig builds an executor Config from the application config.
func FromConfig(name string, cfg *config.Config) (Config, error) {
	st, err := ParseStrategy(cfg.Executor.Strategy)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Name:             name,
		Strategy:         st,
		ConcurrencyLimit: cfg.Executor.ConcurrencyLimit,
		RequestTimeout:   time.Duration(cfg.Inference.RequestTimeoutSecs) * time.Second,
	}, nil
}

// Stats is a point-in-time view of an executor.
type Stats struct {
	Name             string   `json:"name"`
	Strategy         Strategy `json:"strategy"`
	ConcurrencyLimit int      `json:"concurrency_limit"`
	InFlight         int64    `json:"in_flight"`
	Completed        int64    `json:"completed"`
	Failed           int64    `json:"failed"`
}

// Executor runs batches of prepared requests.
type Executor struct {
	cfg     Config
	metrics *Metrics

	inFlight  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New creates an executor. A limit below one is rejected.
func New(cfg Config, metrics *Metrics) (*Executor, error) {
	if cfg.ConcurrencyLimit < 1 {
		return nil, eris.Errorf("executor: concurrency limit must be >= 1, got %d", cfg.ConcurrencyLimit)
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRolling
	}
	if _, err := ParseStrategy(string(cfg.Strategy)); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	return &Executor{cfg: cfg, metrics: metrics}, nil
}

// Name returns the executor's registry name.
func (e *Executor) Name() string { return e.cfg.Name }

// Config returns the executor configuration.
func (e *Executor) Config() Config { return e.cfg }

// Stats returns current counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Name:             e.cfg.Name,
		Strategy:         e.cfg.Strategy,
		ConcurrencyLimit: e.cfg.ConcurrencyLimit,
		InFlight:         e.inFlight.Load(),
		Completed:        e.completed.Load(),
		Failed:           e.failed.Load(),
	}
}

// Execute issues every request and returns one result per request keyed by
// Position. When ctx is cancelled, in-flight calls observe the cancellation
// and requests that never started get a TIMEOUT result wrapping ctx.Err().
func (e *Executor) Execute(ctx context.Context, reqs []model.PreparedRequest, call CallFunc, progress ProgressFunc) map[int]model.ExecutionResult {
	results := make(map[int]model.ExecutionResult, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	var (
		mu   sync.Mutex
		done atomic.Int64
	)
	total := len(reqs)
	run := func(req model.PreparedRequest) {
		res := e.callOne(ctx, req, call)
		mu.Lock()
		results[req.Position] = res
		mu.Unlock()
		n := done.Add(1)
		if progress != nil {
			progress(int(n), total, req.ItemID)
		}
	}

	start := time.Now()
	switch e.cfg.Strategy {
	case StrategyWave:
		e.runWaves(ctx, reqs, run)
	default:
		e.runRolling(ctx, reqs, run)
	}

	skipped := 0
	for _, req := range reqs {
		if _, ok := results[req.Position]; ok {
			continue
		}
		results[req.Position] = notStarted(ctx, req)
		skipped++
	}

	zap.L().Debug("executor: batch complete",
		zap.String("executor", e.cfg.Name),
		zap.String("strategy", string(e.cfg.Strategy)),
		zap.Int("requests", total),
		zap.Int("not_started", skipped),
		zap.Duration("elapsed", time.Since(start)),
	)
	return results
}

// runRolling keeps up to ConcurrencyLimit calls in flight, starting the next
// request as soon as a slot frees up.
func (e *Executor) runRolling(ctx context.Context, reqs []model.PreparedRequest, run func(model.PreparedRequest)) {
	var g errgroup.Group
	g.SetLimit(e.cfg.ConcurrencyLimit)
	for _, req := range reqs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			run(req)
			return nil
		})
	}
	_ = g.Wait()
}

// runWaves dispatches consecutive groups of ConcurrencyLimit requests and
// waits for each group to finish before starting the next.
func (e *Executor) runWaves(ctx context.Context, reqs []model.PreparedRequest, run func(model.PreparedRequest)) {
	limit := e.cfg.ConcurrencyLimit
	for lo := 0; lo < len(reqs); lo += limit {
		if ctx.Err() != nil {
			return
		}
		hi := min(lo+limit, len(reqs))
		var g errgroup.Group
		for _, req := range reqs[lo:hi] {
			g.Go(func() error {
				run(req)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// callOne performs a single call with its own timeout. Panics in call are
// converted into UNKNOWN results.
func (e *Executor) callOne(ctx context.Context, req model.PreparedRequest, call CallFunc) (res model.ExecutionResult) {
	res = model.ExecutionResult{Position: req.Position, ItemID: req.ItemID}
	if err := ctx.Err(); err != nil {
		return notStarted(ctx, req)
	}

	callCtx := ctx
	if e.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
	}

	e.inFlight.Add(1)
	e.metrics.started(e.cfg.Name)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Value = nil
			res.Err = eris.Errorf("executor: call panicked: %v", r)
			res.Kind = model.ErrorKindUnknown
		}
		e.inFlight.Add(-1)
		e.completed.Add(1)
		if res.Err != nil {
			e.failed.Add(1)
		}
		e.metrics.finished(e.cfg.Name, res.Kind, time.Since(start))
	}()

	reply, err := call(callCtx, req.Payload)
	if err == nil && reply.Value == nil {
		err = eris.New("executor: call returned no value")
	}
	res.Usage = reply.Usage
	if err != nil {
		res.Err = err
		res.Kind = resilience.Classify(err)
		return res
	}
	res.Value = reply.Value
	return res
}

func notStarted(ctx context.Context, req model.PreparedRequest) model.ExecutionResult {
	cause := ctx.Err()
	if cause == nil {
		cause = context.Canceled
	}
	return model.ExecutionResult{
		Position: req.Position,
		ItemID:   req.ItemID,
		Err:      eris.Wrapf(cause, "executor: request %s not started", req.ItemID),
		Kind:     model.ErrorKindTimeout,
	}
}
