package main

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/job-scorer/internal/checkpoint"
	"github.com/sells-group/job-scorer/internal/cost"
	"github.com/sells-group/job-scorer/internal/executor"
	"github.com/sells-group/job-scorer/internal/ledger"
	"github.com/sells-group/job-scorer/internal/pipeline"
	"github.com/sells-group/job-scorer/internal/resilience"
	"github.com/sells-group/job-scorer/internal/scorer"
	"github.com/sells-group/job-scorer/internal/stages"
	"github.com/sells-group/job-scorer/internal/status"
	anthropicpkg "github.com/sells-group/job-scorer/pkg/anthropic"
	"github.com/sells-group/job-scorer/pkg/inference"
)

// pipelineEnv holds the initialized ledger, registries and pipeline needed by
// the run and retry commands.
type pipelineEnv struct {
	Ledger      ledger.Ledger
	Checkpoints *checkpoint.Store
	Executors   *executor.Registry
	Breakers    *resilience.BreakerRegistry
	Metrics     *prometheus.Registry
	Pipeline    *pipeline.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Ledger != nil {
		_ = pe.Ledger.Close()
	}
}

// initLedger opens and migrates the configured failure ledger.
func initLedger(ctx context.Context) (ledger.Ledger, error) {
	var (
		l   ledger.Ledger
		err error
	)
	switch cfg.Ledger.Driver {
	case "sqlite", "":
		dsn := cfg.Ledger.DatabaseURL
		if dsn == "" {
			dsn = "failures.db"
		}
		l, err = ledger.NewSQLite(dsn)
	case "postgres":
		if cfg.Ledger.DatabaseURL == "" {
			return nil, eris.New("ledger database url is required for postgres (JOBSCORER_LEDGER_DATABASE_URL)")
		}
		l, err = ledger.NewPostgres(ctx, cfg.Ledger.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported ledger driver: %s", cfg.Ledger.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := l.Migrate(ctx); err != nil {
		_ = l.Close()
		return nil, eris.Wrap(err, "migrate ledger")
	}
	return l, nil
}

// initInference builds the inference client for the configured provider.
func initInference() (inference.Client, error) {
	switch cfg.Inference.Provider {
	case "anthropic":
		key := cfg.Anthropic.Key
		if key == "" {
			key = cfg.Inference.Key
		}
		if key == "" {
			return nil, eris.New("anthropic key is required (JOBSCORER_ANTHROPIC_KEY)")
		}
		// Retries belong to the pipeline: the preflight probe and the ledger.
		client := anthropicpkg.NewClient(key,
			option.WithMaxRetries(0),
			option.WithRequestTimeout(time.Duration(cfg.Inference.RequestTimeoutSecs)*time.Second),
		)
		return inference.NewAnthropic(client, cfg.Anthropic.Model), nil
	case "http", "":
		opts := []inference.HTTPOption{
			inference.WithModel(cfg.Inference.Model),
			inference.WithRateLimit(cfg.Inference.RequestsPerSecond, cfg.Inference.Burst),
		}
		if cfg.Inference.Key != "" {
			opts = append(opts, inference.WithAPIKey(cfg.Inference.Key))
		}
		return inference.NewHTTP(cfg.Inference.Endpoint, opts...), nil
	default:
		return nil, eris.Errorf("unsupported inference provider: %s", cfg.Inference.Provider)
	}
}

// initPipeline opens the ledger and checkpoint store, builds the stage
// handlers and wires them into a Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if err := scorer.ValidateConfig(cfg.Scoring); err != nil {
		return nil, err
	}

	client, err := initInference()
	if err != nil {
		return nil, err
	}

	store, err := checkpoint.NewStore(cfg.Checkpoint.Dir)
	if err != nil {
		return nil, err
	}

	l, err := initLedger(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Ledger: l, Checkpoints: store}

	env.Metrics = prometheus.NewRegistry()
	env.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	env.Executors = executor.NewRegistry(executor.NewMetrics(env.Metrics))
	env.Breakers = resilience.NewBreakerRegistry(resilience.BreakerFromConfig(cfg.Resilience))

	opts, err := pipeline.OptionsFromConfig(cfg)
	if err != nil {
		env.Close()
		return nil, err
	}

	handlers := stages.NewSet(stages.OptionsFromConfig(cfg), scorer.NewRules(cfg.Scoring))
	p, err := pipeline.New(opts, pipeline.Deps{
		Client:      client,
		Handlers:    handlers,
		Checkpoints: store,
		Ledger:      l,
		Executors:   env.Executors,
		Breakers:    env.Breakers,
		Cost:        cost.FromConfig(cfg.Pricing),
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Pipeline = p

	zap.L().Debug("pipeline initialized",
		zap.String("provider", cfg.Inference.Provider),
		zap.String("model", client.Model()),
		zap.String("ledger", cfg.Ledger.Driver),
		zap.String("checkpoint_dir", store.Dir()),
	)
	return env, nil
}

// serveStatus runs the status server until ctx is cancelled. A bind failure
// is logged and does not stop the pipeline.
func serveStatus(ctx context.Context, addr string, env *pipelineEnv) {
	srv := status.New(status.Config{Addr: addr}, status.Deps{
		Pipeline:  env.Pipeline,
		Executors: env.Executors,
		Breakers:  env.Breakers,
		Failures:  env.Ledger,
		Gatherer:  env.Metrics,
	})
	if err := srv.ListenAndServe(ctx); err != nil {
		zap.L().Error("status server stopped", zap.Error(err))
	}
}
