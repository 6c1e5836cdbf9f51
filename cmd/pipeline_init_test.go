package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/job-scorer/internal/config"
	"github.com/sells-group/job-scorer/internal/scorer"
	"github.com/sells-group/job-scorer/pkg/inference"
)

// inferenceServer is a fake generic inference endpoint. Prompts containing
// "Flaky" answer 503 until healthy is set.
type inferenceServer struct {
	*httptest.Server
	healthy atomic.Bool
	calls   atomic.Int64
}

func newInferenceServer(t *testing.T) *inferenceServer {
	t.Helper()
	s := &inferenceServer{}
	s.healthy.Store(true)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		var req inference.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if !s.healthy.Load() && strings.Contains(req.Prompt, "Flaky") {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": "```json\n{\"score\": 80, \"reasoning\": \"Strong overlap.\"}\n```",
			"usage":   map[string]int{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	t.Cleanup(s.Close)
	return s
}

// useTestConfig points the global cfg at temp storage and endpoint.
func useTestConfig(t *testing.T, endpoint string) {
	t.Helper()
	dir := t.TempDir()
	cfg = &config.Config{
		Inference: config.InferenceConfig{
			Provider:           "http",
			Endpoint:           endpoint,
			Model:              "local",
			Temperature:        0.2,
			MaxTokens:          256,
			RequestTimeoutSecs: 5,
			Burst:              1,
		},
		Executor: config.ExecutorConfig{Strategy: "rolling", ConcurrencyLimit: 2},
		Pipeline: config.PipelineConfig{
			WorkDir:              filepath.Join(dir, "work"),
			Stages:               []string{"scoring"},
			CheckpointInterval:   2,
			AnalysisMinScore:     60,
			OptimizationMinScore: 70,
		},
		Checkpoint: config.CheckpointConfig{Dir: filepath.Join(dir, "checkpoints")},
		Ledger:     config.LedgerConfig{Driver: "sqlite", DatabaseURL: filepath.Join(dir, "failures.db")},
		Resilience: config.ResilienceConfig{ProbeAttempts: 1, BreakerThreshold: 50, BreakerResetSecs: 1},
		Scoring:    scorer.DefaultScoringConfig(),
		Log:        config.LogConfig{Level: "error", Format: "json"},
	}
}

func TestPipelineEnv_Close_Nil(t *testing.T) {
	pe := &pipelineEnv{}
	assert.NotPanics(t, func() {
		pe.Close()
	})
}

func TestInitLedger_SQLite(t *testing.T) {
	useTestConfig(t, "http://localhost")

	l, err := initLedger(context.Background())
	require.NoError(t, err)
	defer l.Close() //nolint:errcheck

	stats, err := l.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
	assert.FileExists(t, cfg.Ledger.DatabaseURL)
}

func TestInitLedger_Errors(t *testing.T) {
	useTestConfig(t, "http://localhost")

	cfg.Ledger = config.LedgerConfig{Driver: "mysql"}
	_, err := initLedger(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported ledger driver")

	cfg.Ledger = config.LedgerConfig{Driver: "postgres"}
	_, err = initLedger(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database url is required")
}

func TestInitInference(t *testing.T) {
	useTestConfig(t, "http://localhost:9999/generate")

	c, err := initInference()
	require.NoError(t, err)
	assert.Equal(t, "local", c.Model())

	cfg.Inference.Provider = "anthropic"
	cfg.Anthropic = config.AnthropicConfig{Model: "claude-haiku-4-5-20251001"}
	_, err = initInference()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic key is required")

	cfg.Anthropic.Key = "sk-test"
	c, err = initInference()
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5-20251001", c.Model())

	cfg.Inference.Provider = "grpc"
	_, err = initInference()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported inference provider")
}

func TestInitPipeline(t *testing.T) {
	srv := newInferenceServer(t)
	useTestConfig(t, srv.URL)

	env, err := initPipeline(context.Background())
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Pipeline)
	assert.NotNil(t, env.Ledger)
	assert.NotNil(t, env.Metrics)
	assert.DirExists(t, cfg.Checkpoint.Dir)
}

func TestInitPipeline_BadStrategy(t *testing.T) {
	useTestConfig(t, "http://localhost")
	cfg.Executor.Strategy = "burst"

	env, err := initPipeline(context.Background())
	assert.Nil(t, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}

func TestInitPipeline_BadScoring(t *testing.T) {
	useTestConfig(t, "http://localhost")
	cfg.Scoring.TitleMax = 90

	env, err := initPipeline(context.Background())
	assert.Nil(t, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sub-score maxima")
	assert.NoDirExists(t, cfg.Checkpoint.Dir)
}
