package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/job-scorer/internal/executor"
	"github.com/sells-group/job-scorer/internal/model"
	"github.com/sells-group/job-scorer/internal/pipeline"
	"github.com/sells-group/job-scorer/internal/resilience"
)

type fakePipeline struct{ st pipeline.Status }

func (f fakePipeline) Status() pipeline.Status { return f.st }

type fakeFailures struct {
	recs   []model.FailureRecord
	err    error
	filter model.FailureFilter
}

func (f *fakeFailures) List(_ context.Context, filter model.FailureFilter) ([]model.FailureRecord, error) {
	f.filter = filter
	return f.recs, f.err
}

func (f *fakeFailures) Stats(context.Context) (*model.FailureStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.FailureStats{
		Total:   len(f.recs),
		ByStage: map[model.Stage]int{model.StageScoring: len(f.recs)},
	}, nil
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := New(Config{}, Deps{})
	rec := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	execs := executor.NewRegistry(nil)
	_, err := execs.GetOrCreate(executor.Config{Name: "scoring", Strategy: executor.StrategyWave, ConcurrencyLimit: 2})
	require.NoError(t, err)
	breakers := resilience.NewBreakerRegistry(resilience.DefaultCircuitBreakerConfig())
	breakers.Get("inference")

	s := New(Config{}, Deps{
		Pipeline: fakePipeline{st: pipeline.Status{
			RunKey:    "abc",
			State:     pipeline.StateStageRunning,
			Stage:     model.StageScoring,
			Completed: 3,
			Total:     10,
		}},
		Executors: execs,
		Breakers:  breakers,
	})

	rec := get(t, s.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Pipeline)
	assert.Equal(t, "abc", resp.Pipeline.RunKey)
	assert.Equal(t, pipeline.StateStageRunning, resp.Pipeline.State)
	assert.Equal(t, int64(3), resp.Pipeline.Completed)
	require.Len(t, resp.Executors, 1)
	assert.Equal(t, "scoring", resp.Executors[0].Name)
	assert.Equal(t, 2, resp.Executors[0].ConcurrencyLimit)
	assert.Equal(t, "closed", resp.Breakers["inference"])
}

func TestStatus_NoSources(t *testing.T) {
	rec := get(t, New(Config{}, Deps{}).Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pipeline")
}

func TestFailureStats(t *testing.T) {
	f := &fakeFailures{recs: []model.FailureRecord{{ItemID: "a", Stage: model.StageScoring}}}
	rec := get(t, New(Config{}, Deps{Failures: f}).Handler(), "/failures/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats model.FailureStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Total)
}

func TestFailureStats_Errors(t *testing.T) {
	rec := get(t, New(Config{}, Deps{}).Handler(), "/failures/stats")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f := &fakeFailures{err: eris.New("db down")}
	rec = get(t, New(Config{}, Deps{Failures: f}).Handler(), "/failures/stats")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestFailures_Filter(t *testing.T) {
	f := &fakeFailures{}
	s := New(Config{}, Deps{Failures: f})

	rec := get(t, s.Handler(), "/failures/?stage=analysis&error_kind=timeout&min_failures=2&limit=5&item_id=a&item_id=b")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Equal(t, model.FailureFilter{
		Stage:       model.StageAnalysis,
		ErrorKind:   model.ErrorKindTimeout,
		MinFailures: 2,
		Limit:       5,
		ItemIDs:     []string{"a", "b"},
	}, f.filter)
}

func TestFailures_BadFilter(t *testing.T) {
	s := New(Config{}, Deps{Failures: &fakeFailures{}})
	for _, q := range []string{"stage=nope", "error_kind=nope", "min_failures=x", "limit=-1"} {
		t.Run(q, func(t *testing.T) {
			rec := get(t, s.Handler(), "/failures/?"+q)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := executor.NewMetrics(reg)
	execs := executor.NewRegistry(metrics)
	e, err := execs.GetOrCreate(executor.Config{Name: "scoring", ConcurrencyLimit: 1})
	require.NoError(t, err)
	e.Execute(context.Background(), []model.PreparedRequest{{Position: 0, ItemID: "a", Payload: "p"}},
		func(context.Context, string) (model.Reply, error) {
			return model.Reply{Value: map[string]any{"ok": true}}, nil
		}, nil)

	rec := get(t, New(Config{}, Deps{Gatherer: reg}).Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "jobscorer_executor_completions_total"))

	rec = get(t, New(Config{}, Deps{}).Handler(), "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORS(t *testing.T) {
	s := New(Config{AllowedOrigins: []string{"https://dash.example.com"}}, Deps{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestListenAndServe_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(Config{Addr: "127.0.0.1:0"}, Deps{})
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}
