package stages

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/job-scorer/internal/config"
	"github.com/sells-group/job-scorer/internal/model"
	"github.com/sells-group/job-scorer/internal/scorer"
	"github.com/sells-group/job-scorer/pkg/inference"
)

func testRules() *scorer.Rules {
	cfg := scorer.DefaultScoringConfig()
	cfg.TitleKeywords = []string{"backend engineer", "golang"}
	cfg.Skills = []string{"go", "postgres"}
	cfg.Cities = []string{"Austin"}
	cfg.DisqualifierKeywords = []string{"security clearance"}
	return scorer.NewRules(cfg)
}

func testOptions() Options {
	return Options{
		Temperature:          0.2,
		MaxTokens:            512,
		ResumeSummary:        "Eight years of Go and Postgres.",
		AnalysisMinScore:     60,
		OptimizationMinScore: 70,
	}
}

func posting(id string) *model.WorkItem {
	return &model.WorkItem{
		ID: id,
		Fields: map[string]any{
			"title":       "Senior Backend Engineer",
			"company":     "Acme",
			"description": "Build services in Go on Postgres.",
			"location":    "Austin, TX",
			"skills":      []any{"go", "postgres"},
		},
	}
}

func withScore(item *model.WorkItem, combined float64) *model.WorkItem {
	_ = item.Apply(model.StageScoring, model.Success{
		Score: &model.ScoreBreakdown{CombinedScore: combined, ModelReasoning: "strong Go match"},
	}, time.Now())
	return item
}

func decode(t *testing.T, payload string) inference.Request {
	t.Helper()
	req, err := inference.DecodeRequest(payload)
	require.NoError(t, err)
	return req
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		Inference: config.InferenceConfig{Temperature: 0.4, MaxTokens: 900},
		Scoring:   config.ScoringConfig{ResumeSummary: "me"},
		Pipeline:  config.PipelineConfig{AnalysisMinScore: 55, OptimizationMinScore: 75},
	}
	assert.Equal(t, Options{Temperature: 0.4, MaxTokens: 900, ResumeSummary: "me", AnalysisMinScore: 55, OptimizationMinScore: 75}, OptionsFromConfig(cfg))
}

func TestSet_For(t *testing.T) {
	set := NewSet(testOptions(), testRules())
	for _, st := range model.StageOrder {
		h, err := set.For(st)
		require.NoError(t, err)
		assert.Equal(t, st, h.Stage())
	}
	_, err := set.For("publishing")
	assert.Error(t, err)

	custom := NewSetWith(NewAnalysis(testOptions()))
	_, err = custom.For(model.StageScoring)
	assert.Error(t, err)
}

func TestScoring_Build(t *testing.T) {
	h := NewScoring(testOptions(), testRules())
	payload, err := h.Build(posting("p1"))
	require.NoError(t, err)

	req := decode(t, payload)
	assert.Equal(t, scoringSystemText, req.System)
	assert.Equal(t, 512, req.MaxTokens)
	assert.InDelta(t, 0.2, req.Temperature, 1e-9)
	assert.Contains(t, req.Prompt, "Title: Senior Backend Engineer")
	assert.Contains(t, req.Prompt, "Listed Skills: go, postgres")
	assert.Contains(t, req.Prompt, "Eight years of Go")
	assert.JSONEq(t, string(scoringSchema), string(req.ResponseSchema))
}

func TestScoring_Build_Deterministic(t *testing.T) {
	h := NewScoring(testOptions(), testRules())
	a, err := h.Build(posting("p1"))
	require.NoError(t, err)
	b, err := h.Build(posting("p1"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestScoring_Build_MissingFields(t *testing.T) {
	h := NewScoring(testOptions(), testRules())
	item := &model.WorkItem{ID: "p2", Fields: map[string]any{"title": "Engineer"}}

	_, err := h.Build(item)
	var be *model.BuildError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "p2", be.ItemID)
	assert.Equal(t, model.StageScoring, be.Stage)
	assert.Equal(t, []string{"description"}, be.Missing)

	_, err = h.Build(&model.WorkItem{Fields: map[string]any{}})
	require.True(t, errors.As(err, &be))
	assert.Equal(t, []string{"item_id", "title", "description"}, be.Missing)
}

func TestScoring_Validate(t *testing.T) {
	h := NewScoring(testOptions(), testRules())
	item := posting("p1")

	succ, err := h.Validate(item, map[string]any{"score": 80.0, "reasoning": "solid"})
	require.NoError(t, err)
	require.NotNil(t, succ.Score)
	assert.Equal(t, 80.0, succ.Score.ModelScore)
	assert.Equal(t, "solid", succ.Score.ModelReasoning)
	assert.Equal(t, 80.0, succ.Fields["model_score"])
	want := scorer.Score(testRules(), *item, 80, "solid")
	assert.Equal(t, want.CombinedScore, succ.Score.CombinedScore)
	assert.Greater(t, succ.Score.DeterministicScore, 0.0)
}

func TestScoring_Validate_DealBreakerCaps(t *testing.T) {
	h := NewScoring(testOptions(), testRules())
	item := posting("p1")
	item.Fields["description"] = "Go and Postgres. Active security clearance required."

	succ, err := h.Validate(item, map[string]any{"score": 100, "reasoning": "great"})
	require.NoError(t, err)
	assert.LessOrEqual(t, succ.Score.CombinedScore, 49.0)
	assert.True(t, succ.Score.Capped)
	assert.Contains(t, succ.Score.DealBreakers, "disqualifier: security clearance")
}

func TestScoring_Validate_Errors(t *testing.T) {
	h := NewScoring(testOptions(), testRules())
	tests := []struct {
		name  string
		value map[string]any
		field string
	}{
		{"missing score", map[string]any{"reasoning": "x"}, "score"},
		{"score too high", map[string]any{"score": 140.0}, "score"},
		{"negative score", map[string]any{"score": -1.0}, "score"},
		{"score not numeric", map[string]any{"score": "high"}, "score"},
		{"score wrong type", map[string]any{"score": true}, "score"},
		{"reasoning wrong type", map[string]any{"score": 50.0, "reasoning": 7.0}, "reasoning"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Validate(posting("p"), tt.value)
			var ve *model.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	succ, err := h.Validate(posting("p"), map[string]any{"score": "64"})
	require.NoError(t, err)
	assert.Equal(t, 64.0, succ.Score.ModelScore)
}

func TestAnalysis_Eligible(t *testing.T) {
	h := NewAnalysis(testOptions())
	assert.False(t, h.Eligible(posting("none")))
	assert.False(t, h.Eligible(withScore(posting("low"), 59.9)))
	assert.True(t, h.Eligible(withScore(posting("ok"), 60)))

	failed := posting("failed")
	_ = failed.Apply(model.StageScoring, model.Failure{Kind: model.ErrorKindTimeout}, time.Now())
	assert.False(t, h.Eligible(failed))
}

func TestAnalysis_BuildAndValidate(t *testing.T) {
	h := NewAnalysis(testOptions())
	item := withScore(posting("p1"), 82)

	payload, err := h.Build(item)
	require.NoError(t, err)
	req := decode(t, payload)
	assert.Contains(t, req.Prompt, "Fit score so far: 82/100")
	assert.Contains(t, req.Prompt, "strong Go match")

	_, err = h.Build(posting("unscored"))
	var be *model.BuildError
	require.True(t, errors.As(err, &be))

	succ, err := h.Validate(item, map[string]any{
		"fit_summary":    "Good match",
		"strengths":      []any{"Go", " "},
		"gaps":           []any{},
		"recommendation": "Apply",
	})
	require.NoError(t, err)
	assert.Equal(t, "apply", succ.Fields["recommendation"])
	assert.Equal(t, []string{"Go"}, succ.Fields["strengths"])
	assert.Equal(t, []string{}, succ.Fields["gaps"])
	assert.Nil(t, succ.Score)

	_, err = h.Validate(item, map[string]any{
		"fit_summary": "x", "strengths": []any{}, "gaps": []any{}, "recommendation": "maybe",
	})
	var ve *model.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "recommendation", ve.Field)

	_, err = h.Validate(item, map[string]any{"fit_summary": "x", "strengths": "Go", "gaps": []any{}, "recommendation": "skip"})
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "strengths", ve.Field)
}

func TestOptimization_Eligible(t *testing.T) {
	h := NewOptimization(testOptions())
	item := withScore(posting("p1"), 75)
	assert.False(t, h.Eligible(item))

	_ = item.Apply(model.StageAnalysis, model.Success{Fields: map[string]any{"recommendation": "apply"}}, time.Now())
	assert.True(t, h.Eligible(item))

	_ = item.Apply(model.StageAnalysis, model.Success{Fields: map[string]any{"recommendation": "skip"}}, time.Now())
	assert.False(t, h.Eligible(item))

	low := withScore(posting("p2"), 65)
	_ = low.Apply(model.StageAnalysis, model.Success{Fields: map[string]any{"recommendation": "apply"}}, time.Now())
	assert.False(t, h.Eligible(low))
}

func TestOptimization_BuildAndValidate(t *testing.T) {
	h := NewOptimization(testOptions())
	item := withScore(posting("p1"), 90)
	_, err := h.Build(item)
	var be *model.BuildError
	require.True(t, errors.As(err, &be))

	_ = item.Apply(model.StageAnalysis, model.Success{Fields: map[string]any{
		"fit_summary": "Great fit",
		"gaps":        []any{"Kubernetes"},
	}}, time.Now())
	payload, err := h.Build(item)
	require.NoError(t, err)
	req := decode(t, payload)
	assert.Contains(t, req.Prompt, "Fit summary: Great fit")
	assert.Contains(t, req.Prompt, "Gaps to address: Kubernetes")

	succ, err := h.Validate(item, map[string]any{
		"keywords_to_add":    []any{"kubernetes"},
		"bullet_suggestions": []any{"Led migration to Go"},
		"summary_rewrite":    "Backend engineer focused on Go.",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"kubernetes"}, succ.Fields["keywords_to_add"])

	_, err = h.Validate(item, map[string]any{"keywords_to_add": []any{}, "bullet_suggestions": []any{}})
	var ve *model.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "summary_rewrite", ve.Field)
}
