package stages

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sells-group/job-scorer/internal/model"
)

const analysisSystemText = "You are a career advisor writing a fit analysis for a job posting. Return only a JSON object."

var analysisSchema = json.RawMessage(`{"type":"object","required":["fit_summary","strengths","gaps","recommendation"],"properties":{"fit_summary":{"type":"string"},"strengths":{"type":"array","items":{"type":"string"}},"gaps":{"type":"array","items":{"type":"string"}},"recommendation":{"type":"string","enum":["apply","consider","skip"]}}}`)

// Recommendations accepted from the analysis stage.
var Recommendations = []string{"apply", "consider", "skip"}

// Analysis asks for strengths, gaps and a recommendation for postings that
// scored at least AnalysisMinScore.
type Analysis struct {
	opts Options
}

// NewAnalysis creates the analysis handler.
func NewAnalysis(opts Options) *Analysis {
	return &Analysis{opts: opts}
}

func (a *Analysis) Stage() model.Stage { return model.StageAnalysis }

func (a *Analysis) Eligible(item *model.WorkItem) bool {
	score, ok := item.CombinedScore()
	return ok && score >= a.opts.AnalysisMinScore
}

func (a *Analysis) Build(item *model.WorkItem) (string, error) {
	if err := requireFields(item, model.StageAnalysis, "title", "description"); err != nil {
		return "", err
	}
	score, ok := item.CombinedScore()
	if !ok {
		return "", &model.BuildError{ItemID: item.ID, Stage: model.StageAnalysis, Missing: []string{"scoring result"}}
	}

	var b strings.Builder
	if a.opts.ResumeSummary != "" {
		b.WriteString("--- Candidate ---\n")
		b.WriteString(a.opts.ResumeSummary)
		b.WriteString("\n\n")
	}
	writePosting(&b, item)
	fmt.Fprintf(&b, "\nFit score so far: %.0f/100\n", score)
	if rec := item.Stages[model.StageScoring]; rec != nil && rec.Score != nil && rec.Score.ModelReasoning != "" {
		fmt.Fprintf(&b, "Scoring notes: %s\n", rec.Score.ModelReasoning)
	}
	b.WriteString("\nRespond with JSON: {\"fit_summary\": \"...\", \"strengths\": [\"...\"], \"gaps\": [\"...\"], \"recommendation\": \"apply|consider|skip\"}")

	return render(a.opts, analysisSystemText, b.String(), analysisSchema)
}

func (a *Analysis) Validate(_ *model.WorkItem, value map[string]any) (model.Success, error) {
	summary, err := stringField(value, "fit_summary", true)
	if err != nil {
		return model.Success{}, err
	}
	strengths, err := listField(value, "strengths")
	if err != nil {
		return model.Success{}, err
	}
	gaps, err := listField(value, "gaps")
	if err != nil {
		return model.Success{}, err
	}
	rec, err := stringField(value, "recommendation", true)
	if err != nil {
		return model.Success{}, err
	}
	rec = strings.ToLower(rec)
	valid := false
	for _, r := range Recommendations {
		if rec == r {
			valid = true
			break
		}
	}
	if !valid {
		return model.Success{}, &model.ValidationError{Field: "recommendation", Reason: fmt.Sprintf("%q is not one of %s", rec, strings.Join(Recommendations, ", "))}
	}

	return model.Success{Fields: map[string]any{
		"fit_summary":    summary,
		"strengths":      strengths,
		"gaps":           gaps,
		"recommendation": rec,
	}}, nil
}
