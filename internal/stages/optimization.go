package stages

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sells-group/job-scorer/internal/model"
)

const optimizationSystemText = "You are a resume coach tailoring a candidate's resume to a job posting. Return only a JSON object."

var optimizationSchema = json.RawMessage(`{"type":"object","required":["keywords_to_add","bullet_suggestions","summary_rewrite"],"properties":{"keywords_to_add":{"type":"array","items":{"type":"string"}},"bullet_suggestions":{"type":"array","items":{"type":"string"}},"summary_rewrite":{"type":"string"}}}`)

// Optimization asks for resume tailoring suggestions for postings that passed
// analysis and scored at least OptimizationMinScore.
type Optimization struct {
	opts Options
}

// NewOptimization creates the optimization handler.
func NewOptimization(opts Options) *Optimization {
	return &Optimization{opts: opts}
}

func (o *Optimization) Stage() model.Stage { return model.StageOptimization }

func (o *Optimization) Eligible(item *model.WorkItem) bool {
	if !item.Succeeded(model.StageAnalysis) {
		return false
	}
	if rec, _ := item.Stages[model.StageAnalysis].Fields["recommendation"].(string); rec == "skip" {
		return false
	}
	score, ok := item.CombinedScore()
	return ok && score >= o.opts.OptimizationMinScore
}

func (o *Optimization) Build(item *model.WorkItem) (string, error) {
	if err := requireFields(item, model.StageOptimization, "title", "description"); err != nil {
		return "", err
	}
	if !item.Succeeded(model.StageAnalysis) {
		return "", &model.BuildError{ItemID: item.ID, Stage: model.StageOptimization, Missing: []string{"analysis result"}}
	}
	analysis := item.Stages[model.StageAnalysis].Fields

	var b strings.Builder
	if o.opts.ResumeSummary != "" {
		b.WriteString("--- Candidate ---\n")
		b.WriteString(o.opts.ResumeSummary)
		b.WriteString("\n\n")
	}
	writePosting(&b, item)
	if v, ok := analysis["fit_summary"].(string); ok && v != "" {
		fmt.Fprintf(&b, "\nFit summary: %s\n", v)
	}
	if gaps := toStrings(analysis["gaps"]); len(gaps) > 0 {
		fmt.Fprintf(&b, "Gaps to address: %s\n", strings.Join(gaps, "; "))
	}
	b.WriteString("\nRespond with JSON: {\"keywords_to_add\": [\"...\"], \"bullet_suggestions\": [\"...\"], \"summary_rewrite\": \"...\"}")

	return render(o.opts, optimizationSystemText, b.String(), optimizationSchema)
}

func (o *Optimization) Validate(_ *model.WorkItem, value map[string]any) (model.Success, error) {
	keywords, err := listField(value, "keywords_to_add")
	if err != nil {
		return model.Success{}, err
	}
	bullets, err := listField(value, "bullet_suggestions")
	if err != nil {
		return model.Success{}, err
	}
	summary, err := stringField(value, "summary_rewrite", true)
	if err != nil {
		return model.Success{}, err
	}
	return model.Success{Fields: map[string]any{
		"keywords_to_add":    keywords,
		"bullet_suggestions": bullets,
		"summary_rewrite":    summary,
	}}, nil
}

// toStrings reads a string list that may have been decoded from JSON.
func toStrings(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
