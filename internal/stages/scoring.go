package stages

import (
	"encoding/json"
	"strings"

	"github.com/sells-group/job-scorer/internal/model"
	"github.com/sells-group/job-scorer/internal/scorer"
)

const scoringSystemText = "You are a career advisor rating how well a job posting fits a candidate. Return only a JSON object with an integer score from 0 to 100 and a short reasoning."

var scoringSchema = json.RawMessage(`{"type":"object","required":["score","reasoning"],"properties":{"score":{"type":"integer","minimum":0,"maximum":100},"reasoning":{"type":"string"}}}`)

// Scoring asks the model for a fit score and combines it with the
// deterministic rule score.
type Scoring struct {
	opts  Options
	rules *scorer.Rules
}

// NewScoring creates the scoring handler.
func NewScoring(opts Options, rules *scorer.Rules) *Scoring {
	return &Scoring{opts: opts, rules: rules}
}

func (s *Scoring) Stage() model.Stage { return model.StageScoring }

// Eligible accepts every item.
func (s *Scoring) Eligible(*model.WorkItem) bool { return true }

func (s *Scoring) Build(item *model.WorkItem) (string, error) {
	if err := requireFields(item, model.StageScoring, "title", "description"); err != nil {
		return "", err
	}

	var b strings.Builder
	if s.opts.ResumeSummary != "" {
		b.WriteString("--- Candidate ---\n")
		b.WriteString(s.opts.ResumeSummary)
		b.WriteString("\n\n")
	}
	writePosting(&b, item)
	b.WriteString("\nRate the fit from 0 (no fit) to 100 (ideal fit). Respond with JSON: {\"score\": <0-100>, \"reasoning\": \"<one or two sentences>\"}")

	return render(s.opts, scoringSystemText, b.String(), scoringSchema)
}

func (s *Scoring) Validate(item *model.WorkItem, value map[string]any) (model.Success, error) {
	score, err := numberField(value, "score", 0, 100)
	if err != nil {
		return model.Success{}, err
	}
	reasoning, err := stringField(value, "reasoning", false)
	if err != nil {
		return model.Success{}, err
	}

	b := scorer.Score(s.rules, *item, score, reasoning)
	return model.Success{
		Fields: map[string]any{
			"model_score": score,
			"reasoning":   reasoning,
		},
		Score: &b,
	}, nil
}
