package scorer

import (
	"math"

	"github.com/sells-group/job-scorer/internal/model"
)

// Hybrid combines a deterministic score with a model score. The model score is
// rescaled into the budget the deterministic part leaves free.
type Hybrid struct {
	dmax float64
}

// NewHybrid creates a combiner for a deterministic ceiling dmax in (0, 100).
func NewHybrid(dmax float64) *Hybrid {
	return &Hybrid{dmax: clamp(dmax, 0, 100)}
}

// DMax returns the deterministic ceiling.
func (h *Hybrid) DMax() float64 {
	return h.dmax
}

// Combine computes combined = clamp(d + m/100*(100-D_MAX), 0, 100). Each
// input is clamped to its own range first. Deal-breakers are recorded on the
// breakdown but not applied; callers use ApplyCap.
func (h *Hybrid) Combine(det Deterministic, modelScore float64, reasoning string) model.ScoreBreakdown {
	components := make(map[string]float64, len(det.Components))
	for k, v := range det.Components {
		components[k] = v
	}

	d := clamp(det.Total(), 0, h.dmax)
	m := clamp(modelScore, 0, 100)
	weighted := m / 100 * (100 - h.dmax)

	var breakers []string
	if len(det.DealBreakers) > 0 {
		breakers = append(breakers, det.DealBreakers...)
	}

	return model.ScoreBreakdown{
		DeterministicScore:      d,
		ModelScore:              m,
		ModelWeighted:           weighted,
		CombinedScore:           clamp(d+weighted, 0, 100),
		DeterministicComponents: components,
		ModelReasoning:          reasoning,
		DealBreakers:            breakers,
	}
}

// ApplyCap caps the combined score at limit when the breakdown carries a
// deal-breaker. Components are left untouched so the breakdown stays
// auditable.
func ApplyCap(b model.ScoreBreakdown, limit float64) model.ScoreBreakdown {
	if len(b.DealBreakers) == 0 {
		return b
	}
	if b.CombinedScore > limit {
		b.CombinedScore = math.Max(0, limit)
		b.Capped = true
	}
	return b
}

// Score evaluates item with rules and combines the result with the model
// score, applying the deal-breaker cap.
func Score(rules *Rules, item model.WorkItem, modelScore float64, reasoning string) model.ScoreBreakdown {
	det := rules.Evaluate(item)
	b := NewHybrid(rules.DMax()).Combine(det, modelScore, reasoning)
	return ApplyCap(b, rules.Cap())
}
