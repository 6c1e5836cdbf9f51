package scorer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestCombine(t *testing.T) {
	h := NewHybrid(40)
	det := Deterministic{Components: map[string]float64{
		ComponentTitle:    18,
		ComponentSkills:   5,
		ComponentLocation: 10,
	}}

	b := h.Combine(det, 80, "strong match")
	assert.InDelta(t, 33, b.DeterministicScore, 0.001)
	assert.InDelta(t, 80, b.ModelScore, 0.001)
	assert.InDelta(t, 48, b.ModelWeighted, 0.001)
	assert.InDelta(t, 81, b.CombinedScore, 0.001)
	assert.Equal(t, "strong match", b.ModelReasoning)
	assert.Equal(t, det.Components, b.DeterministicComponents)
	assert.False(t, b.Capped)
}

func TestCombine_ClampsInputs(t *testing.T) {
	h := NewHybrid(40)
	det := Deterministic{Components: map[string]float64{ComponentTitle: 55}}

	b := h.Combine(det, 140, "")
	assert.InDelta(t, 40, b.DeterministicScore, 0.001)
	assert.InDelta(t, 100, b.ModelScore, 0.001)
	assert.InDelta(t, 100, b.CombinedScore, 0.001)

	b = h.Combine(Deterministic{}, -5, "")
	assert.InDelta(t, 0, b.CombinedScore, 0.001)
}

func TestCombine_DoesNotAliasComponents(t *testing.T) {
	det := Deterministic{Components: map[string]float64{ComponentTitle: 10}}
	b := NewHybrid(40).Combine(det, 50, "")
	det.Components[ComponentTitle] = 0
	assert.InDelta(t, 10, b.DeterministicComponents[ComponentTitle], 0.001)
}

func TestApplyCap(t *testing.T) {
	h := NewHybrid(40)
	det := Deterministic{
		Components:   map[string]float64{ComponentTitle: 20, ComponentSkills: 10, ComponentLocation: 10},
		DealBreakers: []string{"disqualifier: clearance"},
	}

	b := ApplyCap(h.Combine(det, 100, ""), 49)
	assert.InDelta(t, 49, b.CombinedScore, 0.001)
	assert.True(t, b.Capped)
	// Components survive the cap.
	assert.InDelta(t, 40, b.DeterministicScore, 0.001)
	assert.InDelta(t, 60, b.ModelWeighted, 0.001)
	assert.InDelta(t, 20, b.DeterministicComponents[ComponentTitle], 0.001)

	low := ApplyCap(h.Combine(det, 0, ""), 49)
	assert.InDelta(t, 40, low.CombinedScore, 0.001)
	assert.False(t, low.Capped)

	det.DealBreakers = nil
	free := ApplyCap(h.Combine(det, 100, ""), 49)
	assert.InDelta(t, 100, free.CombinedScore, 0.001)
}

func TestScore_EndToEnd(t *testing.T) {
	r := testProfile()
	b := Score(r, item(map[string]any{
		"title":       "Backend Engineer",
		"description": "Go and Postgres. Security clearance required.",
		"location":    "Remote",
	}), 95, "great")
	assert.True(t, b.Capped)
	assert.InDelta(t, 49, b.CombinedScore, 0.001)
	assert.Len(t, b.DealBreakers, 1)
}

func TestProperty_ScoreCapInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dmax := 40.0
		title := rapid.Float64Range(0, 20).Draw(rt, "title")
		skills := rapid.Float64Range(0, 10).Draw(rt, "skills")
		location := rapid.Float64Range(0, 10).Draw(rt, "location")
		m := rapid.Float64Range(0, 100).Draw(rt, "model")
		flagged := rapid.Bool().Draw(rt, "flagged")
		limit := rapid.Float64Range(0, 100).Draw(rt, "cap")

		det := Deterministic{Components: map[string]float64{
			ComponentTitle:    title,
			ComponentSkills:   skills,
			ComponentLocation: location,
		}}
		if flagged {
			det.DealBreakers = []string{"missing required: go"}
		}

		b := ApplyCap(NewHybrid(dmax).Combine(det, m, ""), limit)

		d := title + skills + location
		want := clamp(d+m/100*(100-dmax), 0, 100)
		if flagged {
			if b.CombinedScore > limit+1e-9 {
				rt.Fatalf("flagged score %f exceeds cap %f", b.CombinedScore, limit)
			}
		} else if diff := b.CombinedScore - want; diff > 1e-9 || diff < -1e-9 {
			rt.Fatalf("combined %f, want %f", b.CombinedScore, want)
		}
		if b.CombinedScore < 0 || b.CombinedScore > 100 {
			rt.Fatalf("combined %f out of range", b.CombinedScore)
		}
	})
}
