package model

// ScoreBreakdown is the auditable result of hybrid scoring. Components are
// never zeroed by a deal-breaker; the cap is applied to CombinedScore only.
type ScoreBreakdown struct {
	DeterministicScore      float64            `json:"deterministic_score"`
	ModelScore              float64            `json:"model_score"`
	ModelWeighted           float64            `json:"model_weighted"`
	CombinedScore           float64            `json:"combined_score"`
	DeterministicComponents map[string]float64 `json:"deterministic_components"`
	ModelReasoning          string             `json:"model_reasoning,omitempty"`
	DealBreakers            []string           `json:"deal_breakers,omitempty"`
	Capped                  bool               `json:"capped,omitempty"`
}
