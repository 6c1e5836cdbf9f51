// Package scorer implements the hybrid job-fit score: a deterministic rule
// score computed locally plus a rescaled model score, with a post-hoc cap for
// deal-breakers.
package scorer

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/job-scorer/internal/config"
)

// Component names in ScoreBreakdown.DeterministicComponents.
const (
	ComponentTitle    = "title_match"
	ComponentSkills   = "skills_match"
	ComponentLocation = "location_match"
)

// DefaultScoringConfig returns a config.ScoringConfig with sensible defaults.
// Maxima sum to 40, leaving 60 points for the model.
func DefaultScoringConfig() config.ScoringConfig {
	return config.ScoringConfig{
		GenericTitleTerms: []string{
			"engineer", "developer", "analyst", "manager", "specialist",
		},
		PreferRemote: true,

		// Sub-score maxima (sum = D_MAX).
		TitleMax:    20,
		SkillsMax:   10,
		LocationMax: 10,

		DealBreakerCap: 49,
	}
}

// DMax returns the deterministic ceiling, the sum of all sub-score maxima.
func DMax(c config.ScoringConfig) float64 {
	return c.TitleMax + c.SkillsMax + c.LocationMax
}

// ValidateConfig checks that a ScoringConfig is internally consistent.
func ValidateConfig(c config.ScoringConfig) error {
	var errs []string

	maxima := []struct {
		name string
		val  float64
	}{
		{"title_max", c.TitleMax},
		{"skills_max", c.SkillsMax},
		{"location_max", c.LocationMax},
	}
	for _, m := range maxima {
		if m.val < 0 {
			errs = append(errs, fmt.Sprintf("%s must be >= 0", m.name))
		}
	}

	dmax := DMax(c)
	if dmax <= 0 || dmax >= 100 {
		errs = append(errs, fmt.Sprintf("sub-score maxima must sum to (0, 100), got %.1f", dmax))
	}

	if c.DealBreakerCap < 0 || c.DealBreakerCap > 100 {
		errs = append(errs, fmt.Sprintf("deal_breaker_cap must be in [0, 100], got %.1f", c.DealBreakerCap))
	}

	for _, kw := range c.TitleKeywords {
		if strings.TrimSpace(kw) == "" {
			errs = append(errs, "title_keywords must not contain empty entries")
			break
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
