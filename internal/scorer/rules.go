package scorer

import (
	"math"
	"strings"

	"github.com/sells-group/job-scorer/internal/config"
	"github.com/sells-group/job-scorer/internal/model"
)

// Title ladder tiers on a 20-point scale. Each tier owns a fixed sub-range so
// a lower tier can never outscore a higher one.
const (
	ladderScale = 20.0

	tierExactMin    = 18.0
	tierExactMax    = 20.0
	tierStrongMin   = 13.0
	tierStrongMax   = 17.0
	tierSingleMin   = 7.0
	tierSingleMax   = 12.0
	tierGenericMin  = 2.0
	tierGenericMax  = 5.0
	locationCityPct = 0.8
	locationRegPct  = 0.5
)

// Deterministic is the locally computed part of a score, before the model
// score is added.
type Deterministic struct {
	Components   map[string]float64
	DealBreakers []string
}

// Total returns the sum of all components.
func (d Deterministic) Total() float64 {
	var sum float64
	for _, v := range d.Components {
		sum += v
	}
	return sum
}

// Flagged reports whether any deal-breaker fired.
func (d Deterministic) Flagged() bool {
	return len(d.DealBreakers) > 0
}

// Rules evaluates the deterministic sub-scores for a work item against a
// candidate profile. Rules is immutable after construction.
type Rules struct {
	cfg           config.ScoringConfig
	titlePhrases  []string
	titleTokens   []string
	generic       map[string]bool
	skills        []string
	cities        []string
	regions       []string
	required      []string
	disqualifiers []string
}

// NewRules normalizes the profile keywords once so evaluation is cheap.
func NewRules(cfg config.ScoringConfig) *Rules {
	r := &Rules{
		cfg:           cfg,
		titlePhrases:  normalizeAll(cfg.TitleKeywords),
		generic:       make(map[string]bool),
		skills:        normalizeAll(cfg.Skills),
		cities:        normalizeAll(cfg.Cities),
		regions:       normalizeAll(cfg.Regions),
		required:      normalizeAll(cfg.RequiredKeywords),
		disqualifiers: normalizeAll(cfg.DisqualifierKeywords),
	}
	for _, g := range normalizeAll(cfg.GenericTitleTerms) {
		r.generic[g] = true
	}

	// Distinct non-generic tokens across all title phrases, in config order.
	seen := make(map[string]bool)
	for _, p := range r.titlePhrases {
		for _, tok := range strings.Fields(p) {
			if r.generic[tok] || seen[tok] {
				continue
			}
			seen[tok] = true
			r.titleTokens = append(r.titleTokens, tok)
		}
	}
	return r
}

// DMax returns the deterministic ceiling for this profile.
func (r *Rules) DMax() float64 {
	return DMax(r.cfg)
}

// Cap returns the deal-breaker ceiling.
func (r *Rules) Cap() float64 {
	return r.cfg.DealBreakerCap
}

// Evaluate computes every sub-score and deal-breaker for item. Item fields
// read: title, description, skills, location, remote.
func (r *Rules) Evaluate(item model.WorkItem) Deterministic {
	title := normalize(item.Text("title"))
	body := normalize(strings.Join([]string{
		item.Text("title"),
		item.Text("description"),
		strings.Join(item.List("skills"), " "),
	}, " "))

	return Deterministic{
		Components: map[string]float64{
			ComponentTitle:    r.titleScore(title),
			ComponentSkills:   r.skillsScore(body),
			ComponentLocation: r.locationScore(item),
		},
		DealBreakers: r.dealBreakers(body),
	}
}

// titleScore applies the priority ladder: exact phrase > strong multi-keyword >
// single keyword > generic term only > none.
func (r *Rules) titleScore(title string) float64 {
	if title == "" {
		return 0
	}
	titleTokens := strings.Fields(title)
	scale := r.cfg.TitleMax / ladderScale

	// Exact: a multi-word phrase appears whole, or a one-word phrase is the
	// entire title. Full coverage of the title reaches the top of the tier.
	bestCoverage := -1.0
	for _, p := range r.titlePhrases {
		words := len(strings.Fields(p))
		if words < 2 && " "+p+" " != title {
			continue
		}
		if strings.Contains(title, " "+p+" ") {
			cov := float64(words) / float64(len(titleTokens))
			if cov > bestCoverage {
				bestCoverage = cov
			}
		}
	}
	if bestCoverage >= 0 {
		return scale * tierScore(tierExactMin, tierExactMax, bestCoverage)
	}

	matched := 0
	for _, tok := range r.titleTokens {
		if strings.Contains(title, " "+tok+" ") {
			matched++
		}
	}
	switch {
	case matched >= 2:
		// Each keyword beyond the second adds a point up to the tier max.
		return scale * math.Min(tierStrongMin+float64(matched-2), tierStrongMax)
	case matched == 1:
		return scale * tierScore(tierSingleMin, tierSingleMax, 1/float64(len(titleTokens)))
	}

	generic := 0
	for _, tok := range titleTokens {
		if r.generic[tok] {
			generic++
		}
	}
	if generic > 0 {
		return scale * math.Min(tierGenericMin+float64(generic-1), tierGenericMax)
	}
	return 0
}

// tierScore places a coverage ratio in [0, 1] inside a tier's sub-range.
func tierScore(lo, hi, coverage float64) float64 {
	return lo + (hi-lo)*clamp(coverage, 0, 1)
}

func (r *Rules) skillsScore(body string) float64 {
	if len(r.skills) == 0 {
		return 0
	}
	matched := 0
	for _, s := range r.skills {
		if strings.Contains(body, " "+s+" ") {
			matched++
		}
	}
	return float64(matched) / float64(len(r.skills)) * r.cfg.SkillsMax
}

func (r *Rules) locationScore(item model.WorkItem) float64 {
	loc := normalize(item.Text("location"))

	if r.cfg.PreferRemote && (isRemote(item) || strings.Contains(loc, " remote ")) {
		return r.cfg.LocationMax
	}
	for _, c := range r.cities {
		if strings.Contains(loc, " "+c+" ") {
			return r.cfg.LocationMax * locationCityPct
		}
	}
	for _, reg := range r.regions {
		if strings.Contains(loc, " "+reg+" ") {
			return r.cfg.LocationMax * locationRegPct
		}
	}
	return 0
}

func isRemote(item model.WorkItem) bool {
	switch v := item.Fields["remote"].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1", "remote":
			return true
		}
	}
	return false
}

// dealBreakers lists every failed hard requirement and matched disqualifier in
// configuration order.
func (r *Rules) dealBreakers(body string) []string {
	var out []string
	for _, req := range r.required {
		if !strings.Contains(body, " "+req+" ") {
			out = append(out, "missing required: "+req)
		}
	}
	for _, d := range r.disqualifiers {
		if strings.Contains(body, " "+d+" ") {
			out = append(out, "disqualifier: "+d)
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
