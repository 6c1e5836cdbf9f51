package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Stage names one sequential pass of the pipeline.
type Stage string

const (
	StageScoring      Stage = "scoring"
	StageAnalysis     Stage = "analysis"
	StageOptimization Stage = "optimization"
)

// StageOrder is the fixed execution order of all stages.
var StageOrder = []Stage{StageScoring, StageAnalysis, StageOptimization}

// Index returns the position of s in StageOrder, or -1.
func (s Stage) Index() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Previous returns the stage that runs before s and false for the first stage.
func (s Stage) Previous() (Stage, bool) {
	i := s.Index()
	if i <= 0 {
		return "", false
	}
	return StageOrder[i-1], true
}

// ParseStages parses a comma-separated stage list and returns it sorted into
// execution order with duplicates removed.
func ParseStages(list string) ([]Stage, error) {
	seen := make(map[Stage]bool)
	for _, part := range strings.Split(list, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		s := Stage(part)
		if s.Index() < 0 {
			return nil, eris.Errorf("unknown stage %q", part)
		}
		seen[s] = true
	}
	if len(seen) == 0 {
		return nil, eris.New("no stages given")
	}
	var out []Stage
	for _, s := range StageOrder {
		if seen[s] {
			out = append(out, s)
		}
	}
	return out, nil
}
