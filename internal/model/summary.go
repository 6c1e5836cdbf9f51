package model

import "time"

// StageSummary reports the outcome of one stage within a run.
type StageSummary struct {
	Stage           Stage             `json:"stage"`
	Skipped         bool              `json:"skipped"`
	Candidates      int               `json:"candidates"`
	AlreadyDone     int               `json:"already_done"`
	SkippedUpstream int               `json:"skipped_upstream"`
	Submitted       int               `json:"submitted"`
	Succeeded       int               `json:"succeeded"`
	Failed          int               `json:"failed"`
	Interrupted     int               `json:"interrupted"`
	ByErrorKind     map[ErrorKind]int `json:"by_error_kind,omitempty"`
	OutputRef       string            `json:"output_ref,omitempty"`
	Usage           TokenUsage        `json:"usage"`
	DurationMs      int64             `json:"duration_ms"`
}

// RunSummary is returned by run and retry operations.
type RunSummary struct {
	RunKey           string            `json:"run_key"`
	State            string            `json:"state"`
	Total            int               `json:"total"`
	Succeeded        int               `json:"succeeded"`
	Failed           int               `json:"failed"`
	Interrupted      int               `json:"interrupted"`
	AlreadyDone      int               `json:"already_done"`
	ByErrorKind      map[ErrorKind]int `json:"by_error_kind"`
	Stages           []StageSummary    `json:"stages"`
	Usage            TokenUsage        `json:"usage"`
	EstimatedCostUSD float64           `json:"estimated_cost_usd"`
	ResultsRef       string            `json:"results_ref,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	Duration         time.Duration     `json:"duration"`
}

// AddStage folds a stage summary into the run totals.
func (s *RunSummary) AddStage(st StageSummary) {
	s.Stages = append(s.Stages, st)
	s.Total += st.Submitted + st.AlreadyDone
	s.Succeeded += st.Succeeded
	s.Failed += st.Failed
	s.Interrupted += st.Interrupted
	s.AlreadyDone += st.AlreadyDone
	s.Usage.Add(st.Usage)
	if s.ByErrorKind == nil {
		s.ByErrorKind = make(map[ErrorKind]int)
	}
	for k, n := range st.ByErrorKind {
		s.ByErrorKind[k] += n
	}
}
