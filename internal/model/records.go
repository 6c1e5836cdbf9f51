package model

import "time"

// CheckpointRecord is the resume state of one stage within one run.
// ProcessedCount always equals len(ProcessedIDs).
type CheckpointRecord struct {
	Stage          Stage               `json:"stage"`
	Completed      bool                `json:"completed"`
	ProcessedIDs   map[string]struct{} `json:"-"`
	ProcessedCount int                 `json:"processed_count"`
	OutputRef      string              `json:"output_ref,omitempty"`
}

// Has reports whether id was already processed in this stage.
func (r *CheckpointRecord) Has(id string) bool {
	_, ok := r.ProcessedIDs[id]
	return ok
}

// FailureRecord is a durable per-item, per-stage failure.
type FailureRecord struct {
	ID              string    `json:"id"`
	ItemID          string    `json:"item_id"`
	Stage           Stage     `json:"stage"`
	ErrorKind       ErrorKind `json:"error_kind"`
	ErrorMessage    string    `json:"error_message"`
	FailureCount    int       `json:"failure_count"`
	FirstFailed     time.Time `json:"first_failed"`
	LastFailed      time.Time `json:"last_failed"`
	RawItemSnapshot string    `json:"raw_item_snapshot"`
}

// FailureFilter selects failure records. Zero values match everything.
type FailureFilter struct {
	Stage       Stage     `json:"stage,omitempty"`
	MinFailures int       `json:"min_failures,omitempty"`
	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
	ItemIDs     []string  `json:"item_ids,omitempty"`
	Limit       int       `json:"limit,omitempty"`
}

// FailureOffender is one entry of the top offenders list.
type FailureOffender struct {
	ItemID       string `json:"item_id"`
	Stage        Stage  `json:"stage"`
	FailureCount int    `json:"failure_count"`
}

// FailureStats summarises the ledger.
type FailureStats struct {
	Total                     int               `json:"total"`
	ByStage                   map[Stage]int     `json:"by_stage"`
	ByErrorKind               map[ErrorKind]int `json:"by_error_kind"`
	ItemsWithMultipleFailures int               `json:"items_with_multiple_failures"`
	TopOffenders              []FailureOffender `json:"top_offenders"`
}
