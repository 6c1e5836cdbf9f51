package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// WorkItem is a unit to be scored, identified by a stable ID such as a
// canonical posting URL. Fields holds the opaque source record; Stages holds
// the merged result of every stage that has processed the item.
type WorkItem struct {
	ID     string                 `json:"item_id" yaml:"item_id"`
	Fields map[string]any         `json:"fields" yaml:"fields"`
	Stages map[Stage]*StageRecord `json:"stages,omitempty" yaml:"stages,omitempty"`
}

// StageStatus is the terminal state of an item within a stage.
type StageStatus string

const (
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
)

// StageRecord is the persisted form of a stage outcome on a work item.
type StageRecord struct {
	Status      StageStatus     `json:"status"`
	Score       *ScoreBreakdown `json:"score,omitempty"`
	Fields      map[string]any  `json:"fields,omitempty"`
	ErrorKind   ErrorKind       `json:"error_kind,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Outcome is the closed set of stage results that can be merged into an item.
type Outcome interface {
	outcome()
}

// Success carries the validated fields produced by a stage.
type Success struct {
	Fields map[string]any
	Score  *ScoreBreakdown
}

// Failure carries a classified per-item failure.
type Failure struct {
	Kind    ErrorKind
	Message string
}

func (Success) outcome() {}
func (Failure) outcome() {}

// Apply merges an outcome for stage into the item. Re-applying replaces the
// previous record, which keeps at-least-once delivery idempotent.
func (w *WorkItem) Apply(stage Stage, o Outcome, at time.Time) error {
	if w.Stages == nil {
		w.Stages = make(map[Stage]*StageRecord)
	}
	switch v := o.(type) {
	case Success:
		w.Stages[stage] = &StageRecord{
			Status:      StageStatusSucceeded,
			Score:       v.Score,
			Fields:      v.Fields,
			CompletedAt: at,
		}
	case Failure:
		w.Stages[stage] = &StageRecord{
			Status:      StageStatusFailed,
			ErrorKind:   v.Kind,
			Error:       v.Message,
			CompletedAt: at,
		}
	default:
		return eris.Errorf("model: unsupported outcome %T for item %s", o, w.ID)
	}
	return nil
}

// Succeeded reports whether the item completed stage successfully.
func (w *WorkItem) Succeeded(stage Stage) bool {
	rec, ok := w.Stages[stage]
	return ok && rec.Status == StageStatusSucceeded
}

// CombinedScore returns the hybrid score from the scoring stage, if any.
func (w *WorkItem) CombinedScore() (float64, bool) {
	rec, ok := w.Stages[StageScoring]
	if !ok || rec.Status != StageStatusSucceeded || rec.Score == nil {
		return 0, false
	}
	return rec.Score.CombinedScore, true
}

// Text returns a field as a trimmed string. Non-string values are formatted.
func (w *WorkItem) Text(key string) string {
	v, ok := w.Fields[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	default:
		return strings.TrimSpace(fmt.Sprint(s))
	}
}

// List returns a field as a string slice. Comma-separated strings are split.
func (w *WorkItem) List(key string) []string {
	v, ok := w.Fields[key]
	if !ok || v == nil {
		return nil
	}
	var out []string
	switch s := v.(type) {
	case []string:
		out = append(out, s...)
	case []any:
		for _, e := range s {
			out = append(out, fmt.Sprint(e))
		}
	case string:
		out = strings.Split(s, ",")
	default:
		out = []string{fmt.Sprint(s)}
	}
	cleaned := out[:0]
	for _, e := range out {
		if e = strings.TrimSpace(e); e != "" {
			cleaned = append(cleaned, e)
		}
	}
	return cleaned
}

// Clone returns a deep copy of the item via a JSON round trip so stage records
// and nested field values are never shared between copies.
func (w WorkItem) Clone() WorkItem {
	data, err := json.Marshal(w)
	if err != nil {
		return WorkItem{ID: w.ID}
	}
	var out WorkItem
	if err := json.Unmarshal(data, &out); err != nil {
		return WorkItem{ID: w.ID}
	}
	return out
}

// Snapshot returns the item serialised as JSON for failure bookkeeping.
func (w WorkItem) Snapshot() string {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Sprintf(`{"item_id":%q}`, w.ID)
	}
	return string(data)
}

// ItemFromSnapshot rebuilds an item from a Snapshot string.
func ItemFromSnapshot(s string) (WorkItem, error) {
	var w WorkItem
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return WorkItem{}, eris.Wrap(err, "model: decode item snapshot")
	}
	if w.ID == "" {
		return WorkItem{}, eris.New("model: item snapshot has no item_id")
	}
	return w, nil
}
