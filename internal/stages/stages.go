// Package stages holds the request builder and response validator of every
// pipeline stage. Builders are pure: they render the full payload without I/O.
package stages

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/job-scorer/internal/config"
	"github.com/sells-group/job-scorer/internal/model"
	"github.com/sells-group/job-scorer/internal/scorer"
	"github.com/sells-group/job-scorer/pkg/inference"
)

// Handler builds requests for one stage and turns validated responses into
// merge outcomes.
type Handler interface {
	Stage() model.Stage
	// Eligible reports whether item is a candidate for this stage given the
	// results of earlier stages. Ineligible items are carried through
	// untouched.
	Eligible(item *model.WorkItem) bool
	// Build renders the inference payload. Missing fields yield a
	// *model.BuildError.
	Build(item *model.WorkItem) (string, error)
	// Validate checks an extracted response object. Missing or out-of-range
	// fields yield a *model.ValidationError.
	Validate(item *model.WorkItem, value map[string]any) (model.Success, error)
}

// Options configures every handler.
type Options struct {
	Temperature          float64
	MaxTokens            int
	ResumeSummary        string
	AnalysisMinScore     float64
	OptimizationMinScore float64
}

// OptionsFromConfig extracts handler options from the application config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Temperature:          cfg.Inference.Temperature,
		MaxTokens:            cfg.Inference.MaxTokens,
		ResumeSummary:        cfg.Scoring.ResumeSummary,
		AnalysisMinScore:     cfg.Pipeline.AnalysisMinScore,
		OptimizationMinScore: cfg.Pipeline.OptimizationMinScore,
	}
}

// Set holds one handler per stage.
type Set struct {
	handlers map[model.Stage]Handler
}

// NewSet creates the handlers for all stages.
func NewSet(opts Options, rules *scorer.Rules) *Set {
	return &Set{handlers: map[model.Stage]Handler{
		model.StageScoring:      NewScoring(opts, rules),
		model.StageAnalysis:     NewAnalysis(opts),
		model.StageOptimization: NewOptimization(opts),
	}}
}

// NewSetWith creates a set from explicit handlers, keyed by their stage.
func NewSetWith(handlers ...Handler) *Set {
	s := &Set{handlers: make(map[model.Stage]Handler, len(handlers))}
	for _, h := range handlers {
		s.handlers[h.Stage()] = h
	}
	return s
}

// For returns the handler for stage.
func (s *Set) For(stage model.Stage) (Handler, error) {
	h, ok := s.handlers[stage]
	if !ok {
		return nil, eris.Errorf("stages: no handler for stage %q", stage)
	}
	return h, nil
}

// requireFields returns a BuildError naming every field of item that is empty.
func requireFields(item *model.WorkItem, stage model.Stage, keys ...string) error {
	var missing []string
	if strings.TrimSpace(item.ID) == "" {
		missing = append(missing, "item_id")
	}
	for _, k := range keys {
		if item.Text(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return &model.BuildError{ItemID: item.ID, Stage: stage, Missing: missing}
	}
	return nil
}

// render encodes the request with the shared options.
func render(opts Options, system, prompt string, schema json.RawMessage) (string, error) {
	return inference.Request{
		Prompt:         prompt,
		System:         system,
		Temperature:    opts.Temperature,
		MaxTokens:      opts.MaxTokens,
		ResponseSchema: schema,
	}.Encode()
}

// writePosting writes the posting block shared by every prompt.
func writePosting(b *strings.Builder, item *model.WorkItem) {
	b.WriteString("--- Job Posting ---\n")
	fmt.Fprintf(b, "Title: %s\n", item.Text("title"))
	if v := item.Text("company"); v != "" {
		fmt.Fprintf(b, "Company: %s\n", v)
	}
	if v := item.Text("location"); v != "" {
		fmt.Fprintf(b, "Location: %s\n", v)
	}
	if skills := item.List("skills"); len(skills) > 0 {
		fmt.Fprintf(b, "Listed Skills: %s\n", strings.Join(skills, ", "))
	}
	if v := item.Text("url"); v != "" {
		fmt.Fprintf(b, "URL: %s\n", v)
	}
	b.WriteString("\nDescription:\n")
	b.WriteString(item.Text("description"))
	b.WriteString("\n")
}

// numberField reads a numeric field and checks it lies in [lo, hi].
func numberField(value map[string]any, key string, lo, hi float64) (float64, error) {
	raw, ok := value[key]
	if !ok || raw == nil {
		return 0, &model.ValidationError{Field: key, Reason: "missing"}
	}
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return 0, &model.ValidationError{Field: key, Reason: "not a number"}
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, &model.ValidationError{Field: key, Reason: "not a number"}
		}
		f = n
	default:
		return 0, &model.ValidationError{Field: key, Reason: fmt.Sprintf("unexpected type %T", raw)}
	}
	if f < lo || f > hi {
		return 0, &model.ValidationError{Field: key, Reason: fmt.Sprintf("%v outside [%v, %v]", f, lo, hi)}
	}
	return f, nil
}

// stringField reads a string field; required fields must be non-empty.
func stringField(value map[string]any, key string, required bool) (string, error) {
	raw, ok := value[key]
	if !ok || raw == nil {
		if required {
			return "", &model.ValidationError{Field: key, Reason: "missing"}
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", &model.ValidationError{Field: key, Reason: fmt.Sprintf("unexpected type %T", raw)}
	}
	s = strings.TrimSpace(s)
	if required && s == "" {
		return "", &model.ValidationError{Field: key, Reason: "empty"}
	}
	return s, nil
}

// listField reads an array of strings. A missing key is an error; an empty
// array is allowed.
func listField(value map[string]any, key string) ([]string, error) {
	raw, ok := value[key]
	if !ok || raw == nil {
		return nil, &model.ValidationError{Field: key, Reason: "missing"}
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, &model.ValidationError{Field: key, Reason: fmt.Sprintf("expected array, got %T", raw)}
	}
	out := make([]string, 0, len(arr))
	for i, e := range arr {
		s, ok := e.(string)
		if !ok {
			return nil, &model.ValidationError{Field: key, Reason: fmt.Sprintf("element %d is %T", i, e)}
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
