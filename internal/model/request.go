package model

// PreparedRequest is a fully rendered inference request. Position is the index
// of the request in the submitted batch; concurrent execution does not
// preserve order so results are keyed by it.
type PreparedRequest struct {
	Position int    `json:"position"`
	ItemID   string `json:"item_id"`
	Payload  string `json:"payload"`
}

// Reply is a successful inference call: the JSON object extracted from the
// response plus token usage for cost accounting.
type Reply struct {
	Value map[string]any
	Usage TokenUsage
}

// ExecutionResult is the outcome of one PreparedRequest. Exactly one of Value
// or Err is set.
type ExecutionResult struct {
	Position int
	ItemID   string
	Value    map[string]any
	Usage    TokenUsage
	Err      error
	Kind     ErrorKind
}

// Failed reports whether the request produced an error.
func (r ExecutionResult) Failed() bool {
	return r.Err != nil
}

// TokenUsage tracks token consumption across inference calls.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
