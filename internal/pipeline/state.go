package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/job-scorer/internal/checkpoint"
	"github.com/sells-group/job-scorer/internal/model"
)

// State is the run-level state of the pipeline.
type State string

const (
	StateNotStarted   State = "NOT_STARTED"
	StateStageRunning State = "STAGE_RUNNING"
	StateStageDone    State = "STAGE_DONE"
	StateRunComplete  State = "RUN_COMPLETE"
	StateRunFailed    State = "RUN_FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateRunComplete || s == StateRunFailed
}

var transitions = map[State][]State{
	StateNotStarted:   {StateStageRunning, StateRunComplete, StateRunFailed},
	StateStageRunning: {StateStageDone, StateRunFailed},
	StateStageDone:    {StateStageRunning, StateRunComplete, StateRunFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Status is a copy-on-read view of the pipeline for status readers.
type Status struct {
	RunKey     string               `json:"run_key,omitempty"`
	State      State                `json:"state"`
	Stage      model.Stage          `json:"stage,omitempty"`
	StageIndex int                  `json:"stage_index"`
	Completed  int64                `json:"completed"`
	Total      int64                `json:"total"`
	Error      string               `json:"error,omitempty"`
	StartedAt  time.Time            `json:"started_at,omitzero"`
	UpdatedAt  time.Time            `json:"updated_at,omitzero"`
	Checkpoint *checkpoint.Snapshot `json:"checkpoint,omitempty"`
}

// tracker holds the state machine. Progress counters are atomics so executor
// callbacks never take the lock.
type tracker struct {
	mu         sync.RWMutex
	runKey     string
	state      State
	stage      model.Stage
	stageIndex int
	errMsg     string
	startedAt  time.Time
	updatedAt  time.Time
	cp         *checkpoint.Checkpoint

	completed atomic.Int64
	total     atomic.Int64
}

func newTracker() *tracker {
	return &tracker{state: StateNotStarted, stageIndex: -1}
}

// begin resets the tracker for a new run.
func (t *tracker) begin(runKey string, cp *checkpoint.Checkpoint, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runKey = runKey
	t.state = StateNotStarted
	t.stage = ""
	t.stageIndex = -1
	t.errMsg = ""
	t.startedAt = at
	t.updatedAt = at
	t.cp = cp
	t.completed.Store(0)
	t.total.Store(0)
}

func (t *tracker) transition(to State, stage model.Stage, index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !canTransition(t.state, to) {
		return eris.Errorf("pipeline: illegal transition %s -> %s", t.state, to)
	}
	t.state = to
	if stage != "" {
		t.stage = stage
		t.stageIndex = index
	}
	t.updatedAt = time.Now().UTC()
	return nil
}

// fail moves to RUN_FAILED from any non-terminal state.
func (t *tracker) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.state = StateRunFailed
	if err != nil {
		t.errMsg = err.Error()
	}
	t.updatedAt = time.Now().UTC()
}

func (t *tracker) current() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *tracker) startStage(total int) {
	t.completed.Store(0)
	t.total.Store(int64(total))
}

func (t *tracker) progress() {
	t.completed.Add(1)
}

func (t *tracker) snapshot() Status {
	t.mu.RLock()
	st := Status{
		RunKey:     t.runKey,
		State:      t.state,
		Stage:      t.stage,
		StageIndex: t.stageIndex,
		Error:      t.errMsg,
		StartedAt:  t.startedAt,
		UpdatedAt:  t.updatedAt,
	}
	cp := t.cp
	t.mu.RUnlock()

	st.Completed = t.completed.Load()
	st.Total = t.total.Load()
	if cp != nil {
		snap := cp.Snapshot()
		st.Checkpoint = &snap
	}
	return st
}
