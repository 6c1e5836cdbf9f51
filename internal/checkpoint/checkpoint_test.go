package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/sells-group/job-scorer/internal/model"
)

var testStages = []model.Stage{model.StageScoring, model.StageAnalysis}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(filepath.Join(t.TempDir(), "checkpoints"))
	require.NoError(t, err)
	return st
}

func newTestCheckpoint(t *testing.T, st *Store) *Checkpoint {
	t.Helper()
	cp, err := st.Create("run-1", Params{Stages: testStages, Strategy: "rolling", ConcurrencyLimit: 3, ItemCount: 10})
	require.NoError(t, err)
	return cp
}

func TestRunKey(t *testing.T) {
	a := RunKey([]string{"x", "y", "z"}, testStages)
	b := RunKey([]string{"z", "x", "y"}, testStages)
	assert.Equal(t, a, b, "item order must not change the key")
	assert.Len(t, a, 16)

	assert.NotEqual(t, a, RunKey([]string{"x", "y"}, testStages))
	assert.NotEqual(t, a, RunKey([]string{"x", "y", "z"}, []model.Stage{model.StageScoring}))
	// Boundary between ids must be unambiguous.
	assert.NotEqual(t, RunKey([]string{"ab", "c"}, testStages), RunKey([]string{"a", "bc"}, testStages))
}

func TestStore_CreateHasClear(t *testing.T) {
	st := newTestStore(t)
	assert.False(t, st.Has("run-1"))

	cp := newTestCheckpoint(t, st)
	assert.True(t, st.Has("run-1"))
	assert.Equal(t, "run-1", cp.RunKey())

	_, err := st.Create("run-1", Params{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, cp.Clear())
	assert.False(t, st.Has("run-1"))
	require.NoError(t, st.Clear("run-1"))

	_, err = st.Create("run-1", Params{Stages: testStages})
	assert.NoError(t, err)
}

func TestCheckpoint_MarkItemDoneIdempotent(t *testing.T) {
	st := newTestStore(t)
	cp := newTestCheckpoint(t, st)

	require.NoError(t, cp.MarkItemDone(model.StageScoring, "a"))
	require.NoError(t, cp.MarkItemDone(model.StageScoring, "a"))
	require.NoError(t, cp.MarkItemsDone(model.StageScoring, []string{"a", "b", "b"}))

	rec := cp.Record(model.StageScoring)
	assert.Equal(t, 2, rec.ProcessedCount)
	assert.Len(t, rec.ProcessedIDs, 2)
	assert.True(t, rec.Has("a"))
	assert.True(t, rec.Has("b"))
	assert.Empty(t, cp.ProcessedIDs(model.StageAnalysis))
}

func TestCheckpoint_ConcurrentMarks(t *testing.T) {
	st := newTestStore(t)
	cp := newTestCheckpoint(t, st)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Every id is marked twice from different goroutines.
			assert.NoError(t, cp.MarkItemDone(model.StageScoring, fmt.Sprintf("item-%d", i%25)))
		}(i)
	}
	wg.Wait()

	rec := cp.Record(model.StageScoring)
	assert.Equal(t, 25, rec.ProcessedCount)
	assert.Len(t, rec.ProcessedIDs, 25)
}

func TestCheckpoint_ReopenPreservesState(t *testing.T) {
	st := newTestStore(t)
	cp := newTestCheckpoint(t, st)

	require.NoError(t, cp.MarkItemsDone(model.StageScoring, []string{"a", "b", "c"}))
	require.NoError(t, cp.SetOutputRef(model.StageScoring, "/tmp/run-1/scoring.jsonl"))
	require.NoError(t, cp.MarkStageCompleted(model.StageScoring))
	require.NoError(t, cp.MarkItemDone(model.StageAnalysis, "a"))

	reopened, err := st.Open("run-1")
	require.NoError(t, err)

	assert.True(t, reopened.StageCompleted(model.StageScoring))
	assert.False(t, reopened.StageCompleted(model.StageAnalysis))
	assert.Equal(t, map[string]struct{}{"a": {}, "b": {}, "c": {}}, reopened.ProcessedIDs(model.StageScoring))
	ref, ok := reopened.OutputRef(model.StageScoring)
	assert.True(t, ok)
	assert.Equal(t, "/tmp/run-1/scoring.jsonl", ref)
	_, ok = reopened.OutputRef(model.StageAnalysis)
	assert.False(t, ok)
	assert.Equal(t, 1, reopened.Record(model.StageAnalysis).ProcessedCount)
	assert.Equal(t, "rolling", reopened.Params().Strategy)
	assert.Equal(t, testStages, reopened.Params().Stages)
}

func TestCheckpoint_DocumentFormat(t *testing.T) {
	st := newTestStore(t)
	cp := newTestCheckpoint(t, st)
	require.NoError(t, cp.MarkItemsDone(model.StageScoring, []string{"b", "a"}))
	require.NoError(t, cp.SetOutputRef(model.StageScoring, "scoring.jsonl"))

	data, err := os.ReadFile(filepath.Join(st.Dir(), "run-1.json"))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "run-1", doc["run_key"])
	assert.Contains(t, doc, "created_at")
	stages := doc["stages"].(map[string]any)
	scoring := stages["scoring"].(map[string]any)
	assert.Equal(t, []any{"a", "b"}, scoring["processed_ids"])
	assert.EqualValues(t, 2, scoring["processed_count"])
	assert.Equal(t, map[string]any{"scoring": "scoring.jsonl"}, doc["output_refs"])

	// No temp files are left behind.
	entries, err := os.ReadDir(st.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStore_CorruptDocumentTreatedAsAbsent(t *testing.T) {
	st := newTestStore(t)
	path := filepath.Join(st.Dir(), "run-1.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"run_key": "run-1", "stages": {`), 0o644))

	assert.False(t, st.Has("run-1"))
	_, err := st.Open("run-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Create overwrites the corrupt document.
	cp, err := st.Create("run-1", Params{Stages: testStages})
	require.NoError(t, err)
	assert.Empty(t, cp.ProcessedIDs(model.StageScoring))
	assert.True(t, st.Has("run-1"))
}

func TestStore_MismatchedRunKeyIsCorrupt(t *testing.T) {
	st := newTestStore(t)
	path := filepath.Join(st.Dir(), "run-1.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"run_key": "other"}`), 0o644))
	assert.False(t, st.Has("run-1"))
}

func TestCheckpoint_MutationAfterClearFails(t *testing.T) {
	st := newTestStore(t)
	cp := newTestCheckpoint(t, st)
	require.NoError(t, cp.Clear())
	assert.Error(t, cp.MarkItemDone(model.StageScoring, "late"))
	assert.False(t, st.Has("run-1"))
}

func TestCheckpoint_SnapshotIsCopy(t *testing.T) {
	st := newTestStore(t)
	cp := newTestCheckpoint(t, st)
	require.NoError(t, cp.MarkItemDone(model.StageScoring, "a"))

	snap := cp.Snapshot()
	require.Len(t, snap.Stages, 2)
	assert.Equal(t, model.StageScoring, snap.Stages[0].Stage)
	snap.Stages[0].ProcessedIDs["injected"] = struct{}{}

	require.NoError(t, cp.MarkItemDone(model.StageScoring, "b"))
	assert.Equal(t, 2, cp.Record(model.StageScoring).ProcessedCount)
	assert.NotContains(t, cp.ProcessedIDs(model.StageScoring), "injected")
	assert.Equal(t, 1, snap.Stages[0].ProcessedCount)
}

func TestProperty_ProcessedCountMatchesIDs(t *testing.T) {
	dir := t.TempDir()
	runs := 0
	rapid.Check(t, func(rt *rapid.T) {
		runs++
		st, err := NewStore(filepath.Join(dir, fmt.Sprintf("run-%d", runs)))
		require.NoError(rt, err)
		cp, err := st.Create("prop", Params{Stages: testStages})
		require.NoError(rt, err)

		ops := rapid.SliceOfN(rapid.IntRange(0, 15), 1, 60).Draw(rt, "ops")
		for i, op := range ops {
			stage := testStages[i%len(testStages)]
			if op%5 == 0 {
				require.NoError(rt, cp.MarkItemsDone(stage, []string{fmt.Sprint(op), fmt.Sprint(op + 1)}))
			} else {
				require.NoError(rt, cp.MarkItemDone(stage, fmt.Sprint(op)))
			}
			rec := cp.Record(stage)
			if rec.ProcessedCount != len(rec.ProcessedIDs) {
				rt.Fatalf("count %d != len %d", rec.ProcessedCount, len(rec.ProcessedIDs))
			}
		}

		reopened, err := st.Open("prop")
		require.NoError(rt, err)
		for _, stage := range testStages {
			rec := reopened.Record(stage)
			if rec.ProcessedCount != len(rec.ProcessedIDs) {
				rt.Fatalf("reopened count %d != len %d", rec.ProcessedCount, len(rec.ProcessedIDs))
			}
		}
	})
}
