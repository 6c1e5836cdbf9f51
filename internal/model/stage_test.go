package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStages(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []Stage
		wantErr bool
	}{
		{"single", "scoring", []Stage{StageScoring}, false},
		{"reordered", "optimization, scoring", []Stage{StageScoring, StageOptimization}, false},
		{"duplicates", "analysis,analysis,SCORING", []Stage{StageScoring, StageAnalysis}, false},
		{"unknown", "scoring,ranking", nil, true},
		{"empty", " , ", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStages(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStage_Previous(t *testing.T) {
	_, ok := StageScoring.Previous()
	assert.False(t, ok)

	prev, ok := StageOptimization.Previous()
	require.True(t, ok)
	assert.Equal(t, StageAnalysis, prev)
	assert.Equal(t, -1, Stage("bogus").Index())
}

func TestParseErrorKind(t *testing.T) {
	k, err := ParseErrorKind("timeout")
	require.NoError(t, err)
	assert.Equal(t, ErrorKindTimeout, k)

	_, err = ParseErrorKind("EXPLODED")
	assert.Error(t, err)
}

func TestRunSummary_AddStage(t *testing.T) {
	var s RunSummary
	s.AddStage(StageSummary{Stage: StageScoring, Submitted: 10, Succeeded: 8, Failed: 2, ByErrorKind: map[ErrorKind]int{ErrorKindTimeout: 2}})
	s.AddStage(StageSummary{Stage: StageAnalysis, Submitted: 4, AlreadyDone: 5, Succeeded: 3, Interrupted: 1})

	assert.Equal(t, 19, s.Total)
	assert.Equal(t, 11, s.Succeeded)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, 1, s.Interrupted)
	assert.Equal(t, 5, s.AlreadyDone)
	assert.Equal(t, 2, s.ByErrorKind[ErrorKindTimeout])
	assert.Len(t, s.Stages, 2)
}
