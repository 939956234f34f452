package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from    RunStatus
		to      RunStatus
		allowed bool
	}{
		{RunQueued, RunStarted, true},
		{RunStarted, RunProcessing, true},
		{RunProcessing, RunCheckpoint, true},
		{RunCheckpoint, RunProcessing, true},
		{RunProcessing, RunCompleted, true},
		{RunProcessing, RunPartial, true},
		{RunProcessing, RunOrphaned, true},
		{RunOrphaned, RunRecovering, true},
		{RunRecovering, RunCompleted, true},
		{RunPartial, RunRecovering, true},

		// terminal states stay terminal (partial->recovering excepted)
		{RunCompleted, RunProcessing, false},
		{RunFailed, RunProcessing, false},
		{RunCancelled, RunQueued, false},

		// no shortcuts
		{RunQueued, RunCompleted, false},
		{RunQueued, RunProcessing, false},
		{RunPaused, RunCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestRunStatus_Terminal(t *testing.T) {
	assert.True(t, RunCompleted.Terminal())
	assert.True(t, RunFailed.Terminal())
	assert.True(t, RunCancelled.Terminal())
	assert.True(t, RunPartial.Terminal())

	assert.False(t, RunProcessing.Terminal())
	assert.False(t, RunRecovering.Terminal())
	assert.False(t, RunOrphaned.Terminal())
}

func TestRunStatus_Recoverable(t *testing.T) {
	assert.True(t, RunProcessing.Recoverable())
	assert.True(t, RunCheckpoint.Recoverable())
	assert.True(t, RunPartial.Recoverable())
	assert.True(t, RunOrphaned.Recoverable())

	assert.False(t, RunQueued.Recoverable())
	assert.False(t, RunCompleted.Recoverable())
	assert.False(t, RunCancelled.Recoverable())
}

func TestNewRun(t *testing.T) {
	run := NewRun("doc-1", "user-1")

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, RunQueued, run.Status)
	assert.Equal(t, "doc-1", run.DocumentID)
	assert.Equal(t, "user-1", run.UserID)
	assert.False(t, run.HeartbeatAt.IsZero())
}
