package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_Completed(t *testing.T) {
	out := `Work finished without issues.
TASK_COMPLETED: task-42
ARTIFACTS: internal/server.go, internal/server_test.go
SUMMARY: added graceful shutdown`

	sig, ok := Extract(out)
	require.True(t, ok)
	assert.Equal(t, KindCompleted, sig.Kind)
	assert.Equal(t, "task-42", sig.TaskID)
	assert.Equal(t, []string{"internal/server.go", "internal/server_test.go"}, sig.Artifacts)
	assert.Equal(t, "added graceful shutdown", sig.Summary)
}

func TestExtract_Failed(t *testing.T) {
	out := `TASK_FAILED: task-7
ERROR: compile error in handler.go`

	sig, ok := Extract(out)
	require.True(t, ok)
	assert.Equal(t, KindFailed, sig.Kind)
	assert.Equal(t, "task-7", sig.TaskID)
	assert.Equal(t, "compile error in handler.go", sig.Error)
}

func TestExtract_Blocked(t *testing.T) {
	out := `task_blocked: task-3
blocker: waiting on credentials from ops`

	sig, ok := Extract(out)
	require.True(t, ok)
	assert.Equal(t, KindBlocked, sig.Kind)
	assert.Equal(t, "task-3", sig.TaskID)
	assert.Equal(t, "waiting on credentials from ops", sig.Blocker)
}

func TestExtract_Partial(t *testing.T) {
	out := `PARTIAL_RESULT: task-9
ARTIFACTS: migrations/001.sql
SUMMARY: schema drafted, handlers pending`

	sig, ok := Extract(out)
	require.True(t, ok)
	assert.Equal(t, KindPartial, sig.Kind)
	assert.Equal(t, "task-9", sig.TaskID)
	assert.Equal(t, []string{"migrations/001.sql"}, sig.Artifacts)
}

func TestExtract_PriorityFailedOverCompleted(t *testing.T) {
	// A failure is never superseded by a later completion claim.
	out := `TASK_FAILED: task-1
ERROR: tests red
TASK_COMPLETED: task-1
SUMMARY: all done`

	sig, ok := Extract(out)
	require.True(t, ok)
	assert.Equal(t, KindFailed, sig.Kind)
	assert.Equal(t, "tests red", sig.Error)
}

func TestExtract_PriorityBlockedOverPartial(t *testing.T) {
	out := `PARTIAL_RESULT: task-2
TASK_BLOCKED: task-2
BLOCKER: missing schema`

	sig, ok := Extract(out)
	require.True(t, ok)
	assert.Equal(t, KindBlocked, sig.Kind)
}

func TestExtract_MarkerMustStartLine(t *testing.T) {
	out := "the agent mentioned TASK_COMPLETED: task-5 mid-sentence"

	sig, ok := Extract(out)
	require.False(t, ok)
	assert.Nil(t, sig)
}

func TestExtract_GenericErrorIndicators(t *testing.T) {
	tests := []struct {
		name string
		out  string
	}{
		{"panic", "goroutine 1 [running]:\npanic: runtime error: index out of range"},
		{"fatal", "Fatal error: cannot allocate memory"},
		{"command not found", "bash: gofmt: command not found"},
		{"traceback", "Traceback (most recent call last):\n  File \"x.py\""},
		{"unhandled exception", "Unhandled exception at 0x0040"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, ok := Extract(tt.out)
			require.True(t, ok)
			assert.Equal(t, KindFailed, sig.Kind)
			assert.Empty(t, sig.TaskID)
			assert.Contains(t, sig.Error, "generic error indicator")
		})
	}
}

func TestExtract_MarkerWinsOverIndicator(t *testing.T) {
	out := `panic: something exploded
TASK_COMPLETED: task-6`

	sig, ok := Extract(out)
	require.True(t, ok)
	// Marker parsing runs before the generic fallback.
	assert.Equal(t, KindCompleted, sig.Kind)
	assert.Equal(t, "task-6", sig.TaskID)
}

func TestExtract_NoSignal(t *testing.T) {
	for _, out := range []string{
		"",
		"ordinary output with nothing special",
		"progress: 50% through the refactor",
	} {
		sig, ok := Extract(out)
		assert.False(t, ok)
		assert.Nil(t, sig)
	}
}

func TestExtract_ArtifactListTrimming(t *testing.T) {
	out := `TASK_COMPLETED: t1
ARTIFACTS:  a.go ,  , b.go,`

	sig, ok := Extract(out)
	require.True(t, ok)
	assert.Equal(t, []string{"a.go", "b.go"}, sig.Artifacts)
}

func TestExtract_IndentedMarker(t *testing.T) {
	sig, ok := Extract("   TASK_FAILED: task-11")
	require.True(t, ok)
	assert.Equal(t, "task-11", sig.TaskID)
	assert.Empty(t, sig.Error)
}
