package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dirigent-run/dirigent/internal/taskengine"
	"github.com/dirigent-run/dirigent/internal/taskerr"
	"github.com/dirigent-run/dirigent/internal/taskgraph"
)

func trackedWorkflow(t *testing.T, tr *Tracker, taskID string, subs ...taskengine.Subtask) *taskgraph.Plan {
	t.Helper()
	g, err := taskgraph.Build(subs)
	require.NoError(t, err)
	plan := taskgraph.NewPlan(taskID, g)
	require.NoError(t, tr.Create(taskID, g, plan))
	return plan
}

func st(id string, deps ...string) taskengine.Subtask {
	return taskengine.Subtask{ID: id, TaskID: "t1", Description: id, DependsOn: deps}
}

func TestHappyPathTransitions(t *testing.T) {
	tr := New(zap.NewNop())
	trackedWorkflow(t, tr, "t1", st("a"))

	require.NoError(t, tr.Transition("a", Assigned, ""))
	require.NoError(t, tr.Transition("a", InProgress, ""))
	require.NoError(t, tr.Transition("a", Completed, ""))

	s, err := tr.GetSubtask("a")
	require.NoError(t, err)
	assert.Equal(t, Completed, s.State)
	assert.Equal(t, []State{Pending, Assigned, InProgress, Completed}, s.History)
	assert.False(t, s.AssignedAt.IsZero())
	assert.False(t, s.StartedAt.IsZero())
	assert.False(t, s.FinishedAt.IsZero())
}

func TestIllegalTransitionsRejected(t *testing.T) {
	tr := New(zap.NewNop())
	trackedWorkflow(t, tr, "t1", st("a"))

	cases := []State{InProgress, Completed, Failed}
	for _, next := range cases {
		err := tr.Transition("a", next, "")
		require.Error(t, err, "pending -> %s must be illegal", next)
		assert.ErrorIs(t, err, taskerr.ErrState)
	}

	require.NoError(t, tr.Transition("a", Assigned, ""))
	assert.Error(t, tr.Transition("a", Completed, ""), "assigned -> completed skips in_progress")
	require.NoError(t, tr.Transition("a", InProgress, ""))
	require.NoError(t, tr.Transition("a", Failed, "backend gone"))

	// Failed is terminal.
	assert.Error(t, tr.Transition("a", Assigned, ""))
	assert.Error(t, tr.Transition("a", InProgress, ""))
}

func TestAssignRequiresCompletedPrerequisites(t *testing.T) {
	tr := New(zap.NewNop())
	trackedWorkflow(t, tr, "t1", st("a"), st("b", "a"))

	err := tr.Transition("b", Assigned, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, taskerr.ErrState)

	require.NoError(t, tr.Transition("a", Assigned, ""))
	require.NoError(t, tr.Transition("a", InProgress, ""))
	require.NoError(t, tr.Transition("a", Completed, ""))
	assert.NoError(t, tr.Transition("b", Assigned, ""))
}

func TestSkipOnlyFromPending(t *testing.T) {
	tr := New(zap.NewNop())
	trackedWorkflow(t, tr, "t1", st("a"), st("b", "a"))

	require.NoError(t, tr.Skip("b", "upstream failure"))
	s, err := tr.GetSubtask("b")
	require.NoError(t, err)
	assert.Equal(t, Failed, s.State)
	assert.Equal(t, "upstream failure", s.Detail)
	assert.Equal(t, []State{Pending, Failed}, s.History)

	require.NoError(t, tr.Transition("a", Assigned, ""))
	assert.Error(t, tr.Skip("a", "nope"), "skip from assigned must fail")
}

func TestOverallProgressCountsTerminalStates(t *testing.T) {
	tr := New(zap.NewNop())
	trackedWorkflow(t, tr, "t1", st("a"), st("b"), st("c", "a"), st("d", "b"))

	assert.Equal(t, 0.0, tr.OverallProgress("t1"))

	require.NoError(t, tr.Transition("a", Assigned, ""))
	require.NoError(t, tr.Transition("a", InProgress, ""))
	require.NoError(t, tr.Transition("a", Completed, ""))
	assert.Equal(t, 0.25, tr.OverallProgress("t1"))

	require.NoError(t, tr.Transition("b", Assigned, ""))
	require.NoError(t, tr.Transition("b", InProgress, ""))
	require.NoError(t, tr.Transition("b", Failed, "boom"))
	assert.Equal(t, 0.5, tr.OverallProgress("t1"), "failed counts toward progress")

	require.NoError(t, tr.Skip("d", "upstream failure"))
	assert.Equal(t, 0.75, tr.OverallProgress("t1"))
}

func TestListByState(t *testing.T) {
	tr := New(zap.NewNop())
	trackedWorkflow(t, tr, "t1", st("a"), st("b"))
	require.NoError(t, tr.Transition("a", Assigned, ""))

	pending := tr.ListByState(Pending)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].ID)

	assigned := tr.ListByState(Assigned)
	require.Len(t, assigned, 1)
	assert.Equal(t, "a", assigned[0].ID)
}

func TestDuplicateWorkflowRejected(t *testing.T) {
	tr := New(zap.NewNop())
	trackedWorkflow(t, tr, "t1", st("a"))

	g, err := taskgraph.Build([]taskengine.Subtask{st("z")})
	require.NoError(t, err)
	err = tr.Create("t1", g, taskgraph.NewPlan("t1", g))
	require.Error(t, err)
	assert.ErrorIs(t, err, taskerr.ErrState)
}

func TestRemoveForgetsWorkflow(t *testing.T) {
	tr := New(zap.NewNop())
	trackedWorkflow(t, tr, "t1", st("a"))

	tr.Remove("t1")
	_, err := tr.Get("t1")
	assert.Error(t, err)
	_, err = tr.GetSubtask("a")
	assert.Error(t, err)
	assert.Empty(t, tr.Active())
}

func TestSnapshotIsolation(t *testing.T) {
	tr := New(zap.NewNop())
	trackedWorkflow(t, tr, "t1", st("a"))

	snap, err := tr.Get("t1")
	require.NoError(t, err)
	snap.Subtasks["a"].State = Completed

	live, err := tr.GetSubtask("a")
	require.NoError(t, err)
	assert.Equal(t, Pending, live.State, "mutating a snapshot must not touch tracked state")
}
