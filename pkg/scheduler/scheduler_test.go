package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/pkg/agentregistry"
	"github.com/agentmesh/orchestrator/pkg/bus"
	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/orcherr"
)

func newFixture(t *testing.T, dag *model.DAG, parallelism int) (*Scheduler, *bus.Bus, *agentregistry.Registry) {
	t.Helper()
	b := bus.New(nil, 16)
	reg := agentregistry.New(nil, time.Minute, nil)
	return New(nil, b, reg, "wf-test", dag, parallelism), b, reg
}

func TestSingleSubtaskDispatchAndComplete(t *testing.T) {
	dag, err := model.NewDAG([]*model.Subtask{
		{ID: "s1", Status: model.StatusPending, RequiredCapabilities: []string{"echo"}},
	})
	require.NoError(t, err)

	s, b, reg := newFixture(t, dag, 8)
	require.NoError(t, reg.Register(model.AgentDescriptor{ID: "a1", Capabilities: []string{"echo"}, MaxSlots: 1}))
	b.Register("a1")

	responses := make(chan SubtaskResponse, 1)
	go func() {
		ch, _ := b.Inbox("a1")
		req := <-ch
		responses <- SubtaskResponse{SubtaskID: req.Payload["subtask_id"].(string), AgentID: "a1", Success: true, Output: model.Payload{"ok": true}}
	}()

	outcome := s.Run(context.Background(), func(string) time.Time { return model.Now().Add(time.Second) }, responses)
	assert.True(t, outcome.Success)
	assert.Equal(t, model.StatusCompleted, dag.Subtasks["s1"].Status)
}

func TestDependentSubtaskWaitsForParent(t *testing.T) {
	dag, err := model.NewDAG([]*model.Subtask{
		{ID: "A", Status: model.StatusPending, RequiredCapabilities: []string{"analyze"}},
		{ID: "B", Status: model.StatusPending, RequiredCapabilities: []string{"write"}, Dependencies: []string{"A"}},
	})
	require.NoError(t, err)

	s, b, reg := newFixture(t, dag, 8)
	require.NoError(t, reg.Register(model.AgentDescriptor{ID: "X", Capabilities: []string{"analyze"}, MaxSlots: 1}))
	require.NoError(t, reg.Register(model.AgentDescriptor{ID: "Y", Capabilities: []string{"write"}, MaxSlots: 1}))
	b.Register("X")
	b.Register("Y")

	responses := make(chan SubtaskResponse, 2)
	go func() {
		chX, _ := b.Inbox("X")
		reqA := <-chX
		assert.Equal(t, "A", reqA.Payload["subtask_id"], "A dispatched first")
		responses <- SubtaskResponse{SubtaskID: reqA.Payload["subtask_id"].(string), AgentID: "X", Success: true}

		chY, _ := b.Inbox("Y")
		reqB := <-chY
		responses <- SubtaskResponse{SubtaskID: reqB.Payload["subtask_id"].(string), AgentID: "Y", Success: true}
	}()

	outcome := s.Run(context.Background(), func(string) time.Time { return model.Now().Add(time.Second) }, responses)
	assert.True(t, outcome.Success)
}

func TestCapabilityMissingFailsSubtask(t *testing.T) {
	dag, err := model.NewDAG([]*model.Subtask{
		{ID: "s1", Status: model.StatusPending, RequiredCapabilities: []string{"nonexistent"}},
	})
	require.NoError(t, err)
	s, _, _ := newFixture(t, dag, 8)

	var gotKind orcherr.Kind
	s.OnRecoverable = func(subtaskID string, kind orcherr.Kind) (bool, bool) {
		gotKind = kind
		return false, false
	}

	responses := make(chan SubtaskResponse)
	outcome := s.Run(context.Background(), func(string) time.Time { return model.Now().Add(time.Second) }, responses)
	assert.False(t, outcome.Success)
	assert.Equal(t, orcherr.KindCapabilityMissing, outcome.FailKind)
	assert.Equal(t, orcherr.KindCapabilityMissing, gotKind)
}

func TestCancelMarksPendingSubtasksCancelled(t *testing.T) {
	dag, err := model.NewDAG([]*model.Subtask{
		{ID: "s1", Status: model.StatusPending, RequiredCapabilities: []string{"x"}},
		{ID: "s2", Status: model.StatusPending, RequiredCapabilities: []string{"x"}, Dependencies: []string{"s1"}},
	})
	require.NoError(t, err)
	s, _, _ := newFixture(t, dag, 8)

	s.Cancel()
	assert.Equal(t, model.StatusCancelled, dag.Subtasks["s1"].Status)
	assert.Equal(t, model.StatusCancelled, dag.Subtasks["s2"].Status)
}

func TestInFlightNeverExceedsParallelismCap(t *testing.T) {
	subtasks := make([]*model.Subtask, 0, 5)
	for i := 0; i < 5; i++ {
		subtasks = append(subtasks, &model.Subtask{ID: string(rune('a' + i)), Status: model.StatusPending, RequiredCapabilities: []string{"x"}})
	}
	dag, err := model.NewDAG(subtasks)
	require.NoError(t, err)

	s, _, reg := newFixture(t, dag, 2)
	for i := 0; i < 5; i++ {
		id := string(rune('A' + i))
		require.NoError(t, reg.Register(model.AgentDescriptor{ID: id, Capabilities: []string{"x"}, MaxSlots: 1}))
	}

	_, _ = s.dispatchReady(context.Background(), func(string) time.Time { return model.Now().Add(time.Second) })
	assert.LessOrEqual(t, s.InFlightCount(), 2)
}
