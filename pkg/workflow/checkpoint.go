package workflow

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/storage"
)

// checkpoint captures rt's current state and persists it (§3 Checkpoint
// invariant: checkpoints for a workflow are totally ordered). Every phase
// transition is preceded by exactly one such write (§4.1, §8 invariant 1).
func (e *Engine) checkpoint(ctx context.Context, rt *runtimeWorkflow, decision *Decision) error {
	rt.stepID++
	snap := snapshot{
		WorkflowID:    rt.wf.ID,
		TaskID:        rt.task.ID,
		Phase:         rt.wf.Phase,
		ReturnPhase:   rt.wf.ReturnPhase,
		Task:          rt.task,
		Assignments:   rt.wf.Assignments,
		ErrorLog:      rt.wf.ErrorLog,
		Degraded:      rt.wf.Degraded,
		ReworkCount:   rt.wf.ReworkCount,
		RecoveryCount: rt.wf.RecoveryCount,
		Decision:      decision,
		CapturedAt:    model.Now(),
	}
	if rt.wf.DAG != nil {
		snap.SubtaskOrder = rt.wf.DAG.Order
		snap.Subtasks = make([]*model.Subtask, 0, len(rt.wf.DAG.Order))
		for _, id := range rt.wf.DAG.Order {
			snap.Subtasks = append(snap.Subtasks, rt.wf.DAG.Subtasks[id])
		}
	}

	data, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}

	cp := storage.Checkpoint{WorkflowID: rt.wf.ID, StepID: rt.stepID, Phase: string(rt.wf.Phase), State: data, CapturedAt: snap.CapturedAt}
	if err := e.store.PutCheckpoint(ctx, cp); err != nil {
		rt.stepID--
		return err
	}
	rt.wf.CheckpointIDs = append(rt.wf.CheckpointIDs, checkpointID(rt.wf.ID, rt.stepID))
	return nil
}

func checkpointID(workflowID string, stepID int64) string {
	return workflowID + "#" + itoa(stepID)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// transition checkpoints rt's upcoming state and, only if that write
// succeeds, advances the phase (§4.1: "if the write fails, the transition
// is aborted and recovery is invoked" — here: the workflow pauses
// degraded, per §4.1 "Failure semantics").
func (e *Engine) transition(ctx context.Context, rt *runtimeWorkflow, next model.Phase, decision *Decision) bool {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "workflow.transition", trace.WithAttributes(
			attribute.String("workflow_id", rt.wf.ID),
			attribute.String("from_phase", string(rt.wf.Phase)),
			attribute.String("to_phase", string(next)),
		))
		defer span.End()
	}

	prevPhase := rt.wf.Phase
	rt.wf.Phase = next
	if err := e.checkpoint(ctx, rt, decision); err != nil {
		rt.wf.Phase = prevPhase
		rt.wf.Degraded = true
		e.logger.Error("workflow: checkpoint write failed, pausing workflow", "workflow_id", rt.wf.ID, "error", err)
		return false
	}
	e.metrics.SetWorkflowsActive(string(next), 1)
	if e.events != nil {
		e.events.Publish(Event{
			TaskID:    rt.task.ID,
			Phase:     next,
			Status:    rt.task.Status,
			Timestamp: model.Now(),
		})
	}
	return true
}
