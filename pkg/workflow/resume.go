package workflow

import (
	"context"

	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/orcherr"
	"github.com/agentmesh/orchestrator/pkg/recovery"
	"github.com/agentmesh/orchestrator/pkg/scheduler"
)

// Resume reconstructs a workflow from its latest checkpoint and continues
// driving it from the persisted phase, without re-consulting the LLM for
// any decision already recorded (§4.1 "Determinism for replay", §8
// end-to-end scenario 6). The cache is bypassed so a crash that happened
// between a write and a cache invalidation can never resume from stale
// state (§5).
func (e *Engine) Resume(ctx context.Context, workflowID string) error {
	cp, err := e.store.LatestCheckpoint(ctx, workflowID, true)
	if err != nil {
		return orcherr.New(component, "Resume", orcherr.KindFatalInternal, "checkpoint lookup failed", err)
	}
	if cp == nil {
		return orcherr.New(component, "Resume", orcherr.KindNotFound, "no checkpoint for workflow "+workflowID, nil)
	}

	snap, err := unmarshalSnapshot(cp.State)
	if err != nil {
		// A corrupt checkpoint is quarantined, not retried (§4.5 checkpoint_corrupt).
		return orcherr.New(component, "Resume", orcherr.KindCheckpointCorrupt, "checkpoint unmarshal failed", err)
	}

	e.mu.RLock()
	_, already := e.byWorkflow[workflowID]
	e.mu.RUnlock()
	if already {
		return nil
	}

	wf := &model.Workflow{
		ID:          snap.WorkflowID,
		TaskID:      snap.TaskID,
		Phase:       snap.Phase,
		ReturnPhase: snap.ReturnPhase,
		Assignments: snap.Assignments,
		ErrorLog:    snap.ErrorLog,
		Degraded:    snap.Degraded,
		ReworkCount: snap.ReworkCount,
		RecoveryCount: snap.RecoveryCount,
	}
	if wf.Assignments == nil {
		wf.Assignments = make(map[string]string)
	}
	if len(snap.Subtasks) > 0 {
		dag, err := model.NewDAG(snap.Subtasks)
		if err != nil {
			return orcherr.New(component, "Resume", orcherr.KindCheckpointCorrupt, "checkpoint DAG invalid", err)
		}
		wf.DAG = dag
	}

	rt := &runtimeWorkflow{
		wf:             wf,
		task:           snap.Task,
		tracker:        recovery.NewTracker(e.cfg.RecoveryBudget),
		responses:      make(chan scheduler.SubtaskResponse, 32),
		stepID:         cp.StepID,
		attemptsByKind: make(map[orcherr.Kind]int),
	}

	// A workflow paused mid-execution needs its scheduler rebuilt before
	// runExecution can drive it further; runCoordination does this itself
	// on the next pass through the phase switch, so resuming into
	// execution with a nil scheduler would stall. Route it back through
	// coordination instead of replaying straight into execution.
	if wf.Phase == model.PhaseExecution {
		wf.Phase = model.PhaseCoordination
	}

	e.mu.Lock()
	e.byTask[wf.TaskID] = rt
	e.byWorkflow[wf.ID] = rt
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	go e.runWorkflow(runCtx, rt)

	return nil
}
