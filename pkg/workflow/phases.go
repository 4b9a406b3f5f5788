package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/orchestrator/pkg/llmadapter"
	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/orcherr"
	"github.com/agentmesh/orchestrator/pkg/recovery"
	"github.com/agentmesh/orchestrator/pkg/scheduler"
)

// runWorkflow drives rt through its phases until a terminal task status
// is reached or the workflow pauses degraded (§4.1 phase transition graph).
func (e *Engine) runWorkflow(ctx context.Context, rt *runtimeWorkflow) {
	if !e.globalSem.TryAcquire(1) {
		if err := e.globalSem.Acquire(ctx, 1); err != nil {
			return
		}
	}
	defer e.globalSem.Release(1)

	for {
		rt.mu.Lock()
		if rt.task.Status.IsTerminal() || rt.wf.Degraded {
			rt.mu.Unlock()
			return
		}
		phase := rt.wf.Phase
		rt.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
		}

		switch phase {
		case model.PhaseInitialization:
			e.runTransitionOnly(ctx, rt, model.PhaseAnalysis)
		case model.PhaseAnalysis:
			e.runAnalysis(ctx, rt)
		case model.PhaseDecomposition:
			e.runDecomposition(ctx, rt)
		case model.PhaseCoordination:
			e.runCoordination(ctx, rt)
		case model.PhaseExecution:
			e.runExecution(ctx, rt)
		case model.PhaseReview:
			e.runReview(ctx, rt)
		case model.PhaseErrorHandling:
			e.runErrorHandling(ctx, rt)
		case model.PhaseCompletion:
			e.runCompletion(ctx, rt)
			return
		default:
			return
		}
	}
}

func (e *Engine) runTransitionOnly(ctx context.Context, rt *runtimeWorkflow, next model.Phase) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	e.transition(ctx, rt, next, nil)
}

// recordFailure appends to the workflow's error log and routes to
// error_handling, recording which phase raised so recovery knows where to
// return to on successful recovery (§3 Workflow invariant, §4.1).
func (e *Engine) recordFailure(ctx context.Context, rt *runtimeWorkflow, raisedFrom model.Phase, kind orcherr.Kind, message, subtaskID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.wf.ErrorLog = append(rt.wf.ErrorLog, model.WorkflowError{
		Phase: raisedFrom, Kind: string(kind), Message: message, At: model.Now(), SubtaskID: subtaskID,
	})
	rt.wf.ReturnPhase = raisedFrom
	e.metrics.RecordRecoveryAction(string(kind), "error_handling")
	e.transition(ctx, rt, model.PhaseErrorHandling, nil)
}

func (e *Engine) failWorkflow(ctx context.Context, rt *runtimeWorkflow, kind orcherr.Kind, message string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.task.Status = model.StatusFailed
	rt.task.CompletedAt = model.Now()
	rt.wf.ErrorLog = append(rt.wf.ErrorLog, model.WorkflowError{
		Phase: rt.wf.Phase, Kind: string(kind), Message: message, At: model.Now(),
	})
	e.checkpoint(ctx, rt, nil)
	e.metrics.RecordWorkflowTerminal("failed")
	if kind == orcherr.KindFatalInternal {
		e.logger.Error("workflow: emergency_alert", "workflow_id", rt.wf.ID, "task_id", rt.task.ID)
	}
}

// runAnalysis calls the LLM adapter for complexity analysis, bounded by
// LLMTimeout, and decides whether to decompose or execute directly (§4.1).
func (e *Engine) runAnalysis(ctx context.Context, rt *runtimeWorkflow) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	defer cancel()

	rt.mu.Lock()
	task := rt.task
	rt.mu.Unlock()

	result, err := e.llm.Analyze(callCtx, taskView(task))
	if err != nil {
		kind := classifyLLMError(callCtx, err)
		e.recordFailure(ctx, rt, model.PhaseAnalysis, kind, err.Error(), "")
		return
	}

	decision := &Decision{Kind: "analysis", ComplexityScore: result.ComplexityScore, NeedsDecomposition: result.NeedsDecomposition, Rationale: result.Rationale}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	next := model.PhaseCoordination
	if result.NeedsDecomposition {
		next = model.PhaseDecomposition
	} else {
		rt.wf.DAG = singleSubtaskDAG(task)
	}
	e.transition(ctx, rt, next, decision)
}

// runDecomposition calls the LLM adapter for a proposed subtask DAG,
// validates it (acyclic, known capabilities, count ceiling), and hands
// validated DAGs to coordination (§4.1).
func (e *Engine) runDecomposition(ctx context.Context, rt *runtimeWorkflow) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	defer cancel()

	rt.mu.Lock()
	task := rt.task
	excluded := append([]string(nil), rt.excludedCapabilities...)
	rt.mu.Unlock()

	known := knownCapabilities(e.registry, excluded)
	dctx := llmadapter.DecompositionContext{KnownCapabilities: known}

	result, err := e.llm.Decompose(callCtx, taskView(task), dctx)
	if err != nil {
		kind := classifyLLMError(callCtx, err)
		e.recordFailure(ctx, rt, model.PhaseDecomposition, kind, err.Error(), "")
		return
	}

	subtasks := make([]*model.Subtask, 0, len(result.Subtasks))
	for _, p := range result.Subtasks {
		id := p.ID
		if id == "" {
			id = uuid.NewString()
		}
		subtasks = append(subtasks, &model.Subtask{
			ID: id, ParentTaskID: task.ID, Title: p.Title, Description: p.Description,
			RequiredCapabilities: p.RequiredCapabilities, Dependencies: p.Dependencies,
			Status: model.StatusPending, SchedPriority: task.Priority,
		})
	}

	if len(subtasks) > e.cfg.SubtaskCountCeiling {
		e.recordFailure(ctx, rt, model.PhaseDecomposition, orcherr.KindValidationFailed, "subtask count exceeds ceiling", "")
		return
	}

	if missing := firstUnknownCapability(subtasks, known); missing != "" {
		e.recordFailure(ctx, rt, model.PhaseDecomposition, orcherr.KindCapabilityMissing, "unknown capability "+missing, "")
		return
	}

	dag, err := model.NewDAG(subtasks)
	if err != nil {
		e.recordFailure(ctx, rt, model.PhaseDecomposition, orcherr.KindValidationFailed, err.Error(), "")
		return
	}

	decision := &Decision{Kind: "decomposition"}
	rt.mu.Lock()
	rt.wf.DAG = dag
	defer rt.mu.Unlock()
	e.transition(ctx, rt, model.PhaseCoordination, decision)
}

// runCoordination binds the validated DAG to a fresh scheduler instance
// wired to the registry and recovery strategy (§4.1, §4.4).
func (e *Engine) runCoordination(ctx context.Context, rt *runtimeWorkflow) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	sched := scheduler.New(e.logger, e.bus, e.registry, rt.wf.ID, rt.wf.DAG, e.cfg.PerWorkflowParallelism)
	sched.SetMetrics(e.metrics)
	sched.OnRecoverable = func(subtaskID string, kind orcherr.Kind) (retry, reassign bool) {
		return e.classifyForRetry(rt, subtaskID, kind)
	}
	rt.sched = sched
	e.transition(ctx, rt, model.PhaseExecution, nil)
}

// classifyForRetry implements the subset of the strategy table (§4.5)
// that the scheduler itself can resolve without a round trip through
// error_handling: capability_missing is always terminal at the subtask
// level, subtask_timeout gets bounded reassignment.
func (e *Engine) classifyForRetry(rt *runtimeWorkflow, subtaskID string, kind orcherr.Kind) (retry, reassign bool) {
	if kind == orcherr.KindCapabilityMissing {
		return false, false
	}
	if kind == orcherr.KindSubtaskTimeout {
		st := rt.wf.DAG.Subtasks[subtaskID]
		if st.Attempts < recovery.MaxAttemptsFor(orcherr.KindSubtaskTimeout) {
			return false, true
		}
		return false, false
	}
	return false, false
}

// runExecution drives the scheduler to completion or classified failure,
// feeding it responses from the bus and synthesizing timeouts (§4.4, §5).
func (e *Engine) runExecution(ctx context.Context, rt *runtimeWorkflow) {
	rt.mu.Lock()
	sched := rt.sched
	responses := rt.responses
	rt.mu.Unlock()

	watchCtx, stopWatch := context.WithCancel(ctx)
	go e.watchDeadlines(watchCtx, sched, responses)
	outcome := sched.Run(ctx, func(string) time.Time { return model.Now().Add(e.cfg.LLMTimeout) }, responses)
	stopWatch()

	if outcome.Success {
		rt.mu.Lock()
		e.transition(ctx, rt, model.PhaseReview, nil)
		rt.mu.Unlock()
		return
	}
	e.recordFailure(ctx, rt, model.PhaseExecution, outcome.FailKind, "subtask failed", outcome.FailedSubtask)
}

// watchDeadlines polls for expired in-flight subtasks and synthesizes a
// timed-out SubtaskResponse, since a real agent may never reply (§4.4 "Deadlines").
func (e *Engine) watchDeadlines(ctx context.Context, sched *scheduler.Scheduler, responses chan<- scheduler.SubtaskResponse) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range sched.Expired(model.Now()) {
				select {
				case responses <- scheduler.SubtaskResponse{SubtaskID: id, TimedOut: true}:
				default:
				}
			}
		}
	}
}

// runReview aggregates subtask outputs, optionally verifies them, and
// decides completion vs. rework (§4.1).
func (e *Engine) runReview(ctx context.Context, rt *runtimeWorkflow) {
	rt.mu.Lock()
	output := model.Payload{}
	if rt.wf.DAG != nil {
		for _, id := range rt.wf.DAG.Order {
			for k, v := range rt.wf.DAG.Subtasks[id].Output {
				output[k] = v
			}
		}
	}
	rt.task.Output = output
	rt.mu.Unlock()

	if e.cfg.ReviewVerify {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
		result, err := e.llm.Analyze(callCtx, taskView(rt.task))
		cancel()
		if err == nil && result.NeedsDecomposition {
			rt.mu.Lock()
			rt.wf.ReworkCount++
			if rt.wf.ReworkCount > e.cfg.ReworkCeiling {
				rt.mu.Unlock()
				e.recordFailure(ctx, rt, model.PhaseReview, orcherr.KindReviewExhausted, "rework ceiling exceeded", "")
				return
			}
			if rt.wf.DAG != nil {
				for _, id := range rt.wf.DAG.Order {
					rt.wf.DAG.Subtasks[id].Status = model.StatusPending
				}
			}
			e.transition(ctx, rt, model.PhaseExecution, nil)
			rt.mu.Unlock()
			return
		}
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	e.transition(ctx, rt, model.PhaseCompletion, nil)
}

// runCompletion writes the final artifact and marks the task completed (§4.1).
func (e *Engine) runCompletion(ctx context.Context, rt *runtimeWorkflow) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.task.Status = model.StatusCompleted
	rt.task.CompletedAt = model.Now()
	e.checkpoint(ctx, rt, nil)
}

// runErrorHandling applies the §4.5 strategy table against the most
// recent error log entry, bounded by the recovery budget and the
// error_handling loop cap K (§3 Workflow invariant).
func (e *Engine) runErrorHandling(ctx context.Context, rt *runtimeWorkflow) {
	rt.mu.Lock()
	if len(rt.wf.ErrorLog) == 0 {
		rt.mu.Unlock()
		e.failWorkflow(ctx, rt, orcherr.KindFatalInternal, "error_handling entered with no error recorded")
		return
	}
	last := rt.wf.ErrorLog[len(rt.wf.ErrorLog)-1]
	kind := orcherr.Kind(last.Kind)
	strategy := recovery.StrategyFor(kind)
	rt.wf.RecoveryCount++
	recoveryCount := rt.wf.RecoveryCount
	returnPhase := rt.wf.ReturnPhase
	rt.mu.Unlock()

	exhausted := rt.tracker.Account(kind, strategy)
	e.metrics.SetRecoveryBudgetRemaining(rt.wf.ID, rt.tracker.Remaining())
	if exhausted {
		e.failWorkflow(ctx, rt, orcherr.KindFatalInternal, "recovery budget exceeded")
		return
	}
	if recoveryCount > e.cfg.ErrorHandlingLoopCap {
		e.failWorkflow(ctx, rt, orcherr.KindFatalInternal, "error_handling loop cap exceeded")
		return
	}

	rt.attemptsByKind[kind]++
	if max := recovery.MaxAttemptsFor(kind); max > 0 && rt.attemptsByKind[kind] > max {
		e.failWorkflow(ctx, rt, kind, "retry attempts exhausted")
		return
	}

	switch strategy {
	case recovery.ActionRetry:
		delay := recovery.Delay(kind, rt.attemptsByKind[kind])
		e.logger.Debug("workflow: retry backoff", "workflow_id", rt.wf.ID, "kind", kind, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		rt.mu.Lock()
		e.transition(ctx, rt, returnPhase, nil)
		rt.mu.Unlock()
	case recovery.ActionEscalate:
		rt.mu.Lock()
		rt.excludedCapabilities = append(rt.excludedCapabilities, missingCapabilityFromLog(last.Message))
		e.transition(ctx, rt, model.PhaseDecomposition, nil)
		rt.mu.Unlock()
	case recovery.ActionRework:
		rt.mu.Lock()
		rt.wf.ReworkCount++
		exceeded := rt.wf.ReworkCount > e.cfg.ReworkCeiling
		if !exceeded {
			e.transition(ctx, rt, returnPhase, nil)
		}
		rt.mu.Unlock()
		if exceeded {
			e.failWorkflow(ctx, rt, orcherr.KindReviewExhausted, "rework ceiling exceeded")
		}
	case recovery.ActionReassign:
		rt.mu.Lock()
		e.transition(ctx, rt, model.PhaseExecution, nil)
		rt.mu.Unlock()
	case recovery.ActionQuarantine:
		e.failWorkflow(ctx, rt, orcherr.KindCheckpointCorrupt, "workflow quarantined")
	default:
		e.failWorkflow(ctx, rt, kind, "unrecoverable")
	}
}

func missingCapabilityFromLog(message string) string {
	const prefix = "unknown capability "
	if len(message) > len(prefix) && message[:len(prefix)] == prefix {
		return message[len(prefix):]
	}
	return ""
}

func taskView(task *model.Task) llmadapter.TaskView {
	return llmadapter.TaskView{ID: task.ID, Title: task.Title, Description: task.Description, Input: task.Input}
}

func singleSubtaskDAG(task *model.Task) *model.DAG {
	// §8 scenario 1 submits a task with no declared type at all ({title:
	// "echo", ...} matched against an agent registered with capability
	// {echo}); fall back to the title before "default" so the direct
	// execution path can still find a candidate for an untyped task.
	capability := task.Type
	if capability == "" {
		capability = task.Title
	}
	if capability == "" {
		capability = "default"
	}
	subtask := &model.Subtask{
		ID: uuid.NewString(), ParentTaskID: task.ID, Title: task.Title,
		RequiredCapabilities: []string{capability}, Status: model.StatusPending,
		Input: task.Input, SchedPriority: task.Priority,
	}
	dag, _ := model.NewDAG([]*model.Subtask{subtask})
	return dag
}

func knownCapabilities(reg interface {
	Snapshot() []model.Agent
}, excluded []string) []string {
	excludedSet := make(map[string]struct{}, len(excluded))
	for _, c := range excluded {
		excludedSet[c] = struct{}{}
	}
	seen := make(map[string]struct{})
	var caps []string
	for _, a := range reg.Snapshot() {
		for c := range a.Capabilities {
			if _, skip := excludedSet[c]; skip {
				continue
			}
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				caps = append(caps, c)
			}
		}
	}
	return caps
}

func firstUnknownCapability(subtasks []*model.Subtask, known []string) string {
	knownSet := make(map[string]struct{}, len(known))
	for _, c := range known {
		knownSet[c] = struct{}{}
	}
	for _, st := range subtasks {
		for _, c := range st.RequiredCapabilities {
			if _, ok := knownSet[c]; !ok {
				return c
			}
		}
	}
	return ""
}

// classifyLLMError maps an adapter failure onto llm_unavailable/llm_malformed (§4.1).
func classifyLLMError(ctx context.Context, err error) orcherr.Kind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return orcherr.KindLLMUnavailable
	}
	var adapterErr *llmadapter.Error
	if errors.As(err, &adapterErr) {
		if adapterErr.Kind == llmadapter.FailureMalformed {
			return orcherr.KindLLMMalformed
		}
	}
	return orcherr.KindLLMUnavailable
}
