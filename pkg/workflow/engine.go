// Package workflow is the orchestration runtime's core: a per-task state
// machine advancing through analysis → decomposition → coordination →
// execution → review → completion, with checkpointing and resume (§4.1).
package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/agentmesh/orchestrator/pkg/agentregistry"
	"github.com/agentmesh/orchestrator/pkg/bus"
	"github.com/agentmesh/orchestrator/pkg/llmadapter"
	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/observability"
	"github.com/agentmesh/orchestrator/pkg/orcherr"
	"github.com/agentmesh/orchestrator/pkg/recovery"
	"github.com/agentmesh/orchestrator/pkg/scheduler"
	"github.com/agentmesh/orchestrator/pkg/storage"
)

const component = "workflow"

// EngineRecipient is the bus recipient ID agents send task_response
// envelopes to; the engine's inbox-drain loop fans each reply out to the
// owning workflow by the envelope payload's workflow_id (§9 "Cyclic
// references": no agent holds a direct handle to the engine).
const EngineRecipient = "engine"

// runtimeWorkflow is the engine's in-memory handle on one workflow; the
// durable truth is the checkpoint log (§3 "Ownership").
type runtimeWorkflow struct {
	mu        sync.Mutex
	wf        *model.Workflow
	task      *model.Task
	sched     *scheduler.Scheduler
	tracker   *recovery.Tracker
	responses chan scheduler.SubtaskResponse
	cancel    context.CancelFunc
	stepID    int64

	excludedCapabilities []string
	attemptsByKind        map[orcherr.Kind]int
}

// Engine drives every in-flight workflow's state machine (§4.1).
type Engine struct {
	logger   *slog.Logger
	cfg      Config
	store    *storage.Store
	bus      *bus.Bus
	registry *agentregistry.Registry
	llm      llmadapter.Adapter

	globalSem *semaphore.Weighted

	metrics *observability.Metrics
	tracer  trace.Tracer
	events  EventSink

	mu         sync.RWMutex
	byTask     map[string]*runtimeWorkflow
	byWorkflow map[string]*runtimeWorkflow
}

// Event is one outbound completion/progress notification (§6 "Outbound
// completion events"): task_id, phase, status, an optional payload, and
// the time it was raised.
type Event struct {
	TaskID    string
	Phase     model.Phase
	Status    model.Status
	Payload   model.Payload
	Timestamp time.Time
}

// EventSink receives every phase transition the engine makes, for
// streaming to reconnecting listeners with cursor-based resend (§6).
type EventSink interface {
	Publish(Event)
}

// SetEventSink wires an EventSink into the engine after construction,
// the same post-construction pattern as SetObservability.
func (e *Engine) SetEventSink(sink EventSink) {
	e.events = sink
}

// SetObservability wires metrics and tracing into the engine after
// construction, the same post-construction pattern as
// agentregistry.Registry.SetSink — both exist because cmd/orchestratord
// builds the observability stack from the same config it builds the
// engine from, so neither can strictly precede the other.
func (e *Engine) SetObservability(m *observability.Metrics, tracer trace.Tracer) {
	e.metrics = m
	e.tracer = tracer
}

// New constructs an Engine. It registers EngineRecipient on the bus and
// starts the inbox-drain loop; callers must call Close to stop it.
func New(logger *slog.Logger, cfg Config, store *storage.Store, b *bus.Bus, reg *agentregistry.Registry, llm llmadapter.Adapter) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ApplyDefaults()
	e := &Engine{
		logger:     logger,
		cfg:        cfg,
		store:      store,
		bus:        b,
		registry:   reg,
		llm:        llm,
		globalSem:  semaphore.NewWeighted(int64(cfg.MaxParallelWorkflows)),
		byTask:     make(map[string]*runtimeWorkflow),
		byWorkflow: make(map[string]*runtimeWorkflow),
	}
	b.Register(EngineRecipient)
	go e.drainInbox()
	// The registry's SweepUnreachable directive sink routes agent_unreachable
	// reassignment straight to in-flight subtasks (§4.3), bypassing
	// error_handling entirely per the spec's own failure-handling split.
	return e
}

// drainInbox fans task_response envelopes out to the owning workflow's
// response channel, keyed by the envelope payload's workflow_id.
func (e *Engine) drainInbox() {
	ch, _ := e.bus.Inbox(EngineRecipient)
	for env := range ch {
		if env.Kind != model.KindTaskResponse {
			continue
		}
		wfID, _ := env.Payload["workflow_id"].(string)
		e.mu.RLock()
		rt, ok := e.byWorkflow[wfID]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		resp := scheduler.SubtaskResponse{
			SubtaskID: stringField(env.Payload, "subtask_id"),
			AgentID:   env.Sender,
			Success:   boolField(env.Payload, "success"),
		}
		if out, ok := env.Payload["output"].(model.Payload); ok {
			resp.Output = out
		}
		if k, ok := env.Payload["kind"].(string); ok {
			resp.Kind = orcherr.Kind(k)
		}
		select {
		case rt.responses <- resp:
		default:
			e.logger.Warn("workflow: response channel full, dropping", "workflow_id", wfID, "subtask_id", resp.SubtaskID)
		}
	}
}

func stringField(p model.Payload, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func boolField(p model.Payload, key string) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return false
}

// ReassignAgent implements agentregistry.DirectiveSink: when an agent
// goes unreachable, every in-flight subtask assigned to it across every
// live workflow is reset to pending for redispatch (§4.3 "Failure handling").
func (e *Engine) ReassignAgent(agentID string) {
	e.mu.RLock()
	workflows := make([]*runtimeWorkflow, 0, len(e.byWorkflow))
	for _, rt := range e.byWorkflow {
		workflows = append(workflows, rt)
	}
	e.mu.RUnlock()

	for _, rt := range workflows {
		rt.mu.Lock()
		if rt.wf.DAG != nil {
			for _, id := range rt.wf.DAG.Order {
				st := rt.wf.DAG.Subtasks[id]
				if st.Assignee == agentID && st.Status == model.StatusInProgress {
					st.Status = model.StatusPending
					st.Assignee = ""
				}
			}
		}
		rt.mu.Unlock()
	}
}

// SubmitTask validates, persists a pending task, opens a workflow at
// initialization, and returns its workflow_id immediately (§4.1).
func (e *Engine) SubmitTask(ctx context.Context, task *model.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if err := task.Validate(); err != nil {
		return "", orcherr.New(component, "SubmitTask", orcherr.KindInvalidInput, err.Error(), err)
	}
	task.Status = model.StatusPending
	task.CreatedAt = model.Now()

	wf := &model.Workflow{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		Phase:       model.PhaseInitialization,
		Assignments: make(map[string]string),
	}
	rt := &runtimeWorkflow{
		wf:             wf,
		task:           task,
		tracker:        recovery.NewTracker(e.cfg.RecoveryBudget),
		responses:      make(chan scheduler.SubtaskResponse, 32),
		attemptsByKind: make(map[orcherr.Kind]int),
	}

	e.mu.Lock()
	e.byTask[task.ID] = rt
	e.byWorkflow[wf.ID] = rt
	e.mu.Unlock()

	if err := e.checkpoint(ctx, rt, nil); err != nil {
		return "", orcherr.New(component, "SubmitTask", orcherr.KindFatalInternal, "initial checkpoint failed", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	go e.runWorkflow(runCtx, rt)

	return wf.ID, nil
}

// CancelTask marks task_id cancelled, revokes in-flight subtasks, and
// checkpoints the final state. Idempotent (§4.1).
func (e *Engine) CancelTask(ctx context.Context, taskID string) (model.Status, error) {
	e.mu.RLock()
	rt, ok := e.byTask[taskID]
	e.mu.RUnlock()
	if !ok {
		return "", orcherr.New(component, "CancelTask", orcherr.KindNotFound, "unknown task "+taskID, nil)
	}

	rt.mu.Lock()
	if rt.task.Status.IsTerminal() {
		status := rt.task.Status
		rt.mu.Unlock()
		return status, nil
	}
	rt.task.Status = model.StatusCancelled
	rt.task.CompletedAt = model.Now()
	var inFlightIDs []string
	if rt.sched != nil {
		inFlightIDs = rt.sched.Cancel()
	}
	rt.mu.Unlock()

	for _, id := range inFlightIDs {
		st := rt.wf.DAG.Subtasks[id]
		if st.Assignee != "" {
			_ = e.bus.Send(ctx, st.Assignee, model.Envelope{
				Kind:      model.KindTaskCancel,
				Payload:   model.Payload{"subtask_id": id, "workflow_id": rt.wf.ID},
				ExpiresAt: model.Now().Add(time.Minute),
			})
		}
	}

	_ = e.checkpoint(ctx, rt, nil)
	if rt.cancel != nil {
		rt.cancel()
	}
	return model.StatusCancelled, nil
}

// GetStatus returns a read-optimized snapshot (§4.1, §6).
func (e *Engine) GetStatus(taskID string) (StatusSnapshot, error) {
	e.mu.RLock()
	rt, ok := e.byTask[taskID]
	e.mu.RUnlock()
	if !ok {
		return StatusSnapshot{}, orcherr.New(component, "GetStatus", orcherr.KindNotFound, "unknown task "+taskID, nil)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return buildSnapshot(rt), nil
}

// RecoveryStats returns the recovery budget accounting for taskID's
// workflow, for the operator-facing recovery inspection
// (SPEC_FULL §C).
func (e *Engine) RecoveryStats(taskID string) (recovery.Stats, error) {
	e.mu.RLock()
	rt, ok := e.byTask[taskID]
	e.mu.RUnlock()
	if !ok {
		return recovery.Stats{}, orcherr.New(component, "RecoveryStats", orcherr.KindNotFound, "unknown task "+taskID, nil)
	}
	return rt.tracker.Stats(), nil
}

// Close stops the engine's inbox-drain loop by deregistering its bus recipient.
func (e *Engine) Close() {
	e.bus.Deregister(EngineRecipient)
}
