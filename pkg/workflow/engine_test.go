package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/pkg/agentregistry"
	"github.com/agentmesh/orchestrator/pkg/bus"
	"github.com/agentmesh/orchestrator/pkg/llmadapter"
	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/storage"
)

// testHarness wires a real sqlite-backed Store, an in-memory Bus and
// Registry, and an Engine, matching how cmd/orchestratord assembles them.
type testHarness struct {
	t        *testing.T
	engine   *Engine
	bus      *bus.Bus
	registry *agentregistry.Registry
	store    *storage.Store
}

func newHarness(t *testing.T, llm llmadapter.Adapter, cfg Config) *testHarness {
	t.Helper()
	dbCfg := &storage.DatabaseConfig{Driver: "sqlite", Database: ":memory:"}
	dbCfg.SetDefaults()
	pool, err := storage.Open(context.Background(), nil, dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	require.NoError(t, pool.Migrate(context.Background(), dbCfg.Dialect()))
	store, err := storage.NewStore(pool, dbCfg)
	require.NoError(t, err)

	b := bus.New(nil, 256)
	reg := agentregistry.New(nil, time.Minute, nil)
	e := New(nil, cfg, store, b, reg, llm)
	t.Cleanup(e.Close)
	reg.SetSink(e)

	return &testHarness{t: t, engine: e, bus: b, registry: reg, store: store}
}

// runEchoAgent registers agentID with the given capabilities and answers
// every task_request it receives with a successful task_response that
// echoes the request's input back as output.
func runEchoAgent(t *testing.T, h *testHarness, agentID string, capabilities []string) {
	t.Helper()
	require.NoError(t, h.registry.Register(model.AgentDescriptor{ID: agentID, Type: "worker", Capabilities: capabilities, MaxSlots: 4}))
	ch := h.bus.Register(agentID)
	h.bus.SetHealthy(agentID, true)

	go func() {
		for env := range ch {
			if env.Kind != model.KindTaskRequest {
				continue
			}
			subtaskID, _ := env.Payload["subtask_id"].(string)
			wfID, _ := env.Payload["workflow_id"].(string)
			_ = h.bus.Send(context.Background(), EngineRecipient, model.Envelope{
				Sender: agentID,
				Kind:   model.KindTaskResponse,
				Payload: model.Payload{
					"workflow_id": wfID,
					"subtask_id":  subtaskID,
					"success":     true,
					"output":      model.Payload{"echoed": env.Payload["input"]},
				},
			})
		}
	}()
}

func waitForStatus(t *testing.T, e *Engine, taskID string, want model.Status, timeout time.Duration) StatusSnapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last StatusSnapshot
	for time.Now().Before(deadline) {
		snap, err := e.GetStatus(taskID)
		require.NoError(t, err)
		last = snap
		if snap.Status == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status never reached %q, last seen %+v", want, last)
	return last
}

// Scenario 1: a trivial (non-decomposed) task dispatches to a single
// matching agent and completes (§8 scenario 1).
func TestEndToEndTrivialTaskCompletes(t *testing.T) {
	llm := &llmadapter.Fake{
		AnalyzeFunc: func(ctx context.Context, task llmadapter.TaskView) (llmadapter.AnalysisResult, error) {
			return llmadapter.AnalysisResult{ComplexityScore: 0.1, NeedsDecomposition: false}, nil
		},
	}
	h := newHarness(t, llm, Config{})
	runEchoAgent(t, h, "agent-1", []string{"echo"})

	wfID, err := h.engine.SubmitTask(context.Background(), &model.Task{
		Title: "ping", Description: "say hi", Type: "echo", Priority: 3, RequesterID: "u1",
		Input: model.Payload{"message": "hello"},
	})
	require.NoError(t, err)

	snap := waitForStatus(t, h.engine, taskIDFromWorkflow(h, wfID), model.StatusCompleted, 2*time.Second)
	require.Equal(t, model.PhaseCompletion, snap.Phase)
}

func taskIDFromWorkflow(h *testHarness, wfID string) string {
	h.engine.mu.RLock()
	defer h.engine.mu.RUnlock()
	rt := h.engine.byWorkflow[wfID]
	return rt.task.ID
}

// Scenario 2: a decomposed task with a dependency completes only after
// its parent subtask, exercising DAG ordering (§8 scenario 2).
func TestEndToEndDecomposedTaskRespectsDependencies(t *testing.T) {
	llm := &llmadapter.Fake{
		AnalyzeFunc: func(ctx context.Context, task llmadapter.TaskView) (llmadapter.AnalysisResult, error) {
			return llmadapter.AnalysisResult{ComplexityScore: 0.9, NeedsDecomposition: true}, nil
		},
		DecomposeFunc: func(ctx context.Context, task llmadapter.TaskView, dctx llmadapter.DecompositionContext) (llmadapter.DecompositionResult, error) {
			return llmadapter.DecompositionResult{Subtasks: []llmadapter.SubtaskProposal{
				{ID: "fetch", Title: "fetch", RequiredCapabilities: []string{"fetch"}},
				{ID: "summarize", Title: "summarize", RequiredCapabilities: []string{"summarize"}, Dependencies: []string{"fetch"}},
			}}, nil
		},
	}
	h := newHarness(t, llm, Config{})
	runEchoAgent(t, h, "fetcher", []string{"fetch"})
	runEchoAgent(t, h, "summarizer", []string{"summarize"})

	wfID, err := h.engine.SubmitTask(context.Background(), &model.Task{
		Title: "report", Description: "build a report", Type: "report", Priority: 2, RequesterID: "u1",
	})
	require.NoError(t, err)

	snap := waitForStatus(t, h.engine, taskIDFromWorkflow(h, wfID), model.StatusCompleted, 2*time.Second)
	require.Len(t, snap.Subtasks, 2)
}

// Scenario 4: cancelling a task marks it cancelled and stops further dispatch (§8 scenario 4).
func TestEndToEndCancelStopsWorkflow(t *testing.T) {
	blocked := make(chan struct{})
	llm := &llmadapter.Fake{
		AnalyzeFunc: func(ctx context.Context, task llmadapter.TaskView) (llmadapter.AnalysisResult, error) {
			return llmadapter.AnalysisResult{ComplexityScore: 0.1, NeedsDecomposition: false}, nil
		},
	}
	h := newHarness(t, llm, Config{})
	require.NoError(t, h.registry.Register(model.AgentDescriptor{ID: "agent-1", Type: "worker", Capabilities: []string{"echo"}, MaxSlots: 1}))
	ch := h.bus.Register("agent-1")
	h.bus.SetHealthy("agent-1", true)
	go func() {
		for range ch {
			<-blocked // never reply, so the subtask stays in flight until cancel
		}
	}()

	wfID, err := h.engine.SubmitTask(context.Background(), &model.Task{
		Title: "slow", Description: "never finishes", Type: "echo", Priority: 3, RequesterID: "u1",
	})
	require.NoError(t, err)
	taskID := taskIDFromWorkflow(h, wfID)

	require.Eventually(t, func() bool {
		snap, err := h.engine.GetStatus(taskID)
		return err == nil && snap.Phase == model.PhaseExecution
	}, time.Second, 5*time.Millisecond)

	status, err := h.engine.CancelTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, status)

	status2, err := h.engine.CancelTask(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, status2, "cancel is idempotent")
	close(blocked)
}

// Scenario 5: an LLM that always fails analysis exhausts its recovery
// budget and the task ends failed, never hanging (§8 scenario 5).
func TestEndToEndLLMUnavailableExhaustsRetries(t *testing.T) {
	llm := &llmadapter.Fake{
		AnalyzeFunc: func(ctx context.Context, task llmadapter.TaskView) (llmadapter.AnalysisResult, error) {
			return llmadapter.AnalysisResult{}, &llmadapter.Error{Kind: llmadapter.FailureTimeout, Message: "upstream down"}
		},
	}
	cfg := Config{RecoveryBudget: 2, ErrorHandlingLoopCap: 2}
	h := newHarness(t, llm, cfg)

	wfID, err := h.engine.SubmitTask(context.Background(), &model.Task{
		Title: "doomed", Description: "llm never answers", Type: "echo", Priority: 3, RequesterID: "u1",
	})
	require.NoError(t, err)
	taskID := taskIDFromWorkflow(h, wfID)

	snap := waitForStatus(t, h.engine, taskID, model.StatusFailed, 2*time.Second)
	require.Contains(t, string(snap.Status), "failed")
}

// Scenario 6: resuming a workflow from its last checkpoint continues
// rather than re-running analysis against the LLM (§8 scenario 6).
func TestResumeContinuesFromLastCheckpoint(t *testing.T) {
	llm := &llmadapter.Fake{
		AnalyzeFunc: func(ctx context.Context, task llmadapter.TaskView) (llmadapter.AnalysisResult, error) {
			return llmadapter.AnalysisResult{ComplexityScore: 0.1, NeedsDecomposition: false}, nil
		},
	}
	h := newHarness(t, llm, Config{})
	// The original engine's agent never replies, so its copy of the
	// workflow stalls in execution rather than racing the resumed copy
	// to completion on its own (mirrors a dispatch that outlives a crash).
	require.NoError(t, h.registry.Register(model.AgentDescriptor{ID: "stale-agent", Type: "worker", Capabilities: []string{"echo"}, MaxSlots: 1}))
	staleCh := h.bus.Register("stale-agent")
	h.bus.SetHealthy("stale-agent", true)
	go func() {
		for range staleCh {
		}
	}()

	wfID, err := h.engine.SubmitTask(context.Background(), &model.Task{
		Title: "ping", Description: "say hi", Type: "echo", Priority: 3, RequesterID: "u1",
	})
	require.NoError(t, err)
	taskID := taskIDFromWorkflow(h, wfID)

	require.Eventually(t, func() bool {
		snap, err := h.engine.GetStatus(taskID)
		return err == nil && snap.Phase == model.PhaseExecution
	}, time.Second, 5*time.Millisecond)

	// Simulate a process restart: a fresh engine with no in-memory
	// workflows, sharing the same durable store.
	fresh := New(nil, Config{}, h.store, bus.New(nil, 256), agentregistry.New(nil, time.Minute, nil), llm)
	defer fresh.Close()
	runEchoAgentOn(t, fresh, "agent-1", []string{"echo"})

	require.NoError(t, fresh.Resume(context.Background(), wfID))
	snap := waitForStatus(t, fresh, taskID, model.StatusCompleted, 2*time.Second)
	require.Equal(t, model.PhaseCompletion, snap.Phase)
}

func runEchoAgentOn(t *testing.T, e *Engine, agentID string, capabilities []string) {
	t.Helper()
	// The fresh engine was built with its own bus and registry, so the
	// agent needs to be registered against those, not the original
	// harness's.
	reg := engineRegistry(e)
	b := engineBus(e)
	require.NoError(t, reg.Register(model.AgentDescriptor{ID: agentID, Type: "worker", Capabilities: capabilities, MaxSlots: 4}))
	ch := b.Register(agentID)
	b.SetHealthy(agentID, true)
	go func() {
		for env := range ch {
			if env.Kind != model.KindTaskRequest {
				continue
			}
			subtaskID, _ := env.Payload["subtask_id"].(string)
			wfID, _ := env.Payload["workflow_id"].(string)
			_ = b.Send(context.Background(), EngineRecipient, model.Envelope{
				Sender: agentID,
				Kind:   model.KindTaskResponse,
				Payload: model.Payload{
					"workflow_id": wfID,
					"subtask_id":  subtaskID,
					"success":     true,
					"output":      model.Payload{"echoed": env.Payload["input"]},
				},
			})
		}
	}()
}

func engineRegistry(e *Engine) *agentregistry.Registry { return e.registry }
func engineBus(e *Engine) *bus.Bus                     { return e.bus }
