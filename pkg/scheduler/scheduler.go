// Package scheduler executes a validated subtask DAG to completion or
// classified failure, honoring dependencies, parallelism bounds, and
// cancellation (§4.4).
//
// The ready-set/in-flight-set loop and priority-then-FIFO tie-break are
// grounded on the teacher's worker-pool dispatch shape; the per-workflow
// concurrency cap is enforced with golang.org/x/sync/semaphore the way
// the pack's higher-concurrency services bound fan-out, rather than a
// hand-rolled counting construct.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agentmesh/orchestrator/pkg/agentregistry"
	"github.com/agentmesh/orchestrator/pkg/bus"
	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/observability"
	"github.com/agentmesh/orchestrator/pkg/orcherr"
)

// DefaultParallelism is the per-workflow subtask parallelism cap (§4.4, §5).
const DefaultParallelism = 8

// Outcome is delivered to OnTerminal when the DAG finishes (§4.4 "Terminal conditions").
type Outcome struct {
	Success       bool
	FailedSubtask string
	FailKind      orcherr.Kind
}

// RecoveryHook lets the scheduler hand a failed subtask to error recovery
// without importing pkg/recovery directly (keeps scheduler dependency-light
// and avoids a cycle since recovery may itself want scheduler stats later).
type RecoveryHook func(subtaskID string, kind orcherr.Kind) (retry bool, reassign bool)

// Scheduler drives one workflow's DAG (§4.4). One instance per in-flight workflow.
type Scheduler struct {
	logger      *slog.Logger
	bus         *bus.Bus
	registry    *agentregistry.Registry
	dag         *model.DAG
	workflowID  string
	parallelism int64
	sem         *semaphore.Weighted

	mu          sync.Mutex
	inFlight    map[string]time.Time // subtask ID -> deadline
	dispatchedAt map[string]time.Time
	cancelled   bool

	OnRecoverable RecoveryHook

	metrics *observability.Metrics
}

// SetMetrics wires a Metrics collector into the scheduler after
// construction, the same post-construction pattern as
// agentregistry.Registry.SetSink.
func (s *Scheduler) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// New constructs a Scheduler for one workflow's DAG. workflowID is stamped
// onto every dispatch envelope so the responding agent can address its
// task_response back to the right workflow (§4.2).
func New(logger *slog.Logger, b *bus.Bus, reg *agentregistry.Registry, workflowID string, dag *model.DAG, parallelism int) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	return &Scheduler{
		logger:       logger,
		bus:          b,
		registry:     reg,
		dag:          dag,
		workflowID:   workflowID,
		parallelism:  int64(parallelism),
		sem:          semaphore.NewWeighted(int64(parallelism)),
		inFlight:     make(map[string]time.Time),
		dispatchedAt: make(map[string]time.Time),
	}
}

// readySet returns dispatchable subtask IDs (all deps completed, not yet
// attempted or dispatched), ordered priority-first then FIFO by the DAG's
// decomposition order (§4.4 "Tie-breaks").
func (s *Scheduler) readySet() []string {
	var ready []string
	for _, id := range s.dag.Order {
		st := s.dag.Subtasks[id]
		if st.Status != model.StatusPending {
			continue
		}
		if _, inflight := s.inFlight[id]; inflight {
			continue
		}
		if s.dag.Ready(id) {
			ready = append(ready, id)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		pi, pj := s.dag.Subtasks[ready[i]].Priority(), s.dag.Subtasks[ready[j]].Priority()
		return pi < pj
	})
	return ready
}

// Run drives the DAG until every subtask is completed or a subtask
// reaches a non-recoverable failure state. deadlineFor computes each
// dispatch's deadline; responses arrive via the respond channel the
// caller feeds from bus replies (e.g. the engine's subtask-response loop).
func (s *Scheduler) Run(ctx context.Context, deadlineFor func(subtaskID string) time.Time, responses <-chan SubtaskResponse) Outcome {
	if len(s.dag.Order) == 0 {
		return Outcome{Success: true}
	}

	for {
		s.mu.Lock()
		cancelled := s.cancelled
		s.mu.Unlock()
		if cancelled {
			return Outcome{Success: false, FailKind: orcherr.KindFatalInternal}
		}

		if outcome, terminal := s.dispatchReady(ctx, deadlineFor); terminal {
			return outcome
		}

		if s.dag.AllCompleted() {
			return Outcome{Success: true}
		}

		select {
		case resp, ok := <-responses:
			if !ok {
				return Outcome{Success: false, FailKind: orcherr.KindFatalInternal}
			}
			if outcome, terminal := s.handleResponse(resp); terminal {
				return outcome
			}
		case <-ctx.Done():
			return Outcome{Success: false, FailKind: orcherr.KindFatalInternal}
		}
	}
}

// SubtaskResponse is what the caller feeds back into Run per task_response
// (or a timeout synthesized by the caller's deadline watcher).
type SubtaskResponse struct {
	SubtaskID string
	AgentID   string
	Success   bool
	Output    model.Payload
	Kind      orcherr.Kind // set when !Success
	TimedOut  bool
}

// dispatchReady pops ready subtasks up to the parallelism cap and sends
// each to its top matched candidate. It returns a terminal Outcome if a
// dispatch attempt hits a non-recoverable capability_missing failure.
func (s *Scheduler) dispatchReady(ctx context.Context, deadlineFor func(string) time.Time) (Outcome, bool) {
	for _, id := range s.readySet() {
		if !s.sem.TryAcquire(1) {
			return Outcome{}, false
		}
		st := s.dag.Subtasks[id]
		candidates := s.registry.MatchCandidates(st.RequiredCapabilities, 1)
		if len(candidates) == 0 {
			s.sem.Release(1)
			retry, reassign := false, false
			if s.OnRecoverable != nil {
				retry, reassign = s.OnRecoverable(id, orcherr.KindCapabilityMissing)
			}
			if retry || reassign {
				continue
			}
			st.Status = model.StatusFailed
			return Outcome{Success: false, FailedSubtask: id, FailKind: orcherr.KindCapabilityMissing}, true
		}
		agentID := candidates[0]
		deadline := deadlineFor(id)
		st.Deadline = deadline
		st.Assignee = agentID
		st.Attempts++
		st.Status = model.StatusInProgress

		s.registry.RecordAssignment(agentID)

		s.mu.Lock()
		s.inFlight[id] = deadline
		s.dispatchedAt[id] = time.Now()
		inFlightCount := len(s.inFlight)
		s.mu.Unlock()
		s.metrics.SetInFlightSubtasks(s.workflowID, inFlightCount)

		env := model.Envelope{
			Kind:      model.KindTaskRequest,
			Recipient: agentID,
			Payload:   model.Payload{"subtask_id": id, "input": st.Input, "workflow_id": s.workflowID},
			ExpiresAt: deadline,
		}
		if err := s.bus.Send(ctx, agentID, env); err != nil {
			s.logger.Warn("scheduler: dispatch send failed", "subtask_id", id, "agent_id", agentID, "error", err)
		}
	}
	return Outcome{}, false
}

// handleResponse applies one subtask_response and reports whether the
// DAG has now reached a terminal (success or non-recoverable) state.
func (s *Scheduler) handleResponse(resp SubtaskResponse) (Outcome, bool) {
	st, ok := s.dag.Subtasks[resp.SubtaskID]
	if !ok {
		return Outcome{}, false
	}

	s.mu.Lock()
	delete(s.inFlight, resp.SubtaskID)
	dispatchedAt, hadStart := s.dispatchedAt[resp.SubtaskID]
	delete(s.dispatchedAt, resp.SubtaskID)
	inFlightCount := len(s.inFlight)
	s.mu.Unlock()
	s.sem.Release(1)
	s.registry.ReleaseSlot(resp.AgentID)
	s.metrics.SetInFlightSubtasks(s.workflowID, inFlightCount)

	outcome := "success"
	if !resp.Success {
		outcome = "failure"
	}
	if hadStart {
		s.metrics.RecordDispatch(outcome, time.Since(dispatchedAt))
	}

	if resp.Success {
		st.Status = model.StatusCompleted
		st.Output = resp.Output
		if s.dag.AllCompleted() {
			return Outcome{Success: true}, true
		}
		return Outcome{}, false
	}

	kind := resp.Kind
	if resp.TimedOut {
		kind = orcherr.KindSubtaskTimeout
	}
	retry, reassign := false, false
	if s.OnRecoverable != nil {
		retry, reassign = s.OnRecoverable(resp.SubtaskID, kind)
	}
	if retry || reassign {
		st.Status = model.StatusPending
		st.Assignee = ""
		return Outcome{}, false
	}

	st.Status = model.StatusFailed
	return Outcome{Success: false, FailedSubtask: resp.SubtaskID, FailKind: kind}, true
}

// Cancel marks the scheduler cancelled; in-flight subtasks should be sent
// task_cancel by the caller (the engine), which retains their ability to
// address each in-flight agent directly (§4.4 "Cancellation", §5).
func (s *Scheduler) Cancel() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	ids := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		ids = append(ids, id)
	}
	for _, id := range s.dag.Order {
		st := s.dag.Subtasks[id]
		if st.Status == model.StatusPending || st.Status == model.StatusInProgress {
			st.Status = model.StatusCancelled
		}
	}
	return ids
}

// InFlightCount reports the current in-flight subtask count, for the
// invariant that it never exceeds the parallelism cap (§8 invariant 3).
func (s *Scheduler) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// Expired returns in-flight subtask IDs whose deadline has passed as of
// now, for a caller-driven deadline watcher to synthesize timeout
// responses (§4.4 "Deadlines").
func (s *Scheduler) Expired(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, deadline := range s.inFlight {
		if now.After(deadline) {
			ids = append(ids, id)
		}
	}
	return ids
}
