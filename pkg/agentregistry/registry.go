// Package agentregistry maintains the authoritative view of which agents
// exist, what they can do, and whether they are alive (§4.3).
//
// Grounded on the teacher's generic BaseRegistry[T] (sync.RWMutex guarding
// a map[string]T) but deliberately diverges from its Register semantics:
// the teacher errors on a duplicate name, while §4.3/§8 require Register
// to be idempotent-by-ID, upserting capabilities and resetting load on
// re-registration.
package agentregistry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/orcherr"
)

const component = "agentregistry"

// DefaultHeartbeatTimeout is T_hb (§3, default 60s).
const DefaultHeartbeatTimeout = 60 * time.Second

// DegradedFactor controls when a still-arriving-but-slowing heartbeat
// trips the agent to "degraded" ahead of the harder T_hb unreachable cut.
const DegradedFactor = 0.5

// DirectiveSink receives recovery_directive emissions when an agent goes
// unreachable (§4.3 "Failure handling"). The workflow engine is the real
// sink in production; tests can substitute a recording fake.
type DirectiveSink interface {
	ReassignAgent(agentID string)
}

// Registry is the process-wide agent registry singleton (§9).
type Registry struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	agents  map[string]*model.Agent
	hbTTL   time.Duration
	sink    DirectiveSink
}

// New constructs an empty Registry. sink may be nil; in that case
// unreachable transitions are logged but no directive is emitted.
func New(logger *slog.Logger, heartbeatTimeout time.Duration, sink DirectiveSink) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &Registry{logger: logger, agents: make(map[string]*model.Agent), hbTTL: heartbeatTimeout, sink: sink}
}

// SetSink wires the directive sink after construction, for callers (the
// workflow engine, in production) that must exist before the registry can
// reference them.
func (r *Registry) SetSink(sink DirectiveSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// Register adds or refreshes an entry (§4.3). Idempotent by ID:
// re-registration updates capabilities and resets load counters to the
// observed (zero, since a fresh descriptor carries no load) value.
func (r *Registry) Register(desc model.AgentDescriptor) error {
	if desc.ID == "" {
		return orcherr.New(component, "Register", orcherr.KindInvalidInput, "agent id is required", nil)
	}
	if desc.MaxSlots <= 0 {
		return orcherr.New(component, "Register", orcherr.KindInvalidInput, "max_slots must be positive", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := model.Now()
	existing, ok := r.agents[desc.ID]
	if !ok {
		r.agents[desc.ID] = &model.Agent{
			ID:            desc.ID,
			Type:          desc.Type,
			Capabilities:  model.CapabilitySet(desc.Capabilities),
			MaxSlots:      desc.MaxSlots,
			Health:        model.HealthRegistered,
			RegisteredAt:  now,
			LastHeartbeat: now,
		}
		return nil
	}

	existing.Type = desc.Type
	existing.Capabilities = model.CapabilitySet(desc.Capabilities)
	existing.MaxSlots = desc.MaxSlots
	existing.Load = 0
	existing.LastHeartbeat = now
	if existing.Health == model.HealthUnreachable || existing.Health == model.HealthDeregistered {
		existing.Health = model.HealthHealthy
	}
	return nil
}

// Deregister removes the entry. It does not revoke the agent's in-flight
// assignments: subtasks already dispatched to it stay assigned.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// Heartbeat updates last-heartbeat and current load (§4.3).
func (r *Registry) Heartbeat(agentID string, load int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return orcherr.New(component, "Heartbeat", orcherr.KindNotFound, "unknown agent "+agentID, nil)
	}
	a.LastHeartbeat = model.Now()
	a.Load = load
	if a.Health != model.HealthDeregistered {
		a.Health = model.HealthHealthy
	}
	return nil
}

// SweepUnreachable transitions agents whose heartbeat is older than T_hb
// to unreachable and calls the DirectiveSink's ReassignAgent once per
// newly unreachable agent (§4.3 "Failure handling"). It also demotes
// healthy agents past the degraded threshold but still within T_hb.
// cmd/orchestratord calls it periodically from its sweep loop.
func (r *Registry) SweepUnreachable() []string {
	now := model.Now()
	var newlyUnreachable []string

	r.mu.Lock()
	for _, a := range r.agents {
		if a.Health == model.HealthDeregistered {
			continue
		}
		age := now.Sub(a.LastHeartbeat)
		switch {
		case age >= r.hbTTL:
			if a.Health != model.HealthUnreachable {
				a.Health = model.HealthUnreachable
				newlyUnreachable = append(newlyUnreachable, a.ID)
			}
		case age >= time.Duration(float64(r.hbTTL)*DegradedFactor):
			if a.Health == model.HealthHealthy {
				a.Health = model.HealthDegraded
			}
		}
	}
	r.mu.Unlock()

	for _, id := range newlyUnreachable {
		r.logger.Warn("agentregistry: agent unreachable", "agent_id", id)
		if r.sink != nil {
			r.sink.ReassignAgent(id)
		}
	}
	return newlyUnreachable
}

// MatchCandidates returns up to count agents whose capability set is a
// superset of required, ranked by ascending load then earliest
// last-assignment (§4.3).
func (r *Registry) MatchCandidates(required []string, count int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*model.Agent
	for _, a := range r.agents {
		if a.Health == model.HealthUnreachable || a.Health == model.HealthDeregistered {
			continue
		}
		if a.Load >= a.MaxSlots {
			continue
		}
		if a.HasCapabilities(required) {
			candidates = append(candidates, a)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Load != candidates[j].Load {
			return candidates[i].Load < candidates[j].Load
		}
		return candidates[i].LastAssignedAt.Before(candidates[j].LastAssignedAt)
	})

	if count > len(candidates) {
		count = len(candidates)
	}
	ids := make([]string, count)
	for i := 0; i < count; i++ {
		ids[i] = candidates[i].ID
	}
	return ids
}

// RecordAssignment bumps last-assigned-at for fairness tie-breaking on
// the next MatchCandidates call and increments the agent's load.
func (r *Registry) RecordAssignment(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		a.LastAssignedAt = model.Now()
		a.Load++
	}
}

// ReleaseSlot decrements an agent's current load after a subtask
// terminates (completed, failed, or reassigned away from it).
func (r *Registry) ReleaseSlot(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok && a.Load > 0 {
		a.Load--
	}
}

// Snapshot returns a read-optimized copy for status APIs (§4.3).
func (r *Registry) Snapshot() []model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		caps := make(map[string]struct{}, len(a.Capabilities))
		for c := range a.Capabilities {
			caps[c] = struct{}{}
		}
		cp := *a
		cp.Capabilities = caps
		out = append(out, cp)
	}
	return out
}

// Get returns a single agent's current record, for callers that need one
// entry rather than a full snapshot.
func (r *Registry) Get(agentID string) (model.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return model.Agent{}, false
	}
	return *a, true
}
