package agentregistry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/pkg/model"
)

func TestRegisterIsIdempotentByID(t *testing.T) {
	r := New(nil, time.Minute, nil)
	require.NoError(t, r.Register(model.AgentDescriptor{ID: "a1", Type: "worker", Capabilities: []string{"echo"}, MaxSlots: 2}))
	require.NoError(t, r.Register(model.AgentDescriptor{ID: "a1", Type: "worker", Capabilities: []string{"echo", "write"}, MaxSlots: 4}))

	got, ok := r.Get("a1")
	require.True(t, ok)
	assert.Equal(t, 4, got.MaxSlots)
	assert.Contains(t, got.Capabilities, "write")
}

func TestMatchCandidatesRanksByLoadThenFairness(t *testing.T) {
	r := New(nil, time.Minute, nil)
	require.NoError(t, r.Register(model.AgentDescriptor{ID: "busy", Capabilities: []string{"analyze"}, MaxSlots: 5}))
	require.NoError(t, r.Register(model.AgentDescriptor{ID: "idle", Capabilities: []string{"analyze"}, MaxSlots: 5}))
	require.NoError(t, r.Heartbeat("busy", 3))
	require.NoError(t, r.Heartbeat("idle", 0))

	ids := r.MatchCandidates([]string{"analyze"}, 2)
	require.Len(t, ids, 2)
	assert.Equal(t, "idle", ids[0])
}

func TestSweepMarksUnreachableAndEmitsDirective(t *testing.T) {
	r := New(nil, 10*time.Millisecond, nil)
	require.NoError(t, r.Register(model.AgentDescriptor{ID: "a1", Capabilities: []string{"x"}, MaxSlots: 1}))
	time.Sleep(20 * time.Millisecond)

	unreachable := r.SweepUnreachable()
	assert.Equal(t, []string{"a1"}, unreachable)

	got, _ := r.Get("a1")
	assert.Equal(t, model.HealthUnreachable, got.Health)
}

type recordingSink struct{ reassigned []string }

func (s *recordingSink) ReassignAgent(id string) { s.reassigned = append(s.reassigned, id) }

func TestSweepInvokesSink(t *testing.T) {
	sink := &recordingSink{}
	r := New(nil, 10*time.Millisecond, sink)
	require.NoError(t, r.Register(model.AgentDescriptor{ID: "a1", Capabilities: []string{"x"}, MaxSlots: 1}))
	time.Sleep(20 * time.Millisecond)
	r.SweepUnreachable()
	assert.Equal(t, []string{"a1"}, sink.reassigned)
}

func TestMatchCandidatesExcludesFullAgents(t *testing.T) {
	r := New(nil, time.Minute, nil)
	require.NoError(t, r.Register(model.AgentDescriptor{ID: "a1", Capabilities: []string{"x"}, MaxSlots: 1}))
	require.NoError(t, r.Heartbeat("a1", 1))

	ids := r.MatchCandidates([]string{"x"}, 5)
	assert.Empty(t, ids)
}
