package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &DatabaseConfig{Driver: "sqlite", Database: ":memory:"}
	cfg.SetDefaults()
	pool, err := Open(context.Background(), nil, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	require.NoError(t, pool.Migrate(context.Background(), cfg.Dialect()))
	store, err := NewStore(pool, cfg)
	require.NoError(t, err)
	return store
}

func TestPutAndGetKV(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutKV(ctx, "tunable:max_parallel_workflows", []byte("64")))

	v, err := s.GetKV(ctx, "tunable:max_parallel_workflows")
	require.NoError(t, err)
	assert.Equal(t, []byte("64"), v)
}

func TestPutKVUpsertsExistingKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutKV(ctx, "k", []byte("v1")))
	require.NoError(t, s.PutKV(ctx, "k", []byte("v2")))

	v, err := s.GetKV(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}

func TestGetKVMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	v, err := s.GetKV(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestCheckpointsAreTotallyOrderedByStepID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutCheckpoint(ctx, Checkpoint{WorkflowID: "wf-1", StepID: 1, Phase: "initialization", State: []byte("s1")}))
	require.NoError(t, s.PutCheckpoint(ctx, Checkpoint{WorkflowID: "wf-1", StepID: 2, Phase: "analysis", State: []byte("s2")}))

	latest, err := s.LatestCheckpoint(ctx, "wf-1", true)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(2), latest.StepID)
	assert.Equal(t, "analysis", latest.Phase)
}

func TestLatestCheckpointBypassCacheReadsThrough(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutCheckpoint(ctx, Checkpoint{WorkflowID: "wf-2", StepID: 1, Phase: "initialization", State: []byte("s1")}))

	cached, err := s.LatestCheckpoint(ctx, "wf-2", false)
	require.NoError(t, err)
	require.NotNil(t, cached)

	fresh, err := s.LatestCheckpoint(ctx, "wf-2", true)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, cached.StepID, fresh.StepID)
}

func TestLatestCheckpointAbsentWorkflowReturnsNil(t *testing.T) {
	s := newTestStore(t)
	cp, err := s.LatestCheckpoint(context.Background(), "ghost", true)
	require.NoError(t, err)
	assert.Nil(t, cp)
}
