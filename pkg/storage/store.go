package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/orcherr"
)

const component = "storage"

// Checkpoint is the persistence adapter's own representation (§3, §6).
// The workflow engine marshals its state to State before calling
// PutCheckpoint, and unmarshals it back after LatestCheckpoint/Resume;
// storage never needs to import the workflow package, avoiding a cycle.
type Checkpoint struct {
	WorkflowID string
	StepID     int64
	Phase      string
	State      []byte
	CapturedAt time.Time
}

// Store implements the persistence adapter contract (§6): an append-only
// checkpoint log keyed by (workflow_id, step_id), and a KV store, with an
// LRU cache fronting KV and checkpoint-snapshot reads. Resume bypasses
// the cache per §5's concurrency model.
type Store struct {
	pool    *Pool
	dialect string
	cache   *lru.Cache
}

// NewStore wraps an open Pool with an LRU cache of cfg.CacheSize entries
// (1024 when CacheSize is not positive).
func NewStore(pool *Pool, cfg *DatabaseConfig) (*Store, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("storage: lru cache: %w", err)
	}
	return &Store{pool: pool, dialect: cfg.Dialect(), cache: cache}, nil
}

// kvCacheKey and checkpointCacheKey namespace cache entries so KV and
// checkpoint lookups never collide.
func kvCacheKey(key string) string         { return "kv:" + key }
func checkpointCacheKey(wfID string) string { return "ckpt:latest:" + wfID }

// PutCheckpoint appends a checkpoint for (workflow_id, step_id); writes
// are atomic per call and checkpoints for a workflow are totally ordered
// by step_id (§3 Checkpoint invariant).
func (s *Store) PutCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.CapturedAt.IsZero() {
		cp.CapturedAt = model.Now()
	}
	placeholder := placeholders(s.dialect)
	query := fmt.Sprintf(
		"INSERT INTO checkpoints (workflow_id, step_id, phase, state, captured_at) VALUES (%s, %s, %s, %s, %s)",
		placeholder(1), placeholder(2), placeholder(3), placeholder(4), placeholder(5))
	if _, err := s.pool.db.ExecContext(ctx, query, cp.WorkflowID, cp.StepID, cp.Phase, cp.State, cp.CapturedAt); err != nil {
		return orcherr.New(component, "PutCheckpoint", orcherr.KindFatalInternal, "checkpoint write failed", err)
	}
	s.cache.Add(checkpointCacheKey(cp.WorkflowID), cp)
	return nil
}

// LatestCheckpoint returns the most recent checkpoint for workflow_id, or
// nil if none exists. bypassCache must be true during Resume (§5: "the
// cache layer... stale reads are acceptable for registry snapshots but
// not for checkpoint reads during Resume").
func (s *Store) LatestCheckpoint(ctx context.Context, workflowID string, bypassCache bool) (*Checkpoint, error) {
	if !bypassCache {
		if v, ok := s.cache.Get(checkpointCacheKey(workflowID)); ok {
			cp := v.(Checkpoint)
			return &cp, nil
		}
	}

	placeholder := placeholders(s.dialect)
	query := fmt.Sprintf(
		"SELECT workflow_id, step_id, phase, state, captured_at FROM checkpoints WHERE workflow_id = %s ORDER BY step_id DESC LIMIT 1",
		placeholder(1))
	row := s.pool.db.QueryRowContext(ctx, query, workflowID)

	var cp Checkpoint
	if err := row.Scan(&cp.WorkflowID, &cp.StepID, &cp.Phase, &cp.State, &cp.CapturedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, orcherr.New(component, "LatestCheckpoint", orcherr.KindCheckpointCorrupt, "checkpoint read failed", err)
	}
	if !bypassCache {
		s.cache.Add(checkpointCacheKey(workflowID), cp)
	}
	return &cp, nil
}

// ListWorkflowIDs returns every distinct workflow_id with at least one
// checkpoint, for orchestratord's startup resume sweep (§8 end-to-end
// scenario 6). Callers still call Resume per ID; a workflow already at a
// terminal task status is a harmless no-op there since its runWorkflow
// loop exits immediately on the phase it last checkpointed.
func (s *Store) ListWorkflowIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.db.QueryContext(ctx, "SELECT DISTINCT workflow_id FROM checkpoints")
	if err != nil {
		return nil, orcherr.New(component, "ListWorkflowIDs", orcherr.KindFatalInternal, "workflow id scan failed", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, orcherr.New(component, "ListWorkflowIDs", orcherr.KindFatalInternal, "workflow id row scan failed", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PutKV atomically upserts a key's value.
func (s *Store) PutKV(ctx context.Context, key string, value []byte) error {
	now := model.Now()
	var query string
	switch s.dialect {
	case "postgres":
		query = "INSERT INTO kv_store (key, value, updated_at) VALUES ($1, $2, $3) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at"
	case "mysql":
		query = "INSERT INTO kv_store (`key`, value, updated_at) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)"
	default:
		query = "INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at"
	}
	if _, err := s.pool.db.ExecContext(ctx, query, key, value, now); err != nil {
		return orcherr.New(component, "PutKV", orcherr.KindFatalInternal, "kv write failed", err)
	}
	s.cache.Add(kvCacheKey(key), value)
	return nil
}

// GetKV returns a key's value, or nil if absent. Registry/config reads
// may serve a stale cached value (§5); callers needing freshness should
// use bypassCache semantics analogous to LatestCheckpoint if ever needed.
func (s *Store) GetKV(ctx context.Context, key string) ([]byte, error) {
	if v, ok := s.cache.Get(kvCacheKey(key)); ok {
		return v.([]byte), nil
	}

	placeholder := placeholders(s.dialect)
	query := fmt.Sprintf("SELECT value FROM kv_store WHERE key = %s", placeholder(1))
	row := s.pool.db.QueryRowContext(ctx, query, key)

	var value []byte
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, orcherr.New(component, "GetKV", orcherr.KindFatalInternal, "kv read failed", err)
	}
	s.cache.Add(kvCacheKey(key), value)
	return value, nil
}

// placeholders returns a 1-indexed positional-placeholder generator for
// the dialect: "$1.." for postgres, "?" for mysql/sqlite.
func placeholders(dialect string) func(n int) string {
	if dialect == "postgres" {
		return func(n int) string { return fmt.Sprintf("$%d", n) }
	}
	return func(int) string { return "?" }
}
