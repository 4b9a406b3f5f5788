// Package model holds the shared data types that flow across the engine,
// scheduler, registry, and bus: tasks, subtasks, and the status enum they
// share. Payloads are intentionally schema-less (map[string]any) at this
// boundary — typed views belong to the adapters that produce them.
package model

import "time"

// Status is the lifecycle state shared by tasks and subtasks.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Priority is a 1 (highest) to 5 (lowest) integer priority.
type Priority int

// Valid reports whether p is within the declared 1-5 range.
func (p Priority) Valid() bool {
	return p >= 1 && p <= 5
}

// Payload is an opaque, structured-but-schema-less blob carried by tasks
// and subtasks. Adapters at the boundary produce typed views over it.
type Payload map[string]any

// Clone returns a shallow copy safe for independent mutation of the map
// itself (not of nested reference values).
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Now is the single indirection point for wall-clock reads so tests can
// substitute a deterministic clock without touching call sites.
var Now = time.Now
