package workflow

import (
	"encoding/json"
	"time"

	"github.com/agentmesh/orchestrator/pkg/model"
)

// snapshot is the serialized form of a workflow's state captured at every
// phase transition (§3 "Checkpoint", §4.1 "Determinism for replay").
// Replay reconstructs the workflow from this rather than re-consulting
// the LLM: Decision carries the recorded non-deterministic choice for
// the phase that produced this checkpoint.
type snapshot struct {
	WorkflowID    string               `json:"workflow_id"`
	TaskID        string               `json:"task_id"`
	Phase         model.Phase          `json:"phase"`
	ReturnPhase   model.Phase          `json:"return_phase,omitempty"`
	Task          *model.Task          `json:"task"`
	Subtasks      []*model.Subtask     `json:"subtasks,omitempty"`
	SubtaskOrder  []string             `json:"subtask_order,omitempty"`
	Assignments   map[string]string    `json:"assignments,omitempty"`
	ErrorLog      []model.WorkflowError `json:"error_log,omitempty"`
	Degraded      bool                 `json:"degraded"`
	ReworkCount   int                  `json:"rework_count"`
	RecoveryCount int                  `json:"recovery_count"`
	Decision      *Decision            `json:"decision,omitempty"`
	CapturedAt    time.Time            `json:"captured_at"`
}

// Decision records one non-deterministic choice so replay can re-apply it
// verbatim instead of re-consulting the LLM or re-rolling a tiebreak
// (§4.1 "Determinism for replay").
type Decision struct {
	Kind               string  `json:"kind"` // "analysis" | "decomposition" | "review"
	ComplexityScore    float64 `json:"complexity_score,omitempty"`
	NeedsDecomposition bool    `json:"needs_decomposition,omitempty"`
	Rationale          string  `json:"rationale,omitempty"`
}

func marshalSnapshot(s snapshot) ([]byte, error) {
	return json.Marshal(s)
}

func unmarshalSnapshot(b []byte) (snapshot, error) {
	var s snapshot
	err := json.Unmarshal(b, &s)
	return s, err
}
