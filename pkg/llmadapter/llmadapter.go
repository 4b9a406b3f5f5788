// Package llmadapter is the engine's external collaborator for analysis
// and decomposition (§6 "LLM adapter contract (consumed)"). The engine
// treats its output as advisory and bounds execution time; this package
// only defines the contract and a minimal-fields decode, deliberately
// leaving richer provider integration out of scope (§1 Out of scope).
package llmadapter

import (
	"context"
	"time"
)

// DefaultTimeout is the LLM call bound (§4.1, default 30s).
const DefaultTimeout = 30 * time.Second

// AnalysisResult is Analyze's minimal required contract (§6). Extra
// captures any additional provider-specific fields without the engine
// needing to know their shape (SPEC_FULL §D.2, Design Note "Opaque payloads").
type AnalysisResult struct {
	ComplexityScore    float64 `json:"complexity_score"`
	NeedsDecomposition bool    `json:"needs_decomposition"`
	Rationale          string  `json:"rationale"`
	Extra              map[string]any `json:"-"`
}

// SubtaskProposal is one entry in Decompose's proposed subtask list (§6).
type SubtaskProposal struct {
	ID                   string   `json:"id"`
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	RequiredCapabilities []string `json:"required_capabilities"`
	Dependencies         []string `json:"dependencies"`
}

// DecompositionResult is Decompose's minimal required contract (§6).
type DecompositionResult struct {
	Subtasks []SubtaskProposal `json:"subtasks"`
	Extra    map[string]any    `json:"-"`
}

// FailureKind distinguishes the two ways an adapter call can fail (§6).
type FailureKind string

const (
	FailureTimeout   FailureKind = "timeout"
	FailureMalformed FailureKind = "malformed"
)

// Error reports an adapter failure with its kind, for the engine to map
// onto llm_unavailable/llm_malformed (§4.1 "Failure semantics").
type Error struct {
	Kind    FailureKind
	Message string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// TaskView is the minimal task shape the adapter needs; the engine never
// passes its full internal model.Task across this boundary.
type TaskView struct {
	ID          string
	Title       string
	Description string
	Input       map[string]any
}

// DecompositionContext carries anything Decompose needs beyond the task
// itself, e.g. known registry capabilities or a stricter-prompt hint from
// a prior llm_malformed retry (§4.5 strategy table).
type DecompositionContext struct {
	KnownCapabilities []string
	PromptHint        string
}

// Adapter is the external LLM collaborator contract (§6).
type Adapter interface {
	Analyze(ctx context.Context, task TaskView) (AnalysisResult, error)
	Decompose(ctx context.Context, task TaskView, dctx DecompositionContext) (DecompositionResult, error)
}
