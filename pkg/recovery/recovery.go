// Package recovery classifies failures and chooses a strategy per the
// closed taxonomy and strategy table in §4.5. Backoff for retry-based
// strategies is grounded on github.com/cenkalti/backoff/v5, the way the
// teacher leans on an ecosystem retry library rather than hand-rolling one.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/orcherr"
)

// Action is the strategy chosen for a classified failure (§4.5).
type Action string

const (
	ActionRetry     Action = "retry"
	ActionReassign  Action = "reassign"
	ActionEscalate  Action = "escalate"
	ActionRework    Action = "rework"
	ActionFail      Action = "fail"
	ActionQuarantine Action = "quarantine"
)

// DefaultBudget is the per-workflow recovery budget (§4.5, default 10).
const DefaultBudget = 10

// strategyTable mirrors §4.5's kind -> action mapping one-to-one.
var strategyTable = map[orcherr.Kind]Action{
	orcherr.KindTransientNetwork:  ActionRetry,
	orcherr.KindAgentUnreachable:  ActionReassign,
	orcherr.KindCapabilityMissing: ActionEscalate,
	orcherr.KindSubtaskTimeout:    ActionReassign,
	orcherr.KindLLMUnavailable:    ActionRetry,
	orcherr.KindLLMMalformed:      ActionRetry,
	orcherr.KindValidationFailed:  ActionRework,
	orcherr.KindReviewExhausted:   ActionFail,
	orcherr.KindCheckpointCorrupt: ActionQuarantine,
	orcherr.KindFatalInternal:     ActionFail,
}

// MaxAttempts per kind where the strategy table specifies a cap.
var maxAttempts = map[orcherr.Kind]int{
	orcherr.KindTransientNetwork: 3,
	orcherr.KindLLMUnavailable:   3,
	orcherr.KindLLMMalformed:     1,
	orcherr.KindSubtaskTimeout:   2,
}

// StrategyFor returns the action the strategy table dictates for a kind.
func StrategyFor(kind orcherr.Kind) Action {
	if a, ok := strategyTable[kind]; ok {
		return a
	}
	return ActionFail
}

// MaxAttemptsFor returns the retry/reassignment cap for a kind, or 0 if
// the table doesn't bound it (single-shot strategies like escalate/fail).
func MaxAttemptsFor(kind orcherr.Kind) int {
	return maxAttempts[kind]
}

// Tracker accounts recovery actions against one workflow's budget (§4.5,
// §8 invariant 6: exceeding the budget fails the workflow).
type Tracker struct {
	mu      sync.Mutex
	budget  int
	spent   int
	history []Record
}

// Record is one accounted recovery action, kept for operator inspection
// (SPEC_FULL §C "Operator recovery inspection").
type Record struct {
	Kind   orcherr.Kind
	Action Action
	At     time.Time
}

// NewTracker constructs a Tracker with the given budget (0 means DefaultBudget).
func NewTracker(budget int) *Tracker {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Tracker{budget: budget}
}

// Account records one recovery action and reports whether the budget is
// now exhausted. Once exhausted, callers must force-fail the workflow
// with kind fatal_internal (§7).
func (t *Tracker) Account(kind orcherr.Kind, action Action) (exhausted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spent++
	t.history = append(t.history, Record{Kind: kind, Action: action, At: model.Now()})
	return t.spent > t.budget
}

// Remaining reports how many recovery actions remain before exhaustion.
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.budget - t.spent
	if r < 0 {
		return 0
	}
	return r
}

// Stats is the operator-facing recovery inspection view (SPEC_FULL §C),
// served as JSON by GET /v1/tasks/{taskID}/recovery and shown by
// orchestratorctl recovery.
type Stats struct {
	Budget    int                  `json:"budget"`
	Spent     int                  `json:"spent"`
	Remaining int                  `json:"remaining"`
	ByKind    map[orcherr.Kind]int `json:"by_kind"`
}

// Stats summarizes accounted actions for orchestratorctl recovery.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	byKind := make(map[orcherr.Kind]int)
	for _, r := range t.history {
		byKind[r.Kind]++
	}
	remaining := t.budget - t.spent
	if remaining < 0 {
		remaining = 0
	}
	return Stats{Budget: t.budget, Spent: t.spent, Remaining: remaining, ByKind: byKind}
}

// Delay returns the exponential backoff wait before retry attempt n
// (1-indexed) of kind, using the same cenkalti/backoff/v5 curve
// RetryWithBackoff applies between attempts of an inline op. Callers
// that retry by re-entering a phase rather than looping inline — the
// engine's runErrorHandling ActionRetry path — use this directly so
// §4.5's "retry with exponential backoff" is genuinely observed between
// round trips, not just accounted for in the recovery budget.
func Delay(kind orcherr.Kind, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// RetryWithBackoff runs op with exponential backoff, capped at
// MaxAttemptsFor(kind) attempts, for transient_network/llm_unavailable
// strategies (§4.5). It returns the last error if all attempts fail.
func RetryWithBackoff(ctx context.Context, logger *slog.Logger, kind orcherr.Kind, op func(context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := MaxAttemptsFor(kind)
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		opErr := op(ctx)
		if opErr != nil {
			logger.Warn("recovery: attempt failed", "kind", kind, "attempt", attempt, "error", opErr)
		}
		return struct{}{}, opErr
	}, backoff.WithMaxTries(uint(maxAttempts)))
	return err
}
