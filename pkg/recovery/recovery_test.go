package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/pkg/orcherr"
)

func TestDelayIsPositive(t *testing.T) {
	assert.Greater(t, Delay(orcherr.KindLLMUnavailable, 1), time.Duration(0))
	assert.Greater(t, Delay(orcherr.KindLLMUnavailable, 3), time.Duration(0))
}

func TestDelayClampsAttemptBelowOne(t *testing.T) {
	// attempt 0 is clamped to attempt 1, so both calls draw from the same
	// point on the curve (still randomized, so just assert it doesn't panic
	// or return a zero/negative duration).
	assert.Greater(t, Delay(orcherr.KindLLMUnavailable, 0), time.Duration(0))
}

func TestStrategyTableMatchesSpec(t *testing.T) {
	cases := map[orcherr.Kind]Action{
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
	for kind, want := range cases {
		assert.Equal(t, want, StrategyFor(kind), "kind=%s", kind)
	}
}

func TestTrackerExhaustionAtBudget(t *testing.T) {
	tr := NewTracker(2)
	assert.False(t, tr.Account(orcherr.KindTransientNetwork, ActionRetry))
	assert.False(t, tr.Account(orcherr.KindTransientNetwork, ActionRetry))
	assert.True(t, tr.Account(orcherr.KindTransientNetwork, ActionRetry))
	assert.Equal(t, 0, tr.Remaining())
}

func TestTrackerStatsByKind(t *testing.T) {
	tr := NewTracker(10)
	tr.Account(orcherr.KindTransientNetwork, ActionRetry)
	tr.Account(orcherr.KindTransientNetwork, ActionRetry)
	tr.Account(orcherr.KindAgentUnreachable, ActionReassign)

	stats := tr.Stats()
	assert.Equal(t, 3, stats.Spent)
	assert.Equal(t, 7, stats.Remaining)
	assert.Equal(t, 2, stats.ByKind[orcherr.KindTransientNetwork])
	assert.Equal(t, 1, stats.ByKind[orcherr.KindAgentUnreachable])
}

func TestRetryWithBackoffExhaustsConfiguredAttempts(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), nil, orcherr.KindLLMUnavailable, func(context.Context) error {
		attempts++
		return errors.New("still down")
	})
	require.Error(t, err)
	assert.Equal(t, MaxAttemptsFor(orcherr.KindLLMUnavailable), attempts)
}

func TestRetryWithBackoffSucceedsEarly(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), nil, orcherr.KindTransientNetwork, func(context.Context) error {
		attempts++
		if attempts == 2 {
			return nil
		}
		return errors.New("transient")
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}
