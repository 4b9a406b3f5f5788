package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllowsUnderCeilingThenDenies(t *testing.T) {
	l := NewLimiter(Config{Rules: []Rule{{Scope: ScopeRequester, Window: WindowMinute, Limit: 2}}})
	ctx := context.Background()

	r1, err := l.CheckAndRecord(ctx, "caller-a")
	require.NoError(t, err)
	assert.True(t, r1.Allowed)

	r2, err := l.CheckAndRecord(ctx, "caller-a")
	require.NoError(t, err)
	assert.True(t, r2.Allowed)

	r3, err := l.CheckAndRecord(ctx, "caller-a")
	require.NoError(t, err)
	assert.False(t, r3.Allowed)
	assert.NotNil(t, r3.RetryAfter)
}

func TestLimiterScopesIndependently(t *testing.T) {
	l := NewLimiter(Config{Rules: []Rule{{Scope: ScopeRequester, Window: WindowMinute, Limit: 1}}})
	ctx := context.Background()

	a, err := l.CheckAndRecord(ctx, "caller-a")
	require.NoError(t, err)
	assert.True(t, a.Allowed)

	b, err := l.CheckAndRecord(ctx, "caller-b")
	require.NoError(t, err)
	assert.True(t, b.Allowed, "a different requester has its own budget")
}

func TestLimiterGlobalRuleSharesAcrossRequesters(t *testing.T) {
	l := NewLimiter(Config{Rules: []Rule{{Scope: ScopeGlobal, Window: WindowMinute, Limit: 1}}})
	ctx := context.Background()

	a, err := l.CheckAndRecord(ctx, "caller-a")
	require.NoError(t, err)
	assert.True(t, a.Allowed)

	b, err := l.CheckAndRecord(ctx, "caller-b")
	require.NoError(t, err)
	assert.False(t, b.Allowed, "global ceiling is shared across every requester")
}

func TestLimiterResetClearsUsage(t *testing.T) {
	l := NewLimiter(Config{Rules: []Rule{{Scope: ScopeRequester, Window: WindowMinute, Limit: 1}}})
	ctx := context.Background()

	_, err := l.CheckAndRecord(ctx, "caller-a")
	require.NoError(t, err)

	denied, err := l.CheckAndRecord(ctx, "caller-a")
	require.NoError(t, err)
	require.False(t, denied.Allowed)

	require.NoError(t, l.Reset(ctx, "caller-a"))

	allowed, err := l.CheckAndRecord(ctx, "caller-a")
	require.NoError(t, err)
	assert.True(t, allowed.Allowed)
}

func TestCheckDoesNotRecord(t *testing.T) {
	l := NewLimiter(Config{Rules: []Rule{{Scope: ScopeRequester, Window: WindowMinute, Limit: 1}}})
	ctx := context.Background()

	_, err := l.Check(ctx, "caller-a")
	require.NoError(t, err)

	result, err := l.Check(ctx, "caller-a")
	require.NoError(t, err)
	assert.True(t, result.Allowed, "Check alone must not consume the budget")
}
