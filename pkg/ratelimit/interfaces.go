package ratelimit

import (
	"context"
	"time"
)

// Limiter checks and records task-submission usage (§C).
//
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Check reports whether a submission would be allowed without
	// recording it, for a caller that wants to warn before committing.
	Check(ctx context.Context, identifier string) (*CheckResult, error)

	// CheckAndRecord atomically checks every configured rule and, if all
	// pass, records the submission. This is what pkg/server calls on the
	// task-submission path.
	CheckAndRecord(ctx context.Context, identifier string) (*CheckResult, error)

	// GetUsage returns current usage against every configured rule for
	// one requester. No HTTP route or orchestratorctl command calls it.
	GetUsage(ctx context.Context, identifier string) ([]Usage, error)

	// Reset clears usage for one requester (manual quota reset).
	Reset(ctx context.Context, identifier string) error

	// ResetExpired sweeps windows that ended before the given time.
	ResetExpired(ctx context.Context, before time.Time) error
}

// Store is the persistence layer behind a Limiter.
type Store interface {
	GetUsage(ctx context.Context, scope Scope, identifier string, window TimeWindow) (int64, time.Time, error)
	IncrementUsage(ctx context.Context, scope Scope, identifier string, window TimeWindow, amount int64) (int64, time.Time, error)
	DeleteUsage(ctx context.Context, scope Scope, identifier string) error
	DeleteExpired(ctx context.Context, before time.Time) error
}

var (
	_ Limiter = (*DefaultLimiter)(nil)
	_ Store   = (*MemoryStore)(nil)
)
