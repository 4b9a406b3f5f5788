// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ratelimit throttles task submissions per requester (and,
// optionally, in aggregate) so a single noisy caller cannot starve the
// scheduler or the LLM backend (§C "Rate limiting on task submission").
//
// Adapted from the teacher's token/request rate limiter: the window
// bookkeeping and check-then-record shape are kept, narrowed to a
// single count-based limit type since task submission has no token
// metering concept.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config configures a DefaultLimiter.
type Config struct {
	Rules []Rule
	Store Store
}

// DefaultLimiter is the in-process Limiter implementation.
type DefaultLimiter struct {
	rules []Rule
	store Store
	mu    sync.Mutex
}

// NewLimiter constructs a limiter. A nil Store defaults to an in-memory one.
func NewLimiter(cfg Config) *DefaultLimiter {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &DefaultLimiter{rules: cfg.Rules, store: store}
}

func (l *DefaultLimiter) Check(ctx context.Context, identifier string) (*CheckResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(ctx, identifier)
}

func (l *DefaultLimiter) CheckAndRecord(ctx context.Context, identifier string) (*CheckResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	result, err := l.checkLocked(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		return result, nil
	}
	return l.recordLocked(ctx, identifier)
}

func (l *DefaultLimiter) checkLocked(ctx context.Context, identifier string) (*CheckResult, error) {
	result := &CheckResult{Allowed: true}
	for _, rule := range l.rules {
		scopeID := identifier
		if rule.Scope == ScopeGlobal {
			scopeID = "*"
		}
		current, windowEnd, err := l.store.GetUsage(ctx, rule.Scope, scopeID, rule.Window)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: get usage: %w", err)
		}
		usage := buildUsage(rule, current, windowEnd)
		result.Usages = append(result.Usages, usage)
		if current >= rule.Limit {
			result.Allowed = false
			result.Reason = fmt.Sprintf("%s limit of %d per %s exceeded", rule.Scope, rule.Limit, rule.Window)
			remaining := time.Until(windowEnd)
			result.RetryAfter = &remaining
		}
	}
	return result, nil
}

func (l *DefaultLimiter) recordLocked(ctx context.Context, identifier string) (*CheckResult, error) {
	result := &CheckResult{Allowed: true}
	for _, rule := range l.rules {
		scopeID := identifier
		if rule.Scope == ScopeGlobal {
			scopeID = "*"
		}
		current, windowEnd, err := l.store.IncrementUsage(ctx, rule.Scope, scopeID, rule.Window, 1)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: increment usage: %w", err)
		}
		result.Usages = append(result.Usages, buildUsage(rule, current, windowEnd))
	}
	return result, nil
}

func buildUsage(rule Rule, current int64, windowEnd time.Time) Usage {
	remaining := rule.Limit - current
	if remaining < 0 {
		remaining = 0
	}
	pct := 0.0
	if rule.Limit > 0 {
		pct = float64(current) / float64(rule.Limit) * 100
	}
	return Usage{
		Scope:      rule.Scope,
		Window:     rule.Window,
		Current:    current,
		Limit:      rule.Limit,
		WindowEnd:  windowEnd,
		Remaining:  remaining,
		Percentage: pct,
	}
}

func (l *DefaultLimiter) GetUsage(ctx context.Context, identifier string) ([]Usage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var usages []Usage
	for _, rule := range l.rules {
		scopeID := identifier
		if rule.Scope == ScopeGlobal {
			scopeID = "*"
		}
		current, windowEnd, err := l.store.GetUsage(ctx, rule.Scope, scopeID, rule.Window)
		if err != nil {
			return nil, err
		}
		usages = append(usages, buildUsage(rule, current, windowEnd))
	}
	return usages, nil
}

func (l *DefaultLimiter) Reset(ctx context.Context, identifier string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rule := range l.rules {
		scopeID := identifier
		if rule.Scope == ScopeGlobal {
			scopeID = "*"
		}
		if err := l.store.DeleteUsage(ctx, rule.Scope, scopeID); err != nil {
			return err
		}
	}
	return nil
}

func (l *DefaultLimiter) ResetExpired(ctx context.Context, before time.Time) error {
	return l.store.DeleteExpired(ctx, before)
}
