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

package ratelimit

import (
	"encoding/json"
	"net/http"
)

// IdentifierFunc extracts the rate-limit identifier from a request — the
// authenticated requester ID in production, set by pkg/auth upstream.
type IdentifierFunc func(r *http.Request) string

// DefaultIdentifierFunc reads the requester ID the auth middleware
// attaches, falling back to the remote address for unauthenticated
// deployments (auth disabled).
func DefaultIdentifierFunc(r *http.Request) string {
	if id := r.Header.Get("X-Requester-ID"); id != "" {
		return id
	}
	return r.RemoteAddr
}

// MiddlewareConfig configures the submission-throttling middleware.
type MiddlewareConfig struct {
	Limiter        Limiter
	IdentifierFunc IdentifierFunc
	OnLimited      func(w http.ResponseWriter, r *http.Request, result *CheckResult)
}

// Middleware enforces submission rate limits on every request it wraps
// (§C). Intended to wrap only the task-submission route in pkg/server.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.IdentifierFunc == nil {
		cfg.IdentifierFunc = DefaultIdentifierFunc
	}
	if cfg.OnLimited == nil {
		cfg.OnLimited = defaultOnLimited
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := cfg.IdentifierFunc(r)
			result, err := cfg.Limiter.CheckAndRecord(r.Context(), id)
			if err != nil {
				http.Error(w, "rate limit check failed", http.StatusInternalServerError)
				return
			}
			if !result.Allowed {
				cfg.OnLimited(w, r, result)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func defaultOnLimited(w http.ResponseWriter, r *http.Request, result *CheckResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    "rate_limited",
		"message": result.Reason,
		"usages":  result.Usages,
	})
}
