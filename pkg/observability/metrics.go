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

// Package observability wires the bus/scheduler/recovery counters and
// histograms and the phase-transition tracing spans named in SPEC_FULL
// §A "Metrics & tracing" and §B's domain-stack table.
//
// Grounded on the teacher's pkg/observability/metrics.go: one
// *prometheus.CounterVec/HistogramVec per subsystem, a nil-safe
// receiver on every Record* method so an unconfigured Metrics can be
// passed around without a feature-flag check at every call site.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// SetDefaults fills in the metrics namespace.
func (c *MetricsConfig) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "orchestrator"
	}
}

// Metrics holds every Prometheus collector the orchestrator exposes.
// A nil *Metrics is valid: every method no-ops, so callers never need
// to branch on whether metrics are enabled.
type Metrics struct {
	registry *prometheus.Registry

	busPublished   *prometheus.CounterVec
	busDropped     *prometheus.CounterVec
	busDeliverTime *prometheus.HistogramVec

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	inFlightSubtasks *prometheus.GaugeVec

	recoveryActions  *prometheus.CounterVec
	recoveryBudget   *prometheus.GaugeVec

	workflowsActive  *prometheus.GaugeVec
	workflowsTerminal *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics builds the registry, or returns (nil, nil) when disabled.
func NewMetrics(cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()

	m := &Metrics{registry: prometheus.NewRegistry()}
	ns := cfg.Namespace

	m.busPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "bus", Name: "messages_published_total", Help: "Envelopes published to an agent's inbox.",
	}, []string{"kind"})
	m.busDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "bus", Name: "messages_dropped_total", Help: "Envelopes dropped because the recipient's inbox was full.",
	}, []string{"kind"})
	m.busDeliverTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "bus", Name: "deliver_seconds", Help: "Time from Send/Publish call to channel enqueue.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"kind"})
	m.registry.MustRegister(m.busPublished, m.busDropped, m.busDeliverTime)

	m.dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "scheduler", Name: "dispatch_total", Help: "Subtask dispatch attempts, by outcome.",
	}, []string{"outcome"})
	m.dispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "scheduler", Name: "subtask_duration_seconds", Help: "Subtask wall-clock time from dispatch to terminal response.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"outcome"})
	m.inFlightSubtasks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "scheduler", Name: "in_flight_subtasks", Help: "Subtasks currently dispatched and awaiting response.",
	}, []string{"workflow_id"})
	m.registry.MustRegister(m.dispatchTotal, m.dispatchDuration, m.inFlightSubtasks)

	m.recoveryActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "recovery", Name: "actions_total", Help: "Recovery actions taken, by failure kind and action.",
	}, []string{"kind", "action"})
	m.recoveryBudget = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "recovery", Name: "budget_remaining", Help: "Remaining recovery budget for a workflow.",
	}, []string{"workflow_id"})
	m.registry.MustRegister(m.recoveryActions, m.recoveryBudget)

	m.workflowsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: "workflow", Name: "active", Help: "Workflows currently in flight, by phase.",
	}, []string{"phase"})
	m.workflowsTerminal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "workflow", Name: "terminal_total", Help: "Workflows reaching a terminal state, by outcome.",
	}, []string{"outcome"})
	m.registry.MustRegister(m.workflowsActive, m.workflowsTerminal)

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: "http", Name: "requests_total", Help: "Inbound HTTP requests.",
	}, []string{"method", "route", "status"})
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: "http", Name: "request_duration_seconds", Help: "Inbound HTTP request duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
	m.registry.MustRegister(m.httpRequests, m.httpDuration)

	return m, nil
}

func (m *Metrics) RecordBusPublish(kind string) {
	if m == nil {
		return
	}
	m.busPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordBusDrop(kind string) {
	if m == nil {
		return
	}
	m.busDropped.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveBusDeliver(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.busDeliverTime.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) RecordDispatch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(outcome).Inc()
	m.dispatchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) SetInFlightSubtasks(workflowID string, n int) {
	if m == nil {
		return
	}
	m.inFlightSubtasks.WithLabelValues(workflowID).Set(float64(n))
}

func (m *Metrics) RecordRecoveryAction(kind, action string) {
	if m == nil {
		return
	}
	m.recoveryActions.WithLabelValues(kind, action).Inc()
}

func (m *Metrics) SetRecoveryBudgetRemaining(workflowID string, remaining int) {
	if m == nil {
		return
	}
	m.recoveryBudget.WithLabelValues(workflowID).Set(float64(remaining))
}

func (m *Metrics) SetWorkflowsActive(phase string, n int) {
	if m == nil {
		return
	}
	m.workflowsActive.WithLabelValues(phase).Set(float64(n))
}

func (m *Metrics) RecordWorkflowTerminal(outcome string) {
	if m == nil {
		return
	}
	m.workflowsTerminal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) })
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
