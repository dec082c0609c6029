// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the daemon's Prometheus instrumentation: tool
// call outcomes, circuit breaker state, session counts, and dedup cache
// hits.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ToolCalls tracks total call_tool invocations by tool name and outcome
	// (ok, error, timeout, circuit_open, overloaded).
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exai_ws_tool_calls_total",
			Help: "Total call_tool invocations by tool name and outcome",
		},
		[]string{"tool", "outcome"},
	)

	// ToolCallDuration tracks call_tool latency by tool name.
	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "exai_ws_tool_call_duration_seconds",
			Help:    "call_tool duration in seconds by tool name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// CircuitState reports 0 (closed), 1 (half-open), or 2 (open) per op.
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exai_ws_circuit_state",
			Help: "Circuit breaker state by operation name (0=closed, 1=half-open, 2=open)",
		},
		[]string{"op"},
	)

	// SessionsActive reports the current number of tracked sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "exai_ws_sessions_active",
			Help: "Number of sessions currently tracked by the session manager",
		},
	)

	// SessionsExpired counts sessions removed by timeout sweeps.
	SessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exai_ws_sessions_expired_total",
			Help: "Total sessions removed for exceeding the idle timeout",
		},
	)

	// DedupOutcomes counts expert validation cache hits, computes, and
	// waiter timeouts.
	DedupOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exai_ws_dedup_outcomes_total",
			Help: "Expert validation dedup outcomes (hit, computed, wait_timeout)",
		},
		[]string{"outcome"},
	)

	// SemaphoreRejections counts call_tool requests rejected for lack of a
	// concurrency permit, by semaphore name.
	SemaphoreRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exai_ws_semaphore_rejections_total",
			Help: "Total call_tool requests rejected for lack of a concurrency permit",
		},
		[]string{"semaphore"},
	)
)

// RecordToolCall records the outcome and duration of one call_tool
// invocation.
func RecordToolCall(tool, outcome string, seconds float64) {
	ToolCalls.WithLabelValues(tool, outcome).Inc()
	ToolCallDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordCircuitState records the current gobreaker state for opName.
// state must be one of "closed", "half-open", "open".
func RecordCircuitState(opName, state string) {
	v := 0.0
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	CircuitState.WithLabelValues(opName).Set(v)
}

// RecordDedupOutcome records one expert validation dedup outcome.
func RecordDedupOutcome(outcome string) {
	DedupOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSemaphoreRejection records one call_tool request rejected by the
// named semaphore for lack of a permit.
func RecordSemaphoreRejection(name string) {
	SemaphoreRejections.WithLabelValues(name).Inc()
}
