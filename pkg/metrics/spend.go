/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics provides shared Prometheus metrics for spendguard
// components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Token direction label values.
const (
	DirectionInput  = "input"
	DirectionOutput = "output"
)

// Session outcome label values for the duration histogram.
const (
	OutcomeCompleted        = "completed"
	OutcomeBudgetExceeded   = "budget_exceeded"
	OutcomeDurationExceeded = "duration_exceeded"
	OutcomeExpired          = "expired"
)

// SpendMetrics holds all Prometheus metrics for session spend governance.
// The session_id labels follow the upstream dashboards; session-scoped
// series reset with the process, so dashboards aggregate by model.
type SpendMetrics struct {
	// CostUSDTotal is the cumulative spend by model and session.
	CostUSDTotal *prometheus.CounterVec

	// ActiveSessions is the number of sessions currently tracked.
	ActiveSessions prometheus.Gauge

	// SessionDuration is the histogram of session lifetimes by outcome.
	SessionDuration *prometheus.HistogramVec

	// TokensTotal is the token usage by model and direction.
	TokensTotal *prometheus.CounterVec

	// BudgetViolationsTotal counts failed admission checks by session.
	BudgetViolationsTotal *prometheus.CounterVec

	// BreakerOpen is 1 while the spend circuit breaker is open.
	BreakerOpen prometheus.Gauge
}

// SpendMetricsConfig configures the spend metrics.
type SpendMetricsConfig struct {
	// Buckets for the session duration histogram.
	// If nil, defaults to DefaultSessionDurationBuckets.
	DurationBuckets []float64
}

// DefaultSessionDurationBuckets are histogram buckets for session lifetimes.
// Streaming sessions run from seconds to the configured cap, commonly 30m.
var DefaultSessionDurationBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 900, 1800, 3600,
}

// NewSpendMetrics creates and registers spend metrics using the default
// registry.
func NewSpendMetrics(cfg SpendMetricsConfig) *SpendMetrics {
	return NewSpendMetricsWithRegisterer(prometheus.DefaultRegisterer, cfg)
}

// NewSpendMetricsWithRegisterer creates spend metrics registered against the
// given Prometheus registerer. Use prometheus.NewRegistry() in tests for
// isolation.
func NewSpendMetricsWithRegisterer(reg prometheus.Registerer, cfg SpendMetricsConfig) *SpendMetrics {
	buckets := cfg.DurationBuckets
	if buckets == nil {
		buckets = DefaultSessionDurationBuckets
	}

	factory := promauto.With(reg)
	return &SpendMetrics{
		CostUSDTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_cost_usd_total",
			Help: "Cumulative API cost in USD by model and session",
		}, []string{"model", "session_id"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spendguard_active_sessions",
			Help: "Number of sessions currently tracked",
		}),

		SessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spendguard_session_duration_seconds",
			Help:    "Session lifetime in seconds by outcome",
			Buckets: buckets,
		}, []string{"outcome"}),

		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_tokens_total",
			Help: "Token usage by model and direction",
		}, []string{"model", "direction"}),

		BudgetViolationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_budget_violations_total",
			Help: "Failed admission checks by session",
		}, []string{"session_id"}),

		BreakerOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "spendguard_breaker_open",
			Help: "1 while the spend circuit breaker is open",
		}),
	}
}

// Initialize pre-registers per-model token counters and zeroes the gauges so
// the series appear in /metrics output immediately at startup. CounterVec
// series only exist after their label combination has been observed.
func (m *SpendMetrics) Initialize(models []string) {
	for _, model := range models {
		m.TokensTotal.WithLabelValues(model, DirectionInput).Add(0)
		m.TokensTotal.WithLabelValues(model, DirectionOutput).Add(0)
	}
	m.ActiveSessions.Set(0)
	m.BreakerOpen.Set(0)
}

// SpendUsageMetrics contains the metrics for a single usage event.
type SpendUsageMetrics struct {
	Model        string
	SessionID    string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Violation    bool
}

// RecordUsage records metrics for one usage event.
func (m *SpendMetrics) RecordUsage(u SpendUsageMetrics) {
	m.CostUSDTotal.WithLabelValues(u.Model, u.SessionID).Add(u.CostUSD)
	m.TokensTotal.WithLabelValues(u.Model, DirectionInput).Add(float64(u.InputTokens))
	m.TokensTotal.WithLabelValues(u.Model, DirectionOutput).Add(float64(u.OutputTokens))
	if u.Violation {
		m.BudgetViolationsTotal.WithLabelValues(u.SessionID).Inc()
	}
}

// SessionStarted bumps the active-session gauge.
func (m *SpendMetrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionEnded drops the active-session gauge and records the lifetime.
func (m *SpendMetrics) SessionEnded(outcome string, durationSeconds float64) {
	m.ActiveSessions.Dec()
	m.SessionDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// SetBreakerOpen reflects the breaker state on its gauge.
func (m *SpendMetrics) SetBreakerOpen(open bool) {
	if open {
		m.BreakerOpen.Set(1)
		return
	}
	m.BreakerOpen.Set(0)
}

// SpendMetricsRecorder is the interface for recording spend metrics.
// This allows for no-op implementations when metrics are disabled.
type SpendMetricsRecorder interface {
	RecordUsage(u SpendUsageMetrics)
	SessionStarted()
	SessionEnded(outcome string, durationSeconds float64)
	SetBreakerOpen(open bool)
}

// Ensure implementations satisfy the interface.
var (
	_ SpendMetricsRecorder = (*SpendMetrics)(nil)
	_ SpendMetricsRecorder = (*NoOpSpendMetrics)(nil)
)

// NoOpSpendMetrics is a no-op implementation for when metrics are disabled.
type NoOpSpendMetrics struct{}

// RecordUsage intentionally does nothing.
func (n *NoOpSpendMetrics) RecordUsage(_ SpendUsageMetrics) {}

// SessionStarted intentionally does nothing.
func (n *NoOpSpendMetrics) SessionStarted() {}

// SessionEnded intentionally does nothing.
func (n *NoOpSpendMetrics) SessionEnded(_ string, _ float64) {}

// SetBreakerOpen intentionally does nothing.
func (n *NoOpSpendMetrics) SetBreakerOpen(_ bool) {}
