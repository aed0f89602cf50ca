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

// Package governor composes the pricing table, session ledger, circuit
// breaker, and spend mirror behind the operations a session handler calls:
// start a session, record a usage event, end a session. No operation fails
// for a business condition; every runtime situation, including a degraded
// mirror store or a session that was never started, degrades to a verdict
// on the returned result. Termination is the caller's job; the governor
// only reports whether the session may continue.
package governor

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/altairalabs/spendguard/pkg/breaker"
	"github.com/altairalabs/spendguard/pkg/ledger"
	"github.com/altairalabs/spendguard/pkg/metrics"
	"github.com/altairalabs/spendguard/pkg/mirror"
	"github.com/altairalabs/spendguard/pkg/tracing"
)

// warnFraction is the share of the session budget at which the result starts
// carrying a budget warning, matching the upstream service's $4-of-$5 alert.
const warnFraction = 0.8

// UsageResult is the outcome of one tracked usage event: the priced call,
// the session's cumulative state, and the flattened admission verdict. The
// HTTP layer serializes its own view of this; in-process callers read it
// directly.
type UsageResult struct {
	SessionID   string
	Model       string
	InputUnits  int64
	OutputUnits int64
	CallCost    float64
	SessionCost float64

	// Tracked is false when the session was never started (or raced with
	// its end); the event was priced but persisted nowhere.
	Tracked bool

	AdmissionOK       bool
	RemainingBudget   float64
	RemainingDuration time.Duration
	BreakerActive     bool
	Reasons           []string

	// BudgetWarning is set once the session has consumed at least 80% of
	// its budget while still admitted, so handlers can warn the client
	// before the hard cutoff.
	BudgetWarning bool
}

// Config configures the Governor.
type Config struct {
	// Enabled gates enforcement. When false, usage is still priced,
	// recorded, mirrored, and measured, but every verdict passes and the
	// aggregate breaker is never tripped automatically.
	Enabled bool

	// BreakerThreshold is the aggregate live spend in USD at which the
	// governor trips the circuit breaker. Zero or negative disables
	// automatic tripping; TripBreaker still works.
	BreakerThreshold float64

	// Metrics receives spend observations. Defaults to a no-op recorder.
	Metrics metrics.SpendMetricsRecorder

	// Events is an optional publisher for lifecycle events (e.g. Redis
	// Streams). When non-nil, events are published asynchronously;
	// publishing failures are logged but never block the caller.
	Events EventPublisher
}

// Governor is the spend-governance facade. Safe for concurrent use.
type Governor struct {
	ledger  *ledger.Ledger
	breaker *breaker.Breaker
	mirror  mirror.Mirror
	metrics metrics.SpendMetricsRecorder
	events  EventPublisher
	log     logr.Logger

	enabled   bool
	threshold float64

	nowFunc func() time.Time // for testing
}

// New creates a Governor over the given collaborators.
func New(led *ledger.Ledger, brk *breaker.Breaker, mir mirror.Mirror, cfg Config, log logr.Logger) *Governor {
	rec := cfg.Metrics
	if rec == nil {
		rec = &metrics.NoOpSpendMetrics{}
	}
	return &Governor{
		ledger:    led,
		breaker:   brk,
		mirror:    mir,
		metrics:   rec,
		events:    cfg.Events,
		log:       log.WithName("governor"),
		enabled:   cfg.Enabled,
		threshold: cfg.BreakerThreshold,
		nowFunc:   time.Now,
	}
}

// StartSession creates the ledger entry for sessionID, generating an id when
// the caller supplies none, and returns the id in use. The entry is mirrored
// best-effort; a mirror failure never fails the start.
func (g *Governor) StartSession(ctx context.Context, sessionID string) string {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	entry, replaced := g.ledger.Start(sessionID)
	if replaced {
		g.log.Info("session restarted, previous spend discarded", "sessionID", sessionID)
	} else {
		g.metrics.SessionStarted()
	}

	if err := g.mirror.Start(ctx, entry); err != nil {
		g.log.Error(err, "failed to mirror session start", "sessionID", sessionID)
	}

	g.publish(Event{EventType: EventSessionStarted, SessionID: sessionID})
	g.log.Info("session started", "sessionID", sessionID)
	return sessionID
}

// TrackUsage prices and records one usage event and returns the verdict. It
// never fails: unknown sessions get a priced, untracked result and mirror
// errors are swallowed after logging. Each call also polls the breaker's
// reset window and re-checks aggregate spend against the trip threshold.
func (g *Governor) TrackUsage(ctx context.Context, sessionID, model string, inputUnits, outputUnits int64) UsageResult {
	state := g.pollBreaker()

	up := g.ledger.RecordUsage(sessionID, model, inputUnits, outputUnits)

	if up.Tracked {
		if err := g.mirror.Update(ctx, up.Entry); err != nil {
			g.log.Error(err, "failed to mirror usage update", "sessionID", sessionID)
		}
	}

	if g.enabled && g.threshold > 0 && !state.Active {
		if total := g.ledger.TotalCost(); total >= g.threshold {
			state = g.trip(total)
		}
	}

	adm := g.ledger.CheckAdmission(sessionID, up.Entry.Cost, state.Active)

	g.metrics.RecordUsage(metrics.SpendUsageMetrics{
		Model:        model,
		SessionID:    sessionID,
		InputTokens:  max(0, inputUnits),
		OutputTokens: max(0, outputUnits),
		CostUSD:      up.CallCost,
		Violation:    !adm.OK,
	})

	res := UsageResult{
		SessionID:         sessionID,
		Model:             model,
		InputUnits:        max(0, inputUnits),
		OutputUnits:       max(0, outputUnits),
		CallCost:          up.CallCost,
		SessionCost:       up.Entry.Cost,
		Tracked:           up.Tracked,
		AdmissionOK:       adm.OK,
		RemainingBudget:   adm.RemainingBudget,
		RemainingDuration: adm.RemainingDuration,
		BreakerActive:     adm.BreakerActive,
		Reasons:           adm.Reasons,
	}
	if !g.enabled {
		// Enforcement off: observation stays live, the verdict passes.
		res.AdmissionOK = true
		res.Reasons = nil
	}
	if limit := g.ledger.Policy().MaxSessionCost; res.AdmissionOK && limit > 0 && up.Entry.Cost >= warnFraction*limit {
		res.BudgetWarning = true
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		tracing.AddUsageMetrics(span, res.InputUnits, res.OutputUnits, res.CallCost)
		tracing.AddAdmission(span, res.AdmissionOK, res.SessionCost)
	}

	if !res.AdmissionOK {
		g.log.Info("session denied", "sessionID", sessionID,
			"sessionCostUsd", res.SessionCost, "reasons", res.Reasons)
	}
	return res
}

// CheckSession answers "may this session continue" without recording usage.
func (g *Governor) CheckSession(sessionID string) ledger.AdmissionResult {
	state := g.pollBreaker()

	var cost float64
	if entry, ok := g.ledger.Entry(sessionID); ok {
		cost = entry.Cost
	}
	adm := g.ledger.CheckAdmission(sessionID, cost, state.Active)
	if !g.enabled {
		adm.OK = true
		adm.Reasons = nil
	}
	return adm
}

// EndSession removes the session's local and mirrored state and records its
// duration tagged by outcome. Ending a session that was never started (or
// already ended) records nothing.
func (g *Governor) EndSession(ctx context.Context, sessionID string) {
	entry, ok := g.ledger.End(sessionID)
	if !ok {
		g.log.V(1).Info("end ignored for unknown session", "sessionID", sessionID)
		return
	}

	if err := g.mirror.Delete(ctx, sessionID); err != nil {
		g.log.Error(err, "failed to delete mirrored session", "sessionID", sessionID)
	}

	now := g.nowFunc()
	outcome := g.outcome(entry, now)
	duration := now.Sub(entry.StartedAt)
	g.metrics.SessionEnded(outcome, duration.Seconds())
	g.publish(Event{
		EventType: EventSessionEnded,
		SessionID: sessionID,
		Outcome:   outcome,
		CostUSD:   entry.Cost,
	})
	g.log.Info("session ended", "sessionID", sessionID,
		"outcome", outcome, "costUsd", entry.Cost, "duration", duration)
}

// ExpireIdle ends every session idle longer than the duration cap plus
// grace, releasing its aggregate share and mirrored state, and returns how
// many were expired. The service binary runs this on a ticker so sessions
// whose handlers died without calling EndSession do not pin spend forever.
func (g *Governor) ExpireIdle(ctx context.Context, grace time.Duration) int {
	expired := g.ledger.ExpireIdle(grace)
	now := g.nowFunc()
	for _, entry := range expired {
		if err := g.mirror.Delete(ctx, entry.SessionID); err != nil {
			g.log.Error(err, "failed to delete mirrored session", "sessionID", entry.SessionID)
		}
		g.metrics.SessionEnded(metrics.OutcomeExpired, now.Sub(entry.StartedAt).Seconds())
		g.publish(Event{
			EventType: EventSessionEnded,
			SessionID: entry.SessionID,
			Outcome:   metrics.OutcomeExpired,
			CostUSD:   entry.Cost,
		})
		g.log.Info("idle session expired", "sessionID", entry.SessionID, "costUsd", entry.Cost)
	}
	return len(expired)
}

// TripBreaker opens the circuit breaker immediately, denying every session's
// next admission check until the cooldown passes. Exposed for operators; the
// governor also calls it internally when aggregate spend crosses the
// threshold.
func (g *Governor) TripBreaker() breaker.State {
	return g.trip(g.ledger.TotalCost())
}

// BreakerState polls the reset window and returns the breaker's state, so
// reading the state is itself enough to observe recovery.
func (g *Governor) BreakerState() breaker.State {
	return g.pollBreaker()
}

// Sessions returns a point-in-time copy of every live ledger entry.
func (g *Governor) Sessions() []ledger.Entry {
	return g.ledger.Snapshot()
}

// Session returns the live entry for sessionID.
func (g *Governor) Session(sessionID string) (ledger.Entry, bool) {
	return g.ledger.Entry(sessionID)
}

// TotalCost returns the aggregate live spend across this instance's
// sessions.
func (g *Governor) TotalCost() float64 {
	return g.ledger.TotalCost()
}

// ClusterCost returns the approximate aggregate spend mirrored by all
// instances sharing the store. Advisory only; it never feeds admission.
func (g *Governor) ClusterCost(ctx context.Context) (float64, error) {
	return g.mirror.ClusterCost(ctx)
}

// Policy returns the configured per-session limits.
func (g *Governor) Policy() ledger.Policy {
	return g.ledger.Policy()
}

// Enabled reports whether enforcement is on.
func (g *Governor) Enabled() bool {
	return g.enabled
}

func (g *Governor) pollBreaker() breaker.State {
	state, closed := g.breaker.PollReset()
	if closed {
		g.metrics.SetBreakerOpen(false)
		g.publish(Event{EventType: EventBreakerClosed})
		g.log.Info("circuit breaker reset, admissions resume")
	}
	return state
}

func (g *Governor) trip(total float64) breaker.State {
	state, opened := g.breaker.Trip()
	if opened {
		g.metrics.SetBreakerOpen(true)
		g.publish(Event{
			EventType:    EventBreakerOpened,
			TotalCostUSD: total,
			ResetAt:      state.ResetAt.UTC().Format(time.RFC3339),
		})
		g.log.Info("circuit breaker tripped, denying all sessions",
			"totalCostUsd", total, "resetAt", state.ResetAt)
	}
	return state
}

// outcome classifies how a session ended from its final entry state.
func (g *Governor) outcome(entry ledger.Entry, now time.Time) string {
	policy := g.ledger.Policy()
	switch {
	case policy.MaxSessionCost > 0 && entry.Cost >= policy.MaxSessionCost:
		return metrics.OutcomeBudgetExceeded
	case policy.MaxSessionDuration > 0 && now.Sub(entry.StartedAt) >= policy.MaxSessionDuration:
		return metrics.OutcomeDurationExceeded
	default:
		return metrics.OutcomeCompleted
	}
}

// publish fires the event in a background goroutine so the caller is never
// blocked. A detached context keeps the publish alive past request
// cancellation.
func (g *Governor) publish(event Event) {
	if g.events == nil {
		return
	}
	event.Timestamp = g.nowFunc().UTC().Format(time.RFC3339)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := g.events.Publish(ctx, event); err != nil {
			g.log.Error(err, "failed to publish spend event",
				"eventType", event.EventType, "sessionID", event.SessionID)
		}
	}()
}
