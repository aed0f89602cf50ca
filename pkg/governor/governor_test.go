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

package governor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altairalabs/spendguard/pkg/breaker"
	"github.com/altairalabs/spendguard/pkg/ledger"
	"github.com/altairalabs/spendguard/pkg/metrics"
	"github.com/altairalabs/spendguard/pkg/mirror"
	"github.com/altairalabs/spendguard/pkg/pricing"
)

// fakeMirror records mirror calls and can be told to fail every operation.
type fakeMirror struct {
	mu      sync.Mutex
	failAll error
	starts  []string
	updates []ledger.Entry
	deletes []string
}

func (f *fakeMirror) Start(_ context.Context, entry ledger.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	f.starts = append(f.starts, entry.SessionID)
	return nil
}

func (f *fakeMirror) Update(_ context.Context, entry ledger.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	f.updates = append(f.updates, entry)
	return nil
}

func (f *fakeMirror) Delete(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	f.deletes = append(f.deletes, sessionID)
	return nil
}

func (f *fakeMirror) ClusterCost(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return 0, f.failAll
	}
	return 0, nil
}

func (f *fakeMirror) Close() error { return nil }

func (f *fakeMirror) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

var _ mirror.Mirror = (*fakeMirror)(nil)

// fakeRecorder captures metric observations for assertions.
type fakeRecorder struct {
	usages   []metrics.SpendUsageMetrics
	started  int
	outcomes []string
	breaker  []bool
}

func (f *fakeRecorder) RecordUsage(u metrics.SpendUsageMetrics) { f.usages = append(f.usages, u) }
func (f *fakeRecorder) SessionStarted()                         { f.started++ }
func (f *fakeRecorder) SessionEnded(outcome string, _ float64) {
	f.outcomes = append(f.outcomes, outcome)
}
func (f *fakeRecorder) SetBreakerOpen(open bool) { f.breaker = append(f.breaker, open) }

var _ metrics.SpendMetricsRecorder = (*fakeRecorder)(nil)

// capturePublisher collects events published by the governor's background
// goroutines.
type capturePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (c *capturePublisher) Publish(_ context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func (c *capturePublisher) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.EventType)
	}
	return out
}

func (c *capturePublisher) has(eventType string) bool {
	for _, et := range c.types() {
		if et == eventType {
			return true
		}
	}
	return false
}

var _ EventPublisher = (*capturePublisher)(nil)

// fixture wires a governor over real ledger and breaker instances with fake
// mirror, metrics, and event collaborators.
type fixture struct {
	gov *Governor
	led *ledger.Ledger
	brk *breaker.Breaker
	mir *fakeMirror
	rec *fakeRecorder
	pub *capturePublisher
}

func newFixture(t *testing.T, cfg Config, policy ledger.Policy, cooldown time.Duration) *fixture {
	t.Helper()

	table, err := pricing.NewTable(map[string]pricing.Rate{
		"flat": {InputPerMTok: 10, OutputPerMTok: 0},
	}, pricing.DefaultFallback(), logr.Discard())
	require.NoError(t, err)

	f := &fixture{
		led: ledger.New(policy, table),
		brk: breaker.New(cooldown),
		mir: &fakeMirror{},
		rec: &fakeRecorder{},
		pub: &capturePublisher{},
	}
	if cfg.Metrics == nil {
		cfg.Metrics = f.rec
	}
	if cfg.Events == nil {
		cfg.Events = f.pub
	}
	f.gov = New(f.led, f.brk, f.mir, cfg, logr.Discard())
	return f
}

func defaultPolicy() ledger.Policy {
	return ledger.Policy{MaxSessionCost: 5.0, MaxSessionDuration: 30 * time.Minute}
}

func enabledConfig() Config {
	return Config{Enabled: true, BreakerThreshold: 100.0}
}

func TestStartSession_GeneratesID(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), time.Hour)

	id := f.gov.StartSession(context.Background(), "")
	require.NotEmpty(t, id)
	assert.Equal(t, 1, f.led.Count())
	assert.Equal(t, 1, f.rec.started)
}

func TestStartSession_KeepsCallerID(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), time.Hour)

	id := f.gov.StartSession(context.Background(), "sess-1")
	assert.Equal(t, "sess-1", id)

	_, ok := f.led.Entry("sess-1")
	assert.True(t, ok)
}

func TestStartSession_RestartDoesNotDoubleCount(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), time.Hour)

	f.gov.StartSession(context.Background(), "sess-1")
	f.gov.StartSession(context.Background(), "sess-1")

	assert.Equal(t, 1, f.led.Count())
	assert.Equal(t, 1, f.rec.started)
}

func TestStartSession_MirrorFailureIgnored(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), time.Hour)
	f.mir.failAll = errors.New("store down")

	id := f.gov.StartSession(context.Background(), "sess-1")
	assert.Equal(t, "sess-1", id)
	assert.Equal(t, 1, f.led.Count())
}

func TestTrackUsage_AdmitsWithinBudget(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), time.Hour)
	f.gov.StartSession(context.Background(), "sess-1")

	res := f.gov.TrackUsage(context.Background(), "sess-1", "flat", 200_000, 0) // $2.00
	assert.True(t, res.Tracked)
	assert.True(t, res.AdmissionOK)
	assert.InDelta(t, 2.0, res.CallCost, 1e-9)
	assert.InDelta(t, 2.0, res.SessionCost, 1e-9)
	assert.InDelta(t, 3.0, res.RemainingBudget, 1e-9)
	assert.False(t, res.BreakerActive)
	assert.Empty(t, res.Reasons)
}

func TestTrackUsage_CrossingCapDeniesAndSticks(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), time.Hour)
	f.gov.StartSession(context.Background(), "sess-1")

	ctx := context.Background()
	f.gov.TrackUsage(ctx, "sess-1", "flat", 200_000, 0) // $2.00
	f.gov.TrackUsage(ctx, "sess-1", "flat", 200_000, 0) // $4.00

	res := f.gov.TrackUsage(ctx, "sess-1", "flat", 150_000, 0) // $5.50
	assert.False(t, res.AdmissionOK)
	assert.InDelta(t, 5.5, res.SessionCost, 1e-9)
	assert.Zero(t, res.RemainingBudget)
	assert.Equal(t, []string{ledger.ReasonBudgetExceeded}, res.Reasons)

	// cost is monotonic, so every later call is denied too
	res = f.gov.TrackUsage(ctx, "sess-1", "flat", 1, 0)
	assert.False(t, res.AdmissionOK)
}

func TestTrackUsage_UnknownSessionPriced(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), time.Hour)

	res := f.gov.TrackUsage(context.Background(), "ghost", "flat", 100_000, 0)
	assert.False(t, res.Tracked)
	assert.InDelta(t, 1.0, res.CallCost, 1e-9)
	assert.True(t, res.AdmissionOK)
	assert.Equal(t, 30*time.Minute, res.RemainingDuration)

	// nothing persisted, nothing mirrored
	assert.Equal(t, 0, f.led.Count())
	assert.Empty(t, f.mir.updates)
}

func TestTrackUsage_ManualTripBlocksEveryone(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), time.Hour)
	f.gov.StartSession(context.Background(), "fresh")

	state := f.gov.TripBreaker()
	require.True(t, state.Active)

	res := f.gov.TrackUsage(context.Background(), "fresh", "flat", 0, 0)
	assert.False(t, res.AdmissionOK)
	assert.True(t, res.BreakerActive)
	assert.Equal(t, []string{ledger.ReasonBreakerActive}, res.Reasons)
	assert.Equal(t, []bool{true}, f.rec.breaker)
}

func TestTrackUsage_AutoTripAtAggregateThreshold(t *testing.T) {
	cfg := Config{Enabled: true, BreakerThreshold: 10.0}
	policy := ledger.Policy{MaxSessionCost: 50.0, MaxSessionDuration: 30 * time.Minute}
	f := newFixture(t, cfg, policy, time.Hour)

	ctx := context.Background()
	f.gov.StartSession(ctx, "a")
	f.gov.StartSession(ctx, "b")

	res := f.gov.TrackUsage(ctx, "a", "flat", 500_000, 0) // $5.00, total $5
	assert.True(t, res.AdmissionOK)
	assert.False(t, f.brk.State().Active)

	// total reaches the $10 threshold; the crossing call itself is denied
	res = f.gov.TrackUsage(ctx, "b", "flat", 500_000, 0)
	assert.False(t, res.AdmissionOK)
	assert.True(t, res.BreakerActive)
	assert.True(t, f.brk.State().Active)

	// a brand-new session with zero cost is denied too
	f.gov.StartSession(ctx, "c")
	res = f.gov.TrackUsage(ctx, "c", "flat", 0, 0)
	assert.False(t, res.AdmissionOK)
	assert.True(t, res.BreakerActive)
}

func TestTrackUsage_BreakerRecoveryOnPoll(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), 20*time.Millisecond)
	f.gov.StartSession(context.Background(), "sess-1")
	f.gov.TripBreaker()

	res := f.gov.TrackUsage(context.Background(), "sess-1", "flat", 0, 0)
	require.False(t, res.AdmissionOK)

	// after the cooldown, the next check polls the breaker closed again
	time.Sleep(30 * time.Millisecond)
	res = f.gov.TrackUsage(context.Background(), "sess-1", "flat", 0, 0)
	assert.True(t, res.AdmissionOK)
	assert.False(t, res.BreakerActive)
	assert.Equal(t, []bool{true, false}, f.rec.breaker)
}

func TestTrackUsage_MirrorFailureNeverBreaksVerdict(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), time.Hour)
	f.mir.failAll = errors.New("store down")
	f.gov.StartSession(context.Background(), "sess-1")

	res := f.gov.TrackUsage(context.Background(), "sess-1", "flat", 200_000, 0)
	assert.True(t, res.AdmissionOK)
	assert.InDelta(t, 2.0, res.SessionCost, 1e-9)
}

func TestTrackUsage_DisabledStillTracks(t *testing.T) {
	cfg := Config{Enabled: false, BreakerThreshold: 1.0}
	f := newFixture(t, cfg, defaultPolicy(), time.Hour)
	f.gov.StartSession(context.Background(), "sess-1")

	// $6.00 exceeds both the $5 session cap and the $1 breaker threshold
	res := f.gov.TrackUsage(context.Background(), "sess-1", "flat", 600_000, 0)
	assert.True(t, res.AdmissionOK)
	assert.Empty(t, res.Reasons)
	assert.False(t, f.brk.State().Active)

	// tracking and metrics stay live; the would-be violation is observable
	assert.InDelta(t, 6.0, f.led.TotalCost(), 1e-9)
	require.Len(t, f.rec.usages, 1)
	assert.True(t, f.rec.usages[0].Violation)
}

func TestTrackUsage_BudgetWarningAt80Percent(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), time.Hour)
	f.gov.StartSession(context.Background(), "sess-1")

	ctx := context.Background()
	res := f.gov.TrackUsage(ctx, "sess-1", "flat", 399_000, 0) // $3.99
	assert.False(t, res.BudgetWarning)

	res = f.gov.TrackUsage(ctx, "sess-1", "flat", 1_000, 0) // $4.00, 80% of cap
	assert.True(t, res.BudgetWarning)
	assert.True(t, res.AdmissionOK)

	// once denied, the warning gives way to the verdict
	res = f.gov.TrackUsage(ctx, "sess-1", "flat", 200_000, 0) // $6.00
	assert.False(t, res.AdmissionOK)
	assert.False(t, res.BudgetWarning)
}

func TestTrackUsage_NegativeUnitsClamped(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), time.Hour)
	f.gov.StartSession(context.Background(), "sess-1")

	res := f.gov.TrackUsage(context.Background(), "sess-1", "flat", -100, -100)
	assert.Zero(t, res.CallCost)
	assert.Zero(t, res.InputUnits)
	assert.Zero(t, res.OutputUnits)
	assert.True(t, res.AdmissionOK)
}

func TestCheckSession(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), time.Hour)
	f.gov.StartSession(context.Background(), "sess-1")
	f.gov.TrackUsage(context.Background(), "sess-1", "flat", 600_000, 0) // $6.00

	adm := f.gov.CheckSession("sess-1")
	assert.False(t, adm.OK)
	assert.Equal(t, []string{ledger.ReasonBudgetExceeded}, adm.Reasons)

	// an unknown session passes with the full budget remaining
	adm = f.gov.CheckSession("ghost")
	assert.True(t, adm.OK)
	assert.InDelta(t, 5.0, adm.RemainingBudget, 1e-9)
}

func TestEndSession_CompletedOutcome(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), time.Hour)
	f.gov.StartSession(context.Background(), "sess-1")
	f.gov.TrackUsage(context.Background(), "sess-1", "flat", 100_000, 0)

	f.gov.EndSession(context.Background(), "sess-1")

	assert.Equal(t, 0, f.led.Count())
	assert.Equal(t, []string{metrics.OutcomeCompleted}, f.rec.outcomes)
	assert.Equal(t, []string{"sess-1"}, f.mir.deleted())
}

func TestEndSession_BudgetExceededOutcome(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), time.Hour)
	f.gov.StartSession(context.Background(), "sess-1")
	f.gov.TrackUsage(context.Background(), "sess-1", "flat", 600_000, 0) // $6.00

	f.gov.EndSession(context.Background(), "sess-1")
	assert.Equal(t, []string{metrics.OutcomeBudgetExceeded}, f.rec.outcomes)
}

func TestEndSession_DurationExceededOutcome(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), time.Hour)
	f.gov.StartSession(context.Background(), "sess-1")

	f.gov.nowFunc = func() time.Time { return time.Now().Add(31 * time.Minute) }
	f.gov.EndSession(context.Background(), "sess-1")
	assert.Equal(t, []string{metrics.OutcomeDurationExceeded}, f.rec.outcomes)
}

func TestEndSession_UnknownIgnored(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), time.Hour)

	f.gov.EndSession(context.Background(), "never-started")
	assert.Empty(t, f.rec.outcomes)
	assert.Empty(t, f.mir.deleted())
}

func TestExpireIdle(t *testing.T) {
	policy := ledger.Policy{MaxSessionCost: 5.0, MaxSessionDuration: 10 * time.Millisecond}
	f := newFixture(t, enabledConfig(), policy, time.Hour)
	f.gov.StartSession(context.Background(), "stale")

	time.Sleep(30 * time.Millisecond)
	n := f.gov.ExpireIdle(context.Background(), 5*time.Millisecond)

	assert.Equal(t, 1, n)
	assert.Equal(t, 0, f.led.Count())
	assert.Equal(t, []string{metrics.OutcomeExpired}, f.rec.outcomes)
	assert.Equal(t, []string{"stale"}, f.mir.deleted())
}

func TestExpireIdle_FreshSessionKept(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), time.Hour)
	f.gov.StartSession(context.Background(), "fresh")

	n := f.gov.ExpireIdle(context.Background(), 5*time.Minute)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.led.Count())
}

func TestLifecycleEventsPublished(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), 20*time.Millisecond)

	ctx := context.Background()
	f.gov.StartSession(ctx, "sess-1")
	f.gov.TrackUsage(ctx, "sess-1", "flat", 100_000, 0)
	f.gov.EndSession(ctx, "sess-1")
	f.gov.TripBreaker()

	time.Sleep(30 * time.Millisecond)
	f.gov.BreakerState() // polls the cooldown closed

	require.Eventually(t, func() bool {
		return f.pub.has(EventSessionStarted) &&
			f.pub.has(EventSessionEnded) &&
			f.pub.has(EventBreakerOpened) &&
			f.pub.has(EventBreakerClosed)
	}, time.Second, 10*time.Millisecond)
}

func TestBreakerEventCarriesTotalAndReset(t *testing.T) {
	f := newFixture(t, enabledConfig(), defaultPolicy(), time.Hour)
	f.gov.StartSession(context.Background(), "sess-1")
	f.gov.TrackUsage(context.Background(), "sess-1", "flat", 200_000, 0)

	f.gov.TripBreaker()

	require.Eventually(t, func() bool { return f.pub.has(EventBreakerOpened) }, time.Second, 10*time.Millisecond)

	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	for _, e := range f.pub.events {
		if e.EventType == EventBreakerOpened {
			assert.InDelta(t, 2.0, e.TotalCostUSD, 1e-9)
			assert.NotEmpty(t, e.ResetAt)
			assert.NotEmpty(t, e.Timestamp)
		}
	}
}
