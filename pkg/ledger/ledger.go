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

// Package ledger maintains live per-session spend state and decides whether
// a session may continue. Costs are held in integer nanodollars so the
// cross-session aggregate stays exact under concurrent updates.
package ledger

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/altairalabs/spendguard/pkg/pricing"
)

const nanosPerDollar = 1e9

// Policy is the configured per-session spend limit set. Both comparisons
// are strict: cost or elapsed time equal to the cap is already a violation.
type Policy struct {
	MaxSessionCost     float64
	MaxSessionDuration time.Duration
}

// Entry is a point-in-time copy of one session's spend state.
type Entry struct {
	SessionID    string    `json:"sessionId"`
	StartedAt    time.Time `json:"startedAt"`
	LastActivity time.Time `json:"lastActivity"`
	Cost         float64   `json:"cost"`
	InputUnits   int64     `json:"inputUnits"`
	OutputUnits  int64     `json:"outputUnits"`
}

// UsageUpdate is the outcome of recording one usage event. Tracked is false
// when the session was never started (or raced with its end); the event is
// still priced but persisted nowhere.
type UsageUpdate struct {
	Entry    Entry
	CallCost float64
	Tracked  bool
}

// record is the mutable state behind one session id. Its mutex serializes
// read-modify-write cycles for that session only; the ended flag closes the
// race between an in-flight update and End removing the record from the map.
type record struct {
	mu           sync.Mutex
	ended        bool
	startedAt    time.Time
	lastActivity time.Time
	costNano     int64
	inputUnits   int64
	outputUnits  int64
}

func (r *record) snapshotLocked(id string) Entry {
	return Entry{
		SessionID:    id,
		StartedAt:    r.startedAt,
		LastActivity: r.lastActivity,
		Cost:         nanosToDollars(r.costNano),
		InputUnits:   r.inputUnits,
		OutputUnits:  r.outputUnits,
	}
}

// Ledger tracks all live sessions. There is no global lock around usage
// updates: the map lock is held only to look up or insert records, and each
// record carries its own mutex.
type Ledger struct {
	policy Policy
	table  *pricing.Table

	mu      sync.RWMutex
	records map[string]*record

	totalNano atomic.Int64

	nowFunc func() time.Time // for testing
}

// New returns an empty ledger pricing events with table and enforcing
// policy.
func New(policy Policy, table *pricing.Table) *Ledger {
	return &Ledger{
		policy:  policy,
		table:   table,
		records: make(map[string]*record),
		nowFunc: time.Now,
	}
}

// Start creates the entry for id. Starting an id that is already live
// resets it; the second return reports whether that happened.
func (l *Ledger) Start(id string) (Entry, bool) {
	now := l.nowFunc()
	fresh := &record{startedAt: now, lastActivity: now}

	l.mu.Lock()
	old, replaced := l.records[id]
	l.records[id] = fresh
	l.mu.Unlock()

	if replaced {
		old.mu.Lock()
		old.ended = true
		l.totalNano.Add(-old.costNano)
		old.mu.Unlock()
	}

	fresh.mu.Lock()
	entry := fresh.snapshotLocked(id)
	fresh.mu.Unlock()
	return entry, replaced
}

// RecordUsage prices the event and folds it into the session's entry. For a
// session that was never started the event is priced and reported with
// Tracked=false and contributes to no persisted state.
func (l *Ledger) RecordUsage(id, model string, inputUnits, outputUnits int64) UsageUpdate {
	callCost := l.table.Cost(model, inputUnits, outputUnits)

	l.mu.RLock()
	rec := l.records[id]
	l.mu.RUnlock()

	if rec == nil {
		return l.untracked(id, callCost, inputUnits, outputUnits)
	}

	rec.mu.Lock()
	if rec.ended {
		rec.mu.Unlock()
		return l.untracked(id, callCost, inputUnits, outputUnits)
	}
	rec.costNano += dollarsToNanos(callCost)
	if inputUnits > 0 {
		rec.inputUnits += inputUnits
	}
	if outputUnits > 0 {
		rec.outputUnits += outputUnits
	}
	rec.lastActivity = l.nowFunc()
	l.totalNano.Add(dollarsToNanos(callCost))
	entry := rec.snapshotLocked(id)
	rec.mu.Unlock()

	return UsageUpdate{Entry: entry, CallCost: callCost, Tracked: true}
}

// End removes the session's entry and returns its final state. Ending an
// unknown id reports ok=false and changes nothing.
func (l *Ledger) End(id string) (Entry, bool) {
	l.mu.Lock()
	rec, ok := l.records[id]
	if ok {
		delete(l.records, id)
	}
	l.mu.Unlock()

	if !ok {
		return Entry{}, false
	}

	rec.mu.Lock()
	rec.ended = true
	l.totalNano.Add(-rec.costNano)
	entry := rec.snapshotLocked(id)
	rec.mu.Unlock()
	return entry, true
}

// Entry returns a copy of the live entry for id.
func (l *Ledger) Entry(id string) (Entry, bool) {
	l.mu.RLock()
	rec := l.records[id]
	l.mu.RUnlock()

	if rec == nil {
		return Entry{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.ended {
		return Entry{}, false
	}
	return rec.snapshotLocked(id), true
}

// Snapshot returns copies of every live entry, in no particular order.
func (l *Ledger) Snapshot() []Entry {
	l.mu.RLock()
	refs := make(map[string]*record, len(l.records))
	for id, rec := range l.records {
		refs[id] = rec
	}
	l.mu.RUnlock()

	entries := make([]Entry, 0, len(refs))
	for id, rec := range refs {
		rec.mu.Lock()
		if !rec.ended {
			entries = append(entries, rec.snapshotLocked(id))
		}
		rec.mu.Unlock()
	}
	return entries
}

// Count returns the number of live sessions.
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// TotalCost returns the aggregate spend across all live sessions. Entries
// release their share when they end or expire, so this is live spend, not
// lifetime spend.
func (l *Ledger) TotalCost() float64 {
	return nanosToDollars(l.totalNano.Load())
}

// Policy returns the configured limits.
func (l *Ledger) Policy() Policy {
	return l.policy
}

func (l *Ledger) untracked(id string, callCost float64, inputUnits, outputUnits int64) UsageUpdate {
	if inputUnits < 0 {
		inputUnits = 0
	}
	if outputUnits < 0 {
		outputUnits = 0
	}
	return UsageUpdate{
		Entry: Entry{
			SessionID:   id,
			Cost:        callCost,
			InputUnits:  inputUnits,
			OutputUnits: outputUnits,
		},
		CallCost: callCost,
	}
}

func dollarsToNanos(d float64) int64 {
	return int64(math.Round(d * nanosPerDollar))
}

func nanosToDollars(n int64) float64 {
	return float64(n) / nanosPerDollar
}
