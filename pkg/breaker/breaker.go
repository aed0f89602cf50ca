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

// Package breaker implements the process-wide spend kill-switch: a
// CLOSED/OPEN state machine tripped explicitly by whoever aggregates
// system-wide spend and closed again only when a poll observes that the
// cooldown has passed. There is no background timer; recovery happens as a
// side effect of being checked.
package breaker

import (
	"sync"
	"time"
)

// State is a point-in-time view of the breaker. ResetAt is the zero time
// unless Active is true.
type State struct {
	Active  bool      `json:"active"`
	ResetAt time.Time `json:"resetAt,omitzero"`
}

// Breaker guards its two fields with a single mutex so activation and reset
// polling each update them as a pair. Writes are rare relative to admission
// traffic, so one mutex is not a contention point.
type Breaker struct {
	mu       sync.Mutex
	cooldown time.Duration
	active   bool
	resetAt  time.Time
	nowFunc  func() time.Time // for testing
}

// New returns a closed breaker with the given cooldown window.
func New(cooldown time.Duration) *Breaker {
	return &Breaker{
		cooldown: cooldown,
		nowFunc:  time.Now,
	}
}

// Trip opens the breaker and schedules its reset one cooldown from now.
// Tripping an already-open breaker extends the reset to a fresh cooldown
// window from this call (last write wins; cooldowns do not stack). The
// second return reports whether this call performed the CLOSED to OPEN
// transition.
func (b *Breaker) Trip() (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	opened := !b.active
	b.active = true
	b.resetAt = b.nowFunc().Add(b.cooldown)
	return b.state(), opened
}

// PollReset closes the breaker if its cooldown has passed, returning the
// resulting state and whether this call performed the OPEN to CLOSED
// transition. Callers must poll at least once per admission check so that
// recovery is observed promptly.
func (b *Breaker) PollReset() (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active && !b.nowFunc().Before(b.resetAt) {
		b.active = false
		b.resetAt = time.Time{}
		return b.state(), true
	}
	return b.state(), false
}

// State returns the current state without polling for reset.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state()
}

func (b *Breaker) state() State {
	return State{Active: b.active, ResetAt: b.resetAt}
}
