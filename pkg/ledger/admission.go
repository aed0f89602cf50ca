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

package ledger

import "time"

// Reason strings surfaced to clients when a session may not continue.
const (
	ReasonBudgetExceeded   = "Session budget limit exceeded"
	ReasonDurationExceeded = "Session duration limit exceeded"
	ReasonBreakerActive    = "System-wide circuit breaker is active"
)

// AdmissionResult answers "may this session continue". Reasons holds one
// entry per failed predicate.
type AdmissionResult struct {
	OK                bool          `json:"admissionOk"`
	RemainingBudget   float64       `json:"remainingBudgetUsd"`
	RemainingDuration time.Duration `json:"remainingDuration"`
	BreakerActive     bool          `json:"breakerActive"`
	Reasons           []string      `json:"reasons,omitempty"`
}

// CheckAdmission evaluates the three admission predicates for id and ANDs
// them: spend below the budget cap, elapsed time below the duration cap,
// breaker not active. Both caps are strict-less-than, so landing exactly on
// a cap is a violation. A session with no recorded start time passes the
// duration predicate with the full window remaining; unknown sessions are
// not penalized for duration.
func (l *Ledger) CheckAdmission(id string, currentCost float64, breakerActive bool) AdmissionResult {
	budgetOK := currentCost < l.policy.MaxSessionCost
	remainingBudget := max(0, l.policy.MaxSessionCost-currentCost)

	durationOK := true
	remainingDuration := l.policy.MaxSessionDuration
	if entry, ok := l.Entry(id); ok {
		elapsed := l.nowFunc().Sub(entry.StartedAt)
		durationOK = elapsed < l.policy.MaxSessionDuration
		remainingDuration = max(0, l.policy.MaxSessionDuration-elapsed)
	}

	res := AdmissionResult{
		OK:                budgetOK && durationOK && !breakerActive,
		RemainingBudget:   remainingBudget,
		RemainingDuration: remainingDuration,
		BreakerActive:     breakerActive,
	}
	if !budgetOK {
		res.Reasons = append(res.Reasons, ReasonBudgetExceeded)
	}
	if !durationOK {
		res.Reasons = append(res.Reasons, ReasonDurationExceeded)
	}
	if breakerActive {
		res.Reasons = append(res.Reasons, ReasonBreakerActive)
	}
	return res
}
