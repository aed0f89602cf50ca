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

// ExpireIdle removes every entry whose last activity is older than the
// duration cap plus grace and returns their final snapshots. Sessions whose
// handlers died without calling End would otherwise hold their aggregate
// share forever.
func (l *Ledger) ExpireIdle(grace time.Duration) []Entry {
	cutoff := l.nowFunc().Add(-(l.policy.MaxSessionDuration + grace))

	l.mu.Lock()
	defer l.mu.Unlock()

	var expired []Entry
	for id, rec := range l.records {
		rec.mu.Lock()
		if !rec.ended && rec.lastActivity.Before(cutoff) {
			rec.ended = true
			l.totalNano.Add(-rec.costNano)
			expired = append(expired, rec.snapshotLocked(id))
			delete(l.records, id)
		}
		rec.mu.Unlock()
	}
	return expired
}
