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

// Package mirror replicates live session spend into an external shared
// store so other process instances can observe approximate aggregate state.
// Every operation is best-effort: the in-memory ledger stays the source of
// truth and mirror errors are for logging, never for admission decisions.
package mirror

import (
	"context"
	"errors"

	"github.com/altairalabs/spendguard/pkg/ledger"
)

// ErrNotConfigured is returned by reads against the no-op mirror.
var ErrNotConfigured = errors.New("no mirror store configured")

// Mirror replicates session spend state into a shared store.
type Mirror interface {
	// Start writes the initial entry for a new session.
	Start(ctx context.Context, entry ledger.Entry) error
	// Update overwrites the cumulative fields after a usage event.
	Update(ctx context.Context, entry ledger.Entry) error
	// Delete removes the mirrored entry when a session ends.
	Delete(ctx context.Context, sessionID string) error
	// ClusterCost sums the mirrored cost of every live session across all
	// instances sharing the store. Advisory only.
	ClusterCost(ctx context.Context) (float64, error)
	// Close releases the underlying connection.
	Close() error
}

// Noop discards every write and reports reads as not configured. Selecting
// it at construction time keeps the governor free of "is mirroring enabled"
// branches.
type Noop struct{}

func (Noop) Start(context.Context, ledger.Entry) error  { return nil }
func (Noop) Update(context.Context, ledger.Entry) error { return nil }
func (Noop) Delete(context.Context, string) error       { return nil }
func (Noop) ClusterCost(context.Context) (float64, error) {
	return 0, ErrNotConfigured
}
func (Noop) Close() error { return nil }

var _ Mirror = Noop{}
