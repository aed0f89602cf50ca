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

package mirror

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/altairalabs/spendguard/pkg/ledger"
)

const (
	guardFailureLimit uint32 = 5
	guardCooldown            = 30 * time.Second
)

// Guarded wraps a Mirror with a failure-counting circuit breaker so a dead
// store is skipped quickly instead of timing out on every usage event.
// While the guard is open, operations fail immediately with
// gobreaker.ErrOpenState; callers treat that like any other mirror error.
type Guarded struct {
	inner Mirror
	cb    *gobreaker.CircuitBreaker[float64]
}

// NewGuarded wraps inner. The guard opens after five consecutive failures
// and probes again after thirty seconds.
func NewGuarded(inner Mirror) *Guarded {
	cb := gobreaker.NewCircuitBreaker[float64](gobreaker.Settings{
		Name:        "spend-mirror",
		MaxRequests: 1,
		Timeout:     guardCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= guardFailureLimit
		},
	})
	return &Guarded{inner: inner, cb: cb}
}

func (g *Guarded) Start(ctx context.Context, entry ledger.Entry) error {
	_, err := g.cb.Execute(func() (float64, error) {
		return 0, g.inner.Start(ctx, entry)
	})
	return err
}

func (g *Guarded) Update(ctx context.Context, entry ledger.Entry) error {
	_, err := g.cb.Execute(func() (float64, error) {
		return 0, g.inner.Update(ctx, entry)
	})
	return err
}

func (g *Guarded) Delete(ctx context.Context, sessionID string) error {
	_, err := g.cb.Execute(func() (float64, error) {
		return 0, g.inner.Delete(ctx, sessionID)
	})
	return err
}

func (g *Guarded) ClusterCost(ctx context.Context) (float64, error) {
	return g.cb.Execute(func() (float64, error) {
		return g.inner.ClusterCost(ctx)
	})
}

func (g *Guarded) Close() error {
	return g.inner.Close()
}

var _ Mirror = (*Guarded)(nil)
