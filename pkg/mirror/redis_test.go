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
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/altairalabs/spendguard/pkg/ledger"
)

// newTestMirror creates a RedisMirror backed by miniredis for testing.
func newTestMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return NewRedisMirrorFromClient(client, 30*time.Minute, ""), mr
}

func testEntry() ledger.Entry {
	return ledger.Entry{
		SessionID:   "sess-1",
		StartedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Cost:        0,
		InputUnits:  0,
		OutputUnits: 0,
	}
}

func TestRedisMirror_StartWritesHash(t *testing.T) {
	m, mr := newTestMirror(t)
	defer func() { _ = m.Close() }()

	if err := m.Start(context.Background(), testEntry()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	key := "session:sess-1"
	if got := mr.HGet(key, "start_time"); got != "2025-06-01T12:00:00Z" {
		t.Errorf("start_time = %q, want %q", got, "2025-06-01T12:00:00Z")
	}
	if got := mr.HGet(key, "cost"); got != "0" {
		t.Errorf("cost = %q, want %q", got, "0")
	}
	if got := mr.HGet(key, "input_tokens"); got != "0" {
		t.Errorf("input_tokens = %q, want %q", got, "0")
	}
	if got := mr.HGet(key, "output_tokens"); got != "0" {
		t.Errorf("output_tokens = %q, want %q", got, "0")
	}

	// TTL is the duration cap plus the five minute buffer
	if got := mr.TTL(key); got != 35*time.Minute {
		t.Errorf("TTL = %v, want %v", got, 35*time.Minute)
	}
}

func TestRedisMirror_UpdateOverwritesCumulativeFields(t *testing.T) {
	m, mr := newTestMirror(t)
	defer func() { _ = m.Close() }()

	ctx := context.Background()
	if err := m.Start(ctx, testEntry()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	updated := testEntry()
	updated.Cost = 1.25
	updated.InputUnits = 100_000
	updated.OutputUnits = 20_000
	if err := m.Update(ctx, updated); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	key := "session:sess-1"
	if got := mr.HGet(key, "cost"); got != "1.25" {
		t.Errorf("cost = %q, want %q", got, "1.25")
	}
	if got := mr.HGet(key, "input_tokens"); got != "100000" {
		t.Errorf("input_tokens = %q, want %q", got, "100000")
	}
	if got := mr.HGet(key, "output_tokens"); got != "20000" {
		t.Errorf("output_tokens = %q, want %q", got, "20000")
	}

	// updates must not disturb the start time or the armed TTL
	if got := mr.HGet(key, "start_time"); got != "2025-06-01T12:00:00Z" {
		t.Errorf("start_time = %q, want unchanged", got)
	}
	if got := mr.TTL(key); got != 35*time.Minute {
		t.Errorf("TTL = %v, want %v", got, 35*time.Minute)
	}
}

func TestRedisMirror_Delete(t *testing.T) {
	m, mr := newTestMirror(t)
	defer func() { _ = m.Close() }()

	ctx := context.Background()
	if err := m.Start(ctx, testEntry()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if mr.Exists("session:sess-1") {
		t.Error("expected mirrored key to be deleted")
	}
}

func TestRedisMirror_DeleteUnknownSession(t *testing.T) {
	m, _ := newTestMirror(t)
	defer func() { _ = m.Close() }()

	if err := m.Delete(context.Background(), "never-mirrored"); err != nil {
		t.Fatalf("Delete of unknown session failed: %v", err)
	}
}

func TestRedisMirror_EntryExpires(t *testing.T) {
	m, mr := newTestMirror(t)
	defer func() { _ = m.Close() }()

	if err := m.Start(context.Background(), testEntry()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	mr.FastForward(36 * time.Minute)
	if mr.Exists("session:sess-1") {
		t.Error("expected mirrored entry to expire after cap plus buffer")
	}
}

func TestRedisMirror_ClusterCost(t *testing.T) {
	m, _ := newTestMirror(t)
	defer func() { _ = m.Close() }()

	ctx := context.Background()
	costs := map[string]float64{"a": 1.5, "b": 2.25, "c": 0}
	for id, cost := range costs {
		entry := testEntry()
		entry.SessionID = id
		if err := m.Start(ctx, entry); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		entry.Cost = cost
		if err := m.Update(ctx, entry); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}

	total, err := m.ClusterCost(ctx)
	if err != nil {
		t.Fatalf("ClusterCost failed: %v", err)
	}
	if want := 3.75; total != want {
		t.Errorf("ClusterCost = %v, want %v", total, want)
	}
}

func TestRedisMirror_ClusterCostSkipsGarbage(t *testing.T) {
	m, mr := newTestMirror(t)
	defer func() { _ = m.Close() }()

	ctx := context.Background()
	entry := testEntry()
	entry.Cost = 2.5
	if err := m.Start(ctx, entry); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Update(ctx, entry); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	mr.HSet("session:broken", "cost", "not-a-number")

	total, err := m.ClusterCost(ctx)
	if err != nil {
		t.Fatalf("ClusterCost failed: %v", err)
	}
	if want := 2.5; total != want {
		t.Errorf("ClusterCost = %v, want %v", total, want)
	}
}

func TestRedisMirror_KeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewRedisMirrorFromClient(client, 30*time.Minute, "guard:")
	defer func() { _ = m.Close() }()

	if err := m.Start(context.Background(), testEntry()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !mr.Exists("guard:session:sess-1") {
		t.Error("expected prefixed key to exist")
	}
}

func TestNoopMirror(t *testing.T) {
	var m Mirror = Noop{}
	ctx := context.Background()

	if err := m.Start(ctx, testEntry()); err != nil {
		t.Errorf("Noop Start returned %v", err)
	}
	if err := m.Update(ctx, testEntry()); err != nil {
		t.Errorf("Noop Update returned %v", err)
	}
	if err := m.Delete(ctx, "x"); err != nil {
		t.Errorf("Noop Delete returned %v", err)
	}
	if _, err := m.ClusterCost(ctx); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Noop ClusterCost error = %v, want ErrNotConfigured", err)
	}
}
