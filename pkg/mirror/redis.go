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
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"github.com/altairalabs/spendguard/pkg/ledger"
)

const (
	// Redis key prefix; the hash schema is shared with other instances.
	sessionKeyPrefix = "session:"

	// Hash field names
	fieldStartTime    = "start_time"
	fieldCost         = "cost"
	fieldInputTokens  = "input_tokens"
	fieldOutputTokens = "output_tokens"

	// sessionTTLBuffer pads the mirrored TTL past the duration cap so a
	// session at the edge of its window is not expired mid-check.
	sessionTTLBuffer = 5 * time.Minute

	connectTimeout = 5 * time.Second
	scanBatchSize  = 100

	// Error format strings
	errParseRedisURL = "failed to parse Redis URL: %w"
	errConnectRedis  = "failed to connect to Redis: %w"
	errMirrorWrite   = "failed to mirror session %s: %w"
	errMirrorDelete  = "failed to delete mirrored session %s: %w"
)

// RedisConfig contains configuration for the Redis spend mirror.
type RedisConfig struct {
	// URL is the redis:// connection string.
	URL string
	// MaxSessionDuration is the configured session duration cap; mirrored
	// entries expire this long plus a fixed buffer after they start.
	MaxSessionDuration time.Duration
	// KeyPrefix is an optional prefix for all keys.
	KeyPrefix string
}

// RedisMirror mirrors session spend into Redis hashes keyed session:{id}.
type RedisMirror struct {
	client    *redis.Client
	ttl       time.Duration
	keyPrefix string
}

// NewRedisMirror connects to Redis and verifies it is reachable. Callers
// that want degraded-mode behavior fall back to Noop when this fails.
func NewRedisMirror(cfg RedisConfig) (*RedisMirror, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf(errParseRedisURL, err)
	}

	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf(errConnectRedis, err)
	}

	return NewRedisMirrorFromClient(client, cfg.MaxSessionDuration, cfg.KeyPrefix), nil
}

// NewRedisMirrorFromClient builds a mirror on an existing client.
func NewRedisMirrorFromClient(client *redis.Client, maxSessionDuration time.Duration, keyPrefix string) *RedisMirror {
	return &RedisMirror{
		client:    client,
		ttl:       maxSessionDuration + sessionTTLBuffer,
		keyPrefix: keyPrefix,
	}
}

// Client exposes the underlying connection so collaborators that share the
// store (for example the event publisher) can reuse it.
func (r *RedisMirror) Client() *redis.Client {
	return r.client
}

func (r *RedisMirror) sessionKey(sessionID string) string {
	return r.keyPrefix + sessionKeyPrefix + sessionID
}

// Start writes the initial hash for a new session and arms its TTL.
func (r *RedisMirror) Start(ctx context.Context, entry ledger.Entry) error {
	key := r.sessionKey(entry.SessionID)

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, map[string]any{
		fieldStartTime:    entry.StartedAt.UTC().Format(time.RFC3339Nano),
		fieldCost:         formatCost(entry.Cost),
		fieldInputTokens:  strconv.FormatInt(entry.InputUnits, 10),
		fieldOutputTokens: strconv.FormatInt(entry.OutputUnits, 10),
	})
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf(errMirrorWrite, entry.SessionID, err)
	}
	return nil
}

// Update overwrites the cumulative fields. The TTL armed at start is left
// alone; HSET does not disturb it.
func (r *RedisMirror) Update(ctx context.Context, entry ledger.Entry) error {
	err := r.client.HSet(ctx, r.sessionKey(entry.SessionID), map[string]any{
		fieldCost:         formatCost(entry.Cost),
		fieldInputTokens:  strconv.FormatInt(entry.InputUnits, 10),
		fieldOutputTokens: strconv.FormatInt(entry.OutputUnits, 10),
	}).Err()
	if err != nil {
		return fmt.Errorf(errMirrorWrite, entry.SessionID, err)
	}
	return nil
}

// Delete removes the mirrored entry.
func (r *RedisMirror) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf(errMirrorDelete, sessionID, err)
	}
	return nil
}

// ClusterCost scans every mirrored session hash and sums the cost fields.
// Entries with an unparseable cost are skipped rather than failing the scan.
func (r *RedisMirror) ClusterCost(ctx context.Context) (float64, error) {
	var total float64

	iter := r.client.Scan(ctx, 0, r.keyPrefix+sessionKeyPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		raw, err := r.client.HGet(ctx, iter.Val(), fieldCost).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return 0, fmt.Errorf("failed to read mirrored cost: %w", err)
		}
		cost, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		total += cost
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan mirrored sessions: %w", err)
	}
	return total, nil
}

// Close releases the underlying client.
func (r *RedisMirror) Close() error {
	return r.client.Close()
}

func formatCost(cost float64) string {
	return strconv.FormatFloat(cost, 'f', -1, 64)
}

// Ensure RedisMirror implements Mirror interface.
var _ Mirror = (*RedisMirror)(nil)
