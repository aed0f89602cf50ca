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
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	goredis "github.com/redis/go-redis/v9"
)

// Event types published to the spend event stream.
const (
	EventSessionStarted = "session.started"
	EventSessionEnded   = "session.ended"
	EventBreakerOpened  = "breaker.opened"
	EventBreakerClosed  = "breaker.closed"
)

// DefaultEventStream is the Redis Stream spend events are published to when
// no stream name is configured.
const DefaultEventStream = "spendguard:spend-events"

// Stream MAXLEN and publish timeout for Redis Streams event publishing.
const (
	streamMaxLen   int64 = 10000
	publishTimeout       = 2 * time.Second
)

// Event is a lightweight lifecycle event published for downstream consumers
// (alerting, dashboards). Session events carry a session id and, on end, the
// outcome and final cost; breaker events carry the aggregate spend that
// tripped it and the scheduled reset time.
type Event struct {
	EventType    string  `json:"eventType"`
	SessionID    string  `json:"sessionId,omitempty"`
	Outcome      string  `json:"outcome,omitempty"`
	CostUSD      float64 `json:"costUsd,omitempty"`
	TotalCostUSD float64 `json:"totalCostUsd,omitempty"`
	ResetAt      string  `json:"resetAt,omitempty"`
	Timestamp    string  `json:"timestamp"`
}

// EventPublisher publishes spend events for downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// RedisEventPublisher publishes events to a Redis Stream.
type RedisEventPublisher struct {
	client goredis.UniversalClient
	stream string
	log    logr.Logger
}

// NewRedisEventPublisher creates a publisher writing to the given stream
// (DefaultEventStream when empty). The caller retains ownership of the Redis
// client; Close is a no-op.
func NewRedisEventPublisher(client goredis.UniversalClient, stream string, log logr.Logger) *RedisEventPublisher {
	if stream == "" {
		stream = DefaultEventStream
	}
	return &RedisEventPublisher{
		client: client,
		stream: stream,
		log:    log.WithName("event-publisher"),
	}
}

// Publish appends the event to the stream, trimming it to roughly
// streamMaxLen entries.
func (p *RedisEventPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return p.client.XAdd(pubCtx, &goredis.XAddArgs{
		Stream: p.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload": string(payload),
		},
	}).Err()
}

// Close is a no-op because the publisher does not own the Redis client.
func (p *RedisEventPublisher) Close() error {
	return nil
}

var _ EventPublisher = (*RedisEventPublisher)(nil)
