// Package stream publishes ingestion lifecycle events. Topics follow the
// `<source_type>.<stage>` convention (raw, validated, dlq). The production
// publisher writes Redis Streams entries; the memory publisher backs tests
// and single-process deployments.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stage suffixes for ingestion topics.
const (
	StageRaw       = "raw"
	StageValidated = "validated"
	StageDLQ       = "dlq"
)

// Topic builds the `<sourceType>.<stage>` topic name.
func Topic(sourceType, stage string) string {
	return fmt.Sprintf("%s.%s", sourceType, stage)
}

// Publisher emits events to a topic. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, topic string, fields map[string]any) error
}

// RedisPublisher writes each event as a Redis Streams entry, one stream per
// topic, capped so unconsumed streams cannot grow without bound.
type RedisPublisher struct {
	client *redis.Client
	maxLen int64
}

// NewRedisPublisher creates a RedisPublisher. maxLen <= 0 uses 100000.
func NewRedisPublisher(client *redis.Client, maxLen int64) *RedisPublisher {
	if maxLen <= 0 {
		maxLen = 100_000
	}
	return &RedisPublisher{client: client, maxLen: maxLen}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, topic string, fields map[string]any) error {
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: p.maxLen,
		Approx: true,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("stream: publish to %s: %w", topic, err)
	}
	return nil
}

// Event is one captured memory-publisher record.
type Event struct {
	Topic  string
	Fields map[string]any
	TS     time.Time
}

// MemoryPublisher records events in order.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryPublisher creates an empty publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish implements Publisher.
func (p *MemoryPublisher) Publish(_ context.Context, topic string, fields map[string]any) error {
	cloned := make(map[string]any, len(fields))
	for k, v := range fields {
		cloned[k] = v
	}

	p.mu.Lock()
	p.events = append(p.events, Event{Topic: topic, Fields: cloned, TS: time.Now().UTC()})
	p.mu.Unlock()
	return nil
}

// Events returns a snapshot of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// ByTopic returns the captured events for one topic.
func (p *MemoryPublisher) ByTopic(topic string) []Event {
	var out []Event
	for _, e := range p.Events() {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}
