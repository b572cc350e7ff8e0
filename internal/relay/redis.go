package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"tandem/api/internal/metrics"
)

const mirrorPrefix = "tandem:doc:"

// Channel is the pub/sub channel an external consumer subscribes to for a document.
func Channel(documentID string) string {
	return mirrorPrefix + documentID
}

// RedisMirror publishes every envelope to Redis for consumers outside the hub.
// Nothing read from Redis ever flows back into the acceptance gate.
type RedisMirror struct {
	client *redis.Client
	queue  chan Envelope
}

func NewRedisMirror(client *redis.Client, buffer int) *RedisMirror {
	if buffer <= 0 {
		buffer = 1024
	}
	return &RedisMirror{
		client: client,
		queue:  make(chan Envelope, buffer),
	}
}

func (m *RedisMirror) Name() string {
	return "redis"
}

// Deliver only enqueues; Run does the network I/O.
func (m *RedisMirror) Deliver(env Envelope) {
	select {
	case m.queue <- env:
	default:
		metrics.EnvelopeDropped(m.Name())
		log.Printf("relay: redis mirror queue full, dropping %s for %s", env.Payload.Type, env.DocumentID)
	}
}

// Run publishes queued envelopes until ctx is done.
func (m *RedisMirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-m.queue:
			if err := m.publish(ctx, env); err != nil {
				metrics.EnvelopeDropped(m.Name())
				log.Printf("relay: %v", err)
				continue
			}
			metrics.EnvelopeDelivered(m.Name(), 1)
		}
	}
}

func (m *RedisMirror) publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := m.client.Publish(ctx, Channel(env.DocumentID), payload).Err(); err != nil {
		return fmt.Errorf("publish envelope %d for %s: %w", env.Sequence, env.DocumentID, err)
	}
	return nil
}
