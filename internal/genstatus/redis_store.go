// Package genstatus keeps generation statuses pollable after the controller
// has dropped them from memory.
package genstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tandem/api/internal/generation"
)

// RedisStore keeps each generation as JSON under its own key with a TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and checks the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "generation:",
	}
}

// Client exposes the connection so other components can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Save(ctx context.Context, gen generation.Generation, ttl time.Duration) error {
	payload, err := json.Marshal(gen)
	if err != nil {
		return fmt.Errorf("marshal generation: %w", err)
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if err := s.client.Set(ctx, s.key(gen.ID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save generation %s: %w", gen.ID, err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, id string) (generation.Generation, error) {
	payload, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return generation.Generation{}, fmt.Errorf("%w: %s", generation.ErrGenerationNotFound, id)
	}
	if err != nil {
		return generation.Generation{}, fmt.Errorf("lookup generation %s: %w", id, err)
	}

	var gen generation.Generation
	if err := json.Unmarshal(payload, &gen); err != nil {
		return generation.Generation{}, fmt.Errorf("unmarshal generation %s: %w", id, err)
	}
	return gen, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
