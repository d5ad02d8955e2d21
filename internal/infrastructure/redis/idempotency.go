package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotentResponse is a cached admin API response.
type IdempotentResponse struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// IdempotencyStore caches responses by Idempotency-Key for ttl.
type IdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewIdempotencyStore(client *redis.Client, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{client: client, ttl: ttl}
}

func idempotencyKey(key string) string {
	return "idempotency:" + key
}

// Get returns nil without error when nothing is cached for key.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*IdempotentResponse, error) {
	raw, err := s.client.Get(ctx, idempotencyKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	var resp IdempotentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode idempotency entry: %w", err)
	}
	return &resp, nil
}

// Set stores resp unless another request already stored one for key.
func (s *IdempotencyStore) Set(ctx context.Context, key string, resp *IdempotentResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode idempotency entry: %w", err)
	}
	if err := s.client.SetNX(ctx, idempotencyKey(key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("set idempotency key: %w", err)
	}
	return nil
}
