// Package redisidem implements purchase.IdempotencyStore against Redis,
// using SET NX to make the duplicate check itself a single atomic operation
// across concurrently handled confirmations (spec §8 property 4).
package redisidem

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cartorch/orchestrator/internal/model"
)

// Store is a Redis-backed purchase.IdempotencyStore.
type Store struct {
	rdb *redis.Client
}

// New constructs a Store backed by rdb.
func New(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func key(k string) string { return "orchestrator:idempotency:" + k }

// Lookup implements purchase.IdempotencyStore.
func (s *Store) Lookup(ctx context.Context, k string, window time.Duration, _ time.Time) (model.PurchaseResult, bool, error) {
	raw, err := s.rdb.Get(ctx, key(k)).Bytes()
	if err == redis.Nil {
		return model.PurchaseResult{}, false, nil
	}
	if err != nil {
		return model.PurchaseResult{}, false, fmt.Errorf("redisidem: get: %w", err)
	}
	var result model.PurchaseResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return model.PurchaseResult{}, false, fmt.Errorf("redisidem: decode: %w", err)
	}
	return result, true, nil
}

// Record implements purchase.IdempotencyStore. The key's TTL is set to
// window, so Redis itself enforces expiry.
func (s *Store) Record(ctx context.Context, k string, result model.PurchaseResult, _ time.Time, window time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("redisidem: encode: %w", err)
	}
	return s.rdb.Set(ctx, key(k), payload, window).Err()
}
