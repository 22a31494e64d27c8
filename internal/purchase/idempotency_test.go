package purchase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartorch/orchestrator/internal/model"
)

func TestIdempotencyKeyDeterministic(t *testing.T) {
	k1 := IdempotencyKey("shopmart", "sku-1", "user-1", "2026-07-31")
	k2 := IdempotencyKey("shopmart", "sku-1", "user-1", "2026-07-31")
	assert.Equal(t, k1, k2)

	k3 := IdempotencyKey("shopmart", "sku-1", "user-1", "2026-08-01")
	assert.NotEqual(t, k1, k3)
}

func TestDayBucketUTC(t *testing.T) {
	t1 := time.Date(2026, 7, 31, 23, 59, 0, 0, time.UTC)
	t2 := time.Date(2026, 8, 1, 0, 0, 1, 0, time.UTC)
	assert.NotEqual(t, DayBucket(t1), DayBucket(t2))
}

func TestMemoryIdempotencyStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	key := IdempotencyKey("shopmart", "sku-1", "user-1", DayBucket(now))

	_, found, err := store.Lookup(ctx, key, 5*time.Minute, now)
	require.NoError(t, err)
	assert.False(t, found)

	result := model.PurchaseResult{Status: model.PurchaseSuccess, OrderID: "order-1"}
	require.NoError(t, store.Record(ctx, key, result, now, 5*time.Minute))

	got, found, err := store.Lookup(ctx, key, 5*time.Minute, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "order-1", got.OrderID)

	_, found, err = store.Lookup(ctx, key, 5*time.Minute, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.False(t, found, "lookup past the window should miss")
}
