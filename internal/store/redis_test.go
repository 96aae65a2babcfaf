package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharehub/share-ledger/internal/model"
)

func newCachedStore(t *testing.T) (*CachedStore, *MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ms := NewMemoryStore()
	return NewCachedStore(ms, rdb, time.Minute), ms, mr
}

func TestCachedStoreServesPoolUntilSaved(t *testing.T) {
	cs, ms, mr := newCachedStore(t)
	ctx := context.Background()
	seedPool(t, ms, "p1")

	p, err := cs.GetPool(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.TotalShares)
	assert.True(t, mr.Exists(poolKey("p1")))

	require.NoError(t, cs.InTx(ctx, func(tx Tx) error {
		locked, err := tx.LockPool(ctx, "p1")
		if err != nil {
			return err
		}
		locked.TotalShares = 150
		return tx.SavePool(ctx, locked)
	}))
	assert.False(t, mr.Exists(poolKey("p1")))

	p, err = cs.GetPool(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), p.TotalShares)
}

func TestCachedStoreMovingLimitInvalidatesBothAccountTypes(t *testing.T) {
	cs, _, mr := newCachedStore(t)
	ctx := context.Background()
	lim := &model.SellingLimit{
		ID:          "daily",
		AccountType: "individual",
		LimitType:   model.LimitQuantity,
		DailyLimit:  decimal.NewNullDecimal(decimal.NewFromInt(100)),
		Active:      true,
	}
	require.NoError(t, cs.PutSellingLimit(ctx, lim))

	got, err := cs.ListSellingLimits(ctx, "individual")
	require.NoError(t, err)
	require.Len(t, got, 1)
	got, err = cs.ListSellingLimits(ctx, "corporate")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.True(t, mr.Exists(limitsKey("individual")))
	assert.True(t, mr.Exists(limitsKey("corporate")))

	moved := *lim
	moved.AccountType = "corporate"
	require.NoError(t, cs.PutSellingLimit(ctx, &moved))
	assert.False(t, mr.Exists(limitsKey("individual")))
	assert.False(t, mr.Exists(limitsKey("corporate")))

	got, err = cs.ListSellingLimits(ctx, "individual")
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = cs.ListSellingLimits(ctx, "corporate")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "daily", got[0].ID)
}
