package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharehub/share-ledger/internal/model"
)

func seedPool(t *testing.T, ms *MemoryStore, id string) {
	t.Helper()
	require.NoError(t, ms.InTx(context.Background(), func(tx Tx) error {
		return tx.CreatePool(context.Background(), &model.SharePool{
			ID: id, Name: id, TotalShares: 100, AvailableShares: 100,
			PricePerShare: decimal.NewFromInt(10), Currency: "UGX",
		})
	}))
}

func TestInTxDiscardsFailedWork(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	seedPool(t, ms, "p1")

	boom := errors.New("boom")
	err := ms.InTx(ctx, func(tx Tx) error {
		p, err := tx.LockPool(ctx, "p1")
		require.NoError(t, err)
		p.TotalShares = 5
		require.NoError(t, tx.SavePool(ctx, p))
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := ms.GetPool(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.TotalShares)
}

func TestInTxHonoursCancelledContext(t *testing.T) {
	ms := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := ms.InTx(ctx, func(Tx) error { called = true; return nil })
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestCreatePoolRejectsDuplicate(t *testing.T) {
	ms := NewMemoryStore()
	seedPool(t, ms, "p1")
	err := ms.InTx(context.Background(), func(tx Tx) error {
		return tx.CreatePool(context.Background(), &model.SharePool{ID: "p1"})
	})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestPoolUsageFromTransactions(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	seedPool(t, ms, "p1")
	now := time.Now().UTC()

	txs := []model.Transaction{
		{ID: "t1", UserID: "a", PoolID: "p1", Type: model.TxSharePurchase, Source: model.SourceMarket, Quantity: 30, CreatedAt: now},
		{ID: "t2", UserID: "b", PoolID: "p1", Type: model.TxSharePurchase, Source: model.SourceReserve, Quantity: 5, CreatedAt: now},
		{ID: "t3", UserID: "a", PoolID: "p1", Type: model.TxShareSale, Quantity: 10, CreatedAt: now},
		{ID: "t4", UserID: "a", PoolID: "p1", Type: model.TxShareTransfer, Quantity: 7, CounterpartyID: "b", CreatedAt: now},
		{ID: "t5", UserID: "c", PoolID: "other", Type: model.TxSharePurchase, Source: model.SourceMarket, Quantity: 99, CreatedAt: now},
	}
	require.NoError(t, ms.InTx(ctx, func(tx Tx) error {
		for i := range txs {
			if err := tx.InsertTransaction(ctx, &txs[i]); err != nil {
				return err
			}
		}
		return nil
	}))

	u, err := ms.PoolUsage(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.PoolUsage{Purchased: 35, MarketPurchased: 30, ReserveIssued: 5, BoughtBack: 10}, u)
	assert.Equal(t, int64(25), u.Sold())
}

func TestLockHoldingDefaultsToEmpty(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, ms.InTx(ctx, func(tx Tx) error {
		h, err := tx.LockHolding(ctx, "nobody", "p1")
		require.NoError(t, err)
		assert.Zero(t, h.Quantity)
		return nil
	}))
	_, err := ms.GetHolding(ctx, "nobody", "p1")
	require.ErrorIs(t, err, ErrNotFound)
}
