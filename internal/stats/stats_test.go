package stats

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharehub/share-ledger/internal/apperr"
	"github.com/sharehub/share-ledger/internal/model"
	"github.com/sharehub/share-ledger/internal/store"
)

var at = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedPool(t *testing.T, ms *store.MemoryStore, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ms.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreatePool(ctx, &model.SharePool{
			ID: id, Name: id, TotalShares: 1000, ReservedShares: 100, ReservedIssued: 30,
			AvailableShares: 900, PricePerShare: d("100"), Currency: "UGX", NextFIFOPosition: 2,
		}); err != nil {
			return err
		}
		txs := []model.Transaction{
			{ID: id + "-t1", UserID: "u1", PoolID: id, Type: model.TxSharePurchase, Source: model.SourceMarket, Quantity: 50, Amount: d("5000"), Fee: d("50")},
			{ID: id + "-t2", UserID: "u2", PoolID: id, Type: model.TxSharePurchase, Source: model.SourceReserve, Quantity: 30, Amount: d("3000"), Fee: d("0")},
			{ID: id + "-t3", UserID: "u1", PoolID: id, Type: model.TxShareSale, Source: model.SourceMarket, Quantity: 10, Amount: d("1000"), Fee: d("10")},
		}
		for i := range txs {
			txs[i].Currency = "UGX"
			txs[i].CreatedAt = at
			if err := tx.InsertTransaction(ctx, &txs[i]); err != nil {
				return err
			}
		}
		for _, h := range []model.UserHolding{
			{UserID: "u1", PoolID: id, Quantity: 40, Currency: "UGX", Status: model.HoldingAvailable},
			{UserID: "u2", PoolID: id, Quantity: 30, Currency: "UGX", Status: model.HoldingAvailable},
			{UserID: "u3", PoolID: id, Quantity: 0, Currency: "UGX", Status: model.HoldingAvailable},
		} {
			if err := tx.SaveHolding(ctx, &h); err != nil {
				return err
			}
		}
		return tx.InsertOrder(ctx, &model.SellOrder{
			OrderBase: model.OrderBase{
				ID: id + "-s1", UserID: "u1", PoolID: id, Quantity: 20,
				PricePerShare: d("100"), TotalAmount: d("2000"), Currency: "UGX",
				Status: model.StatusProcessing, CreatedAt: at, UpdatedAt: at,
			},
			FIFOPosition:      1,
			ProcessedQuantity: 5,
		})
	}))
}

func TestPoolStats(t *testing.T) {
	ms := store.NewMemoryStore()
	seedPool(t, ms, "p1")

	ps, err := NewProjection(ms, nil).PoolStats(context.Background(), "p1")
	require.NoError(t, err)

	assert.Equal(t, int64(80), ps.Usage.Purchased)
	assert.Equal(t, int64(30), ps.Usage.ReserveIssued)
	assert.Equal(t, int64(70), ps.SoldShares)
	assert.Equal(t, int64(70), ps.ReserveRemaining)
	assert.Equal(t, int64(860), ps.Headroom)
	assert.Equal(t, int64(2), ps.Holders)
	assert.True(t, ps.PurchaseVolume.Equal(d("8000")))
	assert.True(t, ps.SaleVolume.Equal(d("1000")))
	assert.True(t, ps.FeesCollected.Equal(d("60")))
	assert.Equal(t, 1, ps.OpenSellOrders)
	assert.Equal(t, int64(15), ps.QueuedShares)
	assert.Empty(t, ps.Warnings)
}

func TestPoolStatsUnknownPool(t *testing.T) {
	_, err := NewProjection(store.NewMemoryStore(), nil).PoolStats(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPlatformTotals(t *testing.T) {
	ms := store.NewMemoryStore()
	seedPool(t, ms, "p1")
	seedPool(t, ms, "p2")

	totals, err := NewProjection(ms, nil).Platform(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, totals.Pools)
	assert.Equal(t, int64(2000), totals.TotalShares)
	assert.Equal(t, int64(140), totals.SoldShares)
	assert.Equal(t, int64(4), totals.Holders)
	assert.True(t, totals.PurchaseVolume.Equal(d("16000")))
	assert.True(t, totals.FeesCollected.Equal(d("120")))
	assert.Len(t, totals.PoolStats, 2)
}

func TestReferralSummaryRecomputesFromRows(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.InTx(ctx, func(tx store.Tx) error {
		for _, c := range []model.ReferralCommission{
			{ID: "c1", ReferrerID: "r", ReferredID: "a", SourceTransactionID: "t1", CommissionAmount: d("100"), Status: model.CommissionPaid},
			{ID: "c2", ReferrerID: "r", ReferredID: "b", SourceTransactionID: "t2", CommissionAmount: d("50"), Status: model.CommissionPending},
			{ID: "c3", ReferrerID: "r", ReferredID: "a", SourceTransactionID: "t3", CommissionAmount: d("25"), Status: model.CommissionPaid},
		} {
			if err := tx.InsertCommission(ctx, &c); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, ms.AddReferrerEarnings(ctx, "r", d("0"), d("100")))

	sum, err := NewProjection(ms, nil).ReferralSummary(ctx, "r", 2)
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Commissions)
	assert.Equal(t, 2, sum.Referred)
	assert.True(t, sum.TotalEarnings.Equal(d("175")))
	assert.True(t, sum.PaidEarnings.Equal(d("125")))
	assert.True(t, sum.PendingEarnings.Equal(d("50")))
	require.NotNil(t, sum.Cached)
	assert.True(t, sum.Cached.TotalEarnings.Equal(d("100")))
	require.Len(t, sum.Recent, 2)
	assert.Equal(t, "c3", sum.Recent[0].ID)
}

func TestReferralSummaryWithoutActivity(t *testing.T) {
	sum, err := NewProjection(store.NewMemoryStore(), nil).ReferralSummary(context.Background(), "nobody", 5)
	require.NoError(t, err)
	assert.Zero(t, sum.Commissions)
	assert.True(t, sum.TotalEarnings.IsZero())
	assert.Empty(t, sum.Recent)
}

func TestPortfolio(t *testing.T) {
	ms := store.NewMemoryStore()
	seedPool(t, ms, "p1")
	seedPool(t, ms, "p2")

	positions, err := NewProjection(ms, nil).Portfolio(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "p1", positions[0].Holding.PoolID)
	assert.True(t, positions[0].Value.Equal(d("4000")))

	positions, err = NewProjection(ms, nil).Portfolio(context.Background(), "u3")
	require.NoError(t, err)
	assert.Empty(t, positions)
}
