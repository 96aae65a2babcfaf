package referral

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharehub/share-ledger/internal/apperr"
	"github.com/sharehub/share-ledger/internal/model"
	"github.com/sharehub/share-ledger/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var fixedNow = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func newTracker(t *testing.T, st store.Store, enabled bool) *Tracker {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.PutReferralSettings(ctx, model.ReferralSettings{
		CommissionEnabled:  enabled,
		BaseCommissionRate: d("0.05"),
	}))
	return NewTracker(st, nil).WithClock(func() time.Time { return fixedNow })
}

func purchase(user, txID string) Input {
	return Input{
		ReferredUserID:      user,
		Amount:              d("1000000"),
		Currency:            "UGX",
		TransactionType:     model.TxSharePurchase,
		SourceTransactionID: txID,
	}
}

func TestTrackCommissionSelfReferral(t *testing.T) {
	ms := store.NewMemoryStore()
	tr := newTracker(t, ms, true)
	require.NoError(t, ms.PutProfile(context.Background(), &model.Profile{UserID: "x", ReferredBy: "x"}))

	res, err := tr.TrackCommission(context.Background(), purchase("x", "tx-1"))

	require.ErrorIs(t, err, apperr.ErrSelfReferral)
	assert.Equal(t, "SelfReferral", apperr.KindName(err))
	assert.False(t, res.Success)

	commissions, err := ms.ListCommissions(context.Background(), "x")
	require.NoError(t, err)
	assert.Empty(t, commissions)
	_, err = ms.GetCommissionBySource(context.Background(), "tx-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTrackCommissionPurchaseIsPaid(t *testing.T) {
	ms := store.NewMemoryStore()
	tr := newTracker(t, ms, true)
	require.NoError(t, ms.PutProfile(context.Background(), &model.Profile{UserID: "b", ReferredBy: "a"}))

	res, err := tr.TrackCommission(context.Background(), purchase("b", "tx-1"))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, res.Commission)

	c := res.Commission
	assert.Equal(t, "a", c.ReferrerID)
	assert.True(t, c.CommissionAmount.Equal(d("50000")))
	assert.Equal(t, model.CommissionPaid, c.Status)
	require.NotNil(t, c.PaidAt)
	assert.Equal(t, fixedNow, *c.PaidAt)

	stats, err := tr.Stats(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, stats.TotalEarnings.Equal(d("50000")))
	assert.True(t, stats.PendingEarnings.IsZero())
}

func TestTrackCommissionSaleIsPending(t *testing.T) {
	ms := store.NewMemoryStore()
	tr := newTracker(t, ms, true)
	require.NoError(t, ms.PutProfile(context.Background(), &model.Profile{UserID: "b", ReferredBy: "a"}))

	in := purchase("b", "tx-2")
	in.TransactionType = model.TxShareSale
	res, err := tr.TrackCommission(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, model.CommissionPending, res.Commission.Status)
	assert.Nil(t, res.Commission.PaidAt)

	stats, err := tr.Stats(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, stats.PendingEarnings.Equal(d("50000")))
}

func TestTrackCommissionNoReferrerIsNoOp(t *testing.T) {
	ms := store.NewMemoryStore()
	tr := newTracker(t, ms, true)
	require.NoError(t, ms.PutProfile(context.Background(), &model.Profile{UserID: "b"}))

	res, err := tr.TrackCommission(context.Background(), purchase("b", "tx-1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Nil(t, res.Commission)
}

func TestTrackCommissionDisabledIsNoOp(t *testing.T) {
	ms := store.NewMemoryStore()
	tr := newTracker(t, ms, false)
	require.NoError(t, ms.PutProfile(context.Background(), &model.Profile{UserID: "b", ReferredBy: "a"}))

	res, err := tr.TrackCommission(context.Background(), purchase("b", "tx-1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Nil(t, res.Commission)
}

func TestTrackCommissionIdempotentBySource(t *testing.T) {
	ms := store.NewMemoryStore()
	tr := newTracker(t, ms, true)
	require.NoError(t, ms.PutProfile(context.Background(), &model.Profile{UserID: "b", ReferredBy: "a"}))

	first, err := tr.TrackCommission(context.Background(), purchase("b", "tx-1"))
	require.NoError(t, err)
	second, err := tr.TrackCommission(context.Background(), purchase("b", "tx-1"))
	require.NoError(t, err)

	assert.Equal(t, first.Commission.ID, second.Commission.ID)
	commissions, err := tr.ListCommissions(context.Background(), "a")
	require.NoError(t, err)
	assert.Len(t, commissions, 1)

	stats, err := tr.Stats(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Commissions)
}

type failingStats struct {
	store.Store
}

func (failingStats) AddReferrerEarnings(context.Context, string, decimal.Decimal, decimal.Decimal) error {
	return errors.New("stats table locked")
}

func TestTrackCommissionKeepsCommissionWhenStatsFail(t *testing.T) {
	ms := store.NewMemoryStore()
	st := failingStats{Store: ms}
	tr := newTracker(t, st, true)
	require.NoError(t, ms.PutProfile(context.Background(), &model.Profile{UserID: "b", ReferredBy: "a"}))

	res, err := tr.TrackCommission(context.Background(), purchase("b", "tx-1"))
	require.NoError(t, err)
	assert.True(t, res.Success)

	c, err := ms.GetCommissionBySource(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, res.Commission.ID, c.ID)
}
