package limits

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

var kampala = time.FixedZone("EAT", 3*60*60)

// Wednesday 12 March 2025, 10:00 EAT.
var now = time.Date(2025, 3, 12, 10, 0, 0, 0, kampala)

func limit(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func recordSale(t *testing.T, ms *store.MemoryStore, user string, qty int64, at time.Time) {
	t.Helper()
	err := ms.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertTransaction(context.Background(), &model.Transaction{
			ID:        at.String() + user,
			UserID:    user,
			PoolID:    "pool",
			Type:      model.TxShareSale,
			Quantity:  qty,
			CreatedAt: at,
		})
	})
	require.NoError(t, err)
}

func newEnforcer(t *testing.T, ms *store.MemoryStore, lims ...model.SellingLimit) *Enforcer {
	t.Helper()
	for i := range lims {
		require.NoError(t, ms.PutSellingLimit(context.Background(), &lims[i]))
	}
	return NewEnforcer(ms, kampala, time.Monday, nil).WithClock(func() time.Time { return now })
}

func TestValidateSellDailyQuantityBoundary(t *testing.T) {
	ms := store.NewMemoryStore()
	e := newEnforcer(t, ms, model.SellingLimit{
		ID: "ind-q", AccountType: "individual", LimitType: model.LimitQuantity,
		DailyLimit: limit("100"), Active: true,
	})
	recordSale(t, ms, "u1", 80, now.Add(-2*time.Hour))

	v, err := e.ValidateSell(context.Background(), "u1", "individual", 25, 500)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	require.Len(t, v.Violations, 1)
	assert.Contains(t, v.Violations[0], "daily quantity limit exceeded")
	assert.ErrorIs(t, v.Err(), apperr.ErrSellingLimit)

	v, err = e.ValidateSell(context.Background(), "u1", "individual", 20, 500)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Empty(t, v.Violations)
	assert.NoError(t, v.Err())

	v, err = e.ValidateSell(context.Background(), "u1", "individual", 21, 500)
	require.NoError(t, err)
	assert.False(t, v.Valid)
}

func TestValidateSellIgnoresYesterday(t *testing.T) {
	ms := store.NewMemoryStore()
	e := newEnforcer(t, ms, model.SellingLimit{
		ID: "ind-q", AccountType: "individual", LimitType: model.LimitQuantity,
		DailyLimit: limit("100"), WeeklyLimit: limit("150"), Active: true,
	})
	// 23:30 EAT on Tuesday is still inside this week but not today.
	recordSale(t, ms, "u1", 90, time.Date(2025, 3, 11, 23, 30, 0, 0, kampala))

	v, err := e.ValidateSell(context.Background(), "u1", "individual", 60, 500)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, int64(0), v.Usage.Daily)
	assert.Equal(t, int64(90), v.Usage.Weekly)

	v, err = e.ValidateSell(context.Background(), "u1", "individual", 61, 500)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Contains(t, v.Violations[0], "weekly")
}

func TestValidateSellPercentage(t *testing.T) {
	ms := store.NewMemoryStore()
	e := newEnforcer(t, ms, model.SellingLimit{
		ID: "corp-p", AccountType: "corporate", LimitType: model.LimitPercentage,
		MonthlyLimit: limit("10"), Active: true,
	})
	recordSale(t, ms, "u2", 30, now.AddDate(0, 0, -5))

	v, err := e.ValidateSell(context.Background(), "u2", "corporate", 20, 500)
	require.NoError(t, err)
	assert.True(t, v.Valid, "50 of 500 is exactly 10%%")

	v, err = e.ValidateSell(context.Background(), "u2", "corporate", 21, 500)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, int64(20), v.MaxAllowed)
}

func TestValidateSellPercentageWithNoHoldings(t *testing.T) {
	ms := store.NewMemoryStore()
	e := newEnforcer(t, ms, model.SellingLimit{
		ID: "corp-p", AccountType: "corporate", LimitType: model.LimitPercentage,
		DailyLimit: limit("50"), Active: true,
	})

	v, err := e.ValidateSell(context.Background(), "u3", "corporate", 1, 0)
	require.NoError(t, err)
	assert.False(t, v.Valid)
}

func TestMaxAllowedQuantityTakesMinimum(t *testing.T) {
	ms := store.NewMemoryStore()
	e := newEnforcer(t, ms,
		model.SellingLimit{
			ID: "a", AccountType: "individual", LimitType: model.LimitQuantity,
			DailyLimit: limit("100"), MonthlyLimit: limit("1000"), Active: true,
		},
		model.SellingLimit{
			ID: "b", AccountType: "individual", LimitType: model.LimitPercentage,
			WeeklyLimit: limit("25"), Active: true,
		},
	)
	recordSale(t, ms, "u1", 40, now.Add(-time.Hour))

	// daily: 100-40=60; weekly: floor(25% of 200)=50-40=10.
	got, err := e.MaxAllowedQuantity(context.Background(), "u1", "individual", 200)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got)

	v, err := e.ValidateSell(context.Background(), "u1", "individual", got, 200)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	v, err = e.ValidateSell(context.Background(), "u1", "individual", got+1, 200)
	require.NoError(t, err)
	assert.False(t, v.Valid)
}

func TestMaxAllowedWithoutLimitsIsHoldings(t *testing.T) {
	assert.Equal(t, int64(75), MaxAllowed(nil, Usage{}, 75))
}

func TestMaxAllowedFloorsAtZero(t *testing.T) {
	lims := []model.SellingLimit{{LimitType: model.LimitQuantity, DailyLimit: limit("10"), Active: true}}
	assert.Equal(t, int64(0), MaxAllowed(lims, Usage{Daily: 15}, 100))
}

func TestEvaluateBoundaryProperty(t *testing.T) {
	lims := []model.SellingLimit{{
		LimitType:    model.LimitQuantity,
		DailyLimit:   limit("100"),
		WeeklyLimit:  limit("300"),
		MonthlyLimit: limit("900"),
		Active:       true,
	}}
	for used := int64(0); used <= 100; used += 10 {
		usage := Usage{Daily: used, Weekly: used, Monthly: used}
		atLimit := 100 - used
		assert.Empty(t, Evaluate(lims, usage, atLimit, 1000), "used %d qty %d", used, atLimit)
		assert.NotEmpty(t, Evaluate(lims, usage, atLimit+1, 1000), "used %d qty %d", used, atLimit+1)
	}
}

func TestWindowsUseReferenceTimezone(t *testing.T) {
	// 22:30 UTC Sunday is 01:30 Monday in EAT.
	at := time.Date(2025, 3, 16, 22, 30, 0, 0, time.UTC)
	day, week, month := Windows(at, kampala, time.Monday)

	assert.Equal(t, time.Date(2025, 3, 17, 0, 0, 0, 0, kampala), day)
	assert.Equal(t, day, week)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, kampala), month)
}

func queueSell(t *testing.T, ms *store.MemoryStore, id, user string, qty, processed int64, status model.OrderStatus) {
	t.Helper()
	err := ms.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertOrder(context.Background(), &model.SellOrder{
			OrderBase: model.OrderBase{
				ID: id, UserID: user, PoolID: "pool", Quantity: qty, Status: status, CreatedAt: now,
			},
			ProcessedQuantity: processed,
		})
	})
	require.NoError(t, err)
}

func TestValidateSellCountsQueuedOrders(t *testing.T) {
	ms := store.NewMemoryStore()
	e := newEnforcer(t, ms, model.SellingLimit{
		ID: "ind-q", AccountType: "individual", LimitType: model.LimitQuantity,
		DailyLimit: limit("100"), Active: true,
	})
	recordSale(t, ms, "u1", 20, now.Add(-time.Hour))
	queueSell(t, ms, "open", "u1", 60, 20, model.StatusProcessing)
	queueSell(t, ms, "done", "u1", 50, 50, model.StatusCompleted)
	queueSell(t, ms, "other", "u2", 90, 0, model.StatusPending)

	v, err := e.ValidateSell(context.Background(), "u1", "individual", 40, 500)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, int64(40), v.Usage.Queued)
	assert.Equal(t, int64(40), v.MaxAllowed)

	v, err = e.ValidateSell(context.Background(), "u1", "individual", 41, 500)
	require.NoError(t, err)
	assert.False(t, v.Valid)

	// A fill from the queued order is measured against completed volume.
	v, err = e.ValidateFill(context.Background(), "u1", "individual", 40, 500)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Zero(t, v.Usage.Queued)
}
