package order

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharehub/share-ledger/internal/apperr"
	"github.com/sharehub/share-ledger/internal/model"
)

func (h *harness) sell(t *testing.T, userID, poolID string, qty int64) *model.SellOrder {
	t.Helper()
	res, err := h.engine.CreateSellOrder(h.ctx, SellInput{UserID: userID, PoolID: poolID, Quantity: qty})
	require.NoError(t, err)
	return res.Order
}

func TestSellOrdersGetIncreasingPositions(t *testing.T) {
	h := newHarness(t)
	p := h.pool(t, 1000, "0")
	h.buy(t, "s1", p.ID, 100)
	h.buy(t, "s2", p.ID, 100)

	first := h.sell(t, "s1", p.ID, 10)
	second := h.sell(t, "s2", p.ID, 10)
	third := h.sell(t, "s1", p.ID, 10)

	assert.Less(t, first.FIFOPosition, second.FIFOPosition)
	assert.Less(t, second.FIFOPosition, third.FIFOPosition)
	assert.Equal(t, model.StatusPending, first.Status)
}

func TestConcurrentSellOrdersGetDistinctPositions(t *testing.T) {
	h := newHarness(t)
	p := h.pool(t, 1000, "0")
	const sellers = 8
	for i := range sellers {
		h.buy(t, fmt.Sprintf("s%d", i), p.ID, 10)
	}

	var wg sync.WaitGroup
	errs := make(chan error, sellers)
	for i := range sellers {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := h.engine.CreateSellOrder(h.ctx, SellInput{UserID: user, PoolID: p.ID, Quantity: 5})
			errs <- err
		}(fmt.Sprintf("s%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	queue, err := h.engine.SellQueue(h.ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, queue, sellers)
	positions := make([]int64, 0, sellers)
	for _, o := range queue {
		positions = append(positions, o.FIFOPosition)
	}
	assert.True(t, sort.SliceIsSorted(positions, func(i, j int) bool { return positions[i] < positions[j] }))
	for i := 1; i < len(positions); i++ {
		assert.NotEqual(t, positions[i-1], positions[i])
	}
}

func TestProcessSellOnlyFillsQueueHead(t *testing.T) {
	h := newHarness(t)
	p := h.pool(t, 1000, "0")
	require.NoError(t, h.ms.PutFeeStructure(h.ctx, &model.FeeStructure{
		TransactionType: model.TxShareSale,
		Currency:        "UGX",
		PercentageFee:   d("1"),
		Active:          true,
	}))
	h.buy(t, "s1", p.ID, 100)
	h.buy(t, "s2", p.ID, 100)
	head := h.sell(t, "s1", p.ID, 50)
	next := h.sell(t, "s2", p.ID, 40)
	before := h.balance(t, "s1")

	_, err := h.engine.ProcessSell(h.ctx, next.ID, 10)
	require.ErrorIs(t, err, apperr.ErrOutOfOrder)
	require.ErrorIs(t, err, apperr.ErrOrderNotFillable)

	fill, err := h.engine.ProcessSell(h.ctx, head.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, fill.Order.Status)
	assert.Equal(t, int64(30), fill.Order.ProcessedQuantity)
	assert.Equal(t, int64(20), fill.Order.RemainingQuantity())
	assert.True(t, fill.Fee.TotalFee.Equal(d("7500")))
	assert.True(t, fill.NetProceeds.Equal(d("742500")))
	assert.Equal(t, model.TxShareSale, fill.Transaction.Type)

	assert.True(t, h.balance(t, "s1").Equal(before.Add(d("742500"))))
	assert.Equal(t, int64(70), h.holding(t, "s1", p.ID))

	_, err = h.engine.ProcessSell(h.ctx, head.ID, 21)
	require.ErrorIs(t, err, apperr.ErrInvalidQuantity)

	fill, err = h.engine.ProcessSell(h.ctx, head.ID, 20)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, fill.Order.Status)
	assert.True(t, fill.Order.FeesCharged.Equal(d("12500")))

	_, err = h.engine.ProcessSell(h.ctx, head.ID, 1)
	require.ErrorIs(t, err, apperr.ErrOrderNotFillable)

	// The second order is now the head.
	_, err = h.engine.ProcessSell(h.ctx, next.ID, 10)
	require.NoError(t, err)

	usage, err := h.ms.PoolUsage(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), usage.BoughtBack)
	assert.Equal(t, int64(140), usage.Sold())
}

func TestServiceSellQueueFillsInOrder(t *testing.T) {
	h := newHarness(t)
	p := h.pool(t, 1000, "0")
	h.buy(t, "s1", p.ID, 100)
	h.buy(t, "s2", p.ID, 100)
	first := h.sell(t, "s1", p.ID, 50)
	second := h.sell(t, "s2", p.ID, 40)

	res, err := h.engine.ServiceSellQueue(h.ctx, p.ID, 70)
	require.NoError(t, err)
	assert.Equal(t, int64(70), res.Filled)
	require.Len(t, res.Fills, 2)
	assert.Equal(t, first.ID, res.Fills[0].Order.ID)
	assert.Equal(t, model.StatusCompleted, res.Fills[0].Order.Status)
	assert.Equal(t, second.ID, res.Fills[1].Order.ID)
	assert.Equal(t, int64(20), res.Fills[1].Order.ProcessedQuantity)

	res, err = h.engine.ServiceSellQueue(h.ctx, p.ID, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Filled)

	queue, err := h.engine.SellQueue(h.ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestCreateSellOrderChecksFreeShares(t *testing.T) {
	h := newHarness(t)
	p := h.pool(t, 1000, "0")
	h.buy(t, "s1", p.ID, 50)
	h.sell(t, "s1", p.ID, 40)

	_, err := h.engine.CreateSellOrder(h.ctx, SellInput{UserID: "s1", PoolID: p.ID, Quantity: 20})
	require.ErrorIs(t, err, apperr.ErrInsufficientShares)

	_, err = h.engine.CreateSellOrder(h.ctx, SellInput{UserID: "s1", PoolID: p.ID, Quantity: 0})
	require.ErrorIs(t, err, apperr.ErrInvalidQuantity)
}

func TestCreateSellOrderEnforcesSellingLimits(t *testing.T) {
	h := newHarness(t)
	p := h.pool(t, 1000, "0")
	require.NoError(t, h.ms.PutSellingLimit(h.ctx, &model.SellingLimit{
		ID:          "daily",
		AccountType: DefaultAccountType,
		LimitType:   model.LimitQuantity,
		DailyLimit:  decimal.NewNullDecimal(d("100")),
		Active:      true,
	}))
	h.buy(t, "s1", p.ID, 500)
	o := h.sell(t, "s1", p.ID, 80)
	_, err := h.engine.ProcessSell(h.ctx, o.ID, 80)
	require.NoError(t, err)

	_, err = h.engine.CreateSellOrder(h.ctx, SellInput{UserID: "s1", PoolID: p.ID, Quantity: 25})
	require.ErrorIs(t, err, apperr.ErrSellingLimit)
	_, violations := apperr.Details(err)
	assert.NotEmpty(t, violations)

	res, err := h.engine.CreateSellOrder(h.ctx, SellInput{UserID: "s1", PoolID: p.ID, Quantity: 20})
	require.NoError(t, err)
	assert.True(t, res.Validation.Valid)
	assert.Equal(t, int64(80), res.Validation.Usage.Daily)
}

func TestCancelSellOrder(t *testing.T) {
	h := newHarness(t)
	p := h.pool(t, 1000, "0")
	h.buy(t, "s1", p.ID, 100)
	untouched := h.sell(t, "s1", p.ID, 30)
	filled := h.sell(t, "s1", p.ID, 30)

	cancelled, err := h.engine.CancelOrder(h.ctx, untouched.ID, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Base().Status)

	_, err = h.engine.ProcessSell(h.ctx, filled.ID, 10)
	require.NoError(t, err)
	_, err = h.engine.CancelOrder(h.ctx, filled.ID, "s1")
	require.ErrorIs(t, err, apperr.ErrOrderNotCancellable)

	queue, err := h.engine.SellQueue(h.ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, filled.ID, queue[0].ID)
}

func TestModifySellOrderQueuePolicy(t *testing.T) {
	h := newHarness(t)
	p := h.pool(t, 1000, "0")
	h.buy(t, "s1", p.ID, 100)
	h.buy(t, "s2", p.ID, 100)
	a := h.sell(t, "s1", p.ID, 40)
	b := h.sell(t, "s2", p.ID, 40)

	_, err := h.engine.ModifySellOrder(h.ctx, ModifyInput{OrderID: a.ID, UserID: "s1", NewQuantity: 40})
	require.ErrorIs(t, err, apperr.ErrNoOp)
	require.ErrorIs(t, err, apperr.ErrInvalidQuantity)

	_, err = h.engine.ModifySellOrder(h.ctx, ModifyInput{OrderID: a.ID, UserID: "s2", NewQuantity: 30})
	require.ErrorIs(t, err, apperr.ErrNotAuthorized)

	_, err = h.engine.ModifySellOrder(h.ctx, ModifyInput{OrderID: a.ID, UserID: "s1", NewQuantity: 101})
	require.ErrorIs(t, err, apperr.ErrInvalidQuantity)

	// Lowering keeps the order's place.
	lowered, err := h.engine.ModifySellOrder(h.ctx, ModifyInput{OrderID: a.ID, UserID: "s1", NewQuantity: 30, Reason: "changed mind"})
	require.NoError(t, err)
	assert.Equal(t, a.FIFOPosition, lowered.FIFOPosition)
	assert.True(t, lowered.TotalAmount.Equal(d("750000")))

	// Raising moves it behind everything queued so far.
	raised, err := h.engine.ModifySellOrder(h.ctx, ModifyInput{OrderID: a.ID, UserID: "s1", NewQuantity: 60})
	require.NoError(t, err)
	assert.Greater(t, raised.FIFOPosition, b.FIFOPosition)

	queue, err := h.engine.SellQueue(h.ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, b.ID, queue[0].ID)
	assert.Equal(t, a.ID, queue[1].ID)

	summary, err := h.engine.SellOrderSummary(h.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), summary.MaxQuantity)
	assert.True(t, summary.CanModify)
}

func (h *harness) dailyLimit(t *testing.T, qty string) {
	t.Helper()
	require.NoError(t, h.ms.PutSellingLimit(h.ctx, &model.SellingLimit{
		ID:          "daily",
		AccountType: DefaultAccountType,
		LimitType:   model.LimitQuantity,
		DailyLimit:  decimal.NewNullDecimal(d(qty)),
		Active:      true,
	}))
}

func TestQueuedSellOrdersShareOneLimit(t *testing.T) {
	h := newHarness(t)
	p := h.pool(t, 1000, "0")
	h.dailyLimit(t, "100")
	h.buy(t, "s1", p.ID, 500)

	first := h.sell(t, "s1", p.ID, 100)

	for _, qty := range []int64{100, 1} {
		_, err := h.engine.CreateSellOrder(h.ctx, SellInput{UserID: "s1", PoolID: p.ID, Quantity: qty})
		require.ErrorIs(t, err, apperr.ErrSellingLimit, "quantity %d", qty)
	}

	res, err := h.engine.ServiceSellQueue(h.ctx, p.ID, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Filled)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, first.ID, res.Fills[0].Order.ID)

	usage, err := h.engine.limits.Usage(h.ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), usage.Daily)
	assert.Zero(t, usage.Queued)
}

func TestFillRechecksSellingLimits(t *testing.T) {
	h := newHarness(t)
	p := h.pool(t, 1000, "0")
	h.buy(t, "s1", p.ID, 200)
	o := h.sell(t, "s1", p.ID, 100)

	// Tightened after the order was queued.
	h.dailyLimit(t, "50")

	_, err := h.engine.ProcessSell(h.ctx, o.ID, 60)
	require.ErrorIs(t, err, apperr.ErrSellingLimit)
	assert.Equal(t, int64(200), h.holding(t, "s1", p.ID))

	fill, err := h.engine.ProcessSell(h.ctx, o.ID, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), fill.Order.ProcessedQuantity)

	_, err = h.engine.ProcessSell(h.ctx, o.ID, 1)
	require.ErrorIs(t, err, apperr.ErrSellingLimit)
}

func TestModifyPartiallyFilledOrderCountsFillOnce(t *testing.T) {
	h := newHarness(t)
	p := h.pool(t, 1000, "0")
	h.dailyLimit(t, "100")
	h.buy(t, "s1", p.ID, 500)
	o := h.sell(t, "s1", p.ID, 60)
	_, err := h.engine.ProcessSell(h.ctx, o.ID, 50)
	require.NoError(t, err)

	// 50 filled + 40 still queued = 90.
	raised, err := h.engine.ModifySellOrder(h.ctx, ModifyInput{OrderID: o.ID, UserID: "s1", NewQuantity: 90})
	require.NoError(t, err)
	assert.Equal(t, int64(40), raised.RemainingQuantity())

	summary, err := h.engine.SellOrderSummary(h.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), summary.LimitAllowed)

	_, err = h.engine.ModifySellOrder(h.ctx, ModifyInput{OrderID: o.ID, UserID: "s1", NewQuantity: 101})
	require.ErrorIs(t, err, apperr.ErrSellingLimit)

	_, err = h.engine.ModifySellOrder(h.ctx, ModifyInput{OrderID: o.ID, UserID: "s1", NewQuantity: 100})
	require.NoError(t, err)
}
