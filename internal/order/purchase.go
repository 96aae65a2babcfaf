package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharehub/share-ledger/internal/allocation"
	"github.com/sharehub/share-ledger/internal/apperr"
	"github.com/sharehub/share-ledger/internal/fee"
	"github.com/sharehub/share-ledger/internal/metrics"
	"github.com/sharehub/share-ledger/internal/model"
	"github.com/sharehub/share-ledger/internal/pool"
	"github.com/sharehub/share-ledger/internal/referral"
	"github.com/sharehub/share-ledger/internal/store"
)

// Settlement step names, used in logs, metrics and LastError.
const (
	StepAllocate   = "allocate_proceeds"
	StepFee        = "process_fee"
	StepCommission = "track_commission"
)

// PurchaseInput describes a market purchase. Market purchases always pay the
// pool price: a zero PricePerShare takes it and any other value must match
// it. An empty Currency takes the pool currency.
type PurchaseInput struct {
	UserID        string          `json:"user_id"`
	PoolID        string          `json:"pool_id"`
	Quantity      int64           `json:"quantity"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	Currency      string          `json:"currency"`
	WalletID      string          `json:"wallet_id"`
}

// PurchaseResult is what a paid purchase produced. The order is completed
// when every settlement step succeeded and stays processing otherwise.
type PurchaseResult struct {
	Order       *model.PurchaseOrder `json:"order"`
	Transaction *model.Transaction   `json:"transaction"`
	Wallet      *model.Wallet        `json:"wallet"`
	Holding     *model.UserHolding   `json:"holding"`
	Fee         fee.Quote            `json:"fee"`
	Commission  referral.Result      `json:"commission"`
}

// PlacePurchaseOrder records a pending purchase without charging the buyer.
func (e *Engine) PlacePurchaseOrder(ctx context.Context, in PurchaseInput) (o *model.PurchaseOrder, err error) {
	defer e.observe("place_purchase", time.Now(), &err)

	o, quote, err := e.newPurchase(ctx, in)
	if err != nil {
		return nil, err
	}
	o.Fee = quote.TotalFee

	err = e.store.InTx(ctx, func(tx store.Tx) error {
		p, usage, err := pool.LockWithUsage(ctx, tx, o.PoolID)
		if err != nil {
			return err
		}
		if err := checkSupply(p, usage, o.Quantity); err != nil {
			return err
		}
		return tx.InsertOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("purchase order placed",
		"order_id", o.ID,
		"user_id", o.UserID,
		"pool_id", o.PoolID,
		"quantity", o.Quantity,
	)
	return o, nil
}

// PayPurchaseOrder charges the buyer for a pending purchase, credits the
// holding and then settles the order.
func (e *Engine) PayPurchaseOrder(ctx context.Context, orderID string) (res *PurchaseResult, err error) {
	defer e.observe("pay_purchase", time.Now(), &err)

	current, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	po, ok := current.(*model.PurchaseOrder)
	if !ok {
		return nil, apperr.New(apperr.ErrInvalidInput, "order is not a purchase", "order_id", orderID, "kind", current.Kind())
	}
	quote, err := e.fees.Resolve(ctx, model.TxSharePurchase, po.TotalAmount, po.Currency)
	if err != nil {
		return nil, err
	}

	err = e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = e.pay(ctx, tx, po, quote, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e.finishPurchase(ctx, res), nil
}

// ProcessPurchase places and pays a purchase in one step. Nothing is
// recorded when payment is rejected.
func (e *Engine) ProcessPurchase(ctx context.Context, in PurchaseInput) (res *PurchaseResult, err error) {
	defer e.observe("process_purchase", time.Now(), &err)

	o, quote, err := e.newPurchase(ctx, in)
	if err != nil {
		return nil, err
	}

	err = e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = e.pay(ctx, tx, o, quote, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e.finishPurchase(ctx, res), nil
}

// SettlePurchase retries the outstanding settlement steps of a paid
// purchase. It is safe to call repeatedly.
func (e *Engine) SettlePurchase(ctx context.Context, orderID string) (o *model.PurchaseOrder, err error) {
	defer e.observe("settle_purchase", time.Now(), &err)

	current, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	po, ok := current.(*model.PurchaseOrder)
	if !ok {
		return nil, apperr.New(apperr.ErrInvalidInput, "order is not a purchase", "order_id", orderID, "kind", current.Kind())
	}
	if !po.Paid() {
		return nil, apperr.New(apperr.ErrConflict, "purchase has not been paid", "order_id", orderID, "status", po.Status)
	}
	if po.Status == model.StatusCompleted {
		return po, nil
	}

	po, _, err = e.settle(ctx, po)
	return po, err
}

func (e *Engine) newPurchase(ctx context.Context, in PurchaseInput) (*model.PurchaseOrder, fee.Quote, error) {
	if in.Quantity <= 0 {
		return nil, fee.Quote{}, apperr.New(apperr.ErrInvalidQuantity, "purchase quantity must be positive", "quantity", in.Quantity)
	}
	if in.UserID == "" {
		return nil, fee.Quote{}, apperr.New(apperr.ErrInvalidInput, "user is required")
	}
	p, price, currency, err := e.poolPrice(ctx, in.PoolID, in.PricePerShare, in.Currency)
	if err != nil {
		return nil, fee.Quote{}, err
	}
	if !price.Equal(p.PricePerShare) {
		return nil, fee.Quote{}, apperr.New(apperr.ErrInvalidInput, "market purchases pay the pool price",
			"price_per_share", price, "pool_price", p.PricePerShare)
	}

	now := e.now()
	o := &model.PurchaseOrder{
		OrderBase: model.OrderBase{
			ID:            uuid.New().String(),
			UserID:        in.UserID,
			PoolID:        in.PoolID,
			Quantity:      in.Quantity,
			PricePerShare: price,
			TotalAmount:   price.Mul(decimal.NewFromInt(in.Quantity)),
			Currency:      currency,
			Status:        model.StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		WalletID: in.WalletID,
		Source:   model.SourceMarket,
		Fee:      decimal.Zero,
	}
	quote, err := e.fees.Resolve(ctx, model.TxSharePurchase, o.TotalAmount, currency)
	if err != nil {
		return nil, fee.Quote{}, err
	}
	return o, quote, nil
}

// pay moves money and shares for a purchase inside tx. With insert set the
// order is new; otherwise it must still be pending and unpaid.
func (e *Engine) pay(ctx context.Context, tx store.Tx, o *model.PurchaseOrder, quote fee.Quote, insert bool) (*PurchaseResult, error) {
	p, usage, err := pool.LockWithUsage(ctx, tx, o.PoolID)
	if err != nil {
		return nil, err
	}
	if err := checkSupply(p, usage, o.Quantity); err != nil {
		return nil, err
	}

	w, err := tx.LockWallet(ctx, o.UserID, o.Currency)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.ErrInsufficientFunds, "no wallet in currency",
			"user_id", o.UserID, "currency", o.Currency)
	}
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	if o.WalletID != "" && o.WalletID != w.ID {
		return nil, apperr.New(apperr.ErrInvalidInput, "wallet does not belong to the buyer in this currency",
			"wallet_id", o.WalletID)
	}

	h, err := tx.LockHolding(ctx, o.UserID, o.PoolID)
	if err != nil {
		return nil, fmt.Errorf("lock holding: %w", err)
	}

	if !insert {
		locked, err := tx.LockOrder(ctx, o.ID)
		if err != nil {
			return nil, orderNotFound(err, o.ID)
		}
		lo, ok := locked.(*model.PurchaseOrder)
		if !ok || lo.Status != model.StatusPending || lo.Paid() {
			return nil, apperr.New(apperr.ErrConflict, "purchase is not awaiting payment",
				"order_id", o.ID, "status", locked.Base().Status)
		}
		o = lo
	}

	charge := o.TotalAmount.Add(quote.TotalFee)
	if w.Balance.LessThan(charge) {
		return nil, apperr.New(apperr.ErrInsufficientFunds, "wallet balance does not cover purchase",
			"balance", w.Balance,
			"required", charge,
			"currency", o.Currency,
		)
	}

	now := e.now()
	w.Balance = w.Balance.Sub(charge)
	w.UpdatedAt = now
	if err := tx.SaveWallet(ctx, w); err != nil {
		return nil, fmt.Errorf("save wallet: %w", err)
	}

	credit(h, o.Quantity, o.PricePerShare, o.Currency, now)
	if err := tx.SaveHolding(ctx, h); err != nil {
		return nil, fmt.Errorf("save holding: %w", err)
	}

	t := &model.Transaction{
		ID:            uuid.New().String(),
		UserID:        o.UserID,
		PoolID:        o.PoolID,
		OrderID:       o.ID,
		Type:          model.TxSharePurchase,
		Source:        model.SourceMarket,
		Quantity:      o.Quantity,
		PricePerShare: o.PricePerShare,
		Amount:        o.TotalAmount,
		Fee:           quote.TotalFee,
		Currency:      o.Currency,
		CreatedAt:     now,
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	o.WalletID = w.ID
	o.Fee = quote.TotalFee
	o.TransactionID = t.ID
	o.PaidAt = &now
	if err := transition(&o.OrderBase, model.StatusProcessing, now); err != nil {
		return nil, err
	}
	if insert {
		err = tx.InsertOrder(ctx, o)
	} else {
		err = tx.UpdateOrder(ctx, o)
	}
	if err != nil {
		return nil, fmt.Errorf("write order %s: %w", o.ID, err)
	}

	return &PurchaseResult{Order: o, Transaction: t, Wallet: w, Holding: h, Fee: quote}, nil
}

func (e *Engine) finishPurchase(ctx context.Context, res *PurchaseResult) *PurchaseResult {
	metrics.SharesMoved.WithLabelValues(res.Order.PoolID, "purchase").Add(float64(res.Order.Quantity))
	e.logger.Info("purchase paid",
		"order_id", res.Order.ID,
		"user_id", res.Order.UserID,
		"pool_id", res.Order.PoolID,
		"quantity", res.Order.Quantity,
		"amount", res.Order.TotalAmount.String(),
		"fee", res.Fee.TotalFee.String(),
	)

	o, commission, err := e.settle(ctx, res.Order)
	if err != nil {
		e.logger.Error("purchase settlement incomplete", "order_id", res.Order.ID, "err", err)
	}
	if o != nil {
		res.Order = o
	}
	res.Commission = commission
	return res
}

// settle runs the outstanding settlement steps, each in its own store
// transaction, retrying the whole pass up to the policy's attempt limit.
func (e *Engine) settle(ctx context.Context, o *model.PurchaseOrder) (*model.PurchaseOrder, referral.Result, error) {
	var (
		commission referral.Result
		lastErr    error
	)
	for attempt := 1; attempt <= e.settlement.MaxAttempts; attempt++ {
		if attempt > 1 && e.settlement.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return o, commission, ctx.Err()
			case <-time.After(e.settlement.RetryDelay):
			}
		}

		var step string
		o, commission, step, lastErr = e.settleOnce(ctx, o.ID)
		if lastErr == nil {
			return o, commission, nil
		}
		metrics.SettlementFailures.WithLabelValues(step).Inc()
		e.logger.Warn("settlement step failed",
			"order_id", o.ID,
			"step", step,
			"attempt", attempt,
			"err", lastErr,
		)
		o = e.recordSettlementError(ctx, o, step, lastErr)
	}
	return o, commission, lastErr
}

func (e *Engine) settleOnce(ctx context.Context, orderID string) (*model.PurchaseOrder, referral.Result, string, error) {
	var (
		o          *model.PurchaseOrder
		commission referral.Result
	)

	steps := []struct {
		name string
		done func(s model.Settlement) bool
		run  func(tx store.Tx, o *model.PurchaseOrder) error
	}{
		{StepAllocate, func(s model.Settlement) bool { return s.ProceedsAllocated }, func(tx store.Tx, o *model.PurchaseOrder) error {
			_, err := e.funds.Allocate(ctx, tx, allocation.Proceeds{
				TransactionID: o.TransactionID,
				UserID:        o.UserID,
				Amount:        o.TotalAmount,
				Currency:      o.Currency,
			})
			o.Settlement.ProceedsAllocated = err == nil
			return err
		}},
		{StepFee, func(s model.Settlement) bool { return s.FeeProcessed }, func(tx store.Tx, o *model.PurchaseOrder) error {
			err := e.feeRecords.Process(ctx, tx, o.TransactionID, o.UserID, model.TxSharePurchase, o.Fee, o.Currency)
			o.Settlement.FeeProcessed = err == nil
			return err
		}},
		{StepCommission, func(s model.Settlement) bool { return s.CommissionTracked }, func(tx store.Tx, o *model.PurchaseOrder) error {
			var err error
			commission, err = e.recordCommission(ctx, tx, o.UserID, o.TotalAmount, o.Currency, model.TxSharePurchase, o.TransactionID)
			o.Settlement.CommissionTracked = err == nil
			return err
		}},
	}

	for _, step := range steps {
		err := e.store.InTx(ctx, func(tx store.Tx) error {
			locked, err := e.lockPurchase(ctx, tx, orderID)
			if err != nil {
				return err
			}
			o = locked
			if step.done(o.Settlement) {
				return nil
			}
			if err := step.run(tx, o); err != nil {
				return err
			}
			o.UpdatedAt = e.now()
			return tx.UpdateOrder(ctx, o)
		})
		if err != nil {
			if o == nil {
				o = &model.PurchaseOrder{OrderBase: model.OrderBase{ID: orderID}}
			}
			return o, commission, step.name, err
		}
		if step.name == StepCommission {
			e.referrals.Publish(ctx, commission)
		}
	}

	err := e.store.InTx(ctx, func(tx store.Tx) error {
		locked, err := e.lockPurchase(ctx, tx, orderID)
		if err != nil {
			return err
		}
		o = locked
		if o.Status == model.StatusCompleted {
			return nil
		}
		if !o.Settlement.Done() {
			return fmt.Errorf("settlement of %s incomplete", orderID)
		}
		if err := transition(&o.OrderBase, model.StatusCompleted, e.now()); err != nil {
			return err
		}
		o.LastError = ""
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return o, commission, "complete", err
	}

	e.logger.Info("purchase settled", "order_id", orderID)
	return o, commission, "", nil
}

// recordCommission tracks a commission inside tx. A self-referral is logged
// and counts as tracked, since no commission can ever be owed.
func (e *Engine) recordCommission(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal,
	currency string, txType model.TransactionType, transactionID string) (referral.Result, error) {
	res, err := e.referrals.Record(ctx, tx, referral.Input{
		ReferredUserID:      userID,
		Amount:              amount,
		Currency:            currency,
		TransactionType:     txType,
		SourceTransactionID: transactionID,
	})
	if errors.Is(err, apperr.ErrSelfReferral) {
		e.logger.Warn("self referral skipped", "user_id", userID, "transaction_id", transactionID)
		return res, nil
	}
	return res, err
}

func (e *Engine) recordSettlementError(ctx context.Context, o *model.PurchaseOrder, step string, cause error) *model.PurchaseOrder {
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		locked, err := e.lockPurchase(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		locked.LastError = fmt.Sprintf("%s: %v", step, cause)
		locked.UpdatedAt = e.now()
		if err := tx.UpdateOrder(ctx, locked); err != nil {
			return err
		}
		o = locked
		return nil
	})
	if err != nil {
		e.logger.Error("record settlement error failed", "order_id", o.ID, "err", err)
	}
	return o
}

func (e *Engine) lockPurchase(ctx context.Context, tx store.Tx, orderID string) (*model.PurchaseOrder, error) {
	locked, err := tx.LockOrder(ctx, orderID)
	if err != nil {
		return nil, orderNotFound(err, orderID)
	}
	po, ok := locked.(*model.PurchaseOrder)
	if !ok {
		return nil, apperr.New(apperr.ErrInvalidInput, "order is not a purchase", "order_id", orderID)
	}
	return po, nil
}

// checkSupply rejects a market purchase larger than the pool's headroom.
func checkSupply(p *model.SharePool, usage model.PoolUsage, quantity int64) error {
	if headroom := p.Headroom(usage); quantity > headroom {
		return apperr.New(apperr.ErrInsufficientShares, "not enough shares available for purchase",
			"pool_id", p.ID,
			"requested", quantity,
			"available", max(headroom, 0),
		)
	}
	return nil
}

// credit adds shares to a holding, keeping the latest purchase price.
func credit(h *model.UserHolding, quantity int64, price decimal.Decimal, currency string, now time.Time) {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	h.Quantity += quantity
	h.PurchasePricePerShare = price
	h.Currency = currency
	h.Status = model.HoldingAvailable
	h.UpdatedAt = now
}
