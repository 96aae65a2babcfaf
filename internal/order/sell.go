package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharehub/share-ledger/internal/apperr"
	"github.com/sharehub/share-ledger/internal/fee"
	"github.com/sharehub/share-ledger/internal/limits"
	"github.com/sharehub/share-ledger/internal/metrics"
	"github.com/sharehub/share-ledger/internal/model"
	"github.com/sharehub/share-ledger/internal/referral"
	"github.com/sharehub/share-ledger/internal/store"
)

// SellInput describes a new sell order. A zero PricePerShare takes the pool
// price.
type SellInput struct {
	UserID        string          `json:"user_id"`
	PoolID        string          `json:"pool_id"`
	Quantity      int64           `json:"quantity"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
}

// SellResult is a queued sell order and the limit check it passed.
type SellResult struct {
	Order      *model.SellOrder  `json:"order"`
	Validation limits.Validation `json:"validation"`
}

// Fill is one execution against a sell order.
type Fill struct {
	Order       *model.SellOrder   `json:"order"`
	Transaction *model.Transaction `json:"transaction"`
	Wallet      *model.Wallet      `json:"wallet"`
	Holding     *model.UserHolding `json:"holding"`
	Fee         fee.Quote          `json:"fee"`
	NetProceeds decimal.Decimal    `json:"net_proceeds"`
	Commission  referral.Result    `json:"commission"`
}

// QueueResult summarises a buyback pass over a pool's sell queue.
type QueueResult struct {
	PoolID string `json:"pool_id"`
	Filled int64  `json:"filled"`
	Fills  []Fill `json:"fills"`
}

// CreateSellOrder validates selling limits and free holdings, then appends
// the order to the pool's FIFO queue.
func (e *Engine) CreateSellOrder(ctx context.Context, in SellInput) (res *SellResult, err error) {
	defer e.observe("create_sell_order", time.Now(), &err)

	if in.Quantity <= 0 {
		return nil, apperr.New(apperr.ErrInvalidQuantity, "sell quantity must be positive", "quantity", in.Quantity)
	}
	p, price, currency, err := e.poolPrice(ctx, in.PoolID, in.PricePerShare, "")
	if err != nil {
		return nil, err
	}
	acct, err := e.accountType(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	h, err := e.store.GetHolding(ctx, in.UserID, in.PoolID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup holding: %w", err)
	}
	var held int64
	if h != nil {
		held = h.Quantity
	}

	validation, err := e.limits.ValidateSell(ctx, in.UserID, acct, in.Quantity, held)
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		metrics.SellingLimitRejections.Inc()
		return nil, validation.Err()
	}

	var o *model.SellOrder
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockPool(ctx, p.ID)
		if err != nil {
			return poolNotFound(err, p.ID)
		}
		h, err := tx.LockHolding(ctx, in.UserID, in.PoolID)
		if err != nil {
			return fmt.Errorf("lock holding: %w", err)
		}
		if err := checkTradable(h); err != nil {
			return err
		}
		free, err := sellable(ctx, tx, h)
		if err != nil {
			return err
		}
		if in.Quantity > free {
			return apperr.New(apperr.ErrInsufficientShares, "not enough free shares to sell",
				"requested", in.Quantity,
				"holding", h.Quantity,
				"free", free,
			)
		}

		now := e.now()
		o = &model.SellOrder{
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
			FIFOPosition: nextPosition(locked, now),
			FeesCharged:  decimal.Zero,
			ProceedsPaid: decimal.Zero,
		}
		if err := tx.SavePool(ctx, locked); err != nil {
			return fmt.Errorf("save pool: %w", err)
		}
		return tx.InsertOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	e.recordQueueDepth(ctx, o.PoolID)
	e.logger.Info("sell order queued",
		"order_id", o.ID,
		"user_id", o.UserID,
		"pool_id", o.PoolID,
		"quantity", o.Quantity,
		"fifo_position", o.FIFOPosition,
	)
	return &SellResult{Order: o, Validation: validation}, nil
}

// ProcessSell fills quantity of a sell order. Only the head of the pool's
// queue may be filled; the seller is credited the proceeds net of the sale
// fee.
func (e *Engine) ProcessSell(ctx context.Context, orderID string, quantity int64) (res *Fill, err error) {
	defer e.observe("process_sell", time.Now(), &err)

	if quantity <= 0 {
		return nil, apperr.New(apperr.ErrInvalidQuantity, "fill quantity must be positive", "quantity", quantity)
	}
	current, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	so, ok := current.(*model.SellOrder)
	if !ok {
		return nil, apperr.New(apperr.ErrInvalidInput, "order is not a sell order", "order_id", orderID, "kind", current.Kind())
	}
	gross := so.PricePerShare.Mul(decimal.NewFromInt(quantity))
	quote, err := e.fees.Resolve(ctx, model.TxShareSale, gross, so.Currency)
	if err != nil {
		return nil, err
	}
	// The fee never exceeds the proceeds it is taken from.
	feeAmount := decimal.Min(quote.TotalFee, gross)
	acct, err := e.accountType(ctx, so.UserID)
	if err != nil {
		return nil, err
	}

	err = e.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockPool(ctx, so.PoolID); err != nil {
			return poolNotFound(err, so.PoolID)
		}
		w, err := e.lockOrOpenWallet(ctx, tx, so.UserID, so.Currency)
		if err != nil {
			return fmt.Errorf("lock wallet: %w", err)
		}
		h, err := tx.LockHolding(ctx, so.UserID, so.PoolID)
		if err != nil {
			return fmt.Errorf("lock holding: %w", err)
		}
		locked, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return orderNotFound(err, orderID)
		}
		o := locked.(*model.SellOrder)
		if !o.Open() {
			return apperr.New(apperr.ErrOrderNotFillable, "sell order is not open", "order_id", orderID, "status", o.Status)
		}
		if quantity > o.RemainingQuantity() {
			return apperr.New(apperr.ErrInvalidQuantity, "fill exceeds remaining quantity",
				"requested", quantity, "remaining", o.RemainingQuantity())
		}

		queue, err := tx.OpenSellOrders(ctx, o.PoolID)
		if err != nil {
			return fmt.Errorf("load sell queue: %w", err)
		}
		if len(queue) == 0 || queue[0].ID != o.ID {
			head := ""
			if len(queue) > 0 {
				head = queue[0].ID
			}
			return apperr.New(apperr.ErrOutOfOrder, "only the head of the sell queue can be filled",
				"order_id", o.ID,
				"fifo_position", o.FIFOPosition,
				"head_order_id", head,
			)
		}
		if h.Quantity < quantity {
			return apperr.New(apperr.ErrInsufficientShares, "seller no longer holds the shares",
				"requested", quantity, "holding", h.Quantity)
		}
		// Limits may have tightened or windows rolled over since the order
		// was queued; the fill itself must still fit.
		v, err := e.limits.With(tx).ValidateFill(ctx, o.UserID, acct, quantity, h.Quantity)
		if err != nil {
			return err
		}
		if !v.Valid {
			metrics.SellingLimitRejections.Inc()
			return v.Err()
		}

		now := e.now()
		net := gross.Sub(feeAmount)

		h.Quantity -= quantity
		h.UpdatedAt = now
		if err := tx.SaveHolding(ctx, h); err != nil {
			return fmt.Errorf("save holding: %w", err)
		}
		w.Balance = w.Balance.Add(net)
		w.UpdatedAt = now
		if err := tx.SaveWallet(ctx, w); err != nil {
			return fmt.Errorf("save wallet: %w", err)
		}

		t := &model.Transaction{
			ID:            uuid.New().String(),
			UserID:        o.UserID,
			PoolID:        o.PoolID,
			OrderID:       o.ID,
			Type:          model.TxShareSale,
			Source:        model.SourceMarket,
			Quantity:      quantity,
			PricePerShare: o.PricePerShare,
			Amount:        gross,
			Fee:           feeAmount,
			Currency:      o.Currency,
			CreatedAt:     now,
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		if err := e.feeRecords.Process(ctx, tx, t.ID, o.UserID, model.TxShareSale, feeAmount, o.Currency); err != nil {
			return err
		}

		o.ProcessedQuantity += quantity
		o.FeesCharged = o.FeesCharged.Add(feeAmount)
		o.ProceedsPaid = o.ProceedsPaid.Add(net)
		target := model.StatusProcessing
		if o.RemainingQuantity() == 0 {
			target = model.StatusCompleted
		}
		if err := transition(&o.OrderBase, target, now); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		quote.TotalFee = feeAmount
		res = &Fill{Order: o, Transaction: t, Wallet: w, Holding: h, Fee: quote, NetProceeds: net}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Sale commissions stay pending until paid out, so a failure here only
	// delays them and never undoes the fill.
	commission, cerr := e.referrals.TrackCommission(ctx, referral.Input{
		ReferredUserID:      so.UserID,
		Amount:              gross,
		Currency:            so.Currency,
		TransactionType:     model.TxShareSale,
		SourceTransactionID: res.Transaction.ID,
	})
	if cerr != nil {
		e.logger.Warn("sale commission not tracked", "transaction_id", res.Transaction.ID, "err", cerr)
	}
	res.Commission = commission

	metrics.SharesMoved.WithLabelValues(so.PoolID, "buyback").Add(float64(quantity))
	e.recordQueueDepth(ctx, so.PoolID)
	e.logger.Info("sell order filled",
		"order_id", orderID,
		"quantity", quantity,
		"processed", res.Order.ProcessedQuantity,
		"status", res.Order.Status,
		"net_proceeds", res.NetProceeds.String(),
	)
	return res, nil
}

// ServiceSellQueue buys back up to quantity shares from the head of the
// pool's queue, filling orders strictly in FIFO order.
func (e *Engine) ServiceSellQueue(ctx context.Context, poolID string, quantity int64) (*QueueResult, error) {
	if quantity <= 0 {
		return nil, apperr.New(apperr.ErrInvalidQuantity, "buyback quantity must be positive", "quantity", quantity)
	}
	res := &QueueResult{PoolID: poolID}
	for res.Filled < quantity {
		queue, err := e.store.OpenSellOrders(ctx, poolID)
		if err != nil {
			return res, fmt.Errorf("load sell queue: %w", err)
		}
		if len(queue) == 0 {
			break
		}
		head := queue[0]
		fill, err := e.ProcessSell(ctx, head.ID, min(head.RemainingQuantity(), quantity-res.Filled))
		if err != nil {
			return res, err
		}
		res.Filled += fill.Transaction.Quantity
		res.Fills = append(res.Fills, *fill)
	}
	return res, nil
}

// ModifyInput changes the quantity of a queued sell order.
type ModifyInput struct {
	OrderID     string `json:"order_id"`
	UserID      string `json:"user_id"`
	NewQuantity int64  `json:"new_quantity"`
	Reason      string `json:"reason"`
}

// ModifySellOrder changes an open sell order's quantity. Raising it moves
// the order to the back of the queue; lowering it keeps its place.
func (e *Engine) ModifySellOrder(ctx context.Context, in ModifyInput) (res *model.SellOrder, err error) {
	defer e.observe("modify_sell_order", time.Now(), &err)

	if in.NewQuantity <= 0 {
		return nil, apperr.New(apperr.ErrInvalidQuantity, "new quantity must be positive", "new_quantity", in.NewQuantity)
	}
	current, err := e.GetOrder(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	so, ok := current.(*model.SellOrder)
	if !ok {
		return nil, apperr.New(apperr.ErrInvalidInput, "order is not a sell order", "order_id", in.OrderID, "kind", current.Kind())
	}
	if in.NewQuantity == so.Quantity {
		return nil, apperr.New(apperr.ErrNoOp, "new quantity equals current quantity", "quantity", so.Quantity)
	}

	if in.NewQuantity > so.Quantity {
		acct, err := e.accountType(ctx, so.UserID)
		if err != nil {
			return nil, err
		}
		h, err := e.store.GetHolding(ctx, so.UserID, so.PoolID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("lookup holding: %w", err)
		}
		var held int64
		if h != nil {
			held = h.Quantity
		}
		// The order's unfilled quantity is already counted as queued, so only
		// the increase is new volume.
		v, err := e.limits.ValidateSell(ctx, so.UserID, acct, in.NewQuantity-so.Quantity, held)
		if err != nil {
			return nil, err
		}
		if !v.Valid {
			metrics.SellingLimitRejections.Inc()
			return nil, v.Err()
		}
	}

	err = e.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.LockPool(ctx, so.PoolID)
		if err != nil {
			return poolNotFound(err, so.PoolID)
		}
		h, err := tx.LockHolding(ctx, so.UserID, so.PoolID)
		if err != nil {
			return fmt.Errorf("lock holding: %w", err)
		}
		locked, err := tx.LockOrder(ctx, in.OrderID)
		if err != nil {
			return orderNotFound(err, in.OrderID)
		}
		o := locked.(*model.SellOrder)
		if o.UserID != in.UserID {
			return apperr.New(apperr.ErrNotAuthorized, "only the order owner may modify it", "order_id", o.ID)
		}
		if !o.Open() {
			return apperr.New(apperr.ErrOrderNotFillable, "sell order is not open", "order_id", o.ID, "status", o.Status)
		}
		if in.NewQuantity == o.Quantity {
			return apperr.New(apperr.ErrNoOp, "new quantity equals current quantity", "quantity", o.Quantity)
		}
		if in.NewQuantity <= o.ProcessedQuantity {
			return apperr.New(apperr.ErrInvalidQuantity, "new quantity must exceed the filled quantity",
				"new_quantity", in.NewQuantity, "processed_quantity", o.ProcessedQuantity)
		}

		free, err := sellable(ctx, tx, h)
		if err != nil {
			return err
		}
		// This order's own remaining quantity is already counted as queued.
		free += o.RemainingQuantity()
		if remaining := in.NewQuantity - o.ProcessedQuantity; remaining > free {
			return apperr.New(apperr.ErrInvalidQuantity, "new quantity exceeds owned shares",
				"new_quantity", in.NewQuantity,
				"holding", h.Quantity,
				"free", free,
			)
		}

		now := e.now()
		mod := &model.SellOrderModification{
			ID:              uuid.New().String(),
			OrderID:         o.ID,
			UserID:          o.UserID,
			OldQuantity:     o.Quantity,
			NewQuantity:     in.NewQuantity,
			OldFIFOPosition: o.FIFOPosition,
			NewFIFOPosition: o.FIFOPosition,
			Reason:          in.Reason,
			CreatedAt:       now,
		}
		if in.NewQuantity > o.Quantity {
			mod.NewFIFOPosition = nextPosition(p, now)
			if err := tx.SavePool(ctx, p); err != nil {
				return fmt.Errorf("save pool: %w", err)
			}
		}

		o.Quantity = in.NewQuantity
		o.FIFOPosition = mod.NewFIFOPosition
		o.TotalAmount = o.PricePerShare.Mul(decimal.NewFromInt(o.Quantity))
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if err := tx.InsertSellModification(ctx, mod); err != nil {
			return fmt.Errorf("insert modification: %w", err)
		}
		res = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("sell order modified",
		"order_id", res.ID,
		"quantity", res.Quantity,
		"fifo_position", res.FIFOPosition,
	)
	return res, nil
}

// ModificationSummary reports what ModifySellOrder would allow right now.
type ModificationSummary struct {
	Order       *model.SellOrder `json:"order"`
	MaxQuantity int64            `json:"max_quantity"`
	// LimitAllowed is the largest quantity the selling limits allow the
	// order to be raised to.
	LimitAllowed int64 `json:"limit_allowed"`
	CanModify    bool  `json:"can_modify"`
}

// SellOrderSummary returns the bounds a modification of orderID must respect.
func (e *Engine) SellOrderSummary(ctx context.Context, orderID string) (*ModificationSummary, error) {
	current, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	so, ok := current.(*model.SellOrder)
	if !ok {
		return nil, apperr.New(apperr.ErrInvalidInput, "order is not a sell order", "order_id", orderID, "kind", current.Kind())
	}

	h, err := e.store.GetHolding(ctx, so.UserID, so.PoolID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup holding: %w", err)
	}
	var held int64
	if h != nil {
		held = h.Quantity
	}
	queued, err := e.store.QueuedSellQuantity(ctx, so.UserID, so.PoolID)
	if err != nil {
		return nil, err
	}
	transferring, err := e.store.PendingTransferQuantity(ctx, so.UserID, so.PoolID)
	if err != nil {
		return nil, err
	}
	acct, err := e.accountType(ctx, so.UserID)
	if err != nil {
		return nil, err
	}
	allowed, err := e.limits.MaxAllowedQuantity(ctx, so.UserID, acct, held)
	if err != nil {
		return nil, err
	}

	free := held - queued - transferring + so.RemainingQuantity()
	return &ModificationSummary{
		Order:        so,
		MaxQuantity:  so.ProcessedQuantity + max(free, 0),
		LimitAllowed: so.Quantity + allowed,
		CanModify:    so.Open(),
	}, nil
}

func nextPosition(p *model.SharePool, now time.Time) int64 {
	if p.NextFIFOPosition < 1 {
		p.NextFIFOPosition = 1
	}
	pos := p.NextFIFOPosition
	p.NextFIFOPosition++
	p.UpdatedAt = now
	return pos
}

func checkTradable(h *model.UserHolding) error {
	if h.Status == model.HoldingGracePeriod {
		return apperr.New(apperr.ErrInsufficientShares, "holding is still in its grace period",
			"pool_id", h.PoolID, "status", h.Status)
	}
	return nil
}
