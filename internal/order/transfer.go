package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharehub/share-ledger/internal/apperr"
	"github.com/sharehub/share-ledger/internal/metrics"
	"github.com/sharehub/share-ledger/internal/model"
	"github.com/sharehub/share-ledger/internal/store"
)

// TransferInput asks to move shares to another user. Transfers wait for an
// administrator's approval.
type TransferInput struct {
	UserID      string `json:"user_id"`
	RecipientID string `json:"recipient_id"`
	PoolID      string `json:"pool_id"`
	Quantity    int64  `json:"quantity"`
	Reason      string `json:"reason"`
}

// TransferResult is an approved transfer and the records it wrote.
type TransferResult struct {
	Order       *model.TransferRequest `json:"order"`
	Transaction *model.Transaction     `json:"transaction"`
	Sender      *model.UserHolding     `json:"sender"`
	Recipient   *model.UserHolding     `json:"recipient"`
}

// RequestTransfer records a pending transfer. The shares stay with the
// sender but can no longer be sold or transferred again.
func (e *Engine) RequestTransfer(ctx context.Context, in TransferInput) (o *model.TransferRequest, err error) {
	defer e.observe("request_transfer", time.Now(), &err)

	if in.Quantity <= 0 {
		return nil, apperr.New(apperr.ErrInvalidQuantity, "transfer quantity must be positive", "quantity", in.Quantity)
	}
	if strings.TrimSpace(in.RecipientID) == "" {
		return nil, apperr.New(apperr.ErrInvalidInput, "recipient is required")
	}
	if in.RecipientID == in.UserID {
		return nil, apperr.New(apperr.ErrInvalidInput, "cannot transfer shares to yourself", "user_id", in.UserID)
	}
	p, price, currency, err := e.poolPrice(ctx, in.PoolID, decimal.Zero, "")
	if err != nil {
		return nil, err
	}
	amount := price.Mul(decimal.NewFromInt(in.Quantity))
	quote, err := e.fees.Resolve(ctx, model.TxShareTransfer, amount, currency)
	if err != nil {
		return nil, err
	}

	err = e.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockPool(ctx, p.ID); err != nil {
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
			return apperr.New(apperr.ErrInsufficientShares, "not enough free shares to transfer",
				"requested", in.Quantity,
				"holding", h.Quantity,
				"free", free,
			)
		}

		now := e.now()
		o = &model.TransferRequest{
			OrderBase: model.OrderBase{
				ID:            uuid.New().String(),
				UserID:        in.UserID,
				PoolID:        in.PoolID,
				Quantity:      in.Quantity,
				PricePerShare: price,
				TotalAmount:   amount,
				Currency:      currency,
				Status:        model.StatusPending,
				CreatedAt:     now,
				UpdatedAt:     now,
			},
			RecipientID: in.RecipientID,
			Reason:      in.Reason,
			Fee:         quote.TotalFee,
		}
		return tx.InsertOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("transfer requested",
		"order_id", o.ID,
		"user_id", o.UserID,
		"recipient_id", o.RecipientID,
		"quantity", o.Quantity,
	)
	return o, nil
}

// ApproveTransfer moves the shares and charges the sender the transfer fee.
func (e *Engine) ApproveTransfer(ctx context.Context, orderID, reviewerID string) (res *TransferResult, err error) {
	defer e.observe("approve_transfer", time.Now(), &err)

	tr, err := e.getTransfer(ctx, orderID)
	if err != nil {
		return nil, err
	}
	quote, err := e.fees.Resolve(ctx, model.TxShareTransfer, tr.TotalAmount, tr.Currency)
	if err != nil {
		return nil, err
	}

	err = e.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockPool(ctx, tr.PoolID); err != nil {
			return poolNotFound(err, tr.PoolID)
		}

		var w *model.Wallet
		if quote.TotalFee.IsPositive() {
			var err error
			w, err = tx.LockWallet(ctx, tr.UserID, tr.Currency)
			if errors.Is(err, store.ErrNotFound) {
				return apperr.New(apperr.ErrInsufficientFunds, "no wallet to pay the transfer fee",
					"user_id", tr.UserID, "currency", tr.Currency)
			}
			if err != nil {
				return fmt.Errorf("lock wallet: %w", err)
			}
		}

		sender, recipient, err := lockPair(ctx, tx, tr.UserID, tr.RecipientID, tr.PoolID)
		if err != nil {
			return err
		}
		locked, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return orderNotFound(err, orderID)
		}
		o := locked.(*model.TransferRequest)
		if o.Status != model.StatusPending {
			return apperr.New(apperr.ErrConflict, "transfer is not pending", "order_id", orderID, "status", o.Status)
		}

		queued, err := tx.QueuedSellQuantity(ctx, o.UserID, o.PoolID)
		if err != nil {
			return fmt.Errorf("queued sell quantity: %w", err)
		}
		if sender.Quantity-queued < o.Quantity {
			return apperr.New(apperr.ErrInsufficientShares, "sender no longer holds the shares",
				"requested", o.Quantity, "holding", sender.Quantity, "queued", queued)
		}
		if w != nil && w.Balance.LessThan(quote.TotalFee) {
			return apperr.New(apperr.ErrInsufficientFunds, "wallet balance does not cover transfer fee",
				"balance", w.Balance, "required", quote.TotalFee)
		}

		now := e.now()
		if w != nil {
			w.Balance = w.Balance.Sub(quote.TotalFee)
			w.UpdatedAt = now
			if err := tx.SaveWallet(ctx, w); err != nil {
				return fmt.Errorf("save wallet: %w", err)
			}
		}

		sender.Quantity -= o.Quantity
		sender.UpdatedAt = now
		credit(recipient, o.Quantity, o.PricePerShare, o.Currency, now)
		for _, h := range []*model.UserHolding{sender, recipient} {
			if err := tx.SaveHolding(ctx, h); err != nil {
				return fmt.Errorf("save holding %s: %w", h.UserID, err)
			}
		}

		t := &model.Transaction{
			ID:             uuid.New().String(),
			UserID:         o.UserID,
			PoolID:         o.PoolID,
			OrderID:        o.ID,
			Type:           model.TxShareTransfer,
			Source:         model.SourceTransfer,
			Quantity:       o.Quantity,
			PricePerShare:  o.PricePerShare,
			Amount:         o.TotalAmount,
			Fee:            quote.TotalFee,
			Currency:       o.Currency,
			CounterpartyID: o.RecipientID,
			CreatedAt:      now,
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		if err := e.feeRecords.Process(ctx, tx, t.ID, o.UserID, model.TxShareTransfer, quote.TotalFee, o.Currency); err != nil {
			return err
		}

		o.Fee = quote.TotalFee
		o.ReviewedBy = reviewerID
		o.ReviewedAt = &now
		if err := transition(&o.OrderBase, model.StatusCompleted, now); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		res = &TransferResult{Order: o, Transaction: t, Sender: sender, Recipient: recipient}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SharesMoved.WithLabelValues(tr.PoolID, "transfer").Add(float64(tr.Quantity))
	e.logger.Info("transfer approved",
		"order_id", orderID,
		"reviewer_id", reviewerID,
		"quantity", tr.Quantity,
		"fee", quote.TotalFee.String(),
	)
	return res, nil
}

// RejectTransfer closes a pending transfer without moving shares.
func (e *Engine) RejectTransfer(ctx context.Context, orderID, reviewerID, reason string) (o *model.TransferRequest, err error) {
	defer e.observe("reject_transfer", time.Now(), &err)

	if strings.TrimSpace(reason) == "" {
		return nil, apperr.New(apperr.ErrInvalidInput, "rejection reason is required")
	}
	if _, err := e.getTransfer(ctx, orderID); err != nil {
		return nil, err
	}

	err = e.store.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return orderNotFound(err, orderID)
		}
		o = locked.(*model.TransferRequest)
		if o.Status != model.StatusPending {
			return apperr.New(apperr.ErrConflict, "transfer is not pending", "order_id", orderID, "status", o.Status)
		}
		now := e.now()
		o.ReviewedBy = reviewerID
		o.ReviewedAt = &now
		o.RejectionReason = reason
		if err := transition(&o.OrderBase, model.StatusRejected, now); err != nil {
			return err
		}
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("transfer rejected", "order_id", orderID, "reviewer_id", reviewerID, "reason", reason)
	return o, nil
}

func (e *Engine) getTransfer(ctx context.Context, orderID string) (*model.TransferRequest, error) {
	current, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	tr, ok := current.(*model.TransferRequest)
	if !ok {
		return nil, apperr.New(apperr.ErrInvalidInput, "order is not a transfer", "order_id", orderID, "kind", current.Kind())
	}
	return tr, nil
}

// lockPair locks two holdings in ascending user id order.
func lockPair(ctx context.Context, tx store.Tx, senderID, recipientID, poolID string) (sender, recipient *model.UserHolding, err error) {
	first, second := senderID, recipientID
	if second < first {
		first, second = second, first
	}
	a, err := tx.LockHolding(ctx, first, poolID)
	if err != nil {
		return nil, nil, fmt.Errorf("lock holding %s: %w", first, err)
	}
	b, err := tx.LockHolding(ctx, second, poolID)
	if err != nil {
		return nil, nil, fmt.Errorf("lock holding %s: %w", second, err)
	}
	if a.UserID == senderID {
		return a, b, nil
	}
	return b, a, nil
}
