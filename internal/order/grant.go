package order

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharehub/share-ledger/internal/allocation"
	"github.com/sharehub/share-ledger/internal/model"
	"github.com/sharehub/share-ledger/internal/pool"
	"github.com/sharehub/share-ledger/internal/store"
)

var _ pool.Grants = (*Engine)(nil)

// RecordGrant writes the completed purchase a reserve issuance produces. It
// runs inside the issuance transaction with the pool row already locked.
// Proceeds, fee and commission are recorded as for a market purchase at the
// grant price; no money leaves the recipient's wallet.
func (e *Engine) RecordGrant(ctx context.Context, tx store.Tx, g pool.Grant) (*pool.GrantRecord, error) {
	price := g.PricePerShare
	if price.IsZero() {
		price = g.Pool.PricePerShare
	}
	amount := price.Mul(decimal.NewFromInt(g.Quantity))
	quote, err := e.fees.Resolve(ctx, model.TxSharePurchase, amount, g.Pool.Currency)
	if err != nil {
		return nil, err
	}

	h, err := tx.LockHolding(ctx, g.RecipientID, g.Pool.ID)
	if err != nil {
		return nil, fmt.Errorf("lock holding: %w", err)
	}
	now := e.now()
	credit(h, g.Quantity, price, g.Pool.Currency, now)
	if err := tx.SaveHolding(ctx, h); err != nil {
		return nil, fmt.Errorf("save holding: %w", err)
	}

	o := &model.PurchaseOrder{
		OrderBase: model.OrderBase{
			ID:            uuid.New().String(),
			UserID:        g.RecipientID,
			PoolID:        g.Pool.ID,
			Quantity:      g.Quantity,
			PricePerShare: price,
			TotalAmount:   amount,
			Currency:      g.Pool.Currency,
			Status:        model.StatusCompleted,
			CreatedAt:     now,
			UpdatedAt:     now,
			CompletedAt:   &now,
		},
		Source: model.SourceReserve,
		Fee:    quote.TotalFee,
		PaidAt: &now,
	}
	t := &model.Transaction{
		ID:            uuid.New().String(),
		UserID:        g.RecipientID,
		PoolID:        g.Pool.ID,
		OrderID:       o.ID,
		Type:          model.TxSharePurchase,
		Source:        model.SourceReserve,
		Quantity:      g.Quantity,
		PricePerShare: price,
		Amount:        amount,
		Fee:           quote.TotalFee,
		Currency:      g.Pool.Currency,
		CreatedAt:     now,
	}
	o.TransactionID = t.ID
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if _, err := e.funds.Allocate(ctx, tx, allocation.Proceeds{
		TransactionID: t.ID,
		UserID:        g.RecipientID,
		Amount:        amount,
		Currency:      t.Currency,
	}); err != nil {
		return nil, err
	}
	o.Settlement.ProceedsAllocated = true

	if err := e.feeRecords.Process(ctx, tx, t.ID, g.RecipientID, model.TxSharePurchase, quote.TotalFee, t.Currency); err != nil {
		return nil, err
	}
	o.Settlement.FeeProcessed = true

	commission, err := e.recordCommission(ctx, tx, g.RecipientID, amount, t.Currency, model.TxSharePurchase, t.ID)
	if err != nil {
		return nil, err
	}
	o.Settlement.CommissionTracked = true

	if err := tx.InsertOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	return &pool.GrantRecord{Order: o, Transaction: t, Commission: commission}, nil
}

// GrantCommitted publishes the grant's commission once the issuance commits.
func (e *Engine) GrantCommitted(ctx context.Context, rec *pool.GrantRecord) {
	if rec == nil {
		return
	}
	e.referrals.Publish(ctx, rec.Commission)
}
