// Package order runs the purchase, sell and transfer flows against user
// holdings, wallets and the pool supply. It is the only writer of orders
// and holdings.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharehub/share-ledger/internal/allocation"
	"github.com/sharehub/share-ledger/internal/apperr"
	"github.com/sharehub/share-ledger/internal/fee"
	"github.com/sharehub/share-ledger/internal/limits"
	"github.com/sharehub/share-ledger/internal/metrics"
	"github.com/sharehub/share-ledger/internal/model"
	"github.com/sharehub/share-ledger/internal/referral"
	"github.com/sharehub/share-ledger/internal/store"
)

// DefaultAccountType applies to users without a profile.
const DefaultAccountType = "individual"

// SettlementPolicy bounds how hard a paid purchase retries its settlement
// steps before it is left in processing for a later SettlePurchase.
type SettlementPolicy struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// Deps are the collaborators the engine sequences.
type Deps struct {
	Fees       *fee.Resolver
	Limits     *limits.Enforcer
	Referrals  *referral.Tracker
	Funds      *allocation.FundAllocator
	FeeRecords *allocation.FeeProcessor
	Settlement SettlementPolicy
}

type Engine struct {
	store      store.Store
	fees       *fee.Resolver
	limits     *limits.Enforcer
	referrals  *referral.Tracker
	funds      *allocation.FundAllocator
	feeRecords *allocation.FeeProcessor
	settlement SettlementPolicy
	logger     *slog.Logger
	now        func() time.Time
}

func NewEngine(st store.Store, deps Deps, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Settlement.MaxAttempts < 1 {
		deps.Settlement.MaxAttempts = 1
	}
	return &Engine{
		store:      st,
		fees:       deps.Fees,
		limits:     deps.Limits,
		referrals:  deps.Referrals,
		funds:      deps.Funds,
		feeRecords: deps.FeeRecords,
		settlement: deps.Settlement,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// GetOrder returns any order by id.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (model.Order, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, orderNotFound(err, orderID)
	}
	return o, nil
}

// TransactionDetail is a ledger transaction with the fund allocations and
// fee record settled against it.
type TransactionDetail struct {
	Transaction *model.Transaction     `json:"transaction"`
	Allocations []model.FundAllocation `json:"allocations"`
	Fee         *model.FeeRecord       `json:"fee,omitempty"`
}

// GetTransaction returns a transaction and what its settlement recorded.
func (e *Engine) GetTransaction(ctx context.Context, transactionID string) (*TransactionDetail, error) {
	t, err := e.store.GetTransaction(ctx, transactionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.ErrNotFound, "transaction not found", "transaction_id", transactionID)
	}
	if err != nil {
		return nil, err
	}
	allocs, err := e.store.ListFundAllocations(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	if allocs == nil {
		allocs = []model.FundAllocation{}
	}
	d := &TransactionDetail{Transaction: t, Allocations: allocs}
	rec, err := e.store.GetFeeRecord(ctx, transactionID)
	switch {
	case err == nil:
		d.Fee = rec
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("fee record: %w", err)
	}
	return d, nil
}

// ListOrders returns a user's orders oldest first.
func (e *Engine) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return e.store.ListOrdersByUser(ctx, userID)
}

// SellQueue returns the open sell orders of a pool in FIFO order.
func (e *Engine) SellQueue(ctx context.Context, poolID string) ([]*model.SellOrder, error) {
	return e.store.OpenSellOrders(ctx, poolID)
}

// CancelOrder cancels a pending purchase before payment, a queued sell
// order that has not been partly filled, or a pending transfer request.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID string) (res model.Order, err error) {
	defer e.observe("cancel_order", time.Now(), &err)

	current, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	err = e.store.InTx(ctx, func(tx store.Tx) error {
		// The queue is guarded by the pool lock.
		if _, err := tx.LockPool(ctx, current.Base().PoolID); err != nil {
			return err
		}
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return orderNotFound(err, orderID)
		}
		b := o.Base()
		if b.UserID != userID {
			return apperr.New(apperr.ErrNotAuthorized, "only the order owner may cancel it", "order_id", orderID)
		}

		var processed int64
		cancellable := b.Status == model.StatusPending
		switch v := o.(type) {
		case *model.PurchaseOrder:
			cancellable = cancellable && !v.Paid()
		case *model.SellOrder:
			processed = v.ProcessedQuantity
			cancellable = v.Open() && v.ProcessedQuantity == 0
		case *model.TransferRequest:
		default:
			return fmt.Errorf("unexpected order type %T", o)
		}
		if !cancellable {
			return apperr.New(apperr.ErrOrderNotCancellable, "order can no longer be cancelled",
				"order_id", orderID,
				"status", b.Status,
				"processed_quantity", processed,
			)
		}

		if err := transition(b, model.StatusCancelled, e.now()); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("update order %s: %w", orderID, err)
		}
		res = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Kind() == model.KindSell {
		e.recordQueueDepth(ctx, res.Base().PoolID)
	}
	e.logger.Info("order cancelled", "order_id", orderID, "kind", res.Kind(), "user_id", userID)
	return res, nil
}

// transition moves an order forward and stamps its timestamps.
func transition(b *model.OrderBase, to model.OrderStatus, now time.Time) error {
	if err := model.CheckTransition(b.Status, to); err != nil {
		return apperr.New(apperr.ErrConflict, err.Error(), "order_id", b.ID, "status", b.Status, "target", to)
	}
	b.Status = to
	b.UpdatedAt = now
	if to.Terminal() {
		b.CompletedAt = &now
	}
	return nil
}

// sellable is what a user may still commit to new sell orders or transfers.
func sellable(ctx context.Context, tx store.Tx, h *model.UserHolding) (int64, error) {
	queued, err := tx.QueuedSellQuantity(ctx, h.UserID, h.PoolID)
	if err != nil {
		return 0, fmt.Errorf("queued sell quantity: %w", err)
	}
	transferring, err := tx.PendingTransferQuantity(ctx, h.UserID, h.PoolID)
	if err != nil {
		return 0, fmt.Errorf("pending transfer quantity: %w", err)
	}
	return h.Quantity - queued - transferring, nil
}

// lockOrOpenWallet locks the user's wallet, or starts an empty one.
func (e *Engine) lockOrOpenWallet(ctx context.Context, tx store.Tx, userID, currency string) (*model.Wallet, error) {
	w, err := tx.LockWallet(ctx, userID, currency)
	if errors.Is(err, store.ErrNotFound) {
		return &model.Wallet{ID: uuid.New().String(), UserID: userID, Currency: currency, Balance: decimal.Zero}, nil
	}
	return w, err
}

func (e *Engine) accountType(ctx context.Context, userID string) (string, error) {
	p, err := e.store.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return DefaultAccountType, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup profile %s: %w", userID, err)
	}
	if p.AccountType == "" {
		return DefaultAccountType, nil
	}
	return p.AccountType, nil
}

func (e *Engine) poolPrice(ctx context.Context, poolID string, price decimal.Decimal, currency string) (*model.SharePool, decimal.Decimal, string, error) {
	p, err := e.store.GetPool(ctx, poolID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, price, currency, apperr.New(apperr.ErrNotFound, "pool not found", "pool_id", poolID)
	}
	if err != nil {
		return nil, price, currency, err
	}
	if price.IsNegative() {
		return nil, price, currency, apperr.New(apperr.ErrInvalidInput, "price per share must not be negative", "price_per_share", price)
	}
	if price.IsZero() {
		price = p.PricePerShare
	}
	if currency == "" {
		currency = p.Currency
	}
	if currency != p.Currency {
		return nil, price, currency, apperr.New(apperr.ErrInvalidInput, "currency does not match pool",
			"currency", currency, "pool_currency", p.Currency)
	}
	return p, price, currency, nil
}

func (e *Engine) recordQueueDepth(ctx context.Context, poolID string) {
	open, err := e.store.OpenSellOrders(ctx, poolID)
	if err != nil {
		return
	}
	metrics.OpenSellOrders.WithLabelValues(poolID).Set(float64(len(open)))
}

func (e *Engine) observe(op string, start time.Time, err *error) {
	result := "ok"
	if *err != nil {
		result = apperr.KindName(*err)
	}
	metrics.Observe(op, result, start)
}

func orderNotFound(err error, orderID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.ErrNotFound, "order not found", "order_id", orderID)
	}
	return err
}

func poolNotFound(err error, poolID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.ErrNotFound, "pool not found", "pool_id", poolID)
	}
	return err
}
