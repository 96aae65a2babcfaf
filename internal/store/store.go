// Package store defines the persistence capability for the share ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache over another Store), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sharehub/share-ledger/internal/model"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when an idempotency key was already recorded.
var ErrDuplicate = errors.New("store: duplicate")

// Reader holds the queries available both inside and outside a transaction.
type Reader interface {
	// --- Pools ---
	GetPool(ctx context.Context, id string) (*model.SharePool, error)
	ListPools(ctx context.Context) ([]model.SharePool, error)

	// PoolUsage aggregates completed transactions against a pool. It is
	// computed at call time from the transaction ledger.
	PoolUsage(ctx context.Context, poolID string) (model.PoolUsage, error)

	// --- Holdings, wallets ---
	GetHolding(ctx context.Context, userID, poolID string) (*model.UserHolding, error)
	ListHoldings(ctx context.Context, userID string) ([]model.UserHolding, error)
	CountHolders(ctx context.Context, poolID string) (int64, error)
	GetWallet(ctx context.Context, userID, currency string) (*model.Wallet, error)

	// --- Orders ---
	GetOrder(ctx context.Context, id string) (model.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)
	// OpenSellOrders returns pending/processing sell orders for a pool in
	// ascending FIFO position.
	OpenSellOrders(ctx context.Context, poolID string) ([]*model.SellOrder, error)
	// QueuedSellQuantity sums the unfilled quantity of a user's open sell
	// orders in a pool.
	QueuedSellQuantity(ctx context.Context, userID, poolID string) (int64, error)
	// OpenSellVolume sums the unfilled quantity of a user's open sell orders
	// across every pool.
	OpenSellVolume(ctx context.Context, userID string) (int64, error)
	// PendingTransferQuantity sums quantity in a user's pending outgoing transfers.
	PendingTransferQuantity(ctx context.Context, userID, poolID string) (int64, error)

	// --- Transactions ---
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, f model.TransactionFilter) ([]model.Transaction, error)
	// SoldVolumeSince sums a user's completed sell fills at or after since.
	SoldVolumeSince(ctx context.Context, userID string, since time.Time) (int64, error)
	ListReserveAllocations(ctx context.Context, poolID string) ([]model.ReserveAllocation, error)

	// --- Reference data ---
	GetFeeStructure(ctx context.Context, txType model.TransactionType, currency string) (*model.FeeStructure, error)
	ListSellingLimits(ctx context.Context, accountType string) ([]model.SellingLimit, error)
	// GetSellingLimit returns a limit by id whether or not it is active.
	GetSellingLimit(ctx context.Context, id string) (*model.SellingLimit, error)
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
	GetReferralSettings(ctx context.Context) (model.ReferralSettings, error)

	// --- Settlement records ---
	ListFundAllocations(ctx context.Context, transactionID string) ([]model.FundAllocation, error)
	GetFeeRecord(ctx context.Context, transactionID string) (*model.FeeRecord, error)

	// --- Referral ---
	GetCommissionBySource(ctx context.Context, sourceTransactionID string) (*model.ReferralCommission, error)
	ListCommissions(ctx context.Context, referrerID string) ([]model.ReferralCommission, error)
	GetReferrerStats(ctx context.Context, userID string) (*model.ReferrerStats, error)
}

// Tx is a unit of work. Lock methods take row locks held until the
// transaction ends; callers lock in the order pool → wallet → holdings
// (ascending user id) → order to avoid deadlocks.
type Tx interface {
	Reader

	LockPool(ctx context.Context, id string) (*model.SharePool, error)
	// LockWallet returns ErrNotFound when the user has no wallet in currency.
	LockWallet(ctx context.Context, userID, currency string) (*model.Wallet, error)
	// LockHolding returns a zero-quantity holding when none exists yet.
	LockHolding(ctx context.Context, userID, poolID string) (*model.UserHolding, error)
	LockOrder(ctx context.Context, id string) (model.Order, error)

	CreatePool(ctx context.Context, p *model.SharePool) error
	SavePool(ctx context.Context, p *model.SharePool) error
	SaveWallet(ctx context.Context, w *model.Wallet) error
	SaveHolding(ctx context.Context, h *model.UserHolding) error
	InsertOrder(ctx context.Context, o model.Order) error
	UpdateOrder(ctx context.Context, o model.Order) error
	InsertTransaction(ctx context.Context, t *model.Transaction) error
	InsertReserveAllocation(ctx context.Context, a *model.ReserveAllocation) error
	InsertSellModification(ctx context.Context, m *model.SellOrderModification) error

	// InsertFundAllocations returns ErrDuplicate if the transaction id was
	// already allocated.
	InsertFundAllocations(ctx context.Context, allocs []model.FundAllocation) error
	// InsertFeeRecord returns ErrDuplicate if the transaction id already has one.
	InsertFeeRecord(ctx context.Context, r *model.FeeRecord) error
	// InsertCommission returns ErrDuplicate if the source transaction already
	// produced a commission.
	InsertCommission(ctx context.Context, c *model.ReferralCommission) error
	InsertReferralActivity(ctx context.Context, a *model.ReferralActivity) error
}

// Store is the persistence capability injected into every ledger component.
type Store interface {
	Reader

	// InTx runs fn in one atomic transaction. If fn returns an error nothing
	// it wrote is kept. Implementations may re-run fn after a serialization
	// conflict, so fn must not have effects outside tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// AddReferrerEarnings updates the denormalised referrer aggregate outside
	// any ledger transaction.
	AddReferrerEarnings(ctx context.Context, userID string, pending, total decimal.Decimal) error

	// --- Reference data administration ---
	PutFeeStructure(ctx context.Context, f *model.FeeStructure) error
	PutSellingLimit(ctx context.Context, l *model.SellingLimit) error
	PutProfile(ctx context.Context, p *model.Profile) error
	PutReferralSettings(ctx context.Context, s model.ReferralSettings) error
	// PutWallet creates or replaces a wallet, used by funding flows outside
	// the ledger and by fixtures.
	PutWallet(ctx context.Context, w *model.Wallet) error
}
