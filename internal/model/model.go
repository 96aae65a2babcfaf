// Package model defines the domain types shared across the share ledger.
// All monetary values use shopspring/decimal, never float64.
// Share counts are whole units held as int64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType identifies a money-moving event. The same values key the
// fee schedule and the referral commission status policy.
type TransactionType string

const (
	TxSharePurchase TransactionType = "share_purchase"
	TxShareSale     TransactionType = "share_sale"
	TxShareTransfer TransactionType = "share_transfer"
)

// TransactionSource records where the shares of a transaction came from.
type TransactionSource string

const (
	SourceMarket   TransactionSource = "market"
	SourceReserve  TransactionSource = "reserve"
	SourceTransfer TransactionSource = "transfer"
)

// SharePool is the aggregate supply record for one tradable share class.
//
// Invariants after every ledger mutation:
//
//	AvailableShares == TotalShares - ReservedShares
//	ReservedIssued  <= ReservedShares
//	TotalShares     >= Committed(usage)
type SharePool struct {
	ID              string          `json:"id" db:"id"`
	Name            string          `json:"name" db:"name"`
	TotalShares     int64           `json:"total_shares" db:"total_shares"`
	ReservedShares  int64           `json:"reserved_shares" db:"reserved_shares"`
	ReservedIssued  int64           `json:"reserved_issued" db:"reserved_issued"`
	AvailableShares int64           `json:"available_shares" db:"available_shares"`
	PricePerShare   decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	Currency        string          `json:"currency" db:"currency"`
	// NextFIFOPosition is the sequence handed to the next sell order. It is
	// advanced only under the pool row lock.
	NextFIFOPosition int64     `json:"next_fifo_position" db:"next_fifo_position"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// ReserveRemaining is the part of the reserve not yet issued.
func (p SharePool) ReserveRemaining() int64 {
	return p.ReservedShares - p.ReservedIssued
}

// Committed is the smallest total the pool may have: the unissued reserve
// plus every share currently held by users. Reserve-issued shares are held
// shares, so they count once, as sold.
func (p SharePool) Committed(u PoolUsage) int64 {
	return p.ReserveRemaining() + u.Sold()
}

// Headroom is how many shares the market may still sell.
func (p SharePool) Headroom(u PoolUsage) int64 {
	return p.TotalShares - p.Committed(u)
}

// PoolUsage is the store-derived view of completed transactions against a
// pool. It is always computed fresh, never cached on the pool row.
type PoolUsage struct {
	// Purchased sums every completed purchase-type transaction, reserve
	// issuance included.
	Purchased       int64 `json:"purchased"`
	MarketPurchased int64 `json:"market_purchased"`
	ReserveIssued   int64 `json:"reserve_issued"`
	// BoughtBack sums completed sell fills; those shares return to market supply.
	BoughtBack int64 `json:"bought_back"`
}

// Sold is the sold_shares figure: shares purchased and not bought back.
func (u PoolUsage) Sold() int64 { return u.Purchased - u.BoughtBack }

// HoldingStatus describes whether a holding can be traded.
type HoldingStatus string

const (
	HoldingAvailable   HoldingStatus = "available_for_trade"
	HoldingGracePeriod HoldingStatus = "grace_period"
)

// UserHolding is a user's position in one pool.
type UserHolding struct {
	UserID                string          `json:"user_id" db:"user_id"`
	PoolID                string          `json:"pool_id" db:"pool_id"`
	Quantity              int64           `json:"quantity" db:"quantity"`
	PurchasePricePerShare decimal.Decimal `json:"purchase_price_per_share" db:"purchase_price_per_share"`
	Currency              string          `json:"currency" db:"currency"`
	Status                HoldingStatus   `json:"status" db:"status"`
	CreatedAt             time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at" db:"updated_at"`
}

// Wallet holds a user's cash balance in one currency.
type Wallet struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Currency  string          `json:"currency" db:"currency"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable record of a completed share movement.
type Transaction struct {
	ID             string            `json:"id" db:"id"`
	UserID         string            `json:"user_id" db:"user_id"`
	PoolID         string            `json:"pool_id" db:"pool_id"`
	OrderID        string            `json:"order_id" db:"order_id"`
	Type           TransactionType   `json:"type" db:"type"`
	Source         TransactionSource `json:"source" db:"source"`
	Quantity       int64             `json:"quantity" db:"quantity"`
	PricePerShare  decimal.Decimal   `json:"price_per_share" db:"price_per_share"`
	Amount         decimal.Decimal   `json:"amount" db:"amount"`
	Fee            decimal.Decimal   `json:"fee" db:"fee"`
	Currency       string            `json:"currency" db:"currency"`
	CounterpartyID string            `json:"counterparty_id,omitempty" db:"counterparty_id"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}

// TransactionFilter narrows transaction listings. Zero fields match all.
type TransactionFilter struct {
	UserID string
	PoolID string
	Type   TransactionType
	Since  time.Time
}

// ReserveAllocation records one issuance from a pool's reserve.
type ReserveAllocation struct {
	ID            string          `json:"id" db:"id"`
	PoolID        string          `json:"pool_id" db:"pool_id"`
	RecipientID   string          `json:"recipient_id" db:"recipient_id"`
	Quantity      int64           `json:"quantity" db:"quantity"`
	PricePerShare decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	Reason        string          `json:"reason" db:"reason"`
	OrderID       string          `json:"order_id" db:"order_id"`
	TransactionID string          `json:"transaction_id" db:"transaction_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// FeeStructure is static reference data keyed by (TransactionType, Currency).
type FeeStructure struct {
	TransactionType TransactionType     `json:"transaction_type" db:"transaction_type"`
	Currency        string              `json:"currency" db:"currency"`
	FlatFee         decimal.Decimal     `json:"flat_fee" db:"flat_fee"`
	PercentageFee   decimal.Decimal     `json:"percentage_fee" db:"percentage_fee"`
	MinimumFee      decimal.NullDecimal `json:"minimum_fee" db:"minimum_fee"`
	MaximumFee      decimal.NullDecimal `json:"maximum_fee" db:"maximum_fee"`
	Active          bool                `json:"active" db:"active"`
}

// LimitType selects how a selling limit is measured.
type LimitType string

const (
	LimitQuantity   LimitType = "quantity"
	LimitPercentage LimitType = "percentage"
)

// SellingLimit caps sell volume for an account type. Unset periods do not
// constrain.
type SellingLimit struct {
	ID           string              `json:"id" db:"id"`
	AccountType  string              `json:"account_type" db:"account_type"`
	LimitType    LimitType           `json:"limit_type" db:"limit_type"`
	DailyLimit   decimal.NullDecimal `json:"daily_limit" db:"daily_limit"`
	WeeklyLimit  decimal.NullDecimal `json:"weekly_limit" db:"weekly_limit"`
	MonthlyLimit decimal.NullDecimal `json:"monthly_limit" db:"monthly_limit"`
	Active       bool                `json:"active" db:"active"`
}

// Profile carries the user attributes the ledger consumes.
type Profile struct {
	UserID      string `json:"user_id" db:"user_id"`
	AccountType string `json:"account_type" db:"account_type"`
	ReferredBy  string `json:"referred_by,omitempty" db:"referred_by"`
}

// ReferralSettings is the externally configured commission policy.
type ReferralSettings struct {
	CommissionEnabled  bool            `json:"commission_enabled"`
	BaseCommissionRate decimal.Decimal `json:"base_commission_rate"`
}

// CommissionStatus tracks payout of a referral commission.
type CommissionStatus string

const (
	CommissionPaid    CommissionStatus = "paid"
	CommissionPending CommissionStatus = "pending"
)

// ReferralCommission is created once per qualifying transaction. Only the
// payout process moves it from pending to paid.
type ReferralCommission struct {
	ID                  string           `json:"id" db:"id"`
	ReferrerID          string           `json:"referrer_id" db:"referrer_id"`
	ReferredID          string           `json:"referred_id" db:"referred_id"`
	SourceTransactionID string           `json:"source_transaction_id" db:"source_transaction_id"`
	TransactionType     TransactionType  `json:"transaction_type" db:"transaction_type"`
	CommissionAmount    decimal.Decimal  `json:"commission_amount" db:"commission_amount"`
	CommissionRate      decimal.Decimal  `json:"commission_rate" db:"commission_rate"`
	SourceAmount        decimal.Decimal  `json:"source_amount" db:"source_amount"`
	Currency            string           `json:"currency" db:"currency"`
	Status              CommissionStatus `json:"status" db:"status"`
	CreatedAt           time.Time        `json:"created_at" db:"created_at"`
	PaidAt              *time.Time       `json:"paid_at,omitempty" db:"paid_at"`
}

// ReferralActivity is an append-only log line for the referral dashboard.
type ReferralActivity struct {
	ID           string          `json:"id" db:"id"`
	ReferrerID   string          `json:"referrer_id" db:"referrer_id"`
	ReferredID   string          `json:"referred_id" db:"referred_id"`
	ActivityType string          `json:"activity_type" db:"activity_type"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	Currency     string          `json:"currency" db:"currency"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// ReferrerStats is a denormalised cache of a referrer's earnings. The
// commission rows are the source of truth.
type ReferrerStats struct {
	UserID          string          `json:"user_id" db:"user_id"`
	PendingEarnings decimal.Decimal `json:"pending_earnings" db:"pending_earnings"`
	TotalEarnings   decimal.Decimal `json:"total_earnings" db:"total_earnings"`
	Commissions     int64           `json:"commissions" db:"commissions"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// FundAllocation is one slice of purchase proceeds routed to a fund.
type FundAllocation struct {
	ID            string          `json:"id" db:"id"`
	TransactionID string          `json:"transaction_id" db:"transaction_id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Fund          string          `json:"fund" db:"fund"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Currency      string          `json:"currency" db:"currency"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// FeeRecord is the routed fee of one transaction.
type FeeRecord struct {
	ID              string          `json:"id" db:"id"`
	TransactionID   string          `json:"transaction_id" db:"transaction_id"`
	UserID          string          `json:"user_id" db:"user_id"`
	TransactionType TransactionType `json:"transaction_type" db:"transaction_type"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	Currency        string          `json:"currency" db:"currency"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// SellOrderModification logs a quantity change on a queued sell order.
type SellOrderModification struct {
	ID              string    `json:"id" db:"id"`
	OrderID         string    `json:"order_id" db:"order_id"`
	UserID          string    `json:"user_id" db:"user_id"`
	OldQuantity     int64     `json:"old_quantity" db:"old_quantity"`
	NewQuantity     int64     `json:"new_quantity" db:"new_quantity"`
	OldFIFOPosition int64     `json:"old_fifo_position" db:"old_fifo_position"`
	NewFIFOPosition int64     `json:"new_fifo_position" db:"new_fifo_position"`
	Reason          string    `json:"reason" db:"reason"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
