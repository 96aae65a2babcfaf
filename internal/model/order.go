package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderKind tags the variant of an Order.
type OrderKind string

const (
	KindPurchase OrderKind = "purchase"
	KindSell     OrderKind = "sell"
	KindTransfer OrderKind = "transfer"
)

// OrderStatus moves forward only. Completed, cancelled and rejected are terminal.
type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusApproved   OrderStatus = "approved"
	StatusProcessing OrderStatus = "processing"
	StatusCompleted  OrderStatus = "completed"
	StatusCancelled  OrderStatus = "cancelled"
	StatusRejected   OrderStatus = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// OrderBase holds the fields every order variant carries.
type OrderBase struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	PoolID        string          `json:"pool_id" db:"pool_id"`
	Quantity      int64           `json:"quantity" db:"quantity"`
	PricePerShare decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	TotalAmount   decimal.Decimal `json:"total_amount" db:"total_amount"`
	Currency      string          `json:"currency" db:"currency"`
	Status        OrderStatus     `json:"status" db:"status"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// Order is the sum type PurchaseOrder | SellOrder | TransferRequest.
// Code that needs variant behaviour switches on the concrete type and
// treats any other type as a programming error.
type Order interface {
	Kind() OrderKind
	Base() *OrderBase
	Clone() Order
	isOrder()
}

// Settlement tracks the side effects of a paid purchase. The order is only
// completed once all of them are recorded.
type Settlement struct {
	ProceedsAllocated bool `json:"proceeds_allocated"`
	FeeProcessed      bool `json:"fee_processed"`
	CommissionTracked bool `json:"commission_tracked"`
}

// Done reports whether every settlement step is recorded.
func (s Settlement) Done() bool {
	return s.ProceedsAllocated && s.FeeProcessed && s.CommissionTracked
}

// PurchaseOrder buys shares from the market or receives them from the reserve.
type PurchaseOrder struct {
	OrderBase
	WalletID      string            `json:"wallet_id,omitempty"`
	Source        TransactionSource `json:"source"`
	Fee           decimal.Decimal   `json:"fee"`
	TransactionID string            `json:"transaction_id,omitempty"`
	PaidAt        *time.Time        `json:"paid_at,omitempty"`
	Settlement    Settlement        `json:"settlement"`
	LastError     string            `json:"last_error,omitempty"`
}

func (o *PurchaseOrder) Kind() OrderKind  { return KindPurchase }
func (o *PurchaseOrder) Base() *OrderBase { return &o.OrderBase }
func (o *PurchaseOrder) isOrder()         {}

func (o *PurchaseOrder) Clone() Order {
	c := *o
	c.CompletedAt = cloneTime(o.CompletedAt)
	c.PaidAt = cloneTime(o.PaidAt)
	return &c
}

// Paid reports whether the buyer has been charged.
func (o *PurchaseOrder) Paid() bool { return o.PaidAt != nil }

// SellOrder waits in a per-pool FIFO queue and may be filled in parts.
type SellOrder struct {
	OrderBase
	FIFOPosition      int64           `json:"fifo_position"`
	ProcessedQuantity int64           `json:"processed_quantity"`
	FeesCharged       decimal.Decimal `json:"fees_charged"`
	ProceedsPaid      decimal.Decimal `json:"proceeds_paid"`
}

func (o *SellOrder) Kind() OrderKind  { return KindSell }
func (o *SellOrder) Base() *OrderBase { return &o.OrderBase }
func (o *SellOrder) isOrder()         {}

func (o *SellOrder) Clone() Order {
	c := *o
	c.CompletedAt = cloneTime(o.CompletedAt)
	return &c
}

// RemainingQuantity is the part of the order not yet filled.
func (o *SellOrder) RemainingQuantity() int64 {
	return o.Quantity - o.ProcessedQuantity
}

// Open reports whether the order still sits in the queue.
func (o *SellOrder) Open() bool {
	return o.Status == StatusPending || o.Status == StatusProcessing
}

// TransferRequest moves shares between users once approved.
type TransferRequest struct {
	OrderBase
	RecipientID     string          `json:"recipient_id"`
	Reason          string          `json:"reason,omitempty"`
	Fee             decimal.Decimal `json:"fee"`
	ReviewedBy      string          `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time      `json:"reviewed_at,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
}

func (o *TransferRequest) Kind() OrderKind  { return KindTransfer }
func (o *TransferRequest) Base() *OrderBase { return &o.OrderBase }
func (o *TransferRequest) isOrder()         {}

func (o *TransferRequest) Clone() Order {
	c := *o
	c.CompletedAt = cloneTime(o.CompletedAt)
	c.ReviewedAt = cloneTime(o.ReviewedAt)
	return &c
}

// CheckTransition rejects moves out of a terminal state and backwards moves.
func CheckTransition(from, to OrderStatus) error {
	if from.Terminal() {
		return fmt.Errorf("order is %s", from)
	}
	if rank(to) < rank(from) {
		return fmt.Errorf("cannot move order from %s to %s", from, to)
	}
	return nil
}

func rank(s OrderStatus) int {
	switch s {
	case StatusPending:
		return 0
	case StatusApproved:
		return 1
	case StatusProcessing:
		return 2
	default:
		return 3
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
