// Package pool owns the share pool counters: total, reserved, reserved
// issued and available shares. Every mutation runs in one store transaction
// under the pool row lock and is re-checked before commit.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharehub/share-ledger/internal/apperr"
	"github.com/sharehub/share-ledger/internal/metrics"
	"github.com/sharehub/share-ledger/internal/model"
	"github.com/sharehub/share-ledger/internal/referral"
	"github.com/sharehub/share-ledger/internal/store"
)

// Direction selects whether a resize grows or shrinks the pool.
type Direction string

const (
	Add      Direction = "add"
	Subtract Direction = "subtract"
)

// Result is the authoritative pool state after a mutation.
type Result struct {
	Pool     *model.SharePool `json:"pool"`
	Usage    model.PoolUsage  `json:"usage"`
	Warnings []string         `json:"warnings,omitempty"`
}

// Grant is a reserve issuance handed to the order side of the ledger.
type Grant struct {
	Pool          *model.SharePool
	RecipientID   string
	Quantity      int64
	PricePerShare decimal.Decimal
	Reason        string
}

// GrantRecord is what the order side wrote for a grant.
type GrantRecord struct {
	Order       *model.PurchaseOrder
	Transaction *model.Transaction
	Commission  referral.Result
}

// Grants records the completed purchase that a reserve issuance produces.
// RecordGrant runs inside the issuance transaction; GrantCommitted runs
// after it commits.
type Grants interface {
	RecordGrant(ctx context.Context, tx store.Tx, g Grant) (*GrantRecord, error)
	GrantCommitted(ctx context.Context, rec *GrantRecord)
}

type Ledger struct {
	store  store.Store
	grants Grants
	logger *slog.Logger
	now    func() time.Time
}

func NewLedger(st store.Store, grants Grants, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  st,
		grants: grants,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// CreateInput describes a new pool.
type CreateInput struct {
	Name           string          `json:"name"`
	TotalShares    int64           `json:"total_shares"`
	PricePerShare  decimal.Decimal `json:"price_per_share"`
	Currency       string          `json:"currency"`
	ReservePercent decimal.Decimal `json:"reserve_percent"`
}

// Create sets up a pool with an optional initial reserve.
func (l *Ledger) Create(ctx context.Context, in CreateInput) (res Result, err error) {
	defer l.observe("create_pool", time.Now(), &err)

	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Currency) == "" {
		return res, apperr.New(apperr.ErrInvalidInput, "pool name and currency are required")
	}
	if in.TotalShares <= 0 {
		return res, apperr.New(apperr.ErrInvalidQuantity, "total shares must be positive", "total_shares", in.TotalShares)
	}
	if in.PricePerShare.IsNegative() {
		return res, apperr.New(apperr.ErrInvalidInput, "price per share must not be negative", "price_per_share", in.PricePerShare)
	}
	reserved, err := reserveFor(in.TotalShares, in.ReservePercent)
	if err != nil {
		return res, err
	}

	now := l.now()
	p := &model.SharePool{
		ID:               uuid.New().String(),
		Name:             in.Name,
		TotalShares:      in.TotalShares,
		ReservedShares:   reserved,
		AvailableShares:  in.TotalShares - reserved,
		PricePerShare:    in.PricePerShare,
		Currency:         in.Currency,
		NextFIFOPosition: 1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	warnings, err := verify(p, model.PoolUsage{})
	if err != nil {
		return res, err
	}

	err = l.store.InTx(ctx, func(tx store.Tx) error {
		return tx.CreatePool(ctx, p)
	})
	if err != nil {
		return res, fmt.Errorf("create pool: %w", err)
	}

	l.logger.Info("pool created",
		"pool_id", p.ID,
		"total_shares", p.TotalShares,
		"reserved_shares", p.ReservedShares,
	)
	return Result{Pool: p, Warnings: warnings}, nil
}

// ResizePool grows or shrinks total shares by delta. Shrinking below the
// unissued reserve plus sold shares fails with ErrPoolTooSmall.
func (l *Ledger) ResizePool(ctx context.Context, poolID string, delta int64, dir Direction) (res Result, err error) {
	defer l.observe("resize_pool", time.Now(), &err)

	if delta <= 0 {
		return res, apperr.New(apperr.ErrInvalidQuantity, "resize delta must be positive", "delta", delta)
	}
	if dir != Add && dir != Subtract {
		return res, apperr.New(apperr.ErrInvalidInput, "direction must be add or subtract", "direction", dir)
	}

	err = l.store.InTx(ctx, func(tx store.Tx) error {
		p, usage, err := lockWithUsage(ctx, tx, poolID)
		if err != nil {
			return err
		}

		newTotal := p.TotalShares + delta
		if dir == Subtract {
			newTotal = p.TotalShares - delta
			if minimum := minimumTotal(p, usage); newTotal < minimum {
				return apperr.New(apperr.ErrPoolTooSmall, "pool cannot shrink below reserved plus sold shares",
					"pool_id", p.ID,
					"current_total", p.TotalShares,
					"new_total", newTotal,
					"reserved_shares", p.ReservedShares,
					"sold_shares", usage.Sold(),
					"minimum", minimum,
				)
			}
		}

		p.TotalShares = newTotal
		p.AvailableShares = newTotal - p.ReservedShares
		p.UpdatedAt = l.now()

		res, err = l.save(ctx, tx, p, usage)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	l.logger.Info("pool resized",
		"pool_id", poolID,
		"direction", dir,
		"delta", delta,
		"total_shares", res.Pool.TotalShares,
		"available_shares", res.Pool.AvailableShares,
	)
	return res, nil
}

// SetReservePercentage sets reserved shares to floor(total * percent / 100).
func (l *Ledger) SetReservePercentage(ctx context.Context, poolID string, percent decimal.Decimal) (res Result, err error) {
	defer l.observe("set_reserve_percentage", time.Now(), &err)

	err = l.store.InTx(ctx, func(tx store.Tx) error {
		p, usage, err := lockWithUsage(ctx, tx, poolID)
		if err != nil {
			return err
		}

		newReserved, err := reserveFor(p.TotalShares, percent)
		if err != nil {
			return err
		}
		if newReserved < p.ReservedIssued {
			return apperr.New(apperr.ErrReservedBelowIssued, "reserve cannot drop below shares already issued from it",
				"pool_id", p.ID,
				"new_reserved", newReserved,
				"reserved_issued", p.ReservedIssued,
			)
		}

		p.ReservedShares = newReserved
		p.AvailableShares = p.TotalShares - newReserved
		p.UpdatedAt = l.now()

		res, err = l.save(ctx, tx, p, usage)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	l.logger.Info("reserve percentage set",
		"pool_id", poolID,
		"percent", percent.String(),
		"reserved_shares", res.Pool.ReservedShares,
		"available_shares", res.Pool.AvailableShares,
	)
	return res, nil
}

// IssueInput describes a reserve issuance.
type IssueInput struct {
	PoolID        string          `json:"pool_id"`
	Quantity      int64           `json:"quantity"`
	RecipientID   string          `json:"recipient_id"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	Reason        string          `json:"reason"`
}

// IssueResult is the pool state plus the records the issuance created.
type IssueResult struct {
	Result
	Allocation  *model.ReserveAllocation `json:"allocation"`
	Order       *model.PurchaseOrder     `json:"order"`
	Transaction *model.Transaction       `json:"transaction"`
	Commission  referral.Result          `json:"commission"`
}

// IssueFromReserve grants quantity reserved shares to a recipient. The
// recipient gets a completed purchase order and transaction, and the
// referral commission is recorded as for a normal purchase.
func (l *Ledger) IssueFromReserve(ctx context.Context, in IssueInput) (res IssueResult, err error) {
	defer l.observe("issue_from_reserve", time.Now(), &err)

	if in.Quantity <= 0 {
		return res, apperr.New(apperr.ErrInvalidQuantity, "issue quantity must be positive", "quantity", in.Quantity)
	}
	if strings.TrimSpace(in.RecipientID) == "" {
		return res, apperr.New(apperr.ErrInvalidInput, "recipient is required")
	}
	if in.PricePerShare.IsNegative() {
		return res, apperr.New(apperr.ErrInvalidInput, "price per share must not be negative", "price_per_share", in.PricePerShare)
	}

	var rec *GrantRecord
	err = l.store.InTx(ctx, func(tx store.Tx) error {
		p, usage, err := lockWithUsage(ctx, tx, in.PoolID)
		if err != nil {
			return err
		}

		if remaining := p.ReserveRemaining(); in.Quantity > remaining {
			return apperr.New(apperr.ErrInsufficientReserve, "not enough unissued reserve",
				"pool_id", p.ID,
				"requested", in.Quantity,
				"reserved_shares", p.ReservedShares,
				"reserved_issued", p.ReservedIssued,
				"remaining", remaining,
			)
		}

		p.ReservedIssued += in.Quantity
		p.UpdatedAt = l.now()

		rec, err = l.grants.RecordGrant(ctx, tx, Grant{
			Pool:          p,
			RecipientID:   in.RecipientID,
			Quantity:      in.Quantity,
			PricePerShare: in.PricePerShare,
			Reason:        in.Reason,
		})
		if err != nil {
			return fmt.Errorf("record grant: %w", err)
		}

		alloc := &model.ReserveAllocation{
			ID:            uuid.New().String(),
			PoolID:        p.ID,
			RecipientID:   in.RecipientID,
			Quantity:      in.Quantity,
			PricePerShare: in.PricePerShare,
			Reason:        in.Reason,
			OrderID:       rec.Order.ID,
			TransactionID: rec.Transaction.ID,
			CreatedAt:     p.UpdatedAt,
		}
		if err := tx.InsertReserveAllocation(ctx, alloc); err != nil {
			return fmt.Errorf("insert reserve allocation: %w", err)
		}

		// The grant's purchase transaction is now part of usage.
		usage.Purchased += in.Quantity
		usage.ReserveIssued += in.Quantity

		res.Result, err = l.save(ctx, tx, p, usage)
		res.Allocation = alloc
		return err
	})
	if err != nil {
		return IssueResult{}, err
	}

	l.grants.GrantCommitted(ctx, rec)
	res.Order = rec.Order
	res.Transaction = rec.Transaction
	res.Commission = rec.Commission

	metrics.SharesMoved.WithLabelValues(in.PoolID, "reserve_issue").Add(float64(in.Quantity))
	l.logger.Info("reserve shares issued",
		"pool_id", in.PoolID,
		"recipient_id", in.RecipientID,
		"quantity", in.Quantity,
		"reserved_issued", res.Pool.ReservedIssued,
		"reason", in.Reason,
	)
	return res, nil
}

// Get returns a pool with its usage and current warnings.
func (l *Ledger) Get(ctx context.Context, poolID string) (Result, error) {
	p, err := l.store.GetPool(ctx, poolID)
	if err != nil {
		return Result{}, notFound(err, poolID)
	}
	usage, err := l.store.PoolUsage(ctx, poolID)
	if err != nil {
		return Result{}, err
	}
	_, warnings := Check(p, usage)
	return Result{Pool: p, Usage: usage, Warnings: warnings}, nil
}

func (l *Ledger) save(ctx context.Context, tx store.Tx, p *model.SharePool, usage model.PoolUsage) (Result, error) {
	warnings, err := verify(p, usage)
	if err != nil {
		return Result{}, err
	}
	if err := tx.SavePool(ctx, p); err != nil {
		return Result{}, fmt.Errorf("save pool %s: %w", p.ID, err)
	}
	for _, w := range warnings {
		l.logger.Warn("pool policy warning", "pool_id", p.ID, "warning", w)
	}
	return Result{Pool: p, Usage: usage, Warnings: warnings}, nil
}

func (l *Ledger) observe(op string, start time.Time, err *error) {
	result := "ok"
	if *err != nil {
		result = apperr.KindName(*err)
	}
	metrics.Observe(op, result, start)
}

// LockWithUsage locks the pool row and reads its usage in tx.
func LockWithUsage(ctx context.Context, tx store.Tx, poolID string) (*model.SharePool, model.PoolUsage, error) {
	return lockWithUsage(ctx, tx, poolID)
}

func lockWithUsage(ctx context.Context, tx store.Tx, poolID string) (*model.SharePool, model.PoolUsage, error) {
	p, err := tx.LockPool(ctx, poolID)
	if err != nil {
		return nil, model.PoolUsage{}, notFound(err, poolID)
	}
	usage, err := tx.PoolUsage(ctx, poolID)
	if err != nil {
		return nil, model.PoolUsage{}, err
	}
	return p, usage, nil
}

func reserveFor(total int64, percent decimal.Decimal) (int64, error) {
	if percent.IsNegative() || percent.GreaterThan(decimal.NewFromInt(MaxReservePercent)) {
		return 0, apperr.New(apperr.ErrInvalidPercentage, "reserve percentage must be between 0 and 50",
			"percent", percent)
	}
	return decimal.NewFromInt(total).Mul(percent).Div(decimal.NewFromInt(100)).Floor().IntPart(), nil
}

func notFound(err error, poolID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.ErrNotFound, "pool not found", "pool_id", poolID)
	}
	return err
}
