// Package allocation routes purchase proceeds to destination funds and
// records transaction fees. Both are idempotent per transaction id.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharehub/share-ledger/internal/model"
	"github.com/sharehub/share-ledger/internal/store"
)

const (
	FundProject = "project"
	FundAdmin   = "admin"
	FundBuyback = "buyback"
)

var hundred = decimal.NewFromInt(100)

// Share is one fund's percentage of proceeds.
type Share struct {
	Fund string
	Pct  decimal.Decimal
}

// FundAllocator splits proceeds across funds by fixed percentages.
type FundAllocator struct {
	shares []Share
	logger *slog.Logger
	now    func() time.Time
}

// NewFundAllocator validates that shares sum to 100.
func NewFundAllocator(shares []Share, logger *slog.Logger) (*FundAllocator, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("allocation: no funds configured")
	}
	sum := decimal.Zero
	for _, s := range shares {
		if s.Pct.IsNegative() {
			return nil, fmt.Errorf("allocation: fund %s has negative share %s", s.Fund, s.Pct)
		}
		sum = sum.Add(s.Pct)
	}
	if !sum.Equal(hundred) {
		return nil, fmt.Errorf("allocation: shares sum to %s, want 100", sum)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FundAllocator{
		shares: shares,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// DefaultShares is the 70/20/10 project/admin/buyback split.
func DefaultShares() []Share {
	return []Share{
		{Fund: FundProject, Pct: decimal.NewFromInt(70)},
		{Fund: FundAdmin, Pct: decimal.NewFromInt(20)},
		{Fund: FundBuyback, Pct: decimal.NewFromInt(10)},
	}
}

// Proceeds identifies the money being allocated.
type Proceeds struct {
	TransactionID string
	UserID        string
	Amount        decimal.Decimal
	Currency      string
}

// Allocate records the split inside tx. Calling it again for the same
// transaction id returns the original allocation.
func (a *FundAllocator) Allocate(ctx context.Context, tx store.Tx, p Proceeds) ([]model.FundAllocation, error) {
	if p.TransactionID == "" {
		return nil, fmt.Errorf("allocation: transaction id is required")
	}
	existing, err := tx.ListFundAllocations(ctx, p.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("list allocations for %s: %w", p.TransactionID, err)
	}
	if len(existing) > 0 {
		return existing, nil
	}

	allocs := a.Split(p)
	if err := tx.InsertFundAllocations(ctx, allocs); err != nil {
		return nil, fmt.Errorf("insert allocations for %s: %w", p.TransactionID, err)
	}
	a.logger.Debug("proceeds allocated", "transaction_id", p.TransactionID, "amount", p.Amount.String())
	return allocs, nil
}

// Split computes the per-fund amounts. Each is rounded to cents and the last
// fund absorbs the rounding remainder so the parts sum to Amount exactly.
func (a *FundAllocator) Split(p Proceeds) []model.FundAllocation {
	now := a.now()
	allocs := make([]model.FundAllocation, 0, len(a.shares))
	remaining := p.Amount
	for i, s := range a.shares {
		amount := p.Amount.Mul(s.Pct).Div(hundred).Round(2)
		if i == len(a.shares)-1 {
			amount = remaining
		}
		remaining = remaining.Sub(amount)
		allocs = append(allocs, model.FundAllocation{
			ID:            uuid.New().String(),
			TransactionID: p.TransactionID,
			UserID:        p.UserID,
			Fund:          s.Fund,
			Amount:        amount,
			Currency:      p.Currency,
			CreatedAt:     now,
		})
	}
	return allocs
}

// FeeProcessor records the fee charged on a transaction.
type FeeProcessor struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewFeeProcessor(logger *slog.Logger) *FeeProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FeeProcessor{logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Process records fee for transactionID inside tx. A zero fee records
// nothing; a repeat call is a no-op.
func (f *FeeProcessor) Process(ctx context.Context, tx store.Tx, transactionID, userID string,
	txType model.TransactionType, fee decimal.Decimal, currency string) error {
	if fee.IsZero() {
		return nil
	}
	if _, err := tx.GetFeeRecord(ctx, transactionID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("lookup fee record %s: %w", transactionID, err)
	}

	err := tx.InsertFeeRecord(ctx, &model.FeeRecord{
		ID:              uuid.New().String(),
		TransactionID:   transactionID,
		UserID:          userID,
		TransactionType: txType,
		Amount:          fee,
		Currency:        currency,
		CreatedAt:       f.now(),
	})
	if err != nil {
		return fmt.Errorf("insert fee record %s: %w", transactionID, err)
	}
	f.logger.Debug("fee recorded", "transaction_id", transactionID, "fee", fee.String())
	return nil
}
