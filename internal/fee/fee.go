// Package fee resolves transaction fees from the opt-in fee schedule.
package fee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/sharehub/share-ledger/internal/apperr"
	"github.com/sharehub/share-ledger/internal/model"
	"github.com/sharehub/share-ledger/internal/store"
)

// Places is the precision fees are rounded to.
const Places = 2

var hundred = decimal.NewFromInt(100)

// Schedule is the fee structure lookup the resolver needs.
type Schedule interface {
	GetFeeStructure(ctx context.Context, txType model.TransactionType, currency string) (*model.FeeStructure, error)
}

// Quote is a resolved fee. TotalFee is CalculatedFee clamped to the
// structure's bounds.
type Quote struct {
	PercentageRate   decimal.Decimal `json:"percentage_rate"`
	PercentageAmount decimal.Decimal `json:"percentage_fee"`
	FlatFee          decimal.Decimal `json:"flat_fee"`
	CalculatedFee    decimal.Decimal `json:"calculated_fee"`
	TotalFee         decimal.Decimal `json:"total_fee"`
}

type Resolver struct {
	schedule Schedule
	logger   *slog.Logger
}

func NewResolver(schedule Schedule, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{schedule: schedule, logger: logger}
}

// Resolve prices a transaction of amount. A missing schedule entry is a zero
// fee, not an error.
func (r *Resolver) Resolve(ctx context.Context, txType model.TransactionType, amount decimal.Decimal, currency string) (Quote, error) {
	if amount.IsNegative() {
		return Quote{}, apperr.New(apperr.ErrInvalidInput, "fee amount must not be negative", "amount", amount)
	}

	fs, err := r.schedule.GetFeeStructure(ctx, txType, currency)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Debug("no fee structure", "type", txType, "currency", currency)
		return Zero(), nil
	}
	if err != nil {
		return Quote{}, fmt.Errorf("lookup fee structure %s/%s: %w", txType, currency, err)
	}
	return Compute(fs, amount), nil
}

// Compute applies a fee structure: clamp(flat + amount*pct/100, min, max).
// An unset bound does not constrain.
func Compute(fs *model.FeeStructure, amount decimal.Decimal) Quote {
	pctAmount := amount.Mul(fs.PercentageFee).Div(hundred)
	calculated := fs.FlatFee.Add(pctAmount)

	total := calculated
	if fs.MinimumFee.Valid && total.LessThan(fs.MinimumFee.Decimal) {
		total = fs.MinimumFee.Decimal
	}
	if fs.MaximumFee.Valid && total.GreaterThan(fs.MaximumFee.Decimal) {
		total = fs.MaximumFee.Decimal
	}

	return Quote{
		PercentageRate:   fs.PercentageFee,
		PercentageAmount: pctAmount.Round(Places),
		FlatFee:          fs.FlatFee,
		CalculatedFee:    calculated.Round(Places),
		TotalFee:         total.Round(Places),
	}
}

// Zero is the quote for an unscheduled transaction type.
func Zero() Quote {
	return Quote{
		PercentageRate:   decimal.Zero,
		PercentageAmount: decimal.Zero,
		FlatFee:          decimal.Zero,
		CalculatedFee:    decimal.Zero,
		TotalFee:         decimal.Zero,
	}
}
