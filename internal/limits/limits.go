// Package limits enforces per-account-type selling limits over day, week and
// month windows of completed sell volume.
package limits

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sharehub/share-ledger/internal/apperr"
	"github.com/sharehub/share-ledger/internal/model"
)

// Period names one limit window.
type Period string

const (
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
)

var hundred = decimal.NewFromInt(100)

// Source is the data the enforcer reads.
type Source interface {
	ListSellingLimits(ctx context.Context, accountType string) ([]model.SellingLimit, error)
	SoldVolumeSince(ctx context.Context, userID string, since time.Time) (int64, error)
	OpenSellVolume(ctx context.Context, userID string) (int64, error)
}

// Usage is a user's completed sell volume in each current window. Queued is
// the unfilled quantity of their open sell orders; it counts against every
// window until it is filled or withdrawn.
type Usage struct {
	Daily   int64 `json:"daily"`
	Weekly  int64 `json:"weekly"`
	Monthly int64 `json:"monthly"`
	Queued  int64 `json:"queued"`
}

func (u Usage) of(p Period) int64 {
	switch p {
	case Daily:
		return u.Daily + u.Queued
	case Weekly:
		return u.Weekly + u.Queued
	default:
		return u.Monthly + u.Queued
	}
}

// Validation is the advisory outcome of a sell check.
type Validation struct {
	Valid      bool     `json:"is_valid"`
	Violations []string `json:"violations"`
	Usage      Usage    `json:"usage"`
	MaxAllowed int64    `json:"max_allowed"`
}

// Err returns an ErrSellingLimit rejection when the check failed.
func (v Validation) Err() error {
	if v.Valid {
		return nil
	}
	e := apperr.New(apperr.ErrSellingLimit, "sell would exceed selling limits",
		"daily_usage", v.Usage.Daily,
		"weekly_usage", v.Usage.Weekly,
		"monthly_usage", v.Usage.Monthly,
		"max_allowed", v.MaxAllowed,
	)
	e.Violations = v.Violations
	return e
}

// Enforcer evaluates selling limits in a fixed reference timezone.
type Enforcer struct {
	source    Source
	loc       *time.Location
	weekStart time.Weekday
	logger    *slog.Logger
	now       func() time.Time
}

func NewEnforcer(source Source, loc *time.Location, weekStart time.Weekday, logger *slog.Logger) *Enforcer {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{source: source, loc: loc, weekStart: weekStart, logger: logger, now: time.Now}
}

// With returns a copy of the enforcer that reads from src, typically the
// store transaction the caller holds.
func (e *Enforcer) With(src Source) *Enforcer {
	c := *e
	c.source = src
	return &c
}

// WithClock overrides the time source.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// ValidateSell checks a prospective sell order of quantity against every
// active limit for accountType, counting the user's queued sell orders as
// already sold. It never mutates state.
func (e *Enforcer) ValidateSell(ctx context.Context, userID, accountType string, quantity, totalHoldings int64) (Validation, error) {
	lims, usage, err := e.load(ctx, userID, accountType)
	if err != nil {
		return Validation{}, err
	}
	return e.validate(userID, accountType, lims, usage, quantity, totalHoldings), nil
}

// ValidateFill checks a fill of quantity from an already queued order
// against completed volume only.
func (e *Enforcer) ValidateFill(ctx context.Context, userID, accountType string, quantity, totalHoldings int64) (Validation, error) {
	lims, usage, err := e.load(ctx, userID, accountType)
	if err != nil {
		return Validation{}, err
	}
	usage.Queued = 0
	return e.validate(userID, accountType, lims, usage, quantity, totalHoldings), nil
}

func (e *Enforcer) validate(userID, accountType string, lims []model.SellingLimit, usage Usage, quantity, totalHoldings int64) Validation {
	violations := Evaluate(lims, usage, quantity, totalHoldings)
	v := Validation{
		Valid:      len(violations) == 0,
		Violations: violations,
		Usage:      usage,
		MaxAllowed: MaxAllowed(lims, usage, totalHoldings),
	}
	if !v.Valid {
		e.logger.Info("sell blocked by selling limits",
			"user_id", userID,
			"account_type", accountType,
			"quantity", quantity,
			"violations", len(violations),
		)
	}
	return v
}

// MaxAllowedQuantity is the largest quantity ValidateSell would accept.
func (e *Enforcer) MaxAllowedQuantity(ctx context.Context, userID, accountType string, totalHoldings int64) (int64, error) {
	lims, usage, err := e.load(ctx, userID, accountType)
	if err != nil {
		return 0, err
	}
	return MaxAllowed(lims, usage, totalHoldings), nil
}

// Usage returns a user's sell volume in the current windows and their
// queued sell quantity.
func (e *Enforcer) Usage(ctx context.Context, userID string) (Usage, error) {
	day, week, month := Windows(e.now(), e.loc, e.weekStart)
	var u Usage
	var err error
	if u.Daily, err = e.source.SoldVolumeSince(ctx, userID, day); err != nil {
		return u, fmt.Errorf("daily sell volume: %w", err)
	}
	if u.Weekly, err = e.source.SoldVolumeSince(ctx, userID, week); err != nil {
		return u, fmt.Errorf("weekly sell volume: %w", err)
	}
	if u.Monthly, err = e.source.SoldVolumeSince(ctx, userID, month); err != nil {
		return u, fmt.Errorf("monthly sell volume: %w", err)
	}
	if u.Queued, err = e.source.OpenSellVolume(ctx, userID); err != nil {
		return u, fmt.Errorf("queued sell volume: %w", err)
	}
	return u, nil
}

func (e *Enforcer) load(ctx context.Context, userID, accountType string) ([]model.SellingLimit, Usage, error) {
	lims, err := e.source.ListSellingLimits(ctx, accountType)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("list selling limits for %s: %w", accountType, err)
	}
	usage, err := e.Usage(ctx, userID)
	if err != nil {
		return nil, Usage{}, err
	}
	return lims, usage, nil
}

// Windows returns the start of the current day, week and month in loc.
func Windows(now time.Time, loc *time.Location, weekStart time.Weekday) (day, week, month time.Time) {
	local := now.In(loc)
	y, m, dd := local.Date()
	day = time.Date(y, m, dd, 0, 0, 0, 0, loc)
	offset := (int(local.Weekday()) - int(weekStart) + 7) % 7
	week = day.AddDate(0, 0, -offset)
	month = time.Date(y, m, 1, 0, 0, 0, 0, loc)
	return day, week, month
}

// Evaluate lists every limit/period combination the sell would break.
// A percentage limit against zero holdings is broken by any positive volume.
func Evaluate(lims []model.SellingLimit, usage Usage, quantity, totalHoldings int64) []string {
	var violations []string
	for _, l := range lims {
		if !l.Active {
			continue
		}
		for _, p := range []Period{Daily, Weekly, Monthly} {
			limit := limitFor(l, p)
			if !limit.Valid {
				continue
			}
			used := usage.of(p)
			total := decimal.NewFromInt(used + quantity)

			switch l.LimitType {
			case model.LimitPercentage:
				// (used+quantity)/holdings*100 > limit, without dividing by zero.
				if total.Mul(hundred).GreaterThan(limit.Decimal.Mul(decimal.NewFromInt(totalHoldings))) {
					violations = append(violations, fmt.Sprintf(
						"%s percentage limit exceeded: %d sold + %d requested of %d held is above %s%%",
						p, used, quantity, totalHoldings, limit.Decimal))
				}
			default:
				if total.GreaterThan(limit.Decimal) {
					violations = append(violations, fmt.Sprintf(
						"%s quantity limit exceeded: %d sold + %d requested > %s",
						p, used, quantity, limit.Decimal))
				}
			}
		}
	}
	return violations
}

// MaxAllowed is the minimum remaining allowance across all limits and
// periods, capped at totalHoldings and floored at zero.
func MaxAllowed(lims []model.SellingLimit, usage Usage, totalHoldings int64) int64 {
	allowed := max(totalHoldings, 0)
	for _, l := range lims {
		if !l.Active {
			continue
		}
		for _, p := range []Period{Daily, Weekly, Monthly} {
			limit := limitFor(l, p)
			if !limit.Valid {
				continue
			}
			ceiling := limit.Decimal
			if l.LimitType == model.LimitPercentage {
				ceiling = limit.Decimal.Mul(decimal.NewFromInt(totalHoldings)).Div(hundred)
			}
			remaining := ceiling.Floor().IntPart() - usage.of(p)
			allowed = min(allowed, remaining)
		}
	}
	return max(allowed, 0)
}

func limitFor(l model.SellingLimit, p Period) decimal.NullDecimal {
	switch p {
	case Daily:
		return l.DailyLimit
	case Weekly:
		return l.WeeklyLimit
	default:
		return l.MonthlyLimit
	}
}
