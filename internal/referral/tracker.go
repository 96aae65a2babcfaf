// Package referral records commissions owed to the referrer of a user who
// completed a qualifying transaction.
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharehub/share-ledger/internal/apperr"
	"github.com/sharehub/share-ledger/internal/metrics"
	"github.com/sharehub/share-ledger/internal/model"
	"github.com/sharehub/share-ledger/internal/store"
)

// ActivityCommission is the activity-log type written with each commission.
const ActivityCommission = "commission_earned"

// Input describes the transaction a commission may be owed on.
type Input struct {
	ReferredUserID      string                `json:"referred_user_id"`
	Amount              decimal.Decimal       `json:"amount"`
	Currency            string                `json:"currency"`
	TransactionType     model.TransactionType `json:"transaction_type"`
	SourceTransactionID string                `json:"source_transaction_id"`
}

// Result is the outcome of tracking. Success with a nil Commission is a
// no-op: no referrer, or commissions disabled.
type Result struct {
	Success    bool                      `json:"success"`
	Commission *model.ReferralCommission `json:"commission,omitempty"`
	Reason     string                    `json:"reason,omitempty"`
	// existing is set when the commission was recorded by an earlier call.
	existing bool
}

type Tracker struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewTracker(st store.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: st, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// TrackCommission records the commission for one transaction in its own
// store transaction and then updates the referrer aggregate. It is
// idempotent by SourceTransactionID. A self-referral returns Success false
// with an ErrSelfReferral error and writes nothing.
func (t *Tracker) TrackCommission(ctx context.Context, in Input) (Result, error) {
	var res Result
	err := t.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = t.Record(ctx, tx, in)
		return err
	})
	if err != nil {
		return Result{Success: false}, err
	}
	t.Publish(ctx, res)
	return res, nil
}

// Record writes the commission and its activity row inside tx. Callers that
// use it directly must call Publish after tx commits.
func (t *Tracker) Record(ctx context.Context, tx store.Tx, in Input) (Result, error) {
	if in.SourceTransactionID == "" {
		return Result{}, apperr.New(apperr.ErrInvalidInput, "source transaction id is required")
	}
	if in.Amount.IsNegative() {
		return Result{}, apperr.New(apperr.ErrInvalidInput, "commission source amount must not be negative",
			"amount", in.Amount)
	}

	profile, err := tx.GetProfile(ctx, in.ReferredUserID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Success: true, Reason: "no profile"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("lookup profile %s: %w", in.ReferredUserID, err)
	}
	if profile.ReferredBy == "" {
		return Result{Success: true, Reason: "no referrer"}, nil
	}
	if profile.ReferredBy == in.ReferredUserID {
		return Result{Success: false, Reason: "self referral"}, apperr.New(apperr.ErrSelfReferral,
			"a user cannot earn commission on their own transactions", "user_id", in.ReferredUserID)
	}

	if existing, err := tx.GetCommissionBySource(ctx, in.SourceTransactionID); err == nil {
		return Result{Success: true, Commission: existing, existing: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("lookup commission for %s: %w", in.SourceTransactionID, err)
	}

	settings, err := tx.GetReferralSettings(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load referral settings: %w", err)
	}
	if !settings.CommissionEnabled {
		return Result{Success: true, Reason: "commissions disabled"}, nil
	}

	now := t.now()
	c := &model.ReferralCommission{
		ID:                  uuid.New().String(),
		ReferrerID:          profile.ReferredBy,
		ReferredID:          in.ReferredUserID,
		SourceTransactionID: in.SourceTransactionID,
		TransactionType:     in.TransactionType,
		CommissionAmount:    in.Amount.Mul(settings.BaseCommissionRate).Round(2),
		CommissionRate:      settings.BaseCommissionRate,
		SourceAmount:        in.Amount,
		Currency:            in.Currency,
		Status:              model.CommissionPending,
		CreatedAt:           now,
	}
	if in.TransactionType == model.TxSharePurchase {
		c.Status = model.CommissionPaid
		c.PaidAt = &now
	}

	if err := tx.InsertCommission(ctx, c); err != nil {
		return Result{}, fmt.Errorf("insert commission: %w", err)
	}
	if err := tx.InsertReferralActivity(ctx, &model.ReferralActivity{
		ID:           uuid.New().String(),
		ReferrerID:   c.ReferrerID,
		ReferredID:   c.ReferredID,
		ActivityType: ActivityCommission,
		Amount:       c.CommissionAmount,
		Currency:     c.Currency,
		CreatedAt:    now,
	}); err != nil {
		return Result{}, fmt.Errorf("insert referral activity: %w", err)
	}

	return Result{Success: true, Commission: c}, nil
}

// Publish updates the referrer aggregate for a freshly recorded commission.
// Failures are logged and never undo the commission.
func (t *Tracker) Publish(ctx context.Context, res Result) {
	c := res.Commission
	if c == nil || res.existing {
		return
	}
	metrics.CommissionsRecorded.WithLabelValues(string(c.Status)).Inc()

	pending := decimal.Zero
	if c.Status == model.CommissionPending {
		pending = c.CommissionAmount
	}
	if err := t.store.AddReferrerEarnings(ctx, c.ReferrerID, pending, c.CommissionAmount); err != nil {
		t.logger.Warn("referrer stats update failed",
			"referrer_id", c.ReferrerID,
			"commission_id", c.ID,
			"err", err,
		)
		return
	}
	t.logger.Info("referral commission recorded",
		"referrer_id", c.ReferrerID,
		"referred_id", c.ReferredID,
		"amount", c.CommissionAmount.String(),
		"status", c.Status,
	)
}

// ListCommissions returns every commission earned by referrerID.
func (t *Tracker) ListCommissions(ctx context.Context, referrerID string) ([]model.ReferralCommission, error) {
	return t.store.ListCommissions(ctx, referrerID)
}

// Stats returns the referrer aggregate for userID.
func (t *Tracker) Stats(ctx context.Context, userID string) (*model.ReferrerStats, error) {
	return t.store.GetReferrerStats(ctx, userID)
}
