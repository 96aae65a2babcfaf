// Package stats builds read-only dashboard views over the ledger. Nothing
// here writes to the store.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/sharehub/share-ledger/internal/apperr"
	"github.com/sharehub/share-ledger/internal/model"
	"github.com/sharehub/share-ledger/internal/pool"
	"github.com/sharehub/share-ledger/internal/store"
)

// maxConcurrentPools bounds fan-out in Platform.
const maxConcurrentPools = 4

// PoolStats is the dashboard view of one pool.
type PoolStats struct {
	Pool             *model.SharePool `json:"pool"`
	Usage            model.PoolUsage  `json:"usage"`
	SoldShares       int64            `json:"sold_shares"`
	Headroom         int64            `json:"headroom"`
	ReserveRemaining int64            `json:"reserve_remaining"`
	Holders          int64            `json:"holders"`
	PurchaseVolume   decimal.Decimal  `json:"purchase_volume"`
	SaleVolume       decimal.Decimal  `json:"sale_volume"`
	FeesCollected    decimal.Decimal  `json:"fees_collected"`
	OpenSellOrders   int              `json:"open_sell_orders"`
	QueuedShares     int64            `json:"queued_shares"`
	Warnings         []string         `json:"warnings,omitempty"`
}

// PlatformTotals sums every pool.
type PlatformTotals struct {
	Pools          int             `json:"pools"`
	TotalShares    int64           `json:"total_shares"`
	SoldShares     int64           `json:"sold_shares"`
	Holders        int64           `json:"holders"`
	PurchaseVolume decimal.Decimal `json:"purchase_volume"`
	SaleVolume     decimal.Decimal `json:"sale_volume"`
	FeesCollected  decimal.Decimal `json:"fees_collected"`
	PoolStats      []PoolStats     `json:"pool_stats"`
}

// ReferralSummary is a referrer's earnings recomputed from commission rows,
// next to the cached aggregate.
type ReferralSummary struct {
	UserID          string                     `json:"user_id"`
	Commissions     int                        `json:"commissions"`
	TotalEarnings   decimal.Decimal            `json:"total_earnings"`
	PendingEarnings decimal.Decimal            `json:"pending_earnings"`
	PaidEarnings    decimal.Decimal            `json:"paid_earnings"`
	Referred        int                        `json:"referred_users"`
	Cached          *model.ReferrerStats       `json:"cached,omitempty"`
	Recent          []model.ReferralCommission `json:"recent"`
}

// Position is one holding valued at the pool's current price.
type Position struct {
	Holding model.UserHolding `json:"holding"`
	Pool    *model.SharePool  `json:"pool"`
	Value   decimal.Decimal   `json:"value"`
}

type Projection struct {
	store  store.Reader
	logger *slog.Logger
}

func NewProjection(r store.Reader, logger *slog.Logger) *Projection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projection{store: r, logger: logger}
}

// PoolStats gathers a pool's counters, usage and volumes concurrently.
func (p *Projection) PoolStats(ctx context.Context, poolID string) (*PoolStats, error) {
	sp, err := p.store.GetPool(ctx, poolID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.ErrNotFound, "pool not found", "pool_id", poolID)
	}
	if err != nil {
		return nil, err
	}

	out := &PoolStats{
		Pool:           sp,
		PurchaseVolume: decimal.Zero,
		SaleVolume:     decimal.Zero,
		FeesCollected:  decimal.Zero,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		usage, err := p.store.PoolUsage(gctx, poolID)
		if err != nil {
			return fmt.Errorf("pool usage: %w", err)
		}
		out.Usage = usage
		return nil
	})
	g.Go(func() error {
		n, err := p.store.CountHolders(gctx, poolID)
		if err != nil {
			return fmt.Errorf("count holders: %w", err)
		}
		out.Holders = n
		return nil
	})
	g.Go(func() error {
		txs, err := p.store.ListTransactions(gctx, model.TransactionFilter{PoolID: poolID})
		if err != nil {
			return fmt.Errorf("list transactions: %w", err)
		}
		for _, t := range txs {
			switch t.Type {
			case model.TxSharePurchase:
				out.PurchaseVolume = out.PurchaseVolume.Add(t.Amount)
			case model.TxShareSale:
				out.SaleVolume = out.SaleVolume.Add(t.Amount)
			}
			out.FeesCollected = out.FeesCollected.Add(t.Fee)
		}
		return nil
	})
	g.Go(func() error {
		open, err := p.store.OpenSellOrders(gctx, poolID)
		if err != nil {
			return fmt.Errorf("open sell orders: %w", err)
		}
		out.OpenSellOrders = len(open)
		for _, o := range open {
			out.QueuedShares += o.RemainingQuantity()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out.SoldShares = out.Usage.Sold()
	out.Headroom = max(sp.Headroom(out.Usage), 0)
	out.ReserveRemaining = sp.ReserveRemaining()
	_, out.Warnings = pool.Check(sp, out.Usage)
	return out, nil
}

// Platform aggregates every pool.
func (p *Projection) Platform(ctx context.Context) (*PlatformTotals, error) {
	pools, err := p.store.ListPools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}

	all := make([]PoolStats, len(pools))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPools)
	for i, sp := range pools {
		g.Go(func() error {
			ps, err := p.PoolStats(gctx, sp.ID)
			if err != nil {
				return err
			}
			all[i] = *ps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	totals := &PlatformTotals{
		Pools:          len(all),
		PurchaseVolume: decimal.Zero,
		SaleVolume:     decimal.Zero,
		FeesCollected:  decimal.Zero,
		PoolStats:      all,
	}
	for _, ps := range all {
		totals.TotalShares += ps.Pool.TotalShares
		totals.SoldShares += ps.SoldShares
		totals.Holders += ps.Holders
		totals.PurchaseVolume = totals.PurchaseVolume.Add(ps.PurchaseVolume)
		totals.SaleVolume = totals.SaleVolume.Add(ps.SaleVolume)
		totals.FeesCollected = totals.FeesCollected.Add(ps.FeesCollected)
	}
	return totals, nil
}

// ReferralSummary recomputes a referrer's earnings from commission rows.
// recent caps the commissions returned, newest first; zero returns none.
func (p *Projection) ReferralSummary(ctx context.Context, userID string, recent int) (*ReferralSummary, error) {
	var (
		commissions []model.ReferralCommission
		cached      *model.ReferrerStats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		commissions, err = p.store.ListCommissions(gctx, userID)
		return err
	})
	g.Go(func() error {
		s, err := p.store.GetReferrerStats(gctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		cached = s
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("referral summary %s: %w", userID, err)
	}

	out := &ReferralSummary{
		UserID:          userID,
		Commissions:     len(commissions),
		TotalEarnings:   decimal.Zero,
		PendingEarnings: decimal.Zero,
		PaidEarnings:    decimal.Zero,
		Cached:          cached,
	}
	referred := make(map[string]struct{})
	for _, c := range commissions {
		out.TotalEarnings = out.TotalEarnings.Add(c.CommissionAmount)
		switch c.Status {
		case model.CommissionPaid:
			out.PaidEarnings = out.PaidEarnings.Add(c.CommissionAmount)
		case model.CommissionPending:
			out.PendingEarnings = out.PendingEarnings.Add(c.CommissionAmount)
		}
		referred[c.ReferredID] = struct{}{}
	}
	out.Referred = len(referred)

	if cached != nil && !cached.TotalEarnings.Equal(out.TotalEarnings) {
		p.logger.Warn("referrer aggregate drifted from commission rows",
			"user_id", userID,
			"cached_total", cached.TotalEarnings.String(),
			"recomputed_total", out.TotalEarnings.String(),
		)
	}

	out.Recent = []model.ReferralCommission{}
	for i := len(commissions) - 1; i >= 0 && len(out.Recent) < recent; i-- {
		out.Recent = append(out.Recent, commissions[i])
	}
	return out, nil
}

// Portfolio values a user's holdings at current pool prices.
func (p *Projection) Portfolio(ctx context.Context, userID string) ([]Position, error) {
	holdings, err := p.store.ListHoldings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}

	var mu sync.Mutex
	out := make([]Position, 0, len(holdings))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPools)
	for _, h := range holdings {
		if h.Quantity == 0 {
			continue
		}
		g.Go(func() error {
			sp, err := p.store.GetPool(gctx, h.PoolID)
			if err != nil {
				return fmt.Errorf("pool %s: %w", h.PoolID, err)
			}
			mu.Lock()
			out = append(out, Position{
				Holding: h,
				Pool:    sp,
				Value:   sp.PricePerShare.Mul(decimal.NewFromInt(h.Quantity)),
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Holding.PoolID < out[j].Holding.PoolID })
	return out, nil
}
