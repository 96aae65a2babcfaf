package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sharehub/share-ledger/internal/model"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = "0001_share_ledger"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Ledger transactions take pessimistic row locks (SELECT ... FOR UPDATE)
// and are re-run on serialization failure or deadlock.
type PostgresStore struct {
	pgReader
	pool       *pgxpool.Pool
	maxRetries int
}

// NewPostgresStore creates a new PostgreSQL-backed store. maxRetries bounds
// how often a conflicting transaction is re-run.
func NewPostgresStore(pool *pgxpool.Pool, maxRetries int) *PostgresStore {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &PostgresStore{pgReader: pgReader{db: pool}, pool: pool, maxRetries: maxRetries}
}

// Migrate applies the embedded schema once, recording it in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	var applied bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, schemaVersion).
		Scan(&applied); err != nil {
		return fmt.Errorf("check migration %s: %w", schemaVersion, err)
	}
	if applied {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("exec migration %s: %w", schemaVersion, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, schemaVersion); err != nil {
		return fmt.Errorf("record migration %s: %w", schemaVersion, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", schemaVersion, err)
	}
	slog.Info("applied migration", "version", schemaVersion)
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err = s.runTx(ctx, fn)
		if !isRetryable(err) {
			return err
		}
		slog.Warn("transaction conflict, retrying", "attempt", attempt, "err", err)
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", s.maxRetries, err)
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{pgReader: pgReader{db: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// isRetryable reports serialization failures and deadlocks.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func (s *PostgresStore) AddReferrerEarnings(ctx context.Context, userID string, pending, total decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO referrer_stats (user_id, pending_earnings, total_earnings, commissions, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, 1, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET pending_earnings = referrer_stats.pending_earnings + EXCLUDED.pending_earnings,
		     total_earnings   = referrer_stats.total_earnings + EXCLUDED.total_earnings,
		     commissions      = referrer_stats.commissions + 1,
		     updated_at       = EXCLUDED.updated_at`,
		userID, pending.String(), total.String(), time.Now().UTC())
	return err
}

func (s *PostgresStore) PutFeeStructure(ctx context.Context, f *model.FeeStructure) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transaction_fee_settings
		   (transaction_type, currency, flat_fee, percentage_fee, minimum_fee, maximum_fee, active)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (transaction_type, currency) DO UPDATE
		 SET flat_fee = EXCLUDED.flat_fee, percentage_fee = EXCLUDED.percentage_fee,
		     minimum_fee = EXCLUDED.minimum_fee, maximum_fee = EXCLUDED.maximum_fee,
		     active = EXCLUDED.active`,
		string(f.TransactionType), f.Currency, f.FlatFee.String(), f.PercentageFee.String(),
		nullNumeric(f.MinimumFee), nullNumeric(f.MaximumFee), f.Active)
	return err
}

func (s *PostgresStore) PutSellingLimit(ctx context.Context, l *model.SellingLimit) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO selling_limits (id, account_type, limit_type, daily_limit, weekly_limit, monthly_limit, active)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET account_type = EXCLUDED.account_type, limit_type = EXCLUDED.limit_type,
		     daily_limit = EXCLUDED.daily_limit, weekly_limit = EXCLUDED.weekly_limit,
		     monthly_limit = EXCLUDED.monthly_limit, active = EXCLUDED.active`,
		l.ID, l.AccountType, string(l.LimitType),
		nullNumeric(l.DailyLimit), nullNumeric(l.WeeklyLimit), nullNumeric(l.MonthlyLimit), l.Active)
	return err
}

func (s *PostgresStore) PutProfile(ctx context.Context, p *model.Profile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (user_id, account_type, referred_by) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE
		 SET account_type = EXCLUDED.account_type, referred_by = EXCLUDED.referred_by`,
		p.UserID, p.AccountType, p.ReferredBy)
	return err
}

func (s *PostgresStore) PutReferralSettings(ctx context.Context, rs model.ReferralSettings) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO referral_settings (id, commission_enabled, base_commission_rate)
		 VALUES (1, $1, $2::NUMERIC)
		 ON CONFLICT (id) DO UPDATE
		 SET commission_enabled = EXCLUDED.commission_enabled,
		     base_commission_rate = EXCLUDED.base_commission_rate`,
		rs.CommissionEnabled, rs.BaseCommissionRate.String())
	return err
}

func (s *PostgresStore) PutWallet(ctx context.Context, w *model.Wallet) error {
	return saveWallet(ctx, s.pool, w)
}

// --- Reader ---

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgReader struct {
	db dbtx
}

const poolColumns = `id, name, total_shares, reserved_shares, reserved_issued, available_shares,
	price_per_share::TEXT, currency, next_fifo_position, created_at, updated_at`

func scanPool(row pgx.Row) (*model.SharePool, error) {
	var p model.SharePool
	var price string
	if err := row.Scan(&p.ID, &p.Name, &p.TotalShares, &p.ReservedShares, &p.ReservedIssued,
		&p.AvailableShares, &price, &p.Currency, &p.NextFIFOPosition, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var n numerics
	p.PricePerShare = n.parse(price)
	return &p, n.err
}

func (r pgReader) getPool(ctx context.Context, id string, lock bool) (*model.SharePool, error) {
	q := `SELECT ` + poolColumns + ` FROM share_pools WHERE id = $1`
	if lock {
		q += ` FOR UPDATE`
	}
	p, err := scanPool(r.db.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "pool %s", id)
	}
	return p, nil
}

func (r pgReader) GetPool(ctx context.Context, id string) (*model.SharePool, error) {
	return r.getPool(ctx, id, false)
}

func (r pgReader) ListPools(ctx context.Context) ([]model.SharePool, error) {
	rows, err := r.db.Query(ctx, `SELECT `+poolColumns+` FROM share_pools ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.SharePool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func (r pgReader) PoolUsage(ctx context.Context, poolID string) (model.PoolUsage, error) {
	var u model.PoolUsage
	err := r.db.QueryRow(ctx,
		`SELECT
			COALESCE(SUM(quantity) FILTER (WHERE type = 'share_purchase'), 0)::BIGINT,
			COALESCE(SUM(quantity) FILTER (WHERE type = 'share_purchase' AND source <> 'reserve'), 0)::BIGINT,
			COALESCE(SUM(quantity) FILTER (WHERE type = 'share_purchase' AND source = 'reserve'), 0)::BIGINT,
			COALESCE(SUM(quantity) FILTER (WHERE type = 'share_sale'), 0)::BIGINT
		 FROM share_transactions WHERE pool_id = $1`, poolID).
		Scan(&u.Purchased, &u.MarketPurchased, &u.ReserveIssued, &u.BoughtBack)
	if err != nil {
		return u, fmt.Errorf("pool usage %s: %w", poolID, err)
	}
	return u, nil
}

const holdingColumns = `user_id, pool_id, quantity, purchase_price_per_share::TEXT, currency, status, created_at, updated_at`

func scanHolding(row pgx.Row) (*model.UserHolding, error) {
	var h model.UserHolding
	var price, status string
	if err := row.Scan(&h.UserID, &h.PoolID, &h.Quantity, &price, &h.Currency, &status, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return nil, err
	}
	h.Status = model.HoldingStatus(status)
	var n numerics
	h.PurchasePricePerShare = n.parse(price)
	return &h, n.err
}

func (r pgReader) GetHolding(ctx context.Context, userID, poolID string) (*model.UserHolding, error) {
	h, err := scanHolding(r.db.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM user_holdings WHERE user_id = $1 AND pool_id = $2`, userID, poolID))
	if err != nil {
		return nil, notFound(err, "holding %s/%s", userID, poolID)
	}
	return h, nil
}

func (r pgReader) ListHoldings(ctx context.Context, userID string) ([]model.UserHolding, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+holdingColumns+` FROM user_holdings WHERE user_id = $1 ORDER BY pool_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.UserHolding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *h)
	}
	return result, rows.Err()
}

func (r pgReader) CountHolders(ctx context.Context, poolID string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM user_holdings WHERE pool_id = $1 AND quantity > 0`, poolID).Scan(&n)
	return n, err
}

const walletColumns = `id, user_id, currency, balance::TEXT, updated_at`

func scanWallet(row pgx.Row) (*model.Wallet, error) {
	var w model.Wallet
	var balance string
	if err := row.Scan(&w.ID, &w.UserID, &w.Currency, &balance, &w.UpdatedAt); err != nil {
		return nil, err
	}
	var n numerics
	w.Balance = n.parse(balance)
	return &w, n.err
}

func (r pgReader) getWallet(ctx context.Context, userID, currency string, lock bool) (*model.Wallet, error) {
	q := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1 AND currency = $2`
	if lock {
		q += ` FOR UPDATE`
	}
	w, err := scanWallet(r.db.QueryRow(ctx, q, userID, currency))
	if err != nil {
		return nil, notFound(err, "wallet %s/%s", userID, currency)
	}
	return w, nil
}

func (r pgReader) GetWallet(ctx context.Context, userID, currency string) (*model.Wallet, error) {
	return r.getWallet(ctx, userID, currency, false)
}

const orderColumns = `id, kind, user_id, pool_id, quantity, price_per_share::TEXT, total_amount::TEXT,
	currency, status, created_at, updated_at, completed_at,
	wallet_id, source, fee::TEXT, transaction_id, paid_at,
	proceeds_allocated, fee_processed, commission_tracked, last_error,
	fifo_position, processed_quantity, fees_charged::TEXT, proceeds_paid::TEXT,
	recipient_id, reason, reviewed_by, reviewed_at, rejection_reason`

func scanOrder(row pgx.Row) (model.Order, error) {
	var (
		base                                      model.OrderBase
		kind, status                              string
		price, total, fee, feesCharged, proceeds  string
		walletID, source, txID, lastError         string
		paidAt, reviewedAt                        *time.Time
		allocated, feeProcessed, commissionTraced bool
		fifo, processed                           int64
		recipient, reason, reviewedBy, rejection  string
	)
	if err := row.Scan(&base.ID, &kind, &base.UserID, &base.PoolID, &base.Quantity, &price, &total,
		&base.Currency, &status, &base.CreatedAt, &base.UpdatedAt, &base.CompletedAt,
		&walletID, &source, &fee, &txID, &paidAt,
		&allocated, &feeProcessed, &commissionTraced, &lastError,
		&fifo, &processed, &feesCharged, &proceeds,
		&recipient, &reason, &reviewedBy, &reviewedAt, &rejection); err != nil {
		return nil, err
	}

	var n numerics
	base.PricePerShare = n.parse(price)
	base.TotalAmount = n.parse(total)
	base.Status = model.OrderStatus(status)

	var o model.Order
	switch model.OrderKind(kind) {
	case model.KindPurchase:
		o = &model.PurchaseOrder{
			OrderBase:     base,
			WalletID:      walletID,
			Source:        model.TransactionSource(source),
			Fee:           n.parse(fee),
			TransactionID: txID,
			PaidAt:        paidAt,
			Settlement: model.Settlement{
				ProceedsAllocated: allocated,
				FeeProcessed:      feeProcessed,
				CommissionTracked: commissionTraced,
			},
			LastError: lastError,
		}
	case model.KindSell:
		o = &model.SellOrder{
			OrderBase:         base,
			FIFOPosition:      fifo,
			ProcessedQuantity: processed,
			FeesCharged:       n.parse(feesCharged),
			ProceedsPaid:      n.parse(proceeds),
		}
	case model.KindTransfer:
		o = &model.TransferRequest{
			OrderBase:       base,
			RecipientID:     recipient,
			Reason:          reason,
			Fee:             n.parse(fee),
			ReviewedBy:      reviewedBy,
			ReviewedAt:      reviewedAt,
			RejectionReason: rejection,
		}
	default:
		return nil, fmt.Errorf("order %s has unknown kind %q", base.ID, kind)
	}
	return o, n.err
}

func (r pgReader) getOrder(ctx context.Context, id string, lock bool) (model.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM share_orders WHERE id = $1`
	if lock {
		q += ` FOR UPDATE`
	}
	o, err := scanOrder(r.db.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, "order %s", id)
	}
	return o, nil
}

func (r pgReader) GetOrder(ctx context.Context, id string) (model.Order, error) {
	return r.getOrder(ctx, id, false)
}

func (r pgReader) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+orderColumns+` FROM share_orders WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (r pgReader) OpenSellOrders(ctx context.Context, poolID string) ([]*model.SellOrder, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+orderColumns+` FROM share_orders
		 WHERE pool_id = $1 AND kind = 'sell' AND status IN ('pending', 'processing')
		 ORDER BY fifo_position`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*model.SellOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		so, ok := o.(*model.SellOrder)
		if !ok {
			return nil, fmt.Errorf("order %s: expected sell order, got %s", o.Base().ID, o.Kind())
		}
		result = append(result, so)
	}
	return result, rows.Err()
}

func (r pgReader) QueuedSellQuantity(ctx context.Context, userID, poolID string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity - processed_quantity), 0)::BIGINT FROM share_orders
		 WHERE user_id = $1 AND pool_id = $2 AND kind = 'sell' AND status IN ('pending', 'processing')`,
		userID, poolID).Scan(&n)
	return n, err
}

func (r pgReader) OpenSellVolume(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity - processed_quantity), 0)::BIGINT FROM share_orders
		 WHERE user_id = $1 AND kind = 'sell' AND status IN ('pending', 'processing')`,
		userID).Scan(&n)
	return n, err
}

func (r pgReader) PendingTransferQuantity(ctx context.Context, userID, poolID string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0)::BIGINT FROM share_orders
		 WHERE user_id = $1 AND pool_id = $2 AND kind = 'transfer' AND status = 'pending'`,
		userID, poolID).Scan(&n)
	return n, err
}

const transactionColumns = `id, user_id, pool_id, order_id, type, source, quantity,
	price_per_share::TEXT, amount::TEXT, fee::TEXT, currency, counterparty_id, created_at`

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	var txType, source, price, amount, fee string
	if err := row.Scan(&t.ID, &t.UserID, &t.PoolID, &t.OrderID, &txType, &source, &t.Quantity,
		&price, &amount, &fee, &t.Currency, &t.CounterpartyID, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Type = model.TransactionType(txType)
	t.Source = model.TransactionSource(source)
	var n numerics
	t.PricePerShare = n.parse(price)
	t.Amount = n.parse(amount)
	t.Fee = n.parse(fee)
	return &t, n.err
}

func (r pgReader) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM share_transactions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "transaction %s", id)
	}
	return t, nil
}

func (r pgReader) ListTransactions(ctx context.Context, f model.TransactionFilter) ([]model.Transaction, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.PoolID != "" {
		add("pool_id = $%d", f.PoolID)
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}

	q := `SELECT ` + transactionColumns + ` FROM share_transactions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func (r pgReader) SoldVolumeSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0)::BIGINT FROM share_transactions
		 WHERE user_id = $1 AND type = 'share_sale' AND created_at >= $2`, userID, since).Scan(&n)
	return n, err
}

func (r pgReader) ListReserveAllocations(ctx context.Context, poolID string) ([]model.ReserveAllocation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, pool_id, recipient_id, quantity, price_per_share::TEXT, reason, order_id, transaction_id, created_at
		 FROM reserve_allocations WHERE pool_id = $1 ORDER BY created_at, id`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ReserveAllocation
	for rows.Next() {
		var a model.ReserveAllocation
		var price string
		if err := rows.Scan(&a.ID, &a.PoolID, &a.RecipientID, &a.Quantity, &price, &a.Reason,
			&a.OrderID, &a.TransactionID, &a.CreatedAt); err != nil {
			return nil, err
		}
		var n numerics
		a.PricePerShare = n.parse(price)
		if n.err != nil {
			return nil, n.err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (r pgReader) GetFeeStructure(ctx context.Context, txType model.TransactionType, currency string) (*model.FeeStructure, error) {
	var f model.FeeStructure
	var flat, pct string
	var minFee, maxFee *string
	err := r.db.QueryRow(ctx,
		`SELECT currency, flat_fee::TEXT, percentage_fee::TEXT, minimum_fee::TEXT, maximum_fee::TEXT, active
		 FROM transaction_fee_settings
		 WHERE transaction_type = $1 AND currency = $2 AND active`, string(txType), currency).
		Scan(&f.Currency, &flat, &pct, &minFee, &maxFee, &f.Active)
	if err != nil {
		return nil, notFound(err, "fee structure %s/%s", txType, currency)
	}
	f.TransactionType = txType
	var n numerics
	f.FlatFee = n.parse(flat)
	f.PercentageFee = n.parse(pct)
	f.MinimumFee = n.nullable(minFee)
	f.MaximumFee = n.nullable(maxFee)
	return &f, n.err
}

const limitColumns = `id, account_type, limit_type, daily_limit::TEXT, weekly_limit::TEXT, monthly_limit::TEXT, active`

func (r pgReader) ListSellingLimits(ctx context.Context, accountType string) ([]model.SellingLimit, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+limitColumns+` FROM selling_limits WHERE account_type = $1 AND active ORDER BY id`, accountType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.SellingLimit
	for rows.Next() {
		l, err := scanSellingLimit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *l)
	}
	return result, rows.Err()
}

func (r pgReader) GetSellingLimit(ctx context.Context, id string) (*model.SellingLimit, error) {
	l, err := scanSellingLimit(r.db.QueryRow(ctx,
		`SELECT `+limitColumns+` FROM selling_limits WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "selling limit %s", id)
	}
	return l, nil
}

func scanSellingLimit(row pgx.Row) (*model.SellingLimit, error) {
	var l model.SellingLimit
	var limitType string
	var daily, weekly, monthly *string
	if err := row.Scan(&l.ID, &l.AccountType, &limitType, &daily, &weekly, &monthly, &l.Active); err != nil {
		return nil, err
	}
	l.LimitType = model.LimitType(limitType)
	var n numerics
	l.DailyLimit = n.nullable(daily)
	l.WeeklyLimit = n.nullable(weekly)
	l.MonthlyLimit = n.nullable(monthly)
	if n.err != nil {
		return nil, n.err
	}
	return &l, nil
}

func (r pgReader) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var p model.Profile
	err := r.db.QueryRow(ctx,
		`SELECT user_id, account_type, referred_by FROM profiles WHERE user_id = $1`, userID).
		Scan(&p.UserID, &p.AccountType, &p.ReferredBy)
	if err != nil {
		return nil, notFound(err, "profile %s", userID)
	}
	return &p, nil
}

func (r pgReader) GetReferralSettings(ctx context.Context) (model.ReferralSettings, error) {
	var rs model.ReferralSettings
	var rate string
	err := r.db.QueryRow(ctx,
		`SELECT commission_enabled, base_commission_rate::TEXT FROM referral_settings WHERE id = 1`).
		Scan(&rs.CommissionEnabled, &rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ReferralSettings{}, nil
	}
	if err != nil {
		return rs, err
	}
	var n numerics
	rs.BaseCommissionRate = n.parse(rate)
	return rs, n.err
}

func (r pgReader) ListFundAllocations(ctx context.Context, transactionID string) ([]model.FundAllocation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, transaction_id, user_id, fund, amount::TEXT, currency, created_at
		 FROM fund_allocations WHERE transaction_id = $1 ORDER BY fund`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.FundAllocation
	for rows.Next() {
		var a model.FundAllocation
		var amount string
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.UserID, &a.Fund, &amount, &a.Currency, &a.CreatedAt); err != nil {
			return nil, err
		}
		var n numerics
		a.Amount = n.parse(amount)
		if n.err != nil {
			return nil, n.err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (r pgReader) GetFeeRecord(ctx context.Context, transactionID string) (*model.FeeRecord, error) {
	var f model.FeeRecord
	var txType, amount string
	err := r.db.QueryRow(ctx,
		`SELECT id, transaction_id, user_id, transaction_type, amount::TEXT, currency, created_at
		 FROM fee_records WHERE transaction_id = $1`, transactionID).
		Scan(&f.ID, &f.TransactionID, &f.UserID, &txType, &amount, &f.Currency, &f.CreatedAt)
	if err != nil {
		return nil, notFound(err, "fee record %s", transactionID)
	}
	f.TransactionType = model.TransactionType(txType)
	var n numerics
	f.Amount = n.parse(amount)
	return &f, n.err
}

const commissionColumns = `id, referrer_id, referred_id, source_transaction_id, transaction_type,
	commission_amount::TEXT, commission_rate::TEXT, source_amount::TEXT, currency, status, created_at, paid_at`

func scanCommission(row pgx.Row) (*model.ReferralCommission, error) {
	var c model.ReferralCommission
	var txType, amount, rate, source, status string
	if err := row.Scan(&c.ID, &c.ReferrerID, &c.ReferredID, &c.SourceTransactionID, &txType,
		&amount, &rate, &source, &c.Currency, &status, &c.CreatedAt, &c.PaidAt); err != nil {
		return nil, err
	}
	c.TransactionType = model.TransactionType(txType)
	c.Status = model.CommissionStatus(status)
	var n numerics
	c.CommissionAmount = n.parse(amount)
	c.CommissionRate = n.parse(rate)
	c.SourceAmount = n.parse(source)
	return &c, n.err
}

func (r pgReader) GetCommissionBySource(ctx context.Context, sourceTransactionID string) (*model.ReferralCommission, error) {
	c, err := scanCommission(r.db.QueryRow(ctx,
		`SELECT `+commissionColumns+` FROM referral_commissions WHERE source_transaction_id = $1`,
		sourceTransactionID))
	if err != nil {
		return nil, notFound(err, "commission for %s", sourceTransactionID)
	}
	return c, nil
}

func (r pgReader) ListCommissions(ctx context.Context, referrerID string) ([]model.ReferralCommission, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+commissionColumns+` FROM referral_commissions WHERE referrer_id = $1 ORDER BY created_at, id`,
		referrerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ReferralCommission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	return result, rows.Err()
}

func (r pgReader) GetReferrerStats(ctx context.Context, userID string) (*model.ReferrerStats, error) {
	var s model.ReferrerStats
	var pending, total string
	err := r.db.QueryRow(ctx,
		`SELECT user_id, pending_earnings::TEXT, total_earnings::TEXT, commissions, updated_at
		 FROM referrer_stats WHERE user_id = $1`, userID).
		Scan(&s.UserID, &pending, &total, &s.Commissions, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.ReferrerStats{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	var n numerics
	s.PendingEarnings = n.parse(pending)
	s.TotalEarnings = n.parse(total)
	return &s, n.err
}

// --- Tx ---

type pgTx struct {
	pgReader
}

func (t *pgTx) LockPool(ctx context.Context, id string) (*model.SharePool, error) {
	return t.getPool(ctx, id, true)
}

func (t *pgTx) LockWallet(ctx context.Context, userID, currency string) (*model.Wallet, error) {
	return t.getWallet(ctx, userID, currency, true)
}

// LockHolding takes an advisory lock on the (user, pool) key first so that
// a holding that does not exist yet is still exclusively owned by this tx.
func (t *pgTx) LockHolding(ctx context.Context, userID, poolID string) (*model.UserHolding, error) {
	if _, err := t.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
		"holding:"+userID+":"+poolID); err != nil {
		return nil, err
	}
	h, err := scanHolding(t.db.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM user_holdings WHERE user_id = $1 AND pool_id = $2 FOR UPDATE`,
		userID, poolID))
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.UserHolding{UserID: userID, PoolID: poolID}, nil
	}
	return h, err
}

func (t *pgTx) LockOrder(ctx context.Context, id string) (model.Order, error) {
	return t.getOrder(ctx, id, true)
}

func (t *pgTx) CreatePool(ctx context.Context, p *model.SharePool) error {
	_, err := t.db.Exec(ctx,
		`INSERT INTO share_pools (id, name, total_shares, reserved_shares, reserved_issued, available_shares,
		   price_per_share, currency, next_fifo_position, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11)`,
		p.ID, p.Name, p.TotalShares, p.ReservedShares, p.ReservedIssued, p.AvailableShares,
		p.PricePerShare.String(), p.Currency, p.NextFIFOPosition, p.CreatedAt, p.UpdatedAt)
	return duplicate(err)
}

func (t *pgTx) SavePool(ctx context.Context, p *model.SharePool) error {
	tag, err := t.db.Exec(ctx,
		`UPDATE share_pools
		 SET total_shares = $2, reserved_shares = $3, reserved_issued = $4, available_shares = $5,
		     price_per_share = $6::NUMERIC, next_fifo_position = $7, updated_at = $8
		 WHERE id = $1`,
		p.ID, p.TotalShares, p.ReservedShares, p.ReservedIssued, p.AvailableShares,
		p.PricePerShare.String(), p.NextFIFOPosition, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pool %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) SaveWallet(ctx context.Context, w *model.Wallet) error {
	return saveWallet(ctx, t.db, w)
}

func saveWallet(ctx context.Context, db dbtx, w *model.Wallet) error {
	_, err := db.Exec(ctx,
		`INSERT INTO wallets (id, user_id, currency, balance, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (user_id, currency) DO UPDATE
		 SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
		w.ID, w.UserID, w.Currency, w.Balance.String(), w.UpdatedAt)
	return err
}

func (t *pgTx) SaveHolding(ctx context.Context, h *model.UserHolding) error {
	_, err := t.db.Exec(ctx,
		`INSERT INTO user_holdings (user_id, pool_id, quantity, purchase_price_per_share, currency, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)
		 ON CONFLICT (user_id, pool_id) DO UPDATE
		 SET quantity = EXCLUDED.quantity,
		     purchase_price_per_share = EXCLUDED.purchase_price_per_share,
		     currency = EXCLUDED.currency, status = EXCLUDED.status,
		     updated_at = EXCLUDED.updated_at`,
		h.UserID, h.PoolID, h.Quantity, h.PurchasePricePerShare.String(), h.Currency,
		string(h.Status), h.CreatedAt, h.UpdatedAt)
	return err
}

// orderArgs flattens an order into the column order of orderColumns.
func orderArgs(o model.Order) ([]any, error) {
	b := o.Base()
	var (
		walletID, source, txID, lastError        string
		fee, feesCharged, proceeds               = decimal.Zero, decimal.Zero, decimal.Zero
		paidAt, reviewedAt                       *time.Time
		settlement                               model.Settlement
		fifo, processed                          int64
		recipient, reason, reviewedBy, rejection string
	)
	switch v := o.(type) {
	case *model.PurchaseOrder:
		walletID, source, txID, lastError = v.WalletID, string(v.Source), v.TransactionID, v.LastError
		fee, paidAt, settlement = v.Fee, v.PaidAt, v.Settlement
	case *model.SellOrder:
		fifo, processed = v.FIFOPosition, v.ProcessedQuantity
		feesCharged, proceeds = v.FeesCharged, v.ProceedsPaid
	case *model.TransferRequest:
		recipient, reason, fee = v.RecipientID, v.Reason, v.Fee
		reviewedBy, reviewedAt, rejection = v.ReviewedBy, v.ReviewedAt, v.RejectionReason
	default:
		return nil, fmt.Errorf("unsupported order type %T", o)
	}
	return []any{
		b.ID, string(o.Kind()), b.UserID, b.PoolID, b.Quantity, b.PricePerShare.String(), b.TotalAmount.String(),
		b.Currency, string(b.Status), b.CreatedAt, b.UpdatedAt, b.CompletedAt,
		walletID, source, fee.String(), txID, paidAt,
		settlement.ProceedsAllocated, settlement.FeeProcessed, settlement.CommissionTracked, lastError,
		fifo, processed, feesCharged.String(), proceeds.String(),
		recipient, reason, reviewedBy, reviewedAt, rejection,
	}, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o model.Order) error {
	args, err := orderArgs(o)
	if err != nil {
		return err
	}
	_, err = t.db.Exec(ctx,
		`INSERT INTO share_orders (id, kind, user_id, pool_id, quantity, price_per_share, total_amount,
		   currency, status, created_at, updated_at, completed_at,
		   wallet_id, source, fee, transaction_id, paid_at,
		   proceeds_allocated, fee_processed, commission_tracked, last_error,
		   fifo_position, processed_quantity, fees_charged, proceeds_paid,
		   recipient_id, reason, reviewed_by, reviewed_at, rejection_reason)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12,
		   $13, $14, $15::NUMERIC, $16, $17, $18, $19, $20, $21,
		   $22, $23, $24::NUMERIC, $25::NUMERIC, $26, $27, $28, $29, $30)`, args...)
	return duplicate(err)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o model.Order) error {
	args, err := orderArgs(o)
	if err != nil {
		return err
	}
	tag, err := t.db.Exec(ctx,
		`UPDATE share_orders
		 SET user_id = $3, pool_id = $4, quantity = $5, price_per_share = $6::NUMERIC,
		     total_amount = $7::NUMERIC, currency = $8, status = $9, created_at = $10,
		     updated_at = $11, completed_at = $12,
		     wallet_id = $13, source = $14, fee = $15::NUMERIC, transaction_id = $16, paid_at = $17,
		     proceeds_allocated = $18, fee_processed = $19, commission_tracked = $20, last_error = $21,
		     fifo_position = $22, processed_quantity = $23, fees_charged = $24::NUMERIC,
		     proceeds_paid = $25::NUMERIC,
		     recipient_id = $26, reason = $27, reviewed_by = $28, reviewed_at = $29,
		     rejection_reason = $30
		 WHERE id = $1 AND kind = $2`, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.Base().ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	_, err := t.db.Exec(ctx,
		`INSERT INTO share_transactions (id, user_id, pool_id, order_id, type, source, quantity,
		   price_per_share, amount, fee, currency, counterparty_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12, $13)`,
		tr.ID, tr.UserID, tr.PoolID, tr.OrderID, string(tr.Type), string(tr.Source), tr.Quantity,
		tr.PricePerShare.String(), tr.Amount.String(), tr.Fee.String(), tr.Currency, tr.CounterpartyID, tr.CreatedAt)
	return duplicate(err)
}

func (t *pgTx) InsertReserveAllocation(ctx context.Context, a *model.ReserveAllocation) error {
	_, err := t.db.Exec(ctx,
		`INSERT INTO reserve_allocations (id, pool_id, recipient_id, quantity, price_per_share, reason,
		   order_id, transaction_id, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9)`,
		a.ID, a.PoolID, a.RecipientID, a.Quantity, a.PricePerShare.String(), a.Reason,
		a.OrderID, a.TransactionID, a.CreatedAt)
	return duplicate(err)
}

func (t *pgTx) InsertSellModification(ctx context.Context, m *model.SellOrderModification) error {
	_, err := t.db.Exec(ctx,
		`INSERT INTO sell_order_modifications (id, order_id, user_id, old_quantity, new_quantity,
		   old_fifo_position, new_fifo_position, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.OrderID, m.UserID, m.OldQuantity, m.NewQuantity,
		m.OldFIFOPosition, m.NewFIFOPosition, m.Reason, m.CreatedAt)
	return err
}

func (t *pgTx) InsertFundAllocations(ctx context.Context, allocs []model.FundAllocation) error {
	for _, a := range allocs {
		tag, err := t.db.Exec(ctx,
			`INSERT INTO fund_allocations (id, transaction_id, user_id, fund, amount, currency, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)
			 ON CONFLICT (transaction_id, fund) DO NOTHING`,
			a.ID, a.TransactionID, a.UserID, a.Fund, a.Amount.String(), a.Currency, a.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("allocations for %s: %w", a.TransactionID, ErrDuplicate)
		}
	}
	return nil
}

func (t *pgTx) InsertFeeRecord(ctx context.Context, r *model.FeeRecord) error {
	tag, err := t.db.Exec(ctx,
		`INSERT INTO fee_records (id, transaction_id, user_id, transaction_type, amount, currency, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)
		 ON CONFLICT (transaction_id) DO NOTHING`,
		r.ID, r.TransactionID, r.UserID, string(r.TransactionType), r.Amount.String(), r.Currency, r.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fee record %s: %w", r.TransactionID, ErrDuplicate)
	}
	return nil
}

func (t *pgTx) InsertCommission(ctx context.Context, c *model.ReferralCommission) error {
	tag, err := t.db.Exec(ctx,
		`INSERT INTO referral_commissions (id, referrer_id, referred_id, source_transaction_id, transaction_type,
		   commission_amount, commission_rate, source_amount, currency, status, created_at, paid_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12)
		 ON CONFLICT (source_transaction_id) DO NOTHING`,
		c.ID, c.ReferrerID, c.ReferredID, c.SourceTransactionID, string(c.TransactionType),
		c.CommissionAmount.String(), c.CommissionRate.String(), c.SourceAmount.String(),
		c.Currency, string(c.Status), c.CreatedAt, c.PaidAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("commission for %s: %w", c.SourceTransactionID, ErrDuplicate)
	}
	return nil
}

func (t *pgTx) InsertReferralActivity(ctx context.Context, a *model.ReferralActivity) error {
	_, err := t.db.Exec(ctx,
		`INSERT INTO referral_activities (id, referrer_id, referred_id, activity_type, amount, currency, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		a.ID, a.ReferrerID, a.ReferredID, a.ActivityType, a.Amount.String(), a.Currency, a.CreatedAt)
	return err
}

// --- helpers ---

// numerics parses NUMERIC::TEXT columns, keeping the first failure.
type numerics struct {
	err error
}

func (n *numerics) parse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && n.err == nil {
		n.err = fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d
}

func (n *numerics) nullable(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(n.parse(*s))
}

func nullNumeric(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func duplicate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrDuplicate)
	}
	return err
}
