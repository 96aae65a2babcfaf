package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/sharehub/share-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for pool rows and reference data. Writes go to the primary store and
// invalidate the cache after commit; reads check Redis first then fall back
// to the primary. Everything else passes straight through.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

// InTx records which pools the transaction saved and drops their cache
// entries once the primary has committed.
func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	touched := &touchedPools{ids: make(map[string]struct{})}
	err := s.Store.InTx(ctx, func(tx Tx) error {
		return fn(&invalidatingTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}
	if keys := touched.keys(); len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

func (s *CachedStore) AddReferrerEarnings(ctx context.Context, userID string, pending, total decimal.Decimal) error {
	if err := s.Store.AddReferrerEarnings(ctx, userID, pending, total); err != nil {
		return err
	}
	s.rdb.Del(ctx, referrerKey(userID))
	return nil
}

func (s *CachedStore) PutFeeStructure(ctx context.Context, f *model.FeeStructure) error {
	if err := s.Store.PutFeeStructure(ctx, f); err != nil {
		return err
	}
	s.rdb.Del(ctx, feeKeyFor(f.TransactionType, f.Currency))
	return nil
}

// PutSellingLimit drops the cached list of the limit's account type and, when
// the write moves the limit to another account type, the old one's too.
func (s *CachedStore) PutSellingLimit(ctx context.Context, l *model.SellingLimit) error {
	keys := []string{limitsKey(l.AccountType)}
	prev, err := s.Store.GetSellingLimit(ctx, l.ID)
	switch {
	case err == nil:
		if prev.AccountType != l.AccountType {
			keys = append(keys, limitsKey(prev.AccountType))
		}
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("lookup selling limit %s: %w", l.ID, err)
	}
	if err := s.Store.PutSellingLimit(ctx, l); err != nil {
		return err
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

func (s *CachedStore) PutReferralSettings(ctx context.Context, rs model.ReferralSettings) error {
	if err := s.Store.PutReferralSettings(ctx, rs); err != nil {
		return err
	}
	s.rdb.Del(ctx, settingsKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPool(ctx context.Context, id string) (*model.SharePool, error) {
	var p model.SharePool
	if s.cached(ctx, poolKey(id), &p) {
		return &p, nil
	}

	// Cache miss: read from primary.
	pool, err := s.Store.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, poolKey(id), pool)
	return pool, nil
}

func (s *CachedStore) GetFeeStructure(ctx context.Context, txType model.TransactionType, currency string) (*model.FeeStructure, error) {
	var f model.FeeStructure
	if s.cached(ctx, feeKeyFor(txType, currency), &f) {
		return &f, nil
	}

	fs, err := s.Store.GetFeeStructure(ctx, txType, currency)
	if err != nil {
		return nil, err
	}
	s.set(ctx, feeKeyFor(txType, currency), fs)
	return fs, nil
}

func (s *CachedStore) ListSellingLimits(ctx context.Context, accountType string) ([]model.SellingLimit, error) {
	var limits []model.SellingLimit
	if s.cached(ctx, limitsKey(accountType), &limits) {
		return limits, nil
	}

	limits, err := s.Store.ListSellingLimits(ctx, accountType)
	if err != nil {
		return nil, err
	}
	s.set(ctx, limitsKey(accountType), limits)
	return limits, nil
}

func (s *CachedStore) GetReferralSettings(ctx context.Context) (model.ReferralSettings, error) {
	var rs model.ReferralSettings
	if s.cached(ctx, settingsKey, &rs) {
		return rs, nil
	}

	rs, err := s.Store.GetReferralSettings(ctx)
	if err != nil {
		return rs, err
	}
	s.set(ctx, settingsKey, rs)
	return rs, nil
}

func (s *CachedStore) GetReferrerStats(ctx context.Context, userID string) (*model.ReferrerStats, error) {
	var st model.ReferrerStats
	if s.cached(ctx, referrerKey(userID), &st) {
		return &st, nil
	}

	stats, err := s.Store.GetReferrerStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, referrerKey(userID), stats)
	return stats, nil
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// invalidatingTx notes every pool row written through it.
type invalidatingTx struct {
	Tx
	touched *touchedPools
}

func (t *invalidatingTx) CreatePool(ctx context.Context, p *model.SharePool) error {
	t.touched.add(p.ID)
	return t.Tx.CreatePool(ctx, p)
}

func (t *invalidatingTx) SavePool(ctx context.Context, p *model.SharePool) error {
	t.touched.add(p.ID)
	return t.Tx.SavePool(ctx, p)
}

type touchedPools struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (t *touchedPools) add(id string) {
	t.mu.Lock()
	t.ids[id] = struct{}{}
	t.mu.Unlock()
}

func (t *touchedPools) keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.ids))
	for id := range t.ids {
		keys = append(keys, poolKey(id))
	}
	return keys
}

const settingsKey = "referral:settings"

func poolKey(id string) string      { return fmt.Sprintf("pool:%s", id) }
func limitsKey(acct string) string  { return fmt.Sprintf("limits:%s", acct) }
func referrerKey(uid string) string { return fmt.Sprintf("referrer:%s", uid) }
func feeKeyFor(t model.TransactionType, ccy string) string {
	return fmt.Sprintf("fee:%s:%s", t, ccy)
}
