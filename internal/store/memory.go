package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sharehub/share-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialised by txMu and run against a copy of the state
// that replaces the live state on success. Stored pointers are never mutated
// in place, so a shallow copy of each map is a consistent snapshot.
type MemoryStore struct {
	txMu  sync.Mutex
	mu    sync.RWMutex
	state *memState
}

type holdingKey struct{ userID, poolID string }

type walletKey struct{ userID, currency string }

type feeKey struct {
	txType   model.TransactionType
	currency string
}

type memState struct {
	pools         map[string]*model.SharePool
	holdings      map[holdingKey]*model.UserHolding
	wallets       map[walletKey]*model.Wallet
	orders        map[string]model.Order
	transactions  []model.Transaction
	reserveAllocs []model.ReserveAllocation
	sellMods      []model.SellOrderModification
	fees          map[feeKey]*model.FeeStructure
	limits        map[string]*model.SellingLimit
	profiles      map[string]*model.Profile
	settings      model.ReferralSettings
	fundAllocs    map[string][]model.FundAllocation
	feeRecords    map[string]*model.FeeRecord
	commissions   []model.ReferralCommission
	activity      []model.ReferralActivity
	referrerStats map[string]*model.ReferrerStats
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			pools:         make(map[string]*model.SharePool),
			holdings:      make(map[holdingKey]*model.UserHolding),
			wallets:       make(map[walletKey]*model.Wallet),
			orders:        make(map[string]model.Order),
			fees:          make(map[feeKey]*model.FeeStructure),
			limits:        make(map[string]*model.SellingLimit),
			profiles:      make(map[string]*model.Profile),
			fundAllocs:    make(map[string][]model.FundAllocation),
			feeRecords:    make(map[string]*model.FeeRecord),
			referrerStats: make(map[string]*model.ReferrerStats),
		},
	}
}

func (st *memState) clone() *memState {
	return &memState{
		pools:         maps.Clone(st.pools),
		holdings:      maps.Clone(st.holdings),
		wallets:       maps.Clone(st.wallets),
		orders:        maps.Clone(st.orders),
		transactions:  slices.Clone(st.transactions),
		reserveAllocs: slices.Clone(st.reserveAllocs),
		sellMods:      slices.Clone(st.sellMods),
		fees:          maps.Clone(st.fees),
		limits:        maps.Clone(st.limits),
		profiles:      maps.Clone(st.profiles),
		settings:      st.settings,
		fundAllocs:    maps.Clone(st.fundAllocs),
		feeRecords:    maps.Clone(st.feeRecords),
		commissions:   slices.Clone(st.commissions),
		activity:      slices.Clone(st.activity),
		referrerStats: maps.Clone(st.referrerStats),
	}
}

// InTx runs fn against a private copy of the state and publishes it only if
// fn succeeds.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	work := s.state.clone()
	s.mu.RUnlock()

	if err := fn(&memTx{memState: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

// write applies fn to the live state outside a ledger transaction.
func (s *MemoryStore) write(fn func(st *memState)) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

func (s *MemoryStore) AddReferrerEarnings(_ context.Context, userID string, pending, total decimal.Decimal) error {
	s.write(func(st *memState) {
		cur := model.ReferrerStats{UserID: userID}
		if existing, ok := st.referrerStats[userID]; ok {
			cur = *existing
		}
		cur.PendingEarnings = cur.PendingEarnings.Add(pending)
		cur.TotalEarnings = cur.TotalEarnings.Add(total)
		cur.Commissions++
		cur.UpdatedAt = time.Now().UTC()
		st.referrerStats[userID] = &cur
	})
	return nil
}

func (s *MemoryStore) PutFeeStructure(_ context.Context, f *model.FeeStructure) error {
	c := *f
	s.write(func(st *memState) { st.fees[feeKey{f.TransactionType, f.Currency}] = &c })
	return nil
}

func (s *MemoryStore) PutSellingLimit(_ context.Context, l *model.SellingLimit) error {
	if l.ID == "" {
		return fmt.Errorf("selling limit id is required")
	}
	c := *l
	s.write(func(st *memState) { st.limits[l.ID] = &c })
	return nil
}

func (s *MemoryStore) PutProfile(_ context.Context, p *model.Profile) error {
	c := *p
	s.write(func(st *memState) { st.profiles[p.UserID] = &c })
	return nil
}

func (s *MemoryStore) PutReferralSettings(_ context.Context, settings model.ReferralSettings) error {
	s.write(func(st *memState) { st.settings = settings })
	return nil
}

func (s *MemoryStore) PutWallet(_ context.Context, w *model.Wallet) error {
	c := *w
	s.write(func(st *memState) { st.wallets[walletKey{w.UserID, w.Currency}] = &c })
	return nil
}

// --- Reads on the live state ---

func (s *MemoryStore) read() *memState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Because committed states are never mutated, a reader can keep using the
// pointer it obtained after the lock is released.

func (s *MemoryStore) GetPool(ctx context.Context, id string) (*model.SharePool, error) {
	return s.read().GetPool(ctx, id)
}

func (s *MemoryStore) ListPools(ctx context.Context) ([]model.SharePool, error) {
	return s.read().ListPools(ctx)
}

func (s *MemoryStore) PoolUsage(ctx context.Context, poolID string) (model.PoolUsage, error) {
	return s.read().PoolUsage(ctx, poolID)
}

func (s *MemoryStore) GetHolding(ctx context.Context, userID, poolID string) (*model.UserHolding, error) {
	return s.read().GetHolding(ctx, userID, poolID)
}

func (s *MemoryStore) ListHoldings(ctx context.Context, userID string) ([]model.UserHolding, error) {
	return s.read().ListHoldings(ctx, userID)
}

func (s *MemoryStore) CountHolders(ctx context.Context, poolID string) (int64, error) {
	return s.read().CountHolders(ctx, poolID)
}

func (s *MemoryStore) GetWallet(ctx context.Context, userID, currency string) (*model.Wallet, error) {
	return s.read().GetWallet(ctx, userID, currency)
}

func (s *MemoryStore) GetOrder(ctx context.Context, id string) (model.Order, error) {
	return s.read().GetOrder(ctx, id)
}

func (s *MemoryStore) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.read().ListOrdersByUser(ctx, userID)
}

func (s *MemoryStore) OpenSellOrders(ctx context.Context, poolID string) ([]*model.SellOrder, error) {
	return s.read().OpenSellOrders(ctx, poolID)
}

func (s *MemoryStore) QueuedSellQuantity(ctx context.Context, userID, poolID string) (int64, error) {
	return s.read().QueuedSellQuantity(ctx, userID, poolID)
}

func (s *MemoryStore) OpenSellVolume(ctx context.Context, userID string) (int64, error) {
	return s.read().OpenSellVolume(ctx, userID)
}

func (s *MemoryStore) PendingTransferQuantity(ctx context.Context, userID, poolID string) (int64, error) {
	return s.read().PendingTransferQuantity(ctx, userID, poolID)
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.read().GetTransaction(ctx, id)
}

func (s *MemoryStore) ListTransactions(ctx context.Context, f model.TransactionFilter) ([]model.Transaction, error) {
	return s.read().ListTransactions(ctx, f)
}

func (s *MemoryStore) SoldVolumeSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	return s.read().SoldVolumeSince(ctx, userID, since)
}

func (s *MemoryStore) ListReserveAllocations(ctx context.Context, poolID string) ([]model.ReserveAllocation, error) {
	return s.read().ListReserveAllocations(ctx, poolID)
}

func (s *MemoryStore) GetFeeStructure(ctx context.Context, txType model.TransactionType, currency string) (*model.FeeStructure, error) {
	return s.read().GetFeeStructure(ctx, txType, currency)
}

func (s *MemoryStore) ListSellingLimits(ctx context.Context, accountType string) ([]model.SellingLimit, error) {
	return s.read().ListSellingLimits(ctx, accountType)
}

func (s *MemoryStore) GetSellingLimit(ctx context.Context, id string) (*model.SellingLimit, error) {
	return s.read().GetSellingLimit(ctx, id)
}

func (s *MemoryStore) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	return s.read().GetProfile(ctx, userID)
}

func (s *MemoryStore) GetReferralSettings(ctx context.Context) (model.ReferralSettings, error) {
	return s.read().GetReferralSettings(ctx)
}

func (s *MemoryStore) ListFundAllocations(ctx context.Context, transactionID string) ([]model.FundAllocation, error) {
	return s.read().ListFundAllocations(ctx, transactionID)
}

func (s *MemoryStore) GetFeeRecord(ctx context.Context, transactionID string) (*model.FeeRecord, error) {
	return s.read().GetFeeRecord(ctx, transactionID)
}

func (s *MemoryStore) GetCommissionBySource(ctx context.Context, sourceTransactionID string) (*model.ReferralCommission, error) {
	return s.read().GetCommissionBySource(ctx, sourceTransactionID)
}

func (s *MemoryStore) ListCommissions(ctx context.Context, referrerID string) ([]model.ReferralCommission, error) {
	return s.read().ListCommissions(ctx, referrerID)
}

func (s *MemoryStore) GetReferrerStats(ctx context.Context, userID string) (*model.ReferrerStats, error) {
	return s.read().GetReferrerStats(ctx, userID)
}

// --- memState queries (shared by MemoryStore and memTx) ---

func (st *memState) GetPool(_ context.Context, id string) (*model.SharePool, error) {
	p, ok := st.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	c := *p
	return &c, nil
}

func (st *memState) ListPools(_ context.Context) ([]model.SharePool, error) {
	pools := make([]model.SharePool, 0, len(st.pools))
	for _, p := range st.pools {
		pools = append(pools, *p)
	}
	sort.Slice(pools, func(i, j int) bool {
		if pools[i].CreatedAt.Equal(pools[j].CreatedAt) {
			return pools[i].ID < pools[j].ID
		}
		return pools[i].CreatedAt.Before(pools[j].CreatedAt)
	})
	return pools, nil
}

func (st *memState) PoolUsage(_ context.Context, poolID string) (model.PoolUsage, error) {
	var u model.PoolUsage
	for _, t := range st.transactions {
		if t.PoolID != poolID {
			continue
		}
		switch t.Type {
		case model.TxSharePurchase:
			u.Purchased += t.Quantity
			if t.Source == model.SourceReserve {
				u.ReserveIssued += t.Quantity
			} else {
				u.MarketPurchased += t.Quantity
			}
		case model.TxShareSale:
			u.BoughtBack += t.Quantity
		}
	}
	return u, nil
}

func (st *memState) GetHolding(_ context.Context, userID, poolID string) (*model.UserHolding, error) {
	h, ok := st.holdings[holdingKey{userID, poolID}]
	if !ok {
		return nil, fmt.Errorf("holding %s/%s: %w", userID, poolID, ErrNotFound)
	}
	c := *h
	return &c, nil
}

func (st *memState) ListHoldings(_ context.Context, userID string) ([]model.UserHolding, error) {
	var result []model.UserHolding
	for k, h := range st.holdings {
		if k.userID == userID {
			result = append(result, *h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PoolID < result[j].PoolID })
	return result, nil
}

func (st *memState) CountHolders(_ context.Context, poolID string) (int64, error) {
	var n int64
	for k, h := range st.holdings {
		if k.poolID == poolID && h.Quantity > 0 {
			n++
		}
	}
	return n, nil
}

func (st *memState) GetWallet(_ context.Context, userID, currency string) (*model.Wallet, error) {
	w, ok := st.wallets[walletKey{userID, currency}]
	if !ok {
		return nil, fmt.Errorf("wallet %s/%s: %w", userID, currency, ErrNotFound)
	}
	c := *w
	return &c, nil
}

func (st *memState) GetOrder(_ context.Context, id string) (model.Order, error) {
	o, ok := st.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o.Clone(), nil
}

func (st *memState) ListOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	var result []model.Order
	for _, o := range st.orders {
		if o.Base().UserID == userID {
			result = append(result, o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		bi, bj := result[i].Base(), result[j].Base()
		if bi.CreatedAt.Equal(bj.CreatedAt) {
			return bi.ID < bj.ID
		}
		return bi.CreatedAt.Before(bj.CreatedAt)
	})
	return result, nil
}

func (st *memState) OpenSellOrders(_ context.Context, poolID string) ([]*model.SellOrder, error) {
	var result []*model.SellOrder
	for _, o := range st.orders {
		so, ok := o.(*model.SellOrder)
		if !ok || so.PoolID != poolID || !so.Open() {
			continue
		}
		result = append(result, so.Clone().(*model.SellOrder))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FIFOPosition < result[j].FIFOPosition })
	return result, nil
}

func (st *memState) QueuedSellQuantity(_ context.Context, userID, poolID string) (int64, error) {
	var n int64
	for _, o := range st.orders {
		so, ok := o.(*model.SellOrder)
		if ok && so.UserID == userID && so.PoolID == poolID && so.Open() {
			n += so.RemainingQuantity()
		}
	}
	return n, nil
}

func (st *memState) OpenSellVolume(_ context.Context, userID string) (int64, error) {
	var n int64
	for _, o := range st.orders {
		so, ok := o.(*model.SellOrder)
		if ok && so.UserID == userID && so.Open() {
			n += so.RemainingQuantity()
		}
	}
	return n, nil
}

func (st *memState) PendingTransferQuantity(_ context.Context, userID, poolID string) (int64, error) {
	var n int64
	for _, o := range st.orders {
		tr, ok := o.(*model.TransferRequest)
		if ok && tr.UserID == userID && tr.PoolID == poolID && tr.Status == model.StatusPending {
			n += tr.Quantity
		}
	}
	return n, nil
}

func (st *memState) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	for _, t := range st.transactions {
		if t.ID == id {
			c := t
			return &c, nil
		}
	}
	return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
}

func (st *memState) ListTransactions(_ context.Context, f model.TransactionFilter) ([]model.Transaction, error) {
	var result []model.Transaction
	for _, t := range st.transactions {
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.PoolID != "" && t.PoolID != f.PoolID {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && t.CreatedAt.Before(f.Since) {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

func (st *memState) SoldVolumeSince(_ context.Context, userID string, since time.Time) (int64, error) {
	var n int64
	for _, t := range st.transactions {
		if t.UserID == userID && t.Type == model.TxShareSale && !t.CreatedAt.Before(since) {
			n += t.Quantity
		}
	}
	return n, nil
}

func (st *memState) ListReserveAllocations(_ context.Context, poolID string) ([]model.ReserveAllocation, error) {
	var result []model.ReserveAllocation
	for _, a := range st.reserveAllocs {
		if a.PoolID == poolID {
			result = append(result, a)
		}
	}
	return result, nil
}

func (st *memState) GetFeeStructure(_ context.Context, txType model.TransactionType, currency string) (*model.FeeStructure, error) {
	f, ok := st.fees[feeKey{txType, currency}]
	if !ok || !f.Active {
		return nil, fmt.Errorf("fee structure %s/%s: %w", txType, currency, ErrNotFound)
	}
	c := *f
	return &c, nil
}

func (st *memState) ListSellingLimits(_ context.Context, accountType string) ([]model.SellingLimit, error) {
	var result []model.SellingLimit
	for _, l := range st.limits {
		if l.AccountType == accountType && l.Active {
			result = append(result, *l)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (st *memState) GetSellingLimit(_ context.Context, id string) (*model.SellingLimit, error) {
	l, ok := st.limits[id]
	if !ok {
		return nil, fmt.Errorf("selling limit %s: %w", id, ErrNotFound)
	}
	c := *l
	return &c, nil
}

func (st *memState) GetProfile(_ context.Context, userID string) (*model.Profile, error) {
	p, ok := st.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	c := *p
	return &c, nil
}

func (st *memState) GetReferralSettings(_ context.Context) (model.ReferralSettings, error) {
	return st.settings, nil
}

func (st *memState) ListFundAllocations(_ context.Context, transactionID string) ([]model.FundAllocation, error) {
	return slices.Clone(st.fundAllocs[transactionID]), nil
}

func (st *memState) GetFeeRecord(_ context.Context, transactionID string) (*model.FeeRecord, error) {
	r, ok := st.feeRecords[transactionID]
	if !ok {
		return nil, fmt.Errorf("fee record %s: %w", transactionID, ErrNotFound)
	}
	c := *r
	return &c, nil
}

func (st *memState) GetCommissionBySource(_ context.Context, sourceTransactionID string) (*model.ReferralCommission, error) {
	for _, c := range st.commissions {
		if c.SourceTransactionID == sourceTransactionID {
			cc := c
			return &cc, nil
		}
	}
	return nil, fmt.Errorf("commission for %s: %w", sourceTransactionID, ErrNotFound)
}

func (st *memState) ListCommissions(_ context.Context, referrerID string) ([]model.ReferralCommission, error) {
	var result []model.ReferralCommission
	for _, c := range st.commissions {
		if c.ReferrerID == referrerID {
			result = append(result, c)
		}
	}
	return result, nil
}

func (st *memState) GetReferrerStats(_ context.Context, userID string) (*model.ReferrerStats, error) {
	if s, ok := st.referrerStats[userID]; ok {
		c := *s
		return &c, nil
	}
	return &model.ReferrerStats{UserID: userID}, nil
}

// --- memTx ---

type memTx struct {
	*memState
}

func (tx *memTx) LockPool(ctx context.Context, id string) (*model.SharePool, error) {
	return tx.GetPool(ctx, id)
}

func (tx *memTx) LockWallet(ctx context.Context, userID, currency string) (*model.Wallet, error) {
	return tx.GetWallet(ctx, userID, currency)
}

func (tx *memTx) LockHolding(_ context.Context, userID, poolID string) (*model.UserHolding, error) {
	if h, ok := tx.holdings[holdingKey{userID, poolID}]; ok {
		c := *h
		return &c, nil
	}
	return &model.UserHolding{UserID: userID, PoolID: poolID}, nil
}

func (tx *memTx) LockOrder(ctx context.Context, id string) (model.Order, error) {
	return tx.GetOrder(ctx, id)
}

func (tx *memTx) CreatePool(_ context.Context, p *model.SharePool) error {
	if _, ok := tx.pools[p.ID]; ok {
		return fmt.Errorf("pool %s: %w", p.ID, ErrDuplicate)
	}
	c := *p
	tx.pools[p.ID] = &c
	return nil
}

func (tx *memTx) SavePool(_ context.Context, p *model.SharePool) error {
	if _, ok := tx.pools[p.ID]; !ok {
		return fmt.Errorf("pool %s: %w", p.ID, ErrNotFound)
	}
	c := *p
	tx.pools[p.ID] = &c
	return nil
}

func (tx *memTx) SaveWallet(_ context.Context, w *model.Wallet) error {
	c := *w
	tx.wallets[walletKey{w.UserID, w.Currency}] = &c
	return nil
}

func (tx *memTx) SaveHolding(_ context.Context, h *model.UserHolding) error {
	c := *h
	tx.holdings[holdingKey{h.UserID, h.PoolID}] = &c
	return nil
}

func (tx *memTx) InsertOrder(_ context.Context, o model.Order) error {
	id := o.Base().ID
	if _, ok := tx.orders[id]; ok {
		return fmt.Errorf("order %s: %w", id, ErrDuplicate)
	}
	tx.orders[id] = o.Clone()
	return nil
}

func (tx *memTx) UpdateOrder(_ context.Context, o model.Order) error {
	id := o.Base().ID
	existing, ok := tx.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if existing.Kind() != o.Kind() {
		return fmt.Errorf("order %s changed kind from %s to %s", id, existing.Kind(), o.Kind())
	}
	tx.orders[id] = o.Clone()
	return nil
}

func (tx *memTx) InsertTransaction(_ context.Context, t *model.Transaction) error {
	tx.transactions = append(tx.transactions, *t)
	return nil
}

func (tx *memTx) InsertReserveAllocation(_ context.Context, a *model.ReserveAllocation) error {
	tx.reserveAllocs = append(tx.reserveAllocs, *a)
	return nil
}

func (tx *memTx) InsertSellModification(_ context.Context, m *model.SellOrderModification) error {
	tx.sellMods = append(tx.sellMods, *m)
	return nil
}

func (tx *memTx) InsertFundAllocations(_ context.Context, allocs []model.FundAllocation) error {
	if len(allocs) == 0 {
		return nil
	}
	txID := allocs[0].TransactionID
	if _, ok := tx.fundAllocs[txID]; ok {
		return fmt.Errorf("allocations for %s: %w", txID, ErrDuplicate)
	}
	tx.fundAllocs[txID] = slices.Clone(allocs)
	return nil
}

func (tx *memTx) InsertFeeRecord(_ context.Context, r *model.FeeRecord) error {
	if _, ok := tx.feeRecords[r.TransactionID]; ok {
		return fmt.Errorf("fee record %s: %w", r.TransactionID, ErrDuplicate)
	}
	c := *r
	tx.feeRecords[r.TransactionID] = &c
	return nil
}

func (tx *memTx) InsertCommission(_ context.Context, c *model.ReferralCommission) error {
	for _, existing := range tx.commissions {
		if existing.SourceTransactionID == c.SourceTransactionID {
			return fmt.Errorf("commission for %s: %w", c.SourceTransactionID, ErrDuplicate)
		}
	}
	tx.commissions = append(tx.commissions, *c)
	return nil
}

func (tx *memTx) InsertReferralActivity(_ context.Context, a *model.ReferralActivity) error {
	tx.activity = append(tx.activity, *a)
	return nil
}
