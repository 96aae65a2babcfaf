package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharehub/share-ledger/internal/allocation"
	"github.com/sharehub/share-ledger/internal/api"
	"github.com/sharehub/share-ledger/internal/apperr"
	"github.com/sharehub/share-ledger/internal/fee"
	"github.com/sharehub/share-ledger/internal/limits"
	"github.com/sharehub/share-ledger/internal/model"
	"github.com/sharehub/share-ledger/internal/order"
	"github.com/sharehub/share-ledger/internal/pool"
	"github.com/sharehub/share-ledger/internal/referral"
	"github.com/sharehub/share-ledger/internal/stats"
	"github.com/sharehub/share-ledger/internal/store"
)

type testEnv struct {
	ms     *store.MemoryStore
	hub    *api.WSHub
	router chi.Router
}

// newTestEnv wires the full stack over an in-memory store.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()

	funds, err := allocation.NewFundAllocator(allocation.DefaultShares(), nil)
	require.NoError(t, err)
	fees := fee.NewResolver(ms, nil)
	enforcer := limits.NewEnforcer(ms, time.UTC, time.Monday, nil)
	tracker := referral.NewTracker(ms, nil)
	engine := order.NewEngine(ms, order.Deps{
		Fees:       fees,
		Limits:     enforcer,
		Referrals:  tracker,
		Funds:      funds,
		FeeRecords: allocation.NewFeeProcessor(nil),
		Settlement: order.SettlementPolicy{MaxAttempts: 1},
	}, nil)

	hub := api.NewWSHub(nil)
	h := api.NewHandler(api.Services{
		Ledger:    pool.NewLedger(ms, engine, nil),
		Engine:    engine,
		Fees:      fees,
		Limits:    enforcer,
		Referrals: tracker,
		Stats:     stats.NewProjection(ms, nil),
	}, hub, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", h.Routes)
	return &testEnv{ms: ms, hub: hub, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createPool(t *testing.T, total int64, reservePct string) *model.SharePool {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/pools", map[string]any{
		"name":            "Coffee Cooperative",
		"total_shares":    total,
		"price_per_share": "25000",
		"currency":        "UGX",
		"reserve_percent": reservePct,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res pool.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res.Pool
}

func (e *testEnv) fund(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, e.ms.PutWallet(context.Background(), &model.Wallet{
		ID:       "wallet-" + userID,
		UserID:   userID,
		Currency: "UGX",
		Balance:  decimal.RequireFromString("1000000000"),
	}))
}

func (e *testEnv) buy(t *testing.T, userID, poolID string, qty int64) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/api/v1/purchases", order.PurchaseInput{UserID: userID, PoolID: poolID, Quantity: qty})
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestCreateAndGetPool(t *testing.T) {
	env := newTestEnv(t)
	p := env.createPool(t, 1000, "10")
	assert.Equal(t, int64(100), p.ReservedShares)
	assert.Equal(t, int64(900), p.AvailableShares)

	w := env.do(t, http.MethodGet, "/api/v1/pools/"+p.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res pool.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, p.ID, res.Pool.ID)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestGetUnknownPoolReturns404(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/pools/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound", decodeError(t, w).Kind)
}

func TestInvalidBodyReturns400(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/pools", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidInput", decodeError(t, w).Kind)
}

func TestOversizedPurchaseReturnsShortfall(t *testing.T) {
	env := newTestEnv(t)
	p := env.createPool(t, 100, "0")
	env.fund(t, "alice")
	env.fund(t, "bob")
	require.Equal(t, http.StatusCreated, env.buy(t, "alice", p.ID, 80).Code)

	w := env.buy(t, "bob", p.ID, 30)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "InsufficientShares", resp.Kind)
	assert.Equal(t, "30", resp.Details["requested"])
	assert.Equal(t, "20", resp.Details["available"])
}

func TestOutOfOrderFillReturns409(t *testing.T) {
	env := newTestEnv(t)
	p := env.createPool(t, 1000, "0")
	env.fund(t, "s1")
	env.fund(t, "s2")
	require.Equal(t, http.StatusCreated, env.buy(t, "s1", p.ID, 100).Code)
	require.Equal(t, http.StatusCreated, env.buy(t, "s2", p.ID, 100).Code)

	sell := func(user string) *model.SellOrder {
		w := env.do(t, http.MethodPost, "/api/v1/sell-orders", order.SellInput{UserID: user, PoolID: p.ID, Quantity: 10})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var res order.SellResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		return res.Order
	}
	head := sell("s1")
	next := sell("s2")

	w := env.do(t, http.MethodPost, "/api/v1/sell-orders/"+next.ID+"/fill", api.QuantityRequest{Quantity: 5})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "OutOfOrder", decodeError(t, w).Kind)

	w = env.do(t, http.MethodPost, "/api/v1/sell-orders/"+head.ID+"/fill", api.QuantityRequest{Quantity: 10})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var fill order.Fill
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fill))
	assert.Equal(t, model.StatusCompleted, fill.Order.Status)

	w = env.do(t, http.MethodGet, "/api/v1/pools/"+p.ID+"/sell-queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var queue []*model.SellOrder
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &queue))
	require.Len(t, queue, 1)
	assert.Equal(t, next.ID, queue[0].ID)
}

func TestCancelOrderByAnotherUserIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	p := env.createPool(t, 1000, "0")
	w := env.do(t, http.MethodPost, "/api/v1/purchase-orders", order.PurchaseInput{UserID: "alice", PoolID: p.ID, Quantity: 5})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var o model.PurchaseOrder
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &o))

	w = env.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/cancel", api.CancelRequest{UserID: "mallory"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/cancel", api.CancelRequest{UserID: "alice"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/orders/"+o.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		Kind  model.OrderKind     `json:"kind"`
		Order model.PurchaseOrder `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, model.KindPurchase, view.Kind)
	assert.Equal(t, model.StatusCancelled, view.Order.Status)

	w = env.do(t, http.MethodPost, "/api/v1/orders/"+o.ID+"/cancel", api.CancelRequest{UserID: "alice"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "OrderNotCancellable", decodeError(t, w).Kind)
}

func TestQuoteFee(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.ms.PutFeeStructure(context.Background(), &model.FeeStructure{
		TransactionType: model.TxShareSale,
		Currency:        "UGX",
		PercentageFee:   decimal.NewFromInt(1),
		Active:          true,
	}))

	w := env.do(t, http.MethodGet, "/api/v1/fees/quote?type=share_sale&amount=750000&currency=UGX", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var q fee.Quote
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &q))
	assert.True(t, q.TotalFee.Equal(decimal.NewFromInt(7500)), q.TotalFee.String())

	w = env.do(t, http.MethodGet, "/api/v1/fees/quote?type=share_sale&amount=lots&currency=UGX", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidateSellReportsViolations(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.ms.PutSellingLimit(context.Background(), &model.SellingLimit{
		ID:          "daily",
		AccountType: order.DefaultAccountType,
		LimitType:   model.LimitQuantity,
		DailyLimit:  decimal.NewNullDecimal(decimal.NewFromInt(100)),
		Active:      true,
	}))

	w := env.do(t, http.MethodPost, "/api/v1/selling-limits/validate", api.ValidateSellRequest{
		UserID: "alice", Quantity: 101, TotalHoldings: 500,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var v limits.Validation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	assert.False(t, v.Valid)
	assert.NotEmpty(t, v.Violations)
	assert.Equal(t, int64(100), v.MaxAllowed)
}

func TestResizeBelowCommittedReturnsMinimum(t *testing.T) {
	env := newTestEnv(t)
	p := env.createPool(t, 100, "0")
	env.fund(t, "alice")
	require.Equal(t, http.StatusCreated, env.buy(t, "alice", p.ID, 60).Code)

	w := env.do(t, http.MethodPost, "/api/v1/pools/"+p.ID+"/resize", api.ResizeRequest{Delta: 50, Direction: pool.Subtract})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "PoolTooSmall", resp.Kind)
	assert.Equal(t, "60", resp.Details["minimum"])
}

func TestWebSocketReceivesPoolUpdates(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Run(ctx)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	p := env.createPool(t, 500, "0")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pool_updated", msg.Type)
	assert.Equal(t, p.ID, msg.PoolID)
	assert.Equal(t, int64(500), msg.TotalShares)
	assert.Equal(t, int64(500), msg.Headroom)
}

func TestWebSocketMessagesCarryZeroCounters(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Run(ctx)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	env.createPool(t, 500, "0")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var raw map[string]any
	require.NoError(t, conn.ReadJSON(&raw))
	for _, key := range []string{"reserved_shares", "reserved_issued", "sold_shares"} {
		v, ok := raw[key]
		require.True(t, ok, "missing %s in %v", key, raw)
		assert.EqualValues(t, 0, v)
	}
}

func TestWebSocketAfterHubStopsClosesConnection(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		env.hub.Run(ctx)
		close(stopped)
	}()

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"

	early, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer early.Close()
	require.Eventually(t, func() bool { return env.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()

	for _, conn := range []*websocket.Conn{early, late} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = conn.ReadMessage()
		require.Error(t, err)
		var ne net.Error
		assert.False(t, errors.As(err, &ne) && ne.Timeout(), "connection left open: %v", err)
	}
	assert.Equal(t, 0, env.hub.Clients())
}

func TestTrackCommissionFromJSON(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.ms.PutReferralSettings(ctx, model.ReferralSettings{
		CommissionEnabled:  true,
		BaseCommissionRate: decimal.RequireFromString("0.05"),
	}))
	require.NoError(t, env.ms.PutProfile(ctx, &model.Profile{UserID: "bob", ReferredBy: "alice"}))
	require.NoError(t, env.ms.PutProfile(ctx, &model.Profile{UserID: "carol", ReferredBy: "carol"}))

	w := env.do(t, http.MethodPost, "/api/v1/referrals/commissions", map[string]any{
		"referred_user_id":      "bob",
		"amount":                "200000",
		"currency":              "UGX",
		"transaction_type":      "share_sale",
		"source_transaction_id": "tx-42",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res referral.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.True(t, res.Success)
	require.NotNil(t, res.Commission)
	assert.Equal(t, "alice", res.Commission.ReferrerID)
	assert.Equal(t, "bob", res.Commission.ReferredID)
	assert.Equal(t, "tx-42", res.Commission.SourceTransactionID)
	assert.Equal(t, model.TxShareSale, res.Commission.TransactionType)
	assert.Equal(t, "UGX", res.Commission.Currency)
	assert.True(t, res.Commission.CommissionAmount.Equal(decimal.RequireFromString("10000")))

	w = env.do(t, http.MethodGet, "/api/v1/users/alice/referrals/commissions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []model.ReferralCommission
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "tx-42", list[0].SourceTransactionID)

	w = env.do(t, http.MethodPost, "/api/v1/referrals/commissions", map[string]any{
		"referred_user_id":      "carol",
		"amount":                "100",
		"currency":              "UGX",
		"transaction_type":      "share_purchase",
		"source_transaction_id": "tx-43",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "SelfReferral", decodeError(t, w).Kind)
}

func TestGetTransactionShowsSettlement(t *testing.T) {
	env := newTestEnv(t)
	p := env.createPool(t, 1000, "0")
	env.fund(t, "alice")

	w := env.buy(t, "alice", p.ID, 4)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var bought order.PurchaseResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bought))

	w = env.do(t, http.MethodGet, "/api/v1/transactions/"+bought.Transaction.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var d order.TransactionDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, bought.Order.ID, d.Transaction.OrderID)
	assert.Equal(t, int64(4), d.Transaction.Quantity)
	require.Len(t, d.Allocations, 3)
	sum := decimal.Zero
	for _, a := range d.Allocations {
		sum = sum.Add(a.Amount)
	}
	assert.True(t, sum.Equal(decimal.RequireFromString("100000")))
	assert.Nil(t, d.Fee)

	w = env.do(t, http.MethodGet, "/api/v1/transactions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound", decodeError(t, w).Kind)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.New(apperr.ErrNotFound, "x"), http.StatusNotFound},
		{apperr.New(apperr.ErrInvalidInput, "x"), http.StatusBadRequest},
		{apperr.New(apperr.ErrNotAuthorized, "x"), http.StatusForbidden},
		{apperr.New(apperr.ErrConflict, "x"), http.StatusConflict},
		{apperr.New(apperr.ErrOutOfOrder, "x"), http.StatusConflict},
		{apperr.New(apperr.ErrOrderNotCancellable, "x"), http.StatusConflict},
		{apperr.New(apperr.ErrSellingLimit, "x"), http.StatusUnprocessableEntity},
		{apperr.New(apperr.ErrNoOp, "x"), http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", apperr.New(apperr.ErrInsufficientFunds, "x")), http.StatusUnprocessableEntity},
		{errors.New("database on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, api.StatusFor(tc.err), tc.err.Error())
	}
}
