// Package api exposes the ledger over HTTP and pushes pool and order updates
// to WebSocket clients.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sharehub/share-ledger/internal/apperr"
	"github.com/sharehub/share-ledger/internal/fee"
	"github.com/sharehub/share-ledger/internal/limits"
	"github.com/sharehub/share-ledger/internal/model"
	"github.com/sharehub/share-ledger/internal/order"
	"github.com/sharehub/share-ledger/internal/pool"
	"github.com/sharehub/share-ledger/internal/referral"
	"github.com/sharehub/share-ledger/internal/stats"
)

// recentCommissions is how many commissions a referral summary lists.
const recentCommissions = 10

// Services are the components the handler fronts.
type Services struct {
	Ledger    *pool.Ledger
	Engine    *order.Engine
	Fees      *fee.Resolver
	Limits    *limits.Enforcer
	Referrals *referral.Tracker
	Stats     *stats.Projection
}

type Handler struct {
	svc    Services
	hub    *WSHub
	logger *slog.Logger
}

// NewHandler builds a handler. hub may be nil when no clients are served.
func NewHandler(svc Services, hub *WSHub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, hub: hub, logger: logger}
}

// Routes registers every endpoint on r, relative to the API prefix.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/pools", func(r chi.Router) {
		r.Get("/", h.PlatformStats)
		r.Post("/", h.CreatePool)
		r.Route("/{poolID}", func(r chi.Router) {
			r.Get("/", h.GetPool)
			r.Get("/stats", h.PoolStats)
			r.Post("/resize", h.ResizePool)
			r.Put("/reserve", h.SetReservePercentage)
			r.Post("/reserve/issue", h.IssueFromReserve)
			r.Get("/sell-queue", h.SellQueue)
			r.Post("/sell-queue/service", h.ServiceSellQueue)
		})
	})

	r.Post("/purchases", h.ProcessPurchase)
	r.Post("/purchase-orders", h.PlacePurchaseOrder)
	r.Post("/purchase-orders/{orderID}/pay", h.PayPurchaseOrder)
	r.Post("/purchase-orders/{orderID}/settle", h.SettlePurchase)

	r.Post("/sell-orders", h.CreateSellOrder)
	r.Patch("/sell-orders/{orderID}", h.ModifySellOrder)
	r.Get("/sell-orders/{orderID}/summary", h.SellOrderSummary)
	r.Post("/sell-orders/{orderID}/fill", h.ProcessSell)

	r.Post("/transfers", h.RequestTransfer)
	r.Post("/transfers/{orderID}/approve", h.ApproveTransfer)
	r.Post("/transfers/{orderID}/reject", h.RejectTransfer)

	r.Get("/orders/{orderID}", h.GetOrder)
	r.Post("/orders/{orderID}/cancel", h.CancelOrder)
	r.Get("/transactions/{transactionID}", h.GetTransaction)

	r.Get("/fees/quote", h.QuoteFee)
	r.Post("/selling-limits/validate", h.ValidateSell)
	r.Post("/referrals/commissions", h.TrackCommission)

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/orders", h.ListOrders)
		r.Get("/portfolio", h.Portfolio)
		r.Get("/selling-usage", h.SellingUsage)
		r.Get("/referrals", h.ReferralSummary)
		r.Get("/referrals/commissions", h.ListCommissions)
	})

	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}
}

// --- pools ---

func (h *Handler) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req pool.CreateInput
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Ledger.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.publishPool(res)
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Ledger.Get(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ResizeRequest is the body of POST /pools/{poolID}/resize.
type ResizeRequest struct {
	Delta     int64          `json:"delta"`
	Direction pool.Direction `json:"direction"`
}

func (h *Handler) ResizePool(w http.ResponseWriter, r *http.Request) {
	var req ResizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Ledger.ResizePool(r.Context(), chi.URLParam(r, "poolID"), req.Delta, req.Direction)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.publishPool(res)
	writeJSON(w, http.StatusOK, res)
}

// ReserveRequest is the body of PUT /pools/{poolID}/reserve.
type ReserveRequest struct {
	Percent decimal.Decimal `json:"percent"`
}

func (h *Handler) SetReservePercentage(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Ledger.SetReservePercentage(r.Context(), chi.URLParam(r, "poolID"), req.Percent)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.publishPool(res)
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) IssueFromReserve(w http.ResponseWriter, r *http.Request) {
	var req pool.IssueInput
	if !h.decode(w, r, &req) {
		return
	}
	req.PoolID = chi.URLParam(r, "poolID")
	res, err := h.svc.Ledger.IssueFromReserve(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.publishPool(res.Result)
	if res.Order != nil {
		h.publishOrder(res.Order)
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) PoolStats(w http.ResponseWriter, r *http.Request) {
	ps, err := h.svc.Stats.PoolStats(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *Handler) PlatformStats(w http.ResponseWriter, r *http.Request) {
	totals, err := h.svc.Stats.Platform(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (h *Handler) SellQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := h.svc.Engine.SellQueue(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if queue == nil {
		queue = []*model.SellOrder{}
	}
	writeJSON(w, http.StatusOK, queue)
}

// QuantityRequest carries a share quantity.
type QuantityRequest struct {
	Quantity int64 `json:"quantity"`
}

func (h *Handler) ServiceSellQueue(w http.ResponseWriter, r *http.Request) {
	var req QuantityRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Engine.ServiceSellQueue(r.Context(), chi.URLParam(r, "poolID"), req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	for _, f := range res.Fills {
		h.publishOrder(f.Order)
	}
	h.refreshPool(r, res.PoolID)
	writeJSON(w, http.StatusOK, res)
}

// --- purchases ---

func (h *Handler) ProcessPurchase(w http.ResponseWriter, r *http.Request) {
	var req order.PurchaseInput
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Engine.ProcessPurchase(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.publishOrder(res.Order)
	h.refreshPool(r, res.Order.PoolID)
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) PlacePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req order.PurchaseInput
	if !h.decode(w, r, &req) {
		return
	}
	o, err := h.svc.Engine.PlacePurchaseOrder(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.publishOrder(o)
	writeJSON(w, http.StatusCreated, o)
}

func (h *Handler) PayPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Engine.PayPurchaseOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.publishOrder(res.Order)
	h.refreshPool(r, res.Order.PoolID)
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) SettlePurchase(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.Engine.SettlePurchase(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.publishOrder(o)
	writeJSON(w, http.StatusOK, o)
}

// --- sells ---

func (h *Handler) CreateSellOrder(w http.ResponseWriter, r *http.Request) {
	var req order.SellInput
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Engine.CreateSellOrder(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.publishOrder(res.Order)
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) ProcessSell(w http.ResponseWriter, r *http.Request) {
	var req QuantityRequest
	if !h.decode(w, r, &req) {
		return
	}
	fill, err := h.svc.Engine.ProcessSell(r.Context(), chi.URLParam(r, "orderID"), req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.publishOrder(fill.Order)
	h.refreshPool(r, fill.Order.PoolID)
	writeJSON(w, http.StatusOK, fill)
}

func (h *Handler) ModifySellOrder(w http.ResponseWriter, r *http.Request) {
	var req order.ModifyInput
	if !h.decode(w, r, &req) {
		return
	}
	req.OrderID = chi.URLParam(r, "orderID")
	o, err := h.svc.Engine.ModifySellOrder(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.publishOrder(o)
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) SellOrderSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.Engine.SellOrderSummary(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// --- transfers ---

func (h *Handler) RequestTransfer(w http.ResponseWriter, r *http.Request) {
	var req order.TransferInput
	if !h.decode(w, r, &req) {
		return
	}
	o, err := h.svc.Engine.RequestTransfer(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.publishOrder(o)
	writeJSON(w, http.StatusCreated, o)
}

// ReviewRequest is the body of a transfer approval or rejection.
type ReviewRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Reason     string `json:"reason"`
}

func (h *Handler) ApproveTransfer(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Engine.ApproveTransfer(r.Context(), chi.URLParam(r, "orderID"), req.ReviewerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.publishOrder(res.Order)
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) RejectTransfer(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	o, err := h.svc.Engine.RejectTransfer(r.Context(), chi.URLParam(r, "orderID"), req.ReviewerID, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.publishOrder(o)
	writeJSON(w, http.StatusOK, o)
}

// --- orders ---

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.Engine.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(o))
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Engine.GetTransaction(r.Context(), chi.URLParam(r, "transactionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// OrderView tags an order with its variant.
type OrderView struct {
	Kind  model.OrderKind `json:"kind"`
	Order model.Order     `json:"order"`
}

func viewOf(o model.Order) OrderView {
	return OrderView{Kind: o.Kind(), Order: o}
}

// CancelRequest is the body of POST /orders/{orderID}/cancel.
type CancelRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	o, err := h.svc.Engine.CancelOrder(r.Context(), chi.URLParam(r, "orderID"), req.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.publishOrder(o)
	writeJSON(w, http.StatusOK, viewOf(o))
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.svc.Engine.ListOrders(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	views := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, viewOf(o))
	}
	writeJSON(w, http.StatusOK, views)
}

// --- fees, limits, referrals ---

// QuoteFee prices ?type=&amount=&currency=.
func (h *Handler) QuoteFee(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		h.writeError(w, apperr.New(apperr.ErrInvalidInput, "amount must be a decimal", "amount", q.Get("amount")))
		return
	}
	quote, err := h.svc.Fees.Resolve(r.Context(), model.TransactionType(q.Get("type")), amount, q.Get("currency"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// ValidateSellRequest is the body of POST /selling-limits/validate.
type ValidateSellRequest struct {
	UserID        string `json:"user_id"`
	AccountType   string `json:"account_type"`
	Quantity      int64  `json:"quantity"`
	TotalHoldings int64  `json:"total_holdings"`
}

func (h *Handler) ValidateSell(w http.ResponseWriter, r *http.Request) {
	var req ValidateSellRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.AccountType == "" {
		req.AccountType = order.DefaultAccountType
	}
	v, err := h.svc.Limits.ValidateSell(r.Context(), req.UserID, req.AccountType, req.Quantity, req.TotalHoldings)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// SellingUsage reports the user's window usage and, given ?holdings=, the
// largest sell the limits would allow.
func (h *Handler) SellingUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	usage, err := h.svc.Limits.Usage(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := map[string]any{"user_id": userID, "usage": usage}

	if raw := r.URL.Query().Get("holdings"); raw != "" {
		holdings, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || holdings < 0 {
			h.writeError(w, apperr.New(apperr.ErrInvalidInput, "holdings must be a non-negative integer", "holdings", raw))
			return
		}
		acct := r.URL.Query().Get("account_type")
		if acct == "" {
			acct = order.DefaultAccountType
		}
		maxAllowed, err := h.svc.Limits.MaxAllowedQuantity(r.Context(), userID, acct, holdings)
		if err != nil {
			h.writeError(w, err)
			return
		}
		resp["max_allowed"] = maxAllowed
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) TrackCommission(w http.ResponseWriter, r *http.Request) {
	var req referral.Input
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Referrals.TrackCommission(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Referrals.ListCommissions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []model.ReferralCommission{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) ReferralSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.Stats.ReferralSummary(r.Context(), chi.URLParam(r, "userID"), recentCommissions)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) Portfolio(w http.ResponseWriter, r *http.Request) {
	positions, err := h.svc.Stats.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if positions == nil {
		positions = []stats.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- helpers ---

func (h *Handler) publishPool(res pool.Result) {
	if h.hub == nil || res.Pool == nil {
		return
	}
	h.hub.Broadcast(poolMessage(res.Pool, res.Usage))
}

// refreshPool broadcasts the current state of a pool an order touched.
func (h *Handler) refreshPool(r *http.Request, poolID string) {
	if h.hub == nil {
		return
	}
	res, err := h.svc.Ledger.Get(r.Context(), poolID)
	if err != nil {
		h.logger.Warn("pool refresh for broadcast failed", "pool_id", poolID, "err", err)
		return
	}
	h.publishPool(res)
}

func (h *Handler) publishOrder(o model.Order) {
	if h.hub == nil || o == nil {
		return
	}
	h.hub.Broadcast(orderMessage(o))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Kind: "InvalidInput"})
		return false
	}
	return true
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error      string            `json:"error"`
	Kind       string            `json:"kind"`
	Details    map[string]string `json:"details,omitempty"`
	Violations []string          `json:"violations,omitempty"`
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrConflict),
		errors.Is(err, apperr.ErrOrderNotCancellable),
		errors.Is(err, apperr.ErrOrderNotFillable):
		return http.StatusConflict
	case apperr.KindName(err) != "internal":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "err", err)
		writeJSON(w, status, ErrorResponse{Error: "internal error", Kind: "internal"})
		return
	}
	resp := ErrorResponse{Error: err.Error(), Kind: apperr.KindName(err)}
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Message != "" {
		resp.Error = ae.Message
	}
	resp.Details, resp.Violations = apperr.Details(err)
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
