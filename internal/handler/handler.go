// Package handler HTTP 接入层
//
// 鉴权走可信网关注入的 X-User-Id 头。接入层只做解码与路由，
// 业务规则全部在 service 层。
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/bullionx/exchange/internal/metrics"
	"github.com/bullionx/exchange/internal/service"
	commonerrors "github.com/bullionx/exchange/pkg/errors"
	"github.com/bullionx/exchange/pkg/logger"
	"github.com/bullionx/exchange/pkg/response"
)

// Handler HTTP 处理器
type Handler struct {
	trading *service.TradingService
	wallet  *service.WalletService
	log     *logger.Logger
}

// New 创建处理器
func New(trading *service.TradingService, wallet *service.WalletService, log *logger.Logger) *Handler {
	return &Handler{trading: trading, wallet: wallet, log: log.WithField("component", "http")}
}

// Register 注册路由
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/live", h.handleHealth)
	mux.HandleFunc("/ready", h.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/trading/orders", h.handleOrders)
	mux.HandleFunc("/trading/orders/", h.handleOrderByID)
	mux.HandleFunc("/trading/orders/open", h.handleOpenOrders)
	mux.HandleFunc("/trading/trades", h.handleRecentTrades)
	mux.HandleFunc("/trading/mytrades", h.handleUserTrades)
	mux.HandleFunc("/trading/depth", h.handleDepth)
	mux.HandleFunc("/trading/position", h.handlePosition)
	mux.HandleFunc("/trading/mark-price", h.handleMarkPrice)
	mux.HandleFunc("/trading/funding", h.handleFunding)

	mux.HandleFunc("/wallet/deposit", h.handleDeposit)
	mux.HandleFunc("/wallet/balances", h.handleBalances)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	response.WriteOK(w, map[string]string{"status": "ok"})
}

// WithTrace 将网关注入的 X-Request-Id 写入请求上下文，日志按 traceID 关联
func WithTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := response.RequestIDFromRequest(r); reqID != "" {
			r = r.WithContext(logger.ContextWithTraceID(r.Context(), reqID))
		}
		next.ServeHTTP(w, r)
	})
}

// userID 从可信网关头中取用户身份
func userID(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if raw == "" {
		return 0, commonerrors.ErrUnauthenticated
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, commonerrors.ErrUnauthenticated
	}
	return id, nil
}

// handleOrders POST 下单 / GET 历史订单
func (h *Handler) handleOrders(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		response.WriteAnyError(w, r, err)
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req service.PlaceOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "invalid request body")
			return
		}
		result, err := h.trading.PlaceOrder(r.Context(), uid, &req)
		if err != nil {
			response.WriteAnyError(w, r, err)
			return
		}
		response.WriteOK(w, result)

	case http.MethodGet:
		orders, err := h.trading.OrderHistory(r.Context(), uid, r.URL.Query().Get("pair"), queryLimit(r))
		if err != nil {
			response.WriteAnyError(w, r, err)
			return
		}
		response.WriteOK(w, orders)

	default:
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "method not allowed")
	}
}

// handleOrderByID GET 查询 / DELETE 撤单，路径 /trading/orders/{id}
func (h *Handler) handleOrderByID(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		response.WriteAnyError(w, r, err)
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/trading/orders/")
	orderID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || orderID <= 0 {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "invalid order id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		order, err := h.trading.GetOrder(r.Context(), uid, orderID)
		if err != nil {
			response.WriteAnyError(w, r, err)
			return
		}
		response.WriteOK(w, order)

	case http.MethodDelete:
		order, err := h.trading.CancelOrder(r.Context(), uid, orderID)
		if err != nil {
			response.WriteAnyError(w, r, err)
			return
		}
		response.WriteOK(w, order)

	default:
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "method not allowed")
	}
}

func (h *Handler) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		response.WriteAnyError(w, r, err)
		return
	}
	orders, err := h.trading.OpenOrders(r.Context(), uid, r.URL.Query().Get("pair"), queryLimit(r))
	if err != nil {
		response.WriteAnyError(w, r, err)
		return
	}
	response.WriteOK(w, orders)
}

func (h *Handler) handleRecentTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.trading.RecentTrades(r.Context(), r.URL.Query().Get("pair"), queryLimit(r))
	if err != nil {
		response.WriteAnyError(w, r, err)
		return
	}
	response.WriteOK(w, trades)
}

func (h *Handler) handleUserTrades(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		response.WriteAnyError(w, r, err)
		return
	}
	trades, err := h.trading.UserTrades(r.Context(), uid, r.URL.Query().Get("pair"), queryLimit(r))
	if err != nil {
		response.WriteAnyError(w, r, err)
		return
	}
	response.WriteOK(w, trades)
}

func (h *Handler) handleDepth(w http.ResponseWriter, r *http.Request) {
	bids, asks, err := h.trading.Depth(r.URL.Query().Get("pair"), queryLimit(r))
	if err != nil {
		response.WriteAnyError(w, r, err)
		return
	}
	response.WriteOK(w, map[string]interface{}{"bids": bids, "asks": asks})
}

func (h *Handler) handlePosition(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		response.WriteAnyError(w, r, err)
		return
	}
	pos, err := h.trading.Position(r.URL.Query().Get("pair"), uid)
	if err != nil {
		response.WriteAnyError(w, r, err)
		return
	}
	if pos == nil {
		response.WriteOK(w, nil)
		return
	}
	response.WriteOK(w, map[string]interface{}{
		"positionId":  pos.PositionID,
		"contract":    pos.Contract,
		"side":        pos.Side.String(),
		"entryPrice":  pos.EntryPrice.String(),
		"qty":         pos.Qty,
		"margin":      pos.Margin.String(),
		"realizedPnl": pos.RealizedPnL.String(),
	})
}

func (h *Handler) handleMarkPrice(w http.ResponseWriter, r *http.Request) {
	sample, err := h.trading.MarkPrice(r.Context(), r.URL.Query().Get("pair"))
	if err != nil {
		response.WriteAnyError(w, r, err)
		return
	}
	response.WriteOK(w, map[string]interface{}{
		"pair":          sample.Pair,
		"indexPrice":    sample.IndexPrice.String(),
		"markPrice":     sample.MarkPrice.String(),
		"indexFallback": sample.IndexFallback,
		"timestampMs":   sample.TimestampMs,
	})
}

// handleFunding GET 结算历史 / POST 手动触发资金费结算。
// 合约字段名为 contract，兼容 pair。
func (h *Handler) handleFunding(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		contract := r.URL.Query().Get("contract")
		if contract == "" {
			contract = r.URL.Query().Get("pair")
		}
		rounds, err := h.trading.FundingHistory(r.Context(), contract, queryLimit(r))
		if err != nil {
			response.WriteAnyError(w, r, err)
			return
		}
		response.WriteOK(w, rounds)

	case http.MethodPost:
		if _, err := userID(r); err != nil {
			response.WriteAnyError(w, r, err)
			return
		}

		var req struct {
			Contract string `json:"contract"`
			Pair     string `json:"pair"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "invalid request body")
			return
		}
		contract := req.Contract
		if contract == "" {
			contract = req.Pair
		}

		result, err := h.trading.TriggerFunding(r.Context(), contract)
		if err != nil {
			response.WriteAnyError(w, r, err)
			return
		}
		response.WriteOK(w, result)

	default:
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "method not allowed")
	}
}

func (h *Handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "method not allowed")
		return
	}
	uid, err := userID(r)
	if err != nil {
		response.WriteAnyError(w, r, err)
		return
	}

	var req struct {
		Currency string `json:"currency"`
		Amount   string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "invalid request body")
		return
	}

	txn, err := h.wallet.Deposit(r.Context(), uid, req.Currency, req.Amount)
	if err != nil {
		response.WriteAnyError(w, r, err)
		return
	}
	response.WriteOK(w, txn)
}

func (h *Handler) handleBalances(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		response.WriteAnyError(w, r, err)
		return
	}
	balances, err := h.wallet.Balances(r.Context(), uid)
	if err != nil {
		response.WriteAnyError(w, r, err)
		return
	}
	response.WriteOK(w, balances)
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return limit
}
