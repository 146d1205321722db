// Package service 交易编排层
//
// 对外请求在这里完成参数解析与校验，再进入对应交易对的撮合命令队列。
// 订单与成交的持久化以引擎结果为准：引擎内状态是唯一事实，数据库是
// 它的投影。
package service

import (
	"context"
	"time"

	"github.com/bullionx/exchange/internal/engine"
	"github.com/bullionx/exchange/internal/funding"
	"github.com/bullionx/exchange/internal/instrument"
	"github.com/bullionx/exchange/internal/markprice"
	"github.com/bullionx/exchange/internal/metrics"
	"github.com/bullionx/exchange/internal/orderbook"
	"github.com/bullionx/exchange/internal/position"
	"github.com/bullionx/exchange/internal/repository"
	"github.com/bullionx/exchange/pkg/decimal"
	commonerrors "github.com/bullionx/exchange/pkg/errors"
	"github.com/bullionx/exchange/pkg/logger"
)

// OrderStore 订单数据接口
type OrderStore interface {
	Create(ctx context.Context, o *repository.Order) error
	Get(ctx context.Context, orderID int64) (*repository.Order, error)
	UpdateExecution(ctx context.Context, orderID, filledQty int64, status string, frozenLeft, updatedAtMs int64) error
	ListOpen(ctx context.Context, userID int64, pair string, limit int) ([]*repository.Order, error)
	List(ctx context.Context, userID int64, pair string, limit int) ([]*repository.Order, error)
	OpenByPair(ctx context.Context, pair string) ([]*repository.Order, error)
}

// TradeStore 成交数据接口
type TradeStore interface {
	Create(ctx context.Context, t *repository.Trade) error
	Recent(ctx context.Context, pair string, limit int) ([]*repository.Trade, error)
	ListByUser(ctx context.Context, userID int64, pair string, limit int) ([]*repository.Trade, error)
}

// FundingRoundStore 资金费结算历史
type FundingRoundStore interface {
	ListFundingRounds(ctx context.Context, pair string, limit int) ([]*funding.Round, error)
}

// IDGenerator ID 生成器接口
type IDGenerator interface {
	NextID() int64
}

// TradingService 交易服务
type TradingService struct {
	engines map[string]*engine.Engine
	orders  OrderStore
	trades  TradeStore
	marks   *markprice.Service
	funding *funding.Engine
	rounds  FundingRoundStore
	idGen   IDGenerator
	log     *logger.Logger
}

// NewTradingService 创建交易服务
func NewTradingService(
	engines map[string]*engine.Engine,
	orders OrderStore,
	trades TradeStore,
	marks *markprice.Service,
	fundingEngine *funding.Engine,
	rounds FundingRoundStore,
	idGen IDGenerator,
	log *logger.Logger,
) *TradingService {
	return &TradingService{
		engines: engines,
		orders:  orders,
		trades:  trades,
		marks:   marks,
		funding: fundingEngine,
		rounds:  rounds,
		idGen:   idGen,
		log:     log.WithField("component", "trading"),
	}
}

// PlaceOrderRequest 下单请求
type PlaceOrderRequest struct {
	Pair  string `json:"pair"`
	Side  string `json:"side"` // BUY / SELL
	Type  string `json:"type"` // LIMIT / MARKET
	Price string `json:"price,omitempty"`
	Qty   int64  `json:"qty"`
}

// PlaceOrderResult 下单结果
type PlaceOrderResult struct {
	Order *repository.Order `json:"order"`
	Fills []*engine.Fill    `json:"fills"`
}

// PlaceOrder 下单
func (s *TradingService) PlaceOrder(ctx context.Context, userID int64, req *PlaceOrderRequest) (*PlaceOrderResult, error) {
	start := time.Now()
	defer func() { metrics.ObserveOrderLatency(time.Since(start)) }()

	result, err := s.placeOrder(ctx, userID, req)
	if err != nil {
		metrics.IncOrderRejected(string(commonerrors.CodeOf(err)))
	}
	return result, err
}

func (s *TradingService) placeOrder(ctx context.Context, userID int64, req *PlaceOrderRequest) (*PlaceOrderResult, error) {
	inst, err := instrument.Spec(req.Pair)
	if err != nil {
		return nil, err
	}
	eng := s.engines[req.Pair]
	if eng == nil {
		return nil, commonerrors.ErrPairNotFound
	}

	side, err := parseSide(req.Side)
	if err != nil {
		return nil, err
	}
	typ, err := parseType(req.Type)
	if err != nil {
		return nil, err
	}

	var priceUnits int64
	switch typ {
	case engine.TypeLimit:
		priceUnits, err = parsePrice(inst, req.Price)
		if err != nil {
			return nil, err
		}
	case engine.TypeMarket:
		if req.Price != "" {
			return nil, commonerrors.New(commonerrors.CodeInvalidPrice, "market order must not carry price")
		}
	}

	if req.Qty <= 0 {
		return nil, commonerrors.New(commonerrors.CodeInvalidQuantity, "quantity must be positive")
	}

	now := time.Now().UnixMilli()
	row := &repository.Order{
		OrderID:     s.idGen.NextID(),
		UserID:      userID,
		Pair:        req.Pair,
		Side:        int(side),
		Type:        int(typ),
		PriceUnits:  priceUnits,
		OrigQty:     req.Qty,
		Status:      string(engine.StatusOpen),
		Currency:    inst.QuoteAsset,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	if inst.Kind == instrument.KindSpot && side == orderbook.SideSell {
		row.Currency = inst.BaseAsset
	}
	if err := s.orders.Create(ctx, row); err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeInternal, "persist order: %v", err)
	}

	res, err := eng.Submit(ctx, &engine.OrderRequest{
		OrderID:    row.OrderID,
		UserID:     userID,
		Side:       side,
		Type:       typ,
		PriceUnits: priceUnits,
		Qty:        req.Qty,
	})
	if err != nil {
		// 冻结/校验失败，订单未进入订单簿
		if uerr := s.orders.UpdateExecution(ctx, row.OrderID, 0, string(engine.StatusCancelled), 0, time.Now().UnixMilli()); uerr != nil {
			s.log.WithContext(ctx).WithError(uerr).Errorf("mark rejected order failed", map[string]interface{}{"orderId": row.OrderID})
		}
		return nil, err
	}

	row.FilledQty = req.Qty - res.RemainingQty
	row.Status = string(res.Status)
	row.FrozenLeft = res.FrozenLeft
	row.UpdatedAtMs = time.Now().UnixMilli()
	if err := s.orders.UpdateExecution(ctx, row.OrderID, row.FilledQty, row.Status, row.FrozenLeft, row.UpdatedAtMs); err != nil {
		s.log.WithContext(ctx).WithError(err).Errorf("persist order execution failed", map[string]interface{}{"orderId": row.OrderID})
	}

	return &PlaceOrderResult{Order: row, Fills: res.Fills}, nil
}

// CancelOrder 撤单。订单不存在返回 OrderNotFound，已终态返回 AlreadyTerminal。
func (s *TradingService) CancelOrder(ctx context.Context, userID, orderID int64) (*repository.Order, error) {
	row, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeInternal, "load order: %v", err)
	}
	if row == nil || row.UserID != userID {
		return nil, commonerrors.ErrOrderNotFound
	}
	if engine.OrderStatus(row.Status).Terminal() {
		return nil, commonerrors.ErrAlreadyTerminal
	}

	eng := s.engines[row.Pair]
	if eng == nil {
		return nil, commonerrors.ErrPairNotFound
	}

	res, err := eng.Cancel(ctx, orderID)
	if err != nil {
		if commonerrors.CodeOf(err) == commonerrors.CodeOrderNotFound {
			// 撤单与成交竞态：簿中已无此单，以持久层状态为准
			if latest, lerr := s.orders.Get(ctx, orderID); lerr == nil && latest != nil &&
				engine.OrderStatus(latest.Status).Terminal() {
				return nil, commonerrors.ErrAlreadyTerminal
			}
		}
		return nil, err
	}

	row.FilledQty = row.OrigQty - res.LeavesQty
	row.Status = string(engine.StatusCancelled)
	row.FrozenLeft = 0
	row.UpdatedAtMs = time.Now().UnixMilli()
	if err := s.orders.UpdateExecution(ctx, orderID, row.FilledQty, row.Status, 0, row.UpdatedAtMs); err != nil {
		s.log.WithContext(ctx).WithError(err).Errorf("persist cancel failed", map[string]interface{}{"orderId": orderID})
	}
	return row, nil
}

// GetOrder 查询用户订单
func (s *TradingService) GetOrder(ctx context.Context, userID, orderID int64) (*repository.Order, error) {
	row, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeInternal, "load order: %v", err)
	}
	if row == nil || row.UserID != userID {
		return nil, commonerrors.ErrOrderNotFound
	}
	return row, nil
}

// OpenOrders 用户当前挂单
func (s *TradingService) OpenOrders(ctx context.Context, userID int64, pair string, limit int) ([]*repository.Order, error) {
	if pair != "" {
		if _, err := instrument.Spec(pair); err != nil {
			return nil, err
		}
	}
	return s.orders.ListOpen(ctx, userID, pair, clampLimit(limit))
}

// OrderHistory 用户历史订单
func (s *TradingService) OrderHistory(ctx context.Context, userID int64, pair string, limit int) ([]*repository.Order, error) {
	if pair != "" {
		if _, err := instrument.Spec(pair); err != nil {
			return nil, err
		}
	}
	return s.orders.List(ctx, userID, pair, clampLimit(limit))
}

// RecentTrades 交易对最近成交
func (s *TradingService) RecentTrades(ctx context.Context, pair string, limit int) ([]*repository.Trade, error) {
	if _, err := instrument.Spec(pair); err != nil {
		return nil, err
	}
	return s.trades.Recent(ctx, pair, clampLimit(limit))
}

// UserTrades 用户成交记录
func (s *TradingService) UserTrades(ctx context.Context, userID int64, pair string, limit int) ([]*repository.Trade, error) {
	if pair != "" {
		if _, err := instrument.Spec(pair); err != nil {
			return nil, err
		}
	}
	return s.trades.ListByUser(ctx, userID, pair, clampLimit(limit))
}

// Depth 盘口深度
func (s *TradingService) Depth(pair string, limit int) (bids, asks []orderbook.PriceQty, err error) {
	eng := s.engines[pair]
	if eng == nil {
		return nil, nil, commonerrors.ErrPairNotFound
	}
	bids, asks = eng.Book().Depth(clampLimit(limit))
	return bids, asks, nil
}

// Position 用户在某永续合约上的净仓位，无仓位返回 nil
func (s *TradingService) Position(pair string, userID int64) (*position.Position, error) {
	eng := s.engines[pair]
	if eng == nil {
		return nil, commonerrors.ErrPairNotFound
	}
	book := eng.Positions()
	if book == nil {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidParam, "%s is not a perpetual", pair)
	}
	return book.Get(userID), nil
}

// MarkPrice 永续合约当前标记价格
func (s *TradingService) MarkPrice(ctx context.Context, pair string) (*markprice.Sample, error) {
	inst, err := instrument.Spec(pair)
	if err != nil {
		return nil, err
	}
	if !inst.IsPerpetual() {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidParam, "%s is not a perpetual", pair)
	}
	return s.marks.Mark(ctx, pair)
}

// TriggerFunding 手动触发一次资金费结算
func (s *TradingService) TriggerFunding(ctx context.Context, pair string) (*engine.FundingResult, error) {
	result, err := s.funding.Settle(ctx, pair)
	if err != nil {
		return nil, err
	}
	metrics.IncFundingRounds(pair)
	return result, nil
}

// FundingHistory 合约资金费结算历史，时间降序
func (s *TradingService) FundingHistory(ctx context.Context, pair string, limit int) ([]*funding.Round, error) {
	inst, err := instrument.Spec(pair)
	if err != nil {
		return nil, err
	}
	if !inst.IsPerpetual() {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidParam, "%s is not a perpetual", pair)
	}
	rounds, err := s.rounds.ListFundingRounds(ctx, pair, clampLimit(limit))
	if err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeInternal, "load funding rounds: %v", err)
	}
	if rounds == nil {
		rounds = []*funding.Round{}
	}
	return rounds, nil
}

// Restore 启动时按创建顺序恢复全部挂单
func (s *TradingService) Restore(ctx context.Context) error {
	for pair, eng := range s.engines {
		rows, err := s.orders.OpenByPair(ctx, pair)
		if err != nil {
			return err
		}
		resting := make([]*engine.RestingOrder, 0, len(rows))
		for _, row := range rows {
			resting = append(resting, &engine.RestingOrder{
				OrderID:    row.OrderID,
				UserID:     row.UserID,
				Side:       orderbook.Side(row.Side),
				PriceUnits: row.PriceUnits,
				OrigQty:    row.OrigQty,
				LeavesQty:  row.LeavesQty(),
				FrozenLeft: row.FrozenLeft,
				Currency:   row.Currency,
			})
		}
		if err := eng.Restore(ctx, resting); err != nil {
			return err
		}
		s.log.Infof("resting orders restored", map[string]interface{}{
			"pair":  pair,
			"count": len(resting),
		})
	}
	return nil
}

func parseSide(s string) (orderbook.Side, error) {
	switch s {
	case "BUY":
		return orderbook.SideBuy, nil
	case "SELL":
		return orderbook.SideSell, nil
	default:
		return 0, commonerrors.Newf(commonerrors.CodeInvalidOrder, "invalid side: %q", s)
	}
}

func parseType(s string) (engine.OrderType, error) {
	switch s {
	case "LIMIT":
		return engine.TypeLimit, nil
	case "MARKET":
		return engine.TypeMarket, nil
	default:
		return 0, commonerrors.Newf(commonerrors.CodeInvalidOrder, "invalid order type: %q", s)
	}
}

// parsePrice 解析限价单价格并校验 tick 对齐
func parsePrice(inst *instrument.Instrument, s string) (int64, error) {
	if s == "" {
		return 0, commonerrors.New(commonerrors.CodeInvalidPrice, "limit order requires price")
	}
	price, err := decimal.New(s)
	if err != nil {
		return 0, commonerrors.Newf(commonerrors.CodeInvalidPrice, "invalid price: %q", s)
	}
	if !price.IsPositive() {
		return 0, commonerrors.New(commonerrors.CodeInvalidPrice, "price must be positive")
	}

	units := price.Units(inst.PriceScale)
	if decimal.FromUnits(units, inst.PriceScale).Cmp(price) != 0 {
		return 0, commonerrors.Newf(commonerrors.CodeInvalidPrice,
			"price %s not aligned to tick %s", s, inst.TickSize.String())
	}
	return units, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 100
	}
	return limit
}
