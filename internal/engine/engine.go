// Package engine 单交易对撮合执行器
//
// 每个交易对一个单写入 goroutine，独占该交易对的订单簿与仓位集合。
// 下单、撤单、资金费结算、强平扫描都作为命令进入同一队列，彼此之间
// 整体有序：一次资金费结算要么完全先于、要么完全后于任何一笔撮合，
// 不会看到半更新状态。跨交易对完全并行。
package engine

import (
	"context"
	"time"

	"github.com/bullionx/exchange/internal/instrument"
	"github.com/bullionx/exchange/internal/ledger"
	"github.com/bullionx/exchange/internal/orderbook"
	"github.com/bullionx/exchange/internal/position"
	"github.com/bullionx/exchange/pkg/decimal"
	commonerrors "github.com/bullionx/exchange/pkg/errors"
	"github.com/bullionx/exchange/pkg/logger"
)

// OrderType 订单类型
type OrderType int

const (
	TypeLimit  OrderType = 1
	TypeMarket OrderType = 2
)

// OrderStatus 订单状态
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusPartial   OrderStatus = "partial"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
)

// Terminal 是否为终态，终态后订单不再变更
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// OrderRequest 进入撮合的新订单
type OrderRequest struct {
	OrderID int64
	UserID  int64
	Side    orderbook.Side
	Type    OrderType
	// PriceUnits 限价单价格（最小单位整数），市价单为 0
	PriceUnits int64
	Qty        int64
}

// Fill 一次成交的不可变记录
type Fill struct {
	FillID       int64          `json:"fillId"`
	Pair         string         `json:"pair"`
	MakerOrderID int64          `json:"makerOrderId"`
	TakerOrderID int64          `json:"takerOrderId"`
	MakerUserID  int64          `json:"makerUserId"`
	TakerUserID  int64          `json:"takerUserId"`
	PriceUnits   int64          `json:"price"`
	Qty          int64          `json:"qty"`
	MakerFee     int64          `json:"makerFee"` // 结算货币最小单位
	TakerFee     int64          `json:"takerFee"`
	TakerSide    orderbook.Side `json:"takerSide"`
	TimestampMs  int64          `json:"timestampMs"`
}

// MatchResult 下单处理结果
type MatchResult struct {
	OrderID      int64
	Fills        []*Fill
	RemainingQty int64
	Status       OrderStatus
	// FrozenLeft 订单仍占用的冻结额度（挂单保证金/货款）
	FrozenLeft int64
}

// CancelResult 撤单结果
type CancelResult struct {
	OrderID    int64
	LeavesQty  int64
	ReleasedTo int64 // 解冻金额
}

// FundingTransfer 单个仓位的资金费划转
type FundingTransfer struct {
	PositionID int64  `json:"positionId"`
	UserID     int64  `json:"userId"`
	Side       string `json:"side"`
	Notional   string `json:"notional"`
	// Payment 仓位保证金的变化量，多头在正费率时为负（支付）
	Payment string `json:"payment"`
}

// FundingResult 一次资金费结算
type FundingResult struct {
	Pair        string             `json:"pair"`
	Rate        string             `json:"rate"`
	MarkPrice   string             `json:"markPrice"`
	Transfers   []*FundingTransfer `json:"transfers"`
	TimestampMs int64              `json:"timestampMs"`
}

type cmdKind int

const (
	cmdNewOrder cmdKind = iota + 1
	cmdCancelOrder
	cmdFunding
	cmdSweep
	cmdRestore
)

type command struct {
	kind    cmdKind
	order   *OrderRequest
	orderID int64
	rate    *decimal.Decimal
	mark    *decimal.Decimal
	resting []*RestingOrder
	reply   chan cmdReply
}

type cmdReply struct {
	match   *MatchResult
	cancel  *CancelResult
	funding *FundingResult
	liqs    []*position.LiquidationResult
	err     error
}

// orderMeta 挂单占用的冻结额度，随成交消耗、终态释放
type orderMeta struct {
	userID     int64
	side       orderbook.Side
	origQty    int64
	frozenLeft int64
	currency   string
}

// Engine 单交易对执行器
type Engine struct {
	inst      *instrument.Instrument
	book      *orderbook.Book
	positions *position.Book // 现货为 nil
	store     ledger.Store
	idGen     func() int64
	log       *logger.Logger

	meta map[int64]*orderMeta
	// lastMark 最近一次收到的标记价格，成交后复核保证金率用
	lastMark *decimal.Decimal
	eventSeq int64

	cmdCh   chan *command
	eventCh chan *Event

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建执行器
func New(inst *instrument.Instrument, store ledger.Store, idGen func() int64, log *logger.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		inst:    inst,
		book:    orderbook.New(inst.Pair),
		store:   store,
		idGen:   idGen,
		log:     log.WithField("pair", inst.Pair),
		meta:    make(map[int64]*orderMeta),
		cmdCh:   make(chan *command, 1024),
		eventCh: make(chan *Event, 4096),
		ctx:     ctx,
		cancel:  cancel,
	}
	if inst.IsPerpetual() {
		e.positions = position.NewBook(inst, idGen)
	}
	return e
}

// Start 启动执行器
func (e *Engine) Start() {
	go e.run()
}

// Stop 停止执行器
func (e *Engine) Stop() {
	e.cancel()
}

// Book 订单簿（盘口/深度只读访问）
func (e *Engine) Book() *orderbook.Book {
	return e.book
}

// Positions 仓位集合，现货返回 nil
func (e *Engine) Positions() *position.Book {
	return e.positions
}

// Events 事件通道
func (e *Engine) Events() <-chan *Event {
	return e.eventCh
}

// Submit 提交新订单并等待撮合结果
func (e *Engine) Submit(ctx context.Context, req *OrderRequest) (*MatchResult, error) {
	reply, err := e.send(ctx, &command{kind: cmdNewOrder, order: req})
	if err != nil {
		return nil, err
	}
	return reply.match, reply.err
}

// Cancel 撤销挂单。订单不在簿中返回 OrderNotFound，
// 终态与未知订单的区分由持久层完成。
func (e *Engine) Cancel(ctx context.Context, orderID int64) (*CancelResult, error) {
	reply, err := e.send(ctx, &command{kind: cmdCancelOrder, orderID: orderID})
	if err != nil {
		return nil, err
	}
	return reply.cancel, reply.err
}

// DistributeFunding 按给定费率与标记价格对所有持仓结算资金费
func (e *Engine) DistributeFunding(ctx context.Context, rate, mark *decimal.Decimal) (*FundingResult, error) {
	reply, err := e.send(ctx, &command{kind: cmdFunding, rate: rate, mark: mark})
	if err != nil {
		return nil, err
	}
	return reply.funding, reply.err
}

// SweepLiquidations 以标记价格扫描并执行强平
func (e *Engine) SweepLiquidations(ctx context.Context, mark *decimal.Decimal) ([]*position.LiquidationResult, error) {
	reply, err := e.send(ctx, &command{kind: cmdSweep, mark: mark})
	if err != nil {
		return nil, err
	}
	return reply.liqs, reply.err
}

// RestingOrder 启动恢复用的挂单快照
type RestingOrder struct {
	OrderID    int64
	UserID     int64
	Side       orderbook.Side
	PriceUnits int64
	OrigQty    int64
	LeavesQty  int64
	FrozenLeft int64
	Currency   string
}

// Restore 启动时按创建顺序恢复挂单
func (e *Engine) Restore(ctx context.Context, orders []*RestingOrder) error {
	_, err := e.send(ctx, &command{kind: cmdRestore, resting: orders})
	return err
}

// send 投递命令并等待回复
func (e *Engine) send(ctx context.Context, cmd *command) (cmdReply, error) {
	cmd.reply = make(chan cmdReply, 1)

	select {
	case <-e.ctx.Done():
		return cmdReply{}, commonerrors.New(commonerrors.CodeUnavailable, "engine stopped")
	default:
	}

	select {
	case e.cmdCh <- cmd:
	case <-ctx.Done():
		return cmdReply{}, commonerrors.New(commonerrors.CodeConcurrencyConflict, "submit timeout")
	case <-e.ctx.Done():
		return cmdReply{}, commonerrors.New(commonerrors.CodeUnavailable, "engine stopped")
	default:
		return cmdReply{}, commonerrors.ErrEngineBusy
	}

	select {
	case reply := <-cmd.reply:
		return reply, nil
	case <-ctx.Done():
		return cmdReply{}, commonerrors.New(commonerrors.CodeConcurrencyConflict, "reply timeout")
	case <-e.ctx.Done():
		return cmdReply{}, commonerrors.New(commonerrors.CodeUnavailable, "engine stopped")
	}
}

func (e *Engine) run() {
	for {
		select {
		case cmd := <-e.cmdCh:
			e.process(cmd)
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) process(cmd *command) {
	var reply cmdReply
	switch cmd.kind {
	case cmdNewOrder:
		reply.match, reply.err = e.processNewOrder(cmd.order)
	case cmdCancelOrder:
		reply.cancel, reply.err = e.processCancel(cmd.orderID)
	case cmdFunding:
		reply.funding, reply.err = e.processFunding(cmd.rate, cmd.mark)
	case cmdSweep:
		reply.liqs = e.processSweep(cmd.mark)
	case cmdRestore:
		reply.err = e.processRestore(cmd.resting)
	}
	cmd.reply <- reply
}

// processNewOrder 校验、冻结、撮合、清算，全部在执行器线程内完成
func (e *Engine) processNewOrder(req *OrderRequest) (*MatchResult, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}

	notional, err := e.freezeNotional(req)
	if err != nil {
		return nil, err
	}

	meta, err := e.freeze(req, notional)
	if err != nil {
		return nil, err
	}
	e.meta[req.OrderID] = meta

	order := &orderbook.Order{
		OrderID:   req.OrderID,
		UserID:    req.UserID,
		Pair:      e.inst.Pair,
		Side:      req.Side,
		Price:     req.PriceUnits,
		OrigQty:   req.Qty,
		LeavesQty: req.Qty,
		Seq:       e.book.NextSeq(),
		Timestamp: time.Now().UnixNano(),
	}

	matched := e.book.Match(order)

	result := &MatchResult{
		OrderID:      req.OrderID,
		Fills:        make([]*Fill, 0, len(matched.Trades)),
		RemainingQty: order.LeavesQty,
	}

	for _, trade := range matched.Trades {
		fill := e.settleTrade(trade)
		result.Fills = append(result.Fills, fill)
		e.emit(EventFill, fill)
	}

	for _, maker := range matched.MakerUpdates {
		status := StatusPartial
		if maker.LeavesQty <= 0 {
			status = StatusFilled
			e.releaseMeta(maker.OrderID, maker.UserID)
		}
		var frozenLeft int64
		if m := e.meta[maker.OrderID]; m != nil {
			frozenLeft = m.frozenLeft
		}
		e.emit(EventOrderUpdate, &OrderUpdate{
			OrderID:    maker.OrderID,
			UserID:     maker.UserID,
			FilledQty:  maker.OrigQty - maker.LeavesQty,
			LeavesQty:  maker.LeavesQty,
			Status:     status,
			FrozenLeft: frozenLeft,
		})
	}

	switch {
	case matched.TakerFilled:
		result.Status = StatusFilled
		e.releaseMeta(order.OrderID, order.UserID)
	case req.Type == TypeMarket:
		// 市价单吃完可用流动性即止，剩余部分拒绝，绝不挂簿
		result.Status = StatusCancelled
		e.releaseMeta(order.OrderID, order.UserID)
	case e.stillCrosses(order):
		// 撮合后剩余量仍与对手盘交叉，对面只可能是本人挂单：
		// 自成交保护撤销后到的一方，不允许买卖盘交叉共存
		result.Status = StatusCancelled
		e.releaseMeta(order.OrderID, order.UserID)
	default:
		// 限价单剩余量挂簿
		e.book.Add(order)
		if len(result.Fills) > 0 {
			result.Status = StatusPartial
		} else {
			result.Status = StatusOpen
		}
	}
	result.RemainingQty = order.LeavesQty
	if m := e.meta[req.OrderID]; m != nil {
		result.FrozenLeft = m.frozenLeft
	}

	e.emit(EventOrderUpdate, &OrderUpdate{
		OrderID:    order.OrderID,
		UserID:     order.UserID,
		FilledQty:  order.OrigQty - order.LeavesQty,
		LeavesQty:  order.LeavesQty,
		Status:     result.Status,
		FrozenLeft: result.FrozenLeft,
	})

	// 成交改变仓位后立即复核保证金率
	if e.positions != nil && len(result.Fills) > 0 {
		if mark := e.lastMark; mark != nil {
			e.sweep(mark)
		}
	}

	return result, nil
}

func (e *Engine) processCancel(orderID int64) (*CancelResult, error) {
	order := e.book.Remove(orderID)
	if order == nil {
		return nil, commonerrors.ErrOrderNotFound
	}

	released := e.releaseMeta(orderID, order.UserID)

	result := &CancelResult{
		OrderID:    orderID,
		LeavesQty:  order.LeavesQty,
		ReleasedTo: released,
	}

	e.emit(EventOrderUpdate, &OrderUpdate{
		OrderID:   order.OrderID,
		UserID:    order.UserID,
		FilledQty: order.OrigQty - order.LeavesQty,
		LeavesQty: order.LeavesQty,
		Status:    StatusCancelled,
	})

	return result, nil
}

func (e *Engine) processRestore(orders []*RestingOrder) error {
	for _, r := range orders {
		e.book.Add(&orderbook.Order{
			OrderID:   r.OrderID,
			UserID:    r.UserID,
			Pair:      e.inst.Pair,
			Side:      r.Side,
			Price:     r.PriceUnits,
			OrigQty:   r.OrigQty,
			LeavesQty: r.LeavesQty,
			Seq:       e.book.NextSeq(),
		})
		e.meta[r.OrderID] = &orderMeta{
			userID:     r.UserID,
			side:       r.Side,
			origQty:    r.OrigQty,
			frozenLeft: r.FrozenLeft,
			currency:   r.Currency,
		}
	}
	return nil
}

// validate 下单前校验，失败不产生任何状态变更
func (e *Engine) validate(req *OrderRequest) error {
	if req.Qty < e.inst.MinQty {
		return commonerrors.Newf(commonerrors.CodeInvalidQuantity,
			"quantity %d below minimum %d", req.Qty, e.inst.MinQty)
	}
	if req.Type == TypeLimit && req.PriceUnits <= 0 {
		return commonerrors.New(commonerrors.CodeInvalidPrice, "limit order requires positive price")
	}
	if req.Type == TypeMarket && req.PriceUnits != 0 {
		return commonerrors.New(commonerrors.CodeInvalidPrice, "market order must not carry price")
	}
	return nil
}

// stillCrosses 撮合结束后剩余委托价是否仍与对手盘最优价交叉。
// Match 已吃完全部可成交的他人挂单，此时的交叉只可能来自本人挂单。
func (e *Engine) stillCrosses(order *orderbook.Order) bool {
	if order.Side == orderbook.SideBuy {
		if ask, _, ok := e.book.BestAsk(); ok {
			return ask <= order.Price
		}
		return false
	}
	if bid, _, ok := e.book.BestBid(); ok {
		return bid >= order.Price
	}
	return false
}
