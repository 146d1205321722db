// Package position 仓位与保证金管理
//
// 每个用户每个合约最多持有一个净仓位：反向成交先减仓/平仓，超出部分翻转开新仓。
// 仓位状态只在本包内变更，撮合引擎只产出成交，由本包消费。
package position

import (
	"sync"
	"time"

	"github.com/bullionx/exchange/internal/instrument"
	"github.com/bullionx/exchange/internal/orderbook"
	"github.com/bullionx/exchange/pkg/decimal"
)

// Side 持仓方向
type Side int

const (
	SideLong  Side = 1
	SideShort Side = 2
)

// String 方向名
func (s Side) String() string {
	if s == SideLong {
		return "LONG"
	}
	return "SHORT"
}

// sign 多头 +1，空头 -1
func (s Side) sign() *decimal.Decimal {
	if s == SideLong {
		return decimal.One
	}
	return decimal.One.Neg()
}

// Status 仓位状态
type Status int

const (
	StatusOpen       Status = 1
	StatusClosed     Status = 2
	StatusLiquidated Status = 3
)

// Position 净仓位
type Position struct {
	PositionID int64
	UserID     int64
	Contract   string
	Side       Side
	// EntryPrice 按张数加权的平均开仓价
	EntryPrice *decimal.Decimal
	Qty        int64
	// Margin 锁定的保证金（结算货币）
	Margin      *decimal.Decimal
	Leverage    int
	RealizedPnL *decimal.Decimal
	Status      Status
	UpdatedAtMs int64
}

// Update 一笔成交对仓位的影响
type Update struct {
	Position *Position
	// OpenedQty 本次新增的张数（开仓/加仓/翻转后的新仓）
	OpenedQty int64
	// ClosedQty 本次对冲掉的张数
	ClosedQty int64
	// MarginLocked 新锁入仓位的保证金
	MarginLocked *decimal.Decimal
	// MarginReleased 随减仓释放的保证金
	MarginReleased *decimal.Decimal
	// RealizedPnL 本次成交实现的盈亏
	RealizedPnL *decimal.Decimal
	// Closed 仓位是否因本次成交归零
	Closed bool
}

// LiquidationResult 强平结果
type LiquidationResult struct {
	Position *Position
	// Loss 实际从保证金扣除的亏损（以保证金封顶）
	Loss *decimal.Decimal
	// MarginReturned 扣除亏损后退回钱包的剩余保证金
	MarginReturned *decimal.Decimal
	// BadDebt 超出保证金的穿仓亏损，> 0 时必须上报
	BadDebt *decimal.Decimal
	// MarkPrice 强平时使用的标记价格
	MarkPrice *decimal.Decimal
}

// Book 单合约仓位集合，由该合约的撮合上下文串行访问
type Book struct {
	inst  *instrument.Instrument
	idGen func() int64

	mu        sync.RWMutex
	positions map[int64]*Position // userID -> 当前仓位
}

// NewBook 创建仓位集合
func NewBook(inst *instrument.Instrument, idGen func() int64) *Book {
	return &Book{
		inst:      inst,
		idGen:     idGen,
		positions: make(map[int64]*Position),
	}
}

// sideOfFill 买入成交对应多头暴露
func sideOfFill(side orderbook.Side) Side {
	if side == orderbook.SideBuy {
		return SideLong
	}
	return SideShort
}

// ApplyFill 将一笔成交计入某一方的仓位。priceUnits 为最小单位整数成交价。
// 同向加仓锁入新保证金 = 成交名义价值 × 初始保证金率；
// 反向先减仓：按比例释放保证金并实现盈亏，剩余张数翻转开新仓。
func (b *Book) ApplyFill(userID int64, fillSide orderbook.Side, priceUnits, qty int64) *Update {
	b.mu.Lock()
	defer b.mu.Unlock()

	dir := sideOfFill(fillSide)
	price := b.inst.PriceFromUnits(priceUnits)
	now := time.Now().UnixMilli()

	update := &Update{
		MarginLocked:   decimal.Zero,
		MarginReleased: decimal.Zero,
		RealizedPnL:    decimal.Zero,
	}

	pos, ok := b.positions[userID]
	if !ok || pos.Status != StatusOpen {
		pos = b.open(userID, dir, price, qty, now)
		update.Position = pos
		update.OpenedQty = qty
		update.MarginLocked = pos.Margin
		return update
	}

	update.Position = pos

	if pos.Side == dir {
		// 加仓：加权平均开仓价
		oldQty := decimal.FromInt(pos.Qty)
		addQty := decimal.FromInt(qty)
		totalQty := pos.Qty + qty

		weighted := pos.EntryPrice.Mul(oldQty).Add(price.Mul(addQty))
		pos.EntryPrice = weighted.Div(decimal.FromInt(totalQty), b.inst.PriceScale+4)

		locked := b.initialMargin(price, qty)
		pos.Margin = pos.Margin.Add(locked)
		pos.Qty = totalQty
		pos.UpdatedAtMs = now

		update.OpenedQty = qty
		update.MarginLocked = locked
		return update
	}

	// 反向：先减仓
	closeQty := min64(qty, pos.Qty)
	b.reduce(pos, price, closeQty, now, update)

	if remainder := qty - closeQty; remainder > 0 {
		// 翻转：剩余张数在反方向开新仓
		next := b.open(userID, dir, price, remainder, now)
		update.Position = next
		update.OpenedQty = remainder
		update.MarginLocked = update.MarginLocked.Add(next.Margin)
	}
	return update
}

// open 建立新仓位并登记
func (b *Book) open(userID int64, dir Side, price *decimal.Decimal, qty int64, now int64) *Position {
	pos := &Position{
		PositionID:  b.idGen(),
		UserID:      userID,
		Contract:    b.inst.Pair,
		Side:        dir,
		EntryPrice:  price,
		Qty:         qty,
		Margin:      b.initialMargin(price, qty),
		Leverage:    b.inst.MaxLeverage,
		RealizedPnL: decimal.Zero,
		Status:      StatusOpen,
		UpdatedAtMs: now,
	}
	b.positions[userID] = pos
	return pos
}

// reduce 对冲 closeQty 张：实现盈亏并按比例释放保证金
func (b *Book) reduce(pos *Position, price *decimal.Decimal, closeQty int64, now int64, update *Update) {
	pnl := price.Sub(pos.EntryPrice).
		Mul(b.inst.ContractSize).
		Mul(decimal.FromInt(closeQty)).
		Mul(pos.Side.sign())

	released := pos.Margin.
		Mul(decimal.FromInt(closeQty)).
		Div(decimal.FromInt(pos.Qty), instrument.CollateralScale)

	pos.Qty -= closeQty
	pos.Margin = pos.Margin.Sub(released)
	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	pos.UpdatedAtMs = now

	update.ClosedQty = closeQty
	update.RealizedPnL = update.RealizedPnL.Add(pnl)
	update.MarginReleased = update.MarginReleased.Add(released)

	if pos.Qty == 0 {
		// 主动平仓：剩余保证金全部释放
		update.MarginReleased = update.MarginReleased.Add(pos.Margin)
		pos.Margin = decimal.Zero
		pos.Status = StatusClosed
		update.Closed = true
		delete(b.positions, pos.UserID)
	}
}

// initialMargin 开/加仓锁定的保证金 = 名义价值 × 初始保证金率
func (b *Book) initialMargin(price *decimal.Decimal, qty int64) *decimal.Decimal {
	return price.
		Mul(b.inst.ContractSize).
		Mul(decimal.FromInt(qty)).
		Mul(b.inst.InitialMarginRate).
		Truncate(instrument.CollateralScale)
}

// UnrealizedPnL 以标记价格计的未实现盈亏
func (b *Book) UnrealizedPnL(pos *Position, mark *decimal.Decimal) *decimal.Decimal {
	return mark.Sub(pos.EntryPrice).
		Mul(b.inst.ContractSize).
		Mul(decimal.FromInt(pos.Qty)).
		Mul(pos.Side.sign())
}

// MarginRatio = (保证金 + 未实现盈亏) / 名义价值，名义价值按标记价格计
func (b *Book) MarginRatio(pos *Position, mark *decimal.Decimal) *decimal.Decimal {
	notional := mark.Mul(b.inst.ContractSize).Mul(decimal.FromInt(pos.Qty))
	equity := pos.Margin.Add(b.UnrealizedPnL(pos, mark))
	return equity.Div(notional, 8)
}

// LiquidationPrice 满足 MarginRatio == 维持保证金率的价格。
// 多头：P = (E - m/(q·cs)) / (1 - r)；空头：P = (E + m/(q·cs)) / (1 + r)。
// 保证金或张数变化后必须重新计算。
func (b *Book) LiquidationPrice(pos *Position) *decimal.Decimal {
	exposure := b.inst.ContractSize.Mul(decimal.FromInt(pos.Qty))
	marginPerUnit := pos.Margin.Div(exposure, b.inst.PriceScale+4)
	r := b.inst.MaintenanceMarginRate

	if pos.Side == SideLong {
		return pos.EntryPrice.Sub(marginPerUnit).
			Div(decimal.One.Sub(r), b.inst.PriceScale)
	}
	return pos.EntryPrice.Add(marginPerUnit).
		Div(decimal.One.Add(r), b.inst.PriceScale)
}

// Liquidate 以标记价格强制平仓。亏损超出保证金时以保证金封顶，
// 差额作为穿仓坏账返回给调用方上报，不静默吸收。
func (b *Book) Liquidate(pos *Position, mark *decimal.Decimal) *LiquidationResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	pnl := b.UnrealizedPnL(pos, mark)
	equity := pos.Margin.Add(pnl)

	result := &LiquidationResult{
		Position:       pos,
		MarkPrice:      mark,
		BadDebt:        decimal.Zero,
		MarginReturned: decimal.Zero,
		Loss:           decimal.Zero,
	}

	if equity.IsNegative() {
		result.Loss = pos.Margin
		result.BadDebt = equity.Neg()
	} else {
		result.Loss = pnl.Neg()
		result.MarginReturned = equity
	}

	pos.RealizedPnL = pos.RealizedPnL.Sub(result.Loss)
	pos.Margin = decimal.Zero
	pos.Qty = 0
	pos.Status = StatusLiquidated
	pos.UpdatedAtMs = time.Now().UnixMilli()
	delete(b.positions, pos.UserID)

	return result
}

// ApplyFunding 资金费直接增减仓位保证金，不改变开仓价与张数
func (b *Book) ApplyFunding(pos *Position, payment *decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos.Margin = pos.Margin.Add(payment)
	pos.UpdatedAtMs = time.Now().UnixMilli()
}

// Get 查询用户当前仓位
func (b *Book) Get(userID int64) *Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.positions[userID]
}

// Open 当前全部未平仓位快照（浅拷贝切片，仓位指针仍由本包独占变更）
func (b *Book) Open() []*Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, pos)
	}
	return out
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
