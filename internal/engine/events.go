package engine

import (
	"time"

	"github.com/bullionx/exchange/internal/position"
)

// EventType 引擎事件类型
type EventType string

const (
	EventFill        EventType = "fill"
	EventOrderUpdate EventType = "order"
	EventPosition    EventType = "position"
	EventFunding     EventType = "funding"
	EventLiquidation EventType = "liquidation"
	EventBadDebt     EventType = "bad_debt"
)

// Event 引擎对外事件。由执行器线程按发生顺序产出，
// 消费方负责持久化与推送，事件本身不可变。
type Event struct {
	Type        EventType   `json:"type"`
	Pair        string      `json:"pair"`
	Seq         int64       `json:"seq"`
	TimestampMs int64       `json:"timestampMs"`
	Data        interface{} `json:"data"`
}

// OrderUpdate 订单状态变更
type OrderUpdate struct {
	OrderID   int64       `json:"orderId"`
	UserID    int64       `json:"userId"`
	FilledQty int64       `json:"filledQty"`
	LeavesQty int64       `json:"leavesQty"`
	Status    OrderStatus `json:"status"`
	// FrozenLeft 订单仍占用的冻结额度，终态恒为 0
	FrozenLeft int64 `json:"frozenLeft"`
}

// PositionSnapshot 仓位快照，事件流中使用（仓位本体仍由引擎独占变更）
type PositionSnapshot struct {
	PositionID  int64  `json:"positionId"`
	UserID      int64  `json:"userId"`
	Contract    string `json:"contract"`
	Side        string `json:"side"`
	EntryPrice  string `json:"entryPrice"`
	Qty         int64  `json:"qty"`
	Margin      string `json:"margin"`
	RealizedPnL string `json:"realizedPnl"`
	Status      int    `json:"status"`
}

func snapshotPosition(pos *position.Position) *PositionSnapshot {
	return &PositionSnapshot{
		PositionID:  pos.PositionID,
		UserID:      pos.UserID,
		Contract:    pos.Contract,
		Side:        pos.Side.String(),
		EntryPrice:  pos.EntryPrice.String(),
		Qty:         pos.Qty,
		Margin:      pos.Margin.String(),
		RealizedPnL: pos.RealizedPnL.String(),
		Status:      int(pos.Status),
	}
}

// LiquidationEvent 强平事件
type LiquidationEvent struct {
	PositionID     int64  `json:"positionId"`
	UserID         int64  `json:"userId"`
	Contract       string `json:"contract"`
	Side           string `json:"side"`
	MarkPrice      string `json:"markPrice"`
	Loss           string `json:"loss"`
	MarginReturned string `json:"marginReturned"`
	BadDebt        string `json:"badDebt"`
}

// BadDebtEvent 穿仓坏账，必须被消费方记录并告警
type BadDebtEvent struct {
	PositionID int64  `json:"positionId"`
	UserID     int64  `json:"userId"`
	Contract   string `json:"contract"`
	Amount     string `json:"amount"`
	MarkPrice  string `json:"markPrice"`
}

// emit 仅在执行器线程内调用，事件序号即产出顺序
func (e *Engine) emit(typ EventType, data interface{}) {
	e.eventSeq++
	ev := &Event{
		Type:        typ,
		Pair:        e.inst.Pair,
		Seq:         e.eventSeq,
		TimestampMs: time.Now().UnixMilli(),
		Data:        data,
	}

	select {
	case e.eventCh <- ev:
	case <-e.ctx.Done():
	}
}
