package service

import (
	"context"
	"time"

	"github.com/bullionx/exchange/internal/engine"
	"github.com/bullionx/exchange/internal/instrument"
	"github.com/bullionx/exchange/internal/metrics"
	"github.com/bullionx/exchange/internal/repository"
	"github.com/bullionx/exchange/pkg/decimal"
	"github.com/bullionx/exchange/pkg/logger"
)

// EventPublisher 事件外发接口（Redis Stream）
type EventPublisher interface {
	Publish(ctx context.Context, msg interface{}) (string, error)
}

// Broadcaster 实时推送接口（WebSocket）
type Broadcaster interface {
	Broadcast(channel string, payload interface{})
}

// Consumer 消费单个引擎的事件流：落库、发布、推送。
// 每个交易对一个消费 goroutine，与引擎生命周期一致。
type Consumer struct {
	pair      string
	events    <-chan *engine.Event
	orders    OrderStore
	trades    TradeStore
	publisher EventPublisher
	hub       Broadcaster
	log       *logger.Logger
}

// NewConsumer 创建消费者，publisher 与 hub 可为 nil
func NewConsumer(pair string, eng *engine.Engine, orders OrderStore, trades TradeStore,
	publisher EventPublisher, hub Broadcaster, log *logger.Logger) *Consumer {
	return &Consumer{
		pair:      pair,
		events:    eng.Events(),
		orders:    orders,
		trades:    trades,
		publisher: publisher,
		hub:       hub,
		log:       log.WithField("pair", pair),
	}
}

// Run 消费事件直到 ctx 结束
func (c *Consumer) Run(ctx context.Context) {
	for {
		select {
		case ev := <-c.events:
			c.handle(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) handle(ctx context.Context, ev *engine.Event) {
	switch ev.Type {
	case engine.EventFill:
		c.handleFill(ctx, ev)
	case engine.EventOrderUpdate:
		c.handleOrderUpdate(ctx, ev)
	case engine.EventLiquidation:
		metrics.IncLiquidations(c.pair)
		c.broadcast("liquidations:"+c.pair, ev)
	case engine.EventBadDebt:
		c.handleBadDebt(ev)
	case engine.EventFunding:
		c.broadcast("funding:"+c.pair, ev)
	case engine.EventPosition:
		c.broadcast("positions:"+c.pair, ev)
	}
	c.publish(ctx, ev)
}

func (c *Consumer) handleFill(ctx context.Context, ev *engine.Event) {
	fill, ok := ev.Data.(*engine.Fill)
	if !ok {
		return
	}
	metrics.IncTradesCreated(c.pair)

	if err := c.trades.Create(ctx, &repository.Trade{
		TradeID:      fill.FillID,
		Pair:         fill.Pair,
		MakerOrderID: fill.MakerOrderID,
		TakerOrderID: fill.TakerOrderID,
		MakerUserID:  fill.MakerUserID,
		TakerUserID:  fill.TakerUserID,
		PriceUnits:   fill.PriceUnits,
		Qty:          fill.Qty,
		MakerFee:     fill.MakerFee,
		TakerFee:     fill.TakerFee,
		TakerSide:    int(fill.TakerSide),
		TimestampMs:  fill.TimestampMs,
	}); err != nil {
		c.log.WithError(err).Errorf("persist trade failed", map[string]interface{}{"tradeId": fill.FillID})
	}

	c.broadcast("trades:"+c.pair, fill)
}

func (c *Consumer) handleOrderUpdate(ctx context.Context, ev *engine.Event) {
	upd, ok := ev.Data.(*engine.OrderUpdate)
	if !ok {
		return
	}
	if err := c.orders.UpdateExecution(ctx, upd.OrderID, upd.FilledQty,
		string(upd.Status), upd.FrozenLeft, time.Now().UnixMilli()); err != nil {
		c.log.WithError(err).Errorf("persist order update failed", map[string]interface{}{"orderId": upd.OrderID})
	}
	c.broadcast("orders:"+c.pair, upd)
}

func (c *Consumer) handleBadDebt(ev *engine.Event) {
	bd, ok := ev.Data.(*engine.BadDebtEvent)
	if !ok {
		return
	}
	if amount, err := decimal.New(bd.Amount); err == nil {
		metrics.AddBadDebt(c.pair, amount.Units(instrument.CollateralScale))
	}
	c.broadcast("liquidations:"+c.pair, ev)
}

func (c *Consumer) publish(ctx context.Context, ev *engine.Event) {
	if c.publisher == nil {
		return
	}
	if _, err := c.publisher.Publish(ctx, ev); err != nil {
		c.log.WithError(err).Errorf("publish event failed", map[string]interface{}{
			"type": string(ev.Type),
			"seq":  ev.Seq,
		})
	}
}

func (c *Consumer) broadcast(channel string, payload interface{}) {
	if c.hub == nil {
		return
	}
	c.hub.Broadcast(channel, payload)
}
