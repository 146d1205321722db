package engine

import (
	"strconv"
	"time"

	"github.com/bullionx/exchange/internal/instrument"
	"github.com/bullionx/exchange/internal/ledger"
	"github.com/bullionx/exchange/internal/orderbook"
	"github.com/bullionx/exchange/internal/position"
	"github.com/bullionx/exchange/pkg/decimal"
	commonerrors "github.com/bullionx/exchange/pkg/errors"
)

// freezeNotional 冻结参考名义价值。可成交部分按对手盘逐档实际价格累计，
// 深档成交锁入的保证金不会超出冻结额；限价单剩余量按委托价计入，
// 市价单只对可成交部分冻结，对手盘为空直接拒单。
func (e *Engine) freezeNotional(req *OrderRequest) (*decimal.Decimal, error) {
	levels := e.book.MatchPreview(req.Side, req.UserID, req.Qty, req.PriceUnits)

	notional := decimal.Zero
	var fillable int64
	for _, lv := range levels {
		notional = notional.Add(e.inst.Notional(lv.Price, lv.Qty))
		fillable += lv.Qty
	}

	if req.Type == TypeMarket {
		if fillable == 0 {
			return nil, commonerrors.New(commonerrors.CodeNoLiquidity, "no liquidity for market order")
		}
		return notional, nil
	}

	if rest := req.Qty - fillable; rest > 0 {
		notional = notional.Add(e.inst.Notional(req.PriceUnits, rest))
	}
	return notional, nil
}

// freeze 下单时冻结额度。
// 永续：名义价值 × (初始保证金率 + taker 费率)；
// 现货买入冻结计价货币货款 + 手续费缓冲，卖出冻结基础货币。
// 冻结失败即 InsufficientMargin / InsufficientBalance，撮合不会开始。
func (e *Engine) freeze(req *OrderRequest, notional *decimal.Decimal) (*orderMeta, error) {
	var amount int64
	currency := e.inst.QuoteAsset

	switch {
	case e.inst.IsPerpetual():
		amount = notional.
			Mul(e.inst.InitialMarginRate.Add(e.inst.TakerFeeRate)).
			CeilUnits(instrument.CollateralScale)
	case req.Side == orderbook.SideBuy:
		amount = notional.
			Mul(decimal.One.Add(e.inst.TakerFeeRate)).
			CeilUnits(instrument.CollateralScale)
	default:
		currency = e.inst.BaseAsset
		amount = e.inst.ContractSize.
			Mul(decimal.FromInt(req.Qty)).
			Units(instrument.CollateralScale)
	}

	entry := &ledger.Entry{
		UserID:         req.UserID,
		Currency:       currency,
		AvailableDelta: -amount,
		FrozenDelta:    amount,
		Kind:           ledger.KindFreeze,
		RefID:          strconv.FormatInt(req.OrderID, 10),
	}

	if err := e.store.Apply(e.ctx, []*ledger.Entry{entry}); err != nil {
		if err == ledger.ErrInsufficientBalance {
			if e.inst.IsPerpetual() {
				return nil, commonerrors.ErrInsufficientMargin
			}
			return nil, commonerrors.New(commonerrors.CodeInsufficientBalance, "insufficient balance")
		}
		return nil, commonerrors.Newf(commonerrors.CodeInternal, "freeze: %v", err)
	}

	return &orderMeta{
		userID:     req.UserID,
		side:       req.Side,
		origQty:    req.Qty,
		frozenLeft: amount,
		currency:   currency,
	}, nil
}

// releaseMeta 订单终态时解冻剩余额度，返回解冻金额
func (e *Engine) releaseMeta(orderID, userID int64) int64 {
	meta, ok := e.meta[orderID]
	if !ok {
		return 0
	}
	delete(e.meta, orderID)

	if meta.frozenLeft <= 0 {
		return 0
	}

	entry := &ledger.Entry{
		UserID:         userID,
		Currency:       meta.currency,
		AvailableDelta: meta.frozenLeft,
		FrozenDelta:    -meta.frozenLeft,
		Kind:           ledger.KindRelease,
		RefID:          strconv.FormatInt(orderID, 10),
	}
	if err := e.store.Apply(e.ctx, []*ledger.Entry{entry}); err != nil {
		e.log.WithError(err).Errorf("release frozen failed", map[string]interface{}{
			"orderId": orderID,
			"amount":  meta.frozenLeft,
		})
	}
	return meta.frozenLeft
}

// consumeFrozen 从订单冻结额度中扣减，不足时封顶并记错误日志
func (e *Engine) consumeFrozen(orderID int64, amount int64) {
	meta, ok := e.meta[orderID]
	if !ok || amount <= 0 {
		return
	}
	if amount > meta.frozenLeft {
		e.log.Errorf("frozen underflow", map[string]interface{}{
			"orderId": orderID,
			"want":    amount,
			"left":    meta.frozenLeft,
		})
		amount = meta.frozenLeft
	}
	meta.frozenLeft -= amount
}

// settleTrade 将一次撮合落为成交：计费、更新双方仓位、原子入账。
// 成交一经产生即不可变，入账失败只记录告警等待对账，不回滚成交。
func (e *Engine) settleTrade(trade *orderbook.Trade) *Fill {
	notional := e.inst.Notional(trade.Price, trade.Qty)
	makerFee := notional.Mul(e.inst.MakerFeeRate).Truncate(instrument.CollateralScale)
	takerFee := notional.Mul(e.inst.TakerFeeRate).Truncate(instrument.CollateralScale)

	fill := &Fill{
		FillID:       e.idGen(),
		Pair:         e.inst.Pair,
		MakerOrderID: trade.MakerOrderID,
		TakerOrderID: trade.TakerOrderID,
		MakerUserID:  trade.MakerUserID,
		TakerUserID:  trade.TakerUserID,
		PriceUnits:   trade.Price,
		Qty:          trade.Qty,
		MakerFee:     makerFee.Units(instrument.CollateralScale),
		TakerFee:     takerFee.Units(instrument.CollateralScale),
		TakerSide:    trade.TakerSide,
		TimestampMs:  trade.Timestamp / int64(time.Millisecond),
	}

	var entries []*ledger.Entry
	if e.inst.IsPerpetual() {
		entries = append(entries, e.settlePerpParty(fill, trade.MakerOrderID, trade.MakerUserID, trade.TakerSide.Opposite(), fill.MakerFee, trade)...)
		entries = append(entries, e.settlePerpParty(fill, trade.TakerOrderID, trade.TakerUserID, trade.TakerSide, fill.TakerFee, trade)...)
	} else {
		entries = e.settleSpot(fill, notional, trade)
	}

	if len(entries) > 0 {
		if err := e.store.Apply(e.ctx, entries); err != nil {
			e.log.WithError(err).Errorf("trade settlement failed, pending reconciliation", map[string]interface{}{
				"fillId": fill.FillID,
			})
		}
	}

	return fill
}

// settlePerpParty 结算成交一方的仓位与资金
func (e *Engine) settlePerpParty(fill *Fill, orderID, userID int64, side orderbook.Side, fee int64, trade *orderbook.Trade) []*ledger.Entry {
	upd := e.positions.ApplyFill(userID, side, trade.Price, trade.Qty)
	ref := strconv.FormatInt(fill.FillID, 10)

	var entries []*ledger.Entry

	// 新锁入仓位的保证金留在钱包冻结额中，只从订单额度划转归属
	if locked := upd.MarginLocked.Units(instrument.CollateralScale); locked > 0 {
		e.consumeFrozen(orderID, locked)
	}

	if fee > 0 {
		e.consumeFrozen(orderID, fee)
		entries = append(entries, &ledger.Entry{
			UserID:      userID,
			Currency:    e.inst.QuoteAsset,
			FrozenDelta: -fee,
			Kind:        ledger.KindFee,
			RefID:       ref,
		})
	}

	// 减仓：释放保证金并入可用余额，盈亏一并结转
	if released := upd.MarginReleased.Units(instrument.CollateralScale); released > 0 || !upd.RealizedPnL.IsZero() {
		credit := released + upd.RealizedPnL.Units(instrument.CollateralScale)
		if credit < 0 {
			// 实现亏损超过释放的保证金，按零封顶并告警，等待对账
			e.log.Errorf("realized loss exceeds released margin", map[string]interface{}{
				"fillId": fill.FillID,
				"userId": userID,
			})
			credit = 0
		}
		entries = append(entries, &ledger.Entry{
			UserID:         userID,
			Currency:       e.inst.QuoteAsset,
			AvailableDelta: credit,
			FrozenDelta:    -released,
			Kind:           ledger.KindTrade,
			RefID:          ref,
		})
	}

	e.emit(EventPosition, snapshotPosition(upd.Position))
	return entries
}

// settleSpot 现货一手交钱一手交货，货款从冻结中扣除
func (e *Engine) settleSpot(fill *Fill, notional *decimal.Decimal, trade *orderbook.Trade) []*ledger.Entry {
	ref := strconv.FormatInt(fill.FillID, 10)
	quoteUnits := notional.Units(instrument.CollateralScale)
	baseUnits := e.inst.ContractSize.
		Mul(decimal.FromInt(trade.Qty)).
		Units(instrument.CollateralScale)

	buyOrderID, sellOrderID := trade.TakerOrderID, trade.MakerOrderID
	buyUserID, sellUserID := trade.TakerUserID, trade.MakerUserID
	buyFee, sellFee := fill.TakerFee, fill.MakerFee
	if trade.TakerSide == orderbook.SideSell {
		buyOrderID, sellOrderID = sellOrderID, buyOrderID
		buyUserID, sellUserID = sellUserID, buyUserID
		buyFee, sellFee = sellFee, buyFee
	}

	e.consumeFrozen(buyOrderID, quoteUnits+buyFee)
	e.consumeFrozen(sellOrderID, baseUnits)

	return []*ledger.Entry{
		// 买方：付出冻结货款与手续费，收到基础货币
		{
			UserID:      buyUserID,
			Currency:    e.inst.QuoteAsset,
			FrozenDelta: -(quoteUnits + buyFee),
			Kind:        ledger.KindTrade,
			RefID:       ref,
		},
		{
			UserID:         buyUserID,
			Currency:       e.inst.BaseAsset,
			AvailableDelta: baseUnits,
			Kind:           ledger.KindTrade,
			RefID:          ref,
		},
		// 卖方：付出冻结的基础货币，收到货款减手续费
		{
			UserID:      sellUserID,
			Currency:    e.inst.BaseAsset,
			FrozenDelta: -baseUnits,
			Kind:        ledger.KindTrade,
			RefID:       ref,
		},
		{
			UserID:         sellUserID,
			Currency:       e.inst.QuoteAsset,
			AvailableDelta: quoteUnits - sellFee,
			Kind:           ledger.KindTrade,
			RefID:          ref,
		},
	}
}

// processFunding 资金费结算：同一命令内取仓位快照、划转、复核强平，
// 与任何撮合整体有序
func (e *Engine) processFunding(rate, mark *decimal.Decimal) (*FundingResult, error) {
	if e.positions == nil {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidParam, "%s is not a perpetual", e.inst.Pair)
	}

	e.lastMark = mark
	now := time.Now().UnixMilli()

	result := &FundingResult{
		Pair:        e.inst.Pair,
		Rate:        rate.String(),
		MarkPrice:   mark.String(),
		Transfers:   make([]*FundingTransfer, 0),
		TimestampMs: now,
	}

	var entries []*ledger.Entry
	for _, pos := range e.positions.Open() {
		notional := mark.Mul(e.inst.ContractSize).Mul(decimal.FromInt(pos.Qty))
		payment := notional.Mul(rate).Truncate(instrument.CollateralScale)

		// 正费率多头支付空头；负费率反向
		delta := payment.Neg()
		if pos.Side == position.SideShort {
			delta = payment
		}

		// 支付方以剩余保证金封顶，保证金不为负
		if delta.IsNegative() && delta.Neg().Cmp(pos.Margin) > 0 {
			e.log.Warnf("funding payment capped at position margin", map[string]interface{}{
				"positionId": pos.PositionID,
			})
			delta = pos.Margin.Neg()
		}

		units := delta.Units(instrument.CollateralScale)
		applied := decimal.FromUnits(units, instrument.CollateralScale)
		e.positions.ApplyFunding(pos, applied)

		entries = append(entries, &ledger.Entry{
			UserID:      pos.UserID,
			Currency:    e.inst.QuoteAsset,
			FrozenDelta: units,
			Kind:        ledger.KindFunding,
			RefID:       strconv.FormatInt(pos.PositionID, 10),
		})

		result.Transfers = append(result.Transfers, &FundingTransfer{
			PositionID: pos.PositionID,
			UserID:     pos.UserID,
			Side:       pos.Side.String(),
			Notional:   notional.String(),
			Payment:    applied.String(),
		})
	}

	if len(entries) > 0 {
		if err := e.store.Apply(e.ctx, entries); err != nil {
			e.log.WithError(err).Error("funding ledger apply failed")
		}
	}

	e.emit(EventFunding, result)

	// 资金费变动保证金后立即复核
	e.sweep(mark)

	return result, nil
}

func (e *Engine) processSweep(mark *decimal.Decimal) []*position.LiquidationResult {
	if e.positions == nil {
		return nil
	}
	e.lastMark = mark
	return e.sweep(mark)
}

// sweep 保证金率 ≤ 维持保证金率的仓位立即以标记价格强平
func (e *Engine) sweep(mark *decimal.Decimal) []*position.LiquidationResult {
	var results []*position.LiquidationResult

	for _, pos := range e.positions.Open() {
		ratio := e.positions.MarginRatio(pos, mark)
		if ratio.Cmp(e.inst.MaintenanceMarginRate) > 0 {
			continue
		}

		liq := e.positions.Liquidate(pos, mark)
		results = append(results, liq)

		total := liq.Loss.Add(liq.MarginReturned).Units(instrument.CollateralScale)
		entry := &ledger.Entry{
			UserID:         pos.UserID,
			Currency:       e.inst.QuoteAsset,
			AvailableDelta: liq.MarginReturned.Units(instrument.CollateralScale),
			FrozenDelta:    -total,
			Kind:           ledger.KindLiquidation,
			RefID:          strconv.FormatInt(pos.PositionID, 10),
		}
		if err := e.store.Apply(e.ctx, []*ledger.Entry{entry}); err != nil {
			e.log.WithError(err).Error("liquidation ledger apply failed")
		}

		e.emit(EventLiquidation, &LiquidationEvent{
			PositionID:     pos.PositionID,
			UserID:         pos.UserID,
			Contract:       pos.Contract,
			Side:           pos.Side.String(),
			MarkPrice:      mark.String(),
			Loss:           liq.Loss.String(),
			MarginReturned: liq.MarginReturned.String(),
			BadDebt:        liq.BadDebt.String(),
		})

		// 穿仓坏账必须上报，不静默吸收
		if liq.BadDebt.IsPositive() {
			e.log.Errorf("liquidation bad debt", map[string]interface{}{
				"positionId": pos.PositionID,
				"userId":     pos.UserID,
				"badDebt":    liq.BadDebt.String(),
			})
			e.emit(EventBadDebt, &BadDebtEvent{
				PositionID: pos.PositionID,
				UserID:     pos.UserID,
				Contract:   pos.Contract,
				Amount:     liq.BadDebt.String(),
				MarkPrice:  mark.String(),
			})
		}
	}

	return results
}
