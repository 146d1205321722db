// Package funding 资金费引擎
//
// 每 8 小时（00:00 / 08:00 / 16:00 UTC）对所有永续合约结算一次资金费。
// 费率取结算区间内溢价率样本的平均值，收敛到 [-1%, +1%]。
// 结算请求进入对应合约的撮合命令队列，与撮合整体有序。
package funding

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bullionx/exchange/internal/engine"
	"github.com/bullionx/exchange/internal/instrument"
	"github.com/bullionx/exchange/internal/markprice"
	"github.com/bullionx/exchange/pkg/decimal"
	commonerrors "github.com/bullionx/exchange/pkg/errors"
	"github.com/bullionx/exchange/pkg/logger"
)

// 费率上下限 ±1%
var (
	rateFloor = decimal.MustNew("-0.01")
	rateCap   = decimal.MustNew("0.01")
)

// 定时表达式：每分钟采样溢价率，每 8 小时结算
const (
	sampleSpec = "* * * * *"
	settleSpec = "0 0,8,16 * * *"
)

// Distributor 合约侧的资金费执行入口
type Distributor interface {
	DistributeFunding(ctx context.Context, rate, mark *decimal.Decimal) (*engine.FundingResult, error)
}

// HistoryStore 资金费结算记录持久化
type HistoryStore interface {
	InsertFundingRound(ctx context.Context, round *Round) error
}

// Round 一次合约级结算记录
type Round struct {
	Pair        string `json:"pair"`
	Rate        string `json:"rate"`
	MarkPrice   string `json:"markPrice"`
	Transfers   int    `json:"transfers"`
	Trigger     string `json:"trigger"` // schedule / manual
	TimestampMs int64  `json:"timestampMs"`
}

// Engine 资金费引擎
type Engine struct {
	marks   *markprice.Service
	engines map[string]Distributor
	history HistoryStore
	log     *logger.Logger

	cron *cron.Cron
}

// New 创建资金费引擎，history 可为 nil
func New(marks *markprice.Service, engines map[string]Distributor, history HistoryStore, log *logger.Logger) *Engine {
	return &Engine{
		marks:   marks,
		engines: engines,
		history: history,
		log:     log.WithField("component", "funding"),
		cron:    cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start 启动定时采样与结算
func (e *Engine) Start(ctx context.Context) error {
	if _, err := e.cron.AddFunc(sampleSpec, func() { e.sampleAll(ctx) }); err != nil {
		return err
	}
	if _, err := e.cron.AddFunc(settleSpec, func() { e.settleAll(ctx) }); err != nil {
		return err
	}
	e.cron.Start()
	e.log.Info("funding scheduler started")
	return nil
}

// Stop 停止调度，等待进行中的任务结束
func (e *Engine) Stop() {
	<-e.cron.Stop().Done()
}

func (e *Engine) sampleAll(ctx context.Context) {
	for _, pair := range instrument.Perpetuals() {
		if err := e.marks.SamplePremium(ctx, pair); err != nil {
			e.log.WithError(err).Warnf("premium sample failed", map[string]interface{}{"pair": pair})
		}
	}
}

func (e *Engine) settleAll(ctx context.Context) {
	for _, pair := range instrument.Perpetuals() {
		if _, err := e.settle(ctx, pair, "schedule"); err != nil {
			e.log.WithError(err).Errorf("funding settlement failed", map[string]interface{}{"pair": pair})
		}
	}
}

// Settle 对单个合约立即结算一次资金费（手动触发入口）
func (e *Engine) Settle(ctx context.Context, pair string) (*engine.FundingResult, error) {
	return e.settle(ctx, pair, "manual")
}

func (e *Engine) settle(ctx context.Context, pair, trigger string) (*engine.FundingResult, error) {
	dist, ok := e.engines[pair]
	if !ok {
		if _, err := instrument.Spec(pair); err != nil {
			return nil, err
		}
		return nil, commonerrors.Newf(commonerrors.CodeInvalidParam, "%s is not a perpetual", pair)
	}

	premium, err := e.marks.DrainPremium(ctx, pair)
	if err != nil {
		return nil, err
	}
	rate := premium.Clamp(rateFloor, rateCap)

	sample, err := e.marks.Mark(ctx, pair)
	if err != nil {
		return nil, err
	}

	result, err := dist.DistributeFunding(ctx, rate, sample.MarkPrice)
	if err != nil {
		return nil, err
	}

	e.log.Infof("funding settled", map[string]interface{}{
		"pair":      pair,
		"rate":      rate.String(),
		"markPrice": sample.MarkPrice.String(),
		"transfers": len(result.Transfers),
		"trigger":   trigger,
	})

	if e.history != nil {
		round := &Round{
			Pair:        pair,
			Rate:        rate.String(),
			MarkPrice:   sample.MarkPrice.String(),
			Transfers:   len(result.Transfers),
			Trigger:     trigger,
			TimestampMs: result.TimestampMs,
		}
		if err := e.history.InsertFundingRound(ctx, round); err != nil {
			e.log.WithError(err).Errorf("funding round persist failed", map[string]interface{}{"pair": pair})
		}
	}

	return result, nil
}

// ClampRate 将溢价率收敛到费率上下限（计算口径对外可见，便于校验）
func ClampRate(premium *decimal.Decimal) *decimal.Decimal {
	return premium.Clamp(rateFloor, rateCap)
}
