// Package instrument 合约规格注册表，运行期只读
package instrument

import (
	"fmt"

	"github.com/bullionx/exchange/pkg/decimal"
	commonerrors "github.com/bullionx/exchange/pkg/errors"
)

// CollateralScale 结算货币（稳定币）最小单位精度
const CollateralScale = 6

// Kind 合约类型
type Kind int

const (
	KindSpot      Kind = 1
	KindPerpetual Kind = 2
)

// Instrument 合约规格
type Instrument struct {
	Pair       string
	BaseAsset  string
	QuoteAsset string
	Kind       Kind

	// ContractSize 一张合约对应的标的数量（金衡盎司；现货为 1）
	ContractSize *decimal.Decimal
	// TickSize 最小价格变动
	TickSize *decimal.Decimal
	// PriceScale 价格最小单位精度，1 个最小单位 = 1 tick
	PriceScale int
	// MinQty 最小下单张数
	MinQty int64

	MakerFeeRate *decimal.Decimal
	TakerFeeRate *decimal.Decimal

	MaxLeverage           int
	InitialMarginRate     *decimal.Decimal
	MaintenanceMarginRate *decimal.Decimal
}

// IsPerpetual 是否为永续合约
func (i *Instrument) IsPerpetual() bool {
	return i.Kind == KindPerpetual
}

// PriceFromUnits 最小单位整数价格转十进制
func (i *Instrument) PriceFromUnits(units int64) *decimal.Decimal {
	return decimal.FromUnits(units, i.PriceScale)
}

// Notional 名义价值 = 价格 × 合约面值 × 张数（结算货币计）
func (i *Instrument) Notional(priceUnits, qty int64) *decimal.Decimal {
	return i.PriceFromUnits(priceUnits).
		Mul(i.ContractSize).
		Mul(decimal.FromInt(qty))
}

var registry = map[string]*Instrument{
	"XAU-PERP": {
		Pair:                  "XAU-PERP",
		BaseAsset:             "XAU",
		QuoteAsset:            "USDT",
		Kind:                  KindPerpetual,
		ContractSize:          decimal.MustNew("0.001"),
		TickSize:              decimal.MustNew("0.01"),
		PriceScale:            2,
		MinQty:                1,
		MakerFeeRate:          decimal.Zero,
		TakerFeeRate:          decimal.MustNew("0.0005"),
		MaxLeverage:           50,
		InitialMarginRate:     decimal.MustNew("0.02"),
		MaintenanceMarginRate: decimal.MustNew("0.01"),
	},
	"XAG-PERP": {
		Pair:                  "XAG-PERP",
		BaseAsset:             "XAG",
		QuoteAsset:            "USDT",
		Kind:                  KindPerpetual,
		ContractSize:          decimal.MustNew("0.1"),
		TickSize:              decimal.MustNew("0.001"),
		PriceScale:            3,
		MinQty:                1,
		MakerFeeRate:          decimal.Zero,
		TakerFeeRate:          decimal.MustNew("0.0005"),
		MaxLeverage:           50,
		InitialMarginRate:     decimal.MustNew("0.02"),
		MaintenanceMarginRate: decimal.MustNew("0.01"),
	},
	"USDT-USDC": {
		Pair:         "USDT-USDC",
		BaseAsset:    "USDT",
		QuoteAsset:   "USDC",
		Kind:         KindSpot,
		ContractSize: decimal.One,
		TickSize:     decimal.MustNew("0.0001"),
		PriceScale:   4,
		MinQty:       1,
		MakerFeeRate: decimal.Zero,
		TakerFeeRate: decimal.MustNew("0.0003"),
		MaxLeverage:  1,
	},
}

func init() {
	for pair, inst := range registry {
		if !inst.IsPerpetual() {
			continue
		}
		// 维持保证金率 < 初始保证金率 < 1
		if inst.MaintenanceMarginRate.Cmp(inst.InitialMarginRate) >= 0 ||
			inst.InitialMarginRate.Cmp(decimal.One) >= 0 {
			panic(fmt.Sprintf("invalid margin rates for %s", pair))
		}
	}
}

// Spec 查询合约规格
func Spec(pair string) (*Instrument, error) {
	inst, ok := registry[pair]
	if !ok {
		return nil, commonerrors.Newf(commonerrors.CodePairNotFound, "unknown pair: %s", pair)
	}
	return inst, nil
}

// Pairs 所有合约标识，固定顺序
func Pairs() []string {
	return []string{"USDT-USDC", "XAU-PERP", "XAG-PERP"}
}

// Perpetuals 所有永续合约标识
func Perpetuals() []string {
	return []string{"XAU-PERP", "XAG-PERP"}
}
