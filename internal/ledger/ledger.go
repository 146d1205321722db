// Package ledger 钱包余额与账本
//
// 余额变更只通过原子批量入账完成：先锁定涉及的账户行，再计算新余额，
// 余额与账本流水在同一事务内提交。成交/强平/资金费引起的资金变化与
// 其事件记录不允许出现不一致的中间状态。
package ledger

import (
	"context"
	"errors"
)

// 余额最小单位为结算货币 1e-6

// 账本流水类型
const (
	KindDeposit     = "deposit"
	KindTrade       = "trade"
	KindFee         = "fee"
	KindFunding     = "funding"
	KindLiquidation = "liquidation"
	KindFreeze      = "freeze"
	KindRelease     = "release"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientFrozen  = errors.New("insufficient frozen")
)

// 小额账户限制：单笔入金 (0, 5]，且仅当总余额 < 1 时允许入金
const (
	DepositMaxUnits      = 5_000_000
	DepositBalanceCeiling = 1_000_000
)

// Balance 账户余额
type Balance struct {
	UserID      int64  `json:"userId"`
	Currency    string `json:"currency"`
	Available   int64  `json:"available"`
	Frozen      int64  `json:"frozen"`
	Version     int64  `json:"version"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}

// Total 总余额
func (b *Balance) Total() int64 {
	return b.Available + b.Frozen
}

// Entry 一笔余额变更及其流水
type Entry struct {
	TxID           int64  `json:"txId"`
	UserID         int64  `json:"userId"`
	Currency       string `json:"currency"`
	AvailableDelta int64  `json:"availableDelta"`
	FrozenDelta    int64  `json:"frozenDelta"`
	AvailableAfter int64  `json:"availableAfter"`
	FrozenAfter    int64  `json:"frozenAfter"`
	Kind           string `json:"kind"`
	RefID          string `json:"refId"`
	CreatedAtMs    int64  `json:"createdAtMs"`
}

// Transaction 对外返回的入金记录
type Transaction struct {
	TxID        int64  `json:"txId"`
	UserID      int64  `json:"userId"`
	Currency    string `json:"currency"`
	Amount      int64  `json:"amount"`
	Kind        string `json:"kind"`
	BalanceAfter int64 `json:"balanceAfter"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// Store 余额存储
type Store interface {
	// Balance 查询余额，不存在返回零余额
	Balance(ctx context.Context, userID int64, currency string) (*Balance, error)
	// Apply 原子入账：全部成功或全部失败。条目内可跨用户、跨币种。
	// 可用余额或冻结余额不足时整批拒绝。
	Apply(ctx context.Context, entries []*Entry) error
	// Deposit 入金，受小额账户限制约束
	Deposit(ctx context.Context, userID int64, currency string, amount int64) (*Transaction, error)
}

// CheckDeposit 校验入金限制：amount ∈ (0, 5]，且当前总余额 < 1
func CheckDeposit(amount, totalBalance int64) error {
	if amount <= 0 || amount > DepositMaxUnits {
		return errDepositLimit
	}
	if totalBalance >= DepositBalanceCeiling {
		return errDepositNotEligible
	}
	return nil
}

var (
	errDepositLimit       = errors.New("deposit amount out of range")
	errDepositNotEligible = errors.New("deposit not eligible: balance too high")
)

// IsDepositLimit 是否为入金额度错误
func IsDepositLimit(err error) bool {
	return errors.Is(err, errDepositLimit)
}

// IsDepositNotEligible 是否为入金资格错误
func IsDepositNotEligible(err error) bool {
	return errors.Is(err, errDepositNotEligible)
}
