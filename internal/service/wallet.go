package service

import (
	"context"

	"github.com/bullionx/exchange/internal/instrument"
	"github.com/bullionx/exchange/internal/ledger"
	"github.com/bullionx/exchange/pkg/decimal"
	commonerrors "github.com/bullionx/exchange/pkg/errors"
	"github.com/bullionx/exchange/pkg/logger"
)

// 可入金的结算货币
var depositCurrencies = map[string]bool{
	"USDT": true,
	"USDC": true,
}

// 余额展示覆盖的全部货币
var balanceCurrencies = []string{"USDT", "USDC", "XAU", "XAG"}

// WalletService 钱包服务
type WalletService struct {
	store ledger.Store
	log   *logger.Logger
}

// NewWalletService 创建钱包服务
func NewWalletService(store ledger.Store, log *logger.Logger) *WalletService {
	return &WalletService{store: store, log: log.WithField("component", "wallet")}
}

// Deposit 入金。单笔金额 ∈ (0, 5]，且仅当账户总余额 < 1 时允许。
func (s *WalletService) Deposit(ctx context.Context, userID int64, currency, amount string) (*ledger.Transaction, error) {
	if !depositCurrencies[currency] {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidParam, "unsupported deposit currency: %q", currency)
	}

	value, err := decimal.New(amount)
	if err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid amount: %q", amount)
	}
	units := value.Units(instrument.CollateralScale)
	if decimal.FromUnits(units, instrument.CollateralScale).Cmp(value) != 0 {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidParam,
			"amount %s exceeds %d decimal places", amount, instrument.CollateralScale)
	}

	txn, err := s.store.Deposit(ctx, userID, currency, units)
	if err != nil {
		switch {
		case ledger.IsDepositLimit(err):
			return nil, commonerrors.New(commonerrors.CodeDepositLimitExceeded,
				"deposit amount must be in (0, 5]")
		case ledger.IsDepositNotEligible(err):
			return nil, commonerrors.New(commonerrors.CodeDepositNotEligible,
				"deposits are only allowed while total balance is below 1")
		default:
			return nil, commonerrors.Newf(commonerrors.CodeInternal, "deposit: %v", err)
		}
	}

	s.log.Infof("deposit accepted", map[string]interface{}{
		"userId":   userID,
		"currency": currency,
		"amount":   amount,
	})
	return txn, nil
}

// Balances 用户全部货币余额
func (s *WalletService) Balances(ctx context.Context, userID int64) ([]*ledger.Balance, error) {
	out := make([]*ledger.Balance, 0, len(balanceCurrencies))
	for _, currency := range balanceCurrencies {
		b, err := s.store.Balance(ctx, userID, currency)
		if err != nil {
			return nil, commonerrors.Newf(commonerrors.CodeInternal, "query balance: %v", err)
		}
		out = append(out, b)
	}
	return out, nil
}
