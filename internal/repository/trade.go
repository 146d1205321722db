package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Trade 成交记录，价格为最小单位整数，手续费为结算货币最小单位
type Trade struct {
	TradeID      int64  `json:"tradeId"`
	Pair         string `json:"pair"`
	MakerOrderID int64  `json:"makerOrderId"`
	TakerOrderID int64  `json:"takerOrderId"`
	MakerUserID  int64  `json:"makerUserId"`
	TakerUserID  int64  `json:"takerUserId"`
	PriceUnits   int64  `json:"price"`
	Qty          int64  `json:"qty"`
	MakerFee     int64  `json:"makerFee"`
	TakerFee     int64  `json:"takerFee"`
	TakerSide    int    `json:"takerSide"`
	TimestampMs  int64  `json:"timestampMs"`
}

// TradeRepository 成交仓储
type TradeRepository struct {
	db *sql.DB
}

// NewTradeRepository 创建仓储
func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

const tradeColumns = `
	trade_id, pair, maker_order_id, taker_order_id, maker_user_id, taker_user_id,
	price_units, qty, maker_fee, taker_fee, taker_side, timestamp_ms
`

// Create 落库成交
func (r *TradeRepository) Create(ctx context.Context, t *Trade) error {
	const query = `
		INSERT INTO exchange.trades
		(trade_id, pair, maker_order_id, taker_order_id, maker_user_id, taker_user_id,
		 price_units, qty, maker_fee, taker_fee, taker_side, timestamp_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (trade_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		t.TradeID, t.Pair, t.MakerOrderID, t.TakerOrderID, t.MakerUserID,
		t.TakerUserID, t.PriceUnits, t.Qty, t.MakerFee, t.TakerFee, t.TakerSide,
		t.TimestampMs,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// Recent 交易对最近成交，时间降序
func (r *TradeRepository) Recent(ctx context.Context, pair string, limit int) ([]*Trade, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM exchange.trades
		WHERE pair = $1
		ORDER BY timestamp_ms DESC, trade_id DESC
		LIMIT $2
	`
	return r.queryTrades(ctx, query, pair, limit)
}

// ListByUser 用户成交记录（买卖双方均计入）
func (r *TradeRepository) ListByUser(ctx context.Context, userID int64, pair string, limit int) ([]*Trade, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM exchange.trades
		WHERE (maker_user_id = $1 OR taker_user_id = $1)
		  AND ($2 = '' OR pair = $2)
		ORDER BY timestamp_ms DESC, trade_id DESC
		LIMIT $3
	`
	return r.queryTrades(ctx, query, userID, pair, limit)
}

func (r *TradeRepository) queryTrades(ctx context.Context, query string, args ...interface{}) ([]*Trade, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(
			&t.TradeID, &t.Pair, &t.MakerOrderID, &t.TakerOrderID, &t.MakerUserID,
			&t.TakerUserID, &t.PriceUnits, &t.Qty, &t.MakerFee, &t.TakerFee,
			&t.TakerSide, &t.TimestampMs,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}
