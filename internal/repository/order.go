// Package repository 订单与成交数据访问层
package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Order 订单记录。价格与冻结额为最小单位整数，张数为整数。
type Order struct {
	OrderID     int64  `json:"orderId"`
	UserID      int64  `json:"userId"`
	Pair        string `json:"pair"`
	Side        int    `json:"side"` // 1=BUY 2=SELL
	Type        int    `json:"type"` // 1=LIMIT 2=MARKET
	PriceUnits  int64  `json:"price"`
	OrigQty     int64  `json:"origQty"`
	FilledQty   int64  `json:"filledQty"`
	Status      string `json:"status"`
	FrozenLeft  int64  `json:"frozenLeft"`
	Currency    string `json:"currency"`
	CreatedAtMs int64  `json:"createdAtMs"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}

// LeavesQty 剩余张数
func (o *Order) LeavesQty() int64 {
	return o.OrigQty - o.FilledQty
}

// OrderRepository 订单仓储
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository 创建仓储
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `
	order_id, user_id, pair, side, type, price_units, orig_qty, filled_qty,
	status, frozen_left, currency, created_at_ms, updated_at_ms
`

// Create 落库新订单
func (r *OrderRepository) Create(ctx context.Context, o *Order) error {
	const query = `
		INSERT INTO exchange.orders
		(order_id, user_id, pair, side, type, price_units, orig_qty, filled_qty,
		 status, frozen_left, currency, created_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		o.OrderID, o.UserID, o.Pair, o.Side, o.Type, o.PriceUnits, o.OrigQty,
		o.FilledQty, o.Status, o.FrozenLeft, o.Currency, o.CreatedAtMs, o.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// Get 查询订单，不存在返回 (nil, nil)
func (r *OrderRepository) Get(ctx context.Context, orderID int64) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM exchange.orders WHERE order_id = $1`

	o, err := scanOrder(r.db.QueryRowContext(ctx, query, orderID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// UpdateExecution 撮合后更新成交进度与冻结余量
func (r *OrderRepository) UpdateExecution(ctx context.Context, orderID, filledQty int64, status string, frozenLeft, updatedAtMs int64) error {
	const query = `
		UPDATE exchange.orders
		SET filled_qty = $1, status = $2, frozen_left = $3, updated_at_ms = $4
		WHERE order_id = $5
	`
	result, err := r.db.ExecContext(ctx, query, filledQty, status, frozenLeft, updatedAtMs, orderID)
	if err != nil {
		return fmt.Errorf("update order execution: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListOpen 用户当前挂单
func (r *OrderRepository) ListOpen(ctx context.Context, userID int64, pair string, limit int) ([]*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM exchange.orders
		WHERE user_id = $1 AND status IN ('open', 'partial')
		  AND ($2 = '' OR pair = $2)
		ORDER BY created_at_ms DESC
		LIMIT $3
	`
	return r.queryOrders(ctx, query, userID, pair, limit)
}

// List 用户历史订单
func (r *OrderRepository) List(ctx context.Context, userID int64, pair string, limit int) ([]*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM exchange.orders
		WHERE user_id = $1
		  AND ($2 = '' OR pair = $2)
		ORDER BY created_at_ms DESC
		LIMIT $3
	`
	return r.queryOrders(ctx, query, userID, pair, limit)
}

// OpenByPair 交易对全部挂单，按创建顺序升序，启动恢复用
func (r *OrderRepository) OpenByPair(ctx context.Context, pair string) ([]*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM exchange.orders
		WHERE pair = $1 AND status IN ('open', 'partial')
		ORDER BY order_id ASC
	`
	return r.queryOrders(ctx, query, pair)
}

func (r *OrderRepository) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(
			&o.OrderID, &o.UserID, &o.Pair, &o.Side, &o.Type, &o.PriceUnits,
			&o.OrigQty, &o.FilledQty, &o.Status, &o.FrozenLeft, &o.Currency,
			&o.CreatedAtMs, &o.UpdatedAtMs,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

func scanOrder(row *sql.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.OrderID, &o.UserID, &o.Pair, &o.Side, &o.Type, &o.PriceUnits,
		&o.OrigQty, &o.FilledQty, &o.Status, &o.FrozenLeft, &o.Currency,
		&o.CreatedAtMs, &o.UpdatedAtMs,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return &o, nil
}
