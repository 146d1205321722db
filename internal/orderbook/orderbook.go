// Package orderbook 单交易对订单簿，价格-时间优先
package orderbook

import (
	"container/list"
	"sync"
	"time"
)

// Side 订单方向
type Side int

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

// String 方向名
func (s Side) String() string {
	if s == SideBuy {
		return "BUY"
	}
	return "SELL"
}

// Opposite 反方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Order 订单簿中的委托
type Order struct {
	OrderID   int64
	UserID    int64
	Pair      string
	Side      Side
	Price     int64 // 最小单位整数；市价单为 0
	OrigQty   int64 // 原始张数
	LeavesQty int64 // 剩余张数
	Seq       int64 // 到达序号，同价位按此排序
	Timestamp int64 // 纳秒时间戳

	element *list.Element
}

// PriceLevel 价格档位
type PriceLevel struct {
	Price  int64
	Orders *list.List // *Order，FIFO
	Total  int64
}

// Book 订单簿
type Book struct {
	Pair string

	// 买盘价格降序，卖盘价格升序
	bids map[int64]*PriceLevel
	asks map[int64]*PriceLevel

	orders map[int64]*Order

	bidPrices []int64
	askPrices []int64

	mu  sync.RWMutex
	seq int64
}

// New 创建订单簿
func New(pair string) *Book {
	return &Book{
		Pair:      pair,
		bids:      make(map[int64]*PriceLevel),
		asks:      make(map[int64]*PriceLevel),
		orders:    make(map[int64]*Order),
		bidPrices: make([]int64, 0),
		askPrices: make([]int64, 0),
	}
}

// NextSeq 分配到达序号，进入撮合前调用一次
func (b *Book) NextSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return b.seq
}

// Add 挂入剩余委托
func (b *Book) Add(order *Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if order.Timestamp == 0 {
		order.Timestamp = time.Now().UnixNano()
	}

	levels, prices := b.sideOf(order.Side)

	level, exists := levels[order.Price]
	if !exists {
		level = &PriceLevel{
			Price:  order.Price,
			Orders: list.New(),
		}
		levels[order.Price] = level
		*prices = insertPrice(*prices, order.Price, order.Side == SideBuy)
	}

	order.element = level.Orders.PushBack(order)
	level.Total += order.LeavesQty
	b.orders[order.OrderID] = order
}

// Remove 按 ID 移除挂单，不存在返回 nil
func (b *Book) Remove(orderID int64) *Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(orderID)
}

func (b *Book) removeLocked(orderID int64) *Order {
	order, exists := b.orders[orderID]
	if !exists {
		return nil
	}

	levels, prices := b.sideOf(order.Side)

	if level := levels[order.Price]; level != nil {
		level.Orders.Remove(order.element)
		level.Total -= order.LeavesQty

		if level.Orders.Len() == 0 {
			delete(levels, order.Price)
			*prices = removePrice(*prices, order.Price)
		}
	}

	delete(b.orders, orderID)
	return order
}

// Get 查询挂单
func (b *Book) Get(orderID int64) *Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.orders[orderID]
}

// BestBid 最优买价及档位数量
func (b *Book) BestBid() (price, qty int64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.bidPrices) == 0 {
		return 0, 0, false
	}
	p := b.bidPrices[0]
	return p, b.bids[p].Total, true
}

// BestAsk 最优卖价及档位数量
func (b *Book) BestAsk() (price, qty int64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.askPrices) == 0 {
		return 0, 0, false
	}
	p := b.askPrices[0]
	return p, b.asks[p].Total, true
}

// PriceQty 价格数量对
type PriceQty struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// Depth 获取盘口深度
func (b *Book) Depth(limit int) (bids, asks []PriceQty) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids = make([]PriceQty, 0, limit)
	asks = make([]PriceQty, 0, limit)

	for i := 0; i < len(b.bidPrices) && i < limit; i++ {
		level := b.bids[b.bidPrices[i]]
		bids = append(bids, PriceQty{Price: level.Price, Qty: level.Total})
	}
	for i := 0; i < len(b.askPrices) && i < limit; i++ {
		level := b.asks[b.askPrices[i]]
		asks = append(asks, PriceQty{Price: level.Price, Qty: level.Total})
	}
	return
}

// Trade 一次撮合记录，成交价恒为 maker 价格
type Trade struct {
	Pair         string
	MakerOrderID int64
	TakerOrderID int64
	MakerUserID  int64
	TakerUserID  int64
	Price        int64
	Qty          int64
	TakerSide    Side
	Timestamp    int64
}

// MatchResult 撮合结果
type MatchResult struct {
	Trades       []*Trade
	MakerUpdates []*Order // 被动方订单更新
	TakerOrder   *Order
	TakerFilled  bool
}

// Match 将 taker 与对手盘撮合。限价单 Price > 0，市价单 Price == 0。
// 同价位按到达序号先后成交；不吃同一用户的挂单。
func (b *Book) Match(taker *Order) *MatchResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := &MatchResult{
		Trades:       make([]*Trade, 0),
		MakerUpdates: make([]*Order, 0),
		TakerOrder:   taker,
	}

	levels, prices := b.sideOf(taker.Side.Opposite())

	crosses := func(makerPrice int64) bool {
		if taker.Price == 0 {
			return true
		}
		if taker.Side == SideBuy {
			return makerPrice <= taker.Price
		}
		return makerPrice >= taker.Price
	}

	now := time.Now().UnixNano()

	pi := 0
	for taker.LeavesQty > 0 && pi < len(*prices) {
		bestPrice := (*prices)[pi]
		if !crosses(bestPrice) {
			break
		}

		level := levels[bestPrice]
		for e := level.Orders.Front(); e != nil && taker.LeavesQty > 0; {
			maker := e.Value.(*Order)
			next := e.Next()

			// 自成交保护
			if maker.UserID == taker.UserID {
				e = next
				continue
			}

			matchQty := min(taker.LeavesQty, maker.LeavesQty)

			result.Trades = append(result.Trades, &Trade{
				Pair:         b.Pair,
				MakerOrderID: maker.OrderID,
				TakerOrderID: taker.OrderID,
				MakerUserID:  maker.UserID,
				TakerUserID:  taker.UserID,
				Price:        maker.Price,
				Qty:          matchQty,
				TakerSide:    taker.Side,
				Timestamp:    now,
			})

			taker.LeavesQty -= matchQty
			maker.LeavesQty -= matchQty
			level.Total -= matchQty

			result.MakerUpdates = append(result.MakerUpdates, maker)

			if maker.LeavesQty <= 0 {
				level.Orders.Remove(e)
				delete(b.orders, maker.OrderID)
			}

			e = next
		}

		if level.Orders.Len() == 0 {
			delete(levels, bestPrice)
			*prices = append((*prices)[:pi], (*prices)[pi+1:]...)
		} else {
			// 档位仅剩同用户挂单，跳到下一档
			pi++
		}
	}

	result.TakerFilled = taker.LeavesQty <= 0
	return result
}

// MatchPreview 按价格优先顺序逐档累计 taker 可吃到的对手盘数量，
// 跳过同一用户的挂单，与 Match 的吃单路径一致。limitPrice 为限价单
// 委托价，0 表示市价单不设价格界限。
func (b *Book) MatchPreview(takerSide Side, userID, qty, limitPrice int64) []PriceQty {
	b.mu.RLock()
	defer b.mu.RUnlock()

	levels, prices := b.sideOf(takerSide.Opposite())

	crosses := func(makerPrice int64) bool {
		if limitPrice == 0 {
			return true
		}
		if takerSide == SideBuy {
			return makerPrice <= limitPrice
		}
		return makerPrice >= limitPrice
	}

	var out []PriceQty
	remaining := qty
	for _, price := range *prices {
		if remaining <= 0 || !crosses(price) {
			break
		}

		var avail int64
		for e := levels[price].Orders.Front(); e != nil; e = e.Next() {
			if maker := e.Value.(*Order); maker.UserID != userID {
				avail += maker.LeavesQty
			}
		}
		if avail == 0 {
			continue
		}

		take := min(remaining, avail)
		out = append(out, PriceQty{Price: price, Qty: take})
		remaining -= take
	}
	return out
}

func (b *Book) sideOf(side Side) (map[int64]*PriceLevel, *[]int64) {
	if side == SideBuy {
		return b.bids, &b.bidPrices
	}
	return b.asks, &b.askPrices
}

// insertPrice 插入价格并保持排序
func insertPrice(prices []int64, price int64, descending bool) []int64 {
	i := 0
	for i < len(prices) {
		if descending {
			if price > prices[i] {
				break
			}
		} else {
			if price < prices[i] {
				break
			}
		}
		i++
	}

	prices = append(prices, 0)
	copy(prices[i+1:], prices[i:])
	prices[i] = price
	return prices
}

// removePrice 移除价格
func removePrice(prices []int64, price int64) []int64 {
	for i, p := range prices {
		if p == price {
			return append(prices[:i], prices[i+1:]...)
		}
	}
	return prices
}

func min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
