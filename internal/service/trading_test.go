package service

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/bullionx/exchange/internal/engine"
	"github.com/bullionx/exchange/internal/funding"
	"github.com/bullionx/exchange/internal/instrument"
	"github.com/bullionx/exchange/internal/ledger"
	"github.com/bullionx/exchange/internal/markprice"
	"github.com/bullionx/exchange/internal/repository"
	"github.com/bullionx/exchange/pkg/decimal"
	commonerrors "github.com/bullionx/exchange/pkg/errors"
	"github.com/bullionx/exchange/pkg/logger"
)

type memOrders struct {
	mu sync.Mutex
	m  map[int64]*repository.Order
}

func newMemOrders() *memOrders {
	return &memOrders{m: make(map[int64]*repository.Order)}
}

func (s *memOrders) Create(_ context.Context, o *repository.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.m[o.OrderID] = &cp
	return nil
}

func (s *memOrders) Get(_ context.Context, orderID int64) (*repository.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.m[orderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (s *memOrders) UpdateExecution(_ context.Context, orderID, filledQty int64, status string, frozenLeft, updatedAtMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.m[orderID]
	if !ok {
		return nil
	}
	o.FilledQty = filledQty
	o.Status = status
	o.FrozenLeft = frozenLeft
	o.UpdatedAtMs = updatedAtMs
	return nil
}

func (s *memOrders) ListOpen(_ context.Context, userID int64, pair string, limit int) ([]*repository.Order, error) {
	return s.filter(func(o *repository.Order) bool {
		return o.UserID == userID && (pair == "" || o.Pair == pair) &&
			(o.Status == "open" || o.Status == "partial")
	}), nil
}

func (s *memOrders) List(_ context.Context, userID int64, pair string, limit int) ([]*repository.Order, error) {
	return s.filter(func(o *repository.Order) bool {
		return o.UserID == userID && (pair == "" || o.Pair == pair)
	}), nil
}

func (s *memOrders) OpenByPair(_ context.Context, pair string) ([]*repository.Order, error) {
	return s.filter(func(o *repository.Order) bool {
		return o.Pair == pair && (o.Status == "open" || o.Status == "partial")
	}), nil
}

func (s *memOrders) filter(keep func(*repository.Order) bool) []*repository.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Order
	for _, o := range s.m {
		if keep(o) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

type memRounds struct {
	rows []*funding.Round
}

func (s *memRounds) ListFundingRounds(_ context.Context, pair string, limit int) ([]*funding.Round, error) {
	var out []*funding.Round
	for _, r := range s.rows {
		if r.Pair == pair && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

type memTrades struct{}

func (memTrades) Create(context.Context, *repository.Trade) error { return nil }
func (memTrades) Recent(context.Context, string, int) ([]*repository.Trade, error) {
	return nil, nil
}
func (memTrades) ListByUser(context.Context, int64, string, int) ([]*repository.Trade, error) {
	return nil, nil
}

type seqGen struct{ next int64 }

func (g *seqGen) NextID() int64 {
	g.next++
	return g.next
}

type stubFeed struct{}

func (stubFeed) IndexPrice(context.Context, string) (*decimal.Decimal, error) {
	return decimal.FromInt(2850), nil
}

func newTestTrading(t *testing.T, pairs ...string) (*TradingService, *memOrders, *ledger.MemoryStore) {
	t.Helper()
	log := logger.New("test", io.Discard)
	store := ledger.NewMemoryStore()
	var engineSeq int64 = 50_000
	engines := make(map[string]*engine.Engine)
	for _, pair := range pairs {
		inst, err := instrument.Spec(pair)
		if err != nil {
			t.Fatalf("Spec failed: %v", err)
		}
		e := engine.New(inst, store, func() int64 {
			engineSeq++
			return engineSeq
		}, log)
		e.Start()
		t.Cleanup(e.Stop)
		engines[pair] = e
	}
	orders := newMemOrders()
	marks := markprice.NewService(stubFeed{}, log)
	svc := NewTradingService(engines, orders, memTrades{}, marks, nil, &memRounds{}, &seqGen{}, log)
	return svc, orders, store
}

func fundUser(t *testing.T, store *ledger.MemoryStore, userID int64, currency string, amount int64) {
	t.Helper()
	if err := store.Apply(context.Background(), []*ledger.Entry{
		{UserID: userID, Currency: currency, AvailableDelta: amount, Kind: ledger.KindDeposit},
	}); err != nil {
		t.Fatalf("fund failed: %v", err)
	}
}

func TestPlaceLimitOrder(t *testing.T) {
	svc, orders, store := newTestTrading(t, "XAU-PERP")
	ctx := context.Background()
	fundUser(t, store, 1, "USDT", 100_000_000)

	result, err := svc.PlaceOrder(ctx, 1, &PlaceOrderRequest{
		Pair: "XAU-PERP", Side: "BUY", Type: "LIMIT", Price: "2850.00", Qty: 10,
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if result.Order.Status != "open" {
		t.Fatalf("expected open, got %s", result.Order.Status)
	}
	if result.Order.PriceUnits != 285000 {
		t.Fatalf("expected price units 285000, got %d", result.Order.PriceUnits)
	}
	if result.Order.FrozenLeft != 584250 {
		t.Fatalf("expected frozen 584250, got %d", result.Order.FrozenLeft)
	}

	row, _ := orders.Get(ctx, result.Order.OrderID)
	if row == nil || row.Status != "open" {
		t.Fatalf("expected persisted open order, got %+v", row)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	svc, _, store := newTestTrading(t, "XAU-PERP")
	ctx := context.Background()
	fundUser(t, store, 1, "USDT", 100_000_000)

	cases := []struct {
		name string
		req  *PlaceOrderRequest
		code commonerrors.Code
	}{
		{"unknown pair", &PlaceOrderRequest{Pair: "BTC-PERP", Side: "BUY", Type: "LIMIT", Price: "100", Qty: 1},
			commonerrors.CodePairNotFound},
		{"bad side", &PlaceOrderRequest{Pair: "XAU-PERP", Side: "LONG", Type: "LIMIT", Price: "2850", Qty: 1},
			commonerrors.CodeInvalidOrder},
		{"bad type", &PlaceOrderRequest{Pair: "XAU-PERP", Side: "BUY", Type: "STOP", Price: "2850", Qty: 1},
			commonerrors.CodeInvalidOrder},
		{"tick misaligned", &PlaceOrderRequest{Pair: "XAU-PERP", Side: "BUY", Type: "LIMIT", Price: "2850.005", Qty: 1},
			commonerrors.CodeInvalidPrice},
		{"negative price", &PlaceOrderRequest{Pair: "XAU-PERP", Side: "BUY", Type: "LIMIT", Price: "-1", Qty: 1},
			commonerrors.CodeInvalidPrice},
		{"market with price", &PlaceOrderRequest{Pair: "XAU-PERP", Side: "BUY", Type: "MARKET", Price: "2850", Qty: 1},
			commonerrors.CodeInvalidPrice},
		{"zero qty", &PlaceOrderRequest{Pair: "XAU-PERP", Side: "BUY", Type: "LIMIT", Price: "2850", Qty: 0},
			commonerrors.CodeInvalidQuantity},
	}
	for _, c := range cases {
		_, err := svc.PlaceOrder(ctx, 1, c.req)
		if commonerrors.CodeOf(err) != c.code {
			t.Fatalf("%s: expected %s, got %v", c.name, c.code, err)
		}
	}
}

func TestPlaceOrderInsufficientMargin(t *testing.T) {
	svc, orders, store := newTestTrading(t, "XAU-PERP")
	ctx := context.Background()
	fundUser(t, store, 1, "USDT", 1_000) // 0.001

	_, err := svc.PlaceOrder(ctx, 1, &PlaceOrderRequest{
		Pair: "XAU-PERP", Side: "BUY", Type: "LIMIT", Price: "2850", Qty: 10,
	})
	if commonerrors.CodeOf(err) != commonerrors.CodeInsufficientMargin {
		t.Fatalf("expected INSUFFICIENT_MARGIN, got %v", err)
	}

	// 被拒订单落库为已撤销
	rows, _ := orders.List(ctx, 1, "", 100)
	if len(rows) != 1 || rows[0].Status != "cancelled" {
		t.Fatalf("expected cancelled row, got %+v", rows)
	}
}

func TestMatchUpdatesTakerRow(t *testing.T) {
	svc, orders, store := newTestTrading(t, "XAU-PERP")
	ctx := context.Background()
	fundUser(t, store, 1, "USDT", 100_000_000)
	fundUser(t, store, 2, "USDT", 100_000_000)

	if _, err := svc.PlaceOrder(ctx, 1, &PlaceOrderRequest{
		Pair: "XAU-PERP", Side: "SELL", Type: "LIMIT", Price: "2850", Qty: 10,
	}); err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	result, err := svc.PlaceOrder(ctx, 2, &PlaceOrderRequest{
		Pair: "XAU-PERP", Side: "BUY", Type: "MARKET", Qty: 10,
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if result.Order.Status != "filled" || len(result.Fills) != 1 {
		t.Fatalf("expected filled with 1 fill, got %+v", result)
	}

	row, _ := orders.Get(ctx, result.Order.OrderID)
	if row.Status != "filled" || row.FilledQty != 10 {
		t.Fatalf("expected persisted fill, got %+v", row)
	}
}

func TestCancelOrder(t *testing.T) {
	svc, _, store := newTestTrading(t, "XAU-PERP")
	ctx := context.Background()
	fundUser(t, store, 1, "USDT", 100_000_000)

	placed, err := svc.PlaceOrder(ctx, 1, &PlaceOrderRequest{
		Pair: "XAU-PERP", Side: "BUY", Type: "LIMIT", Price: "2850", Qty: 10,
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	// 他人不可撤
	if _, err := svc.CancelOrder(ctx, 2, placed.Order.OrderID); commonerrors.CodeOf(err) != commonerrors.CodeOrderNotFound {
		t.Fatalf("expected ORDER_NOT_FOUND for other user, got %v", err)
	}

	row, err := svc.CancelOrder(ctx, 1, placed.Order.OrderID)
	if err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if row.Status != "cancelled" {
		t.Fatalf("expected cancelled, got %s", row.Status)
	}

	// 全额解冻
	b, _ := store.Balance(ctx, 1, "USDT")
	if b.Available != 100_000_000 || b.Frozen != 0 {
		t.Fatalf("expected full refund, got %+v", b)
	}

	// 终态后再撤
	if _, err := svc.CancelOrder(ctx, 1, placed.Order.OrderID); commonerrors.CodeOf(err) != commonerrors.CodeAlreadyTerminal {
		t.Fatalf("expected ALREADY_TERMINAL, got %v", err)
	}

	// 不存在的订单
	if _, err := svc.CancelOrder(ctx, 1, 99999); commonerrors.CodeOf(err) != commonerrors.CodeOrderNotFound {
		t.Fatalf("expected ORDER_NOT_FOUND, got %v", err)
	}
}

func TestDepthAndPosition(t *testing.T) {
	svc, _, store := newTestTrading(t, "XAU-PERP", "USDT-USDC")
	ctx := context.Background()
	fundUser(t, store, 1, "USDT", 100_000_000)

	if _, err := svc.PlaceOrder(ctx, 1, &PlaceOrderRequest{
		Pair: "XAU-PERP", Side: "BUY", Type: "LIMIT", Price: "2850", Qty: 10,
	}); err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	bids, asks, err := svc.Depth("XAU-PERP", 10)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if len(bids) != 1 || len(asks) != 0 {
		t.Fatalf("expected 1 bid 0 asks, got %d/%d", len(bids), len(asks))
	}

	// 无仓位返回 nil
	pos, err := svc.Position("XAU-PERP", 1)
	if err != nil {
		t.Fatalf("Position failed: %v", err)
	}
	if pos != nil {
		t.Fatalf("expected no position, got %+v", pos)
	}

	// 现货无仓位概念
	if _, err := svc.Position("USDT-USDC", 1); commonerrors.CodeOf(err) != commonerrors.CodeInvalidParam {
		t.Fatalf("expected INVALID_PARAM for spot, got %v", err)
	}

	if _, _, err := svc.Depth("BTC-PERP", 10); commonerrors.CodeOf(err) != commonerrors.CodePairNotFound {
		t.Fatalf("expected PAIR_NOT_FOUND, got %v", err)
	}
}

func TestMarkPriceSpotRejected(t *testing.T) {
	svc, _, _ := newTestTrading(t, "XAU-PERP", "USDT-USDC")
	if _, err := svc.MarkPrice(context.Background(), "USDT-USDC"); commonerrors.CodeOf(err) != commonerrors.CodeInvalidParam {
		t.Fatalf("expected INVALID_PARAM, got %v", err)
	}
}

func TestFundingHistory(t *testing.T) {
	log := logger.New("test", io.Discard)
	rounds := &memRounds{rows: []*funding.Round{
		{Pair: "XAU-PERP", Rate: "0.0001", Trigger: "schedule", TimestampMs: 2},
		{Pair: "XAU-PERP", Rate: "-0.0002", Trigger: "manual", TimestampMs: 1},
		{Pair: "XAG-PERP", Rate: "0.0003", Trigger: "schedule", TimestampMs: 3},
	}}
	svc := NewTradingService(nil, nil, nil, nil, nil, rounds, &seqGen{}, log)
	ctx := context.Background()

	got, err := svc.FundingHistory(ctx, "XAU-PERP", 10)
	if err != nil {
		t.Fatalf("FundingHistory failed: %v", err)
	}
	if len(got) != 2 || got[0].Rate != "0.0001" || got[1].Trigger != "manual" {
		t.Fatalf("unexpected rounds: %+v", got)
	}

	// 现货无资金费
	if _, err := svc.FundingHistory(ctx, "USDT-USDC", 10); commonerrors.CodeOf(err) != commonerrors.CodeInvalidParam {
		t.Fatalf("expected INVALID_PARAM for spot, got %v", err)
	}

	// 未知合约
	if _, err := svc.FundingHistory(ctx, "BTC-PERP", 10); commonerrors.CodeOf(err) != commonerrors.CodePairNotFound {
		t.Fatalf("expected PAIR_NOT_FOUND, got %v", err)
	}
}

func TestRestoreRebuildsEngines(t *testing.T) {
	svc, orders, store := newTestTrading(t, "XAU-PERP")
	ctx := context.Background()
	fundUser(t, store, 1, "USDT", 100_000_000)

	// 模拟重启前留下的挂单
	if err := orders.Create(ctx, &repository.Order{
		OrderID: 77, UserID: 1, Pair: "XAU-PERP", Side: 1, Type: 1,
		PriceUnits: 285000, OrigQty: 10, FilledQty: 4, Status: "partial",
		FrozenLeft: 350_550, Currency: "USDT",
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := svc.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	bids, _, err := svc.Depth("XAU-PERP", 10)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if len(bids) != 1 || bids[0].Price != 285000 || bids[0].Qty != 6 {
		t.Fatalf("expected restored bid 285000/6, got %+v", bids)
	}
}
