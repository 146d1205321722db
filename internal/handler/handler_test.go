package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/bullionx/exchange/internal/engine"
	"github.com/bullionx/exchange/internal/funding"
	"github.com/bullionx/exchange/internal/instrument"
	"github.com/bullionx/exchange/internal/ledger"
	"github.com/bullionx/exchange/internal/markprice"
	"github.com/bullionx/exchange/internal/repository"
	"github.com/bullionx/exchange/internal/service"
	"github.com/bullionx/exchange/pkg/decimal"
	"github.com/bullionx/exchange/pkg/logger"
)

type memOrders struct {
	m map[int64]*repository.Order
}

func (s *memOrders) Create(_ context.Context, o *repository.Order) error {
	cp := *o
	s.m[o.OrderID] = &cp
	return nil
}

func (s *memOrders) Get(_ context.Context, orderID int64) (*repository.Order, error) {
	o, ok := s.m[orderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (s *memOrders) UpdateExecution(_ context.Context, orderID, filledQty int64, status string, frozenLeft, updatedAtMs int64) error {
	if o, ok := s.m[orderID]; ok {
		o.FilledQty, o.Status, o.FrozenLeft, o.UpdatedAtMs = filledQty, status, frozenLeft, updatedAtMs
	}
	return nil
}

func (s *memOrders) ListOpen(context.Context, int64, string, int) ([]*repository.Order, error) {
	return nil, nil
}

func (s *memOrders) List(context.Context, int64, string, int) ([]*repository.Order, error) {
	return nil, nil
}

func (s *memOrders) OpenByPair(context.Context, string) ([]*repository.Order, error) {
	return nil, nil
}

type memTrades struct{}

func (memTrades) Create(context.Context, *repository.Trade) error { return nil }
func (memTrades) Recent(context.Context, string, int) ([]*repository.Trade, error) {
	return nil, nil
}
func (memTrades) ListByUser(context.Context, int64, string, int) ([]*repository.Trade, error) {
	return nil, nil
}

type memRounds struct {
	rows []*funding.Round
}

func (s *memRounds) ListFundingRounds(_ context.Context, pair string, _ int) ([]*funding.Round, error) {
	var out []*funding.Round
	for _, r := range s.rows {
		if r.Pair == pair {
			out = append(out, r)
		}
	}
	return out, nil
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

func newTestServer(t *testing.T) (*httptest.Server, *ledger.MemoryStore) {
	t.Helper()
	log := logger.New("test", io.Discard)
	store := ledger.NewMemoryStore()

	inst, err := instrument.Spec("XAU-PERP")
	if err != nil {
		t.Fatalf("Spec failed: %v", err)
	}
	var next int64 = 10_000
	eng := engine.New(inst, store, func() int64 {
		next++
		return next
	}, log)
	eng.Start()
	t.Cleanup(eng.Stop)

	marks := markprice.NewService(stubFeed{}, log)
	marks.Register(inst, eng.Book())

	fundingEngine := funding.New(marks, map[string]funding.Distributor{"XAU-PERP": eng}, nil, log)
	rounds := &memRounds{rows: []*funding.Round{
		{Pair: "XAU-PERP", Rate: "0.0001", Trigger: "schedule", TimestampMs: 1},
	}}

	trading := service.NewTradingService(
		map[string]*engine.Engine{"XAU-PERP": eng},
		&memOrders{m: make(map[int64]*repository.Order)}, memTrades{},
		marks, fundingEngine, rounds, &seqGen{}, log,
	)
	wallet := service.NewWalletService(store, log)

	mux := http.NewServeMux()
	New(trading, wallet, log).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func doJSON(t *testing.T, method, url, userID, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var payload map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, payload
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if payload["code"] != "OK" {
		t.Fatalf("expected code OK, got %v", payload["code"])
	}
}

func TestUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/trading/orders", "",
		`{"pair":"XAU-PERP","side":"BUY","type":"LIMIT","price":"2850","qty":1}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if payload["code"] != "UNAUTHENTICATED" {
		t.Fatalf("expected UNAUTHENTICATED, got %v", payload["code"])
	}

	// 非数字用户头同样拒绝
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/wallet/balances", "abc", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad header, got %d", resp.StatusCode)
	}
}

func TestPlaceOrderEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	if err := store.Apply(context.Background(), []*ledger.Entry{
		{UserID: 1, Currency: "USDT", AvailableDelta: 100_000_000, Kind: ledger.KindDeposit},
	}); err != nil {
		t.Fatalf("fund failed: %v", err)
	}

	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/trading/orders", "1",
		`{"pair":"XAU-PERP","side":"BUY","type":"LIMIT","price":"2850","qty":10}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, payload)
	}
	data := payload["data"].(map[string]interface{})
	order := data["order"].(map[string]interface{})
	if order["status"] != "open" {
		t.Fatalf("expected open, got %v", order["status"])
	}

	// 未知交易对
	resp, payload = doJSON(t, http.MethodPost, srv.URL+"/trading/orders", "1",
		`{"pair":"BTC-PERP","side":"BUY","type":"LIMIT","price":"100","qty":1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if payload["code"] != "PAIR_NOT_FOUND" {
		t.Fatalf("expected PAIR_NOT_FOUND, got %v", payload["code"])
	}

	// 非法请求体
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/trading/orders", "1", `{bad json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", resp.StatusCode)
	}
}

func TestDepositEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/wallet/deposit", "1",
		`{"currency":"USDT","amount":"5"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, payload)
	}

	// 单笔超限
	resp, payload = doJSON(t, http.MethodPost, srv.URL+"/wallet/deposit", "2",
		`{"currency":"USDT","amount":"6"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if payload["code"] != "DEPOSIT_LIMIT_EXCEEDED" {
		t.Fatalf("expected DEPOSIT_LIMIT_EXCEEDED, got %v", payload["code"])
	}

	// 总余额已达标，资格丧失
	resp, payload = doJSON(t, http.MethodPost, srv.URL+"/wallet/deposit", "1",
		`{"currency":"USDC","amount":"1"}`)
	if payload["code"] != "DEPOSIT_NOT_ELIGIBLE" {
		t.Fatalf("expected DEPOSIT_NOT_ELIGIBLE, got %v", payload["code"])
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDepthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/trading/depth?pair=XAU-PERP", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if _, ok := payload["data"].(map[string]interface{}); !ok {
		t.Fatalf("expected depth payload, got %v", payload)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/trading/depth?pair=BTC-PERP", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestMarkPriceEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/trading/mark-price?pair=XAU-PERP", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	data := payload["data"].(map[string]interface{})
	if data["markPrice"] != "2850" {
		t.Fatalf("expected mark 2850 on empty book, got %v", data["markPrice"])
	}
	if data["indexFallback"] != false {
		t.Fatalf("expected no fallback, got %v", data["indexFallback"])
	}
}

func TestWithTrace(t *testing.T) {
	var traceID string
	h := WithTrace(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = logger.TraceIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if traceID != "req-42" {
		t.Fatalf("expected trace id req-42, got %q", traceID)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestFundingEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	// 手动触发，合约字段名 contract
	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/trading/funding", "1",
		`{"contract":"XAU-PERP"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, payload)
	}
	data := payload["data"].(map[string]interface{})
	if data["pair"] != "XAU-PERP" {
		t.Fatalf("expected pair XAU-PERP, got %v", data["pair"])
	}

	// 兼容 pair 字段
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/trading/funding", "1",
		`{"pair":"XAU-PERP"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with pair key, got %d", resp.StatusCode)
	}

	// 未鉴权触发
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/trading/funding", "",
		`{"contract":"XAU-PERP"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	// 结算历史
	resp, payload = doJSON(t, http.MethodGet, srv.URL+"/trading/funding?contract=XAU-PERP", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	rounds, ok := payload["data"].([]interface{})
	if !ok || len(rounds) != 1 {
		t.Fatalf("expected 1 round, got %v", payload["data"])
	}

	resp, payload = doJSON(t, http.MethodGet, srv.URL+"/trading/funding?contract=BTC-PERP", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %v", resp.StatusCode, payload)
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	if err := store.Apply(context.Background(), []*ledger.Entry{
		{UserID: 1, Currency: "USDT", AvailableDelta: 100_000_000, Kind: ledger.KindDeposit},
	}); err != nil {
		t.Fatalf("fund failed: %v", err)
	}

	_, payload := doJSON(t, http.MethodPost, srv.URL+"/trading/orders", "1",
		`{"pair":"XAU-PERP","side":"BUY","type":"LIMIT","price":"2850","qty":10}`)
	order := payload["data"].(map[string]interface{})["order"].(map[string]interface{})
	orderID := int64(order["orderId"].(float64))

	resp, payload := doJSON(t, http.MethodDelete,
		srv.URL+"/trading/orders/"+strconv.FormatInt(orderID, 10), "1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, payload)
	}

	// 已终态
	resp, payload = doJSON(t, http.MethodDelete,
		srv.URL+"/trading/orders/"+strconv.FormatInt(orderID, 10), "1", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %v", resp.StatusCode, payload)
	}
	if payload["code"] != "ALREADY_TERMINAL" {
		t.Fatalf("expected ALREADY_TERMINAL, got %v", payload["code"])
	}

	// 不存在
	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/trading/orders/99999", "1", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
