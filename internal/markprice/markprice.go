// Package markprice 标记价格服务
//
// 标记价格 = 0.7 × 指数价格 + 0.3 × 盘口中间价；盘口缺少双边报价时完全
// 取指数价格。指数价格来自外部现货行情，行情不可用时退回文档约定的
// 兜底常量（金 2850 / 银 32），兜底必须打标并记日志，不允许静默。
package markprice

import (
	"context"
	"sync"
	"time"

	"github.com/bullionx/exchange/internal/instrument"
	"github.com/bullionx/exchange/internal/metrics"
	"github.com/bullionx/exchange/pkg/decimal"
	"github.com/bullionx/exchange/pkg/logger"
	"github.com/redis/go-redis/v9"
)

var (
	indexWeight = decimal.MustNew("0.7")
	midWeight   = decimal.MustNew("0.3")
	two         = decimal.FromInt(2)
)

// 指数兜底常量，仅在行情不可用时使用
var fallbackIndex = map[string]*decimal.Decimal{
	"XAU-PERP": decimal.FromInt(2850),
	"XAG-PERP": decimal.FromInt(32),
}

// IndexFeed 外部指数价格源
type IndexFeed interface {
	IndexPrice(ctx context.Context, pair string) (*decimal.Decimal, error)
}

// BookQuoter 盘口最优报价
type BookQuoter interface {
	BestBid() (price, qty int64, ok bool)
	BestAsk() (price, qty int64, ok bool)
}

// Sample 一次标记价格计算结果
type Sample struct {
	Pair          string           `json:"pair"`
	IndexPrice    *decimal.Decimal `json:"indexPrice"`
	MidPrice      *decimal.Decimal `json:"midPrice,omitempty"` // 盘口单边/空时为空
	MarkPrice     *decimal.Decimal `json:"markPrice"`
	IndexFallback bool             `json:"indexFallback"`
	TimestampMs   int64            `json:"timestampMs"`
}

// Service 标记价格服务
type Service struct {
	feed IndexFeed
	log  *logger.Logger

	mu     sync.RWMutex
	books  map[string]BookQuoter
	insts  map[string]*instrument.Instrument
	latest map[string]*Sample
	// 自上次资金费结算以来的溢价率样本 (mark - index) / index
	premiums map[string][]*decimal.Decimal
}

// NewService 创建服务
func NewService(feed IndexFeed, log *logger.Logger) *Service {
	if log == nil {
		log = logger.New("markprice", nil)
	}
	return &Service{
		feed:     feed,
		log:      log,
		books:    make(map[string]BookQuoter),
		insts:    make(map[string]*instrument.Instrument),
		latest:   make(map[string]*Sample),
		premiums: make(map[string][]*decimal.Decimal),
	}
}

// Register 登记一个永续合约的盘口
func (s *Service) Register(inst *instrument.Instrument, book BookQuoter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[inst.Pair] = book
	s.insts[inst.Pair] = inst
}

// Mark 计算当前标记价格
func (s *Service) Mark(ctx context.Context, pair string) (*Sample, error) {
	s.mu.RLock()
	book := s.books[pair]
	inst := s.insts[pair]
	s.mu.RUnlock()

	if inst == nil {
		if _, err := instrument.Spec(pair); err != nil {
			return nil, err
		}
	}

	index, fallback := s.indexPrice(ctx, pair)

	sample := &Sample{
		Pair:          pair,
		IndexPrice:    index,
		MarkPrice:     index,
		IndexFallback: fallback,
		TimestampMs:   time.Now().UnixMilli(),
	}

	if mid := midPrice(book, inst); mid != nil {
		sample.MidPrice = mid
		sample.MarkPrice = indexWeight.Mul(index).Add(midWeight.Mul(mid))
	}

	s.mu.Lock()
	s.latest[pair] = sample
	s.mu.Unlock()

	return sample, nil
}

// Latest 最近一次计算结果，可能为 nil
func (s *Service) Latest(pair string) *Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest[pair]
}

// SamplePremium 记录一次溢价率样本，由定时器驱动
func (s *Service) SamplePremium(ctx context.Context, pair string) error {
	sample, err := s.Mark(ctx, pair)
	if err != nil {
		return err
	}

	premium := sample.MarkPrice.Sub(sample.IndexPrice).Div(sample.IndexPrice, 8)

	s.mu.Lock()
	s.premiums[pair] = append(s.premiums[pair], premium)
	s.mu.Unlock()
	return nil
}

// DrainPremium 取出并清空样本，返回区间平均溢价率。无样本时返回当前
// 即时溢价率，保证手动触发结算也有依据。
func (s *Service) DrainPremium(ctx context.Context, pair string) (*decimal.Decimal, error) {
	s.mu.Lock()
	samples := s.premiums[pair]
	s.premiums[pair] = nil
	s.mu.Unlock()

	if len(samples) == 0 {
		sample, err := s.Mark(ctx, pair)
		if err != nil {
			return nil, err
		}
		return sample.MarkPrice.Sub(sample.IndexPrice).Div(sample.IndexPrice, 8), nil
	}

	sum := decimal.Zero
	for _, p := range samples {
		sum = sum.Add(p)
	}
	return sum.Div(decimal.FromInt(int64(len(samples))), 8), nil
}

// indexPrice 取指数价格，失败时使用兜底常量并打标
func (s *Service) indexPrice(ctx context.Context, pair string) (*decimal.Decimal, bool) {
	price, err := s.feed.IndexPrice(ctx, pair)
	if err == nil && price != nil && price.IsPositive() {
		return price, false
	}

	fb := fallbackIndex[pair]
	if fb == nil {
		fb = decimal.Zero
	}
	metrics.IncIndexFallback(pair)
	s.log.WithError(err).Warnf("index feed unavailable, using fallback", map[string]interface{}{
		"pair":     pair,
		"fallback": fb.String(),
	})
	return fb, true
}

// midPrice 盘口中间价，单边或空盘口返回 nil
func midPrice(book BookQuoter, inst *instrument.Instrument) *decimal.Decimal {
	if book == nil || inst == nil {
		return nil
	}
	bid, _, bidOK := book.BestBid()
	ask, _, askOK := book.BestAsk()
	if !bidOK || !askOK {
		return nil
	}
	return inst.PriceFromUnits(bid).
		Add(inst.PriceFromUnits(ask)).
		Div(two, inst.PriceScale+1)
}

// RedisIndexFeed 从 Redis 读取外部行情写入的指数价格
type RedisIndexFeed struct {
	client *redis.Client
	prefix string
}

// NewRedisIndexFeed 创建指数源，key 形如 index:XAU-PERP
func NewRedisIndexFeed(client *redis.Client, prefix string) *RedisIndexFeed {
	if prefix == "" {
		prefix = "index:"
	}
	return &RedisIndexFeed{client: client, prefix: prefix}
}

// IndexPrice 读取指数价格
func (f *RedisIndexFeed) IndexPrice(ctx context.Context, pair string) (*decimal.Decimal, error) {
	val, err := f.client.Get(ctx, f.prefix+pair).Result()
	if err != nil {
		return nil, err
	}
	return decimal.New(val)
}
