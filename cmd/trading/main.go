package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/bullionx/exchange/internal/config"
	"github.com/bullionx/exchange/internal/engine"
	"github.com/bullionx/exchange/internal/funding"
	"github.com/bullionx/exchange/internal/handler"
	"github.com/bullionx/exchange/internal/instrument"
	"github.com/bullionx/exchange/internal/ledger"
	"github.com/bullionx/exchange/internal/markprice"
	"github.com/bullionx/exchange/internal/repository"
	"github.com/bullionx/exchange/internal/service"
	"github.com/bullionx/exchange/internal/ws"
	"github.com/bullionx/exchange/pkg/logger"
	"github.com/bullionx/exchange/pkg/snowflake"
	"github.com/bullionx/exchange/pkg/stream"
)

// markInterval 标记价格刷新与强平扫描周期
const markInterval = 5 * time.Second

type idGenerator struct {
	g *snowflake.Generator
}

func (i idGenerator) NextID() int64 {
	return i.g.MustGenerate()
}

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, nil)

	gen, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		log.WithError(err).Error("init snowflake failed")
		os.Exit(1)
	}
	idGen := gen.MustGenerate

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.WithError(err).Error("open postgres failed")
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.WithError(err).Error("ping postgres failed")
		os.Exit(1)
	}
	log.Info("connected to postgres")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("redis unavailable, index feed will fall back")
	}

	store := ledger.NewPostgresStore(db, idGen)
	orders := repository.NewOrderRepository(db)
	trades := repository.NewTradeRepository(db)
	fundingRepo := repository.NewFundingRepository(db)

	feed := markprice.NewRedisIndexFeed(redisClient, cfg.IndexKeyPrefix)
	marks := markprice.NewService(feed, log)

	hub := ws.NewHub(&ws.Config{AllowedOrigins: cfg.AllowedOrigins}, log)
	publisher := stream.NewPublisher(redisClient, cfg.EventStream, cfg.EventStreamMaxLen)

	// 每个交易对一个撮合执行器与事件消费者
	engines := make(map[string]*engine.Engine)
	distributors := make(map[string]funding.Distributor)
	for _, pair := range instrument.Pairs() {
		inst, err := instrument.Spec(pair)
		if err != nil {
			log.WithError(err).Error("load instrument failed")
			os.Exit(1)
		}
		eng := engine.New(inst, store, idGen, log)
		engines[pair] = eng
		if inst.IsPerpetual() {
			marks.Register(inst, eng.Book())
			distributors[pair] = eng
		}

		consumer := service.NewConsumer(pair, eng, orders, trades, publisher, hub, log)
		go consumer.Run(ctx)
		eng.Start()
	}
	defer func() {
		for _, eng := range engines {
			eng.Stop()
		}
	}()

	fundingEngine := funding.New(marks, distributors, fundingRepo, log)
	if err := fundingEngine.Start(ctx); err != nil {
		log.WithError(err).Error("start funding scheduler failed")
		os.Exit(1)
	}
	defer fundingEngine.Stop()

	trading := service.NewTradingService(engines, orders, trades, marks, fundingEngine, fundingRepo, idGenerator{g: gen}, log)
	wallet := service.NewWalletService(store, log)

	// 启动前恢复挂簿订单
	if err := trading.Restore(ctx); err != nil {
		log.WithError(err).Error("restore resting orders failed")
		os.Exit(1)
	}

	// 标记价格刷新 + 强平扫描
	go runMarkLoop(ctx, marks, engines, hub, log)

	mux := http.NewServeMux()
	handler.New(trading, wallet, log).Register(mux)
	mux.HandleFunc("/ws", hub.HandleWS)

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           handler.WithTrace(mux),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hub.CloseAll()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Infof("http server listening", map[string]interface{}{"port": cfg.HTTPPort})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("http server failed")
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// runMarkLoop 周期性刷新标记价格，推送行情并触发强平复核。
// 启动时先刷新一次，保证首个周期前的成交也有标记价可复核。
func runMarkLoop(ctx context.Context, marks *markprice.Service, engines map[string]*engine.Engine,
	hub *ws.Hub, log *logger.Logger) {
	ticker := time.NewTicker(markInterval)
	defer ticker.Stop()

	refreshMarks(ctx, marks, engines, hub, log)
	for {
		select {
		case <-ticker.C:
			refreshMarks(ctx, marks, engines, hub, log)
		case <-ctx.Done():
			return
		}
	}
}

func refreshMarks(ctx context.Context, marks *markprice.Service, engines map[string]*engine.Engine,
	hub *ws.Hub, log *logger.Logger) {
	for _, pair := range instrument.Perpetuals() {
		sample, err := marks.Mark(ctx, pair)
		if err != nil {
			log.WithError(err).Warnf("mark price refresh failed", map[string]interface{}{"pair": pair})
			continue
		}
		hub.Broadcast("mark:"+pair, sample)

		if _, err := engines[pair].SweepLiquidations(ctx, sample.MarkPrice); err != nil {
			log.WithError(err).Warnf("liquidation sweep failed", map[string]interface{}{"pair": pair})
		}
	}
}
