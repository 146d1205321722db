package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	once     sync.Once

	orderLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_latency_seconds",
		Help:    "Latency of order placement in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	ordersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_rejected_total",
			Help: "Total number of rejected orders.",
		},
		[]string{"code"},
	)
	tradesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trades_created_total",
			Help: "Total number of trades created.",
		},
		[]string{"pair"},
	)
	liquidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liquidations_total",
			Help: "Total number of forced liquidations.",
		},
		[]string{"pair"},
	)
	badDebt = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bad_debt_units_total",
			Help: "Accumulated liquidation bad debt in collateral units.",
		},
		[]string{"pair"},
	)
	fundingRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funding_rounds_total",
			Help: "Total number of funding settlements.",
		},
		[]string{"pair"},
	)
	indexFallback = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_fallback_total",
			Help: "Times the index feed was unavailable and the fallback constant was used.",
		},
		[]string{"pair"},
	)
)

// Init registers metrics with the registry once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			orderLatency,
			ordersRejected,
			tradesCreated,
			liquidations,
			badDebt,
			fundingRounds,
			indexFallback,
		)
	})
}

// Handler exposes the Prometheus metrics endpoint handler.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveOrderLatency records an order placement latency duration.
func ObserveOrderLatency(d time.Duration) {
	Init()
	orderLatency.Observe(d.Seconds())
}

// IncOrderRejected increments the rejected-order counter for an error code.
func IncOrderRejected(code string) {
	Init()
	ordersRejected.WithLabelValues(code).Inc()
}

// IncTradesCreated increments the trades created counter for a pair.
func IncTradesCreated(pair string) {
	Init()
	tradesCreated.WithLabelValues(pair).Inc()
}

// IncLiquidations increments the liquidation counter for a pair.
func IncLiquidations(pair string) {
	Init()
	liquidations.WithLabelValues(pair).Inc()
}

// AddBadDebt accumulates bad debt in collateral units for a pair.
func AddBadDebt(pair string, units int64) {
	Init()
	if units <= 0 {
		return
	}
	badDebt.WithLabelValues(pair).Add(float64(units))
}

// IncFundingRounds increments the funding settlement counter for a pair.
func IncFundingRounds(pair string) {
	Init()
	fundingRounds.WithLabelValues(pair).Inc()
}

// IncIndexFallback increments the index fallback counter for a pair.
func IncIndexFallback(pair string) {
	Init()
	indexFallback.WithLabelValues(pair).Inc()
}
