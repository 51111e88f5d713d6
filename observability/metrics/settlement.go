package metrics

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type SettlementMetrics struct {
	settled       *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	sparksSettled prometheus.Counter
	tokensMinted  prometheus.Counter
	poolSparks    prometheus.Gauge
	poolTokens    prometheus.Gauge
}

var (
	settlementOnce     sync.Once
	settlementRegistry *SettlementMetrics
)

func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_accepted_total",
				Help: "Count of accepted submissions by method.",
			}, []string{"method"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_rejected_total",
				Help: "Count of rejected submissions by reason.",
			}, []string{"reason"}),
			sparksSettled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "settlement_sparks_total",
				Help: "Total verified sparks accepted by the pool.",
			}),
			tokensMinted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "settlement_tokens_total",
				Help: "Total tokens credited by the bonding curve.",
			}),
			poolSparks: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "settlement_pool_sparks",
				Help: "Current pooled sparks.",
			}),
			poolTokens: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "settlement_pool_tokens",
				Help: "Current pooled tokens.",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.settled,
			settlementRegistry.rejected,
			settlementRegistry.sparksSettled,
			settlementRegistry.tokensMinted,
			settlementRegistry.poolSparks,
			settlementRegistry.poolTokens,
		)
	})
	return settlementRegistry
}

func (m *SettlementMetrics) ObserveSettled(method string) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	m.settled.WithLabelValues(method).Inc()
}

func (m *SettlementMetrics) ObserveRejected(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *SettlementMetrics) ObserveGeneration(sparks, tokens *big.Int) {
	if m == nil {
		return
	}
	if sparks != nil {
		f, _ := new(big.Float).SetInt(sparks).Float64()
		m.sparksSettled.Add(f)
	}
	if tokens != nil {
		f, _ := new(big.Float).SetInt(tokens).Float64()
		m.tokensMinted.Add(f)
	}
}

func (m *SettlementMetrics) SetPool(sparks, tokens *big.Int) {
	if m == nil {
		return
	}
	if sparks != nil {
		f, _ := new(big.Float).SetInt(sparks).Float64()
		m.poolSparks.Set(f)
	}
	if tokens != nil {
		f, _ := new(big.Float).SetInt(tokens).Float64()
		m.poolTokens.Set(f)
	}
}
