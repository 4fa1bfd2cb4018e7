// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 管道指标收集器。
type Collector struct {
	// 阶段指标
	stageDuration *prometheus.HistogramVec
	stageErrors   *prometheus.CounterVec

	// 外部调用指标
	llmCallsTotal       *prometheus.CounterVec
	embeddingCallsTotal prometheus.Counter

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 守门与降级
	guardrailRejections prometheus.Counter
	degradationActive   *prometheus.GaugeVec
	refinementsTotal    prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到 reg（nil 则不注册，供测试注入隔离实例）。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)
	c.stageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Total errors per pipeline stage",
		},
		[]string{"stage", "code"},
	)
	c.llmCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Total LLM provider calls",
		},
		[]string{"provider", "status"},
	)
	c.embeddingCallsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_calls_total",
			Help:      "Total embedding provider calls",
		},
	)
	c.cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits by kind",
		},
		[]string{"kind"},
	)
	c.cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses by kind",
		},
		[]string{"kind"},
	)
	c.guardrailRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_rejections_total",
			Help:      "Queries rejected before any paid call",
		},
	)
	c.degradationActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degradation_active",
			Help:      "Whether a feature is currently degraded (1) or not (0)",
		},
		[]string{"feature"},
	)
	c.refinementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refinements_total",
			Help:      "Answer regenerations triggered by verification",
		},
	)

	if reg != nil {
		reg.MustRegister(
			c.stageDuration, c.stageErrors,
			c.llmCallsTotal, c.embeddingCallsTotal,
			c.cacheHits, c.cacheMisses,
			c.guardrailRejections, c.degradationActive, c.refinementsTotal,
		)
	}
	return c
}

// ObserveStage 记录阶段耗时。
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// IncStageError 记录阶段错误。
func (c *Collector) IncStageError(stage, code string) {
	c.stageErrors.WithLabelValues(stage, code).Inc()
}

// IncLLMCall 记录一次 LLM 调用。
func (c *Collector) IncLLMCall(provider, status string) {
	c.llmCallsTotal.WithLabelValues(provider, status).Inc()
}

// IncEmbeddingCall 记录一次嵌入调用。
func (c *Collector) IncEmbeddingCall() {
	c.embeddingCallsTotal.Inc()
}

// IncCacheHit 记录缓存命中。
func (c *Collector) IncCacheHit(kind string) {
	c.cacheHits.WithLabelValues(kind).Inc()
}

// IncCacheMiss 记录缓存未命中。
func (c *Collector) IncCacheMiss(kind string) {
	c.cacheMisses.WithLabelValues(kind).Inc()
}

// IncGuardrailRejection 记录守门拒绝。
func (c *Collector) IncGuardrailRejection() {
	c.guardrailRejections.Inc()
}

// SetDegraded 记录特性降级状态。
func (c *Collector) SetDegraded(feature string, degraded bool) {
	v := 0.0
	if degraded {
		v = 1.0
	}
	c.degradationActive.WithLabelValues(feature).Set(v)
}

// IncRefinement 记录一次再生成。
func (c *Collector) IncRefinement() {
	c.refinementsTotal.Inc()
}
