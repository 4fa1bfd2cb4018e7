package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Feature 可降级的可选特性。
type Feature string

const (
	FeatureMultiQuery Feature = "multi_query"
	FeatureHyDE       Feature = "hyde"
	FeatureReranking  Feature = "reranking"
	FeatureReasoning  Feature = "reasoning"
)

// DegradationConfig 降级注册表配置。
type DegradationConfig struct {
	// DisableAfter 连续失败多少次后禁用该特性。
	DisableAfter int
	// Cooldown 禁用后多久允许一次探测请求。
	Cooldown time.Duration
}

// DefaultDegradationConfig 返回默认配置。
func DefaultDegradationConfig() *DegradationConfig {
	return &DegradationConfig{
		DisableAfter: 3,
		Cooldown:     2 * time.Minute,
	}
}

type featureState struct {
	failures    int
	disabled    bool
	disabledAt  time.Time
	probeInFlight bool
}

// DegradationRegistry 进程级优雅降级注册表。可选特性（多查询、推理、
// 重排）反复失败后被禁用，后续请求跳过该特性直到冷却期满的探测成功。
//
// 注册表由构造方显式持有并注入管道（依赖注入，非全局单例），
// 支持多请求并发读写。
type DegradationRegistry struct {
	config *DegradationConfig
	logger *zap.Logger

	mu     sync.RWMutex
	states map[Feature]*featureState
}

// NewDegradationRegistry 创建降级注册表。
func NewDegradationRegistry(config *DegradationConfig, logger *zap.Logger) *DegradationRegistry {
	if config == nil {
		config = DefaultDegradationConfig()
	}
	if config.DisableAfter <= 0 {
		config.DisableAfter = 3
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DegradationRegistry{
		config: config,
		logger: logger.With(zap.String("component", "degradation")),
		states: make(map[Feature]*featureState),
	}
}

// Allowed 判断本次请求是否可以使用该特性。
// 特性被禁用但冷却期已过时，放行一个探测请求。
func (r *DegradationRegistry) Allowed(f Feature) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[f]
	if !ok || !st.disabled {
		return true
	}
	if time.Since(st.disabledAt) >= r.config.Cooldown && !st.probeInFlight {
		st.probeInFlight = true
		r.logger.Info("degraded feature probe allowed", zap.String("feature", string(f)))
		return true
	}
	return false
}

// ReportSuccess 报告特性调用成功；若处于禁用状态则恢复。
func (r *DegradationRegistry) ReportSuccess(f Feature) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[f]
	if !ok {
		return
	}
	if st.disabled {
		r.logger.Info("degraded feature recovered", zap.String("feature", string(f)))
	}
	st.failures = 0
	st.disabled = false
	st.probeInFlight = false
}

// ReportFailure 报告特性调用失败；连续失败达到阈值后禁用。
func (r *DegradationRegistry) ReportFailure(f Feature) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[f]
	if !ok {
		st = &featureState{}
		r.states[f] = st
	}
	st.failures++
	st.probeInFlight = false

	if st.disabled {
		// 探测失败，重置冷却计时
		st.disabledAt = time.Now()
		return
	}
	if st.failures >= r.config.DisableAfter {
		st.disabled = true
		st.disabledAt = time.Now()
		r.logger.Warn("feature degraded after repeated failures",
			zap.String("feature", string(f)),
			zap.Int("failures", st.failures))
	}
}

// Disabled 返回当前被禁用的特性列表（诊断用）。
func (r *DegradationRegistry) Disabled() []Feature {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Feature
	for f, st := range r.states {
		if st.disabled {
			out = append(out, f)
		}
	}
	return out
}
