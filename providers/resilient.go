package providers

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cvflow/cvflow/internal/metrics"
	"github.com/cvflow/cvflow/resilience"
	"github.com/cvflow/cvflow/types"
)

// ResilientLLMConfig 弹性 LLM 包装配置。
type ResilientLLMConfig struct {
	Retry   *resilience.RetryPolicy
	Breaker *resilience.BreakerConfig
	// RateLimitPerSecond 每秒请求上限，0 表示不限流。
	RateLimitPerSecond float64
	// FallbackModels 主模型失败后依次尝试的低成本模型链。
	FallbackModels []string
	// Metrics 可为 nil。
	Metrics *metrics.Collector
}

// ResilientLLM 在底层提供商外套重试、熔断、限流与降级模型链。
// 重试只针对限速类错误做指数退避；其余可恢复错误直接走模型链。
type ResilientLLM struct {
	provider LLMProvider
	config   ResilientLLMConfig
	retryer  *resilience.Retryer
	breaker  *resilience.Breaker
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewResilientLLM 创建弹性包装。
func NewResilientLLM(provider LLMProvider, config ResilientLLMConfig, logger *zap.Logger) *ResilientLLM {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Retry == nil {
		config.Retry = resilience.DefaultRetryPolicy()
	}
	// 退避重试仅限限速错误，其余交给模型链
	config.Retry.Retryable = types.IsRateLimit

	var limiter *rate.Limiter
	if config.RateLimitPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimitPerSecond), 1)
	}

	return &ResilientLLM{
		provider: provider,
		config:   config,
		retryer:  resilience.NewRetryer(config.Retry, logger),
		breaker:  resilience.NewBreaker(config.Breaker, logger),
		limiter:  limiter,
		logger:   logger.With(zap.String("component", "resilient_llm")),
	}
}

// Name 实现 LLMProvider.Name。
func (r *ResilientLLM) Name() string {
	return r.provider.Name() + "+resilient"
}

// Generate 实现 LLMProvider.Generate。
// 失败路径：限速退避重试 → 降级模型链 → 返回错误。全程受熔断保护。
func (r *ResilientLLM) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}

	var result string
	err := r.breaker.Call(ctx, func() error {
		return r.retryer.Do(ctx, func() error {
			out, genErr := r.provider.Generate(ctx, req)
			if r.config.Metrics != nil {
				status := "ok"
				if genErr != nil {
					status = "error"
				}
				r.config.Metrics.IncLLMCall(r.provider.Name(), status)
			}
			if genErr != nil {
				return genErr
			}
			result = out
			return nil
		})
	})
	if err == nil {
		return result, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "", err
	}

	// 模型链降级
	for _, model := range r.config.FallbackModels {
		fallbackReq := req
		fallbackReq.Model = model
		r.logger.Warn("falling back to substitute model",
			zap.String("model", model), zap.Error(err))

		out, fbErr := r.provider.Generate(ctx, fallbackReq)
		if fbErr == nil {
			return out, nil
		}
		err = fbErr
	}
	return "", err
}

// BreakerState 返回熔断器状态（诊断用）。
func (r *ResilientLLM) BreakerState() resilience.State {
	return r.breaker.State()
}
