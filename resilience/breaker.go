// Package resilience provides retry, circuit breaking and process-wide
// graceful degradation for the pipeline's external calls.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态。
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// ErrCircuitOpen 熔断器打开时返回。
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig 熔断器配置。
type BreakerConfig struct {
	// Threshold 连续失败次数阈值（触发熔断）
	Threshold int
	// Cooldown 熔断恢复等待时间（Open -> HalfOpen）
	Cooldown time.Duration
	// HalfOpenMaxCalls 半开状态下允许的最大探测请求数
	HalfOpenMaxCalls int
	// OnStateChange 状态变更回调
	OnStateChange func(from, to State)
}

// DefaultBreakerConfig 返回默认配置。
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		Threshold:        5,
		Cooldown:         30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// Breaker 按特性隔离的熔断器。closed → open（连续失败达到阈值）→
// half-open（冷却后探测）→ closed（探测成功）。
type Breaker struct {
	config *BreakerConfig
	logger *zap.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	halfOpenCalls   int
}

// NewBreaker 创建熔断器。
func NewBreaker(config *BreakerConfig, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		config: config,
		logger: logger.With(zap.String("component", "breaker")),
		state:  StateClosed,
	}
}

// Call 执行调用；熔断器打开时直接返回 ErrCircuitOpen。
// context 取消不计入失败。
func (b *Breaker) Call(ctx context.Context, fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn()

	// 调用方取消不代表下游故障
	if errors.Is(err, context.Canceled) {
		return err
	}
	b.afterCall(err == nil)
	return err
}

// State 返回当前状态。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset 手动复位。
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.failureCount = 0
	b.halfOpenCalls = 0
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailureTime) > b.config.Cooldown {
			b.setState(StateHalfOpen)
			b.halfOpenCalls = 0
			b.logger.Info("breaker half-open, probing")
			b.halfOpenCalls++
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		b.halfOpenCalls++
		return nil
	default:
		return ErrCircuitOpen
	}
}

func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		switch b.state {
		case StateHalfOpen:
			b.logger.Info("breaker recovered", zap.Int("probe_calls", b.halfOpenCalls))
			b.setState(StateClosed)
			b.halfOpenCalls = 0
		}
		b.failureCount = 0
		return
	}

	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.Threshold {
			b.logger.Warn("breaker tripped",
				zap.Int("consecutive_failures", b.failureCount))
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		// 探测失败，回到打开状态
		b.logger.Warn("breaker probe failed, reopening")
		b.setState(StateOpen)
	}
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(from, to)
	}
}
