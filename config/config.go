// Package config provides configuration loading for the CVFlow pipeline.
// 配置来源优先级：显式传入 > 环境变量 > YAML 文件 > 默认值。
package config

import (
	"fmt"
	"time"
)

// Config 管道总配置。
type Config struct {
	Pipeline     PipelineConfig     `yaml:"pipeline" json:"pipeline"`
	Retrieval    RetrievalConfig    `yaml:"retrieval" json:"retrieval"`
	Rerank       RerankConfig       `yaml:"rerank" json:"rerank"`
	Expansion    ExpansionConfig    `yaml:"expansion" json:"expansion"`
	Reasoning    ReasoningConfig    `yaml:"reasoning" json:"reasoning"`
	Generation   GenerationConfig   `yaml:"generation" json:"generation"`
	Verification VerificationConfig `yaml:"verification" json:"verification"`
	Resilience   ResilienceConfig   `yaml:"resilience" json:"resilience"`
	Cache        CacheConfig        `yaml:"cache" json:"cache"`
	Metrics      MetricsConfig      `yaml:"metrics" json:"metrics"`
}

// PipelineConfig 请求级预算与历史窗口。
type PipelineConfig struct {
	// TotalTimeout 整个请求的截止预算，各阶段从中扣减。
	TotalTimeout time.Duration `yaml:"total_timeout" json:"total_timeout"`
	// StageTimeout 单阶段外部调用默认超时。
	StageTimeout time.Duration `yaml:"stage_timeout" json:"stage_timeout"`
	// HistoryWindow 会话历史读取窗口（最近 N 轮）。
	HistoryWindow int `yaml:"history_window" json:"history_window"`
	// MaxSuggestions 返回的追问建议数。
	MaxSuggestions int `yaml:"max_suggestions" json:"max_suggestions"`
}

// RetrievalConfig 融合检索参数。
type RetrievalConfig struct {
	// RRFK 倒数排名融合常数，score = Σ 1/(K+rank)。
	RRFK int `yaml:"rrf_k" json:"rrf_k"`
	// MinSimilarity 相似度下限，低于该值的命中被剪除。
	MinSimilarity float64 `yaml:"min_similarity" json:"min_similarity"`
	// SearchTopK 搜索式意图的固定 k。
	SearchTopK int `yaml:"search_top_k" json:"search_top_k"`
	// MaxCorpusK 排名式意图覆盖全语料时的 k 上限。
	MaxCorpusK int `yaml:"max_corpus_k" json:"max_corpus_k"`
	// ContextTopK 进入生成上下文的证据条数上限。
	ContextTopK int `yaml:"context_top_k" json:"context_top_k"`
}

// RerankConfig 重排参数。最终分 = LLMWeight*llm + SimWeight*similarity。
type RerankConfig struct {
	Enabled   bool    `yaml:"enabled" json:"enabled"`
	LLMWeight float64 `yaml:"llm_weight" json:"llm_weight"`
	SimWeight float64 `yaml:"sim_weight" json:"sim_weight"`
}

// ExpansionConfig 多查询扩展与 HyDE。
type ExpansionConfig struct {
	Enabled       bool `yaml:"enabled" json:"enabled"`
	MaxVariations int  `yaml:"max_variations" json:"max_variations"` // 3-5
	EnableHyDE    bool `yaml:"enable_hyde" json:"enable_hyde"`
}

// ReasoningConfig Self-Ask 推理。
type ReasoningConfig struct {
	Enabled          bool `yaml:"enabled" json:"enabled"`
	EnableReflection bool `yaml:"enable_reflection" json:"enable_reflection"`
}

// GenerationConfig 生成参数。
type GenerationConfig struct {
	Temperature     float64 `yaml:"temperature" json:"temperature"`
	MaxTokens       int     `yaml:"max_tokens" json:"max_tokens"`
	ContextBudget   int     `yaml:"context_budget" json:"context_budget"` // 证据 token 预算
	TokenizerModel  string  `yaml:"tokenizer_model" json:"tokenizer_model"`
	FallbackModels  []string `yaml:"fallback_models" json:"fallback_models"`
}

// VerificationConfig 断言核验与置信度。
type VerificationConfig struct {
	// RegenerationThreshold overall_score 低于该值时触发一次再生成。
	RegenerationThreshold float64 `yaml:"regeneration_threshold" json:"regeneration_threshold"`
}

// ResilienceConfig 重试/熔断/降级参数。
type ResilienceConfig struct {
	MaxRetries       int           `yaml:"max_retries" json:"max_retries"`
	InitialBackoff   time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff" json:"max_backoff"`
	BreakerThreshold int           `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" json:"breaker_cooldown"`
	// DegradeAfter 可选特性连续失败多少次后进程级禁用。
	DegradeAfter int `yaml:"degrade_after" json:"degrade_after"`
	// DegradeCooldown 禁用后多久允许半开探测。
	DegradeCooldown time.Duration `yaml:"degrade_cooldown" json:"degrade_cooldown"`
	// RateLimitPerSecond LLM 调用速率上限（0 表示不限）。
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second" json:"rate_limit_per_second"`
}

// CacheConfig 嵌入/响应缓存。
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	MaxEntries int           `yaml:"max_entries" json:"max_entries"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
	// RedisAddr 非空时使用 Redis 共享缓存，否则用进程内 LRU。
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
}

// MetricsConfig 指标配置。
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// Default 返回默认配置。
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			TotalTimeout:   90 * time.Second,
			StageTimeout:   20 * time.Second,
			HistoryWindow:  10,
			MaxSuggestions: 3,
		},
		Retrieval: RetrievalConfig{
			RRFK:          60,
			MinSimilarity: 0.25,
			SearchTopK:    8,
			MaxCorpusK:    200,
			ContextTopK:   12,
		},
		Rerank: RerankConfig{
			Enabled:   true,
			LLMWeight: 0.7,
			SimWeight: 0.3,
		},
		Expansion: ExpansionConfig{
			Enabled:       true,
			MaxVariations: 3,
			EnableHyDE:    true,
		},
		Reasoning: ReasoningConfig{
			Enabled:          true,
			EnableReflection: true,
		},
		Generation: GenerationConfig{
			Temperature:    0.1,
			MaxTokens:      2048,
			ContextBudget:  6000,
			TokenizerModel: "gpt-4o",
		},
		Verification: VerificationConfig{
			RegenerationThreshold: 0.7,
		},
		Resilience: ResilienceConfig{
			MaxRetries:         3,
			InitialBackoff:     500 * time.Millisecond,
			MaxBackoff:         8 * time.Second,
			BreakerThreshold:   5,
			BreakerCooldown:    30 * time.Second,
			DegradeAfter:       3,
			DegradeCooldown:    2 * time.Minute,
			RateLimitPerSecond: 0,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 2048,
			TTL:        30 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "cvflow",
		},
	}
}

// Validate 校验配置并回填非法字段的默认值（教师式宽松校验）。
func (c *Config) Validate() error {
	d := Default()
	if c.Pipeline.TotalTimeout <= 0 {
		c.Pipeline.TotalTimeout = d.Pipeline.TotalTimeout
	}
	if c.Pipeline.StageTimeout <= 0 {
		c.Pipeline.StageTimeout = d.Pipeline.StageTimeout
	}
	if c.Pipeline.HistoryWindow <= 0 {
		c.Pipeline.HistoryWindow = d.Pipeline.HistoryWindow
	}
	if c.Retrieval.RRFK <= 0 {
		c.Retrieval.RRFK = d.Retrieval.RRFK
	}
	if c.Retrieval.MinSimilarity < 0 || c.Retrieval.MinSimilarity >= 1 {
		c.Retrieval.MinSimilarity = d.Retrieval.MinSimilarity
	}
	if c.Retrieval.SearchTopK <= 0 {
		c.Retrieval.SearchTopK = d.Retrieval.SearchTopK
	}
	if c.Retrieval.MaxCorpusK <= 0 {
		c.Retrieval.MaxCorpusK = d.Retrieval.MaxCorpusK
	}
	if c.Retrieval.ContextTopK <= 0 {
		c.Retrieval.ContextTopK = d.Retrieval.ContextTopK
	}
	if c.Expansion.MaxVariations < 3 || c.Expansion.MaxVariations > 5 {
		c.Expansion.MaxVariations = d.Expansion.MaxVariations
	}
	sum := c.Rerank.LLMWeight + c.Rerank.SimWeight
	if sum <= 0 {
		c.Rerank.LLMWeight = d.Rerank.LLMWeight
		c.Rerank.SimWeight = d.Rerank.SimWeight
	} else if sum != 1.0 {
		return fmt.Errorf("rerank weights must sum to 1.0, got %.3f", sum)
	}
	if c.Verification.RegenerationThreshold <= 0 || c.Verification.RegenerationThreshold > 1 {
		c.Verification.RegenerationThreshold = d.Verification.RegenerationThreshold
	}
	if c.Resilience.MaxRetries < 0 {
		c.Resilience.MaxRetries = d.Resilience.MaxRetries
	}
	if c.Resilience.BreakerThreshold <= 0 {
		c.Resilience.BreakerThreshold = d.Resilience.BreakerThreshold
	}
	if c.Resilience.DegradeAfter <= 0 {
		c.Resilience.DegradeAfter = d.Resilience.DegradeAfter
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = d.Cache.MaxEntries
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = d.Cache.TTL
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = d.Metrics.Namespace
	}
	return nil
}
