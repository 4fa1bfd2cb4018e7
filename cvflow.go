// Package cvflow provides a top-level convenience entry point for the
// CV question-answering pipeline with minimal boilerplate.
//
// Usage:
//
//	import "github.com/cvflow/cvflow"
//
//	client, err := cvflow.New(
//		cvflow.WithLLM(myProvider),
//		cvflow.WithEmbedder(myEmbedder),
//		cvflow.WithMemoryCorpus(store),
//	)
//	env, err := client.Answer(ctx, "session-1", "who has the most Go experience?")
package cvflow

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cvflow/cvflow/config"
	"github.com/cvflow/cvflow/internal/cache"
	"github.com/cvflow/cvflow/internal/metrics"
	"github.com/cvflow/cvflow/pipeline"
	"github.com/cvflow/cvflow/providers"
	"github.com/cvflow/cvflow/resilience"
	"github.com/cvflow/cvflow/types"
)

// Option 配置 [New] 创建的客户端。
type Option func(*options)

type options struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	llm           providers.LLMProvider
	embedder      providers.EmbeddingProvider
	vectorStore   providers.VectorStore
	chunks        providers.ChunkProvider
	conversations providers.ConversationStore

	cacheStore cache.Store
	registry   prometheus.Registerer
	wrapLLM    bool
}

// WithConfig 使用显式配置（优先于配置文件）。
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithConfigFile 从 YAML 文件加载配置（CVFLOW_* 环境变量可覆盖）。
func WithConfigFile(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithLogger 使用自定义 zap 日志器。
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLLM 设置 LLM 提供商。默认套上重试/熔断/限流包装，
// 用 [WithRawLLM] 可跳过包装。
func WithLLM(llm providers.LLMProvider) Option {
	return func(o *options) { o.llm = llm; o.wrapLLM = true }
}

// WithRawLLM 设置 LLM 提供商且不加弹性包装（提供商自带重试时使用）。
func WithRawLLM(llm providers.LLMProvider) Option {
	return func(o *options) { o.llm = llm; o.wrapLLM = false }
}

// WithEmbedder 设置嵌入提供商。
func WithEmbedder(e providers.EmbeddingProvider) Option {
	return func(o *options) { o.embedder = e }
}

// WithVectorStore 设置向量库与片段提供商。
func WithVectorStore(v providers.VectorStore, c providers.ChunkProvider) Option {
	return func(o *options) { o.vectorStore = v; o.chunks = c }
}

// WithMemoryCorpus 使用进程内语料（向量库与片段提供商合一），
// 并自动挂上进程内会话存储。适合单进程部署与测试。
func WithMemoryCorpus(s *providers.MemoryVectorStore) Option {
	return func(o *options) {
		o.vectorStore = s
		o.chunks = s
		if o.conversations == nil {
			o.conversations = providers.NewMemoryConversationStore()
		}
	}
}

// WithConversations 设置会话历史存储。
func WithConversations(c providers.ConversationStore) Option {
	return func(o *options) { o.conversations = c }
}

// WithCache 使用自定义缓存后端（嵌入缓存与响应缓存共用）。
func WithCache(s cache.Store) Option {
	return func(o *options) { o.cacheStore = s }
}

// WithMetricsRegistry 把指标注册到指定 Prometheus 注册表
// （默认 prometheus.DefaultRegisterer；测试中注入隔离实例）。
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// Client 问答客户端，[pipeline.Pipeline] 的薄封装。并发安全。
type Client struct {
	pipeline *pipeline.Pipeline
	cache    cache.Store
	ownCache bool
	logger   *zap.Logger
}

// New 创建客户端。至少需要 LLM、嵌入提供商与语料存储。
func New(opts ...Option) (*Client, error) {
	o := &options{registry: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(o)
	}

	cfg := o.cfg
	if cfg == nil && o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store, ownCache, err := buildCache(cfg, o, logger)
	if err != nil {
		return nil, err
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, o.registry, logger)
	}

	llm := o.llm
	if llm != nil && o.wrapLLM {
		llm = providers.NewResilientLLM(llm, providers.ResilientLLMConfig{
			Retry: &resilience.RetryPolicy{
				MaxRetries:   cfg.Resilience.MaxRetries,
				InitialDelay: cfg.Resilience.InitialBackoff,
				MaxDelay:     cfg.Resilience.MaxBackoff,
				Multiplier:   2.0,
				Jitter:       true,
			},
			Breaker: &resilience.BreakerConfig{
				Threshold: cfg.Resilience.BreakerThreshold,
				Cooldown:  cfg.Resilience.BreakerCooldown,
			},
			RateLimitPerSecond: cfg.Resilience.RateLimitPerSecond,
			FallbackModels:     cfg.Generation.FallbackModels,
			Metrics:            collector,
		}, logger)
	}

	p, err := pipeline.New(pipeline.Deps{
		Providers: pipeline.Providers{
			LLM:           llm,
			Embedder:      o.embedder,
			VectorStore:   o.vectorStore,
			Chunks:        o.chunks,
			Conversations: o.conversations,
		},
		Cache:   store,
		Metrics: collector,
		Logger:  logger,
	}, cfg)
	if err != nil {
		if ownCache && store != nil {
			store.Close()
		}
		return nil, err
	}

	return &Client{
		pipeline: p,
		cache:    store,
		ownCache: ownCache,
		logger:   logger,
	}, nil
}

func buildCache(cfg *config.Config, o *options, logger *zap.Logger) (cache.Store, bool, error) {
	if o.cacheStore != nil {
		return o.cacheStore, false, nil
	}
	if !cfg.Cache.Enabled {
		return nil, false, nil
	}
	if cfg.Cache.RedisAddr != "" {
		store, err := cache.NewRedisStore(cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		}, logger)
		if err != nil {
			return nil, false, err
		}
		return store, true, nil
	}
	return cache.NewMemoryStore(cfg.Cache.MaxEntries), true, nil
}

// Answer 处理一次提问。
func (c *Client) Answer(ctx context.Context, sessionID, text string) (*types.ResponseEnvelope, error) {
	return c.pipeline.Answer(ctx, types.Query{
		Text:      text,
		SessionID: sessionID,
		CreatedAt: time.Now(),
	})
}

// AnswerQuery 处理一次结构化提问。
func (c *Client) AnswerQuery(ctx context.Context, q types.Query) (*types.ResponseEnvelope, error) {
	return c.pipeline.Answer(ctx, q)
}

// Close 释放客户端持有的资源（自建缓存等）。
func (c *Client) Close() error {
	if c.ownCache && c.cache != nil {
		return c.cache.Close()
	}
	return nil
}
