// Package retrieval implements fused multi-query retrieval over the
// session corpus: parallel embedding fan-out, per-variant vector search,
// Reciprocal Rank Fusion, targeted single-entity retrieval and LLM
// reranking.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cvflow/cvflow/internal/cache"
	"github.com/cvflow/cvflow/internal/metrics"
	"github.com/cvflow/cvflow/providers"
	"github.com/cvflow/cvflow/types"
)

// FusionConfig 融合检索配置。
type FusionConfig struct {
	// RRFK 倒数排名融合常数 K，score(d) = Σ_q 1/(K + rank_q(d))。
	RRFK int
	// MinSimilarity 相似度下限，低于该值的命中被剪除。
	MinSimilarity float64
	// SearchTopK 搜索式意图的固定 k（不做候选人去重）。
	SearchTopK int
	// MaxCorpusK 排名式意图的 k 上限（配合候选人去重覆盖全语料）。
	MaxCorpusK int
	// CacheTTLSeconds 嵌入缓存 TTL 秒数，0 用默认。
	CacheTTLSeconds int
	// Metrics 可为 nil。
	Metrics *metrics.Collector
}

// DefaultFusionConfig 返回默认配置。
func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		RRFK:          60,
		MinSimilarity: 0.25,
		SearchTopK:    8,
		MaxCorpusK:    200,
	}
}

// FusionRetriever 多查询融合检索器。
// 所有查询变体并行嵌入，逐变体检索后用 RRF 合并名次：
// 被更多变体命中的文档即使单次相似度不是最高也会靠前。
type FusionRetriever struct {
	embedder providers.EmbeddingProvider
	store    providers.VectorStore
	chunks   providers.ChunkProvider
	embCache cache.Store // 可为 nil
	config   FusionConfig
	logger   *zap.Logger
}

// NewFusionRetriever 创建融合检索器。embCache 可为 nil（禁用嵌入缓存）。
func NewFusionRetriever(
	embedder providers.EmbeddingProvider,
	store providers.VectorStore,
	chunks providers.ChunkProvider,
	embCache cache.Store,
	config FusionConfig,
	logger *zap.Logger,
) *FusionRetriever {
	if config.RRFK <= 0 {
		config.RRFK = 60
	}
	if config.MinSimilarity <= 0 {
		config.MinSimilarity = 0.25
	}
	if config.SearchTopK <= 0 {
		config.SearchTopK = 8
	}
	if config.MaxCorpusK <= 0 {
		config.MaxCorpusK = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FusionRetriever{
		embedder: embedder,
		store:    store,
		chunks:   chunks,
		embCache: embCache,
		config:   config,
		logger:   logger.With(zap.String("component", "fusion_retriever")),
	}
}

// Retrieve 对全部查询变体做融合检索。
// 排名式意图覆盖全语料并按候选人去重；搜索式意图用固定小 k。
func (f *FusionRetriever) Retrieve(ctx context.Context, mq *types.MultiQueryResult, qt types.QueryType) ([]types.RankedEvidence, error) {
	queries := mq.AllQueries()

	vectors, err := f.embedAll(ctx, queries)
	if err != nil {
		return nil, types.NewPipelineError(types.StageRetrieval, types.ErrEmbedding,
			types.SeverityRecoverable, "embedding fan-out failed", err)
	}

	k, diversify, err := f.searchParams(ctx, qt)
	if err != nil {
		return nil, err
	}

	perQuery := make([][]types.SearchResult, 0, len(vectors))
	for i, vec := range vectors {
		results, searchErr := f.store.Search(ctx, vec, k, f.config.MinSimilarity, diversify)
		if searchErr != nil {
			return nil, types.NewPipelineError(types.StageRetrieval, types.ErrRetrieval,
				types.SeverityRecoverable, fmt.Sprintf("search for variant %d failed", i), searchErr)
		}
		perQuery = append(perQuery, results)
	}

	fused := FuseRRF(perQuery, f.config.RRFK)
	f.logger.Debug("fusion retrieval complete",
		zap.Int("variants", len(queries)),
		zap.Int("k", k),
		zap.Bool("diversify", diversify),
		zap.Int("fused", len(fused)))
	return fused, nil
}

// embedAll 并行嵌入全部查询变体（fan-out/fan-in），带内容哈希缓存。
func (f *FusionRetriever) embedAll(ctx context.Context, queries []string) ([][]float32, error) {
	vectors := make([][]float32, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			vec, err := f.embedOne(gctx, q)
			if err != nil {
				return fmt.Errorf("embed variant %d: %w", i, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (f *FusionRetriever) embedOne(ctx context.Context, text string) ([]float32, error) {
	var key string
	if f.embCache != nil {
		key = cache.HashKey("emb", text)
		if raw, ok := f.embCache.Get(ctx, key); ok {
			var vec []float32
			if err := json.Unmarshal(raw, &vec); err == nil {
				if f.config.Metrics != nil {
					f.config.Metrics.IncCacheHit("embedding")
				}
				return vec, nil
			}
		}
		if f.config.Metrics != nil {
			f.config.Metrics.IncCacheMiss("embedding")
		}
	}

	if f.config.Metrics != nil {
		f.config.Metrics.IncEmbeddingCall()
	}
	vec, err := f.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if f.embCache != nil {
		if raw, err := json.Marshal(vec); err == nil {
			f.embCache.Set(ctx, key, raw, 0)
		}
	}
	return vec, nil
}

// searchParams 按查询类型决定 k 与去重策略。
func (f *FusionRetriever) searchParams(ctx context.Context, qt types.QueryType) (int, bool, error) {
	if !qt.IsRankingStyle() {
		return f.config.SearchTopK, false, nil
	}
	// 排名式意图：k 放大到全语料（上限封顶），每个候选人取一个片段
	count, err := f.store.Count(ctx)
	if err != nil {
		return 0, false, types.NewPipelineError(types.StageRetrieval, types.ErrRetrieval,
			types.SeverityRecoverable, "corpus count failed", err)
	}
	k := count
	if k > f.config.MaxCorpusK {
		k = f.config.MaxCorpusK
	}
	if k <= 0 {
		k = f.config.SearchTopK
	}
	return k, true, nil
}

// FuseRRF 倒数排名融合：score(d) = Σ_q 1/(K + rank_q(d))。
// 记录每个文档的变体命中数与最佳相似度，按融合得分降序返回。
func FuseRRF(perQuery [][]types.SearchResult, rrfK int) []types.RankedEvidence {
	if rrfK <= 0 {
		rrfK = 60
	}

	byID := make(map[string]*types.RankedEvidence)
	var order []string

	for _, results := range perQuery {
		for _, r := range results {
			id := r.Chunk.ID
			ev, ok := byID[id]
			if !ok {
				ev = &types.RankedEvidence{SearchResult: r}
				byID[id] = ev
				order = append(order, id)
			}
			ev.RRFScore += 1.0 / float64(rrfK+r.Rank)
			ev.VariantHits++
			if r.Similarity > ev.Similarity {
				ev.Similarity = r.Similarity
			}
		}
	}

	fused := make([]types.RankedEvidence, 0, len(order))
	for _, id := range order {
		fused = append(fused, *byID[id])
	}
	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].RRFScore != fused[j].RRFScore {
			return fused[i].RRFScore > fused[j].RRFScore
		}
		return fused[i].Similarity > fused[j].Similarity
	})
	for i := range fused {
		fused[i].Rank = i + 1
	}
	return fused
}

// CandidateOf 返回证据所属候选人名（小写归一）。
func CandidateOf(ev types.RankedEvidence) string {
	return strings.ToLower(ev.Chunk.Metadata.CandidateName)
}
