package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cvflow/cvflow/internal/cache"
	"github.com/cvflow/cvflow/types"
)

// stubEmbedder 确定性嵌入：文本长度决定向量，计数调用次数。
type stubEmbedder struct {
	calls atomic.Int32
	err   error
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func (s *stubEmbedder) Dimensions() int { return 3 }

// stubStore 固定结果的向量库。
type stubStore struct {
	results    []types.SearchResult
	count      int
	lastK      int
	lastDivers bool
}

func (s *stubStore) Search(_ context.Context, _ []float32, k int, _ float64, diversify bool) ([]types.SearchResult, error) {
	s.lastK = k
	s.lastDivers = diversify
	return s.results, nil
}

func (s *stubStore) Count(_ context.Context) (int, error) { return s.count, nil }

func mkResult(id, candidate string, sim float64, rank int) types.SearchResult {
	return types.SearchResult{
		Chunk: types.Chunk{
			ID:      id,
			Content: "content of " + id,
			Metadata: types.ChunkMetadata{
				CandidateName: candidate,
				SectionType:   types.SectionExperience,
			},
		},
		Similarity: sim,
		Rank:       rank,
	}
}

func TestFuseRRF_RewardsMultiVariantHits(t *testing.T) {
	// doc-a 在两个变体中命中（名次 2 和 1），doc-b 只在一个变体中名次 1
	perQuery := [][]types.SearchResult{
		{mkResult("doc-b", "Bob", 0.9, 1), mkResult("doc-a", "Alice", 0.8, 2)},
		{mkResult("doc-a", "Alice", 0.7, 1)},
	}

	fused := FuseRRF(perQuery, 60)
	require.Len(t, fused, 2)
	assert.Equal(t, "doc-a", fused[0].Chunk.ID)
	assert.Equal(t, 2, fused[0].VariantHits)
	assert.Equal(t, 1, fused[0].Rank)
	assert.InDelta(t, 1.0/62+1.0/61, fused[0].RRFScore, 1e-9)
	// 最佳相似度被保留
	assert.InDelta(t, 0.8, fused[0].Similarity, 1e-9)
}

func TestFuseRRF_EmptyInput(t *testing.T) {
	assert.Empty(t, FuseRRF(nil, 60))
	assert.Empty(t, FuseRRF([][]types.SearchResult{{}}, 60))
}

// RRF 得分随命中变体数单调不减：给某文档多加一个命中变体，
// 它的融合得分只会增加。
func TestProperty_FuseRRF_ScoreMonotonicInVariantHits(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		rrfK := rapid.IntRange(1, 100).Draw(rt, "rrfK")
		numVariants := rapid.IntRange(1, 5).Draw(rt, "numVariants")
		docs := rapid.IntRange(2, 8).Draw(rt, "docs")

		perQuery := make([][]types.SearchResult, numVariants)
		for v := 0; v < numVariants; v++ {
			n := rapid.IntRange(1, docs).Draw(rt, fmt.Sprintf("n_%d", v))
			for r := 1; r <= n; r++ {
				id := fmt.Sprintf("doc-%d", (v+r)%docs)
				perQuery[v] = append(perQuery[v], mkResult(id, "X", 0.5, r))
			}
		}

		before := scoreOf(FuseRRF(perQuery, rrfK), "doc-0")

		// 追加一个命中 doc-0 的变体
		extra := []types.SearchResult{mkResult("doc-0", "X", 0.5, 1)}
		after := scoreOf(FuseRRF(append(perQuery, extra), rrfK), "doc-0")

		require.Greater(rt, after, before)
	})
}

// 融合结果按得分降序，名次从 1 连续编号。
func TestProperty_FuseRRF_SortedAndRanked(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		numVariants := rapid.IntRange(1, 4).Draw(rt, "numVariants")
		perQuery := make([][]types.SearchResult, numVariants)
		for v := 0; v < numVariants; v++ {
			n := rapid.IntRange(0, 6).Draw(rt, fmt.Sprintf("n_%d", v))
			for r := 1; r <= n; r++ {
				id := fmt.Sprintf("doc-%d", rapid.IntRange(0, 9).Draw(rt, fmt.Sprintf("id_%d_%d", v, r)))
				perQuery[v] = append(perQuery[v], mkResult(id, "X", 0.5, r))
			}
		}

		fused := FuseRRF(perQuery, 60)
		for i := range fused {
			require.Equal(rt, i+1, fused[i].Rank)
			if i > 0 {
				require.GreaterOrEqual(rt, fused[i-1].RRFScore, fused[i].RRFScore)
			}
		}
	})
}

func scoreOf(fused []types.RankedEvidence, id string) float64 {
	for _, ev := range fused {
		if ev.Chunk.ID == id {
			return ev.RRFScore
		}
	}
	return 0
}

func TestFusionRetriever_SearchModeUsesFixedK(t *testing.T) {
	store := &stubStore{results: []types.SearchResult{mkResult("d1", "Alice", 0.8, 1)}, count: 100}
	f := NewFusionRetriever(&stubEmbedder{}, store, nil, nil, DefaultFusionConfig(), nil)

	mq := &types.MultiQueryResult{Original: "who knows Go?"}
	_, err := f.Retrieve(context.Background(), mq, types.QueryTypeSearch)
	require.NoError(t, err)
	assert.Equal(t, 8, store.lastK)
	assert.False(t, store.lastDivers)
}

// 排名式意图覆盖全语料并按候选人去重。
func TestFusionRetriever_RankingModeCoversCorpus(t *testing.T) {
	store := &stubStore{results: []types.SearchResult{mkResult("d1", "Alice", 0.8, 1)}, count: 42}
	f := NewFusionRetriever(&stubEmbedder{}, store, nil, nil, DefaultFusionConfig(), nil)

	mq := &types.MultiQueryResult{Original: "rank everyone"}
	_, err := f.Retrieve(context.Background(), mq, types.QueryTypeRanking)
	require.NoError(t, err)
	assert.Equal(t, 42, store.lastK)
	assert.True(t, store.lastDivers)
}

func TestFusionRetriever_RankingModeCapsK(t *testing.T) {
	store := &stubStore{count: 100000}
	cfg := DefaultFusionConfig()
	cfg.MaxCorpusK = 200
	f := NewFusionRetriever(&stubEmbedder{}, store, nil, nil, cfg, nil)

	mq := &types.MultiQueryResult{Original: "rank everyone"}
	_, err := f.Retrieve(context.Background(), mq, types.QueryTypeTeamBuild)
	require.NoError(t, err)
	assert.Equal(t, 200, store.lastK)
}

func TestFusionRetriever_EmbeddingCache(t *testing.T) {
	embedder := &stubEmbedder{}
	store := &stubStore{}
	c := cache.NewMemoryStore(16)
	f := NewFusionRetriever(embedder, store, nil, c, DefaultFusionConfig(), nil)

	mq := &types.MultiQueryResult{Original: "same query"}
	_, err := f.Retrieve(context.Background(), mq, types.QueryTypeSearch)
	require.NoError(t, err)
	_, err = f.Retrieve(context.Background(), mq, types.QueryTypeSearch)
	require.NoError(t, err)

	// 第二次命中缓存，不再调嵌入
	assert.Equal(t, int32(1), embedder.calls.Load())
}

func TestFusionRetriever_EmbeddingFailureIsStageError(t *testing.T) {
	embedder := &stubEmbedder{err: errors.New("embedding service down")}
	f := NewFusionRetriever(embedder, &stubStore{}, nil, nil, DefaultFusionConfig(), nil)

	mq := &types.MultiQueryResult{Original: "q", Variations: []string{"v1", "v2"}}
	_, err := f.Retrieve(context.Background(), mq, types.QueryTypeSearch)
	require.Error(t, err)

	var pe *types.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, types.ErrEmbedding, pe.Code)
	assert.Equal(t, types.StageRetrieval, pe.Stage)
}
