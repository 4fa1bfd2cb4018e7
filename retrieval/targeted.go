package retrieval

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/cvflow/cvflow/providers"
	"github.com/cvflow/cvflow/types"
)

// TargetedRetriever 定向检索：查询点名单个已知候选人时完全绕开融合
// 检索，直接取该候选人的全部片段，按固定分节优先级排序。
//
// 跳过语义过滤是有意为之：像“技能”这类分节与自然语言查询的相似度
// 常常很低，但对单人画像不可或缺，不能被相似度阈值丢掉。
type TargetedRetriever struct {
	chunks providers.ChunkProvider
	logger *zap.Logger
}

// NewTargetedRetriever 创建定向检索器。
func NewTargetedRetriever(chunks providers.ChunkProvider, logger *zap.Logger) *TargetedRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TargetedRetriever{
		chunks: chunks,
		logger: logger.With(zap.String("component", "targeted_retriever")),
	}
}

// Applicable 判断是否进入定向模式：理解结果恰好点名一个已知候选人，
// 且查询类型是单人画像/核验类。
func (t *TargetedRetriever) Applicable(und *types.Understanding) bool {
	if len(und.Entities) != 1 {
		return false
	}
	switch und.QueryType {
	case types.QueryTypeProfile, types.QueryTypeRisk, types.QueryTypeVerification:
		return true
	default:
		return false
	}
}

// Retrieve 取指定候选人的全部片段。相似度记 1.0（证据确定属于目标），
// 排序只由分节优先级决定。
func (t *TargetedRetriever) Retrieve(ctx context.Context, candidateName string) ([]types.RankedEvidence, error) {
	chunks, err := t.chunks.ChunksByCandidate(ctx, candidateName)
	if err != nil {
		return nil, types.NewPipelineError(types.StageRetrieval, types.ErrRetrieval,
			types.SeverityRecoverable, "targeted retrieval failed", err)
	}

	sort.SliceStable(chunks, func(i, j int) bool {
		return types.SectionPriority(chunks[i].Metadata.SectionType) <
			types.SectionPriority(chunks[j].Metadata.SectionType)
	})

	evidence := make([]types.RankedEvidence, len(chunks))
	for i, c := range chunks {
		evidence[i] = types.RankedEvidence{
			SearchResult: types.SearchResult{
				Chunk:      c,
				Similarity: 1.0,
				Rank:       i + 1,
			},
			VariantHits: 1,
		}
	}

	t.logger.Debug("targeted retrieval complete",
		zap.String("candidate", candidateName),
		zap.Int("chunks", len(evidence)))
	return evidence, nil
}
