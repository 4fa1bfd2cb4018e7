package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cvflow/cvflow/providers"
	"github.com/cvflow/cvflow/types"
)

// RerankerConfig 重排配置。最终分 = LLMWeight*llm + SimWeight*similarity。
type RerankerConfig struct {
	LLMWeight float64
	SimWeight float64
	// Timeout 单次打分调用超时。
	Timeout time.Duration
	// BatchSize 单个提示词里打分的片段数。
	BatchSize int
}

// DefaultRerankerConfig 返回默认配置。
func DefaultRerankerConfig() RerankerConfig {
	return RerankerConfig{
		LLMWeight: 0.7,
		SimWeight: 0.3,
		Timeout:   15 * time.Second,
		BatchSize: 10,
	}
}

// Reranker 用 LLM 估计每条候选证据与查询的相关性并重排。
// 返回完整重排列表、不截断——上下文窗口裁剪由下游决定。
// 该特性可独立禁用，禁用时沿用融合名次。
type Reranker struct {
	llm    providers.LLMProvider
	config RerankerConfig
	logger *zap.Logger
}

// NewReranker 创建重排器。
func NewReranker(llm providers.LLMProvider, config RerankerConfig, logger *zap.Logger) *Reranker {
	if config.LLMWeight+config.SimWeight <= 0 {
		config.LLMWeight = 0.7
		config.SimWeight = 0.3
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reranker{
		llm:    llm,
		config: config,
		logger: logger.With(zap.String("component", "reranker")),
	}
}

var scoreLineRe = regexp.MustCompile(`(?m)^\s*(\d+)\s*[:：]\s*(\d+(?:\.\d+)?)\s*$`)

// Rerank 重排候选证据。失败时返回原顺序与错误（供降级注册表计数）。
func (r *Reranker) Rerank(ctx context.Context, query string, evidence []types.RankedEvidence) ([]types.RankedEvidence, error) {
	if r.llm == nil || len(evidence) == 0 {
		return evidence, nil
	}

	reranked := make([]types.RankedEvidence, len(evidence))
	copy(reranked, evidence)

	for start := 0; start < len(reranked); start += r.config.BatchSize {
		end := start + r.config.BatchSize
		if end > len(reranked) {
			end = len(reranked)
		}
		if err := r.scoreBatch(ctx, query, reranked[start:end]); err != nil {
			return evidence, err
		}
	}

	for i := range reranked {
		reranked[i].CombinedScore = r.config.LLMWeight*reranked[i].RelevanceLLM +
			r.config.SimWeight*reranked[i].Similarity
	}
	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].CombinedScore > reranked[j].CombinedScore
	})
	for i := range reranked {
		reranked[i].Rank = i + 1
	}
	return reranked, nil
}

// scoreBatch 一次打分一批片段，0-10 分制，解析后归一化到 [0,1]。
func (r *Reranker) scoreBatch(ctx context.Context, query string, batch []types.RankedEvidence) error {
	var b strings.Builder
	fmt.Fprintf(&b, `Score how relevant each passage is to the query, on a scale of 0 to 10.
Query: %s

`, query)
	for i, ev := range batch {
		content := ev.Chunk.Content
		if len(content) > 600 {
			content = content[:600]
		}
		fmt.Fprintf(&b, "Passage %d (candidate: %s, section: %s):\n%s\n\n",
			i+1, ev.Chunk.Metadata.CandidateName, ev.Chunk.Metadata.SectionType, content)
	}
	b.WriteString("Respond with one line per passage in the form `index: score`, nothing else.\n")

	callCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	response, err := r.llm.Generate(callCtx, providers.GenerateRequest{
		Prompt:      b.String(),
		Temperature: 0.0,
		MaxTokens:   200,
	})
	if err != nil {
		return types.NewPipelineError(types.StageReranking, types.ErrGeneration,
			types.SeverityRecoverable, "rerank scoring failed", err)
	}

	scored := 0
	for _, m := range scoreLineRe.FindAllStringSubmatch(response, -1) {
		idx, _ := strconv.Atoi(m[1])
		score, parseErr := strconv.ParseFloat(m[2], 64)
		if parseErr != nil || idx < 1 || idx > len(batch) {
			continue
		}
		if score > 10 {
			score = 10
		}
		batch[idx-1].RelevanceLLM = score / 10.0
		scored++
	}
	if scored == 0 {
		return types.NewPipelineError(types.StageReranking, types.ErrGeneration,
			types.SeverityRecoverable, "no parsable rerank scores", nil)
	}
	// 漏打分的片段退化为相似度本身
	for i := range batch {
		if batch[i].RelevanceLLM == 0 {
			batch[i].RelevanceLLM = batch[i].Similarity
		}
	}
	return nil
}
