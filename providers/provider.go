// Package providers defines the external interface boundary of the
// pipeline: LLM, embedding, vector store, chunk and conversation
// providers, plus ready-to-use in-memory and pgvector implementations.
//
// 管道只消费这些接口；嵌入/索引如何计算属于外部子系统。
package providers

import (
	"context"
	"time"

	"github.com/cvflow/cvflow/types"
)

// GenerateRequest LLM 生成请求。
type GenerateRequest struct {
	Prompt       string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	Model        string // 空则用提供商默认模型
}

// LLMProvider 大模型提供商接口。
type LLMProvider interface {
	// Generate 生成补全文本。
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	// Name 返回提供商名称（日志与指标用）。
	Name() string
}

// EmbeddingProvider 嵌入提供商接口。
// 维度由提供商决定（如 384 或 768），同一会话内必须一致。
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// VectorStore 向量库提供商接口。
type VectorStore interface {
	// Search 按相似度检索。threshold 为相似度下限；
	// diversifyByEntity 为 true 时每个候选人至多返回一个片段。
	Search(ctx context.Context, vector []float32, k int, threshold float64, diversifyByEntity bool) ([]types.SearchResult, error)
	// Count 返回当前会话语料的片段总数。
	Count(ctx context.Context) (int, error)
}

// ChunkProvider 片段提供商接口，由摄取子系统实现。
type ChunkProvider interface {
	// AllChunks 返回会话的全部片段。
	AllChunks(ctx context.Context) ([]types.Chunk, error)
	// ChunksByCandidate 返回指定候选人的全部片段（定向检索用）。
	ChunksByCandidate(ctx context.Context, candidateName string) ([]types.Chunk, error)
	// Candidates 返回会话内全部候选人名。
	Candidates(ctx context.Context) ([]string, error)
}

// ConversationStore 会话历史只读存储。
type ConversationStore interface {
	// RecentTurns 返回最近 n 轮，按时间升序。
	RecentTurns(ctx context.Context, sessionID string, n int) ([]types.ConversationTurn, error)
}
