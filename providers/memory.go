package providers

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/cvflow/cvflow/types"
)

// =============================================================================
// 内存向量库（测试与小语料场景）
// =============================================================================

type memoryDoc struct {
	chunk  types.Chunk
	vector []float32
}

// MemoryVectorStore 进程内向量库，余弦相似度检索。
// 同时实现 ChunkProvider，便于单机运行与测试。
type MemoryVectorStore struct {
	mu   sync.RWMutex
	docs []memoryDoc
}

// NewMemoryVectorStore 创建内存向量库。
func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{}
}

// Add 索引一个片段及其向量。
func (s *MemoryVectorStore) Add(chunk types.Chunk, vector []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, memoryDoc{chunk: chunk, vector: vector})
}

// Search 实现 VectorStore.Search。
func (s *MemoryVectorStore) Search(_ context.Context, vector []float32, k int, threshold float64, diversifyByEntity bool) ([]types.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 {
		return nil, fmt.Errorf("invalid k: %d", k)
	}

	results := make([]types.SearchResult, 0, len(s.docs))
	for _, d := range s.docs {
		sim := cosineSimilarity(vector, d.vector)
		if sim < threshold {
			continue
		}
		results = append(results, types.SearchResult{Chunk: d.chunk, Similarity: sim})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})

	if diversifyByEntity {
		seen := make(map[string]bool)
		diversified := results[:0]
		for _, r := range results {
			key := strings.ToLower(r.Chunk.Metadata.CandidateName)
			if seen[key] {
				continue
			}
			seen[key] = true
			diversified = append(diversified, r)
		}
		results = diversified
	}

	if len(results) > k {
		results = results[:k]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results, nil
}

// Count 实现 VectorStore.Count。
func (s *MemoryVectorStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs), nil
}

// AllChunks 实现 ChunkProvider.AllChunks。
func (s *MemoryVectorStore) AllChunks(_ context.Context) ([]types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Chunk, len(s.docs))
	for i, d := range s.docs {
		out[i] = d.chunk
	}
	return out, nil
}

// ChunksByCandidate 实现 ChunkProvider.ChunksByCandidate。
func (s *MemoryVectorStore) ChunksByCandidate(_ context.Context, candidateName string) ([]types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name := strings.ToLower(candidateName)
	var out []types.Chunk
	for _, d := range s.docs {
		if strings.ToLower(d.chunk.Metadata.CandidateName) == name {
			out = append(out, d.chunk)
		}
	}
	return out, nil
}

// Candidates 实现 ChunkProvider.Candidates。
func (s *MemoryVectorStore) Candidates(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, d := range s.docs {
		name := d.chunk.Metadata.CandidateName
		if name == "" || seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// cosineSimilarity 余弦相似度；零向量返回 0。
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// =============================================================================
// 内存会话存储
// =============================================================================

// MemoryConversationStore 进程内会话历史，按会话追加、只读消费。
type MemoryConversationStore struct {
	mu    sync.RWMutex
	turns map[string][]types.ConversationTurn
}

// NewMemoryConversationStore 创建内存会话存储。
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		turns: make(map[string][]types.ConversationTurn),
	}
}

// Append 追加一轮。历史是只追加日志，每轮是不可变快照。
func (s *MemoryConversationStore) Append(_ context.Context, sessionID string, turn types.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[sessionID] = append(s.turns[sessionID], turn)
	return nil
}

// RecentTurns 实现 ConversationStore.RecentTurns。
func (s *MemoryConversationStore) RecentTurns(_ context.Context, sessionID string, n int) ([]types.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.turns[sessionID]
	if n <= 0 || n > len(all) {
		n = len(all)
	}
	// 返回副本，保证调用方拿到的是只读快照
	out := make([]types.ConversationTurn, n)
	copy(out, all[len(all)-n:])
	return out, nil
}
