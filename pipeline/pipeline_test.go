package pipeline

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvflow/cvflow/config"
	"github.com/cvflow/cvflow/internal/cache"
	"github.com/cvflow/cvflow/providers"
	"github.com/cvflow/cvflow/query"
	"github.com/cvflow/cvflow/types"
)

// routeLLM 按提示词特征路由到各阶段的脚本化响应，并统计调用次数。
type routeLLM struct {
	classifyResp  string
	generateResps []string
	verifyResps   []string

	classifyCalls atomic.Int32
	generateCalls atomic.Int32
	verifyCalls   atomic.Int32
	totalCalls    atomic.Int32
}

func (r *routeLLM) Generate(_ context.Context, req providers.GenerateRequest) (string, error) {
	r.totalCalls.Add(1)
	switch {
	case strings.Contains(req.Prompt, "query classifier"):
		r.classifyCalls.Add(1)
		return r.classifyResp, nil
	case strings.Contains(req.Prompt, "verifying an answer"):
		n := int(r.verifyCalls.Add(1))
		return r.verifyResps[(n-1)%len(r.verifyResps)], nil
	case strings.Contains(req.SystemPrompt, "talent analyst"):
		n := int(r.generateCalls.Add(1))
		return r.generateResps[(n-1)%len(r.generateResps)], nil
	}
	return "", nil
}

func (r *routeLLM) Name() string { return "route" }

// countingEmbedder 恒定方向的嵌入器，统计付费调用次数。
type countingEmbedder struct {
	calls atomic.Int32
}

func (e *countingEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	e.calls.Add(1)
	return []float32{1, 0}, nil
}

func (e *countingEmbedder) Dimensions() int { return 2 }

const rankingClassify = `{"query_type": "ranking", "entities": [],
	"requirements": ["golang"], "reformulated": "rank candidates by golang experience",
	"is_in_domain": true}`

const allVerified = `{"claims": [{"text": "ok", "status": "VERIFIED"}]}`

func seedCorpus(vec []float32) *providers.MemoryVectorStore {
	store := providers.NewMemoryVectorStore()
	mk := func(id, name string, section types.SectionType) types.Chunk {
		return types.Chunk{
			ID:      id,
			CVID:    "cv-" + id,
			Content: "golang backend experience for " + name,
			Metadata: types.ChunkMetadata{
				CandidateName: name,
				SectionType:   section,
			},
		}
	}
	store.Add(mk("a1", "Alice Wang", types.SectionExperience), vec)
	store.Add(mk("a2", "Alice Wang", types.SectionSkills), vec)
	store.Add(mk("b1", "Bob Chen", types.SectionExperience), vec)
	return store
}

// leanConfig 关掉扩展/重排/推理，让脚本化 LLM 只需覆盖分类、生成与核验。
func leanConfig() *config.Config {
	cfg := config.Default()
	cfg.Expansion.Enabled = false
	cfg.Rerank.Enabled = false
	cfg.Reasoning.Enabled = false
	cfg.Cache.Enabled = false
	return cfg
}

func newTestPipeline(t *testing.T, llm *routeLLM, cfg *config.Config, store cache.Store) (*Pipeline, *countingEmbedder, *providers.MemoryConversationStore) {
	t.Helper()
	embedder := &countingEmbedder{}
	corpus := seedCorpus([]float32{1, 0})
	conversations := providers.NewMemoryConversationStore()

	p, err := New(Deps{
		Providers: Providers{
			LLM:           llm,
			Embedder:      embedder,
			VectorStore:   corpus,
			Chunks:        corpus,
			Conversations: conversations,
		},
		Cache: store,
	}, cfg)
	require.NoError(t, err)
	return p, embedder, conversations
}

// 守门拒绝必须发生在任何付费调用之前：零嵌入、零 LLM 调用。
func TestPipeline_GuardrailRejectsBeforePaidCalls(t *testing.T) {
	llm := &routeLLM{}
	p, embedder, _ := newTestPipeline(t, llm, leanConfig(), nil)

	env, err := p.Answer(context.Background(), types.Query{
		SessionID: "s1",
		Text:      "What will the weather be tomorrow?",
	})
	require.NoError(t, err)
	assert.True(t, env.Rejected)
	assert.Equal(t, query.DefaultRejectionMessage, env.Answer)
	assert.Zero(t, embedder.calls.Load())
	assert.Zero(t, llm.totalCalls.Load())
}

func TestPipeline_HappyPathRanking(t *testing.T) {
	llm := &routeLLM{
		classifyResp: rankingClassify,
		generateResps: []string{
			"1. Alice Wang — 90/100, deeper golang work [C1]\n" +
				"2. Bob Chen — 75/100, solid delivery [C2]\n\n" +
				"Alice Wang is the stronger pick.",
		},
		verifyResps: []string{allVerified},
	}
	p, _, conversations := newTestPipeline(t, llm, leanConfig(), nil)

	env, err := p.Answer(context.Background(), types.Query{
		SessionID: "s1",
		Text:      "Rank the candidates by golang experience",
	})
	require.NoError(t, err)

	assert.False(t, env.Rejected)
	assert.False(t, env.Incomplete)
	assert.NotEmpty(t, env.RequestID)
	assert.Contains(t, env.Answer, "Alice Wang")

	require.NotNil(t, env.StructuredOutput)
	assert.Equal(t, types.StructureRanking, env.StructuredOutput.StructureType)
	assert.Contains(t, env.StructuredOutput.Modules, "ranking_table")

	assert.NotEmpty(t, env.Sources)
	require.NotNil(t, env.Confidence)
	assert.Greater(t, env.Confidence.Score, 0.0)
	assert.NotEmpty(t, env.Suggestions)
	assert.LessOrEqual(t, len(env.Suggestions), 3)

	// 会话记录 user/assistant 两轮，实体按排名顺序供下一轮指代消解
	turns, err := conversations.RecentTurns(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, types.RoleUser, turns[0].Role)
	assert.Equal(t, []string{"Alice Wang", "Bob Chen"}, turns[1].ReferencedEntities)
}

func TestPipeline_ResponseCacheReplay(t *testing.T) {
	llm := &routeLLM{
		classifyResp:  rankingClassify,
		generateResps: []string{"Alice Wang leads.\n\nShe is the pick."},
		verifyResps:   []string{allVerified},
	}
	cfg := leanConfig()
	cfg.Cache.Enabled = true
	p, _, _ := newTestPipeline(t, llm, cfg, cache.NewMemoryStore(64))

	q := types.Query{SessionID: "s1", Text: "Rank the candidates by golang experience"}

	first, err := p.Answer(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	callsAfterFirst := llm.totalCalls.Load()

	second, err := p.Answer(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, callsAfterFirst, llm.totalCalls.Load(), "replay must not hit the LLM")
}

func TestPipeline_OutOfDomainRejected(t *testing.T) {
	llm := &routeLLM{
		classifyResp: `{"query_type": "general", "is_in_domain": false, "reformulated": "q"}`,
	}
	p, _, _ := newTestPipeline(t, llm, leanConfig(), nil)

	env, err := p.Answer(context.Background(), types.Query{SessionID: "s1", Text: "tell me about yourself"})
	require.NoError(t, err)
	assert.True(t, env.Rejected)
	assert.Equal(t, query.DefaultRejectionMessage, env.Answer)
	assert.Zero(t, llm.generateCalls.Load())
}

// 无达标证据时诚实承认，不把请求交给生成器编造。
func TestPipeline_EmptyEvidenceHonestAnswer(t *testing.T) {
	llm := &routeLLM{classifyResp: rankingClassify}
	embedder := &countingEmbedder{}
	corpus := seedCorpus([]float32{0, 1}) // 与查询向量正交，相似度 0

	p, err := New(Deps{
		Providers: Providers{
			LLM:         llm,
			Embedder:    embedder,
			VectorStore: corpus,
			Chunks:      corpus,
		},
	}, leanConfig())
	require.NoError(t, err)

	env, err := p.Answer(context.Background(), types.Query{SessionID: "s1", Text: "Rank the candidates"})
	require.NoError(t, err)
	assert.False(t, env.Rejected)
	assert.Contains(t, env.Answer, "no information")
	assert.Zero(t, llm.generateCalls.Load())
}

// 核验不过关时恰好再生成一次：第二轮结果不再触发进一步再生成。
func TestPipeline_AtMostOneRefinement(t *testing.T) {
	lowScore := `{"claims": [
		{"text": "made up fact", "status": "CONTRADICTED"},
		{"text": "another guess", "status": "UNVERIFIED"}
	]}`
	llm := &routeLLM{
		classifyResp: rankingClassify,
		generateResps: []string{
			"1. Alice Wang — fabricated rationale\n\nShaky conclusion.",
			"1. Alice Wang — grounded rationale [C1]\n\nSolid conclusion.",
		},
		verifyResps: []string{lowScore, allVerified},
	}
	p, _, _ := newTestPipeline(t, llm, leanConfig(), nil)

	env, err := p.Answer(context.Background(), types.Query{
		SessionID: "s1",
		Text:      "Rank the candidates by golang experience",
	})
	require.NoError(t, err)

	assert.Equal(t, int32(2), llm.generateCalls.Load(), "exactly one regeneration")
	assert.Equal(t, int32(2), llm.verifyCalls.Load())
	assert.Contains(t, env.Answer, "grounded rationale")
}

// 再生成没把分数救回来时保留第一版答案。
func TestPipeline_RefinementKeptOnlyIfNotWorse(t *testing.T) {
	lowScore := `{"claims": [
		{"text": "good claim", "status": "VERIFIED"},
		{"text": "bad claim", "status": "CONTRADICTED"}
	]}`
	worseScore := `{"claims": [
		{"text": "worse one", "status": "CONTRADICTED"},
		{"text": "worse two", "status": "CONTRADICTED"}
	]}`
	llm := &routeLLM{
		classifyResp: rankingClassify,
		generateResps: []string{
			"original answer about Alice Wang.\n\nConclusion.",
			"regenerated answer about Alice Wang.\n\nConclusion.",
		},
		verifyResps: []string{lowScore, worseScore},
	}
	p, _, _ := newTestPipeline(t, llm, leanConfig(), nil)

	env, err := p.Answer(context.Background(), types.Query{
		SessionID: "s1",
		Text:      "Rank the candidates by golang experience",
	})
	require.NoError(t, err)
	assert.Contains(t, env.Answer, "original answer")
}

func TestPipeline_RequiresCoreProviders(t *testing.T) {
	_, err := New(Deps{Providers: Providers{LLM: &routeLLM{}}}, nil)
	require.Error(t, err)
	assert.True(t, types.IsFatal(err))
}
