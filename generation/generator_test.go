package generation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvflow/cvflow/providers"
	"github.com/cvflow/cvflow/types"
)

// capturingLLM 记录最后一次请求的 LLM。
type capturingLLM struct {
	response string
	err      error
	lastReq  providers.GenerateRequest
}

func (c *capturingLLM) Generate(_ context.Context, req providers.GenerateRequest) (string, error) {
	c.lastReq = req
	if c.err != nil {
		return "", c.err
	}
	return c.response, nil
}

func (c *capturingLLM) Name() string { return "capturing" }

func genEvidence(ids ...string) []types.RankedEvidence {
	var out []types.RankedEvidence
	for _, id := range ids {
		out = append(out, types.RankedEvidence{
			SearchResult: types.SearchResult{
				Chunk: types.Chunk{
					ID:      id,
					Content: "some factual CV content for " + id,
					Metadata: types.ChunkMetadata{
						CandidateName: "Alice Wang",
						SectionType:   types.SectionExperience,
					},
				},
				Similarity: 0.8,
			},
		})
	}
	return out
}

func TestGenerator_TaskTemplateRouting(t *testing.T) {
	llm := &capturingLLM{response: "the answer"}
	g := NewGenerator(llm, DefaultGeneratorConfig(), nil)

	und := &types.Understanding{QueryType: types.QueryTypeRanking}
	_, err := g.Generate(context.Background(), und, "rank them", genEvidence("e1"), nil, "")
	require.NoError(t, err)

	assert.Contains(t, llm.lastReq.Prompt, "Rank the candidates")
	assert.Contains(t, llm.lastReq.Prompt, "score out of 100")
	assert.Contains(t, llm.lastReq.SystemPrompt, "talent analyst")
	assert.InDelta(t, 0.1, llm.lastReq.Temperature, 1e-9)
}

func TestGenerator_UnknownTypeUsesGeneralTemplate(t *testing.T) {
	llm := &capturingLLM{response: "ok"}
	g := NewGenerator(llm, DefaultGeneratorConfig(), nil)

	und := &types.Understanding{QueryType: types.QueryType("unknown")}
	_, err := g.Generate(context.Background(), und, "q", genEvidence("e1"), nil, "")
	require.NoError(t, err)
	assert.Contains(t, llm.lastReq.Prompt, taskTemplates[types.QueryTypeGeneral])
}

func TestGenerator_EveryQueryTypeHasTemplate(t *testing.T) {
	for _, qt := range types.AllQueryTypes() {
		assert.NotEmpty(t, taskTemplates[qt], "missing template for %s", qt)
	}
	assert.NotEmpty(t, taskTemplates[types.QueryTypeGeneral])
}

func TestGenerator_InjectsReasoningTrace(t *testing.T) {
	llm := &capturingLLM{response: "ok"}
	g := NewGenerator(llm, DefaultGeneratorConfig(), nil)

	und := &types.Understanding{QueryType: types.QueryTypeProfile}
	trace := &types.ReasoningTrace{Thinking: "step by step analysis here"}
	_, err := g.Generate(context.Background(), und, "q", genEvidence("e1"), trace, "")
	require.NoError(t, err)
	assert.Contains(t, llm.lastReq.Prompt, "step by step analysis here")
}

func TestGenerator_InjectsRefinementInstruction(t *testing.T) {
	llm := &capturingLLM{response: "ok"}
	g := NewGenerator(llm, DefaultGeneratorConfig(), nil)

	und := &types.Understanding{QueryType: types.QueryTypeProfile}
	_, err := g.Generate(context.Background(), und, "q", genEvidence("e1"), nil,
		"IMPORTANT: avoid claim X")
	require.NoError(t, err)
	assert.Contains(t, llm.lastReq.Prompt, "IMPORTANT: avoid claim X")
}

// 证据按 token 预算从尾部截断：低相关证据先被丢弃。
func TestGenerator_TrimsEvidenceToBudget(t *testing.T) {
	llm := &capturingLLM{response: "ok"}
	cfg := DefaultGeneratorConfig()
	cfg.ContextBudget = 20
	g := NewGenerator(llm, cfg, nil)

	evidence := genEvidence("first", "second", "third", "fourth")
	und := &types.Understanding{QueryType: types.QueryTypeProfile}
	_, err := g.Generate(context.Background(), und, "q", evidence, nil, "")
	require.NoError(t, err)

	assert.Contains(t, llm.lastReq.Prompt, "first")
	assert.NotContains(t, llm.lastReq.Prompt, "fourth")
}

func TestGenerator_NoLLMIsFatal(t *testing.T) {
	g := NewGenerator(nil, DefaultGeneratorConfig(), nil)

	und := &types.Understanding{QueryType: types.QueryTypeProfile}
	_, err := g.Generate(context.Background(), und, "q", nil, nil, "")
	require.Error(t, err)
	assert.True(t, types.IsFatal(err))
}

func TestGenerator_ProviderErrorIsRecoverable(t *testing.T) {
	llm := &capturingLLM{err: errors.New("upstream 500")}
	g := NewGenerator(llm, DefaultGeneratorConfig(), nil)

	und := &types.Understanding{QueryType: types.QueryTypeProfile}
	_, err := g.Generate(context.Background(), und, "q", genEvidence("e1"), nil, "")
	require.Error(t, err)
	assert.False(t, types.IsFatal(err))
}

func TestRefineInstruction_ListsFailedClaims(t *testing.T) {
	report := &types.VerificationReport{
		Claims: []types.Claim{
			{Text: "Alice has 20 years of experience", Status: types.ClaimContradicted},
			{Text: "Alice invented Kubernetes", Status: types.ClaimUnverified},
			{Text: "Alice knows Go", Status: types.ClaimVerified},
		},
	}

	instr := RefineInstruction(report)
	assert.Contains(t, instr, "Alice has 20 years of experience")
	assert.Contains(t, instr, "Alice invented Kubernetes")
	assert.NotContains(t, instr, "Alice knows Go")
	assert.Contains(t, instr, "CONTRADICTED")
}

func TestRefineInstruction_EmptyWhenAllVerified(t *testing.T) {
	report := &types.VerificationReport{
		Claims: []types.Claim{{Text: "fine", Status: types.ClaimVerified}},
	}
	assert.Empty(t, RefineInstruction(report))
	assert.Empty(t, RefineInstruction(nil))
}

func TestCountTokens_FallbackEstimate(t *testing.T) {
	g := &Generator{config: GeneratorConfig{}}
	n := g.countTokens(strings.Repeat("a", 40))
	assert.Equal(t, 10, n)
}
