package reasoning

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvflow/cvflow/providers"
	"github.com/cvflow/cvflow/types"
)

// sequenceLLM 依次返回脚本化响应。
type sequenceLLM struct {
	responses []string
	err       error
	calls     int
}

func (s *sequenceLLM) Generate(_ context.Context, _ providers.GenerateRequest) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if s.calls >= len(s.responses) {
		return "", errors.New("no more scripted responses")
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func (s *sequenceLLM) Name() string { return "sequence" }

func mkEvidence(id, candidate string) types.RankedEvidence {
	return types.RankedEvidence{
		SearchResult: types.SearchResult{
			Chunk: types.Chunk{
				ID:      id,
				Content: "evidence content " + id,
				Metadata: types.ChunkMetadata{
					CandidateName: candidate,
					SectionType:   types.SectionExperience,
				},
			},
			Similarity: 0.8,
		},
	}
}

func TestReasoner_ExtractsThinkingAndAnswer(t *testing.T) {
	llm := &sequenceLLM{responses: []string{
		"1. Objective: find the strongest Go engineer.\n" +
			"2. Inventory: Alice, Bob.\n</thinking>\n" +
			"<answer>Alice is the strongest Go engineer.</answer>",
	}}
	r := NewReasoner(llm, DefaultReasonerConfig(), nil)

	trace, err := r.Reason(context.Background(), "who is the best?", []types.RankedEvidence{mkEvidence("e1", "Alice")}, nil)
	require.NoError(t, err)
	assert.Contains(t, trace.Thinking, "Objective")
	assert.Equal(t, "Alice is the strongest Go engineer.", trace.Answer)
	assert.False(t, trace.Reflected)
}

func TestReasoner_UnclosedTagsKeepWholeResponse(t *testing.T) {
	llm := &sequenceLLM{responses: []string{"just some unstructured analysis"}}
	r := NewReasoner(llm, DefaultReasonerConfig(), nil)

	trace, err := r.Reason(context.Background(), "q", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "just some unstructured analysis", trace.Thinking)
	assert.Empty(t, trace.Answer)
}

// 模型声明证据不足时触发一次补充检索并重跑，结果带 Reflected 标记。
func TestReasoner_ReflectionFetchesMoreContext(t *testing.T) {
	llm := &sequenceLLM{responses: []string{
		"NEED MORE CONTEXT: education history for Bob\n</thinking>",
		"now with education data</thinking><answer>done</answer>",
	}}
	r := NewReasoner(llm, DefaultReasonerConfig(), nil)

	var requested string
	more := func(_ context.Context, request string) ([]types.RankedEvidence, error) {
		requested = request
		return []types.RankedEvidence{mkEvidence("extra", "Bob")}, nil
	}

	trace, err := r.Reason(context.Background(), "q", []types.RankedEvidence{mkEvidence("e1", "Bob")}, more)
	require.NoError(t, err)
	assert.Equal(t, "education history for Bob", requested)
	assert.True(t, trace.Reflected)
	assert.Equal(t, "done", trace.Answer)
	assert.Equal(t, 2, llm.calls)
}

func TestReasoner_ReflectionRetrievalFailureKeepsFirstTrace(t *testing.T) {
	llm := &sequenceLLM{responses: []string{
		"NEED MORE CONTEXT: something\n</thinking>",
	}}
	r := NewReasoner(llm, DefaultReasonerConfig(), nil)

	more := func(_ context.Context, _ string) ([]types.RankedEvidence, error) {
		return nil, errors.New("retrieval down")
	}

	trace, err := r.Reason(context.Background(), "q", nil, more)
	require.NoError(t, err)
	assert.False(t, trace.Reflected)
	assert.Contains(t, trace.Thinking, "NEED MORE CONTEXT")
}

func TestReasoner_ReflectionDisabled(t *testing.T) {
	llm := &sequenceLLM{responses: []string{
		"NEED MORE CONTEXT: something\n</thinking>",
	}}
	cfg := DefaultReasonerConfig()
	cfg.EnableReflection = false
	r := NewReasoner(llm, cfg, nil)

	called := false
	more := func(_ context.Context, _ string) ([]types.RankedEvidence, error) {
		called = true
		return nil, nil
	}

	_, err := r.Reason(context.Background(), "q", nil, more)
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, 1, llm.calls)
}

func TestReasoner_NoLLMIsError(t *testing.T) {
	r := NewReasoner(nil, DefaultReasonerConfig(), nil)

	_, err := r.Reason(context.Background(), "q", nil, nil)
	require.Error(t, err)

	var pe *types.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, types.ErrProviderNotSet, pe.Code)
}

// 同一请求内候选人标号稳定：同名复用同一标号，不同名递增。
func TestFormatEvidence_StableCandidateTags(t *testing.T) {
	evidence := []types.RankedEvidence{
		mkEvidence("e1", "Alice"),
		mkEvidence("e2", "Bob"),
		mkEvidence("e3", "Alice"),
	}

	text := FormatEvidence(evidence, 0)
	assert.Contains(t, text, "[C1] Alice")
	assert.Contains(t, text, "[C2] Bob")
	// e3 复用 Alice 的 C1
	assert.NotContains(t, text, "[C3]")
}

func TestFormatEvidence_RespectsMax(t *testing.T) {
	evidence := []types.RankedEvidence{
		mkEvidence("e1", "Alice"),
		mkEvidence("e2", "Bob"),
		mkEvidence("e3", "Carol"),
	}

	text := FormatEvidence(evidence, 2)
	assert.Contains(t, text, "e1")
	assert.Contains(t, text, "e2")
	assert.NotContains(t, text, "e3")
}

func TestMergeEvidence_DedupAndCap(t *testing.T) {
	base := []types.RankedEvidence{mkEvidence("e1", "Alice"), mkEvidence("e2", "Bob")}
	extra := []types.RankedEvidence{mkEvidence("e2", "Bob"), mkEvidence("e3", "Carol")}

	merged := mergeEvidence(base, extra, 10)
	require.Len(t, merged, 3)
	assert.Equal(t, "e1", merged[0].Chunk.ID)
	assert.Equal(t, "e3", merged[2].Chunk.ID)

	capped := mergeEvidence(base, extra, 2)
	assert.Len(t, capped, 2)
}
