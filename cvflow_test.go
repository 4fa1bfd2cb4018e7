package cvflow

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvflow/cvflow/providers"
	"github.com/cvflow/cvflow/query"
	"github.com/cvflow/cvflow/types"
)

type scriptLLM struct{}

func (scriptLLM) Generate(_ context.Context, req providers.GenerateRequest) (string, error) {
	switch {
	case strings.Contains(req.Prompt, "query classifier"):
		return `{"query_type": "profile", "entities": ["Alice Wang"],
			"reformulated": "Alice Wang profile", "is_in_domain": true}`, nil
	case strings.Contains(req.Prompt, "verifying an answer"):
		return `{"claims": [{"text": "ok", "status": "VERIFIED"}]}`, nil
	}
	return "Alice Wang is a senior backend engineer.\n\nStrong hire signal.", nil
}

func (scriptLLM) Name() string { return "script" }

type unitEmbedder struct{}

func (unitEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (unitEmbedder) Dimensions() int { return 2 }

func TestNew_RequiresCorpus(t *testing.T) {
	_, err := New(WithLLM(scriptLLM{}), WithMetricsRegistry(prometheus.NewRegistry()))
	require.Error(t, err)
}

func TestClient_AnswerEndToEnd(t *testing.T) {
	store := providers.NewMemoryVectorStore()
	store.Add(types.Chunk{
		ID:      "c1",
		Content: "Alice Wang, senior backend engineer, 9 years of golang",
		Metadata: types.ChunkMetadata{
			CandidateName: "Alice Wang",
			SectionType:   types.SectionSummary,
		},
	}, []float32{1, 0})

	client, err := New(
		WithLLM(scriptLLM{}),
		WithEmbedder(unitEmbedder{}),
		WithMemoryCorpus(store),
		WithMetricsRegistry(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	defer client.Close()

	env, err := client.Answer(context.Background(), "s1", "Tell me about Alice Wang")
	require.NoError(t, err)
	assert.False(t, env.Rejected)
	assert.Contains(t, env.Answer, "Alice Wang")
	require.NotNil(t, env.StructuredOutput)
	assert.Equal(t, types.StructureProfile, env.StructuredOutput.StructureType)
}

func TestClient_GuardrailStillFirst(t *testing.T) {
	store := providers.NewMemoryVectorStore()
	client, err := New(
		WithLLM(scriptLLM{}),
		WithEmbedder(unitEmbedder{}),
		WithMemoryCorpus(store),
		WithMetricsRegistry(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	defer client.Close()

	env, err := client.Answer(context.Background(), "s1", "tell me a joke")
	require.NoError(t, err)
	assert.True(t, env.Rejected)
	assert.Equal(t, query.DefaultRejectionMessage, env.Answer)
}
