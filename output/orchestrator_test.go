package output

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvflow/cvflow/types"
)

func inputFixture(answer string) *ModuleInput {
	mk := func(id, name string, section types.SectionType) types.RankedEvidence {
		return types.RankedEvidence{
			SearchResult: types.SearchResult{
				Chunk: types.Chunk{
					ID:      id,
					CVID:    "cv-" + id,
					Content: "content " + id,
					Metadata: types.ChunkMetadata{
						CandidateName:   name,
						SectionType:     section,
						ExperienceYears: 8,
						Seniority:       "senior",
					},
				},
				Similarity: 0.8,
			},
		}
	}
	return &ModuleInput{
		Answer: answer,
		Und:    &types.Understanding{},
		Evidence: []types.RankedEvidence{
			mk("e1", "Alice Wang", types.SectionExperience),
			mk("e2", "Bob Chen", types.SectionSkills),
			mk("e3", "Alice Wang", types.SectionSummary),
		},
		Trace: &types.ReasoningTrace{Thinking: "thought about it"},
	}
}

func TestOrchestrator_EveryStructureTypeRoutes(t *testing.T) {
	for qt, desc := range structureTable {
		got := DescriptorFor(qt)
		assert.Equal(t, desc.Type, got.Type, "%s", qt)
		for _, name := range desc.Modules {
			assert.Contains(t, moduleRegistry, name, "%s references unregistered module %s", qt, name)
		}
	}
	assert.Equal(t, types.StructureAdaptive, DescriptorFor(types.QueryType("nonsense")).Type)
}

func TestOrchestrator_RankingBuild(t *testing.T) {
	o := NewOrchestrator(nil)
	answer := "Ranked by backend depth:\n\n" +
		"1. Alice Wang — 87/100, strong golang background [C1]\n" +
		"2. Bob Chen — 74/100, solid but narrower [C2]\n\n" +
		"Alice Wang is the clear first choice."
	in := inputFixture(answer)

	out := o.Build(types.QueryTypeRanking, in)
	require.Equal(t, types.StructureRanking, out.StructureType)
	assert.Equal(t,
		[]string{ModuleThinking, ModuleRankingTable, ModuleAnalysis, ModuleConclusion, ModuleSources},
		out.ModuleOrder)

	var table struct {
		Entries []RankingEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(out.Modules[ModuleRankingTable], &table))
	require.Len(t, table.Entries, 2)
	assert.Equal(t, "Alice Wang", table.Entries[0].Candidate)
	assert.Equal(t, 87.0, table.Entries[0].Score)
	assert.Equal(t, 2, table.Entries[1].Rank)
}

// 提取不出模式的模块被整体省略，响应不因此失败。
func TestOrchestrator_OmitsModulesWithoutPattern(t *testing.T) {
	o := NewOrchestrator(nil)
	in := inputFixture("A single short paragraph naming nobody in particular.")
	in.Trace = nil

	out := o.Build(types.QueryTypeRanking, in)
	assert.NotContains(t, out.Modules, ModuleThinking)
	assert.NotContains(t, out.Modules, ModuleRankingTable)
	assert.NotContains(t, out.Modules, ModuleConclusion) // 单段无结论
	assert.Contains(t, out.Modules, ModuleAnalysis)
	assert.Contains(t, out.Modules, ModuleSources)
	assert.Equal(t, []string{ModuleAnalysis, ModuleSources}, out.ModuleOrder)
}

func TestOrchestrator_ProfileCandidateCard(t *testing.T) {
	o := NewOrchestrator(nil)
	in := inputFixture("Alice Wang profile.\n\nShe is a senior engineer.")
	in.Und = &types.Understanding{Entities: []string{"Alice Wang"}}

	out := o.Build(types.QueryTypeProfile, in)
	require.Contains(t, out.Modules, ModuleCandidate)

	var card map[string]any
	require.NoError(t, json.Unmarshal(out.Modules[ModuleCandidate], &card))
	assert.Equal(t, "Alice Wang", card["name"])
	assert.Equal(t, 8.0, card["experience_years"])
	assert.Equal(t, "senior", card["seniority"])
	// 只含 Alice 的分节，Bob 的 skills 不算
	assert.Len(t, card["sections"], 2)
}

func TestParseRankingEntries_Variants(t *testing.T) {
	cases := []struct {
		line      string
		candidate string
		score     float64
	}{
		{"1. Alice Wang — 87/100, strong", "Alice Wang", 87},
		{"2) Bob Chen - 74 分，背景扎实", "Bob Chen", 74},
		{"3. **Carol Liu** — promising generalist", "Carol Liu", 0},
		{"1. Alice Wang [C1] — 90%", "Alice Wang", 90},
	}
	for _, c := range cases {
		entries := parseRankingEntries(c.line)
		require.Len(t, entries, 1, "%q", c.line)
		assert.Equal(t, c.candidate, entries[0].Candidate, "%q", c.line)
		assert.Equal(t, c.score, entries[0].Score, "%q", c.line)
	}

	assert.Empty(t, parseRankingEntries("no ranked lines here"))
}

func TestRenderRiskTable_AttributesCandidate(t *testing.T) {
	in := inputFixture("- Alice Wang shows a pattern of job hopping\n" +
		"- Bob Chen 有一段明显的空窗期\n" +
		"- general market risk unrelated to anyone")

	raw, ok := renderRiskTable(in)
	require.True(t, ok)

	var parsed struct {
		RiskFactors []RiskEntry `json:"risk_factors"`
	}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	require.Len(t, parsed.RiskFactors, 3)
	assert.Equal(t, "Alice Wang", parsed.RiskFactors[0].Candidate)
	assert.Equal(t, "Bob Chen", parsed.RiskFactors[1].Candidate)
	assert.Empty(t, parsed.RiskFactors[2].Candidate)
}

func TestRenderMatchScore_PerCandidatePercent(t *testing.T) {
	in := inputFixture("Alice Wang: 85% match for the role.\nBob Chen: 60% match.")

	raw, ok := renderMatchScore(in)
	require.True(t, ok)

	var parsed struct {
		MatchScores map[string]float64 `json:"match_scores"`
	}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.InDelta(t, 0.85, parsed.MatchScores["Alice Wang"], 1e-9)
	assert.InDelta(t, 0.60, parsed.MatchScores["Bob Chen"], 1e-9)
}

// 搜索结果列表按候选人在答案中出现的先后排序，而非证据顺序。
func TestRenderMatchList_AnswerOrder(t *testing.T) {
	in := inputFixture("Bob Chen is the closest match, followed by Alice Wang.")

	raw, ok := renderMatchList(in)
	require.True(t, ok)

	var parsed struct {
		Matches []string `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.Equal(t, []string{"Bob Chen", "Alice Wang"}, parsed.Matches)
}

func TestRenderTeamComposition_RoleLines(t *testing.T) {
	in := inputFixture("Proposed team:\n" +
		"- Tech Lead: Alice Wang — deepest systems background\n" +
		"- Backend Engineer: Bob Chen — strong delivery record")

	raw, ok := renderTeamComposition(in)
	require.True(t, ok)

	var parsed struct {
		Team []struct {
			Role      string `json:"role"`
			Candidate string `json:"candidate"`
			Rationale string `json:"rationale"`
		} `json:"team"`
	}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	require.Len(t, parsed.Team, 2)
	assert.Equal(t, "Tech Lead", parsed.Team[0].Role)
	assert.Equal(t, "Alice Wang", parsed.Team[0].Candidate)
	assert.Equal(t, "deepest systems background", parsed.Team[0].Rationale)
}

func TestRenderVerdict_WithReport(t *testing.T) {
	in := inputFixture("The claim is not confirmed by the evidence.")
	in.Report = &types.VerificationReport{
		VerifiedCount: 1, UnverifiedCount: 2, OverallScore: 0.33,
	}

	raw, ok := renderVerdict(in)
	require.True(t, ok)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.Equal(t, "not confirmed", parsed["verdict"])
	assert.Equal(t, 2.0, parsed["unverified"])
}

func TestReferencedEntities_RankingOrderWins(t *testing.T) {
	in := inputFixture("")
	answer := "1. Bob Chen — 90/100, top pick\n2. Alice Wang — 80/100, runner up"

	assert.Equal(t, []string{"Bob Chen", "Alice Wang"}, ReferencedEntities(answer, in))
}

func TestReferencedEntities_FallsBackToMentions(t *testing.T) {
	in := inputFixture("")

	got := ReferencedEntities("Only Bob Chen fits the brief.", in)
	assert.Equal(t, []string{"Bob Chen"}, got)

	assert.Empty(t, ReferencedEntities("Nobody in the corpus matches.", in))
}
