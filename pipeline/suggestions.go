package pipeline

import (
	"fmt"

	"github.com/cvflow/cvflow/types"
)

// Suggestions 生成追问建议：按查询类型的固定模板，用证据中的
// 候选人名实例化。纯规则，零成本。
func Suggestions(und *types.Understanding, evidence []types.RankedEvidence, max int) []string {
	if max <= 0 {
		max = 3
	}

	focus := focusCandidate(und, evidence)
	var out []string

	switch und.QueryType {
	case types.QueryTypeProfile:
		if focus != "" {
			out = append(out,
				fmt.Sprintf("What are the main risk factors for %s?", focus),
				fmt.Sprintf("How does %s compare to the other candidates?", focus))
		}
	case types.QueryTypeRisk:
		if focus != "" {
			out = append(out, fmt.Sprintf("Show me the full profile of %s.", focus))
		}
		out = append(out, "Rank all candidates by stability.")
	case types.QueryTypeComparison:
		out = append(out, "Rank all candidates for this role.")
		if focus != "" {
			out = append(out, fmt.Sprintf("What are the risk factors for %s?", focus))
		}
	case types.QueryTypeRanking:
		out = append(out,
			"Compare the top two candidates in detail.",
			"What are the risk factors for the top candidate?")
	case types.QueryTypeSearch:
		out = append(out, "Rank the matching candidates by experience.")
	case types.QueryTypeJobMatch:
		out = append(out, "What requirements is the best match missing?")
	case types.QueryTypeTeamBuild:
		out = append(out, "What are the risk factors for the proposed team members?")
	case types.QueryTypeVerification:
		if focus != "" {
			out = append(out, fmt.Sprintf("Show me the full profile of %s.", focus))
		}
	case types.QueryTypeSummary:
		out = append(out, "Rank all candidates by overall strength.")
	}

	out = append(out, "Summarize all candidates in this session.")
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// focusCandidate 建议模板的锚定候选人：理解结果点名的第一个实体，
// 否则取证据首条的候选人。
func focusCandidate(und *types.Understanding, evidence []types.RankedEvidence) string {
	if len(und.Entities) > 0 {
		return und.Entities[0]
	}
	if len(evidence) > 0 {
		return evidence[0].Chunk.Metadata.CandidateName
	}
	return ""
}
