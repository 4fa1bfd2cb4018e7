// Package output converts free-text model output into one of several
// typed response structures, each assembled from reusable modules.
package output

import (
	"github.com/cvflow/cvflow/types"
)

// 模块名常量。共享模块 + 专用模块。
const (
	ModuleThinking     = "thinking"
	ModuleAnalysis     = "analysis"
	ModuleConclusion   = "conclusion"
	ModuleSources      = "sources"
	ModuleCandidate    = "candidate_card"
	ModuleRankingTable = "ranking_table"
	ModuleComparison   = "comparison_matrix"
	ModuleRiskTable    = "risk_table"
	ModuleMatchScore   = "match_score"
	ModuleMatchList    = "match_list"
	ModuleTeam         = "team_composition"
	ModuleVerdict      = "verification_verdict"
	ModuleStats        = "summary_stats"
)

// StructureDescriptor 结构描述符：固定有序的模块列表。
type StructureDescriptor struct {
	Type    types.StructureType
	Modules []string
}

// structureTable query_type → Structure 的静态查找表。
// 显式表驱动而非开放式分支，保证 9 路路由可枚举、可校验。
var structureTable = map[types.QueryType]StructureDescriptor{
	types.QueryTypeProfile: {
		Type:    types.StructureProfile,
		Modules: []string{ModuleThinking, ModuleCandidate, ModuleAnalysis, ModuleConclusion, ModuleSources},
	},
	types.QueryTypeRisk: {
		Type:    types.StructureRisk,
		Modules: []string{ModuleThinking, ModuleRiskTable, ModuleAnalysis, ModuleConclusion, ModuleSources},
	},
	types.QueryTypeComparison: {
		Type:    types.StructureComparison,
		Modules: []string{ModuleThinking, ModuleComparison, ModuleAnalysis, ModuleConclusion, ModuleSources},
	},
	types.QueryTypeSearch: {
		Type:    types.StructureSearch,
		Modules: []string{ModuleThinking, ModuleMatchList, ModuleAnalysis, ModuleConclusion, ModuleSources},
	},
	types.QueryTypeRanking: {
		Type:    types.StructureRanking,
		Modules: []string{ModuleThinking, ModuleRankingTable, ModuleAnalysis, ModuleConclusion, ModuleSources},
	},
	types.QueryTypeJobMatch: {
		Type:    types.StructureJobMatch,
		Modules: []string{ModuleThinking, ModuleMatchScore, ModuleAnalysis, ModuleConclusion, ModuleSources},
	},
	types.QueryTypeTeamBuild: {
		Type:    types.StructureTeamBuild,
		Modules: []string{ModuleThinking, ModuleTeam, ModuleAnalysis, ModuleConclusion, ModuleSources},
	},
	types.QueryTypeVerification: {
		Type:    types.StructureVerification,
		Modules: []string{ModuleThinking, ModuleVerdict, ModuleAnalysis, ModuleSources},
	},
	types.QueryTypeSummary: {
		Type:    types.StructureSummary,
		Modules: []string{ModuleThinking, ModuleStats, ModuleAnalysis, ModuleConclusion},
	},
}

// adaptiveDescriptor 未知/歧义类型的通用兜底结构。
var adaptiveDescriptor = StructureDescriptor{
	Type:    types.StructureAdaptive,
	Modules: []string{ModuleThinking, ModuleAnalysis, ModuleConclusion, ModuleSources},
}

// DescriptorFor 返回查询类型对应的结构描述符；未知类型走 adaptive。
func DescriptorFor(qt types.QueryType) StructureDescriptor {
	if d, ok := structureTable[qt]; ok {
		return d
	}
	return adaptiveDescriptor
}
