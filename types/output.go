package types

import "encoding/json"

// StructureType 响应结构类型，与 QueryType 一一对应路由（general → adaptive）。
type StructureType string

const (
	StructureProfile      StructureType = "candidate_profile"
	StructureRisk         StructureType = "risk_assessment"
	StructureComparison   StructureType = "comparison"
	StructureSearch       StructureType = "search_results"
	StructureRanking      StructureType = "ranking"
	StructureJobMatch     StructureType = "job_match"
	StructureTeamBuild    StructureType = "team_build"
	StructureVerification StructureType = "verification"
	StructureSummary      StructureType = "summary"
	StructureAdaptive     StructureType = "adaptive" // 未知类型兜底
)

// StructuredOutput 按 structure_type 标签的联合体。
// Modules 为模块名到其类型化 JSON 输出的映射；模块解析失败时整体省略，
// 绝不因单个模块失败而使响应失败。
type StructuredOutput struct {
	StructureType StructureType              `json:"structure_type"`
	Modules       map[string]json.RawMessage `json:"modules"`
	// ModuleOrder 模块的展示顺序（仅含实际产出的模块）。
	ModuleOrder []string `json:"module_order,omitempty"`
}

// Source 响应引用的证据来源。
type Source struct {
	ID        string            `json:"id"`
	Candidate string            `json:"candidate"`
	Relevance float64           `json:"relevance"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// StageMetrics 各阶段耗时（毫秒）。
type StageMetrics map[string]int64

// ResponseEnvelope 返回给消费方（UI）的 JSON 信封。
type ResponseEnvelope struct {
	Answer           string               `json:"answer"`
	StructuredOutput *StructuredOutput    `json:"structured_output,omitempty"`
	Sources          []Source             `json:"sources,omitempty"`
	Confidence       *ConfidenceBreakdown `json:"confidence,omitempty"`
	Metrics          StageMetrics         `json:"metrics,omitempty"`
	Suggestions      []string             `json:"suggestions,omitempty"`
	Thinking         string               `json:"thinking,omitempty"`

	// Incomplete 为 true 表示因超时/降级返回了部分结果，
	// 未经完整核验，调用方不得当作已验证答案展示。
	Incomplete bool   `json:"incomplete,omitempty"`
	Rejected   bool   `json:"rejected,omitempty"` // 守门拒绝
	Cached     bool   `json:"cached,omitempty"`   // 响应缓存命中
	RequestID  string `json:"request_id"`
}
