package types

import "time"

// QueryType 查询类型，决定检索策略与输出结构的路由。
type QueryType string

const (
	QueryTypeProfile      QueryType = "profile"         // 单个候选人画像
	QueryTypeRisk         QueryType = "risk_assessment" // 风险评估（稳定性、跳槽等）
	QueryTypeComparison   QueryType = "comparison"      // 多候选人对比
	QueryTypeSearch       QueryType = "search"          // 按条件搜索候选人
	QueryTypeRanking      QueryType = "ranking"         // 全量排名
	QueryTypeJobMatch     QueryType = "job_match"       // 职位匹配
	QueryTypeTeamBuild    QueryType = "team_build"      // 团队组建
	QueryTypeVerification QueryType = "verification"    // 事实核验
	QueryTypeSummary      QueryType = "summary"         // 语料摘要
	QueryTypeGeneral      QueryType = "general"         // 未知/兜底
)

// AllQueryTypes 返回全部已知查询类型（不含 general 兜底）。
func AllQueryTypes() []QueryType {
	return []QueryType{
		QueryTypeProfile, QueryTypeRisk, QueryTypeComparison,
		QueryTypeSearch, QueryTypeRanking, QueryTypeJobMatch,
		QueryTypeTeamBuild, QueryTypeVerification, QueryTypeSummary,
	}
}

// IsRankingStyle 判断该类型是否为“排名式”意图：
// 需要覆盖整个会话语料并按候选人去重。
func (qt QueryType) IsRankingStyle() bool {
	switch qt {
	case QueryTypeRanking, QueryTypeComparison, QueryTypeTeamBuild, QueryTypeJobMatch:
		return true
	default:
		return false
	}
}

// Query 一次用户提问。接收后不可变。
type Query struct {
	Text      string    `json:"text"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Role 会话角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn 会话历史中的一轮。由会话存储拥有，管道只读。
// ReferencedEntities 记录该轮结构化响应中出现的候选人（按展示顺序），
// 供 ContextResolver 解析序数引用（“第二个”）。
type ConversationTurn struct {
	Role               Role      `json:"role"`
	Content            string    `json:"content"`
	ReferencedEntities []string  `json:"referenced_entities,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Understanding 查询理解结果，每次请求创建一次。
type Understanding struct {
	QueryType    QueryType `json:"query_type"`
	Entities     []string  `json:"entities,omitempty"`    // 查询中提到的候选人名
	Requirements []string  `json:"requirements,omitempty"` // 提取的技能/条件要求
	Reformulated string    `json:"reformulated"`           // 面向检索重写后的查询
	InDomain     bool      `json:"is_in_domain"`
	Confidence   float64   `json:"confidence"`
	Source       string    `json:"source"` // llm / fallback_model / heuristic
}

// MultiQueryResult 查询扩展结果，仅供 FusionRetriever 消费。
type MultiQueryResult struct {
	Original   string   `json:"original"`
	Variations []string `json:"variations"`
	HyDE       string   `json:"hyde_document,omitempty"`
	Entities   []string `json:"entities,omitempty"`
}

// AllQueries 返回原查询、全部变体与 HyDE 文档（若有）的展平列表。
func (m *MultiQueryResult) AllQueries() []string {
	out := make([]string, 0, len(m.Variations)+2)
	out = append(out, m.Original)
	out = append(out, m.Variations...)
	if m.HyDE != "" {
		out = append(out, m.HyDE)
	}
	return out
}
