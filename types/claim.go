package types

// ClaimStatus 断言核验状态。
type ClaimStatus string

const (
	ClaimVerified     ClaimStatus = "VERIFIED"
	ClaimUnverified   ClaimStatus = "UNVERIFIED"
	ClaimContradicted ClaimStatus = "CONTRADICTED"
)

// Claim 从生成答案中拆出的原子事实断言。
type Claim struct {
	ID       string      `json:"id"`
	Text     string      `json:"text"`
	Entity   string      `json:"entity,omitempty"` // 断言涉及的候选人
	Status   ClaimStatus `json:"status"`
	Evidence string      `json:"evidence,omitempty"` // 支持/反驳该断言的证据片段 ID
}

// VerificationReport 一次答案核验的汇总。
// OverallScore = (verified - 2*contradicted) / total，范围可为负。
type VerificationReport struct {
	Claims            []Claim `json:"claims"`
	VerifiedCount     int     `json:"verified_count"`
	UnverifiedCount   int     `json:"unverified_count"`
	ContradictedCount int     `json:"contradicted_count"`
	OverallScore      float64 `json:"overall_score"`
	NeedsRegeneration bool    `json:"needs_regeneration"`
}

// ConfidenceBreakdown 置信度五因子分解，各项均在 [0,1]。
// 权重固定（见 verification 包），因子缺失时按比例再分配而非记零。
type ConfidenceBreakdown struct {
	SourceCoverage       float64 `json:"source_coverage"`
	SourceRelevance      float64 `json:"source_relevance"`
	ClaimVerification    float64 `json:"claim_verification"`
	ResponseCompleteness float64 `json:"response_completeness"`
	InternalConsistency  float64 `json:"internal_consistency"`

	// Available 标记各因子是否可用，顺序同上。
	Available [5]bool `json:"-"`

	Score float64 `json:"score"` // 加权合成，[0,1]
}
