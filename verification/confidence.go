package verification

import (
	"strings"

	"go.uber.org/zap"

	"github.com/cvflow/cvflow/types"
)

// 五因子固定权重。因子缺失时按比例再分配给其余因子，而不是记零。
var confidenceWeights = [5]float64{
	0.15, // source coverage
	0.15, // source relevance
	0.40, // claim verification
	0.15, // response completeness
	0.15, // internal consistency
}

// ConfidenceCalculator 置信度计算器。
//
// 置信度（对断言的信任）与匹配分（与查询的相关性）是两个独立的数：
// 这里只算前者，RankedEvidence.CombinedScore 承载后者，二者不混用。
type ConfidenceCalculator struct {
	logger *zap.Logger
}

// NewConfidenceCalculator 创建置信度计算器。
func NewConfidenceCalculator(logger *zap.Logger) *ConfidenceCalculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfidenceCalculator{
		logger: logger.With(zap.String("component", "confidence")),
	}
}

// Compute 计算五因子置信度分解。所有因子与合成分均收敛到 [0,1]。
func (c *ConfidenceCalculator) Compute(
	answer string,
	und *types.Understanding,
	evidence []types.RankedEvidence,
	report *types.VerificationReport,
) *types.ConfidenceBreakdown {
	bd := &types.ConfidenceBreakdown{}

	// 因子 1：来源覆盖 —— 答案涉及的候选人是否都有证据背书
	bd.SourceCoverage, bd.Available[0] = sourceCoverage(answer, evidence)

	// 因子 2：来源相关性 —— 证据与查询的平均相关度
	bd.SourceRelevance, bd.Available[1] = sourceRelevance(evidence)

	// 因子 3：断言核验 —— 核验通过的断言占比
	bd.ClaimVerification, bd.Available[2] = claimVerification(report)

	// 因子 4：响应完整性 —— 答案是否覆盖了提取出的要求
	bd.ResponseCompleteness, bd.Available[3] = completeness(answer, und)

	// 因子 5：内部一致性 —— 无矛盾断言的占比
	bd.InternalConsistency, bd.Available[4] = consistency(report)

	bd.Score = c.combine(bd)
	return bd
}

// combine 加权合成，缺失因子的权重按比例摊给可用因子。
func (c *ConfidenceCalculator) combine(bd *types.ConfidenceBreakdown) float64 {
	values := [5]float64{
		bd.SourceCoverage, bd.SourceRelevance, bd.ClaimVerification,
		bd.ResponseCompleteness, bd.InternalConsistency,
	}

	var availableWeight float64
	for i, ok := range bd.Available {
		if ok {
			availableWeight += confidenceWeights[i]
		}
	}
	if availableWeight == 0 {
		return 0
	}

	var score float64
	for i, ok := range bd.Available {
		if ok {
			score += values[i] * (confidenceWeights[i] / availableWeight)
		}
	}
	return clamp01(score)
}

// sourceCoverage 证据中候选人在答案里被引用的比例。
func sourceCoverage(answer string, evidence []types.RankedEvidence) (float64, bool) {
	if len(evidence) == 0 {
		return 0, false
	}
	lower := strings.ToLower(answer)
	candidates := make(map[string]bool)
	cited := 0
	for _, ev := range evidence {
		name := ev.Chunk.Metadata.CandidateName
		if name == "" || candidates[strings.ToLower(name)] {
			continue
		}
		candidates[strings.ToLower(name)] = true
		if strings.Contains(lower, strings.ToLower(name)) {
			cited++
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	return clamp01(float64(cited) / float64(len(candidates))), true
}

// sourceRelevance 证据平均相关度：有重排分用重排分，否则用相似度。
func sourceRelevance(evidence []types.RankedEvidence) (float64, bool) {
	if len(evidence) == 0 {
		return 0, false
	}
	var sum float64
	for _, ev := range evidence {
		if ev.CombinedScore > 0 {
			sum += ev.CombinedScore
		} else {
			sum += ev.Similarity
		}
	}
	return clamp01(sum / float64(len(evidence))), true
}

// claimVerification 核验通过占比。矛盾断言不加分，由一致性因子惩罚。
func claimVerification(report *types.VerificationReport) (float64, bool) {
	if report == nil || len(report.Claims) == 0 {
		return 0, false
	}
	return clamp01(float64(report.VerifiedCount) / float64(len(report.Claims))), true
}

// completeness 答案对已提取要求的覆盖度；无要求时以长度作粗略信号。
func completeness(answer string, und *types.Understanding) (float64, bool) {
	if und == nil {
		return 0, false
	}
	if len(und.Requirements) == 0 {
		if len(strings.Fields(answer)) < 5 {
			return 0.3, true
		}
		return 0.8, true
	}
	lower := strings.ToLower(answer)
	covered := 0
	for _, req := range und.Requirements {
		if strings.Contains(lower, strings.ToLower(req)) {
			covered++
		}
	}
	return clamp01(float64(covered) / float64(len(und.Requirements))), true
}

// consistency 无矛盾断言占比。
func consistency(report *types.VerificationReport) (float64, bool) {
	if report == nil || len(report.Claims) == 0 {
		return 0, false
	}
	return clamp01(1.0 - float64(report.ContradictedCount)/float64(len(report.Claims))), true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
