package verification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cvflow/cvflow/types"
)

func fullEvidence() []types.RankedEvidence {
	mk := func(name string, sim float64) types.RankedEvidence {
		return types.RankedEvidence{
			SearchResult: types.SearchResult{
				Chunk: types.Chunk{
					Content:  "content",
					Metadata: types.ChunkMetadata{CandidateName: name},
				},
				Similarity: sim,
			},
		}
	}
	return []types.RankedEvidence{
		mk("Alice Wang", 0.8),
		mk("Bob Chen", 0.6),
	}
}

func fullReport() *types.VerificationReport {
	return &types.VerificationReport{
		Claims: []types.Claim{
			{Status: types.ClaimVerified},
			{Status: types.ClaimVerified},
			{Status: types.ClaimVerified},
			{Status: types.ClaimUnverified},
		},
		VerifiedCount:   3,
		UnverifiedCount: 1,
		OverallScore:    0.75,
	}
}

func TestConfidence_AllFactorsAvailable(t *testing.T) {
	c := NewConfidenceCalculator(nil)
	und := &types.Understanding{Requirements: []string{"golang", "kubernetes"}}

	answer := "Alice Wang leads with golang and kubernetes experience. Bob Chen is a close second."
	bd := c.Compute(answer, und, fullEvidence(), fullReport())

	for i, ok := range bd.Available {
		assert.True(t, ok, "factor %d should be available", i)
	}
	assert.Equal(t, 1.0, bd.SourceCoverage)              // 两位候选人都被引用
	assert.InDelta(t, 0.7, bd.SourceRelevance, 1e-9)     // (0.8+0.6)/2
	assert.InDelta(t, 0.75, bd.ClaimVerification, 1e-9)  // 3/4
	assert.Equal(t, 1.0, bd.ResponseCompleteness)        // 两个要求都覆盖
	assert.Equal(t, 1.0, bd.InternalConsistency)         // 无矛盾

	want := 0.15*1.0 + 0.15*0.7 + 0.40*0.75 + 0.15*1.0 + 0.15*1.0
	assert.InDelta(t, want, bd.Score, 1e-9)
}

// 核验缺失时其 0.40 权重按比例摊给其余因子，权重和保持 1。
func TestConfidence_MissingFactorRedistributesWeight(t *testing.T) {
	c := NewConfidenceCalculator(nil)
	und := &types.Understanding{}

	bd := c.Compute("Alice Wang and Bob Chen both look strong here.", und, fullEvidence(), nil)

	assert.False(t, bd.Available[2], "claim verification unavailable")
	assert.False(t, bd.Available[4], "consistency unavailable")

	// 剩余权重 0.15*3 = 0.45
	want := (0.15*bd.SourceCoverage + 0.15*bd.SourceRelevance + 0.15*bd.ResponseCompleteness) / 0.45
	assert.InDelta(t, want, bd.Score, 1e-9)
}

func TestConfidence_NoSignalsIsZero(t *testing.T) {
	c := NewConfidenceCalculator(nil)

	bd := c.Compute("answer", nil, nil, nil)
	assert.Zero(t, bd.Score)
	for _, ok := range bd.Available {
		assert.False(t, ok)
	}
}

func TestConfidence_ContradictionsHitConsistency(t *testing.T) {
	c := NewConfidenceCalculator(nil)
	report := &types.VerificationReport{
		Claims: []types.Claim{
			{Status: types.ClaimVerified},
			{Status: types.ClaimContradicted},
		},
		VerifiedCount:     1,
		ContradictedCount: 1,
	}

	bd := c.Compute("Alice Wang is fine.", &types.Understanding{}, fullEvidence(), report)
	assert.InDelta(t, 0.5, bd.ClaimVerification, 1e-9)
	assert.InDelta(t, 0.5, bd.InternalConsistency, 1e-9)
}

func TestConfidence_ShortAnswerWithoutRequirements(t *testing.T) {
	c := NewConfidenceCalculator(nil)

	bd := c.Compute("Yes.", &types.Understanding{}, fullEvidence(), nil)
	require.True(t, bd.Available[3])
	assert.InDelta(t, 0.3, bd.ResponseCompleteness, 1e-9)
}

func TestConfidence_CombinedScoreBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		c := NewConfidenceCalculator(nil)

		n := rapid.IntRange(0, 8).Draw(rt, "evidence")
		var evidence []types.RankedEvidence
		for i := 0; i < n; i++ {
			evidence = append(evidence, types.RankedEvidence{
				SearchResult: types.SearchResult{
					Chunk: types.Chunk{
						Metadata: types.ChunkMetadata{
							CandidateName: rapid.SampledFrom([]string{"Alice Wang", "Bob Chen", "Carol Liu", ""}).Draw(rt, "name"),
						},
					},
					Similarity: rapid.Float64Range(0, 1).Draw(rt, "sim"),
				},
			})
		}

		var report *types.VerificationReport
		if rapid.Bool().Draw(rt, "has_report") {
			report = &types.VerificationReport{}
			for i, total := 0, rapid.IntRange(0, 6).Draw(rt, "claims"); i < total; i++ {
				status := rapid.SampledFrom([]types.ClaimStatus{
					types.ClaimVerified, types.ClaimUnverified, types.ClaimContradicted,
				}).Draw(rt, "status")
				report.Claims = append(report.Claims, types.Claim{Status: status})
				switch status {
				case types.ClaimVerified:
					report.VerifiedCount++
				case types.ClaimContradicted:
					report.ContradictedCount++
				default:
					report.UnverifiedCount++
				}
			}
		}

		answer := rapid.SampledFrom([]string{
			"Alice Wang has strong golang experience.",
			"No candidate matches.",
			"",
		}).Draw(rt, "answer")

		bd := c.Compute(answer, &types.Understanding{}, evidence, report)
		assert.GreaterOrEqual(rt, bd.Score, 0.0)
		assert.LessOrEqual(rt, bd.Score, 1.0)
		for i, v := range [5]float64{
			bd.SourceCoverage, bd.SourceRelevance, bd.ClaimVerification,
			bd.ResponseCompleteness, bd.InternalConsistency,
		} {
			assert.GreaterOrEqual(rt, v, 0.0, "factor %d", i)
			assert.LessOrEqual(rt, v, 1.0, "factor %d", i)
		}
	})
}
