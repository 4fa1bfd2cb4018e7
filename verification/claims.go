// Package verification decomposes generated answers into atomic claims,
// checks them against the evidence actually supplied to the generator,
// and computes a weighted confidence score.
package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cvflow/cvflow/providers"
	"github.com/cvflow/cvflow/reasoning"
	"github.com/cvflow/cvflow/types"
)

// VerifierConfig 断言核验配置。
type VerifierConfig struct {
	// RegenerationThreshold overall_score 低于该值时标记需要再生成。
	RegenerationThreshold float64
	// Timeout 单次 LLM 调用超时。
	Timeout time.Duration
	// MaxClaims 拆解断言数上限。
	MaxClaims int
}

// DefaultVerifierConfig 返回默认配置。
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		RegenerationThreshold: 0.7,
		Timeout:               20 * time.Second,
		MaxClaims:             15,
	}
}

// ClaimVerifier 把答案拆成原子断言，并逐条对照证据分类为
// VERIFIED / UNVERIFIED / CONTRADICTED。
//
// 核验只针对供给生成器的证据，绝不针对全量语料——答案引用了证据
// 之外的事实本身就是问题。
type ClaimVerifier struct {
	llm    providers.LLMProvider
	config VerifierConfig
	logger *zap.Logger
}

// NewClaimVerifier 创建核验器。
func NewClaimVerifier(llm providers.LLMProvider, config VerifierConfig, logger *zap.Logger) *ClaimVerifier {
	if config.RegenerationThreshold <= 0 || config.RegenerationThreshold > 1 {
		config.RegenerationThreshold = 0.7
	}
	if config.Timeout <= 0 {
		config.Timeout = 20 * time.Second
	}
	if config.MaxClaims <= 0 {
		config.MaxClaims = 15
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaimVerifier{
		llm:    llm,
		config: config,
		logger: logger.With(zap.String("component", "claim_verifier")),
	}
}

const verifyPrompt = `You are verifying an answer about CV candidates against evidence.

Evidence:
%s

Answer to verify:
%s

Extract every atomic factual claim from the answer and classify each:
- VERIFIED: the evidence directly supports it
- UNVERIFIED: the evidence neither supports nor contradicts it
- CONTRADICTED: the evidence contradicts it

Respond with JSON only:
{"claims": [{"text": "...", "entity": "candidate name or empty", "status": "VERIFIED|UNVERIFIED|CONTRADICTED", "evidence": "chunk id or empty"}]}`

// Verify 核验答案。LLM 失败时退化为启发式核验（句子级关键词重叠）。
func (v *ClaimVerifier) Verify(ctx context.Context, answer string, evidence []types.RankedEvidence) (*types.VerificationReport, error) {
	var claims []types.Claim
	var err error

	if v.llm != nil {
		claims, err = v.verifyWithLLM(ctx, answer, evidence)
		if err != nil {
			v.logger.Warn("LLM verification failed, using heuristic", zap.Error(err))
		}
	}
	if claims == nil {
		claims = v.verifyHeuristically(answer, evidence)
	}

	return v.buildReport(claims), nil
}

func (v *ClaimVerifier) verifyWithLLM(ctx context.Context, answer string, evidence []types.RankedEvidence) ([]types.Claim, error) {
	prompt := fmt.Sprintf(verifyPrompt, reasoning.FormatEvidence(evidence, 0), answer)

	callCtx, cancel := context.WithTimeout(ctx, v.config.Timeout)
	defer cancel()

	response, err := v.llm.Generate(callCtx, providers.GenerateRequest{
		Prompt:      prompt,
		Temperature: 0.0,
		MaxTokens:   1200,
	})
	if err != nil {
		return nil, err
	}

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in verification response")
	}

	var parsed struct {
		Claims []struct {
			Text     string `json:"text"`
			Entity   string `json:"entity"`
			Status   string `json:"status"`
			Evidence string `json:"evidence"`
		} `json:"claims"`
	}
	if err := json.Unmarshal([]byte(response[start:end+1]), &parsed); err != nil {
		return nil, err
	}

	claims := make([]types.Claim, 0, len(parsed.Claims))
	for _, c := range parsed.Claims {
		status := types.ClaimStatus(strings.ToUpper(strings.TrimSpace(c.Status)))
		switch status {
		case types.ClaimVerified, types.ClaimUnverified, types.ClaimContradicted:
		default:
			status = types.ClaimUnverified
		}
		claims = append(claims, types.Claim{
			ID:       uuid.NewString(),
			Text:     strings.TrimSpace(c.Text),
			Entity:   strings.TrimSpace(c.Entity),
			Status:   status,
			Evidence: strings.TrimSpace(c.Evidence),
		})
		if len(claims) >= v.config.MaxClaims {
			break
		}
	}
	return claims, nil
}

var sentenceSplitRe = regexp.MustCompile(`[.!?。！？]\s*`)
var tagRe = regexp.MustCompile(`\[C\d+\]`)

// verifyHeuristically 零成本退化路径：按句拆分，句子的关键词在证据中
// 重叠充分则记 VERIFIED，否则 UNVERIFIED。启发式无法识别矛盾。
func (v *ClaimVerifier) verifyHeuristically(answer string, evidence []types.RankedEvidence) []types.Claim {
	var corpus strings.Builder
	for _, ev := range evidence {
		corpus.WriteString(strings.ToLower(ev.Chunk.Content))
		corpus.WriteString("\n")
	}
	corpusText := corpus.String()

	var claims []types.Claim
	for _, sentence := range sentenceSplitRe.Split(answer, -1) {
		sentence = strings.TrimSpace(tagRe.ReplaceAllString(sentence, ""))
		if len(strings.Fields(sentence)) < 3 {
			continue
		}

		words := significantWords(sentence)
		if len(words) == 0 {
			continue
		}
		hits := 0
		for _, w := range words {
			if strings.Contains(corpusText, w) {
				hits++
			}
		}

		status := types.ClaimUnverified
		if float64(hits)/float64(len(words)) >= 0.5 {
			status = types.ClaimVerified
		}
		claims = append(claims, types.Claim{
			ID:     uuid.NewString(),
			Text:   sentence,
			Status: status,
		})
		if len(claims) >= v.config.MaxClaims {
			break
		}
	}
	return claims
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "has": true, "have": true, "had": true, "and": true,
	"or": true, "of": true, "in": true, "to": true, "with": true, "for": true,
	"on": true, "at": true, "by": true, "from": true, "that": true, "this": true,
	"their": true, "his": true, "her": true, "they": true, "it": true,
}

func significantWords(sentence string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(sentence)) {
		w = strings.Trim(w, ",;:()\"'")
		if len(w) > 2 && !stopWords[w] {
			out = append(out, w)
		}
	}
	return out
}

// buildReport 汇总核验报告。
// overall = (verified - 2*contradicted) / total。拆不出断言时视作
// 无可核验内容，记满分且不触发再生成。
func (v *ClaimVerifier) buildReport(claims []types.Claim) *types.VerificationReport {
	report := &types.VerificationReport{Claims: claims}
	for _, c := range claims {
		switch c.Status {
		case types.ClaimVerified:
			report.VerifiedCount++
		case types.ClaimContradicted:
			report.ContradictedCount++
		default:
			report.UnverifiedCount++
		}
	}

	total := len(claims)
	if total == 0 {
		report.OverallScore = 1.0
		return report
	}
	report.OverallScore = (float64(report.VerifiedCount) - 2.0*float64(report.ContradictedCount)) / float64(total)
	report.NeedsRegeneration = report.OverallScore < v.config.RegenerationThreshold

	v.logger.Debug("verification complete",
		zap.Int("claims", total),
		zap.Int("verified", report.VerifiedCount),
		zap.Int("contradicted", report.ContradictedCount),
		zap.Float64("overall_score", report.OverallScore),
		zap.Bool("needs_regeneration", report.NeedsRegeneration))
	return report
}
