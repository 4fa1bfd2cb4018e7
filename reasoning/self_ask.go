// Package reasoning produces explicit chain-of-thought traces that
// ground answer generation, following the Self-Ask pattern.
package reasoning

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cvflow/cvflow/providers"
	"github.com/cvflow/cvflow/types"
)

// MoreContextFunc 反思阶段请求补充证据的回调。
// request 是模型自述还缺什么信息。
type MoreContextFunc func(ctx context.Context, request string) ([]types.RankedEvidence, error)

// ReasonerConfig 推理器配置。
type ReasonerConfig struct {
	// EnableReflection 证据不足时允许一次自反思补充检索。
	EnableReflection bool
	// Timeout 单次推理调用超时。
	Timeout time.Duration
	// MaxEvidence 注入提示词的证据条数上限。
	MaxEvidence int
}

// DefaultReasonerConfig 返回默认配置。
func DefaultReasonerConfig() ReasonerConfig {
	return ReasonerConfig{
		EnableReflection: true,
		Timeout:          25 * time.Second,
		MaxEvidence:      12,
	}
}

// Reasoner Self-Ask 推理器：在生成最终答案前产出显式推理轨迹
// （重述目标 → 清点候选人 → 逐人取证 → 对比评分）。
// 该特性可独立禁用。
type Reasoner struct {
	llm    providers.LLMProvider
	config ReasonerConfig
	logger *zap.Logger
}

// NewReasoner 创建推理器。
func NewReasoner(llm providers.LLMProvider, config ReasonerConfig, logger *zap.Logger) *Reasoner {
	if config.Timeout <= 0 {
		config.Timeout = 25 * time.Second
	}
	if config.MaxEvidence <= 0 {
		config.MaxEvidence = 12
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reasoner{
		llm:    llm,
		config: config,
		logger: logger.With(zap.String("component", "reasoner")),
	}
}

const selfAskTemplate = `You are analyzing candidate CVs to answer a question.
Think step by step inside <thinking> tags, then give a short preliminary answer inside <answer> tags.

Follow this structure in your thinking:
1. Objective: restate what the question is really asking.
2. Inventory: list the candidates that appear in the evidence.
3. Evidence: for each relevant candidate, note the facts from the evidence that bear on the question. Ask yourself follow-up questions where needed and answer them from the evidence only.
4. Comparison: weigh the candidates against the objective.

If the evidence is insufficient to answer, write a line starting with
"NEED MORE CONTEXT:" inside the thinking block describing what is missing.
Never invent facts that are not in the evidence.

Question: %s

Evidence:
%s

<thinking>`

var (
	thinkingRe    = regexp.MustCompile(`(?s)(.*?)</thinking>`)
	answerRe      = regexp.MustCompile(`(?s)<answer>(.*?)</answer>`)
	needContextRe = regexp.MustCompile(`(?m)^NEED MORE CONTEXT:\s*(.+)$`)
)

// Reason 产出推理轨迹。moreContext 可为 nil（禁用反思补充检索）。
// 失败时返回错误，调用方据此跳过推理而非让管道失败。
func (r *Reasoner) Reason(ctx context.Context, query string, evidence []types.RankedEvidence, moreContext MoreContextFunc) (*types.ReasoningTrace, error) {
	if r.llm == nil {
		return nil, types.NewPipelineError(types.StageReasoning, types.ErrProviderNotSet,
			types.SeverityRecoverable, "reasoner has no LLM provider", nil)
	}

	trace, err := r.runOnce(ctx, query, evidence)
	if err != nil {
		return nil, err
	}

	// 自反思：模型声明证据不足且允许反思时，补充检索后重跑一次
	if r.config.EnableReflection && moreContext != nil {
		if m := needContextRe.FindStringSubmatch(trace.Thinking); m != nil {
			request := strings.TrimSpace(m[1])
			r.logger.Info("reasoner requested more context", zap.String("request", request))

			extra, fetchErr := moreContext(ctx, request)
			if fetchErr != nil {
				r.logger.Warn("reflection retrieval failed", zap.Error(fetchErr))
				return trace, nil
			}
			combined := mergeEvidence(evidence, extra, r.config.MaxEvidence)
			reflected, reErr := r.runOnce(ctx, query, combined)
			if reErr != nil {
				return trace, nil
			}
			reflected.Reflected = true
			return reflected, nil
		}
	}
	return trace, nil
}

func (r *Reasoner) runOnce(ctx context.Context, query string, evidence []types.RankedEvidence) (*types.ReasoningTrace, error) {
	prompt := fmt.Sprintf(selfAskTemplate, query, FormatEvidence(evidence, r.config.MaxEvidence))

	callCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	response, err := r.llm.Generate(callCtx, providers.GenerateRequest{
		Prompt:      prompt,
		Temperature: 0.2,
		MaxTokens:   1200,
	})
	if err != nil {
		return nil, types.NewPipelineError(types.StageReasoning, types.ErrGeneration,
			types.SeverityRecoverable, "reasoning call failed", err)
	}

	trace := &types.ReasoningTrace{}
	if m := thinkingRe.FindStringSubmatch(response); m != nil {
		trace.Thinking = strings.TrimSpace(m[1])
	} else {
		// 模型没闭合标签时整段当作思考内容
		trace.Thinking = strings.TrimSpace(response)
	}
	if m := answerRe.FindStringSubmatch(response); m != nil {
		trace.Answer = strings.TrimSpace(m[1])
	}
	return trace, nil
}

// FormatEvidence 把证据格式化为带稳定候选人标号的文本块。
// 标号（[C1] 等）在同一请求内稳定，供生成与核验阶段引用。
func FormatEvidence(evidence []types.RankedEvidence, max int) string {
	if max > 0 && len(evidence) > max {
		evidence = evidence[:max]
	}

	tags := make(map[string]string)
	next := 1
	var b strings.Builder
	for _, ev := range evidence {
		name := ev.Chunk.Metadata.CandidateName
		tag, ok := tags[name]
		if !ok {
			tag = fmt.Sprintf("C%d", next)
			tags[name] = tag
			next++
		}
		fmt.Fprintf(&b, "[%s] %s — %s (chunk %s):\n%s\n\n",
			tag, name, ev.Chunk.Metadata.SectionType, ev.Chunk.ID, ev.Chunk.Content)
	}
	return strings.TrimSpace(b.String())
}

// mergeEvidence 合并补充证据，按片段 ID 去重，保序截断。
func mergeEvidence(base, extra []types.RankedEvidence, max int) []types.RankedEvidence {
	seen := make(map[string]bool, len(base))
	out := make([]types.RankedEvidence, 0, len(base)+len(extra))
	for _, ev := range base {
		seen[ev.Chunk.ID] = true
		out = append(out, ev)
	}
	for _, ev := range extra {
		if !seen[ev.Chunk.ID] {
			seen[ev.Chunk.ID] = true
			out = append(out, ev)
		}
	}
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}
