// Package generation builds the final answer prompt and invokes the
// LLM provider with low temperature for factual accuracy.
package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/cvflow/cvflow/providers"
	"github.com/cvflow/cvflow/reasoning"
	"github.com/cvflow/cvflow/types"
)

// GeneratorConfig 生成配置。
type GeneratorConfig struct {
	Temperature float64
	MaxTokens   int
	// ContextBudget 证据部分的 token 预算，超出时从低相关证据截断。
	ContextBudget int
	// TokenizerModel tiktoken 模型名，用于 token 计数。
	TokenizerModel string
	// Timeout 单次生成调用超时。
	Timeout time.Duration
}

// DefaultGeneratorConfig 返回默认配置。
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Temperature:    0.1,
		MaxTokens:      2048,
		ContextBudget:  6000,
		TokenizerModel: "gpt-4o",
		Timeout:        30 * time.Second,
	}
}

// systemPersona 系统人设：只依据证据作答的招聘分析助手。
const systemPersona = `You are a meticulous talent analyst answering questions about candidates from their CVs.
Ground every statement in the supplied evidence and cite candidates with their bracket tags (e.g. [C1]).
If the evidence does not support an answer, say so explicitly. Never invent facts.`

// 按查询类型定制的任务指令。
var taskTemplates = map[types.QueryType]string{
	types.QueryTypeProfile:      "Write a concise profile of the candidate, organized by summary, experience, skills and education. Cite the candidate tag inline.",
	types.QueryTypeRisk:         "Assess the candidate's risk factors: tenure stability, employment gaps, job-hopping and any red flags visible in the evidence. Be factual, not speculative.",
	types.QueryTypeComparison:   "Compare the mentioned candidates dimension by dimension (experience, skills, seniority). Finish with a short verdict naming the stronger fit and why.",
	types.QueryTypeSearch:       "List the candidates that match the criteria, with a one-line justification per candidate citing the evidence. If nobody matches, say so.",
	types.QueryTypeRanking:      "Rank the candidates from strongest to weakest for the stated quality. Give each a rank, a score out of 100 and a one-line rationale.",
	types.QueryTypeJobMatch:     "Evaluate each candidate against the job requirements. Give a match percentage and list matched and missing requirements per candidate.",
	types.QueryTypeTeamBuild:    "Propose a team from the candidate pool covering the requested roles. Name each member, their role and why they fit it.",
	types.QueryTypeVerification: "Verify the stated fact strictly against the evidence. Answer with confirmed / not confirmed / contradicted and quote the supporting evidence.",
	types.QueryTypeSummary:      "Summarize the candidate corpus: how many candidates, their seniority spread, dominant skills and anything notable.",
	types.QueryTypeGeneral:      "Answer the question using only the evidence. Cite candidate tags inline.",
}

// Generator 最终答案生成器。
type Generator struct {
	llm       providers.LLMProvider
	config    GeneratorConfig
	tokenizer *tiktoken.Tiktoken
	logger    *zap.Logger
}

// NewGenerator 创建生成器。tiktoken 初始化失败时退化为字符近似计数。
func NewGenerator(llm providers.LLMProvider, config GeneratorConfig, logger *zap.Logger) *Generator {
	if config.Temperature < 0 {
		config.Temperature = 0.1
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 2048
	}
	if config.ContextBudget <= 0 {
		config.ContextBudget = 6000
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.TokenizerModel == "" {
		config.TokenizerModel = "gpt-4o"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Generator{
		llm:    llm,
		config: config,
		logger: logger.With(zap.String("component", "generator")),
	}
	enc, err := tiktoken.EncodingForModel(config.TokenizerModel)
	if err != nil {
		g.logger.Warn("tiktoken init failed, falling back to char estimate", zap.Error(err))
	} else {
		g.tokenizer = enc
	}
	return g
}

// Generate 组装提示词并生成答案。
// extraInstruction 用于再生成时注入“避开这些断言”的附加指令，平时为空。
func (g *Generator) Generate(ctx context.Context, und *types.Understanding, query string, evidence []types.RankedEvidence, trace *types.ReasoningTrace, extraInstruction string) (string, error) {
	if g.llm == nil {
		return "", types.NewPipelineError(types.StageGeneration, types.ErrProviderNotSet,
			types.SeverityFatal, "generator has no LLM provider", nil)
	}

	task, ok := taskTemplates[und.QueryType]
	if !ok {
		task = taskTemplates[types.QueryTypeGeneral]
	}

	budgeted := g.trimToBudget(evidence)

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", task)
	fmt.Fprintf(&b, "Question: %s\n\n", query)
	fmt.Fprintf(&b, "Evidence:\n%s\n\n", reasoning.FormatEvidence(budgeted, 0))
	if trace != nil && trace.Thinking != "" {
		fmt.Fprintf(&b, "Your prior analysis (use it, do not repeat it verbatim):\n%s\n\n", trace.Thinking)
	}
	if extraInstruction != "" {
		fmt.Fprintf(&b, "%s\n\n", extraInstruction)
	}
	b.WriteString("Answer:")

	callCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	answer, err := g.llm.Generate(callCtx, providers.GenerateRequest{
		Prompt:       b.String(),
		SystemPrompt: systemPersona,
		Temperature:  g.config.Temperature,
		MaxTokens:    g.config.MaxTokens,
	})
	if err != nil {
		return "", types.NewPipelineError(types.StageGeneration, types.ErrGeneration,
			types.SeverityRecoverable, "answer generation failed", err)
	}
	return strings.TrimSpace(answer), nil
}

// trimToBudget 按 token 预算从尾部（低相关）截断证据列表。
func (g *Generator) trimToBudget(evidence []types.RankedEvidence) []types.RankedEvidence {
	budget := g.config.ContextBudget
	used := 0
	for i, ev := range evidence {
		n := g.countTokens(ev.Chunk.Content)
		if used+n > budget {
			g.logger.Debug("evidence trimmed to context budget",
				zap.Int("kept", i), zap.Int("dropped", len(evidence)-i))
			return evidence[:i]
		}
		used += n
	}
	return evidence
}

func (g *Generator) countTokens(text string) int {
	if g.tokenizer != nil {
		return len(g.tokenizer.Encode(text, nil, nil))
	}
	// 近似：~4 字符/Token
	return len(text) / 4
}
