package query

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

// ExpanderConfig 多查询扩展配置。
type ExpanderConfig struct {
	// MaxVariations 生成的改写变体数（3-5）。
	MaxVariations int
	// EnableHyDE 是否生成假设性理想答案文档。
	EnableHyDE bool
	// Timeout 单次 LLM 调用超时。
	Timeout time.Duration
}

// DefaultExpanderConfig 返回默认配置。
func DefaultExpanderConfig() ExpanderConfig {
	return ExpanderConfig{
		MaxVariations: 3,
		EnableHyDE:    true,
		Timeout:       12 * time.Second,
	}
}

// Expander 多查询扩展器：生成改写变体与 HyDE 文档。
// 该特性可独立开关；失败或超时时优雅退化为仅用原查询，绝不让管道失败。
type Expander struct {
	llm    providers.LLMProvider
	config ExpanderConfig
	logger *zap.Logger
}

// NewExpander 创建扩展器。
func NewExpander(llm providers.LLMProvider, config ExpanderConfig, logger *zap.Logger) *Expander {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxVariations < 3 || config.MaxVariations > 5 {
		config.MaxVariations = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 12 * time.Second
	}
	return &Expander{
		llm:    llm,
		config: config,
		logger: logger.With(zap.String("component", "expander")),
	}
}

var numberedLineRe = regexp.MustCompile(`^\d+[\.\)]\s*`)

// Expand 生成查询变体与可选的 HyDE 文档。
// 返回的 MultiQueryResult 永远可用：最差情况下只含原查询。
// err 非 nil 表示扩展本身失败（供降级注册表计数），不代表不可继续。
func (e *Expander) Expand(ctx context.Context, query string, entities []string) (*types.MultiQueryResult, error) {
	result := &types.MultiQueryResult{
		Original: query,
		Entities: entities,
	}
	if e.llm == nil {
		return result, nil
	}

	variations, err := e.paraphrase(ctx, query)
	if err != nil {
		e.logger.Warn("query expansion failed, using original only", zap.Error(err))
		return result, err
	}
	result.Variations = variations

	if e.config.EnableHyDE {
		hyde, hydeErr := e.generateHyDE(ctx, query)
		if hydeErr != nil {
			// HyDE 失败不影响已有变体
			e.logger.Warn("HyDE generation failed", zap.Error(hydeErr))
		} else {
			result.HyDE = hyde
		}
	}

	e.logger.Debug("query expanded",
		zap.Int("variations", len(result.Variations)),
		zap.Bool("hyde", result.HyDE != ""))
	return result, nil
}

// paraphrase 生成改写变体。
func (e *Expander) paraphrase(ctx context.Context, query string) ([]string, error) {
	prompt := fmt.Sprintf(`Generate %d alternative phrasings of the following question about candidates in a CV corpus.
Each alternative should capture a different aspect or wording of the same information need.
Return only the queries, one per line.

Original query: %s

Alternative queries:`, e.config.MaxVariations, query)

	callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	response, err := e.llm.Generate(callCtx, providers.GenerateRequest{
		Prompt:      prompt,
		Temperature: 0.7,
		MaxTokens:   300,
	})
	if err != nil {
		return nil, err
	}

	var variations []string
	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		line = numberedLineRe.ReplaceAllString(strings.TrimSpace(line), "")
		if line != "" && !strings.EqualFold(line, query) {
			variations = append(variations, line)
		}
		if len(variations) >= e.config.MaxVariations {
			break
		}
	}
	return variations, nil
}

// generateHyDE 生成能完美回答该查询的假设性文档片段，
// 用其嵌入参与检索以提升语义匹配。
func (e *Expander) generateHyDE(ctx context.Context, query string) (string, error) {
	prompt := fmt.Sprintf(`Write a short hypothetical excerpt from a candidate's CV that would perfectly answer the following question.
Write it as factual resume content, not as an answer to the question.

Question: %s

Hypothetical CV excerpt:`, query)

	callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	response, err := e.llm.Generate(callCtx, providers.GenerateRequest{
		Prompt:      prompt,
		Temperature: 0.5,
		MaxTokens:   250,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(response), nil
}
