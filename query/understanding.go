package query

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cvflow/cvflow/providers"
	"github.com/cvflow/cvflow/resilience"
	"github.com/cvflow/cvflow/types"
)

// UnderstanderConfig 查询理解配置。
type UnderstanderConfig struct {
	// Timeout 单次 LLM 分类调用超时。
	Timeout time.Duration
	// FallbackModels 第二级降级使用的低成本模型链。
	FallbackModels []string
	// Retry 第一级降级的退避策略（仅限限速错误）。
	Retry *resilience.RetryPolicy
}

// DefaultUnderstanderConfig 返回默认配置。
func DefaultUnderstanderConfig() UnderstanderConfig {
	return UnderstanderConfig{
		Timeout: 10 * time.Second,
		Retry: &resilience.RetryPolicy{
			MaxRetries:   2,
			InitialDelay: 400 * time.Millisecond,
			MaxDelay:     3 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
			Retryable:    types.IsRateLimit,
		},
	}
}

// Understander 查询理解：分类查询类型、抽取实体与要求、重写查询。
//
// LLM 失败时经过三级降级链，保证管道永远拿得到 query_type：
//  1. 限速错误下的有界指数退避重试；
//  2. 依次替换指定的低成本模型；
//  3. 纯启发式关键词分类器——零成本且永不失败。
type Understander struct {
	llm     providers.LLMProvider
	config  UnderstanderConfig
	retryer *resilience.Retryer
	logger  *zap.Logger
}

// NewUnderstander 创建查询理解器。llm 可为 nil，此时直接走启发式。
func NewUnderstander(llm providers.LLMProvider, config UnderstanderConfig, logger *zap.Logger) *Understander {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Retry == nil {
		config.Retry = DefaultUnderstanderConfig().Retry
	}
	config.Retry.Retryable = types.IsRateLimit
	return &Understander{
		llm:     llm,
		config:  config,
		retryer: resilience.NewRetryer(config.Retry, logger),
		logger:  logger.With(zap.String("component", "understander")),
	}
}

const classifyPrompt = `You are a query classifier for a CV/candidate question answering system.
Classify the query into exactly one type:
- profile: questions about one specific candidate
- risk_assessment: stability, job-hopping, red-flag questions
- comparison: comparing two or more candidates
- search: finding candidates matching criteria
- ranking: ordering all candidates by some quality
- job_match: matching candidates against a job description
- team_build: assembling a team from the candidate pool
- verification: checking whether a specific fact is true
- summary: summarizing the corpus or a document
- general: anything else about the candidates

Known candidates: %CANDIDATES%

Query: %QUERY%

Respond with JSON only:
{"query_type": "...", "entities": ["candidate names mentioned"], "requirements": ["skills or criteria mentioned"], "reformulated": "query rewritten for retrieval", "is_in_domain": true}`

// Understand 返回查询理解结果。永不返回 nil Understanding；
// 唯一的错误来源是 context 取消。
func (u *Understander) Understand(ctx context.Context, query string, candidates []string) (*types.Understanding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 第一级：主模型 + 限速退避重试
	if u.llm != nil {
		und, err := u.classifyWithModel(ctx, query, candidates, "")
		if err == nil {
			und.Source = "llm"
			return und, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		u.logger.Warn("primary classification failed", zap.Error(err))

		// 第二级：低成本模型链
		for _, model := range u.config.FallbackModels {
			und, err = u.classifyWithModel(ctx, query, candidates, model)
			if err == nil {
				und.Source = "fallback_model"
				u.logger.Info("classified by fallback model", zap.String("model", model))
				return und, nil
			}
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
		}
	}

	// 第三级：启发式分类，永不失败
	und := u.heuristicClassify(query, candidates)
	und.Source = "heuristic"
	u.logger.Info("classified heuristically",
		zap.String("query_type", string(und.QueryType)))
	return und, nil
}

func (u *Understander) classifyWithModel(ctx context.Context, query string, candidates []string, model string) (*types.Understanding, error) {
	prompt := strings.NewReplacer(
		"%CANDIDATES%", strings.Join(candidates, ", "),
		"%QUERY%", query,
	).Replace(classifyPrompt)

	var raw string
	err := u.retryer.Do(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, u.config.Timeout)
		defer cancel()
		out, genErr := u.llm.Generate(callCtx, providers.GenerateRequest{
			Prompt:      prompt,
			Temperature: 0.0,
			MaxTokens:   400,
			Model:       model,
		})
		if genErr != nil {
			return genErr
		}
		raw = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return parseUnderstanding(raw, query, candidates)
}

// parseUnderstanding 宽松解析 LLM 返回的 JSON（截取首个对象字面量）。
func parseUnderstanding(raw, query string, candidates []string) (*types.Understanding, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object in classification response")
	}

	var parsed struct {
		QueryType    string   `json:"query_type"`
		Entities     []string `json:"entities"`
		Requirements []string `json:"requirements"`
		Reformulated string   `json:"reformulated"`
		InDomain     *bool    `json:"is_in_domain"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return nil, err
	}

	qt := types.QueryType(parsed.QueryType)
	if !knownQueryType(qt) {
		qt = types.QueryTypeGeneral
	}
	und := &types.Understanding{
		QueryType:    qt,
		Entities:     matchCandidates(parsed.Entities, candidates),
		Requirements: parsed.Requirements,
		Reformulated: strings.TrimSpace(parsed.Reformulated),
		InDomain:     parsed.InDomain == nil || *parsed.InDomain,
		Confidence:   0.9,
	}
	if und.Reformulated == "" {
		und.Reformulated = query
	}
	return und, nil
}

func knownQueryType(qt types.QueryType) bool {
	for _, t := range types.AllQueryTypes() {
		if t == qt {
			return true
		}
	}
	return qt == types.QueryTypeGeneral
}

// matchCandidates 把 LLM 报出的实体名对齐到已知候选人名（大小写无关）。
func matchCandidates(entities, candidates []string) []string {
	var out []string
	for _, e := range entities {
		for _, c := range candidates {
			if strings.EqualFold(strings.TrimSpace(e), c) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// 启发式类型关键词，中英双语。顺序即优先级。
var heuristicPatterns = []struct {
	qt       types.QueryType
	keywords []string
}{
	{types.QueryTypeComparison, []string{"compare", " versus ", " vs ", " vs.", "difference between", "对比", "比较", "谁更"}},
	{types.QueryTypeRanking, []string{"rank", "top ", "best candidates", "order by", "strongest", "排名", "排序", "最强", "前几"}},
	{types.QueryTypeRisk, []string{"risk", "job-hop", "job hop", "stability", "red flag", "stay long", "风险", "跳槽", "稳定性"}},
	{types.QueryTypeJobMatch, []string{"fit for", "match the role", "match this job", "suitable for", "job description", "职位", "岗位", "匹配这个"}},
	{types.QueryTypeTeamBuild, []string{"build a team", "assemble", "team of", "组建团队", "搭建团队", "团队"}},
	{types.QueryTypeVerification, []string{"is it true", "verify", "confirm", "did he", "did she", "really", "核实", "属实", "是真的吗"}},
	{types.QueryTypeSummary, []string{"summarize", "summary", "overview of all", "总结", "概述", "概览"}},
	{types.QueryTypeSearch, []string{"who has", "who knows", "find ", "which candidate", "anyone with", "谁有", "谁会", "查找", "搜索", "有没有人"}},
}

// heuristicClassify 纯关键词分类器：第三级降级，零成本、永不失败。
func (u *Understander) heuristicClassify(query string, candidates []string) *types.Understanding {
	lower := strings.ToLower(query)
	entities := candidatesInText(query, candidates)

	und := &types.Understanding{
		QueryType:    types.QueryTypeGeneral,
		Entities:     entities,
		Reformulated: query,
		InDomain:     true,
		Confidence:   0.4,
	}

	for _, p := range heuristicPatterns {
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) {
				und.QueryType = p.qt
				und.Confidence = 0.6
				return und
			}
		}
	}

	// 只点名了一个候选人且无其他信号 → 画像
	if len(entities) == 1 {
		und.QueryType = types.QueryTypeProfile
		und.Confidence = 0.6
	} else if len(entities) >= 2 {
		und.QueryType = types.QueryTypeComparison
		und.Confidence = 0.5
	}
	return und
}

// candidatesInText 返回文本中出现的已知候选人名。
func candidatesInText(text string, candidates []string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, c := range candidates {
		if c != "" && strings.Contains(lower, strings.ToLower(c)) {
			out = append(out, c)
		}
	}
	return out
}
