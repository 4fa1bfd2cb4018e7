// Package query implements the query-side stages of the pipeline:
// guardrail admission, query understanding with graceful degradation,
// conversational reference resolution and multi-query expansion.
package query

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// GuardrailDecision 守门判定结果。
type GuardrailDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"` // 拒绝时面向用户的提示
}

// Guardrail 入场守门：纯规则、零成本的主题过滤器。
// 拒绝在任何付费调用（嵌入/LLM）之前发生，这是硬性设计约束而非优化。
//
// 匹配为中英双语关键词 + 排除模式：排除模式先于拒绝模式判定，
// 例如 "movie" 触发拒绝，但 "movie director"（职位）被排除放行。
type Guardrail struct {
	logger *zap.Logger

	offTopic   []*regexp.Regexp
	exclusions []*regexp.Regexp
	rejectMsg  string
}

// 离题模式：明显与候选人语料无关的高频话题。
var defaultOffTopicPatterns = []string{
	`(?i)\brecipe\b`, `(?i)\bcook(ing)?\b`, `(?i)\bpasta\b`,
	`(?i)\bmovie\b`, `(?i)\bfilm\b`, `(?i)\bsong\b`, `(?i)\blyrics\b`,
	`(?i)\bweather\b`, `(?i)\bforecast\b`,
	`(?i)\bstock (price|market)\b`, `(?i)\bcrypto(currency)?\b`,
	`(?i)\bfootball\b`, `(?i)\bbasketball\b`, `(?i)\bgame score\b`,
	`(?i)\btranslate\b`, `(?i)\bjoke\b`, `(?i)\bpoem\b`,
	`菜谱`, `做饭`, `食谱`, `电影`, `歌词`, `天气`, `股票`, `彩票`, `笑话`, `写诗`,
}

// 排除模式：疑似离题词出现在招聘语境时放行。
var defaultExclusionPatterns = []string{
	`(?i)\bmovie (director|producer|editor)\b`,
	`(?i)\bfilm (industry|production|studio) experience\b`,
	`(?i)\bgame (developer|designer|programmer|studio)\b`,
	`(?i)\bfootball (club|coach|analyst)\b`,
	`(?i)\btranslat(or|ion) experience\b`,
	`电影(导演|制片|剪辑)`, `游戏(开发|策划|程序)`,
}

// DefaultRejectionMessage 默认拒绝文案。
const DefaultRejectionMessage = "I can only answer questions about the candidates in this session's documents. " +
	"我只能回答与本会话候选人简历相关的问题。"

// NewGuardrail 创建守门过滤器。
func NewGuardrail(logger *zap.Logger) *Guardrail {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Guardrail{
		logger:    logger.With(zap.String("component", "guardrail")),
		rejectMsg: DefaultRejectionMessage,
	}
	for _, p := range defaultOffTopicPatterns {
		g.offTopic = append(g.offTopic, regexp.MustCompile(p))
	}
	for _, p := range defaultExclusionPatterns {
		g.exclusions = append(g.exclusions, regexp.MustCompile(p))
	}
	return g
}

// Check 判定查询是否放行。无任何信号时默认放行：
// 守门是廉价粗筛，宁可放过不可错杀（误杀的代价是整条管道不可用）。
func (g *Guardrail) Check(query string) *GuardrailDecision {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return &GuardrailDecision{
			Allowed: false,
			Reason:  "empty query",
			Message: g.rejectMsg,
		}
	}

	// 排除模式优先：招聘语境下的疑似离题词放行
	for _, ex := range g.exclusions {
		if ex.MatchString(trimmed) {
			return &GuardrailDecision{Allowed: true}
		}
	}

	for _, re := range g.offTopic {
		if re.MatchString(trimmed) {
			g.logger.Info("query rejected by guardrail",
				zap.String("pattern", re.String()))
			return &GuardrailDecision{
				Allowed: false,
				Reason:  "off-topic: " + re.String(),
				Message: g.rejectMsg,
			}
		}
	}

	return &GuardrailDecision{Allowed: true}
}
