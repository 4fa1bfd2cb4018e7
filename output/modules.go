package output

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/cvflow/cvflow/types"
)

// ModuleInput 模块提取的统一输入：原始答案 + 管道中间产物。
type ModuleInput struct {
	Answer     string
	Und        *types.Understanding
	Evidence   []types.RankedEvidence
	Trace      *types.ReasoningTrace
	Report     *types.VerificationReport
	Confidence *types.ConfidenceBreakdown
}

// moduleFunc 单个模块：从答案与证据中提取一个切面并格式化为类型化 JSON。
// 期望的模式在答案中不存在时返回 ok=false（该节省略），绝不让整个响应失败。
type moduleFunc func(in *ModuleInput) (json.RawMessage, bool)

// moduleRegistry 模块名 → 提取函数。
var moduleRegistry = map[string]moduleFunc{
	ModuleThinking:     renderThinking,
	ModuleAnalysis:     renderAnalysis,
	ModuleConclusion:   renderConclusion,
	ModuleSources:      renderSources,
	ModuleCandidate:    renderCandidateCard,
	ModuleRankingTable: renderRankingTable,
	ModuleComparison:   renderComparisonMatrix,
	ModuleRiskTable:    renderRiskTable,
	ModuleMatchScore:   renderMatchScore,
	ModuleMatchList:    renderMatchList,
	ModuleTeam:         renderTeamComposition,
	ModuleVerdict:      renderVerdict,
	ModuleStats:        renderSummaryStats,
}

func marshalOK(v any) (json.RawMessage, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// =============================================================================
// 共享模块
// =============================================================================

func renderThinking(in *ModuleInput) (json.RawMessage, bool) {
	if in.Trace == nil || in.Trace.Thinking == "" {
		return nil, false
	}
	return marshalOK(map[string]any{
		"text":      in.Trace.Thinking,
		"reflected": in.Trace.Reflected,
	})
}

func renderAnalysis(in *ModuleInput) (json.RawMessage, bool) {
	if strings.TrimSpace(in.Answer) == "" {
		return nil, false
	}
	return marshalOK(map[string]string{"text": in.Answer})
}

// renderConclusion 取答案最后一个非空段落作为结论。
func renderConclusion(in *ModuleInput) (json.RawMessage, bool) {
	paras := strings.Split(strings.TrimSpace(in.Answer), "\n\n")
	if len(paras) < 2 {
		return nil, false
	}
	last := strings.TrimSpace(paras[len(paras)-1])
	if last == "" {
		return nil, false
	}
	return marshalOK(map[string]string{"text": last})
}

func renderSources(in *ModuleInput) (json.RawMessage, bool) {
	if len(in.Evidence) == 0 {
		return nil, false
	}
	sources := make([]types.Source, 0, len(in.Evidence))
	for _, ev := range in.Evidence {
		rel := ev.CombinedScore
		if rel == 0 {
			rel = ev.Similarity
		}
		sources = append(sources, types.Source{
			ID:        ev.Chunk.ID,
			Candidate: ev.Chunk.Metadata.CandidateName,
			Relevance: rel,
			Metadata: map[string]string{
				"cv_id":   ev.Chunk.CVID,
				"section": string(ev.Chunk.Metadata.SectionType),
			},
		})
	}
	return marshalOK(sources)
}

// =============================================================================
// 专用模块
// =============================================================================

// renderCandidateCard 单人画像卡：从证据元数据汇总结构化字段。
func renderCandidateCard(in *ModuleInput) (json.RawMessage, bool) {
	if len(in.Evidence) == 0 {
		return nil, false
	}
	name := ""
	if in.Und != nil && len(in.Und.Entities) == 1 {
		name = in.Und.Entities[0]
	} else {
		name = in.Evidence[0].Chunk.Metadata.CandidateName
	}
	if name == "" {
		return nil, false
	}

	card := map[string]any{"name": name}
	var sections []string
	for _, ev := range in.Evidence {
		m := ev.Chunk.Metadata
		if !strings.EqualFold(m.CandidateName, name) {
			continue
		}
		sections = append(sections, string(m.SectionType))
		if m.ExperienceYears > 0 {
			card["experience_years"] = m.ExperienceYears
		}
		if m.Seniority != "" {
			card["seniority"] = m.Seniority
		}
		if m.TenureScore > 0 {
			card["tenure_score"] = m.TenureScore
		}
	}
	if len(sections) == 0 {
		return nil, false
	}
	card["sections"] = sections
	return marshalOK(card)
}

// 排名行："1. Alice Wang — 87/100, strong backend depth" 等变体。
var rankLineRe = regexp.MustCompile(`(?m)^\s*(\d+)[\.\)]\s*\**([^—\-:\*]+?)\**\s*[—\-:]\s*(.*)$`)
var scoreRe = regexp.MustCompile(`(\d{1,3})\s*(?:/\s*100|分|%)`)

// RankingEntry 排名表一行。
type RankingEntry struct {
	Rank      int     `json:"rank"`
	Candidate string  `json:"candidate"`
	Score     float64 `json:"score,omitempty"`
	Rationale string  `json:"rationale,omitempty"`
}

func renderRankingTable(in *ModuleInput) (json.RawMessage, bool) {
	entries := parseRankingEntries(in.Answer)
	if len(entries) == 0 {
		return nil, false
	}
	return marshalOK(map[string]any{"entries": entries})
}

func parseRankingEntries(answer string) []RankingEntry {
	var entries []RankingEntry
	for _, m := range rankLineRe.FindAllStringSubmatch(answer, -1) {
		rank, _ := strconv.Atoi(m[1])
		entry := RankingEntry{
			Rank:      rank,
			Candidate: strings.TrimSpace(tagRe.ReplaceAllString(m[2], "")),
			Rationale: strings.TrimSpace(m[3]),
		}
		if sm := scoreRe.FindStringSubmatch(m[3]); sm != nil {
			if s, err := strconv.ParseFloat(sm[1], 64); err == nil {
				entry.Score = s
			}
		}
		if entry.Candidate != "" {
			entries = append(entries, entry)
		}
	}
	return entries
}

var tagRe = regexp.MustCompile(`\[C\d+\]`)

// renderComparisonMatrix 对比矩阵：每个候选人在答案中的相关行。
func renderComparisonMatrix(in *ModuleInput) (json.RawMessage, bool) {
	names := candidateNames(in)
	if len(names) < 2 {
		return nil, false
	}

	rows := make(map[string][]string)
	for _, line := range strings.Split(in.Answer, "\n") {
		clean := strings.TrimSpace(tagRe.ReplaceAllString(line, ""))
		if clean == "" {
			continue
		}
		lower := strings.ToLower(clean)
		for _, name := range names {
			if strings.Contains(lower, strings.ToLower(name)) {
				rows[name] = append(rows[name], clean)
			}
		}
	}
	if len(rows) < 2 {
		return nil, false
	}
	return marshalOK(map[string]any{
		"candidates": names,
		"rows":       rows,
	})
}

var riskKeywordRe = regexp.MustCompile(`(?i)(gap|job[- ]?hop|short tenure|turnover|red flag|risk|instability|跳槽|空窗|风险)`)

// RiskEntry 风险表一行。
type RiskEntry struct {
	Candidate string `json:"candidate,omitempty"`
	Factor    string `json:"factor"`
}

func renderRiskTable(in *ModuleInput) (json.RawMessage, bool) {
	names := candidateNames(in)
	var entries []RiskEntry
	for _, line := range strings.Split(in.Answer, "\n") {
		clean := strings.TrimSpace(tagRe.ReplaceAllString(line, ""))
		if clean == "" || !riskKeywordRe.MatchString(clean) {
			continue
		}
		entry := RiskEntry{Factor: strings.TrimLeft(clean, "-*• ")}
		lower := strings.ToLower(clean)
		for _, name := range names {
			if strings.Contains(lower, strings.ToLower(name)) {
				entry.Candidate = name
				break
			}
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, false
	}
	return marshalOK(map[string]any{"risk_factors": entries})
}

var percentRe = regexp.MustCompile(`(\d{1,3})\s*%`)

// renderMatchScore 职位匹配分：逐候选人提取百分比。
func renderMatchScore(in *ModuleInput) (json.RawMessage, bool) {
	names := candidateNames(in)
	scores := make(map[string]float64)
	for _, line := range strings.Split(in.Answer, "\n") {
		lower := strings.ToLower(line)
		pm := percentRe.FindStringSubmatch(line)
		if pm == nil {
			continue
		}
		pct, err := strconv.ParseFloat(pm[1], 64)
		if err != nil || pct > 100 {
			continue
		}
		for _, name := range names {
			if strings.Contains(lower, strings.ToLower(name)) {
				scores[name] = pct / 100.0
				break
			}
		}
	}
	if len(scores) == 0 {
		return nil, false
	}
	return marshalOK(map[string]any{"match_scores": scores})
}

// renderMatchList 搜索结果：答案中被点名的候选人列表（按出现顺序）。
func renderMatchList(in *ModuleInput) (json.RawMessage, bool) {
	names := candidateNames(in)
	if len(names) == 0 {
		return nil, false
	}
	lower := strings.ToLower(in.Answer)
	type match struct {
		Candidate string `json:"candidate"`
		Position  int    `json:"-"`
	}
	var matches []match
	for _, name := range names {
		if idx := strings.Index(lower, strings.ToLower(name)); idx >= 0 {
			matches = append(matches, match{Candidate: name, Position: idx})
		}
	}
	if len(matches) == 0 {
		return nil, false
	}
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Position < matches[j-1].Position; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
	names = names[:0]
	for _, m := range matches {
		names = append(names, m.Candidate)
	}
	return marshalOK(map[string]any{"matches": names})
}

var roleLineRe = regexp.MustCompile(`(?m)^\s*[-*•]?\s*([A-Za-z\p{Han}][\w /\p{Han}]{2,40}?)\s*[:：]\s*(.+)$`)

// renderTeamComposition 团队构成："角色: 人名 — 理由" 行。
func renderTeamComposition(in *ModuleInput) (json.RawMessage, bool) {
	names := candidateNames(in)
	type member struct {
		Role      string `json:"role"`
		Candidate string `json:"candidate"`
		Rationale string `json:"rationale,omitempty"`
	}
	var team []member
	for _, m := range roleLineRe.FindAllStringSubmatch(in.Answer, -1) {
		rest := strings.TrimSpace(tagRe.ReplaceAllString(m[2], ""))
		lower := strings.ToLower(rest)
		for _, name := range names {
			if strings.Contains(lower, strings.ToLower(name)) {
				rationale := ""
				if parts := strings.SplitN(rest, "—", 2); len(parts) == 2 {
					rationale = strings.TrimSpace(parts[1])
				}
				team = append(team, member{
					Role:      strings.TrimSpace(m[1]),
					Candidate: name,
					Rationale: rationale,
				})
				break
			}
		}
	}
	if len(team) == 0 {
		return nil, false
	}
	return marshalOK(map[string]any{"team": team})
}

var verdictRe = regexp.MustCompile(`(?i)\b(confirmed|not confirmed|contradicted|unconfirmed)\b|已证实|未证实|与证据矛盾`)

// renderVerdict 核验结论 + 断言统计。
func renderVerdict(in *ModuleInput) (json.RawMessage, bool) {
	m := verdictRe.FindString(in.Answer)
	if m == "" && in.Report == nil {
		return nil, false
	}
	out := map[string]any{}
	if m != "" {
		out["verdict"] = strings.ToLower(m)
	}
	if in.Report != nil {
		out["verified"] = in.Report.VerifiedCount
		out["unverified"] = in.Report.UnverifiedCount
		out["contradicted"] = in.Report.ContradictedCount
		out["overall_score"] = in.Report.OverallScore
	}
	return marshalOK(out)
}

// renderSummaryStats 语料统计。
func renderSummaryStats(in *ModuleInput) (json.RawMessage, bool) {
	if len(in.Evidence) == 0 {
		return nil, false
	}
	candidates := make(map[string]bool)
	var totalYears float64
	var withYears int
	for _, ev := range in.Evidence {
		m := ev.Chunk.Metadata
		if m.CandidateName != "" && !candidates[strings.ToLower(m.CandidateName)] {
			candidates[strings.ToLower(m.CandidateName)] = true
			if m.ExperienceYears > 0 {
				totalYears += m.ExperienceYears
				withYears++
			}
		}
	}
	stats := map[string]any{"candidate_count": len(candidates)}
	if withYears > 0 {
		stats["avg_experience_years"] = totalYears / float64(withYears)
	}
	return marshalOK(stats)
}

// candidateNames 证据中出现的候选人名（去重，保序）。
func candidateNames(in *ModuleInput) []string {
	seen := make(map[string]bool)
	var names []string
	for _, ev := range in.Evidence {
		name := ev.Chunk.Metadata.CandidateName
		if name == "" || seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		names = append(names, name)
	}
	return names
}
