package query

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/cvflow/cvflow/types"
)

// Resolution 指代消解结果。
type Resolution struct {
	Resolved string   `json:"resolved"` // 消解后的查询文本
	Entities []string `json:"entities,omitempty"`
	Changed  bool     `json:"changed"`
}

// ContextResolver 会话指代消解：把代词（her）、序数（the second one）、
// 指示词（those three）和最高级（the top one）改写为上一轮结构化响应中
// 实际出现的候选人名。
//
// 历史是只追加日志的只读切片，解析器绝不修改它。
type ContextResolver struct {
	logger *zap.Logger
}

// NewContextResolver 创建指代消解器。
func NewContextResolver(logger *zap.Logger) *ContextResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextResolver{
		logger: logger.With(zap.String("component", "context_resolver")),
	}
}

// 序数词 → 从 1 起的名次。
var ordinalWords = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"1st": 1, "2nd": 2, "3rd": 3, "4th": 4, "5th": 5,
	"第一": 1, "第二": 2, "第三": 3, "第四": 4, "第五": 5,
}

var (
	ordinalRe       = regexp.MustCompile(`(?i)\bthe (first|second|third|fourth|fifth|1st|2nd|3rd|4th|5th)( one| candidate| person)?\b`)
	ordinalZhRe     = regexp.MustCompile(`(第[一二三四五])(个|位|名)?`)
	topOneRe        = regexp.MustCompile(`(?i)\bthe (top|best|leading) (one|candidate|person)\b`)
	lastOneRe       = regexp.MustCompile(`(?i)\bthe last (one|candidate|person)\b`)
	pronounRe       = regexp.MustCompile(`(?i)\b(he|she|him|her|his|hers|they|them|their)\b`)
	demonstrativeRe = regexp.MustCompile(`(?i)\b(those|these) (two|three|four|five|\d+)\b`)
)

var zhOrdinalDigits = map[string]int{"一": 1, "二": 2, "三": 3, "四": 4, "五": 5}

var numberWords = map[string]int{"two": 2, "three": 3, "four": 4, "five": 5}

// Resolve 对查询做指代消解。history 按时间升序。
// 无可消解引用或无历史时原样返回。
func (r *ContextResolver) Resolve(query string, history []types.ConversationTurn) *Resolution {
	entities := lastReferencedEntities(history)
	res := &Resolution{Resolved: query}
	if len(entities) == 0 {
		return res
	}

	resolved := query

	// 序数："the second one" → 上轮排名第 2 的候选人
	resolved = ordinalRe.ReplaceAllStringFunc(resolved, func(m string) string {
		sub := ordinalRe.FindStringSubmatch(m)
		idx := ordinalWords[strings.ToLower(sub[1])]
		if idx >= 1 && idx <= len(entities) {
			res.Entities = appendUnique(res.Entities, entities[idx-1])
			return entities[idx-1]
		}
		return m
	})
	resolved = ordinalZhRe.ReplaceAllStringFunc(resolved, func(m string) string {
		sub := ordinalZhRe.FindStringSubmatch(m)
		idx := zhOrdinalDigits[strings.TrimPrefix(sub[1], "第")]
		if idx >= 1 && idx <= len(entities) {
			res.Entities = appendUnique(res.Entities, entities[idx-1])
			return entities[idx-1]
		}
		return m
	})

	// 最高级："the top one" → 上轮首位
	resolved = topOneRe.ReplaceAllStringFunc(resolved, func(m string) string {
		res.Entities = appendUnique(res.Entities, entities[0])
		return entities[0]
	})
	resolved = lastOneRe.ReplaceAllStringFunc(resolved, func(m string) string {
		last := entities[len(entities)-1]
		res.Entities = appendUnique(res.Entities, last)
		return last
	})

	// 指示词："those three" → 上轮前三位的名字列举
	resolved = demonstrativeRe.ReplaceAllStringFunc(resolved, func(m string) string {
		sub := demonstrativeRe.FindStringSubmatch(m)
		n, ok := numberWords[strings.ToLower(sub[2])]
		if !ok {
			fmt.Sscanf(sub[2], "%d", &n)
		}
		if n <= 0 || n > len(entities) {
			n = len(entities)
		}
		picked := entities[:n]
		for _, e := range picked {
			res.Entities = appendUnique(res.Entities, e)
		}
		return strings.Join(picked, ", ")
	})

	// 代词：只有上文唯一聚焦一个候选人时才敢替换
	if len(res.Entities) == 0 && pronounRe.MatchString(resolved) {
		focus := singleFocus(entities)
		if focus != "" {
			resolved = pronounRe.ReplaceAllString(resolved, focus)
			res.Entities = appendUnique(res.Entities, focus)
		}
	}
	if strings.Contains(resolved, "他") || strings.Contains(resolved, "她") {
		focus := singleFocus(entities)
		if focus != "" {
			resolved = strings.NewReplacer("他们", focus, "她们", focus, "他", focus, "她", focus).Replace(resolved)
			res.Entities = appendUnique(res.Entities, focus)
		}
	}

	if resolved != query {
		res.Changed = true
		res.Resolved = resolved
		r.logger.Debug("references resolved",
			zap.String("original", query),
			zap.String("resolved", resolved),
			zap.Strings("entities", res.Entities))
	}
	return res
}

// lastReferencedEntities 取最近一轮带实体引用的助手响应。
func lastReferencedEntities(history []types.ConversationTurn) []string {
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		if t.Role == types.RoleAssistant && len(t.ReferencedEntities) > 0 {
			return t.ReferencedEntities
		}
	}
	return nil
}

// singleFocus 上轮只涉及一个候选人时返回其名字，否则返回空。
func singleFocus(entities []string) string {
	if len(entities) == 1 {
		return entities[0]
	}
	return ""
}

func appendUnique(list []string, v string) []string {
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}
