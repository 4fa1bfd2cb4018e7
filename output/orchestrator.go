package output

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/cvflow/cvflow/types"
)

// Orchestrator 输出编排器：按查询类型查表选结构，逐模块提取并组装。
// 单个模块提取失败只意味着该节省略，响应整体永不因此失败。
type Orchestrator struct {
	logger *zap.Logger
}

// NewOrchestrator 创建输出编排器。
func NewOrchestrator(logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		logger: logger.With(zap.String("component", "output")),
	}
}

// Build 组装结构化输出。qt 查不到表项时回落到 adaptive 结构。
func (o *Orchestrator) Build(qt types.QueryType, in *ModuleInput) *types.StructuredOutput {
	desc := DescriptorFor(qt)
	out := &types.StructuredOutput{
		StructureType: desc.Type,
		Modules:       make(map[string]json.RawMessage, len(desc.Modules)),
		ModuleOrder:   make([]string, 0, len(desc.Modules)),
	}

	for _, name := range desc.Modules {
		fn, ok := moduleRegistry[name]
		if !ok {
			continue
		}
		raw, ok := fn(in)
		if !ok {
			o.logger.Debug("module omitted", zap.String("module", name))
			continue
		}
		out.Modules[name] = raw
		out.ModuleOrder = append(out.ModuleOrder, name)
	}
	return out
}

// ReferencedEntities 从结构化输出与证据中提取本轮涉及的候选人，
// 供会话历史记录，后续指代消解（"第二个"、"他们"）以此为锚。
// 排名/列表类结构按答案中的顺序返回。
func ReferencedEntities(answer string, in *ModuleInput) []string {
	if entries := parseRankingEntries(answer); len(entries) > 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Candidate)
		}
		return names
	}

	lower := strings.ToLower(answer)
	var names []string
	for _, name := range candidateNames(in) {
		if strings.Contains(lower, strings.ToLower(name)) {
			names = append(names, name)
		}
	}
	return names
}
