package pipeline

import (
	"time"

	"github.com/cvflow/cvflow/internal/metrics"
	"github.com/cvflow/cvflow/types"
)

// requestState 单次请求的阶段累积器。随阶段推进逐字段填充，
// 任何阶段失败时已填充的字段仍可用于组装部分响应。
type requestState struct {
	requestID string
	query     types.Query
	resolved  string // 指代消解后的查询文本

	history  []types.ConversationTurn
	und      *types.Understanding
	mq       *types.MultiQueryResult
	evidence []types.RankedEvidence
	trace    *types.ReasoningTrace
	answer   string
	report   *types.VerificationReport
	refined  bool

	targeted bool // 定向检索模式

	timings types.StageMetrics
}

func newRequestState(requestID string, q types.Query) *requestState {
	return &requestState{
		requestID: requestID,
		query:     q,
		resolved:  q.Text,
		timings:   make(types.StageMetrics),
	}
}

// stageTimer 计时一个阶段，落到请求级 timings 与进程级指标。
type stageTimer struct {
	stage   string
	started time.Time
	state   *requestState
	metrics *metrics.Collector
}

func (s *requestState) startStage(stage string, m *metrics.Collector) *stageTimer {
	return &stageTimer{stage: stage, started: time.Now(), state: s, metrics: m}
}

func (t *stageTimer) done() {
	d := time.Since(t.started)
	t.state.timings[t.stage] = d.Milliseconds()
	if t.metrics != nil {
		t.metrics.ObserveStage(t.stage, d)
	}
}
