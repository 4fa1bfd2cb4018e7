// Package pipeline wires the CVFlow stages into a single Answer call:
// guardrail → understanding → expansion → retrieval → reranking →
// reasoning → generation → verification → structured output.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cvflow/cvflow/config"
	"github.com/cvflow/cvflow/generation"
	"github.com/cvflow/cvflow/internal/cache"
	"github.com/cvflow/cvflow/internal/metrics"
	"github.com/cvflow/cvflow/output"
	"github.com/cvflow/cvflow/providers"
	"github.com/cvflow/cvflow/query"
	"github.com/cvflow/cvflow/reasoning"
	"github.com/cvflow/cvflow/resilience"
	"github.com/cvflow/cvflow/retrieval"
	"github.com/cvflow/cvflow/types"
	"github.com/cvflow/cvflow/verification"
)

// Providers 管道消费的外部提供商集合。
// LLM 与 Embedder、VectorStore、Chunks 必填；Conversations 可为 nil
// （无会话历史，指代消解自动成为空操作）。
type Providers struct {
	LLM           providers.LLMProvider
	Embedder      providers.EmbeddingProvider
	VectorStore   providers.VectorStore
	Chunks        providers.ChunkProvider
	Conversations providers.ConversationStore
}

// Deps 管道依赖。Cache/Metrics/Degradation/Logger 均可为 nil。
type Deps struct {
	Providers

	Cache       cache.Store
	Metrics     *metrics.Collector
	Degradation *resilience.DegradationRegistry
	Logger      *zap.Logger
}

// turnAppender 可选能力：会话存储支持追加轮次时，管道在请求结束后
// 记录 user/assistant 两轮（含实体引用，供下一轮指代消解）。
type turnAppender interface {
	Append(ctx context.Context, sessionID string, turn types.ConversationTurn) error
}

// Pipeline 检索增强问答管道。并发安全，可被多请求共享。
type Pipeline struct {
	config *config.Config
	logger *zap.Logger

	guardrail    *query.Guardrail
	understander *query.Understander
	resolver     *query.ContextResolver
	expander     *query.Expander
	fusion       *retrieval.FusionRetriever
	targeted     *retrieval.TargetedRetriever
	reranker     *retrieval.Reranker
	reasoner     *reasoning.Reasoner
	generator    *generation.Generator
	verifier     *verification.ClaimVerifier
	confidence   *verification.ConfidenceCalculator
	orchestrator *output.Orchestrator

	degradation *resilience.DegradationRegistry
	respCache   cache.Store
	metrics     *metrics.Collector

	chunks        providers.ChunkProvider
	conversations providers.ConversationStore
}

// New 构建管道。cfg 为 nil 时用默认配置；非法字段回填默认值。
func New(deps Deps, cfg *config.Config) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Embedder == nil || deps.VectorStore == nil || deps.Chunks == nil {
		return nil, types.NewPipelineError(types.StageRetrieval, types.ErrProviderNotSet,
			types.SeverityFatal, "embedder, vector store and chunk provider are required", nil)
	}

	degradation := deps.Degradation
	if degradation == nil {
		degradation = resilience.NewDegradationRegistry(&resilience.DegradationConfig{
			DisableAfter: cfg.Resilience.DegradeAfter,
			Cooldown:     cfg.Resilience.DegradeCooldown,
		}, logger)
	}

	understanderCfg := query.DefaultUnderstanderConfig()
	understanderCfg.FallbackModels = cfg.Generation.FallbackModels

	expanderCfg := query.DefaultExpanderConfig()
	expanderCfg.MaxVariations = cfg.Expansion.MaxVariations
	expanderCfg.EnableHyDE = cfg.Expansion.EnableHyDE

	fusionCfg := retrieval.FusionConfig{
		RRFK:          cfg.Retrieval.RRFK,
		MinSimilarity: cfg.Retrieval.MinSimilarity,
		SearchTopK:    cfg.Retrieval.SearchTopK,
		MaxCorpusK:    cfg.Retrieval.MaxCorpusK,
		Metrics:       deps.Metrics,
	}

	rerankerCfg := retrieval.DefaultRerankerConfig()
	rerankerCfg.LLMWeight = cfg.Rerank.LLMWeight
	rerankerCfg.SimWeight = cfg.Rerank.SimWeight

	reasonerCfg := reasoning.DefaultReasonerConfig()
	reasonerCfg.EnableReflection = cfg.Reasoning.EnableReflection
	reasonerCfg.MaxEvidence = cfg.Retrieval.ContextTopK

	generatorCfg := generation.GeneratorConfig{
		Temperature:    cfg.Generation.Temperature,
		MaxTokens:      cfg.Generation.MaxTokens,
		ContextBudget:  cfg.Generation.ContextBudget,
		TokenizerModel: cfg.Generation.TokenizerModel,
		Timeout:        cfg.Pipeline.StageTimeout,
	}

	verifierCfg := verification.DefaultVerifierConfig()
	verifierCfg.RegenerationThreshold = cfg.Verification.RegenerationThreshold
	verifierCfg.Timeout = cfg.Pipeline.StageTimeout

	return &Pipeline{
		config: cfg,
		logger: logger.With(zap.String("component", "pipeline")),

		guardrail:    query.NewGuardrail(logger),
		understander: query.NewUnderstander(deps.LLM, understanderCfg, logger),
		resolver:     query.NewContextResolver(logger),
		expander:     query.NewExpander(deps.LLM, expanderCfg, logger),
		fusion:       retrieval.NewFusionRetriever(deps.Embedder, deps.VectorStore, deps.Chunks, deps.Cache, fusionCfg, logger),
		targeted:     retrieval.NewTargetedRetriever(deps.Chunks, logger),
		reranker:     retrieval.NewReranker(deps.LLM, rerankerCfg, logger),
		reasoner:     reasoning.NewReasoner(deps.LLM, reasonerCfg, logger),
		generator:    generation.NewGenerator(deps.LLM, generatorCfg, logger),
		verifier:     verification.NewClaimVerifier(deps.LLM, verifierCfg, logger),
		confidence:   verification.NewConfidenceCalculator(logger),
		orchestrator: output.NewOrchestrator(logger),

		degradation: degradation,
		respCache:   deps.Cache,
		metrics:     deps.Metrics,

		chunks:        deps.Chunks,
		conversations: deps.Conversations,
	}, nil
}

// Answer 处理一次提问，返回结构化响应信封。
//
// 守门拒绝与域外查询不算错误：信封的 Rejected 置位并携带提示文案。
// 错误返回仅发生在无法产出任何答案时（检索/生成致命失败、超时）。
func (p *Pipeline) Answer(ctx context.Context, q types.Query) (*types.ResponseEnvelope, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Pipeline.TotalTimeout)
	defer cancel()

	st := newRequestState(uuid.NewString(), q)
	log := p.logger.With(
		zap.String("request_id", st.requestID),
		zap.String("session_id", q.SessionID))

	// 守门：任何付费调用（嵌入/LLM）之前的纯规则粗筛
	if env := p.admit(st); env != nil {
		return env, nil
	}

	// 响应缓存：同会话同问句直接回放
	if env := p.cachedResponse(ctx, st); env != nil {
		log.Debug("response cache hit")
		return env, nil
	}

	p.loadHistoryAndResolve(ctx, st)

	if err := p.understand(ctx, st); err != nil {
		return nil, err
	}
	if !st.und.InDomain {
		if p.metrics != nil {
			p.metrics.IncGuardrailRejection()
		}
		return p.rejectionEnvelope(st), nil
	}

	p.expand(ctx, st)

	if err := p.retrieve(ctx, st); err != nil {
		return nil, err
	}
	if len(st.evidence) == 0 {
		log.Info("no evidence above similarity threshold")
		return p.emptyEvidenceEnvelope(st), nil
	}

	p.rerank(ctx, st)
	p.reason(ctx, st)

	if err := p.generate(ctx, st); err != nil {
		return nil, err
	}

	// 剩余预算不足以核验时直接交付未核验的部分结果
	if !p.verifyAndRefine(ctx, st) {
		env := p.assemble(st)
		env.Incomplete = true
		p.finish(ctx, st, env, log)
		return env, nil
	}

	env := p.assemble(st)
	p.finish(ctx, st, env, log)
	return env, nil
}

// admit 守门判定。拒绝时返回拒绝信封，放行返回 nil。
func (p *Pipeline) admit(st *requestState) *types.ResponseEnvelope {
	t := st.startStage(types.StageGuardrail, p.metrics)
	defer t.done()

	decision := p.guardrail.Check(st.query.Text)
	if decision.Allowed {
		return nil
	}
	if p.metrics != nil {
		p.metrics.IncGuardrailRejection()
	}
	return &types.ResponseEnvelope{
		Answer:    decision.Message,
		Rejected:  true,
		RequestID: st.requestID,
		Metrics:   st.timings,
	}
}

func (p *Pipeline) responseKey(q types.Query) string {
	return cache.HashKey("resp", q.SessionID, q.Text)
}

func (p *Pipeline) cachedResponse(ctx context.Context, st *requestState) *types.ResponseEnvelope {
	if p.respCache == nil || !p.config.Cache.Enabled {
		return nil
	}
	raw, ok := p.respCache.Get(ctx, p.responseKey(st.query))
	if !ok {
		if p.metrics != nil {
			p.metrics.IncCacheMiss("response")
		}
		return nil
	}
	var env types.ResponseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}
	if p.metrics != nil {
		p.metrics.IncCacheHit("response")
	}
	env.Cached = true
	return &env
}

// loadHistoryAndResolve 读取会话历史窗口并做指代消解。
// 历史不可用时退化为无历史（首轮语义），不算错误。
func (p *Pipeline) loadHistoryAndResolve(ctx context.Context, st *requestState) {
	if p.conversations == nil {
		return
	}
	history, err := p.conversations.RecentTurns(ctx, st.query.SessionID, p.config.Pipeline.HistoryWindow)
	if err != nil {
		p.logger.Warn("conversation history unavailable", zap.Error(err))
		return
	}
	st.history = history

	res := p.resolver.Resolve(st.query.Text, history)
	if res.Changed {
		st.resolved = res.Resolved
	}
}

func (p *Pipeline) understand(ctx context.Context, st *requestState) error {
	t := st.startStage(types.StageUnderstanding, p.metrics)
	defer t.done()

	candidates, err := p.chunks.Candidates(ctx)
	if err != nil {
		p.logger.Warn("candidate listing failed", zap.Error(err))
	}

	und, err := p.understander.Understand(ctx, st.resolved, candidates)
	if err != nil {
		p.countError(types.StageUnderstanding, err)
		return err
	}
	st.und = und
	return nil
}

// expand 多查询扩展 + HyDE。整条特性可被配置或降级注册表关闭，
// 失败时退化为仅原查询，绝不阻塞请求。
func (p *Pipeline) expand(ctx context.Context, st *requestState) {
	t := st.startStage(types.StageExpansion, p.metrics)
	defer t.done()

	st.mq = &types.MultiQueryResult{Original: st.resolved, Entities: st.und.Entities}
	if !p.config.Expansion.Enabled || !p.degradation.Allowed(resilience.FeatureMultiQuery) {
		return
	}

	mq, err := p.expander.Expand(ctx, st.resolved, st.und.Entities)
	if err != nil {
		p.degradation.ReportFailure(resilience.FeatureMultiQuery)
		p.countError(types.StageExpansion, err)
		p.reportDegradationState()
		return
	}
	p.degradation.ReportSuccess(resilience.FeatureMultiQuery)
	p.reportDegradationState()

	if !p.degradation.Allowed(resilience.FeatureHyDE) {
		mq.HyDE = ""
	}
	st.mq = mq
}

// retrieve 定向或融合检索。检索失败无法补救，整个请求失败。
func (p *Pipeline) retrieve(ctx context.Context, st *requestState) error {
	t := st.startStage(types.StageRetrieval, p.metrics)
	defer t.done()

	if p.targeted.Applicable(st.und) {
		st.targeted = true
		evidence, err := p.targeted.Retrieve(ctx, st.und.Entities[0])
		if err != nil {
			p.countError(types.StageRetrieval, err)
			return err
		}
		// 定向结果为空说明实体名对不上语料，回落融合检索
		if len(evidence) > 0 {
			st.evidence = evidence
			return nil
		}
		st.targeted = false
	}

	evidence, err := p.fusion.Retrieve(ctx, st.mq, st.und.QueryType)
	if err != nil {
		p.countError(types.StageRetrieval, err)
		return err
	}
	st.evidence = evidence
	return nil
}

func (p *Pipeline) rerank(ctx context.Context, st *requestState) {
	if !p.config.Rerank.Enabled || !p.degradation.Allowed(resilience.FeatureReranking) {
		return
	}
	t := st.startStage(types.StageReranking, p.metrics)
	defer t.done()

	reranked, err := p.reranker.Rerank(ctx, st.resolved, st.evidence)
	if err != nil {
		p.degradation.ReportFailure(resilience.FeatureReranking)
		p.countError(types.StageReranking, err)
		p.reportDegradationState()
		return // 沿用融合名次
	}
	p.degradation.ReportSuccess(resilience.FeatureReranking)
	p.reportDegradationState()
	st.evidence = reranked
}

// reason Self-Ask 推理，失败时跳过推理直接生成。
func (p *Pipeline) reason(ctx context.Context, st *requestState) {
	if !p.config.Reasoning.Enabled || !p.degradation.Allowed(resilience.FeatureReasoning) {
		return
	}
	t := st.startStage(types.StageReasoning, p.metrics)
	defer t.done()

	trace, err := p.reasoner.Reason(ctx, st.resolved, p.contextEvidence(st), p.moreContext(st))
	if err != nil {
		p.degradation.ReportFailure(resilience.FeatureReasoning)
		p.countError(types.StageReasoning, err)
		p.reportDegradationState()
		return
	}
	p.degradation.ReportSuccess(resilience.FeatureReasoning)
	p.reportDegradationState()
	st.trace = trace
}

// moreContext 反思阶段的补充检索回调：把模型自述缺失的信息当作
// 一个新的搜索查询跑一次融合检索。
func (p *Pipeline) moreContext(st *requestState) reasoning.MoreContextFunc {
	return func(ctx context.Context, request string) ([]types.RankedEvidence, error) {
		mq := &types.MultiQueryResult{Original: request}
		return p.fusion.Retrieve(ctx, mq, types.QueryTypeSearch)
	}
}

func (p *Pipeline) generate(ctx context.Context, st *requestState) error {
	t := st.startStage(types.StageGeneration, p.metrics)
	defer t.done()

	answer, err := p.generator.Generate(ctx, st.und, st.resolved, p.contextEvidence(st), st.trace, "")
	if err != nil {
		p.countError(types.StageGeneration, err)
		return err
	}
	st.answer = answer
	return nil
}

// verifyAndRefine 核验答案并最多再生成一次。
// 返回 false 表示预算不足、核验被跳过（结果应标记 Incomplete）。
func (p *Pipeline) verifyAndRefine(ctx context.Context, st *requestState) bool {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < 2*time.Second {
		p.logger.Warn("skipping verification, budget exhausted")
		return false
	}

	t := st.startStage(types.StageVerification, p.metrics)
	report, err := p.verifier.Verify(ctx, st.answer, p.contextEvidence(st))
	t.done()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		p.countError(types.StageVerification, err)
		return true // 无报告也交付，置信度计算自会缺因子
	}
	st.report = report

	if !report.NeedsRegeneration {
		return true
	}

	// 再生成恰好一次：注入“避开这些断言”的附加指令后重跑生成与核验，
	// 择优保留。第二轮结果不再触发进一步再生成。
	rt := st.startStage(types.StageRefinement, p.metrics)
	defer rt.done()
	if p.metrics != nil {
		p.metrics.IncRefinement()
	}

	instruction := generation.RefineInstruction(report)
	refined, err := p.generator.Generate(ctx, st.und, st.resolved, p.contextEvidence(st), st.trace, instruction)
	if err != nil {
		p.countError(types.StageRefinement, err)
		return true
	}
	refinedReport, err := p.verifier.Verify(ctx, refined, p.contextEvidence(st))
	if err != nil || refinedReport == nil {
		return true
	}
	if refinedReport.OverallScore >= report.OverallScore {
		st.answer = refined
		st.report = refinedReport
		st.refined = true
		p.logger.Info("answer refined",
			zap.Float64("score_before", report.OverallScore),
			zap.Float64("score_after", refinedReport.OverallScore))
	}
	return true
}

// contextEvidence 进入生成上下文的证据窗口（重排后的前 ContextTopK 条）。
func (p *Pipeline) contextEvidence(st *requestState) []types.RankedEvidence {
	k := p.config.Retrieval.ContextTopK
	if k > 0 && len(st.evidence) > k {
		return st.evidence[:k]
	}
	return st.evidence
}

// assemble 组装响应信封。
func (p *Pipeline) assemble(st *requestState) *types.ResponseEnvelope {
	t := st.startStage(types.StageOutput, p.metrics)
	defer t.done()

	in := &output.ModuleInput{
		Answer:   st.answer,
		Und:      st.und,
		Evidence: p.contextEvidence(st),
		Trace:    st.trace,
		Report:   st.report,
	}
	in.Confidence = p.confidence.Compute(st.answer, st.und, in.Evidence, st.report)

	env := &types.ResponseEnvelope{
		Answer:           st.answer,
		StructuredOutput: p.orchestrator.Build(st.und.QueryType, in),
		Sources:          envelopeSources(in.Evidence),
		Confidence:       in.Confidence,
		Metrics:          st.timings,
		Suggestions:      Suggestions(st.und, in.Evidence, p.config.Pipeline.MaxSuggestions),
		RequestID:        st.requestID,
	}
	if st.trace != nil {
		env.Thinking = st.trace.Thinking
	}
	return env
}

// finish 记录会话轮次并写响应缓存。
func (p *Pipeline) finish(ctx context.Context, st *requestState, env *types.ResponseEnvelope, log *zap.Logger) {
	if appender, ok := p.conversations.(turnAppender); ok && p.conversations != nil {
		now := time.Now()
		_ = appender.Append(ctx, st.query.SessionID, types.ConversationTurn{
			Role: types.RoleUser, Content: st.query.Text, CreatedAt: now,
		})
		_ = appender.Append(ctx, st.query.SessionID, types.ConversationTurn{
			Role:    types.RoleAssistant,
			Content: env.Answer,
			ReferencedEntities: output.ReferencedEntities(env.Answer, &output.ModuleInput{
				Answer:   env.Answer,
				Und:      st.und,
				Evidence: p.contextEvidence(st),
			}),
			CreatedAt: now,
		})
	}

	// 未核验完整的响应不进缓存
	if p.respCache != nil && p.config.Cache.Enabled && !env.Incomplete {
		if raw, err := json.Marshal(env); err == nil {
			p.respCache.Set(ctx, p.responseKey(st.query), raw, p.config.Cache.TTL)
		}
	}

	conf := 0.0
	if env.Confidence != nil {
		conf = env.Confidence.Score
	}
	log.Info("request complete",
		zap.String("query_type", string(st.und.QueryType)),
		zap.Bool("targeted", st.targeted),
		zap.Bool("refined", st.refined),
		zap.Int("evidence", len(st.evidence)),
		zap.Float64("confidence", conf))
}

func (p *Pipeline) rejectionEnvelope(st *requestState) *types.ResponseEnvelope {
	return &types.ResponseEnvelope{
		Answer:    query.DefaultRejectionMessage,
		Rejected:  true,
		RequestID: st.requestID,
		Metrics:   st.timings,
	}
}

// emptyEvidenceEnvelope 语料中无达标证据时的诚实回答。
func (p *Pipeline) emptyEvidenceEnvelope(st *requestState) *types.ResponseEnvelope {
	return &types.ResponseEnvelope{
		Answer: "The session documents contain no information relevant to this question. " +
			"本会话的文档中没有与该问题相关的信息。",
		Confidence: &types.ConfidenceBreakdown{},
		Metrics:    st.timings,
		RequestID:  st.requestID,
	}
}

func envelopeSources(evidence []types.RankedEvidence) []types.Source {
	sources := make([]types.Source, 0, len(evidence))
	for _, ev := range evidence {
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
	return sources
}

func (p *Pipeline) countError(stage string, err error) {
	if p.metrics == nil {
		return
	}
	code := string(types.ErrInternal)
	var pe *types.PipelineError
	if errors.As(err, &pe) {
		code = string(pe.Code)
	}
	p.metrics.IncStageError(stage, code)
}

// reportDegradationState 把降级注册表状态同步到指标。
func (p *Pipeline) reportDegradationState() {
	if p.metrics == nil {
		return
	}
	disabled := make(map[resilience.Feature]bool)
	for _, f := range p.degradation.Disabled() {
		disabled[f] = true
	}
	for _, f := range []resilience.Feature{
		resilience.FeatureMultiQuery, resilience.FeatureHyDE,
		resilience.FeatureReranking, resilience.FeatureReasoning,
	} {
		p.metrics.SetDegraded(string(f), disabled[f])
	}
}
