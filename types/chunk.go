package types

// SectionType 简历分节类型。
type SectionType string

const (
	SectionSummary    SectionType = "summary"
	SectionExperience SectionType = "experience"
	SectionSkills     SectionType = "skills"
	SectionEducation  SectionType = "education"
	SectionProjects   SectionType = "projects"
	SectionLanguages  SectionType = "languages"
	SectionOther      SectionType = "other"
)

// SectionPriority 定向检索时的固定分节排序（数字越小越靠前）。
func SectionPriority(s SectionType) int {
	switch s {
	case SectionSummary:
		return 0
	case SectionExperience:
		return 1
	case SectionSkills:
		return 2
	case SectionProjects:
		return 3
	case SectionEducation:
		return 4
	case SectionLanguages:
		return 5
	default:
		return 6
	}
}

// ChunkMetadata 由摄取子系统在切块时富化的元数据。
type ChunkMetadata struct {
	CandidateName   string      `json:"candidate_name"`
	SectionType     SectionType `json:"section_type"`
	ExperienceYears float64     `json:"experience_years,omitempty"`
	Seniority       string      `json:"seniority,omitempty"`
	TenureScore     float64     `json:"tenure_score,omitempty"` // 任期稳定性 0-1，低为频繁跳槽
	Extra           map[string]string `json:"extra,omitempty"`
}

// Chunk 已解析文档的一个片段。由摄取子系统拥有，管道视角下不可变。
type Chunk struct {
	ID       string        `json:"id"`
	CVID     string        `json:"cv_id"`
	Content  string        `json:"content"`
	Metadata ChunkMetadata `json:"metadata"`
}

// SearchResult 单次向量检索命中。临时对象，由 FusionRetriever 产出。
type SearchResult struct {
	Chunk      Chunk   `json:"chunk"`
	Similarity float64 `json:"similarity"`
	Rank       int     `json:"rank"` // 在所属查询变体结果中的名次（从 1 起）
}

// RankedEvidence 融合重排后的证据条目。
type RankedEvidence struct {
	SearchResult
	RRFScore      float64 `json:"rrf_score"`      // 倒数排名融合得分
	RelevanceLLM  float64 `json:"relevance_llm"`  // LLM 相关性打分（归一化 0-1）
	CombinedScore float64 `json:"combined_score"` // llm*0.7 + similarity*0.3
	VariantHits   int     `json:"variant_hits"`   // 命中该文档的查询变体数
}

// ReasoningTrace Self-Ask 推理轨迹，注入生成提示词并可随响应返回。
type ReasoningTrace struct {
	Thinking string `json:"thinking"`
	Answer   string `json:"answer,omitempty"`
	Reflected bool  `json:"reflected,omitempty"` // 是否触发过一次补充检索反思
}
