package providers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/cvflow/cvflow/types"
)

// PgVectorConfig Postgres/pgvector 向量库配置。
type PgVectorConfig struct {
	DSN          string `yaml:"dsn" json:"dsn"`
	SessionID    string `yaml:"session_id" json:"session_id"`
	EmbeddingDim int    `yaml:"embedding_dim" json:"embedding_dim"`
}

// PgVectorStore 基于 Postgres + pgvector 的向量库与片段提供商。
// 片段按会话隔离，余弦距离检索（<=> 操作符）。
type PgVectorStore struct {
	db        *sql.DB
	sessionID string
	logger    *zap.Logger
}

// NewPgVectorStore 连接数据库并确保 schema 存在。
func NewPgVectorStore(cfg PgVectorConfig, logger *zap.Logger) (*PgVectorStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("pgvector: dsn is required")
	}
	if cfg.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("pgvector: embedding_dim is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgvector: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pgvector: ping: %w", err)
	}

	s := &PgVectorStore{
		db:        db,
		sessionID: cfg.SessionID,
		logger:    logger.With(zap.String("component", "pgvector_store")),
	}
	if err := s.ensureSchema(ctx, cfg.EmbeddingDim); err != nil {
		return nil, err
	}
	s.logger.Info("pgvector store ready",
		zap.String("session_id", cfg.SessionID),
		zap.Int("embedding_dim", cfg.EmbeddingDim))
	return s, nil
}

func (s *PgVectorStore) ensureSchema(ctx context.Context, dim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cv_chunks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			cv_id TEXT NOT NULL,
			candidate_name TEXT NOT NULL,
			section_type TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, dim),
		`CREATE INDEX IF NOT EXISTS idx_cv_chunks_session ON cv_chunks (session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_cv_chunks_candidate ON cv_chunks (session_id, candidate_name)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("pgvector: ensure schema: %w", err)
		}
	}
	return nil
}

// Add 索引一个片段及其向量。
func (s *PgVectorStore) Add(ctx context.Context, chunk types.Chunk, vector []float32) error {
	meta, err := json.Marshal(chunk.Metadata)
	if err != nil {
		return fmt.Errorf("pgvector: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cv_chunks (id, session_id, cv_id, candidate_name, section_type, content, metadata, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, metadata = EXCLUDED.metadata, embedding = EXCLUDED.embedding`,
		chunk.ID, s.sessionID, chunk.CVID,
		chunk.Metadata.CandidateName, string(chunk.Metadata.SectionType),
		chunk.Content, meta, pgvector.NewVector(vector),
	)
	if err != nil {
		return fmt.Errorf("pgvector: insert chunk: %w", err)
	}
	return nil
}

// Search 实现 VectorStore.Search。相似度 = 1 - 余弦距离。
func (s *PgVectorStore) Search(ctx context.Context, vector []float32, k int, threshold float64, diversifyByEntity bool) ([]types.SearchResult, error) {
	if k <= 0 {
		return nil, fmt.Errorf("pgvector: invalid k: %d", k)
	}

	query := `
		SELECT id, cv_id, candidate_name, section_type, content, metadata,
		       1 - (embedding <=> $1) AS similarity
		FROM cv_chunks
		WHERE session_id = $2 AND 1 - (embedding <=> $1) >= $3
		ORDER BY embedding <=> $1
		LIMIT $4`
	if diversifyByEntity {
		// 每个候选人只保留其最相似的片段
		query = `
		SELECT DISTINCT ON (candidate_name)
		       id, cv_id, candidate_name, section_type, content, metadata,
		       1 - (embedding <=> $1) AS similarity
		FROM cv_chunks
		WHERE session_id = $2 AND 1 - (embedding <=> $1) >= $3
		ORDER BY candidate_name, embedding <=> $1
		LIMIT $4`
	}

	rows, err := s.db.QueryContext(ctx, query, pgvector.NewVector(vector), s.sessionID, threshold, k)
	if err != nil {
		return nil, fmt.Errorf("pgvector: search: %w", err)
	}
	defer rows.Close()

	var results []types.SearchResult
	for rows.Next() {
		var r types.SearchResult
		var metaRaw []byte
		var section string
		if err := rows.Scan(&r.Chunk.ID, &r.Chunk.CVID, &r.Chunk.Metadata.CandidateName,
			&section, &r.Chunk.Content, &metaRaw, &r.Similarity); err != nil {
			return nil, fmt.Errorf("pgvector: scan: %w", err)
		}
		r.Chunk.Metadata.SectionType = types.SectionType(section)
		if len(metaRaw) > 0 {
			_ = json.Unmarshal(metaRaw, &r.Chunk.Metadata)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgvector: rows: %w", err)
	}

	if diversifyByEntity {
		// DISTINCT ON 打乱了相似度顺序，重新排序
		sortBySimilarity(results)
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results, nil
}

func sortBySimilarity(results []types.SearchResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Similarity > results[j-1].Similarity; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// Count 实现 VectorStore.Count。
func (s *PgVectorStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cv_chunks WHERE session_id = $1`, s.sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pgvector: count: %w", err)
	}
	return n, nil
}

// AllChunks 实现 ChunkProvider.AllChunks。
func (s *PgVectorStore) AllChunks(ctx context.Context) ([]types.Chunk, error) {
	return s.queryChunks(ctx,
		`SELECT id, cv_id, candidate_name, section_type, content, metadata
		 FROM cv_chunks WHERE session_id = $1`, s.sessionID)
}

// ChunksByCandidate 实现 ChunkProvider.ChunksByCandidate。
func (s *PgVectorStore) ChunksByCandidate(ctx context.Context, candidateName string) ([]types.Chunk, error) {
	return s.queryChunks(ctx,
		`SELECT id, cv_id, candidate_name, section_type, content, metadata
		 FROM cv_chunks WHERE session_id = $1 AND lower(candidate_name) = lower($2)`,
		s.sessionID, candidateName)
}

// Candidates 实现 ChunkProvider.Candidates。
func (s *PgVectorStore) Candidates(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT candidate_name FROM cv_chunks WHERE session_id = $1 ORDER BY candidate_name`,
		s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("pgvector: candidates: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("pgvector: scan: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *PgVectorStore) queryChunks(ctx context.Context, query string, args ...any) ([]types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector: query chunks: %w", err)
	}
	defer rows.Close()

	var out []types.Chunk
	for rows.Next() {
		var c types.Chunk
		var metaRaw []byte
		var section string
		if err := rows.Scan(&c.ID, &c.CVID, &c.Metadata.CandidateName, &section, &c.Content, &metaRaw); err != nil {
			return nil, fmt.Errorf("pgvector: scan: %w", err)
		}
		c.Metadata.SectionType = types.SectionType(section)
		if len(metaRaw) > 0 {
			_ = json.Unmarshal(metaRaw, &c.Metadata)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close 关闭数据库连接。
func (s *PgVectorStore) Close() error { return s.db.Close() }
