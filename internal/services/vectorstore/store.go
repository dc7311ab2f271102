package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

// Collections used by the context engine.
const (
	CollectionKnowledge = "knowledge_base"
	CollectionMemory    = "conversation_memory"
)

// Document is one embedded item. Knowledge documents carry a source;
// memory documents carry user, session, and importance.
type Document struct {
	ID         string
	Collection string
	Content    string
	Source     string
	UserID     string
	SessionID  string
	Importance float64
	Embedding  []float32
	CreatedAt  time.Time
}

// Result pairs a document with its cosine similarity to the query.
type Result struct {
	Document   Document
	Similarity float64
}

// Filter narrows a search. Zero values are ignored.
type Filter struct {
	UserID    string
	SessionID string
}

// Store is a pgvector-backed embedding store. All collections share one
// table with an HNSW index for approximate nearest-neighbour search.
// Safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	dim    int
}

func New(ctx context.Context, url string, maxConns, embeddingDim int, logger *zap.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("vector store: parse config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("vector store: connect: %w", err)
	}

	s := &Store{pool: pool, logger: logger, dim: embeddingDim}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS embeddings (
			id          TEXT PRIMARY KEY,
			collection  TEXT NOT NULL,
			content     TEXT NOT NULL,
			source      TEXT NOT NULL DEFAULT '',
			user_id     TEXT NOT NULL DEFAULT '',
			session_id  TEXT NOT NULL DEFAULT '',
			importance  DOUBLE PRECISION NOT NULL DEFAULT 0,
			embedding   VECTOR(%d) NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.dim),
		`CREATE INDEX IF NOT EXISTS idx_embeddings_collection ON embeddings (collection)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_user_session ON embeddings (collection, user_id, session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_hnsw ON embeddings USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("vector store: schema: %w", err)
		}
	}
	return nil
}

// Upsert inserts or fully replaces a document.
func (s *Store) Upsert(ctx context.Context, doc Document) error {
	const q = `
		INSERT INTO embeddings
		    (id, collection, content, source, user_id, session_id, importance, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
		    collection = EXCLUDED.collection,
		    content    = EXCLUDED.content,
		    source     = EXCLUDED.source,
		    user_id    = EXCLUDED.user_id,
		    session_id = EXCLUDED.session_id,
		    importance = EXCLUDED.importance,
		    embedding  = EXCLUDED.embedding,
		    created_at = EXCLUDED.created_at`

	created := doc.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err := s.pool.Exec(ctx, q,
		doc.ID,
		doc.Collection,
		doc.Content,
		doc.Source,
		doc.UserID,
		doc.SessionID,
		doc.Importance,
		pgvector.NewVector(doc.Embedding),
		created,
	)
	if err != nil {
		return fmt.Errorf("vector store: upsert: %w", err)
	}
	return nil
}

// Search returns the topK documents in a collection closest to the query
// embedding by cosine distance, most similar first.
func (s *Store) Search(ctx context.Context, collection string, embedding []float32, topK int, filter Filter) ([]Result, error) {
	queryVec := pgvector.NewVector(embedding)

	args := []any{queryVec, collection}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"collection = $2"}
	if filter.UserID != "" {
		conditions = append(conditions, "user_id = "+next(filter.UserID))
	}
	if filter.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(filter.SessionID))
	}

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, collection, content, source, user_id, session_id, importance, created_at,
		       embedding <=> $1 AS distance
		FROM   embeddings
		WHERE  %s
		ORDER  BY distance
		LIMIT  %s`, strings.Join(conditions, " AND "), limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector store: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Result, error) {
		var (
			r        Result
			distance float64
		)
		if err := row.Scan(
			&r.Document.ID,
			&r.Document.Collection,
			&r.Document.Content,
			&r.Document.Source,
			&r.Document.UserID,
			&r.Document.SessionID,
			&r.Document.Importance,
			&r.Document.CreatedAt,
			&distance,
		); err != nil {
			return Result{}, err
		}
		r.Similarity = 1 - distance
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("vector store: scan rows: %w", err)
	}
	return results, nil
}

// DeleteOlderThan removes documents created before the cutoff. When
// maxImportance is non-negative only documents at or below it are
// deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, collection string, cutoff time.Time, maxImportance float64) (int64, error) {
	if maxImportance >= 0 {
		cmd, execErr := s.pool.Exec(ctx,
			`DELETE FROM embeddings WHERE collection = $1 AND created_at < $2 AND importance <= $3`,
			collection, cutoff, maxImportance)
		if execErr != nil {
			return 0, fmt.Errorf("vector store: delete: %w", execErr)
		}
		return cmd.RowsAffected(), nil
	}

	cmd, err := s.pool.Exec(ctx,
		`DELETE FROM embeddings WHERE collection = $1 AND created_at < $2`,
		collection, cutoff)
	if err != nil {
		return 0, fmt.Errorf("vector store: delete: %w", err)
	}
	return cmd.RowsAffected(), nil
}

// IsHealthy reports whether the pool can reach the database.
func (s *Store) IsHealthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

func (s *Store) Close() {
	s.pool.Close()
}
