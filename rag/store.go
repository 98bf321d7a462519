// Copyright 2026 Credence
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rag

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Sentinel errors surfaced by the store. Handlers map them to HTTP statuses.
var (
	ErrInvalidInput = errors.New("invalid retrieval input")
	ErrNotFound     = errors.New("document not found")
)

// Store persists the hierarchical knowledge base, the semantic query cache,
// and per-document retrieval stats in PostgreSQL with pgvector.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// NewStore connects to PostgreSQL and ensures the knowledge base schema
// exists. Requires the pgvector extension.
func NewStore(dbURL string) (*Store, error) {
	maxRetries := 5
	var db *sql.DB
	var err error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err = sql.Open("postgres", dbURL)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		if attempt < maxRetries {
			backoff := time.Duration(attempt*2) * time.Second
			log.Printf("[RAG] database connection failed (attempt %d/%d): %v, retrying in %v", attempt, maxRetries, err, backoff)
			time.Sleep(backoff)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
	}

	store := NewStoreWithDB(db)
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewStoreWithDB wraps an existing handle; tests use this with sqlmock.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: log.New(log.Writer(), "[RAG] ", log.LstdFlags),
	}
}

func (s *Store) initSchema() error {
	query := `
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS rag_documents (
		id UUID PRIMARY KEY,
		tenant_id VARCHAR(255) NOT NULL DEFAULT '',
		level VARCHAR(20) NOT NULL,
		suite_id VARCHAR(255) NOT NULL DEFAULT '',
		module_id VARCHAR(255) NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		source_type VARCHAR(100) NOT NULL DEFAULT 'manual',
		access_level VARCHAR(20) NOT NULL DEFAULT 'internal',
		status VARCHAR(20) NOT NULL DEFAULT 'active',
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS rag_chunks (
		id UUID PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES rag_documents(id) ON DELETE CASCADE,
		ord INTEGER NOT NULL,
		content TEXT NOT NULL,
		content_hash CHAR(64) NOT NULL,
		heading TEXT NOT NULL DEFAULT '',
		page_number INTEGER,
		token_count INTEGER NOT NULL DEFAULT 0,
		embedding vector(384) NOT NULL,
		UNIQUE (document_id, ord)
	);

	CREATE TABLE IF NOT EXISTS rag_query_cache (
		query_hash CHAR(64) NOT NULL,
		tenant_id VARCHAR(255) NOT NULL,
		suite_id VARCHAR(255) NOT NULL DEFAULT '',
		module_id VARCHAR(255) NOT NULL DEFAULT '',
		response_text TEXT NOT NULL,
		source_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
		hit_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (query_hash, tenant_id, suite_id, module_id)
	);

	CREATE TABLE IF NOT EXISTS rag_kb_stats (
		document_id UUID PRIMARY KEY,
		retrieval_count BIGINT NOT NULL DEFAULT 0,
		last_retrieved_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_rag_documents_scope ON rag_documents(level, status, suite_id, module_id);
	CREATE INDEX IF NOT EXISTS idx_rag_chunks_document ON rag_chunks(document_id);
	CREATE INDEX IF NOT EXISTS idx_rag_chunks_content_hash ON rag_chunks(document_id, content_hash);
	CREATE INDEX IF NOT EXISTS idx_rag_chunks_embedding ON rag_chunks USING hnsw (embedding vector_cosine_ops);
	CREATE INDEX IF NOT EXISTS idx_rag_query_cache_expiry ON rag_query_cache(expires_at);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	s.logger.Println("knowledge base schema initialized")
	return nil
}

// vectorLiteral renders a vector in pgvector's text format: [f1,f2,...].
func vectorLiteral(vec []float32) string {
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// SaveDocument inserts a document, assigning an ID when absent.
func (s *Store) SaveDocument(ctx context.Context, doc *Document) error {
	if doc.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if !doc.Level.Valid() {
		return fmt.Errorf("%w: unknown level %q", ErrInvalidInput, doc.Level)
	}
	if doc.Level == LevelEntity && doc.TenantID == "" {
		return fmt.Errorf("%w: entity documents require tenant_id", ErrInvalidInput)
	}
	if doc.AccessLevel == "" {
		doc.AccessLevel = AccessInternal
	}
	if !doc.AccessLevel.Valid() {
		return fmt.Errorf("%w: unknown access level %q", ErrInvalidInput, doc.AccessLevel)
	}
	if doc.Status == "" {
		doc.Status = DocActive
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.SourceType == "" {
		doc.SourceType = "manual"
	}
	metadata := doc.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rag_documents (id, tenant_id, level, suite_id, module_id, title, source_type, access_level, status, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at, updated_at`,
		doc.ID, doc.TenantID, string(doc.Level), doc.SuiteID, doc.ModuleID,
		doc.Title, doc.SourceType, string(doc.AccessLevel), string(doc.Status), []byte(metadata),
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// GetDocument loads one document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	var doc Document
	var level, access, status string
	var metadata []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, level, suite_id, module_id, title, source_type, access_level, status, metadata, created_at, updated_at
		 FROM rag_documents WHERE id = $1`,
		id,
	).Scan(&doc.ID, &doc.TenantID, &level, &doc.SuiteID, &doc.ModuleID, &doc.Title,
		&doc.SourceType, &access, &status, &metadata, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	doc.Level = Level(level)
	doc.AccessLevel = AccessLevel(access)
	doc.Status = DocStatus(status)
	doc.Metadata = metadata
	return &doc, nil
}

// ChunkExists reports whether the document already holds a chunk with the
// given content hash. Ingest uses this to skip re-embedded duplicates.
func (s *Store) ChunkExists(ctx context.Context, documentID, contentHash string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM rag_chunks WHERE document_id = $1 AND content_hash = $2)`,
		documentID, contentHash,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check chunk hash: %w", err)
	}
	return exists, nil
}

// InsertChunk writes one embedded chunk. (document_id, ord) is unique.
func (s *Store) InsertChunk(ctx context.Context, chunk *Chunk) error {
	if chunk.Content == "" {
		return fmt.Errorf("%w: chunk content is required", ErrInvalidInput)
	}
	if len(chunk.Embedding) != EmbeddingDim {
		return fmt.Errorf("%w: embedding must have %d dimensions, got %d", ErrInvalidInput, EmbeddingDim, len(chunk.Embedding))
	}
	if chunk.ID == "" {
		chunk.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rag_chunks (id, document_id, ord, content, content_hash, heading, page_number, token_count, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::vector)`,
		chunk.ID, chunk.DocumentID, chunk.Ord, chunk.Content, chunk.ContentHash,
		chunk.Heading, chunk.PageNumber, chunk.TokenCount, vectorLiteral(chunk.Embedding),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}
	return nil
}

// candidateRow is one pre-boost retrieval candidate with the document
// context needed for boost computation.
type candidateRow struct {
	ChunkID     string
	DocumentID  string
	Ord         int
	Content     string
	Heading     string
	DocTitle    string
	Level       Level
	DocTenantID string
	SuiteID     string
	ModuleID    string
	Metadata    json.RawMessage
	Similarity  float64
	KeywordRank float64
}

const candidateColumns = `c.id, c.document_id, c.ord, c.content, c.heading,
	       d.title, d.level, d.tenant_id, d.suite_id, d.module_id, d.metadata`

// SearchVector returns the nearest candidate chunks by cosine similarity.
// Only active documents at permitted access levels are considered, and
// entity-level documents are visible solely to their own tenant.
func (s *Store) SearchVector(ctx context.Context, embedding []float32, tenantID string, accessLevels []string, limit int) ([]*candidateRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+candidateColumns+`,
	       1 - (c.embedding <=> $1::vector) AS similarity
	FROM rag_chunks c
	JOIN rag_documents d ON d.id = c.document_id
	WHERE d.status = 'active'
	  AND d.access_level = ANY($2)
	  AND (d.level <> 'entity' OR d.tenant_id = $3)
	ORDER BY c.embedding <=> $1::vector
	LIMIT $4`,
		vectorLiteral(embedding), pq.Array(accessLevels), tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	return scanCandidates(rows, false)
}

// SearchHybrid returns candidates admitted by either leg: cosine similarity
// at or above the threshold, or a full-text keyword hit. Each row carries
// both signals so the engine can blend them.
func (s *Store) SearchHybrid(ctx context.Context, embedding []float32, query, tenantID string, accessLevels []string, threshold float64, limit int) ([]*candidateRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+candidateColumns+`,
	       1 - (c.embedding <=> $1::vector) AS similarity,
	       ts_rank(to_tsvector('english', c.content), plainto_tsquery('english', $2)) AS keyword_rank
	FROM rag_chunks c
	JOIN rag_documents d ON d.id = c.document_id
	WHERE d.status = 'active'
	  AND d.access_level = ANY($3)
	  AND (d.level <> 'entity' OR d.tenant_id = $4)
	  AND (1 - (c.embedding <=> $1::vector) >= $5
	       OR to_tsvector('english', c.content) @@ plainto_tsquery('english', $2))
	ORDER BY c.embedding <=> $1::vector
	LIMIT $6`,
		vectorLiteral(embedding), query, pq.Array(accessLevels), tenantID, threshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("hybrid search failed: %w", err)
	}
	return scanCandidates(rows, true)
}

func scanCandidates(rows *sql.Rows, hybrid bool) ([]*candidateRow, error) {
	defer rows.Close()
	var out []*candidateRow
	for rows.Next() {
		var c candidateRow
		var level string
		var metadata []byte
		dest := []interface{}{
			&c.ChunkID, &c.DocumentID, &c.Ord, &c.Content, &c.Heading,
			&c.DocTitle, &level, &c.DocTenantID, &c.SuiteID, &c.ModuleID, &metadata,
			&c.Similarity,
		}
		if hybrid {
			dest = append(dest, &c.KeywordRank)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		c.Level = Level(level)
		c.Metadata = metadata
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("candidate iteration failed: %w", err)
	}
	return out, nil
}

// CacheLookup checks the semantic query cache. A hit atomically bumps the
// hit counter; a miss returns nil without error.
func (s *Store) CacheLookup(ctx context.Context, queryHash, tenantID, suiteID, moduleID string) (*CacheEntry, error) {
	entry := CacheEntry{
		QueryHash: queryHash,
		TenantID:  tenantID,
		SuiteID:   suiteID,
		ModuleID:  moduleID,
	}
	var sourceIDs []byte
	err := s.db.QueryRowContext(ctx,
		`UPDATE rag_query_cache
		 SET hit_count = hit_count + 1, last_accessed_at = NOW()
		 WHERE query_hash = $1 AND tenant_id = $2 AND suite_id = $3 AND module_id = $4 AND expires_at > NOW()
		 RETURNING response_text, source_ids, hit_count, expires_at`,
		queryHash, tenantID, suiteID, moduleID,
	).Scan(&entry.ResponseText, &sourceIDs, &entry.HitCount, &entry.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	}
	if err := json.Unmarshal(sourceIDs, &entry.SourceIDs); err != nil {
		return nil, fmt.Errorf("failed to decode cached source ids: %w", err)
	}
	return &entry, nil
}

// CacheStore upserts a cache entry. Last writer wins on conflict.
func (s *Store) CacheStore(ctx context.Context, entry *CacheEntry) error {
	sourceIDs, err := json.Marshal(entry.SourceIDs)
	if err != nil {
		return fmt.Errorf("failed to encode source ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rag_query_cache (query_hash, tenant_id, suite_id, module_id, response_text, source_ids, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (query_hash, tenant_id, suite_id, module_id)
		 DO UPDATE SET response_text = EXCLUDED.response_text, source_ids = EXCLUDED.source_ids,
		               expires_at = EXCLUDED.expires_at, last_accessed_at = NOW()`,
		entry.QueryHash, entry.TenantID, entry.SuiteID, entry.ModuleID,
		entry.ResponseText, sourceIDs, entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("cache store failed: %w", err)
	}
	return nil
}

// PurgeExpiredCache removes entries past their expiry and returns the count.
func (s *Store) PurgeExpiredCache(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rag_query_cache WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cache purge failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// BumpRetrievalStats increments per-document retrieval counters. Stats are
// advisory: callers log failures and keep serving.
func (s *Store) BumpRetrievalStats(ctx context.Context, documentIDs []string) error {
	for _, id := range documentIDs {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO rag_kb_stats (document_id, retrieval_count, last_retrieved_at)
			 VALUES ($1, 1, NOW())
			 ON CONFLICT (document_id)
			 DO UPDATE SET retrieval_count = rag_kb_stats.retrieval_count + 1, last_retrieved_at = NOW()`,
			id,
		)
		if err != nil {
			return fmt.Errorf("failed to bump stats for %s: %w", id, err)
		}
	}
	return nil
}

// AvgEmbedding returns the document's centroid embedding in pgvector text
// form, suitable for passing back as a query vector.
func (s *Store) AvgEmbedding(ctx context.Context, documentID string) (string, error) {
	var avg sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT AVG(embedding)::text FROM rag_chunks WHERE document_id = $1`,
		documentID,
	).Scan(&avg)
	if err != nil {
		return "", fmt.Errorf("failed to average embeddings: %w", err)
	}
	if !avg.Valid {
		return "", fmt.Errorf("%w: document %s has no chunks", ErrNotFound, documentID)
	}
	return avg.String, nil
}

// SimilarDocuments ranks other active documents by cosine similarity of
// their centroid embeddings against the given vector.
func (s *Store) SimilarDocuments(ctx context.Context, documentID, vector string, threshold float64, limit int) ([]*SimilarDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.title, d.level, d.suite_id, d.module_id,
	       1 - (centroids.embedding <=> $2::vector) AS similarity
	FROM rag_documents d
	JOIN (SELECT document_id, AVG(embedding) AS embedding FROM rag_chunks GROUP BY document_id) centroids
	  ON centroids.document_id = d.id
	WHERE d.id <> $1 AND d.status = 'active'
	  AND 1 - (centroids.embedding <=> $2::vector) >= $3
	ORDER BY centroids.embedding <=> $2::vector
	LIMIT $4`,
		documentID, vector, threshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("similar document search failed: %w", err)
	}
	defer rows.Close()

	var out []*SimilarDocument
	for rows.Next() {
		var d SimilarDocument
		var level string
		if err := rows.Scan(&d.DocumentID, &d.Title, &level, &d.SuiteID, &d.ModuleID, &d.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan similar document: %w", err)
		}
		d.Level = Level(level)
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("similar document iteration failed: %w", err)
	}
	return out, nil
}

// Ping checks database connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
