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

package ocr

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors surfaced by the store.
var (
	ErrInvalidInput  = errors.New("invalid ocr input")
	ErrNotFound      = errors.New("ocr job not found")
	ErrNotReviewable = errors.New("job is not awaiting review")
)

// Store persists OCR jobs, human reviews, and the extraction cache.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// NewStore connects to PostgreSQL and ensures the OCR schema exists.
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
			log.Printf("[OCR] database connection failed (attempt %d/%d): %v, retrying in %v", attempt, maxRetries, err, backoff)
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
		logger: log.New(log.Writer(), "[OCR] ", log.LstdFlags),
	}
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS ocr_jobs (
		id UUID PRIMARY KEY,
		tenant_id VARCHAR(255) NOT NULL,
		document_hash CHAR(64) NOT NULL,
		status VARCHAR(32) NOT NULL,
		tier_used VARCHAR(32),
		confidence DOUBLE PRECISION,
		extracted_text TEXT,
		extracted_fields JSONB,
		warnings JSONB NOT NULL DEFAULT '[]'::jsonb,
		error TEXT,
		correlation_id VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS ocr_reviews (
		id UUID PRIMARY KEY,
		job_id UUID NOT NULL REFERENCES ocr_jobs(id),
		tenant_id VARCHAR(255) NOT NULL,
		reviewer_id VARCHAR(255) NOT NULL,
		corrected_text TEXT NOT NULL,
		notes TEXT,
		confidence_after_review DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS ocr_cache (
		document_hash CHAR(64) PRIMARY KEY,
		tier_used VARCHAR(32) NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		extracted_text TEXT NOT NULL,
		warnings JSONB NOT NULL DEFAULT '[]'::jsonb,
		hit_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_ocr_jobs_tenant_status ON ocr_jobs(tenant_id, status);
	CREATE INDEX IF NOT EXISTS idx_ocr_jobs_hash ON ocr_jobs(document_hash);
	CREATE INDEX IF NOT EXISTS idx_ocr_reviews_job ON ocr_reviews(job_id);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	s.logger.Println("ocr schema initialized")
	return nil
}

// CreateJob inserts a pending job.
func (s *Store) CreateJob(ctx context.Context, tenantID, documentHash, correlationID string) (*Job, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if len(documentHash) != 64 {
		return nil, fmt.Errorf("%w: document_hash must be 64 hex characters", ErrInvalidInput)
	}

	job := &Job{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		DocumentHash:  documentHash,
		Status:        StatusPending,
		CorrelationID: correlationID,
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO ocr_jobs (id, tenant_id, document_hash, status, correlation_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at, updated_at`,
		job.ID, job.TenantID, job.DocumentHash, string(job.Status), nullable(job.CorrelationID),
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// UpdateStatus moves a job to a new lifecycle state.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status JobStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ocr_jobs SET status = $2, updated_at = NOW() WHERE id = $1`,
		jobID, string(status),
	)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return nil
}

// FinishJob records the extraction outcome and final status.
func (s *Store) FinishJob(ctx context.Context, job *Job) error {
	warnings, err := marshalWarnings(job.Warnings)
	if err != nil {
		return fmt.Errorf("failed to encode warnings: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ocr_jobs
		 SET status = $2, tier_used = $3, confidence = $4, extracted_text = $5,
		     extracted_fields = $6, warnings = $7, error = $8, updated_at = NOW()
		 WHERE id = $1`,
		job.ID, string(job.Status), nullable(string(job.TierUsed)), job.Confidence,
		nullableRaw(job.Fields), warnings, nullable(job.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, job.ID)
	}
	return nil
}

// GetJob loads one job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	var status string
	var tier, text, errMsg, correlation sql.NullString
	var confidence sql.NullFloat64
	var fields, warnings []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, document_hash, status, tier_used, confidence, extracted_text,
		        extracted_fields, warnings, error, correlation_id, created_at, updated_at
		 FROM ocr_jobs WHERE id = $1`,
		id,
	).Scan(&job.ID, &job.TenantID, &job.DocumentHash, &status, &tier, &confidence, &text,
		&fields, &warnings, &errMsg, &correlation, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	job.Status = JobStatus(status)
	job.TierUsed = Tier(tier.String)
	if confidence.Valid {
		job.Confidence = &confidence.Float64
	}
	job.ExtractedText = text.String
	job.Fields = fields
	job.Error = errMsg.String
	job.CorrelationID = correlation.String
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &job.Warnings); err != nil {
			return nil, fmt.Errorf("failed to decode warnings: %w", err)
		}
	}
	return &job, nil
}

// ListAwaitingReview returns a tenant's jobs queued for human correction,
// oldest first.
func (s *Store) ListAwaitingReview(ctx context.Context, tenantID string, limit int) ([]*Job, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, document_hash, status, tier_used, confidence, extracted_text,
		        extracted_fields, warnings, error, correlation_id, created_at, updated_at
		 FROM ocr_jobs WHERE tenant_id = $1 AND status = $2
		 ORDER BY created_at LIMIT $3`,
		tenantID, string(StatusAwaitingReview), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var job Job
		var status string
		var tier, text, errMsg, correlation sql.NullString
		var confidence sql.NullFloat64
		var fields, warnings []byte
		if err := rows.Scan(&job.ID, &job.TenantID, &job.DocumentHash, &status, &tier, &confidence,
			&text, &fields, &warnings, &errMsg, &correlation, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job.Status = JobStatus(status)
		job.TierUsed = Tier(tier.String)
		if confidence.Valid {
			job.Confidence = &confidence.Float64
		}
		job.ExtractedText = text.String
		job.Fields = fields
		job.Error = errMsg.String
		job.CorrelationID = correlation.String
		if len(warnings) > 0 {
			if err := json.Unmarshal(warnings, &job.Warnings); err != nil {
				return nil, fmt.Errorf("failed to decode warnings: %w", err)
			}
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job iteration failed: %w", err)
	}
	return jobs, nil
}

// SubmitReview stores a human correction and completes the job in one
// transaction. Only jobs in awaiting_review are reviewable; the status
// check and update are a single compare-and-set.
func (s *Store) SubmitReview(ctx context.Context, review *Review) error {
	if review.JobID == "" || review.ReviewerID == "" {
		return fmt.Errorf("%w: job_id and reviewer_id are required", ErrInvalidInput)
	}
	if review.CorrectedText == "" {
		return fmt.Errorf("%w: corrected_text is required", ErrInvalidInput)
	}
	review.ID = uuid.New().String()
	review.ConfidenceAfterReview = 100.0

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE ocr_jobs
		 SET status = $2, tier_used = $3, confidence = $4, extracted_text = $5, updated_at = NOW()
		 WHERE id = $1 AND status = $6`,
		review.JobID, string(StatusCompleted), string(TierHumanReview),
		review.ConfidenceAfterReview, review.CorrectedText, string(StatusAwaitingReview),
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish a missing job from one in the wrong state.
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM ocr_jobs WHERE id = $1`, review.JobID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, review.JobID)
		}
		if err != nil {
			return fmt.Errorf("failed to check job status: %w", err)
		}
		return fmt.Errorf("%w: job %s is %s", ErrNotReviewable, review.JobID, status)
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO ocr_reviews (id, job_id, tenant_id, reviewer_id, corrected_text, notes, confidence_after_review)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		review.ID, review.JobID, review.TenantID, review.ReviewerID,
		review.CorrectedText, nullable(review.Notes), review.ConfidenceAfterReview,
	).Scan(&review.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert review: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit review: %w", err)
	}
	return nil
}

// CacheLookup serves a prior result by document hash. A hit atomically
// bumps hit_count; a miss returns nil without error.
func (s *Store) CacheLookup(ctx context.Context, documentHash string) (*CachedResult, error) {
	entry := CachedResult{DocumentHash: documentHash}
	var tier string
	var warnings []byte
	err := s.db.QueryRowContext(ctx,
		`UPDATE ocr_cache
		 SET hit_count = hit_count + 1, last_accessed_at = NOW()
		 WHERE document_hash = $1
		 RETURNING tier_used, confidence, extracted_text, warnings, hit_count, created_at`,
		documentHash,
	).Scan(&tier, &entry.Confidence, &entry.ExtractedText, &warnings, &entry.HitCount, &entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	}
	entry.TierUsed = Tier(tier)
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &entry.Warnings); err != nil {
			return nil, fmt.Errorf("failed to decode cached warnings: %w", err)
		}
	}
	return &entry, nil
}

// CacheStore upserts an extraction result. document_hash is the primary
// key, so concurrent writers settle last-writer-wins.
func (s *Store) CacheStore(ctx context.Context, entry *CachedResult) error {
	warnings, err := marshalWarnings(entry.Warnings)
	if err != nil {
		return fmt.Errorf("failed to encode warnings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ocr_cache (document_hash, tier_used, confidence, extracted_text, warnings)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (document_hash)
		 DO UPDATE SET tier_used = EXCLUDED.tier_used, confidence = EXCLUDED.confidence,
		               extracted_text = EXCLUDED.extracted_text, warnings = EXCLUDED.warnings,
		               last_accessed_at = NOW()`,
		entry.DocumentHash, string(entry.TierUsed), entry.Confidence, entry.ExtractedText, warnings,
	)
	if err != nil {
		return fmt.Errorf("cache store failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// marshalWarnings keeps the warnings column a JSON array even when the
// slice is nil.
func marshalWarnings(w []string) ([]byte, error) {
	if w == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(w)
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullableRaw(v json.RawMessage) interface{} {
	if len(v) == 0 {
		return nil
	}
	return []byte(v)
}
