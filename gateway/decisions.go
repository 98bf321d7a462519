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

package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Valid failure decisions and RAG feedback verdicts. Anything else is a
// 400 at the handler.
var (
	validDecisions = map[string]bool{
		"accept":   true,
		"defer":    true,
		"ignore":   true,
		"override": true,
	}
	validFeedback = map[string]bool{
		"helpful":           true,
		"not_helpful":       true,
		"partially_helpful": true,
		"irrelevant":        true,
	}
)

// FailureDecision is an analyst's verdict on one validation failure.
// Decisions are revisable: the latest write wins per failure.
type FailureDecision struct {
	FailureID string    `json:"failure_id"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	DecidedBy string    `json:"decided_by,omitempty"`
	TenantID  string    `json:"tenant_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RAGFeedback grades one knowledge base explanation. Feedback accumulates;
// every submission is kept for retrieval tuning.
type RAGFeedback struct {
	ID          string    `json:"id"`
	FailureID   string    `json:"failure_id"`
	Feedback    string    `json:"feedback"`
	SubmittedBy string    `json:"submitted_by,omitempty"`
	TenantID    string    `json:"tenant_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// DecisionStore persists failure decisions and RAG feedback.
type DecisionStore struct {
	db *sql.DB
}

// NewDecisionStoreWithDB wraps an existing handle and ensures the schema.
func NewDecisionStoreWithDB(db *sql.DB) *DecisionStore {
	return &DecisionStore{db: db}
}

func (s *DecisionStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS failure_decisions (
		failure_id VARCHAR(255) PRIMARY KEY,
		decision VARCHAR(32) NOT NULL,
		reason TEXT,
		notes TEXT,
		decided_by VARCHAR(255),
		tenant_id VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS rag_feedback (
		id UUID PRIMARY KEY,
		failure_id VARCHAR(255) NOT NULL,
		feedback VARCHAR(32) NOT NULL,
		submitted_by VARCHAR(255),
		tenant_id VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_rag_feedback_failure ON rag_feedback(failure_id);
	`
	_, err := s.db.Exec(query)
	return err
}

// RecordDecision upserts the analyst verdict for one failure.
func (s *DecisionStore) RecordDecision(ctx context.Context, d *FailureDecision) error {
	if d.FailureID == "" {
		return fmt.Errorf("%w: failure_id is required", ErrInvalidInput)
	}
	if !validDecisions[d.Decision] {
		return fmt.Errorf("%w: unknown decision %q", ErrInvalidInput, d.Decision)
	}

	query := `
		INSERT INTO failure_decisions (failure_id, decision, reason, notes, decided_by, tenant_id, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NOW(), NOW())
		ON CONFLICT (failure_id) DO UPDATE SET
			decision = EXCLUDED.decision,
			reason = EXCLUDED.reason,
			notes = EXCLUDED.notes,
			decided_by = EXCLUDED.decided_by,
			updated_at = NOW()`

	if _, err := s.db.ExecContext(ctx, query,
		d.FailureID, d.Decision, d.Reason, d.Notes, d.DecidedBy, d.TenantID); err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// RecordFeedback appends one RAG feedback entry.
func (s *DecisionStore) RecordFeedback(ctx context.Context, f *RAGFeedback) error {
	if f.FailureID == "" {
		return fmt.Errorf("%w: failure id is required", ErrInvalidInput)
	}
	if !validFeedback[f.Feedback] {
		return fmt.Errorf("%w: unknown feedback %q", ErrInvalidInput, f.Feedback)
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}

	query := `
		INSERT INTO rag_feedback (id, failure_id, feedback, submitted_by, tenant_id, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NOW())`

	if _, err := s.db.ExecContext(ctx, query,
		f.ID, f.FailureID, f.Feedback, f.SubmittedBy, f.TenantID); err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}
	return nil
}
