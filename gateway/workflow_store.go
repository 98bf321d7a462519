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
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// WorkflowStore is the PostgreSQL implementation of WorkflowStorage.
// Approval idempotency rides on a compare-and-set over task status: the
// pending row is consumed by exactly one caller.
type WorkflowStore struct {
	db     *sql.DB
	logger *log.Logger
}

// NewWorkflowStore connects to PostgreSQL and ensures the workflow schema.
func NewWorkflowStore(dbURL string) (*WorkflowStore, error) {
	db, err := openWithRetry(dbURL, "[GATEWAY]")
	if err != nil {
		return nil, err
	}
	store := NewWorkflowStoreWithDB(db)
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize workflow schema: %w", err)
	}
	return store, nil
}

// NewWorkflowStoreWithDB wraps an existing handle; tests use this with
// sqlmock.
func NewWorkflowStoreWithDB(db *sql.DB) *WorkflowStore {
	return &WorkflowStore{
		db:     db,
		logger: log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
	}
}

// openWithRetry dials PostgreSQL with backoff; container DNS may lag the
// service start.
func openWithRetry(dbURL, prefix string) (*sql.DB, error) {
	maxRetries := 5
	var db *sql.DB
	var err error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err = sql.Open("postgres", dbURL)
		if err == nil {
			err = db.Ping()
			if err == nil {
				return db, nil
			}
		}
		if attempt < maxRetries {
			backoff := time.Duration(attempt*2) * time.Second
			log.Printf("%s database connection failed (attempt %d/%d): %v, retrying in %v", prefix, attempt, maxRetries, err, backoff)
			time.Sleep(backoff)
		}
	}
	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
}

func (s *WorkflowStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS workflow_executions (
		workflow_id UUID PRIMARY KEY,
		workflow_pack_id VARCHAR(255) NOT NULL,
		workflow_type VARCHAR(255) NOT NULL,
		payload JSONB NOT NULL,
		input_hash CHAR(64) NOT NULL,
		state VARCHAR(64) NOT NULL,
		approval_task_id UUID,
		approved_by VARCHAR(255),
		approved_at TIMESTAMPTZ,
		error TEXT,
		tenant_id VARCHAR(255) NOT NULL,
		correlation_id VARCHAR(255) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_workflow_executions_tenant ON workflow_executions(tenant_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_workflow_executions_state ON workflow_executions(state);

	CREATE TABLE IF NOT EXISTS approval_tasks (
		task_id UUID PRIMARY KEY,
		workflow_id UUID NOT NULL,
		requester VARCHAR(255),
		payload_hash CHAR(64) NOT NULL,
		status VARCHAR(32) NOT NULL DEFAULT 'pending',
		approved_by VARCHAR(255),
		approved_at TIMESTAMPTZ,
		approval_data JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_approval_tasks_workflow ON approval_tasks(workflow_id);
	CREATE INDEX IF NOT EXISTS idx_approval_tasks_status ON approval_tasks(status);
	`
	if _, err := s.db.Exec(query); err != nil {
		return err
	}
	s.logger.Println("workflow schema ready")
	return nil
}

// InsertWorkflow persists a new execution record.
func (s *WorkflowStore) InsertWorkflow(ctx context.Context, record *WorkflowRecord) error {
	query := `
		INSERT INTO workflow_executions
			(workflow_id, workflow_pack_id, workflow_type, payload, input_hash, state,
			 approval_task_id, tenant_id, correlation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $10)`

	_, err := s.db.ExecContext(ctx, query,
		record.WorkflowID, record.WorkflowPackID, record.WorkflowType,
		[]byte(record.Payload), record.InputHash, string(record.State),
		record.ApprovalTaskID, record.TenantID, record.CorrelationID, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

// UpdateWorkflowState moves a workflow to a new state, recording the error
// message for failure states.
func (s *WorkflowStore) UpdateWorkflowState(ctx context.Context, workflowID string, state WorkflowState, errMsg string) error {
	query := `
		UPDATE workflow_executions
		SET state = $2, error = NULLIF($3, ''), updated_at = NOW()
		WHERE workflow_id = $1`

	result, err := s.db.ExecContext(ctx, query, workflowID, string(state), errMsg)
	if err != nil {
		return fmt.Errorf("failed to update workflow state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	return nil
}

// MarkApproved records the approver on the workflow and moves it to
// executing.
func (s *WorkflowStore) MarkApproved(ctx context.Context, workflowID, approvedBy string, at time.Time) error {
	query := `
		UPDATE workflow_executions
		SET state = $2, approved_by = NULLIF($3, ''), approved_at = $4, updated_at = NOW()
		WHERE workflow_id = $1`

	_, err := s.db.ExecContext(ctx, query, workflowID, string(StateExecuting), approvedBy, at)
	if err != nil {
		return fmt.Errorf("failed to mark workflow approved: %w", err)
	}
	return nil
}

// GetWorkflow loads one execution record.
func (s *WorkflowStore) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowRecord, error) {
	query := `
		SELECT workflow_id, workflow_pack_id, workflow_type, payload, input_hash, state,
		       COALESCE(approval_task_id::text, ''), COALESCE(approved_by, ''), approved_at,
		       COALESCE(error, ''), tenant_id, correlation_id, created_at, updated_at
		FROM workflow_executions
		WHERE workflow_id = $1`

	var record WorkflowRecord
	var payload []byte
	var state string
	var approvedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, workflowID).Scan(
		&record.WorkflowID, &record.WorkflowPackID, &record.WorkflowType,
		&payload, &record.InputHash, &state,
		&record.ApprovalTaskID, &record.ApprovedBy, &approvedAt,
		&record.Error, &record.TenantID, &record.CorrelationID,
		&record.CreatedAt, &record.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	record.Payload = json.RawMessage(payload)
	record.State = WorkflowState(state)
	if approvedAt.Valid {
		record.ApprovedAt = &approvedAt.Time
	}
	return &record, nil
}

// InsertTask persists a new approval task.
func (s *WorkflowStore) InsertTask(ctx context.Context, task *ApprovalTask) error {
	query := `
		INSERT INTO approval_tasks (task_id, workflow_id, requester, payload_hash, status, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		task.TaskID, task.WorkflowID, task.Requester, task.PayloadHash,
		string(task.Status), task.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert approval task: %w", err)
	}
	return nil
}

// GetTask loads one approval task.
func (s *WorkflowStore) GetTask(ctx context.Context, taskID string) (*ApprovalTask, error) {
	query := `
		SELECT task_id, workflow_id, COALESCE(requester, ''), payload_hash, status,
		       COALESCE(approved_by, ''), approved_at, approval_data, created_at
		FROM approval_tasks
		WHERE task_id = $1`

	var task ApprovalTask
	var status string
	var approvedAt sql.NullTime
	var approvalData []byte

	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&task.TaskID, &task.WorkflowID, &task.Requester, &task.PayloadHash, &status,
		&task.ApprovedBy, &approvedAt, &approvalData, &task.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: approval task %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval task: %w", err)
	}

	task.Status = TaskStatus(status)
	if approvedAt.Valid {
		task.ApprovedAt = &approvedAt.Time
	}
	if len(approvalData) > 0 {
		task.ApprovalData = json.RawMessage(approvalData)
	}
	return &task, nil
}

// ApproveTask performs the pending→approved compare-and-set. It reports
// whether this call made the transition; zero rows means another caller
// already consumed the pending state.
func (s *WorkflowStore) ApproveTask(ctx context.Context, taskID, approvedBy string, approvalData json.RawMessage, at time.Time) (bool, error) {
	query := `
		UPDATE approval_tasks
		SET status = 'approved', approved_by = NULLIF($2, ''), approved_at = $3, approval_data = $4
		WHERE task_id = $1 AND status = 'pending'`

	var data interface{}
	if len(approvalData) > 0 {
		data = []byte(approvalData)
	}
	result, err := s.db.ExecContext(ctx, query, taskID, approvedBy, at, data)
	if err != nil {
		return false, fmt.Errorf("failed to approve task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// RejectTask performs the pending→rejected compare-and-set.
func (s *WorkflowStore) RejectTask(ctx context.Context, taskID, rejectedBy string, at time.Time) (bool, error) {
	query := `
		UPDATE approval_tasks
		SET status = 'rejected', approved_by = NULLIF($2, ''), approved_at = $3
		WHERE task_id = $1 AND status = 'pending'`

	result, err := s.db.ExecContext(ctx, query, taskID, rejectedBy, at)
	if err != nil {
		return false, fmt.Errorf("failed to reject task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Ping verifies database connectivity.
func (s *WorkflowStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *WorkflowStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ WorkflowStorage = (*WorkflowStore)(nil)
